package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/power-meter/internal/hlw"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.NotNil(t, cfg)
	assert.Equal(t, uint32(1), cfg.DeviceID)
	assert.Equal(t, "gpiochip0", cfg.GPIO.Chip)
	assert.Equal(t, 0.001, cfg.Sensor.CurrentResistor)
	assert.Equal(t, float64(2350000), cfg.Sensor.VoltageResistorUp)
	assert.Equal(t, uint32(10000), cfg.Power.TimeoutMs)
	assert.Equal(t, uint32(2000), cfg.Mux.IntervalMs)
	assert.Equal(t, 5, cfg.Noise.Window)
	assert.Equal(t, 0.25, cfg.Noise.Threshold)
	assert.Equal(t, 5*time.Minute, cfg.Energy.MinSaveInterval)
	assert.Equal(t, "energy/power-meter", cfg.MQTT.TopicPrefix)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileNotExists(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_ValidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "power-meter.yaml")
	yamlContent := `
device_id: 42

gpio:
  chip: gpiochip4
  cf: 5
  cf1: 6
  sel: 13
  sel_current_high: true

sensor:
  current_resistor: 0.002

voltage:
  int_time_ms: 750
  avg_depth: 2
  calibration: 1.05

mux:
  mode: voltage
  interval_ms: 4000

energy:
  path: /tmp/energy.dat
  backup_path: /boot/energy.dat
  min_save_interval: 30s
  retention: 720h

mqtt:
  broker: tcp://broker:1883
  extra_digits: 2

console:
  port: /dev/ttyUSB0
  baud: 9600
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint32(42), cfg.DeviceID)
	assert.Equal(t, "gpiochip4", cfg.GPIO.Chip)
	assert.True(t, cfg.GPIO.SELCurrentHigh)
	assert.Equal(t, 0.002, cfg.Sensor.CurrentResistor)
	assert.Equal(t, float64(2350000), cfg.Sensor.VoltageResistorUp, "unset field keeps default")
	assert.Equal(t, uint32(750), cfg.Voltage.IntTimeMs)
	assert.Equal(t, 1.05, cfg.Voltage.Calibration)
	assert.Equal(t, hlw.SelectVoltage, cfg.Selection())
	assert.Equal(t, 30*time.Second, cfg.Energy.MinSaveInterval)
	assert.Equal(t, 720*time.Hour, cfg.Energy.Retention)
	assert.Equal(t, "/boot/energy.dat", cfg.Energy.BackupPath)
	assert.Equal(t, 2, cfg.MQTT.ExtraDigits)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Console.Port)
	assert.Equal(t, 9600, cfg.Console.Baud)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gpio: [1, 2"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_ZeroCalibrationFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zero.yaml")
	require.NoError(t, os.WriteFile(path, []byte("power:\n  calibration: 0\n  int_time_ms: 0\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1.0, cfg.Power.Calibration)
	assert.Equal(t, uint32(2000), cfg.Power.IntTimeMs)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative shunt", func(c *Config) { c.Sensor.CurrentResistor = -1 }},
		{"tiny buffer", func(c *Config) { c.Sensor.BufferSize = 1 }},
		{"shared pin", func(c *Config) { c.GPIO.CF1 = c.GPIO.CF }},
		{"negative calibration", func(c *Config) { c.Current.Calibration = -2 }},
		{"unknown mode", func(c *Config) { c.Mux.Mode = "power" }},
		{"digits", func(c *Config) { c.MQTT.ExtraDigits = 9 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "power-meter.yaml")
	cfg := Default()
	cfg.Voltage.Calibration = 0.987
	cfg.Energy.BackupPath = "/boot/energy.dat"

	require.NoError(t, cfg.Save(path))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestEngineConfig(t *testing.T) {
	cfg := Default()
	cfg.GPIO.SELCurrentHigh = true
	cfg.Calibration.DimmingCompensation = true

	ec := cfg.EngineConfig()
	assert.Equal(t, cfg.DeviceID, ec.DeviceID)
	assert.Equal(t, cfg.GPIO.CF, ec.PinCF)
	assert.Equal(t, cfg.GPIO.SEL, ec.PinSEL)
	assert.Equal(t, cfg.Sensor.CurrentResistor, ec.Transfer.CurrentResistor)
	assert.Equal(t, hlw.ChannelConfig{IntTime: 2000, AvgDepth: 4, Timeout: 10000, Calibration: 1}, ec.Power)
	assert.True(t, ec.Mux.SelCurrentHigh)
	assert.Equal(t, uint32(200), ec.Mux.Settle)
	assert.Equal(t, 10.0, ec.Noise.RateRef)
	assert.Equal(t, uint32(300000), ec.Energy.MinSaveInterval)
	assert.Equal(t, uint32(1000), ec.CalSampleInterval)
	assert.True(t, ec.DimmingCompensation)
}

func TestApplyTunings(t *testing.T) {
	cfg := Default()
	cfg.ApplyTunings([3]hlw.Tuning{
		{IntTime: 3000, AvgDepth: 8, Calibration: 1.1},
		{IntTime: 400, AvgDepth: 2, Calibration: 0.9},
		{IntTime: 600, AvgDepth: 3, Calibration: 1.3},
	})

	assert.Equal(t, ChannelConfig{IntTimeMs: 3000, AvgDepth: 8, TimeoutMs: 10000, Calibration: 1.1}, cfg.Power)
	assert.Equal(t, 0.9, cfg.Voltage.Calibration)
	assert.Equal(t, uint32(600), cfg.Current.IntTimeMs)
	assert.Equal(t, uint32(2000), cfg.Current.TimeoutMs, "timeouts are not operator tunings")
}
