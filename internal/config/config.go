// Package config loads and saves the power meter's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/power-meter/internal/gpio"
	"github.com/sweeney/power-meter/internal/hlw"
)

// Config represents the application configuration.
type Config struct {
	DeviceID    uint32            `yaml:"device_id"`
	GPIO        GPIOConfig        `yaml:"gpio"`
	Sensor      SensorConfig      `yaml:"sensor"`
	Power       ChannelConfig     `yaml:"power"`
	Voltage     ChannelConfig     `yaml:"voltage"`
	Current     ChannelConfig     `yaml:"current"`
	Mux         MuxConfig         `yaml:"mux"`
	Noise       NoiseConfig       `yaml:"noise"`
	Energy      EnergyConfig      `yaml:"energy"`
	Calibration CalibrationConfig `yaml:"calibration"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	HTTP        HTTPConfig        `yaml:"http"`
	Console     ConsoleConfig     `yaml:"console"`
}

// GPIOConfig selects the chip and BCM line offsets.
type GPIOConfig struct {
	Chip           string `yaml:"chip"`
	CF             int    `yaml:"cf"`
	CF1            int    `yaml:"cf1"`
	SEL            int    `yaml:"sel"`
	SELCurrentHigh bool   `yaml:"sel_current_high"`
}

// SensorConfig describes the board around the chip.
type SensorConfig struct {
	CurrentResistor     float64 `yaml:"current_resistor"`      // shunt, ohm
	VoltageResistorUp   float64 `yaml:"voltage_resistor_up"`   // ohm
	VoltageResistorDown float64 `yaml:"voltage_resistor_down"` // ohm
	BufferSize          int     `yaml:"buffer_size"`           // timestamps per pin
}

// ChannelConfig tunes one measurement channel.
type ChannelConfig struct {
	IntTimeMs   uint32  `yaml:"int_time_ms"`
	AvgDepth    uint32  `yaml:"avg_depth"`
	TimeoutMs   uint32  `yaml:"timeout_ms"`
	Calibration float64 `yaml:"calibration"`
}

// MuxConfig times the CF1 voltage/current multiplexer.
type MuxConfig struct {
	Mode       string `yaml:"mode"` // cycle, voltage or current
	IntervalMs uint32 `yaml:"interval_ms"`
	SettleMs   uint32 `yaml:"settle_ms"`
}

// NoiseConfig tunes the no-load detector.
type NoiseConfig struct {
	Window    int     `yaml:"window"`
	Threshold float64 `yaml:"threshold"`
	RateRefHz float64 `yaml:"rate_ref_hz"`
}

// EnergyConfig controls counter persistence.
type EnergyConfig struct {
	Path            string        `yaml:"path"`
	BackupPath      string        `yaml:"backup_path"` // empty disables the backup copy
	MinSaveInterval time.Duration `yaml:"min_save_interval"`
	Retention       time.Duration `yaml:"retention"`
}

// CalibrationConfig tunes live-sampling calibration and dimmer correction.
type CalibrationConfig struct {
	SampleInterval      time.Duration `yaml:"sample_interval"`
	DimmingCompensation bool          `yaml:"dimming_compensation"`
}

// MQTTConfig configures telemetry.
type MQTTConfig struct {
	Broker      string        `yaml:"broker"` // empty disables MQTT
	TopicPrefix string        `yaml:"topic_prefix"`
	Interval    time.Duration `yaml:"interval"`
	Heartbeat   time.Duration `yaml:"heartbeat"` // 0 disables
	ExtraDigits int           `yaml:"extra_digits"`
	Buffer      int           `yaml:"buffer"` // messages held while offline
}

// HTTPConfig configures the status page.
type HTTPConfig struct {
	Addr string `yaml:"addr"` // empty disables
}

// ConsoleConfig selects the operator console transport.
type ConsoleConfig struct {
	Port string `yaml:"port"` // serial device, "stdin", or empty to disable
	Baud int    `yaml:"baud"`
}

// Default returns a default configuration for the common Sonoff POW
// style board (1 mΩ shunt, 5×470 kΩ / 1 kΩ divider).
func Default() *Config {
	return &Config{
		DeviceID: 1,
		GPIO: GPIOConfig{
			Chip: "gpiochip0",
			CF:   gpio.DefaultPinCF,
			CF1:  gpio.DefaultPinCF1,
			SEL:  gpio.DefaultPinSEL,
		},
		Sensor: SensorConfig{
			CurrentResistor:     0.001,
			VoltageResistorUp:   5 * 470000,
			VoltageResistorDown: 1000,
			BufferSize:          64,
		},
		Power:   ChannelConfig{IntTimeMs: 2000, AvgDepth: 4, TimeoutMs: 10000, Calibration: 1},
		Voltage: ChannelConfig{IntTimeMs: 500, AvgDepth: 4, TimeoutMs: 2000, Calibration: 1},
		Current: ChannelConfig{IntTimeMs: 500, AvgDepth: 4, TimeoutMs: 2000, Calibration: 1},
		Mux: MuxConfig{
			Mode:       "cycle",
			IntervalMs: 2000,
			SettleMs:   200,
		},
		Noise: NoiseConfig{
			Window:    5,
			Threshold: 0.25,
			RateRefHz: 10,
		},
		Energy: EnergyConfig{
			Path:            "/var/lib/power-meter/energy.dat",
			MinSaveInterval: 5 * time.Minute,
			Retention:       90 * 24 * time.Hour,
		},
		Calibration: CalibrationConfig{
			SampleInterval: time.Second,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://192.168.1.200:1883",
			TopicPrefix: "energy/power-meter",
			Interval:    10 * time.Second,
			Heartbeat:   15 * time.Minute,
			ExtraDigits: 0,
			Buffer:      100,
		},
		HTTP: HTTPConfig{
			Addr: ":80",
		},
		Console: ConsoleConfig{
			Port: "stdin",
			Baud: 115200,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file, replacing it atomically.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(filename), filepath.Base(filename)+".*")
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filename); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ensureDefaults fills zero values left by a partial file. Calibration
// constants of 0 would zero every reading, so they reset to 1.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.DeviceID == 0 {
		c.DeviceID = def.DeviceID
	}
	if c.GPIO.Chip == "" {
		c.GPIO.Chip = def.GPIO.Chip
	}

	if c.Sensor.CurrentResistor == 0 {
		c.Sensor.CurrentResistor = def.Sensor.CurrentResistor
	}
	if c.Sensor.VoltageResistorUp == 0 {
		c.Sensor.VoltageResistorUp = def.Sensor.VoltageResistorUp
	}
	if c.Sensor.VoltageResistorDown == 0 {
		c.Sensor.VoltageResistorDown = def.Sensor.VoltageResistorDown
	}
	if c.Sensor.BufferSize == 0 {
		c.Sensor.BufferSize = def.Sensor.BufferSize
	}

	ensureChannel(&c.Power, def.Power)
	ensureChannel(&c.Voltage, def.Voltage)
	ensureChannel(&c.Current, def.Current)

	if c.Mux.Mode == "" {
		c.Mux.Mode = def.Mux.Mode
	}
	if c.Mux.IntervalMs == 0 {
		c.Mux.IntervalMs = def.Mux.IntervalMs
	}

	if c.Noise.Window == 0 {
		c.Noise.Window = def.Noise.Window
	}
	if c.Noise.Threshold == 0 {
		c.Noise.Threshold = def.Noise.Threshold
	}

	if c.Energy.Path == "" {
		c.Energy.Path = def.Energy.Path
	}
	if c.Energy.MinSaveInterval == 0 {
		c.Energy.MinSaveInterval = def.Energy.MinSaveInterval
	}

	if c.Calibration.SampleInterval == 0 {
		c.Calibration.SampleInterval = def.Calibration.SampleInterval
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = def.MQTT.TopicPrefix
	}
	if c.MQTT.Interval == 0 {
		c.MQTT.Interval = def.MQTT.Interval
	}
	if c.MQTT.Buffer == 0 {
		c.MQTT.Buffer = def.MQTT.Buffer
	}

	if c.Console.Baud == 0 {
		c.Console.Baud = def.Console.Baud
	}
}

func ensureChannel(c *ChannelConfig, def ChannelConfig) {
	if c.IntTimeMs == 0 {
		c.IntTimeMs = def.IntTimeMs
	}
	if c.Calibration == 0 {
		c.Calibration = def.Calibration
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Sensor.CurrentResistor <= 0 {
		errs = append(errs, errors.New("sensor.current_resistor must be positive"))
	}
	if c.Sensor.VoltageResistorDown <= 0 || c.Sensor.VoltageResistorUp < 0 {
		errs = append(errs, errors.New("sensor voltage divider must be positive"))
	}
	if c.Sensor.BufferSize < 2 {
		errs = append(errs, errors.New("sensor.buffer_size must be at least 2"))
	}
	if c.GPIO.CF == c.GPIO.CF1 || c.GPIO.CF == c.GPIO.SEL || c.GPIO.CF1 == c.GPIO.SEL {
		errs = append(errs, fmt.Errorf("gpio lines must be distinct (cf=%d cf1=%d sel=%d)", c.GPIO.CF, c.GPIO.CF1, c.GPIO.SEL))
	}
	for _, ch := range []struct {
		name string
		cfg  ChannelConfig
	}{{"power", c.Power}, {"voltage", c.Voltage}, {"current", c.Current}} {
		if ch.cfg.Calibration <= 0 {
			errs = append(errs, fmt.Errorf("%s.calibration must be positive", ch.name))
		}
	}
	if _, err := hlw.ParseSelection(c.Mux.Mode); err != nil {
		errs = append(errs, fmt.Errorf("mux.mode: %w", err))
	}
	if c.Noise.Window < 2 {
		errs = append(errs, errors.New("noise.window must be at least 2"))
	}
	if c.MQTT.ExtraDigits < 0 || c.MQTT.ExtraDigits > 6 {
		errs = append(errs, errors.New("mqtt.extra_digits must be between 0 and 6"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Selection returns the configured multiplexer selection.
func (c *Config) Selection() hlw.Selection {
	sel, err := hlw.ParseSelection(c.Mux.Mode)
	if err != nil {
		return hlw.SelectCycle
	}
	return sel
}

// EngineConfig maps the file layout onto the engine configuration.
func (c *Config) EngineConfig() hlw.Config {
	return hlw.Config{
		DeviceID:   c.DeviceID,
		PinCF:      c.GPIO.CF,
		PinCF1:     c.GPIO.CF1,
		PinSEL:     c.GPIO.SEL,
		BufferSize: c.Sensor.BufferSize,
		Transfer: hlw.Transfer{
			CurrentResistor:     c.Sensor.CurrentResistor,
			VoltageResistorUp:   c.Sensor.VoltageResistorUp,
			VoltageResistorDown: c.Sensor.VoltageResistorDown,
		},
		Power:   c.Power.engine(),
		Voltage: c.Voltage.engine(),
		Current: c.Current.engine(),
		Mux: hlw.MuxConfig{
			Interval:       c.Mux.IntervalMs,
			Settle:         c.Mux.SettleMs,
			SelCurrentHigh: c.GPIO.SELCurrentHigh,
		},
		Noise: hlw.NoiseConfig{
			Window:    c.Noise.Window,
			Threshold: c.Noise.Threshold,
			RateRef:   c.Noise.RateRefHz,
		},
		Energy: hlw.EnergyConfig{
			MinSaveInterval: uint32(c.Energy.MinSaveInterval.Milliseconds()),
			Retention:       c.Energy.Retention,
		},
		CalSampleInterval:   uint32(c.Calibration.SampleInterval.Milliseconds()),
		DimmingCompensation: c.Calibration.DimmingCompensation,
	}
}

func (c ChannelConfig) engine() hlw.ChannelConfig {
	return hlw.ChannelConfig{
		IntTime:     c.IntTimeMs,
		AvgDepth:    c.AvgDepth,
		Timeout:     c.TimeoutMs,
		Calibration: c.Calibration,
	}
}

// ApplyTunings copies operator changes made at runtime back into the file
// layout, in power, voltage, current order.
func (c *Config) ApplyTunings(t [3]hlw.Tuning) {
	for i, ch := range []*ChannelConfig{&c.Power, &c.Voltage, &c.Current} {
		ch.IntTimeMs = t[i].IntTime
		ch.AvgDepth = t[i].AvgDepth
		ch.Calibration = t[i].Calibration
	}
}
