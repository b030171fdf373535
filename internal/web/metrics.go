package web

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweeney/power-meter/internal/hlw"
	"github.com/sweeney/power-meter/internal/status"
)

const namespace = "power_meter"

func desc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
}

// collector reads the tracker snapshot at scrape time.
type collector struct {
	tracker *status.Tracker

	power       *prometheus.Desc
	voltage     *prometheus.Desc
	current     *prometheus.Desc
	powerFactor *prometheus.Desc
	energy      *prometheus.Desc
	pulses      *prometheus.Desc
	noise       *prometheus.Desc
	noisy       *prometheus.Desc
	voltageMode *prometheus.Desc
	running     *prometheus.Desc
	mqttUp      *prometheus.Desc
	mqttQueued  *prometheus.Desc
	mqttDropped *prometheus.Desc
	uptime      *prometheus.Desc
}

func newCollector(tracker *status.Tracker) *collector {
	return &collector{
		tracker:     tracker,
		power:       desc("power_watts", "Active power."),
		voltage:     desc("voltage_volts", "RMS voltage."),
		current:     desc("current_amperes", "RMS current."),
		powerFactor: desc("power_factor", "Ratio of active to apparent power."),
		energy:      desc("energy_kwh", "Accumulated energy.", "counter"),
		pulses:      desc("energy_pulses_total", "CF pulses accumulated by the energy counter.", "counter"),
		noise:       desc("noise_level", "Dispersion of recent current intervals."),
		noisy:       desc("noisy", "1 while power and current are held at zero."),
		voltageMode: desc("voltage_mode", "1 while CF1 measures voltage, 0 while it measures current."),
		running:     desc("running", "1 while the metering engine is attached to the chip."),
		mqttUp:      desc("mqtt_connected", "1 while the broker connection is open."),
		mqttQueued:  desc("mqtt_queued_messages", "Messages waiting for the broker."),
		mqttDropped: desc("mqtt_dropped_messages_total", "Messages dropped from the offline queue."),
		uptime:      desc("uptime_seconds", "Seconds since the daemon started."),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.power, c.voltage, c.current, c.powerFactor, c.energy, c.pulses,
		c.noise, c.noisy, c.voltageMode, c.running, c.mqttUp, c.mqttQueued, c.mqttDropped, c.uptime,
	} {
		ch <- d
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.tracker.Snapshot()
	r := snap.Readings

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	gauge(c.power, r.Power)
	gauge(c.voltage, r.Voltage)
	gauge(c.current, r.Current)
	gauge(c.powerFactor, r.PowerFactor)
	// The partial counter can be reset by the operator, so both are gauges.
	gauge(c.energy, r.EnergyTotal, hlw.CounterTotal.String())
	gauge(c.energy, r.EnergyPartial, hlw.CounterPartial.String())
	gauge(c.pulses, float64(r.Pulses[hlw.CounterTotal]), hlw.CounterTotal.String())
	gauge(c.pulses, float64(r.Pulses[hlw.CounterPartial]), hlw.CounterPartial.String())
	gauge(c.noise, r.Noise)
	gauge(c.noisy, boolValue(r.Noisy))
	gauge(c.voltageMode, boolValue(r.Mode == hlw.ModeVoltage))
	gauge(c.running, boolValue(snap.Running))
	gauge(c.mqttUp, boolValue(snap.MQTT.Connected))
	gauge(c.mqttQueued, float64(snap.MQTT.Queued))
	counter(c.mqttDropped, float64(snap.MQTT.Dropped))
	gauge(c.uptime, snap.Uptime().Seconds())
}
