package hlw

import (
	"fmt"
	"math"
	"strings"

	"github.com/sweeney/power-meter/internal/hal"
)

// Kind identifies the physical quantity a channel measures.
type Kind uint8

const (
	KindPower Kind = iota
	KindVoltage
	KindCurrent
)

// Kinds lists every channel kind in console/config order.
var Kinds = [...]Kind{KindPower, KindVoltage, KindCurrent}

func (k Kind) String() string {
	switch k {
	case KindPower:
		return "power"
	case KindVoltage:
		return "voltage"
	case KindCurrent:
		return "current"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind accepts the channel names used on the console.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "power", "p", "w":
		return KindPower, nil
	case "voltage", "v", "u":
		return KindVoltage, nil
	case "current", "c", "i", "a":
		return KindCurrent, nil
	}
	return 0, fmt.Errorf("%w: unknown channel %q", ErrInvalidInput, s)
}

// Datasheet constants of the HLW8012 transfer function.
const (
	vRef = 2.43    // internal reference, V
	fOsc = 3579000 // oscillator, Hz
)

// Transfer describes how the chip is wired to the mains.
type Transfer struct {
	CurrentResistor     float64 // shunt, ohm
	VoltageResistorUp   float64 // divider upstream, ohm
	VoltageResistorDown float64 // divider downstream, ohm
}

func (t Transfer) voltageRatio() float64 {
	return (t.VoltageResistorUp + t.VoltageResistorDown) / t.VoltageResistorDown
}

// Multiplier returns the kind's scale in unit·µs: a pulse width of
// pw µs between edges reads Multiplier/(2·pw) units at calibration 1.
func (t Transfer) Multiplier(k Kind) float64 {
	switch k {
	case KindPower:
		return 1e6 * 128 * vRef * vRef * t.voltageRatio() / t.CurrentResistor / 48 / fOsc
	case KindVoltage:
		return 1e6 * 512 * vRef * t.voltageRatio() / 2 / fOsc
	case KindCurrent:
		return 1e6 * 512 * vRef / t.CurrentResistor / 24 / fOsc
	}
	return math.NaN()
}

// convert maps an integrated pulse width to a physical value.
func convert(multiplier, calibration, pulseWidth float64) float64 {
	if pulseWidth <= 0 {
		return math.NaN()
	}
	v := calibration * multiplier / (2 * pulseWidth)
	if math.IsInf(v, 0) {
		return math.NaN()
	}
	return v
}

// ChannelConfig tunes one channel.
type ChannelConfig struct {
	IntTime     uint32  // integration window, ms
	AvgDepth    uint32  // short-term averaging depth, samples
	Timeout     uint32  // no-pulse timeout, ms (0 disables)
	Calibration float64 // scale applied to the converted value
}

// Channel integrates edge intervals of one quantity into a value.
//
// average and integral are 0 when no data is held. The reported value is NaN
// whenever the integral is 0, the last interval was degenerate, or the
// no-pulse timeout elapsed.
type Channel struct {
	kind       Kind
	cfg        ChannelConfig
	multiplier float64

	average  float64
	integral float64
	counter  uint32
	window   uint32 // samples since the current multiplexer window opened
	valid    bool
	deadline hal.Millis
	armed    bool
}

func newChannel(kind Kind, cfg ChannelConfig, t Transfer) *Channel {
	return &Channel{
		kind:       kind,
		cfg:        cfg,
		multiplier: t.Multiplier(kind),
	}
}

// Feed integrates one edge interval of diff µs observed at now.
func (c *Channel) Feed(diff uint32, now hal.Millis) {
	if diff == 0 {
		c.valid = false
		return
	}
	d := float64(diff)

	n := c.counter
	if c.cfg.AvgDepth < n {
		n = c.cfg.AvgDepth
	}
	if c.counter == 0 || n == 0 {
		c.average = d
	} else {
		fn := float64(n)
		c.average = (c.average*fn + d) / (fn + 1)
	}
	c.counter++

	if c.integral == 0 {
		c.integral = c.average
	} else {
		// About half the integration window's worth of pulses at the
		// current rate, so the window follows the pulse rate.
		m := 500 * float64(c.cfg.IntTime) / c.integral
		c.integral = (c.integral*m + c.average) / (m + 1)
	}

	c.window++
	c.valid = !math.IsNaN(c.integral) && !math.IsInf(c.integral, 0)
	c.arm(now)
}

// arm pushes the no-pulse deadline to now + timeout.
func (c *Channel) arm(now hal.Millis) {
	c.deadline = now.Add(c.cfg.Timeout)
	c.armed = c.cfg.Timeout > 0
}

// CheckTimeout clears the channel if no interval arrived before the
// deadline. It reports whether the channel went stale.
func (c *Channel) CheckTimeout(now hal.Millis) bool {
	if !c.armed || !now.Reached(c.deadline) {
		return false
	}
	c.Invalidate()
	return true
}

// Invalidate forces the value to NaN and clears integration state.
func (c *Channel) Invalidate() {
	c.average = 0
	c.integral = 0
	c.counter = 0
	c.valid = false
	c.armed = false
}

// Value returns the calibrated physical value or NaN.
func (c *Channel) Value() float64 {
	return c.valueWith(c.cfg.Calibration)
}

func (c *Channel) valueWith(calibration float64) float64 {
	if !c.valid || c.integral == 0 {
		return math.NaN()
	}
	return convert(c.multiplier, calibration, c.integral)
}

// Kind returns the measured quantity.
func (c *Channel) Kind() Kind { return c.kind }

// Average returns the short-term mean interval in µs (0 = no data).
func (c *Channel) Average() float64 { return c.average }

// Integral returns the integrated pulse width in µs (0 = no data).
func (c *Channel) Integral() float64 { return c.integral }

// Counter returns samples seen since the last reset.
func (c *Channel) Counter() uint32 { return c.counter }

// Multiplier returns the datasheet scale for this channel.
func (c *Channel) Multiplier() float64 { return c.multiplier }

// Calibration returns the calibration constant.
func (c *Channel) Calibration() float64 { return c.cfg.Calibration }

// Config returns the channel tuning.
func (c *Channel) Config() ChannelConfig { return c.cfg }

func (c *Channel) setCalibration(v float64) { c.cfg.Calibration = v }

func (c *Channel) setTuning(intTime, avgDepth uint32) {
	c.cfg.IntTime = intTime
	c.cfg.AvgDepth = avgDepth
}

// openWindow starts a multiplexer window: the sample count restarts and the
// no-pulse deadline is measured from when samples are first accepted.
func (c *Channel) openWindow(acceptFrom hal.Millis) {
	c.window = 0
	if c.cfg.Timeout > 0 {
		c.arm(acceptFrom)
	}
}
