package hlw

import (
	"fmt"
	"math"

	"github.com/sweeney/power-meter/internal/hal"
)

// CalState is the calibration controller state.
type CalState uint8

const (
	// CalIdle: no run in progress.
	CalIdle CalState = iota
	// CalLocked: multiplexer pinned to the target mode, waiting to settle.
	CalLocked
	// CalSampling: collecting raw values.
	CalSampling
)

func (s CalState) String() string {
	switch s {
	case CalLocked:
		return "locked"
	case CalSampling:
		return "sampling"
	}
	return "idle"
}

// CalResult reports the end of a live-sampling run. Average is the raw
// (calibration 1) mean; the operator accepts it with a direct set.
type CalResult struct {
	Kind    Kind
	Average float64
	Count   int
	Err     error
}

// calHost is the part of the engine a calibration run manipulates.
type calHost interface {
	channel(k Kind) *Channel
	sample(k Kind) float64
	lockMux(mode Mode, now hal.Millis) hal.Millis
	restoreMux(locked bool, mode Mode, now hal.Millis)
	muxState() (locked bool, mode Mode)
	suspendDimming(suspend bool)
}

// Calibrator runs the operator calibration protocol, one channel at a time.
type Calibrator struct {
	host     calHost
	interval uint32 // ms between samples

	state      CalState
	kind       Kind
	want       int
	sum        float64
	count      int
	saved      float64 // constant in force before the run
	prevLocked bool
	prevMode   Mode
	settleAt   hal.Millis
	nextSample hal.Millis
	deadline   hal.Millis
}

func newCalibrator(host calHost, interval uint32) *Calibrator {
	if interval == 0 {
		interval = 1000
	}
	return &Calibrator{host: host, interval: interval}
}

// State returns the current state.
func (c *Calibrator) State() CalState { return c.state }

// Active reports the channel under calibration, if any.
func (c *Calibrator) Active() (Kind, bool) {
	return c.kind, c.state != CalIdle
}

// Start begins a live-sampling run collecting samples raw values.
func (c *Calibrator) Start(kind Kind, samples int, now hal.Millis) error {
	if c.state != CalIdle {
		return ErrBusy
	}
	if samples <= 0 {
		return fmt.Errorf("%w: sample count %d", ErrInvalidInput, samples)
	}
	ch := c.host.channel(kind)
	c.kind = kind
	c.want = samples
	c.sum, c.count = 0, 0
	c.saved = ch.Calibration()
	c.prevLocked, c.prevMode = c.host.muxState()

	ch.setCalibration(1)
	c.settleAt = now
	switch kind {
	case KindVoltage:
		c.settleAt = c.host.lockMux(ModeVoltage, now)
	case KindCurrent:
		c.settleAt = c.host.lockMux(ModeCurrent, now)
		c.host.suspendDimming(true)
	}
	// Twice the nominal run length before giving up on missing samples.
	span := uint32(samples) * c.interval * 2
	c.deadline = c.settleAt.Add(span + c.interval)
	c.state = CalLocked
	return nil
}

// Step advances the run. It returns a result when the run ends.
func (c *Calibrator) Step(now hal.Millis) *CalResult {
	switch c.state {
	case CalLocked:
		if !now.Reached(c.settleAt) {
			return nil
		}
		c.state = CalSampling
		c.nextSample = now.Add(c.interval)
		return nil

	case CalSampling:
		if now.Reached(c.nextSample) {
			c.nextSample = now.Add(c.interval)
			if v := c.host.sample(c.kind); !math.IsNaN(v) && !math.IsInf(v, 0) {
				c.sum += v
				c.count++
			}
		}
		if c.count >= c.want || now.Reached(c.deadline) {
			return c.finish(now)
		}
	}
	return nil
}

// Cancel aborts a run, restoring the previous constant and multiplexer
// state. It is a no-op when idle.
func (c *Calibrator) Cancel(now hal.Millis) *CalResult {
	if c.state == CalIdle {
		return nil
	}
	return c.finish(now)
}

func (c *Calibrator) finish(now hal.Millis) *CalResult {
	c.host.channel(c.kind).setCalibration(c.saved)
	if c.kind != KindPower {
		c.host.restoreMux(c.prevLocked, c.prevMode, now)
	}
	if c.kind == KindCurrent {
		c.host.suspendDimming(false)
	}
	c.state = CalIdle

	res := &CalResult{Kind: c.kind, Count: c.count}
	if c.count == 0 {
		res.Err = ErrNoData
		res.Average = math.NaN()
		return res
	}
	res.Average = c.sum / float64(c.count)
	return res
}

// SolveConstant returns the calibration constant that makes displayed read
// as reference × ratio. A ratio of 0 means 1.
func SolveConstant(displayed, reference, ratio float64) (float64, error) {
	if ratio == 0 {
		ratio = 1
	}
	for _, v := range []float64{displayed, reference, ratio} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("%w: non-finite value", ErrInvalidInput)
		}
	}
	if displayed == 0 {
		return 0, fmt.Errorf("%w: displayed value is zero", ErrInvalidInput)
	}
	k := reference * ratio / displayed
	if k <= 0 || math.IsNaN(k) || math.IsInf(k, 0) {
		return 0, fmt.Errorf("%w: resulting constant %g", ErrInvalidInput, k)
	}
	return k, nil
}
