// Package hlw turns HLW8012-family pulse trains into calibrated power,
// voltage, current and energy readings.
//
// The engine is driven by a cooperative loop: edge handlers only timestamp
// edges into ring buffers, and every computation happens in Loop, which
// never blocks. Time comes from an injected hal.Clock.
package hlw

import (
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/sweeney/power-meter/internal/gpio"
	"github.com/sweeney/power-meter/internal/hal"
	"github.com/sweeney/power-meter/internal/store"
)

// Config is the complete engine configuration.
type Config struct {
	DeviceID   uint32
	PinCF      int
	PinCF1     int
	PinSEL     int
	BufferSize int

	Transfer Transfer
	Power    ChannelConfig
	Voltage  ChannelConfig
	Current  ChannelConfig

	Mux    MuxConfig
	Noise  NoiseConfig
	Energy EnergyConfig

	CalSampleInterval   uint32 // ms
	DimmingCompensation bool
}

// Deps are the engine's collaborators.
type Deps struct {
	Lines  gpio.Lines
	Clock  hal.Clock
	Wall   func() time.Time
	Store  Store
	Backup Store // optional

	// OnCalibration receives the outcome of a live-sampling run.
	OnCalibration func(CalResult)
}

// Tuning is the operator-adjustable part of one channel.
type Tuning struct {
	IntTime     uint32
	AvgDepth    uint32
	Calibration float64
}

// Readings is one snapshot of every published quantity. Energies are kWh.
type Readings struct {
	Power         float64
	Voltage       float64
	Current       float64
	PowerFactor   float64
	EnergyTotal   float64
	EnergyPartial float64
	Pulses        Counters
	Mode          Mode
	Selection     Selection
	Noise         float64
	Noisy         bool
	Calibrating   CalState
}

// Engine is the metering driver. All methods except the edge handlers must
// be called from the loop goroutine.
type Engine struct {
	cfg   Config
	lines gpio.Lines
	clock hal.Clock

	irq     hal.IRQ
	capture *EdgeCapture
	power   *Channel
	voltage *Channel
	current *Channel
	noise   *NoiseEstimator
	mux     *Multiplexer
	energy  *EnergyAccountant
	cal     *Calibrator

	onCalibration func(CalResult)
	running       bool
	dimLevel      int
	dimSuspended  bool
}

// New builds an engine. Nothing touches hardware until Start.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Lines == nil || deps.Clock == nil || deps.Store == nil {
		return nil, errors.New("hlw: lines, clock and store are required")
	}
	if cfg.Transfer.CurrentResistor <= 0 || cfg.Transfer.VoltageResistorDown <= 0 || cfg.Transfer.VoltageResistorUp < 0 {
		return nil, fmt.Errorf("%w: resistor values", ErrInvalidInput)
	}
	if cfg.BufferSize < 2 {
		cfg.BufferSize = 2
	}
	wall := deps.Wall
	if wall == nil {
		wall = time.Now
	}

	e := &Engine{
		cfg:           cfg,
		lines:         deps.Lines,
		clock:         deps.Clock,
		power:         newChannel(KindPower, cfg.Power, cfg.Transfer),
		voltage:       newChannel(KindVoltage, cfg.Voltage, cfg.Transfer),
		current:       newChannel(KindCurrent, cfg.Current, cfg.Transfer),
		noise:         newNoiseEstimator(cfg.Noise),
		onCalibration: deps.OnCalibration,
	}
	e.capture = newEdgeCapture(&e.irq, cfg.BufferSize)
	e.mux = newMultiplexer(cfg.Mux, deps.Clock.Millis(), deps.Clock.Micros())
	e.energy = newEnergyAccountant(cfg.Energy, cfg.DeviceID, deps.Store, deps.Backup, wall, e.calibrationSnapshot)
	e.cal = newCalibrator(e, cfg.CalSampleInterval)
	return e, nil
}

// Start restores persisted counters, drives SEL and attaches the edge
// handlers.
func (e *Engine) Start() error {
	if e.running {
		return nil
	}
	now, nowUs := e.clock.Millis(), e.clock.Micros()

	src, err := e.energy.Load(now)
	switch {
	case err == nil:
		c := e.energy.Counters()
		log.Printf("hlw: restored energy from %s store (total=%d partial=%d pulses)", src, c[CounterTotal], c[CounterPartial])
	case errors.Is(err, ErrClockInvalid):
		log.Printf("hlw: wall clock not synchronised, energy restore deferred")
	default:
		log.Printf("hlw: no persisted energy, counters start at zero")
	}

	mode := e.mux.Mode()
	if err := e.lines.SetOutput(e.cfg.PinSEL, e.mux.selLevel(mode)); err != nil {
		return fmt.Errorf("drive SEL: %w", err)
	}
	e.mux.switchTo(mode, now, nowUs)
	e.channelFor(mode).openWindow(e.mux.SettledAt())

	if err := e.capture.Attach(e.lines, e.cfg.PinCF, e.cfg.PinCF1); err != nil {
		return err
	}
	e.running = true
	return nil
}

// Loop runs one non-blocking slice of the engine.
func (e *Engine) Loop() {
	if !e.running {
		return
	}
	now := e.clock.Millis()

	e.capture.DrainCF(func(_, _ hal.Micros, diff uint32) {
		e.power.Feed(diff, now)
	})
	e.energy.Add(e.capture.TakePulses())
	e.power.CheckTimeout(now)

	active := e.channelFor(e.mux.Mode())
	e.capture.DrainCF1(func(prev, _ hal.Micros, diff uint32) {
		if !e.mux.AcceptsEdge(prev) {
			return
		}
		active.Feed(diff, now)
		if active.kind == KindCurrent {
			e.noise.Add(diff)
		}
	})
	if e.mux.Accepting(now) {
		active.CheckTimeout(now)
	}
	if e.mux.Locked() {
		// No window reopens the other CF1 channel while locked.
		e.channelFor(e.mux.Mode().other()).CheckTimeout(now)
	}

	if tr, ok := e.mux.Step(now, e.clock.Micros(), active.window); ok {
		e.applyTransition(tr, now)
	}

	if res := e.cal.Step(now); res != nil {
		e.reportCalibration(*res)
	}

	e.energy.Poll(now)
}

// applyTransition carries out a mode change: SEL is switched while CF1
// capture is paused, and the buffer is emptied so no interval spans it.
func (e *Engine) applyTransition(tr Transition, now hal.Millis) {
	if tr.Starved {
		e.channelFor(tr.From).Invalidate()
	}
	e.capture.PauseCF1()
	if err := e.lines.SetOutput(e.cfg.PinSEL, e.mux.selLevel(tr.To)); err != nil {
		log.Printf("hlw: drive SEL: %v", err)
	}
	e.capture.ResumeCF1()
	e.channelFor(tr.To).openWindow(e.mux.SettledAt())
}

// Shutdown detaches the edge handlers, stops the loop and forces a final
// energy flush, in that order. A calibration run is cancelled first so the
// multiplexer lock and calibration constant are restored.
func (e *Engine) Shutdown() error {
	if !e.running {
		return nil
	}
	now := e.clock.Millis()
	if res := e.cal.Cancel(now); res != nil {
		e.reportCalibration(*res)
	}

	e.capture.detach()
	e.running = false

	var errs []error
	if err := e.capture.release(); err != nil {
		errs = append(errs, err)
	}
	// Count edges that arrived before the detach.
	e.energy.Add(e.capture.TakePulses())
	if _, err := e.energy.Flush(now); err != nil {
		errs = append(errs, fmt.Errorf("final flush: %w", err))
	}
	return errors.Join(errs...)
}

// Running reports whether the engine is started.
func (e *Engine) Running() bool { return e.running }

// Readings returns the current values. Stale channels read NaN; power and
// current read 0 while the current channel is classified as noise.
func (e *Engine) Readings() Readings {
	r := Readings{
		Power:       e.power.Value(),
		Voltage:     e.voltage.Value(),
		Current:     e.adjustCurrent(e.current.Value()),
		Pulses:      e.energy.Counters(),
		Mode:        e.mux.Mode(),
		Selection:   e.mux.Selection(),
		Noise:       e.noise.Level(),
		Noisy:       e.noise.Noisy(),
		Calibrating: e.cal.State(),
	}
	if r.Noisy {
		r.Power = 0
		r.Current = 0
	}
	r.PowerFactor = powerFactor(r.Power, r.Voltage, r.Current)
	r.EnergyTotal = e.energyKWh(r.Pulses[CounterTotal])
	r.EnergyPartial = e.energyKWh(r.Pulses[CounterPartial])
	return r
}

func powerFactor(active, voltage, current float64) float64 {
	if math.IsNaN(active) || math.IsNaN(voltage) || math.IsNaN(current) {
		return math.NaN()
	}
	apparent := voltage * current
	if active > apparent {
		return 1
	}
	if apparent == 0 {
		return 0
	}
	return active / apparent
}

// energyKWh converts CF edges to kWh: each edge carries the energy of one
// interval at the power that interval reads.
func (e *Engine) energyKWh(pulses uint64) float64 {
	wsPerEdge := e.power.Calibration() * e.power.Multiplier() * 1e-6 / 2
	return float64(pulses) * wsPerEdge / 3600 / 1000
}

func (e *Engine) adjustCurrent(v float64) float64 {
	if !e.cfg.DimmingCompensation || e.dimSuspended || math.IsNaN(v) {
		return v
	}
	if e.dimLevel > 0 && e.dimLevel < 100 {
		return v * 100 / float64(e.dimLevel)
	}
	return v
}

// SetDimLevel records the dimmer level in percent (0 disables compensation).
func (e *Engine) SetDimLevel(level int) error {
	if level < 0 || level > 100 {
		return fmt.Errorf("%w: dim level %d", ErrInvalidInput, level)
	}
	e.dimLevel = level
	return nil
}

// StartCalibration begins a live-sampling run on kind.
func (e *Engine) StartCalibration(kind Kind, samples int) error {
	if !e.running {
		return ErrNotRunning
	}
	return e.cal.Start(kind, samples, e.clock.Millis())
}

// CancelCalibration aborts a live-sampling run.
func (e *Engine) CancelCalibration() {
	if res := e.cal.Cancel(e.clock.Millis()); res != nil {
		e.reportCalibration(*res)
	}
}

// SetCalibration solves and stores a new constant for kind. The previous
// constant is kept on any error.
func (e *Engine) SetCalibration(kind Kind, displayed, reference, ratio float64) (float64, error) {
	if k, ok := e.cal.Active(); ok && k == kind {
		return 0, ErrBusy
	}
	c, err := SolveConstant(displayed, reference, ratio)
	if err != nil {
		return 0, err
	}
	e.channel(kind).setCalibration(c)
	return c, nil
}

// SetMode locks the multiplexer to a mode or resumes cycling. A non-zero
// interval changes the cycling window.
func (e *Engine) SetMode(sel Selection, intervalMs uint32) (Mode, error) {
	if _, ok := e.cal.Active(); ok {
		return e.mux.Mode(), ErrBusy
	}
	now := e.clock.Millis()
	switch sel {
	case SelectVoltage:
		e.lockMux(ModeVoltage, now)
	case SelectCurrent:
		e.lockMux(ModeCurrent, now)
	default:
		e.mux.Unlock(now)
	}
	e.mux.SetInterval(intervalMs, now)
	return e.mux.Mode(), nil
}

// MuxInterval returns the cycling window in ms.
func (e *Engine) MuxInterval() uint32 { return e.mux.Interval() }

// Configure applies integration window and averaging depth per channel,
// in power, voltage, current order.
func (e *Engine) Configure(tunings [3]Tuning) {
	for i, k := range Kinds {
		e.channel(k).setTuning(tunings[i].IntTime, tunings[i].AvgDepth)
	}
}

// Tunings returns the operator-adjustable settings in power, voltage,
// current order.
func (e *Engine) Tunings() [3]Tuning {
	var out [3]Tuning
	for i, k := range Kinds {
		c := e.channel(k).Config()
		out[i] = Tuning{IntTime: c.IntTime, AvgDepth: c.AvgDepth, Calibration: c.Calibration}
	}
	return out
}

// ResetEnergy zeroes one energy counter.
func (e *Engine) ResetEnergy(id CounterID) error {
	return e.energy.Reset(id)
}

// FlushEnergy persists the counters now. It reports whether a record was
// written.
func (e *Engine) FlushEnergy() (bool, error) {
	return e.energy.Flush(e.clock.Millis())
}

// Channel returns the channel measuring kind.
func (e *Engine) Channel(kind Kind) *Channel { return e.channel(kind) }

func (e *Engine) channel(kind Kind) *Channel {
	switch kind {
	case KindVoltage:
		return e.voltage
	case KindCurrent:
		return e.current
	}
	return e.power
}

func (e *Engine) channelFor(m Mode) *Channel { return e.channel(m.kind()) }

func (e *Engine) lockMux(mode Mode, now hal.Millis) hal.Millis {
	if tr, ok := e.mux.Lock(mode, now, e.clock.Micros()); ok {
		e.applyTransition(tr, now)
	}
	return e.mux.SettledAt()
}

func (e *Engine) restoreMux(locked bool, mode Mode, now hal.Millis) {
	if locked {
		e.lockMux(mode, now)
		return
	}
	e.mux.Unlock(now)
}

func (e *Engine) muxState() (bool, Mode) { return e.mux.Locked(), e.mux.Mode() }

func (e *Engine) suspendDimming(suspend bool) { e.dimSuspended = suspend }

// sample reads kind the way Readings publishes it, so current is dimming
// compensated unless a calibration run suspended it.
func (e *Engine) sample(kind Kind) float64 {
	v := e.channel(kind).Value()
	if kind == KindCurrent {
		v = e.adjustCurrent(v)
	}
	return v
}

func (e *Engine) calibrationSnapshot() store.Calibration {
	return store.Calibration{
		Power:   e.power.Calibration(),
		Voltage: e.voltage.Calibration(),
		Current: e.current.Calibration(),
	}
}

func (e *Engine) reportCalibration(res CalResult) {
	if res.Err != nil {
		log.Printf("hlw: %s calibration: %v", res.Kind, res.Err)
	} else {
		log.Printf("hlw: %s calibration: raw average %.4f over %d samples", res.Kind, res.Average, res.Count)
	}
	if e.onCalibration != nil {
		e.onCalibration(res)
	}
}
