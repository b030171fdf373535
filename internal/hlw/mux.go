package hlw

import (
	"fmt"
	"strings"

	"github.com/sweeney/power-meter/internal/hal"
)

// Mode is the quantity currently reported on the shared CF1 pin.
type Mode uint8

const (
	ModeCurrent Mode = iota
	ModeVoltage
)

func (m Mode) String() string {
	if m == ModeVoltage {
		return "voltage"
	}
	return "current"
}

func (m Mode) other() Mode {
	if m == ModeVoltage {
		return ModeCurrent
	}
	return ModeVoltage
}

func (m Mode) kind() Kind {
	if m == ModeVoltage {
		return KindVoltage
	}
	return KindCurrent
}

// Selection is what the operator asks the multiplexer to do.
type Selection uint8

const (
	SelectCycle Selection = iota
	SelectVoltage
	SelectCurrent
)

func (s Selection) String() string {
	switch s {
	case SelectVoltage:
		return "voltage"
	case SelectCurrent:
		return "current"
	}
	return "cycle"
}

// ParseSelection accepts voltage, current or cycle.
func ParseSelection(s string) (Selection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cycle", "auto":
		return SelectCycle, nil
	case "voltage", "v", "u":
		return SelectVoltage, nil
	case "current", "c", "i", "a":
		return SelectCurrent, nil
	}
	return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, s)
}

// MuxConfig times the CF1 multiplexer.
type MuxConfig struct {
	Interval       uint32 // window per mode while cycling, ms
	Settle         uint32 // samples ignored after a switch, ms
	SelCurrentHigh bool   // SEL level that selects current mode
}

// Transition describes one mode change for the engine to carry out.
type Transition struct {
	From, To Mode
	// Starved is set when the outgoing mode got no samples in its window.
	Starved bool
}

// Multiplexer decides which quantity CF1 reports. It only holds state;
// the engine drives SEL and the capture buffer from the returned
// Transition.
type Multiplexer struct {
	cfg      MuxConfig
	mode     Mode
	locked   bool
	toggleAt hal.Millis
	delayMs  hal.Millis // samples accepted from this loop time on
	delayUs  hal.Micros // edges accepted from this timestamp on
}

func newMultiplexer(cfg MuxConfig, now hal.Millis, nowUs hal.Micros) *Multiplexer {
	m := &Multiplexer{cfg: cfg, mode: ModeCurrent}
	m.settle(now, nowUs)
	m.toggleAt = now.Add(cfg.Interval)
	return m
}

// event is the input to the single transition function.
type event uint8

const (
	evTick event = iota
	evLockVoltage
	evLockCurrent
	evUnlock
)

// apply is the only place the mode and lock state change.
func (m *Multiplexer) apply(ev event, now hal.Millis, nowUs hal.Micros, windowSamples uint32) (Transition, bool) {
	switch ev {
	case evTick:
		if m.locked || !now.Reached(m.toggleAt) {
			return Transition{}, false
		}
		tr := Transition{From: m.mode, To: m.mode.other(), Starved: windowSamples == 0}
		m.switchTo(tr.To, now, nowUs)
		return tr, true

	case evLockVoltage, evLockCurrent:
		target := ModeCurrent
		if ev == evLockVoltage {
			target = ModeVoltage
		}
		m.locked = true
		if target == m.mode {
			return Transition{}, false
		}
		tr := Transition{From: m.mode, To: target}
		m.switchTo(target, now, nowUs)
		return tr, true

	case evUnlock:
		m.locked = false
		m.toggleAt = now.Add(m.cfg.Interval)
	}
	return Transition{}, false
}

func (m *Multiplexer) switchTo(mode Mode, now hal.Millis, nowUs hal.Micros) {
	m.mode = mode
	m.settle(now, nowUs)
	m.toggleAt = now.Add(m.cfg.Interval)
}

func (m *Multiplexer) settle(now hal.Millis, nowUs hal.Micros) {
	m.delayMs = now.Add(m.cfg.Settle)
	m.delayUs = nowUs + hal.Micros(m.cfg.Settle*1000)
}

// Step advances the cycle timer. windowSamples is how many samples the
// active mode accepted since its window opened.
func (m *Multiplexer) Step(now hal.Millis, nowUs hal.Micros, windowSamples uint32) (Transition, bool) {
	return m.apply(evTick, now, nowUs, windowSamples)
}

// Lock pins the multiplexer to mode until Unlock.
func (m *Multiplexer) Lock(mode Mode, now hal.Millis, nowUs hal.Micros) (Transition, bool) {
	ev := evLockCurrent
	if mode == ModeVoltage {
		ev = evLockVoltage
	}
	return m.apply(ev, now, nowUs, 0)
}

// Unlock resumes cycling with a full window for the current mode.
func (m *Multiplexer) Unlock(now hal.Millis) {
	m.apply(evUnlock, now, 0, 0)
}

// Mode returns the active mode.
func (m *Multiplexer) Mode() Mode { return m.mode }

// Locked reports whether cycling is suspended.
func (m *Multiplexer) Locked() bool { return m.locked }

// Selection returns the operator-facing state.
func (m *Multiplexer) Selection() Selection {
	if !m.locked {
		return SelectCycle
	}
	if m.mode == ModeVoltage {
		return SelectVoltage
	}
	return SelectCurrent
}

// Accepting reports whether the settle delay after the last switch elapsed.
func (m *Multiplexer) Accepting(now hal.Millis) bool {
	return now.Reached(m.delayMs)
}

// AcceptsEdge reports whether an edge at ts came after the settle delay.
func (m *Multiplexer) AcceptsEdge(ts hal.Micros) bool {
	return int32(ts-m.delayUs) >= 0
}

// SettledAt returns the loop time from which samples are accepted.
func (m *Multiplexer) SettledAt() hal.Millis { return m.delayMs }

// SetInterval changes the cycling window. Zero is ignored.
func (m *Multiplexer) SetInterval(ms uint32, now hal.Millis) {
	if ms == 0 {
		return
	}
	m.cfg.Interval = ms
	m.toggleAt = now.Add(ms)
}

// Interval returns the cycling window in ms.
func (m *Multiplexer) Interval() uint32 { return m.cfg.Interval }

// selLevel returns the SEL output level for mode.
func (m *Multiplexer) selLevel(mode Mode) bool {
	if mode == ModeCurrent {
		return m.cfg.SelCurrentHigh
	}
	return !m.cfg.SelCurrentHigh
}
