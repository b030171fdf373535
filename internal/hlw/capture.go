package hlw

import (
	"fmt"

	"github.com/sweeney/power-meter/internal/gpio"
	"github.com/sweeney/power-meter/internal/hal"
	"github.com/sweeney/power-meter/internal/ringbuf"
)

// EdgeCapture owns the state shared between the edge handlers and the main
// loop: one timestamp buffer per pin and the free-running CF pulse counter.
//
// Ownership: handlers own the buffers' write side and pulses; the loop owns
// the read side and taken. Every access happens with irq disabled, and no
// handler does more than a push and an increment.
type EdgeCapture struct {
	irq      *hal.IRQ
	cf       *ringbuf.RingBuffer[hal.Micros]
	cf1      *ringbuf.RingBuffer[hal.Micros]
	pulses   uint32
	taken    uint32
	attached bool

	lines  gpio.Lines
	pinCF  int
	pinCF1 int
}

func newEdgeCapture(irq *hal.IRQ, size int) *EdgeCapture {
	return &EdgeCapture{
		irq: irq,
		cf:  ringbuf.New[hal.Micros](size),
		cf1: ringbuf.New[hal.Micros](size),
	}
}

// OnCF is the CF (power) edge handler.
func (c *EdgeCapture) OnCF(ts hal.Micros) {
	c.irq.Disable()
	if c.attached {
		c.cf.Push(ts)
		c.pulses++
	}
	c.irq.Enable()
}

// OnCF1 is the CF1 (voltage/current) edge handler.
func (c *EdgeCapture) OnCF1(ts hal.Micros) {
	c.irq.Disable()
	if c.attached {
		c.cf1.Push(ts)
	}
	c.irq.Enable()
}

// Attach registers both handlers with the GPIO layer.
func (c *EdgeCapture) Attach(lines gpio.Lines, pinCF, pinCF1 int) error {
	c.irq.Disable()
	c.attached = true
	c.irq.Enable()

	if err := lines.WatchEdges(pinCF, c.OnCF); err != nil {
		c.detach()
		return fmt.Errorf("watch CF pin %d: %w", pinCF, err)
	}
	if err := lines.WatchEdges(pinCF1, c.OnCF1); err != nil {
		lines.Unwatch(pinCF)
		c.detach()
		return fmt.Errorf("watch CF1 pin %d: %w", pinCF1, err)
	}
	c.lines, c.pinCF, c.pinCF1 = lines, pinCF, pinCF1
	return nil
}

// detach stops both handlers from touching shared state. Safe to call with
// handlers in flight: they observe attached under the mask.
func (c *EdgeCapture) detach() {
	c.irq.Disable()
	c.attached = false
	c.irq.Enable()
}

// release unregisters the handlers from the GPIO layer. Call after detach.
func (c *EdgeCapture) release() error {
	if c.lines == nil {
		return nil
	}
	var errs []error
	if err := c.lines.Unwatch(c.pinCF); err != nil {
		errs = append(errs, err)
	}
	if err := c.lines.Unwatch(c.pinCF1); err != nil {
		errs = append(errs, err)
	}
	c.lines = nil
	if len(errs) > 0 {
		return fmt.Errorf("release edge lines: %v", errs)
	}
	return nil
}

// IntervalFunc receives one interval between two consecutive edges.
type IntervalFunc func(prev, cur hal.Micros, diff uint32)

// DrainCF feeds every pending CF interval to fn. See drain.
func (c *EdgeCapture) DrainCF(fn IntervalFunc) int { return c.drain(c.cf, fn) }

// DrainCF1 feeds every pending CF1 interval to fn. See drain.
func (c *EdgeCapture) DrainCF1(fn IntervalFunc) int { return c.drain(c.cf1, fn) }

// drain takes one timestamp at a time under the mask and does the
// arithmetic outside it. The buffer keeps the last timestamp as anchor, so
// each pair of consecutive edges yields exactly one interval. At most one
// buffer's worth is drained per call so a storm cannot starve the loop.
func (c *EdgeCapture) drain(buf *ringbuf.RingBuffer[hal.Micros], fn IntervalFunc) int {
	n := 0
	for i := 0; i < buf.Cap(); i++ {
		c.irq.Disable()
		prev, cur, hasPrev, ok := buf.Take()
		c.irq.Enable()
		if !ok {
			break
		}
		if !hasPrev {
			continue
		}
		fn(prev, cur, cur.Since(prev))
		n++
	}
	return n
}

// TakePulses returns the CF edges counted since the previous call.
func (c *EdgeCapture) TakePulses() uint32 {
	c.irq.Disable()
	n := c.pulses - c.taken
	c.taken = c.pulses
	c.irq.Enable()
	return n
}

// PauseCF1 drops CF1 edges until ResumeCF1, for use while the mode-select
// line is switching.
func (c *EdgeCapture) PauseCF1() {
	c.irq.Disable()
	c.cf1.Lock()
	c.irq.Enable()
}

// ResumeCF1 discards anything buffered before the switch and resumes
// capture with no anchor, so no interval spans the mode change.
func (c *EdgeCapture) ResumeCF1() {
	c.irq.Disable()
	c.cf1.Reset()
	c.cf1.Unlock()
	c.irq.Enable()
}

// Dropped returns the number of timestamps lost per pin.
func (c *EdgeCapture) Dropped() (cf, cf1 uint64) {
	c.irq.Disable()
	cf, cf1 = c.cf.Dropped(), c.cf1.Dropped()
	c.irq.Enable()
	return cf, cf1
}
