//go:build linux

package gpio

import (
	"fmt"
	"sync"

	"github.com/sweeney/power-meter/internal/hal"
	"github.com/warthog618/go-gpiocdev"
)

// RealLines drives GPIO through the Linux GPIO character device.
type RealLines struct {
	mu      sync.Mutex
	chip    *gpiocdev.Chip
	inputs  map[int]*gpiocdev.Line
	outputs map[int]*gpiocdev.Line
}

// NewRealLines opens the named GPIO chip (e.g. "gpiochip0").
func NewRealLines(chipName string) (*RealLines, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}
	return &RealLines{
		chip:    chip,
		inputs:  make(map[int]*gpiocdev.Line),
		outputs: make(map[int]*gpiocdev.Line),
	}, nil
}

// WatchEdges requests pin as an input with both-edge detection. The kernel
// event timestamp is used rather than the time the handler runs, so
// scheduling jitter does not leak into the measured intervals.
func (r *RealLines) WatchEdges(pin int, handler EdgeHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.inputs[pin]; ok {
		return fmt.Errorf("pin %d already watched", pin)
	}
	line, err := r.chip.RequestLine(pin,
		gpiocdev.AsInput,
		gpiocdev.WithPullDown,
		gpiocdev.WithBothEdges,
		gpiocdev.WithMonotonicEventClock,
		gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			handler(hal.MicrosFromDuration(evt.Timestamp))
		}))
	if err != nil {
		return fmt.Errorf("request edge pin %d: %w", pin, err)
	}
	r.inputs[pin] = line
	return nil
}

// Unwatch releases an edge-watched pin.
func (r *RealLines) Unwatch(pin int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	line, ok := r.inputs[pin]
	if !ok {
		return nil
	}
	delete(r.inputs, pin)
	if err := line.Close(); err != nil {
		return fmt.Errorf("close edge pin %d: %w", pin, err)
	}
	return nil
}

// SetOutput drives pin, requesting it as an output on first use.
func (r *RealLines) SetOutput(pin int, high bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := 0
	if high {
		v = 1
	}
	line, ok := r.outputs[pin]
	if !ok {
		var err error
		line, err = r.chip.RequestLine(pin, gpiocdev.AsOutput(v))
		if err != nil {
			return fmt.Errorf("request output pin %d: %w", pin, err)
		}
		r.outputs[pin] = line
		return nil
	}
	if err := line.SetValue(v); err != nil {
		return fmt.Errorf("set output pin %d: %w", pin, err)
	}
	return nil
}

// Close releases GPIO resources.
// Outputs are reconfigured to input with pull-down (matching Pi boot
// defaults) before closing so the chip's SEL pin is not left driven.
func (r *RealLines) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for pin, line := range r.inputs {
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close edge pin %d: %w", pin, err))
		}
	}
	r.inputs = make(map[int]*gpiocdev.Line)

	for pin, line := range r.outputs {
		if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure pin %d: %w", pin, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output pin %d: %w", pin, err))
		}
	}
	r.outputs = make(map[int]*gpiocdev.Line)

	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		r.chip = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
