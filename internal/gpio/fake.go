package gpio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sweeney/power-meter/internal/hal"
)

// FakeLines is a test double that lets tests fire edges and inspect outputs.
type FakeLines struct {
	mu       sync.Mutex
	handlers map[int]EdgeHandler

	// Outputs holds the last value driven on each output pin.
	Outputs map[int]bool

	// Writes counts SetOutput calls per pin.
	Writes map[int]int

	// Closed tracks if Close was called
	Closed bool

	// WatchError, if set, will be returned by WatchEdges.
	WatchError error

	// OutputError, if set, will be returned by SetOutput.
	OutputError error
}

// NewFakeLines creates an empty FakeLines.
func NewFakeLines() *FakeLines {
	return &FakeLines{
		handlers: make(map[int]EdgeHandler),
		Outputs:  make(map[int]bool),
		Writes:   make(map[int]int),
	}
}

// WatchEdges records the handler for pin.
func (f *FakeLines) WatchEdges(pin int, handler EdgeHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WatchError != nil {
		return f.WatchError
	}
	if _, ok := f.handlers[pin]; ok {
		return fmt.Errorf("pin %d already watched", pin)
	}
	f.handlers[pin] = handler
	return nil
}

// Unwatch forgets the handler for pin.
func (f *FakeLines) Unwatch(pin int) error {
	f.mu.Lock()
	delete(f.handlers, pin)
	f.mu.Unlock()
	return nil
}

// SetOutput records the driven value.
func (f *FakeLines) SetOutput(pin int, high bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OutputError != nil {
		return f.OutputError
	}
	f.Outputs[pin] = high
	f.Writes[pin]++
	return nil
}

// Close marks the lines as closed and drops all handlers.
func (f *FakeLines) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.handlers = make(map[int]EdgeHandler)
	f.mu.Unlock()
	return nil
}

// Watched reports whether pin currently has an edge handler.
func (f *FakeLines) Watched(pin int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[pin]
	return ok
}

// Fire delivers one edge on pin synchronously. It returns an error if the
// pin is not watched, mirroring an edge that no handler would see.
func (f *FakeLines) Fire(pin int, ts hal.Micros) error {
	f.mu.Lock()
	h, ok := f.handlers[pin]
	f.mu.Unlock()
	if !ok {
		return errors.New("pin not watched")
	}
	h(ts)
	return nil
}

// FireTrain delivers n edges on pin spaced by interval µs, starting at
// start. It returns the timestamp of the last edge.
func (f *FakeLines) FireTrain(pin int, start hal.Micros, interval uint32, n int) (hal.Micros, error) {
	ts := start
	for i := 0; i < n; i++ {
		if i > 0 {
			ts += hal.Micros(interval)
		}
		if err := f.Fire(pin, ts); err != nil {
			return ts, err
		}
	}
	return ts, nil
}
