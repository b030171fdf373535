package hal

import "sync"

// FakeClock is a manually advanced Clock for tests. Both clocks move
// together; they may be seeded close to the wrap point.
type FakeClock struct {
	mu     sync.Mutex
	millis Millis
	micros Micros
}

// NewFakeClock returns a clock starting at the given millisecond and
// microsecond values.
func NewFakeClock(ms Millis, us Micros) *FakeClock {
	return &FakeClock{millis: ms, micros: us}
}

// Millis returns the current millisecond value.
func (c *FakeClock) Millis() Millis {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.millis
}

// Micros returns the current microsecond value.
func (c *FakeClock) Micros() Micros {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.micros
}

// Advance moves both clocks forward by ms milliseconds.
func (c *FakeClock) Advance(ms uint32) {
	c.mu.Lock()
	c.millis += Millis(ms)
	c.micros += Micros(ms * 1000)
	c.mu.Unlock()
}

// AdvanceMicros moves both clocks forward by us microseconds. The
// millisecond clock advances by whole milliseconds only.
func (c *FakeClock) AdvanceMicros(us uint32) {
	c.mu.Lock()
	before := c.micros
	c.micros += Micros(us)
	c.millis += Millis((uint64(before%1000) + uint64(us)) / 1000)
	c.mu.Unlock()
}
