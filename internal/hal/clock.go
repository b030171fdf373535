// Package hal holds the small hardware-facing primitives shared by the metering
// engine: wrapping microsecond/millisecond clocks, the interrupt mask that
// guards state shared with edge handlers, and wall clock validity.
//
// On Linux the system clock reads CLOCK_MONOTONIC directly so engine time
// shares its epoch with kernel GPIO edge timestamps.
package hal

import (
	"sync"
	"time"
)

// Micros is a free-running microsecond timestamp. It wraps every ~71 minutes;
// differences must always go through Since.
type Micros uint32

// Since returns the elapsed microseconds from start to m. Unsigned
// subtraction makes this correct across a single wrap.
func (m Micros) Since(start Micros) uint32 {
	return uint32(m - start)
}

// Millis is a free-running millisecond timestamp (wraps every ~49 days).
type Millis uint32

// Add returns m advanced by ms milliseconds.
func (m Millis) Add(ms uint32) Millis {
	return m + Millis(ms)
}

// Since returns the elapsed milliseconds from start to m.
func (m Millis) Since(start Millis) uint32 {
	return uint32(m - start)
}

// Reached reports whether m is at or past deadline. Deadlines less than
// half the clock range in the future are compared correctly across a wrap.
func (m Millis) Reached(deadline Millis) bool {
	return int32(m-deadline) >= 0
}

// Clock supplies the monotonic clocks the engine runs on.
type Clock interface {
	Millis() Millis
	Micros() Micros
}

// processStart anchors the fallback clock on platforms without
// CLOCK_MONOTONIC access.
var processStart = time.Now()

// SystemClock derives both clocks from CLOCK_MONOTONIC (time since boot),
// truncated to 32 bits so they wrap exactly like a microcontroller's.
type SystemClock struct{}

// NewSystemClock returns the system clock.
func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

// Millis returns milliseconds since boot.
func (c *SystemClock) Millis() Millis {
	return Millis(uint32(monotonic() / time.Millisecond))
}

// Micros returns microseconds since boot, on the same epoch as
// MicrosFromDuration applied to an edge event timestamp.
func (c *SystemClock) Micros() Micros {
	return MicrosFromDuration(monotonic())
}

// MicrosFromDuration truncates a monotonic duration (such as a kernel edge
// event timestamp) to a wrapping microsecond stamp.
func MicrosFromDuration(d time.Duration) Micros {
	return Micros(uint32(d / time.Microsecond))
}

// IRQ is the global interrupt mask. Edge handlers and the main loop take it
// around every access to shared capture state and hold it for O(1) work.
type IRQ struct {
	mu sync.Mutex
}

// Disable masks interrupts (enters the critical section).
func (q *IRQ) Disable() { q.mu.Lock() }

// Enable unmasks interrupts.
func (q *IRQ) Enable() { q.mu.Unlock() }

// minValidWallClock is the earliest wall time considered synchronised.
var minValidWallClock = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// ValidWallClock reports whether t looks like a synchronised wall clock
// rather than an epoch-based boot time.
func ValidWallClock(t time.Time) bool {
	return !t.IsZero() && !t.Before(minValidWallClock)
}
