// Package gpio provides edge-event inputs and the mode-select output with
// hardware abstraction.
// The real implementation uses Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import "github.com/sweeney/power-meter/internal/hal"

// EdgeHandler receives the timestamp of one edge. It runs in the edge
// delivery context and must do O(1) work.
type EdgeHandler func(ts hal.Micros)

// Lines drives the metering chip's GPIO lines.
type Lines interface {
	// WatchEdges delivers every rising and falling edge on pin to handler.
	WatchEdges(pin int, handler EdgeHandler) error

	// Unwatch stops edge delivery on pin and releases the line.
	Unwatch(pin int) error

	// SetOutput drives pin as an output.
	SetOutput(pin int, high bool) error

	// Close releases all GPIO resources.
	Close() error
}

// Pin definitions (BCM numbering)
const (
	DefaultPinCF  = 17 // power pulse output
	DefaultPinCF1 = 27 // voltage/current pulse output
	DefaultPinSEL = 22 // mode select input of the chip
)
