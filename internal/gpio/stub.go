//go:build !linux

package gpio

import "errors"

// RealLines is not available on non-Linux platforms.
type RealLines struct{}

// NewRealLines returns an error on non-Linux platforms.
func NewRealLines(chipName string) (*RealLines, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

// WatchEdges is not implemented on non-Linux platforms.
func (r *RealLines) WatchEdges(pin int, handler EdgeHandler) error {
	return errors.New("gpio: not supported")
}

// Unwatch is not implemented on non-Linux platforms.
func (r *RealLines) Unwatch(pin int) error {
	return nil
}

// SetOutput is not implemented on non-Linux platforms.
func (r *RealLines) SetOutput(pin int, high bool) error {
	return errors.New("gpio: not supported")
}

// Close is not implemented on non-Linux platforms.
func (r *RealLines) Close() error {
	return nil
}
