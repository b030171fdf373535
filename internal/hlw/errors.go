package hlw

import "errors"

var (
	// ErrInvalidInput is returned for degenerate operator input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNoData is returned when a calibration run collected no samples.
	ErrNoData = errors.New("no data")

	// ErrBusy is returned while a calibration run owns the channel.
	ErrBusy = errors.New("calibration in progress")

	// ErrNotRunning is returned by operations that need a started engine.
	ErrNotRunning = errors.New("engine not running")

	// ErrClockInvalid is returned when persisting without a synchronised
	// wall clock.
	ErrClockInvalid = errors.New("wall clock not synchronised")
)
