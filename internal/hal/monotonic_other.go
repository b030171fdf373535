//go:build !linux

package hal

import "time"

// monotonic falls back to time since process start. There is no GPIO
// character device off Linux, so no kernel stamps to line up with.
func monotonic() time.Duration {
	return time.Since(processStart)
}
