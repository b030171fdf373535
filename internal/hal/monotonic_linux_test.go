package hal

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestSystemClockSharesKernelEpoch(t *testing.T) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		t.Fatalf("clock_gettime: %v", err)
	}
	// An edge stamped "now" by the kernel lands within a few ms of the clock.
	edge := MicrosFromDuration(time.Duration(ts.Nano()))
	got := NewSystemClock().Micros()
	if d := got.Since(edge); d > 50000 {
		t.Errorf("clock is %dµs away from kernel monotonic time", d)
	}

	ms := NewSystemClock().Millis()
	want := Millis(uint32(time.Duration(ts.Nano()) / time.Millisecond))
	if d := ms.Since(want); d > 50 {
		t.Errorf("millis %d is %dms away from kernel monotonic %d", ms, d, want)
	}
}
