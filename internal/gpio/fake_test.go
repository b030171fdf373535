package gpio

import (
	"errors"
	"testing"

	"github.com/sweeney/power-meter/internal/hal"
)

func TestFakeLinesFire(t *testing.T) {
	f := NewFakeLines()

	var got []hal.Micros
	if err := f.WatchEdges(DefaultPinCF, func(ts hal.Micros) { got = append(got, ts) }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := f.Fire(DefaultPinCF, 100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.Fire(DefaultPinCF, 300); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(got) != 2 || got[0] != 100 || got[1] != 300 {
		t.Errorf("edges: got %v, want [100 300]", got)
	}
}

func TestFakeLinesFireUnwatched(t *testing.T) {
	f := NewFakeLines()
	if err := f.Fire(DefaultPinCF1, 1); err == nil {
		t.Error("expected error firing an unwatched pin")
	}
}

func TestFakeLinesDoubleWatch(t *testing.T) {
	f := NewFakeLines()
	h := func(hal.Micros) {}
	if err := f.WatchEdges(5, h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.WatchEdges(5, h); err == nil {
		t.Error("expected error watching the same pin twice")
	}
}

func TestFakeLinesUnwatch(t *testing.T) {
	f := NewFakeLines()
	f.WatchEdges(5, func(hal.Micros) {})
	if !f.Watched(5) {
		t.Fatal("pin should be watched")
	}
	f.Unwatch(5)
	if f.Watched(5) {
		t.Error("pin should not be watched after Unwatch")
	}
}

func TestFakeLinesFireTrain(t *testing.T) {
	f := NewFakeLines()
	var got []hal.Micros
	f.WatchEdges(1, func(ts hal.Micros) { got = append(got, ts) })

	last, err := f.FireTrain(1, 1000, 250, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last != 1750 {
		t.Errorf("last: got %d, want 1750", last)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 edges, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Since(got[i-1]) != 250 {
			t.Errorf("interval %d: got %d, want 250", i, got[i].Since(got[i-1]))
		}
	}
}

func TestFakeLinesOutput(t *testing.T) {
	f := NewFakeLines()
	f.SetOutput(DefaultPinSEL, true)
	f.SetOutput(DefaultPinSEL, false)

	if f.Outputs[DefaultPinSEL] {
		t.Error("expected last output value false")
	}
	if f.Writes[DefaultPinSEL] != 2 {
		t.Errorf("writes: got %d, want 2", f.Writes[DefaultPinSEL])
	}
}

func TestFakeLinesErrors(t *testing.T) {
	f := NewFakeLines()
	f.WatchError = errors.New("simulated watch error")
	f.OutputError = errors.New("simulated output error")

	if err := f.WatchEdges(1, func(hal.Micros) {}); err == nil || err.Error() != "simulated watch error" {
		t.Errorf("unexpected watch error: %v", err)
	}
	if err := f.SetOutput(1, true); err == nil || err.Error() != "simulated output error" {
		t.Errorf("unexpected output error: %v", err)
	}
}

func TestFakeLinesClose(t *testing.T) {
	f := NewFakeLines()
	f.WatchEdges(1, func(hal.Micros) {})

	if f.Closed {
		t.Error("should not be closed initially")
	}
	if err := f.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !f.Closed {
		t.Error("should be closed after Close()")
	}
	if f.Watched(1) {
		t.Error("handlers should be dropped on Close")
	}
}
