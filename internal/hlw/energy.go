package hlw

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sweeney/power-meter/internal/hal"
	"github.com/sweeney/power-meter/internal/store"
)

// CounterID selects one of the parallel energy counters.
type CounterID int

const (
	// CounterTotal is the lifetime counter; it is the primary counter for
	// change detection.
	CounterTotal CounterID = iota
	// CounterPartial counts since the operator last reset it.
	CounterPartial

	NumCounters
)

func (id CounterID) String() string {
	switch id {
	case CounterTotal:
		return "total"
	case CounterPartial:
		return "partial"
	}
	return fmt.Sprintf("counter(%d)", int(id))
}

// Counters holds CF pulse counts. Every counter moves by the same amount
// per batch; only Reset lowers one.
type Counters [NumCounters]uint64

// Store is the persistence contract for energy records.
type Store interface {
	Load() ([]store.Record, error)
	Save(rec store.Record) error
}

// EnergyConfig tunes persistence.
type EnergyConfig struct {
	MinSaveInterval uint32        // debounce between flush attempts, ms
	Retention       time.Duration // maximum age of a record adopted on load
}

// EnergyAccountant accumulates CF pulses and persists them on a debounced
// schedule.
type EnergyAccountant struct {
	cfg      EnergyConfig
	deviceID uint32
	primary  Store
	backup   Store // optional
	wall     func() time.Time
	snapshot func() store.Calibration

	counters    Counters
	lastSave    hal.Millis
	dirty       bool // a reset happened since the last write
	loadPending bool // boot load deferred until the wall clock is valid
}

func newEnergyAccountant(cfg EnergyConfig, deviceID uint32, primary, backup Store, wall func() time.Time, snapshot func() store.Calibration) *EnergyAccountant {
	return &EnergyAccountant{
		cfg:      cfg,
		deviceID: deviceID,
		primary:  primary,
		backup:   backup,
		wall:     wall,
		snapshot: snapshot,
	}
}

// Add credits n pulses to every counter.
func (a *EnergyAccountant) Add(n uint32) {
	if n == 0 {
		return
	}
	for i := range a.counters {
		a.counters[i] += uint64(n)
	}
}

// Reset zeroes one counter.
func (a *EnergyAccountant) Reset(id CounterID) error {
	if id < 0 || id >= NumCounters {
		return fmt.Errorf("%w: counter %d", ErrInvalidInput, int(id))
	}
	a.counters[id] = 0
	a.dirty = true
	return nil
}

// Counters returns a copy of the counters.
func (a *EnergyAccountant) Counters() Counters { return a.counters }

// Load restores counters from the newest trustworthy record: primary
// first, then backup. Pulses counted since boot are kept on top of the
// restored values. With an unsynchronised wall clock the age of a record
// cannot be checked, so loading is deferred until Poll sees a valid clock.
func (a *EnergyAccountant) Load(now hal.Millis) (string, error) {
	a.lastSave = now
	wall := a.wall()
	if !hal.ValidWallClock(wall) {
		a.loadPending = true
		return "", ErrClockInvalid
	}
	a.loadPending = false

	for _, src := range []struct {
		name string
		s    Store
	}{{"primary", a.primary}, {"backup", a.backup}} {
		if src.s == nil {
			continue
		}
		rec, err := a.readRecord(src.s)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				log.Printf("energy: %s store: %v", src.name, err)
			}
			continue
		}
		if reason := a.reject(rec, wall); reason != "" {
			log.Printf("energy: discarding %s record: %s", src.name, reason)
			continue
		}
		for i := range a.counters {
			if i < len(rec.Counters) {
				a.counters[i] += rec.Counters[i]
			}
		}
		return src.name, nil
	}
	return "", store.ErrNotFound
}

func (a *EnergyAccountant) readRecord(s Store) (store.Record, error) {
	recs, err := s.Load()
	if err != nil {
		return store.Record{}, err
	}
	return store.Find(recs, a.deviceID)
}

// reject returns why rec must not be adopted, or "" if it is acceptable.
func (a *EnergyAccountant) reject(rec store.Record, wall time.Time) string {
	if rec.DeviceID != a.deviceID {
		return fmt.Sprintf("device %d, want %d", rec.DeviceID, a.deviceID)
	}
	if !hal.ValidWallClock(rec.Time) {
		return "timestamp not valid"
	}
	age := wall.Sub(rec.Time)
	if age < 0 {
		return "timestamp in the future"
	}
	if a.cfg.Retention > 0 && age > a.cfg.Retention {
		return fmt.Sprintf("older than retention (%v)", age.Truncate(time.Second))
	}
	if len(rec.Counters) < int(NumCounters) {
		return fmt.Sprintf("%d counters, want %d", len(rec.Counters), NumCounters)
	}
	return ""
}

// Poll runs once per loop: it retries a deferred boot load and flushes
// when the debounce interval has passed.
func (a *EnergyAccountant) Poll(now hal.Millis) {
	if a.loadPending && hal.ValidWallClock(a.wall()) {
		if src, err := a.Load(now); err == nil {
			log.Printf("energy: restored counters from %s store", src)
		}
		return
	}
	if !now.Reached(a.lastSave.Add(a.cfg.MinSaveInterval)) {
		return
	}
	a.lastSave = now
	if _, err := a.flush(false); err != nil && !errors.Is(err, ErrClockInvalid) {
		log.Printf("energy: flush failed: %v", err)
	}
}

// Flush writes the counters now, bypassing the debounce interval.
func (a *EnergyAccountant) Flush(now hal.Millis) (bool, error) {
	a.lastSave = now
	return a.flush(true)
}

// flush writes a record unless the persisted one already matches. A write
// needs a valid wall clock; the in-memory counters are never touched.
func (a *EnergyAccountant) flush(force bool) (bool, error) {
	if a.loadPending {
		// Writing now would overwrite the record we have not restored yet.
		return false, ErrClockInvalid
	}
	if last, err := a.readRecord(a.primary); err == nil && !a.dirty {
		if force {
			if countersEqual(last.Counters, a.counters) {
				return false, nil
			}
		} else if len(last.Counters) > 0 && last.Counters[CounterTotal] == a.counters[CounterTotal] {
			return false, nil
		}
	}

	wall := a.wall()
	if !hal.ValidWallClock(wall) {
		return false, ErrClockInvalid
	}
	rec := store.Record{
		DeviceID:    a.deviceID,
		Calibration: a.snapshot(),
		Counters:    append([]uint64(nil), a.counters[:]...),
		Time:        wall,
	}
	if err := a.primary.Save(rec); err != nil {
		return false, fmt.Errorf("save: %w", err)
	}
	a.dirty = false
	if a.backup != nil {
		if err := a.backup.Save(rec); err != nil {
			log.Printf("energy: backup save failed: %v", err)
		}
	}
	return true, nil
}

func countersEqual(saved []uint64, c Counters) bool {
	if len(saved) < len(c) {
		return false
	}
	for i := range c {
		if saved[i] != c[i] {
			return false
		}
	}
	return true
}
