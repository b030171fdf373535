package store

import "sync"

// MemStore is an in-memory table for tests.
type MemStore struct {
	mu      sync.Mutex
	records []Record

	// Saves counts successful Save calls.
	Saves int

	// LoadError, if set, will be returned by Load.
	LoadError error

	// SaveError, if set, will be returned by Save.
	SaveError error
}

// NewMemStore returns a MemStore seeded with records.
func NewMemStore(records ...Record) *MemStore {
	return &MemStore{records: append([]Record(nil), records...)}
}

// Load returns a copy of the table.
func (m *MemStore) Load() ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadError != nil {
		return nil, m.LoadError
	}
	out := make([]Record, len(m.records))
	for i, r := range m.records {
		r.Counters = append([]uint64(nil), r.Counters...)
		out[i] = r
	}
	return out, nil
}

// Save upserts rec by device.
func (m *MemStore) Save(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveError != nil {
		return m.SaveError
	}
	rec.Counters = append([]uint64(nil), rec.Counters...)
	m.Saves++
	for i := range m.records {
		if m.records[i].DeviceID == rec.DeviceID {
			m.records[i] = rec
			return nil
		}
	}
	m.records = append(m.records, rec)
	return nil
}
