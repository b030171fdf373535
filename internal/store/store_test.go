package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord(id uint32, total uint64) Record {
	return Record{
		DeviceID:    id,
		Calibration: Calibration{Power: 1.02, Voltage: 0.98, Current: 1.1},
		Counters:    []uint64{total, total / 2},
		Time:        time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC),
	}
}

func TestRecordRoundTrip(t *testing.T) {
	rec := sampleRecord(7, 123456789)
	b, err := rec.Marshal()
	require.NoError(t, err)
	assert.Len(t, b, RecordSize)

	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestRecordTooManyCounters(t *testing.T) {
	rec := sampleRecord(1, 1)
	rec.Counters = make([]uint64, MaxCounters+1)
	_, err := rec.Marshal()
	assert.Error(t, err)
}

func TestUnmarshalRejectsDamage(t *testing.T) {
	good, err := sampleRecord(1, 42).Marshal()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(b []byte) []byte
	}{
		{"short", func(b []byte) []byte { return b[:RecordSize-1] }},
		{"magic", func(b []byte) []byte { b[0] = 'X'; return b }},
		{"version", func(b []byte) []byte { b[4] = 99; return b }},
		{"counter count", func(b []byte) []byte { b[6] = MaxCounters + 1; return b }},
		{"payload bit flip", func(b []byte) []byte { b[20] ^= 0x01; return b }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.mutate(append([]byte(nil), good...))
			_, err := Unmarshal(b)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestFind(t *testing.T) {
	recs := []Record{sampleRecord(1, 10), sampleRecord(2, 20)}
	r, err := Find(recs, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), r.Counters[0])

	_, err = Find(recs, 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreMissingFile(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "energy.dat"))
	recs, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestFileStoreSaveAndUpsert(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "energy.dat")
	s := NewFileStore(path)

	require.NoError(t, s.Save(sampleRecord(1, 100)))
	require.NoError(t, s.Save(sampleRecord(2, 200)))
	require.NoError(t, s.Save(sampleRecord(1, 150)))

	recs, err := s.Load()
	require.NoError(t, err)
	require.Len(t, recs, 2)

	r1, err := Find(recs, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), r1.Counters[0])

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(2*RecordSize), info.Size())
}

func TestFileStoreSkipsCorruptRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "energy.dat")
	a, err := sampleRecord(1, 1).Marshal()
	require.NoError(t, err)
	b, err := sampleRecord(2, 2).Marshal()
	require.NoError(t, err)
	b[30] ^= 0xff

	data := append(append(a, b...), 0x01, 0x02)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	recs, err := NewFileStore(path).Load()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint32(1), recs[0].DeviceID)
}

func TestFileStoreNoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(filepath.Join(dir, "energy.dat"))
	require.NoError(t, s.Save(sampleRecord(1, 1)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMemStore(t *testing.T) {
	m := NewMemStore(sampleRecord(1, 5))
	require.NoError(t, m.Save(sampleRecord(1, 6)))
	require.NoError(t, m.Save(sampleRecord(2, 7)))
	assert.Equal(t, 2, m.Saves)

	recs, err := m.Load()
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	// callers cannot alias stored counters
	recs[0].Counters[0] = 999
	again, _ := m.Load()
	assert.Equal(t, uint64(6), again[0].Counters[0])

	m.SaveError = errors.New("disk full")
	assert.Error(t, m.Save(sampleRecord(3, 1)))
}
