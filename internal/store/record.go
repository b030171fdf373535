// Package store persists energy counters as fixed-width binary records.
//
// The on-disk layout is explicit and versioned so records written by another
// device, a different firmware layout or a torn write are rejected on load
// rather than trusted.
package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"
)

// MaxCounters is the number of counter slots in a record.
const MaxCounters = 4

// Version is the current record layout version.
const Version uint16 = 1

// RecordSize is the encoded size of one record in bytes.
const RecordSize = 80

var magic = [4]byte{'H', 'L', 'W', 'E'}

var (
	// ErrCorrupt is returned for records that fail validation.
	ErrCorrupt = errors.New("corrupt record")

	// ErrNotFound is returned when no record exists for a device.
	ErrNotFound = errors.New("record not found")
)

// Calibration is the calibration snapshot stored next to the counters.
type Calibration struct {
	Power   float64
	Voltage float64
	Current float64
}

// Record is one persisted energy snapshot.
type Record struct {
	DeviceID    uint32
	Calibration Calibration
	Counters    []uint64
	Time        time.Time
}

// wireRecord is the exact on-disk layout (little-endian, 80 bytes).
type wireRecord struct {
	Magic       [4]byte
	Version     uint16
	NumCounters uint16
	DeviceID    uint32
	Calibration [3]float64
	Counters    [MaxCounters]uint64
	Unix        int64
	CRC         uint32
}

// Marshal encodes r. Timestamps are stored with one second resolution.
func (r Record) Marshal() ([]byte, error) {
	if len(r.Counters) > MaxCounters {
		return nil, fmt.Errorf("too many counters: %d > %d", len(r.Counters), MaxCounters)
	}
	w := wireRecord{
		Magic:       magic,
		Version:     Version,
		NumCounters: uint16(len(r.Counters)),
		DeviceID:    r.DeviceID,
		Calibration: [3]float64{r.Calibration.Power, r.Calibration.Voltage, r.Calibration.Current},
		Unix:        r.Time.Unix(),
	}
	copy(w.Counters[:], r.Counters)

	var buf bytes.Buffer
	buf.Grow(RecordSize)
	if err := binary.Write(&buf, binary.LittleEndian, &w); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	b := buf.Bytes()
	binary.LittleEndian.PutUint32(b[RecordSize-4:], crc32.ChecksumIEEE(b[:RecordSize-4]))
	return b, nil
}

// Unmarshal decodes one record, rejecting foreign or damaged data.
func Unmarshal(b []byte) (Record, error) {
	if len(b) != RecordSize {
		return Record{}, fmt.Errorf("%w: size %d", ErrCorrupt, len(b))
	}
	var w wireRecord
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &w); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if w.Magic != magic {
		return Record{}, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if w.Version != Version {
		return Record{}, fmt.Errorf("%w: version %d", ErrCorrupt, w.Version)
	}
	if w.NumCounters > MaxCounters {
		return Record{}, fmt.Errorf("%w: %d counters", ErrCorrupt, w.NumCounters)
	}
	if sum := crc32.ChecksumIEEE(b[:RecordSize-4]); sum != w.CRC {
		return Record{}, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	counters := make([]uint64, w.NumCounters)
	copy(counters, w.Counters[:w.NumCounters])
	return Record{
		DeviceID: w.DeviceID,
		Calibration: Calibration{
			Power:   w.Calibration[0],
			Voltage: w.Calibration[1],
			Current: w.Calibration[2],
		},
		Counters: counters,
		Time:     time.Unix(w.Unix, 0).UTC(),
	}, nil
}

// Find returns the record for deviceID.
func Find(records []Record, deviceID uint32) (Record, error) {
	for _, r := range records {
		if r.DeviceID == deviceID {
			return r, nil
		}
	}
	return Record{}, ErrNotFound
}
