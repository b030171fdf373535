package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainAll(r *RingBuffer[uint32]) []uint32 {
	var out []uint32
	r.Drain(func(v uint32) { out = append(out, v) })
	return out
}

func TestEmptyDrain(t *testing.T) {
	r := New[uint32](4)
	assert.Empty(t, drainAll(r))
	_, ok := r.Anchor()
	assert.False(t, ok)
}

func TestNoLossUnderCapacity(t *testing.T) {
	for n := 1; n <= 8; n++ {
		r := New[uint32](8)
		var want []uint32
		for i := 0; i < n; i++ {
			r.Push(uint32(i * 10))
			want = append(want, uint32(i*10))
		}
		assert.Equal(t, want, drainAll(r), "n=%d", n)
	}
}

func TestLossyOverCapacity(t *testing.T) {
	const capacity = 5
	for k := 1; k <= 7; k++ {
		r := New[uint32](capacity)
		for i := 0; i < capacity+k; i++ {
			r.Push(uint32(i))
		}
		got := drainAll(r)
		require.Len(t, got, capacity, "k=%d", k)
		for i, v := range got {
			assert.Equal(t, uint32(k+i), v, "k=%d item %d", k, i)
		}
		assert.Equal(t, uint64(k), r.Dropped())
	}
}

func TestDrainRetainsAnchor(t *testing.T) {
	r := New[uint32](4)
	r.Push(100)
	r.Push(200)
	drainAll(r)

	anchor, ok := r.Anchor()
	require.True(t, ok)
	assert.Equal(t, uint32(200), anchor)
	assert.Equal(t, 0, r.Len())
}

func TestTakePairsAcrossDrains(t *testing.T) {
	r := New[uint32](4)
	stamps := []uint32{1000, 3000, 5000, 7000, 9000, 11000}

	var diffs []uint32
	takeAll := func() {
		for {
			prev, cur, hasPrev, ok := r.Take()
			if !ok {
				return
			}
			if hasPrev {
				diffs = append(diffs, cur-prev)
			}
		}
	}

	r.Push(stamps[0])
	r.Push(stamps[1])
	r.Push(stamps[2])
	takeAll()
	r.Push(stamps[3])
	takeAll()
	r.Push(stamps[4])
	r.Push(stamps[5])
	takeAll()

	// every pair of consecutive stamps becomes exactly one interval
	assert.Equal(t, []uint32{2000, 2000, 2000, 2000, 2000}, diffs)
}

func TestAnchorContinuityNeverZero(t *testing.T) {
	r := New[uint32](3)
	ts := uint32(0)
	var last uint32
	first := true
	for round := 0; round < 10; round++ {
		for i := 0; i < 2; i++ {
			ts += 500
			r.Push(ts)
		}
		for {
			prev, cur, hasPrev, ok := r.Take()
			if !ok {
				break
			}
			if hasPrev {
				assert.NotZero(t, cur-prev, "round %d", round)
				if !first {
					assert.Equal(t, last, prev)
				}
			}
			last = cur
			first = false
		}
	}
}

func TestOverflowForgetsAnchor(t *testing.T) {
	r := New[uint32](3)
	r.Push(1)
	drainAll(r)

	// three more pushes reuse the anchor's slot
	r.Push(2)
	r.Push(3)
	r.Push(4)
	_, ok := r.Anchor()
	assert.False(t, ok)

	_, cur, hasPrev, ok := r.Take()
	require.True(t, ok)
	assert.False(t, hasPrev)
	assert.Equal(t, uint32(2), cur)
}

func TestAnchorSurvivesWhileSlotFree(t *testing.T) {
	r := New[uint32](3)
	r.Push(1)
	drainAll(r)
	r.Push(2)
	r.Push(3)

	prev, cur, hasPrev, ok := r.Take()
	require.True(t, ok)
	assert.True(t, hasPrev)
	assert.Equal(t, uint32(1), prev)
	assert.Equal(t, uint32(2), cur)
}

func TestReset(t *testing.T) {
	r := New[uint32](4)
	r.Push(1)
	r.Push(2)
	drainAll(r)
	r.Push(3)
	r.Reset()

	assert.Equal(t, 0, r.Len())
	_, ok := r.Anchor()
	assert.False(t, ok)

	r.Push(4)
	_, cur, hasPrev, ok := r.Take()
	require.True(t, ok)
	assert.False(t, hasPrev)
	assert.Equal(t, uint32(4), cur)
}

func TestLockDropsWrites(t *testing.T) {
	r := New[uint32](4)
	r.Push(1)
	r.Lock()
	assert.True(t, r.Locked())
	r.Push(2)
	r.Push(3)
	r.Unlock()
	r.Push(4)

	assert.Equal(t, []uint32{1, 4}, drainAll(r))
	assert.Equal(t, uint64(2), r.Dropped())
}

func TestMinimumCapacity(t *testing.T) {
	r := New[uint32](0)
	assert.Equal(t, 1, r.Cap())
	r.Push(7)
	r.Push(8)
	assert.Equal(t, []uint32{8}, drainAll(r))
}
