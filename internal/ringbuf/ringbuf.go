// Package ringbuf provides the fixed-capacity timestamp buffer that sits
// between an edge handler (single writer) and the main loop (single reader).
package ringbuf

// RingBuffer is a fixed-capacity FIFO that overwrites the oldest unread
// entry when full. After a read, the last consumed item stays retained as
// an anchor so the next interval can be computed across a drain boundary.
//
// Not safe for concurrent use. The writer owns write, the reader owns read
// and anchored; the caller brackets every call with its critical section.
type RingBuffer[T any] struct {
	buf      []T
	write    uint64 // total items pushed
	read     uint64 // index of the next unread item
	anchored bool   // buf[read-1] is the last consumed item and still intact
	locked   bool
	dropped  uint64
}

// New returns a RingBuffer holding up to capacity items.
func New[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push appends v. If the buffer already holds capacity unread items the
// oldest unread one is dropped. Pushes while locked are discarded.
func (r *RingBuffer[T]) Push(v T) {
	if r.locked {
		r.dropped++
		return
	}
	n := uint64(len(r.buf))
	r.buf[r.write%n] = v
	r.write++
	if r.write-r.read > n {
		r.read = r.write - n
		r.dropped++
	}
	// The anchor lives at read-1; once its slot is reused it is gone.
	if r.anchored && r.write-(r.read-1) > n {
		r.anchored = false
	}
}

// Take consumes the oldest unread item. prev is the previously consumed
// item and hasPrev reports whether it is still available. ok is false when
// there is nothing unread.
func (r *RingBuffer[T]) Take() (prev, cur T, hasPrev, ok bool) {
	if r.read == r.write {
		return prev, cur, false, false
	}
	n := uint64(len(r.buf))
	if r.anchored {
		prev = r.buf[(r.read-1)%n]
		hasPrev = true
	}
	cur = r.buf[r.read%n]
	r.read++
	r.anchored = true
	return prev, cur, hasPrev, true
}

// Drain hands every unread item to consumer in arrival order. The last one
// is kept as the anchor.
func (r *RingBuffer[T]) Drain(consumer func(T)) int {
	count := 0
	for {
		_, cur, _, ok := r.Take()
		if !ok {
			return count
		}
		consumer(cur)
		count++
	}
}

// Anchor returns the last consumed item, if it is still retained.
func (r *RingBuffer[T]) Anchor() (T, bool) {
	var zero T
	if !r.anchored {
		return zero, false
	}
	return r.buf[(r.read-1)%uint64(len(r.buf))], true
}

// Reset discards all unread items and the anchor.
func (r *RingBuffer[T]) Reset() {
	r.read = r.write
	r.anchored = false
}

// Lock pauses writes.
func (r *RingBuffer[T]) Lock() { r.locked = true }

// Unlock resumes writes.
func (r *RingBuffer[T]) Unlock() { r.locked = false }

// Locked reports whether writes are paused.
func (r *RingBuffer[T]) Locked() bool { return r.locked }

// Len returns the number of unread items.
func (r *RingBuffer[T]) Len() int { return int(r.write - r.read) }

// Cap returns the buffer capacity.
func (r *RingBuffer[T]) Cap() int { return len(r.buf) }

// Dropped returns how many items were lost to overflow or locking.
func (r *RingBuffer[T]) Dropped() uint64 { return r.dropped }
