package mqtt

import (
	"log"

	"github.com/sweeney/power-meter/internal/ringbuf"
)

// bufferedMsg stores a serialized MQTT message for replay after reconnection.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// offlineQueue holds messages published while disconnected, dropping the
// oldest when full. Not safe for concurrent use; the caller must synchronize.
type offlineQueue struct {
	buf      *ringbuf.RingBuffer[bufferedMsg]
	overflow bool // true if any message was dropped since last drain
}

func newOfflineQueue(capacity int) *offlineQueue {
	return &offlineQueue{buf: ringbuf.New[bufferedMsg](capacity)}
}

func (q *offlineQueue) push(msg bufferedMsg) {
	if q.buf.Len() == q.buf.Cap() && !q.overflow {
		log.Printf("mqtt: buffer full (%d messages), dropping oldest", q.buf.Cap())
		q.overflow = true
	}
	q.buf.Push(msg)
}

func (q *offlineQueue) drainAll() []bufferedMsg {
	if q.buf.Len() == 0 {
		return nil
	}
	result := make([]bufferedMsg, 0, q.buf.Len())
	q.buf.Drain(func(m bufferedMsg) { result = append(result, m) })
	q.overflow = false
	return result
}

func (q *offlineQueue) len() int {
	return q.buf.Len()
}

func (q *offlineQueue) dropped() uint64 {
	return q.buf.Dropped()
}
