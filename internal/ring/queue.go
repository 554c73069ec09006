// Package ring holds the receive queue between the interrupt context that
// drains the bus and the poll context that handles frames.
//
// The queue is single producer / single consumer. The producer fills the back
// slot in place (PushPrepare) and publishes it with CommitPush; the consumer
// inspects PeekFront and releases it with Pop. Index and size updates run
// inside a Guard so they never interleave with the other side.
package ring

import (
	"sync"

	"github.com/kstaniek/go-megacan/internal/can"
	"github.com/kstaniek/go-megacan/internal/fixed"
)

// DefaultCapacity is the queue depth used when none is configured.
const DefaultCapacity = 40

// Guard brackets a critical section against the producer context.
type Guard interface {
	Mask()
	Unmask()
}

// MutexGuard is the hosted Guard: the producer runs on its own goroutine.
type MutexGuard struct{ mu sync.Mutex }

func (g *MutexGuard) Mask()   { g.mu.Lock() }
func (g *MutexGuard) Unmask() { g.mu.Unlock() }

// NopGuard is for queues used from a single goroutine.
type NopGuard struct{}

func (NopGuard) Mask()   {}
func (NopGuard) Unmask() {}

// Queue is a fixed-capacity FIFO of CAN frames.
type Queue struct {
	g     Guard
	slots fixed.Array[can.Frame]
	front int
	back  int
	size  int

	overflowSlot can.Frame
	// scratch is set while the producer holds overflowSlot.
	scratch bool
}

// New creates a queue holding up to capacity frames. A nil guard selects a
// MutexGuard. It panics if capacity < 1.
func New(capacity int, g Guard) *Queue {
	if capacity < 1 {
		panic("ring: capacity must be >= 1")
	}
	if g == nil {
		g = &MutexGuard{}
	}
	return &Queue{g: g, slots: fixed.NewArray[can.Frame](capacity)}
}

func (q *Queue) Capacity() int { return q.slots.Len() }

func (q *Queue) Size() int {
	q.g.Mask()
	n := q.size
	q.g.Unmask()
	return n
}

func (q *Queue) IsEmpty() bool { return q.Size() == 0 }

func (q *Queue) IsFull() bool { return q.Size() == q.slots.Len() }

// PushPrepare returns the slot the next CommitPush will publish. When the
// queue is full the slot is scratch space and the commit will be refused.
// Only the producer may call it.
func (q *Queue) PushPrepare() *can.Frame {
	q.g.Mask()
	i := q.back
	full := q.size == q.slots.Len()
	q.scratch = full
	q.g.Unmask()
	if full {
		return &q.overflowSlot
	}
	return q.slots.Ptr(i)
}

// CommitPush publishes the prepared slot. It returns false, leaving the
// queue unchanged, when the queue is full or was full at PushPrepare.
func (q *Queue) CommitPush() bool {
	q.g.Mask()
	defer q.g.Unmask()
	if q.scratch {
		q.scratch = false
		return false
	}
	if q.size == q.slots.Len() {
		return false
	}
	q.back = (q.back + 1) % q.slots.Len()
	q.size++
	return true
}

// PeekFront returns the oldest frame or nil when empty. The pointer stays
// valid until Pop. Only the consumer may call it.
func (q *Queue) PeekFront() *can.Frame {
	q.g.Mask()
	defer q.g.Unmask()
	if q.size == 0 {
		return nil
	}
	return q.slots.Ptr(q.front)
}

// Pop discards the oldest frame. It is a no-op on an empty queue.
func (q *Queue) Pop() {
	q.g.Mask()
	defer q.g.Unmask()
	if q.size == 0 {
		return
	}
	q.front = (q.front + 1) % q.slots.Len()
	q.size--
}

// Clear drops every queued frame.
func (q *Queue) Clear() {
	q.g.Mask()
	q.front, q.back, q.size = 0, 0, 0
	q.scratch = false
	q.g.Unmask()
}
