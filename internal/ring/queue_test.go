package ring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-megacan/internal/can"
)

func push(q *Queue, id uint32) bool {
	*q.PushPrepare() = can.NewExtended(id, []byte{byte(id)})
	return q.CommitPush()
}

func TestQueueFIFOAndOverflow(t *testing.T) {
	const c = 5
	q := New(c, NopGuard{})
	require.True(t, q.IsEmpty())
	for i := 0; i < c; i++ {
		require.True(t, push(q, uint32(i)))
	}
	require.True(t, q.IsFull())
	require.False(t, push(q, 99), "push beyond capacity must be refused")
	require.Equal(t, c, q.Size())

	for i := 0; i < c; i++ {
		fr := q.PeekFront()
		require.NotNil(t, fr)
		require.Equal(t, uint32(i), fr.ID())
		q.Pop()
	}
	require.True(t, q.IsEmpty())
	require.Nil(t, q.PeekFront())
	q.Pop()
	require.Equal(t, 0, q.Size())
}

func TestQueueWrapAround(t *testing.T) {
	q := New(3, nil)
	next := uint32(0)
	want := uint32(0)
	for round := 0; round < 10; round++ {
		require.True(t, push(q, next))
		next++
		require.True(t, push(q, next))
		next++
		for !q.IsEmpty() {
			require.Equal(t, want, q.PeekFront().ID())
			q.Pop()
			want++
		}
	}
	require.Equal(t, next, want)
}

func TestQueueOverflowSlotDoesNotCorrupt(t *testing.T) {
	q := New(1, nil)
	require.True(t, push(q, 1))
	require.False(t, push(q, 2))
	require.Equal(t, uint32(1), q.PeekFront().ID())
	q.Clear()
	require.True(t, q.IsEmpty())
	require.Equal(t, 1, q.Capacity())
}

func TestQueueFullPrepareRefusedAfterPop(t *testing.T) {
	q := New(2, nil)
	require.True(t, push(q, 1))
	require.True(t, push(q, 2))

	slot := q.PushPrepare()
	*slot = can.NewExtended(3, []byte{3})
	q.Pop()
	require.False(t, q.CommitPush(), "a frame prepared while full stays dropped")
	require.Equal(t, 1, q.Size())
	require.Equal(t, uint32(2), q.PeekFront().ID())

	require.True(t, push(q, 4))
	q.Pop()
	require.Equal(t, uint32(4), q.PeekFront().ID())
}

func TestQueueZeroCapacityPanics(t *testing.T) {
	require.Panics(t, func() { New(0, nil) })
}

func TestQueueConcurrentProducerConsumer(t *testing.T) {
	const total = 5000
	q := New(8, &MutexGuard{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; {
			if push(q, uint32(i)) {
				i++
			}
		}
	}()
	for want := 0; want < total; {
		fr := q.PeekFront()
		if fr == nil {
			continue
		}
		require.Equal(t, uint32(want), fr.ID())
		require.Equal(t, byte(want), fr.Data[0])
		q.Pop()
		want++
	}
	wg.Wait()
}
