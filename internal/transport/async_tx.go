package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-megacan/internal/can"
)

var (
	ErrAsyncTxClosed = errors.New("async tx closed")
	// ErrTxBusy is returned by SendFrameWait when the queue has no room.
	ErrTxBusy = errors.New("async tx queue full")
)

// AsyncTx serializes frame writes to one device through a single worker
// goroutine. SendFrame never blocks: a full queue calls OnDrop and returns
// its error. SendFrameWait also enqueues without blocking but then waits for
// the worker's result.
//
//	a := NewAsyncTx(ctx, buf, sendFn, hooks)
//	a.SendFrame(frame)
//	err := a.SendFrameWait(ctx, frame)
//	a.Close()
//
// Sends after Close return ErrAsyncTxClosed.
type AsyncTx struct {
	mu     sync.Mutex
	ch     chan txReq
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func(can.Frame) error
	hooks  Hooks
	closed atomic.Bool
}

type txReq struct {
	fr   can.Frame
	done chan error // nil for fire-and-forget
}

// Hooks let each backend keep its own metrics and logging.
type Hooks struct {
	// OnError is called when send fails.
	OnError func(error)
	// OnAfter is called after each successful send.
	OnAfter func()
	// OnDrop is called when the queue is full. SendFrame returns its error;
	// nil makes the overflow silent.
	OnDrop func() error
}

// NewAsyncTx starts a worker with a queue of buf frames.
func NewAsyncTx(parent context.Context, buf int, send func(can.Frame) error, hooks Hooks) *AsyncTx {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ch:     make(chan txReq, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx) loop() {
	defer a.wg.Done()
	for {
		select {
		case req, ok := <-a.ch:
			if !ok {
				return
			}
			err := a.send(req.fr)
			if err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
			} else if a.hooks.OnAfter != nil {
				a.hooks.OnAfter()
			}
			if req.done != nil {
				req.done <- err
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// enqueue reports whether req was queued.
func (a *AsyncTx) enqueue(req txReq) (bool, error) {
	if a.closed.Load() {
		return false, ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return false, ErrAsyncTxClosed
	}
	select {
	case a.ch <- req:
		return true, nil
	default:
		if a.hooks.OnDrop != nil {
			return false, a.hooks.OnDrop()
		}
		return false, nil
	}
}

// SendFrame queues fr or returns the OnDrop error if the queue is full.
func (a *AsyncTx) SendFrame(fr can.Frame) error {
	_, err := a.enqueue(txReq{fr: fr})
	return err
}

// SendFrameWait queues fr and waits until the worker has written it. A full
// queue yields ErrTxBusy; ctx bounds the wait.
func (a *AsyncTx) SendFrameWait(ctx context.Context, fr can.Frame) error {
	req := txReq{fr: fr, done: make(chan error, 1)}
	queued, err := a.enqueue(req)
	if !queued {
		if errors.Is(err, ErrAsyncTxClosed) {
			return err
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTxBusy, err)
		}
		return ErrTxBusy
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-a.ctx.Done():
		return ErrAsyncTxClosed
	}
}

// Pending returns the number of queued frames.
func (a *AsyncTx) Pending() int { return len(a.ch) }

// Close stops the worker and waits for it to exit. Queued frames are
// discarded.
func (a *AsyncTx) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
