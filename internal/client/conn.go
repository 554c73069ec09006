package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kstaniek/go-megacan/internal/can"
	"github.com/kstaniek/go-megacan/internal/cnl"
)

// ErrClosed is returned by Receive once the connection has failed or closed.
var ErrClosed = errors.New("client: connection closed")

// Conn is a bus attachment able to send and receive classic frames.
type Conn interface {
	Send(ctx context.Context, fr can.Frame) error
	Receive(ctx context.Context) (can.Frame, error)
	Close() error
}

// streamConn turns a blocking frame reader into a Conn with cancellable
// receives. One goroutine reads until the source fails.
type streamConn struct {
	send    func(ctx context.Context, fr can.Frame) error
	closeFn func() error

	rx     chan can.Frame
	done   chan struct{}
	closed chan struct{}
	once   sync.Once
	err    error
}

func newStreamConn(read func() (can.Frame, error), send func(context.Context, can.Frame) error, closeFn func() error) *streamConn {
	c := &streamConn{
		send:    send,
		closeFn: closeFn,
		rx:      make(chan can.Frame, 64),
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		for {
			fr, err := read()
			if err != nil {
				c.err = err
				return
			}
			select {
			case c.rx <- fr:
			case <-c.closed:
				return
			}
		}
	}()
	return c
}

func (c *streamConn) Send(ctx context.Context, fr can.Frame) error { return c.send(ctx, fr) }

func (c *streamConn) Receive(ctx context.Context) (can.Frame, error) {
	select {
	case fr := <-c.rx:
		return fr, nil
	case <-ctx.Done():
		return can.Frame{}, ctx.Err()
	case <-c.done:
		if c.err != nil {
			return can.Frame{}, fmt.Errorf("%w: %v", ErrClosed, c.err)
		}
		return can.Frame{}, ErrClosed
	}
}

func (c *streamConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.closeFn()
	})
	return err
}

// DialCannelloni connects to a cannelloni TCP endpoint such as the megacan
// daemon's peer port.
func DialCannelloni(ctx context.Context, addr string, timeout time.Duration) (Conn, error) {
	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	if err := cnl.Handshake(ctx, nc, timeout); err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("client: handshake %s: %w", addr, err)
	}
	codec := &cnl.Codec{}
	var wmu sync.Mutex
	send := func(ctx context.Context, fr can.Frame) error {
		wmu.Lock()
		defer wmu.Unlock()
		if dl, ok := ctx.Deadline(); ok {
			_ = nc.SetWriteDeadline(dl)
		} else {
			_ = nc.SetWriteDeadline(time.Time{})
		}
		_, err := codec.EncodeTo(nc, []can.Frame{fr})
		return err
	}
	read := func() (can.Frame, error) { return codec.Decode(nc) }
	return newStreamConn(read, send, nc.Close), nil
}
