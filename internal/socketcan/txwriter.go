//go:build linux

package socketcan

import (
	"context"
	"errors"

	"github.com/kstaniek/go-megacan/internal/can"
	"github.com/kstaniek/go-megacan/internal/logging"
	"github.com/kstaniek/go-megacan/internal/metrics"
	"github.com/kstaniek/go-megacan/internal/transport"
)

var ErrTxOverflow = errors.New("socketcan tx overflow")

// Dev is a frame device; *Device in production, fakes in tests.
type Dev interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

// TXWriter funnels all SocketCAN writes through one goroutine.
type TXWriter struct{ base *transport.AsyncTx }

func NewTXWriter(parent context.Context, dev Dev, buf int) *TXWriter {
	send := func(fr can.Frame) error { return dev.WriteFrame(fr) }
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSocketCANWrite)
			logging.L().Error("socketcan_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncSocketCANTx() },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSocketCANOver)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, send, hooks)}
}

// SendFrame queues fr; a full queue yields ErrTxOverflow.
func (w *TXWriter) SendFrame(fr can.Frame) error { return w.base.SendFrame(fr) }

// SendFrameWait queues fr and waits until the socket accepted it.
func (w *TXWriter) SendFrameWait(ctx context.Context, fr can.Frame) error {
	return w.base.SendFrameWait(ctx, fr)
}

func (w *TXWriter) Close() { w.base.Close() }
