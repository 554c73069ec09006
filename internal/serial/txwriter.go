package serial

import (
	"context"
	"errors"

	"github.com/kstaniek/go-megacan/internal/can"
	"github.com/kstaniek/go-megacan/internal/logging"
	"github.com/kstaniek/go-megacan/internal/metrics"
	"github.com/kstaniek/go-megacan/internal/transport"
)

var ErrTxOverflow = errors.New("serial tx overflow")

// TXWriter funnels all gateway writes through one goroutine.
type TXWriter struct{ base *transport.AsyncTx }

func NewTXWriter(parent context.Context, sp Port, buf int) *TXWriter {
	send := func(fr can.Frame) error {
		wire, err := Encode(fr)
		if err != nil {
			return err
		}
		_, err = sp.Write(wire)
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("serial_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncSerialTx() },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, send, hooks)}
}

// SendFrame queues fr; a full queue yields ErrTxOverflow.
func (w *TXWriter) SendFrame(fr can.Frame) error { return w.base.SendFrame(fr) }

// SendFrameWait queues fr and waits until it has been written to the port.
func (w *TXWriter) SendFrameWait(ctx context.Context, fr can.Frame) error {
	return w.base.SendFrameWait(ctx, fr)
}

func (w *TXWriter) Close() { w.base.Close() }
