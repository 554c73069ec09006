package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/kstaniek/go-megacan/internal/bus"
	"github.com/kstaniek/go-megacan/internal/can"
	"github.com/kstaniek/go-megacan/internal/metrics"
	"github.com/kstaniek/go-megacan/internal/serial"
)

// openSerialPort is a hook for tests.
var openSerialPort = serial.Open

// initSerialBackend opens the UART gateway and launches its RX loop.
func initSerialBackend(ctx context.Context, cfg *appConfig, rx rxFunc, l *slog.Logger, wg *sync.WaitGroup) (bus.Sink, func(), error) {
	sp, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open serial: %w", err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)
	w := serial.NewTXWriter(ctx, sp, txQueueSize)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("serial_rx_end")
		buf := make([]byte, serialReadBufSize)
		var dec serial.Decoder
		backoff := rxBackoffMin
		for ctx.Err() == nil {
			n, err := sp.Read(buf)
			if n > 0 {
				dec.Feed(buf[:n], rx)
				backoff = rxBackoffMin
			}
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			var perr *os.PathError
			if errors.As(err, &perr) {
				l.Error("serial_device_lost", "error", err)
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue // read timeout with no data
			}
			metrics.IncError(metrics.ErrSerialRead)
			l.Warn("serial_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff = nextBackoff(backoff)
		}
	}()
	return extendedOnly{w}, func() { _ = sp.Close(); w.Close() }, nil
}

// extendedOnly rejects standard frames before they are queued; the gateway
// cannot send them.
type extendedOnly struct{ *serial.TXWriter }

func (s extendedOnly) SendFrame(fr can.Frame) error {
	if !fr.IsExtended() {
		return serial.ErrStandardFrame
	}
	return s.TXWriter.SendFrame(fr)
}

func (s extendedOnly) SendFrameWait(ctx context.Context, fr can.Frame) error {
	if !fr.IsExtended() {
		return serial.ErrStandardFrame
	}
	return s.TXWriter.SendFrameWait(ctx, fr)
}
