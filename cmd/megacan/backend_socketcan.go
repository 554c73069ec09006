//go:build linux

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-megacan/internal/bus"
	"github.com/kstaniek/go-megacan/internal/can"
	"github.com/kstaniek/go-megacan/internal/metrics"
	"github.com/kstaniek/go-megacan/internal/socketcan"
)

// openSocketCANDevice is a hook for tests.
var openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) }

type deviceFilterer interface {
	SetDeviceFilter(msqID uint8) error
}

// initSocketCANBackend opens the interface and launches its RX loop.
func initSocketCANBackend(ctx context.Context, cfg *appConfig, rx rxFunc, l *slog.Logger, wg *sync.WaitGroup) (bus.Sink, func(), error) {
	dev, err := openSocketCANDevice(cfg.canIf)
	if err != nil {
		return nil, func() {}, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
	}
	if cfg.kernelFilter && cfg.msqID >= 0 {
		if f, ok := dev.(deviceFilterer); ok {
			if err := f.SetDeviceFilter(uint8(cfg.msqID)); err != nil {
				_ = dev.Close()
				return nil, func() {}, err
			}
			l.Info("socketcan_filter", "msq_id", cfg.msqID)
		}
	}
	l.Info("socketcan_open", "if", cfg.canIf)
	tw := socketcan.NewTXWriter(ctx, dev, txQueueSize)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("socketcan_rx_end")
		backoff := rxBackoffMin
		for ctx.Err() == nil {
			var fr can.Frame
			if err := dev.ReadFrame(&fr); err != nil {
				if ctx.Err() != nil {
					return
				}
				metrics.IncError(metrics.ErrSocketCANRead)
				l.Warn("socketcan_read_error", "error", err, "backoff", backoff)
				sleepFn(backoff)
				backoff = nextBackoff(backoff)
				continue
			}
			metrics.IncSocketCANRx()
			rx(fr)
			backoff = rxBackoffMin
		}
	}()
	return tw, func() { _ = dev.Close(); tw.Close() }, nil
}
