package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-megacan/internal/bus"
	"github.com/kstaniek/go-megacan/internal/can"
	"github.com/kstaniek/go-megacan/internal/hub"
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// rxFunc receives every frame read from the physical bus.
type rxFunc func(can.Frame)

// initBackend opens the configured bus, starts its RX loop feeding rx and
// returns the transmit sink and a cleanup. The tcp backend has no physical
// bus: the hub is the bus and rx is never called.
func initBackend(ctx context.Context, cfg *appConfig, h *hub.Hub, rx rxFunc, l *slog.Logger, wg *sync.WaitGroup) (bus.Sink, func(), error) {
	switch cfg.backend {
	case backendSerial:
		return initSerialBackend(ctx, cfg, rx, l, wg)
	case backendSocketCAN:
		return initSocketCANBackend(ctx, cfg, rx, l, wg)
	case backendTCP:
		l.Info("virtual_bus", "listen", cfg.listenAddr)
		return hubSink{h: h}, func() {}, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown backend %q (use socketcan|serial|tcp)", cfg.backend)
	}
}

// hubSink puts device frames on the virtual bus.
type hubSink struct{ h *hub.Hub }

func (s hubSink) SendFrame(fr can.Frame) error {
	s.h.Broadcast(fr)
	return nil
}

func (s hubSink) SendFrameWait(ctx context.Context, fr can.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.h.Broadcast(fr)
	return nil
}

// nextBackoff doubles d up to rxBackoffMax.
func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > rxBackoffMax {
		d = rxBackoffMax
	}
	return d
}
