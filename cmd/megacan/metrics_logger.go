package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-megacan/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				logSnapshot(l, metrics.Snap())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func logSnapshot(l *slog.Logger, s metrics.Snapshot) {
	l.Info("metrics_snapshot",
		"serial_rx", s.SerialRx,
		"serial_tx", s.SerialTx,
		"socketcan_rx", s.SocketCANRx,
		"socketcan_tx", s.SocketCANTx,
		"tcp_rx", s.TCPRx,
		"tcp_tx", s.TCPTx,
		"hub_clients", s.HubClients,
		"hub_drops", s.HubDrops,
		"extended", s.Extended,
		"standard", s.Standard,
		"rejected", s.Rejected,
		"burns_ok", s.BurnsOK,
		"burns_failed", s.BurnsFailed,
		"rx_overflow", s.RxOverflow,
		"hw_overflow", s.HWOverflow,
		"tx_failures", s.TxFailures,
		"rt_broadcasts", s.RTBroadcasts,
		"telemetry", s.TelemetrySent,
		"errors", s.Errors,
	)
}
