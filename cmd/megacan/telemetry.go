package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-megacan/internal/telemetry"
)

const (
	mqttConnectTimeout = 5 * time.Second
	statsInterval      = 10 * time.Second
)

// dialMQTT is a hook for tests.
var dialMQTT = func(url string, timeout time.Duration) (telemetry.Publisher, func(), string, error) {
	m, prefix, err := telemetry.Dial(url, timeout)
	if err != nil {
		return nil, nil, "", err
	}
	return m, func() { _ = m.Close() }, prefix, nil
}

// startTelemetry forwards decoded realtime data and the stats document to
// MQTT. It is a no-op without --mqtt-url or when the listener is disabled.
func startTelemetry(ctx context.Context, cfg *appConfig, n *node, stats func() any, l *slog.Logger, wg *sync.WaitGroup) (func(), error) {
	if cfg.mqttURL == "" || n.updates == nil {
		return func() {}, nil
	}
	pub, closeFn, prefix, err := dialMQTT(cfg.mqttURL, mqttConnectTimeout)
	if err != nil {
		return func() {}, err
	}
	l.Info("mqtt_connected", "prefix", prefix)
	fwd := telemetry.NewForwarder(pub, prefix,
		telemetry.WithLogger(l),
		telemetry.WithInterval(cfg.mqttInterval),
		telemetry.WithStats(stats, statsInterval))
	wg.Add(1)
	go func() {
		defer wg.Done()
		fwd.Run(ctx, n.updates)
	}()
	return closeFn, nil
}
