package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kstaniek/go-megacan/internal/bus"
	"github.com/kstaniek/go-megacan/internal/can"
	"github.com/kstaniek/go-megacan/internal/cnl"
	"github.com/kstaniek/go-megacan/internal/hub"
	"github.com/kstaniek/go-megacan/internal/metrics"
	"github.com/kstaniek/go-megacan/internal/server"
)

// app is one running daemon: the emulated device, its bus backend and the
// cannelloni server.
type app struct {
	cfg    *appConfig
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	hub    *hub.Hub
	node   *node
	sink   bus.Sink
	srv    *server.Server
	http   *http.Server

	wg       sync.WaitGroup
	cleanups []func()
	stopOnce sync.Once
}

func (a *app) virtual() bool { return a.cfg.backend == backendTCP }

// fromPeer routes a frame received from a TCP peer. On a virtual bus the
// other peers and the device see it; in bridge mode it goes to the device
// and out on the physical bus.
func (a *app) fromPeer(src *hub.Client, fr can.Frame) error {
	a.node.port.Deliver(fr)
	if a.virtual() {
		a.hub.BroadcastFrom(src, fr)
		return nil
	}
	return a.sink.SendFrame(fr)
}

// fromBus routes a frame read from the physical bus to the peers and the
// device.
func (a *app) fromBus(fr can.Frame) {
	a.hub.Broadcast(fr)
	a.node.port.Deliver(fr)
}

func start(parent context.Context, cfg *appConfig, l *slog.Logger) (*app, error) {
	p, err := loadProfile(cfg)
	if err != nil {
		return nil, err
	}
	cfg.msqID = int(p.Device.ID)
	ctx, cancel := context.WithCancel(parent)
	a := &app{cfg: cfg, log: l, ctx: ctx, cancel: cancel, hub: initHub(cfg, l)}

	opts := nodeOptions{forward: cfg.mqttURL != "", pollEvery: cfg.pollInterval}
	if !a.virtual() {
		// device frames reach the bus through the backend; peers need a copy
		opts.tap = a.hub.Broadcast
	}
	if a.node, err = newNode(ctx, p, opts, l); err != nil {
		cancel()
		return nil, err
	}
	sink, cleanup, err := initBackend(ctx, cfg, a.hub, a.fromBus, l, &a.wg)
	if err != nil {
		cancel()
		a.node.close()
		return nil, fmt.Errorf("backend init: %w", err)
	}
	a.sink = sink
	a.cleanups = append(a.cleanups, cleanup)
	a.node.port.Connect(sink)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.node.run(ctx)
	}()

	a.srv = server.NewServer(
		server.WithHub(a.hub),
		server.WithCodec(&cnl.Codec{}),
		server.WithSend(a.fromPeer),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
		server.WithListenAddr(cfg.listenAddr),
	)
	closeMQTT, err := startTelemetry(ctx, cfg, a.node, a.stats, l, &a.wg)
	if err != nil {
		// telemetry is optional; the node keeps serving
		l.Warn("mqtt_connect_failed", "error", err)
	}
	a.cleanups = append(a.cleanups, closeMQTT)
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &a.wg)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.srv.Serve(ctx); err != nil {
			l.Error("tcp_server_error", "error", err)
			cancel()
		}
	}()
	go a.advertise()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-a.srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		a.http = metrics.StartHTTP(cfg.metricsAddr)
	}
	l.Info("megacan_started", "msq_id", p.Device.ID, "backend", cfg.backend, "signature", p.Device.Signature)
	return a, nil
}

// daemonStats is the periodic stats document: node counters plus the
// cannelloni peer port.
type daemonStats struct {
	nodeStats
	Peers server.Stats `json:"peers"`
}

func (a *app) stats() any {
	return daemonStats{nodeStats: a.node.stats(), Peers: a.srv.Stats()}
}

// advertise registers the listener over mDNS once it is bound.
func (a *app) advertise() {
	if !a.cfg.mdnsEnable {
		return
	}
	select {
	case <-a.srv.Ready():
	case <-a.ctx.Done():
		return
	}
	port, err := listenPort(a.srv.Addr())
	if err != nil {
		a.log.Warn("mdns_port_unknown", "addr", a.srv.Addr(), "error", err)
		return
	}
	cleanup, err := startMDNS(a.ctx, a.cfg, uint8(a.cfg.msqID), port)
	if err != nil {
		a.log.Warn("mdns_start_failed", "error", err)
		return
	}
	a.log.Info("mdns_started", "service", mdnsServiceType, "name", a.cfg.mdnsName, "port", port)
	<-a.ctx.Done()
	cleanup()
}

// stop cancels everything, waits for the goroutines and closes the flash
// image.
func (a *app) stop() { a.stopOnce.Do(a.shutdown) }

func (a *app) shutdown() {
	a.cancel()
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	if a.http != nil {
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = a.http.Shutdown(sctx)
		cancel()
	}
	a.wg.Wait()
	a.node.close()
	a.log.Info("megacan_stopped")
}
