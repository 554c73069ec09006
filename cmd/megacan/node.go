package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-megacan/internal/broadcast"
	"github.com/kstaniek/go-megacan/internal/bus"
	"github.com/kstaniek/go-megacan/internal/can"
	"github.com/kstaniek/go-megacan/internal/config"
	"github.com/kstaniek/go-megacan/internal/device"
	"github.com/kstaniek/go-megacan/internal/eeprom"
	"github.com/kstaniek/go-megacan/internal/metrics"
	"github.com/kstaniek/go-megacan/internal/tables"
)

// loadProfile reads the profile named by cfg, or the built-in one, and
// applies the command line overrides.
func loadProfile(cfg *appConfig) (*config.Profile, error) {
	p := config.Default()
	if cfg.profile != "" {
		var err error
		if p, err = config.Load(cfg.profile); err != nil {
			return nil, err
		}
	}
	if cfg.flashFile != "" {
		p.Flash.Path = cfg.flashFile
	}
	if cfg.msqID >= 0 {
		p.Device.ID = uint8(cfg.msqID)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

type nodeOptions struct {
	// tap sees every frame the device transmits.
	tap func(can.Frame)
	// forward enables the listener's telemetry channel.
	forward   bool
	pollEvery time.Duration
}

// node is the emulated device with its table store and realtime groups.
// Poll, table access and group transmission all run on the run goroutine.
type node struct {
	profile  *config.Profile
	flash    eeprom.Store
	store    *tables.Store
	port     *bus.Port
	dev      *device.Device
	sched    *broadcast.Scheduler
	listener *broadcast.Listener
	updates  chan broadcast.Update
	groups   chan rtGroup
	poll     time.Duration
	log      *slog.Logger
}

func openFlash(fc config.FlashConfig) (eeprom.Store, error) {
	if fc.Path == "" {
		return eeprom.NewMem(fc.Size), nil
	}
	return eeprom.OpenFile(fc.Path, fc.Size)
}

func newNode(ctx context.Context, p *config.Profile, o nodeOptions, l *slog.Logger) (*node, error) {
	flash, err := openFlash(p.Flash)
	if err != nil {
		return nil, err
	}
	n := &node{profile: p, flash: flash, poll: o.pollEvery, log: l}
	if n.poll <= 0 {
		n.poll = 10 * time.Millisecond
	}
	fail := func(err error) (*node, error) {
		n.close()
		return nil, err
	}

	rt := p.Realtime
	if rt.ControlOffset != nil && rt.Seed {
		if err := broadcast.WriteControlBlock(flash, int(*rt.ControlOffset), p.ControlBlock()); err != nil {
			return fail(fmt.Errorf("seed control block: %w", err))
		}
	}
	n.store, err = tables.New(p.Descriptors(), flash,
		tables.WithBlockingFactors(p.Device.TableBlockingFactor, p.Device.WriteBlockingFactor),
		tables.WithLogger(l),
		tables.WithWriteObserver(func(table uint8, offset uint16, data []byte) {
			l.Debug("table_write", "table", table, "offset", offset, "len", len(data))
		}),
		tables.WithBurnObserver(func(table uint8) {
			l.Info("table_burned", "table", table)
		}))
	if err != nil {
		return fail(err)
	}

	portOpts := []bus.Option{bus.WithLogger(l)}
	if o.tap != nil {
		portOpts = append(portOpts, bus.WithTap(o.tap))
	}
	n.port = bus.NewPort(ctx, portOpts...)

	devOpts := []device.Option{
		device.WithTableStore(n.store),
		device.WithQueueCapacity(p.Device.QueueCapacity),
		device.WithImmediateStandard(p.Device.ImmediateStandard),
		device.WithIdentity(p.Device.Signature, p.Device.Revision),
		device.WithLogger(l),
	}
	if rt.Listen {
		lopts := []broadcast.ListenerOption{broadcast.WithListenerLogger(l)}
		if rt.BaseID != 0 {
			lopts = append(lopts, broadcast.WithBaseID(uint32(rt.BaseID)))
		}
		if o.forward {
			n.updates = make(chan broadcast.Update, 64)
			lopts = append(lopts, broadcast.WithForwarder(n.updates))
		}
		n.listener = broadcast.NewListener(lopts...)
		devOpts = append(devOpts, device.WithBroadcastHandler(n.listener))
	}
	if n.dev, err = device.New(n.port, p.Device.ID, devOpts...); err != nil {
		return fail(err)
	}
	n.port.Attach(n.dev)

	if rt.ControlOffset != nil {
		n.groups = make(chan rtGroup, broadcast.NumGroups)
		n.sched, err = broadcast.NewScheduler(flash, int(*rt.ControlOffset), n.queueGroup,
			broadcast.WithSchedulerLogger(l),
			broadcast.WithCheckInterval(p.CheckInterval()))
		if err != nil {
			return fail(err)
		}
	}
	return n, nil
}

type rtGroup struct {
	base  uint16
	group uint8
}

// queueGroup hands a due group to the run goroutine. A full queue means the
// previous round has not gone out yet; the group is skipped.
func (n *node) queueGroup(baseID uint16, group uint8) {
	select {
	case n.groups <- rtGroup{base: baseID, group: group}:
	default:
		n.log.Debug("rt_group_skipped", "group", group)
	}
}

// sendGroup transmits a group from its 8-byte slot of the source table.
func (n *node) sendGroup(g rtGroup) {
	var buf [can.MaxDataLen]byte
	src := n.profile.Realtime.SourceTable
	if !n.store.ReadFromTable(src, uint16(g.group)*can.MaxDataLen, buf[:]) {
		n.log.Debug("rt_group_source_short", "group", g.group, "table", src)
		return
	}
	n.dev.SendStandard(uint32(g.base)+uint32(g.group), buf[:])
}

// run starts the interrupt goroutine and the scheduler, then polls the
// device until ctx is done.
func (n *node) run(ctx context.Context) {
	go n.port.Run(ctx)
	if n.sched != nil {
		go n.sched.Run(ctx)
	}
	tick := time.NewTicker(n.poll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.port.Wake():
			n.dev.Poll()
		case <-tick.C:
			n.dev.Poll()
		case g := <-n.groups:
			n.sendGroup(g)
		}
	}
}

type nodeStats struct {
	MsqID   uint8            `json:"msq_id"`
	Device  device.Stats     `json:"device"`
	Metrics metrics.Snapshot `json:"metrics"`
}

func (n *node) stats() nodeStats {
	return nodeStats{MsqID: n.dev.ID(), Device: n.dev.Stats(), Metrics: metrics.Snap()}
}

// close flushes and closes a file backed flash image.
func (n *node) close() {
	f, ok := n.flash.(*eeprom.File)
	if !ok {
		return
	}
	if err := f.Close(); err != nil {
		n.log.Error("flash_close", "error", err)
	}
}
