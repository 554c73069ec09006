//go:build linux

package main

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-megacan/internal/can"
	"github.com/kstaniek/go-megacan/internal/metrics"
	"github.com/kstaniek/go-megacan/internal/socketcan"
)

type fakeSocketDev struct {
	mu       sync.Mutex
	frames   []can.Frame
	idx      int
	errAfter bool
	filter   int
}

func (d *fakeSocketDev) ReadFrame(fr *can.Frame) error {
	d.mu.Lock()
	if d.idx < len(d.frames) {
		*fr = d.frames[d.idx]
		d.idx++
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	if d.errAfter {
		return io.ErrUnexpectedEOF
	}
	return io.EOF
}
func (d *fakeSocketDev) WriteFrame(can.Frame) error { return nil }
func (d *fakeSocketDev) Close() error               { return nil }

func (d *fakeSocketDev) SetDeviceFilter(id uint8) error {
	d.mu.Lock()
	d.filter = int(id)
	d.mu.Unlock()
	return nil
}

func withSocketDev(t *testing.T, d socketcan.Dev) {
	t.Helper()
	openSocketCANDevice = func(string) (socketcan.Dev, error) { return d, nil }
	t.Cleanup(func() {
		openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) }
	})
	sleepFn = func(time.Duration) {}
	t.Cleanup(func() { sleepFn = time.Sleep })
}

func TestInitSocketCANBackendBasic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frame := can.NewStandard(0x555, []byte{1, 2, 3})
	dev := &fakeSocketDev{frames: []can.Frame{frame}, errAfter: true, filter: -1}
	withSocketDev(t, dev)
	before := metrics.Snap()

	got := make(chan can.Frame, 1)
	cfg := &appConfig{backend: backendSocketCAN, canIf: "vcan0", kernelFilter: true, msqID: 4}
	var wg sync.WaitGroup
	sink, cleanup, err := initSocketCANBackend(ctx, cfg, func(fr can.Frame) {
		select {
		case got <- fr:
		default:
		}
	}, testLogger(), &wg)
	if err != nil {
		t.Fatalf("initSocketCANBackend: %v", err)
	}
	defer cleanup()

	select {
	case fr := <-got:
		if fr.ID() != 0x555 || fr.Len != 3 {
			t.Fatalf("unexpected frame: %s", fr.String())
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for socketcan frame")
	}
	if err := sink.SendFrame(frame); err != nil {
		t.Fatalf("send frame: %v", err)
	}
	dev.mu.Lock()
	filter := dev.filter
	dev.mu.Unlock()
	if filter != 4 {
		t.Fatalf("expected device filter for id 4, got %d", filter)
	}
	deadline := time.Now().Add(time.Second)
	for metrics.Snap().Errors == before.Errors && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	snap := metrics.Snap()
	if snap.SocketCANRx <= before.SocketCANRx {
		t.Fatalf("expected SocketCANRx to grow")
	}
	if snap.Errors == before.Errors {
		t.Fatalf("expected a read error after the frame")
	}
}
