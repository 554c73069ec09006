package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-megacan/internal/can"
	"github.com/kstaniek/go-megacan/internal/client"
	"github.com/kstaniek/go-megacan/internal/msproto"
	"github.com/kstaniek/go-megacan/internal/serial"
	"github.com/kstaniek/go-megacan/internal/telemetry"
)

func startApp(t *testing.T, mod func(*appConfig)) *app {
	t.Helper()
	cfg := validConfig()
	cfg.backend = backendTCP
	cfg.listenAddr = "127.0.0.1:0"
	cfg.flashFile = filepath.Join(t.TempDir(), "flash.bin")
	if mod != nil {
		mod(cfg)
	}
	a, err := start(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(a.stop)
	select {
	case <-a.srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}
	return a
}

func dialPeer(t *testing.T, a *app) client.Conn {
	t.Helper()
	conn, err := client.DialCannelloni(context.Background(), a.srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// awaitPeers waits until the hub has registered n peers.
func awaitPeers(t *testing.T, a *app, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for a.hub.Count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("hub has %d peers, want %d", a.hub.Count(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// awaitFrame receives until match accepts a frame or the timeout expires.
func awaitFrame(t *testing.T, conn client.Conn, match func(can.Frame) bool) can.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		fr, err := conn.Receive(ctx)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if match(fr) {
			return fr
		}
	}
}

func TestVirtualBusServesDevice(t *testing.T) {
	a := startApp(t, nil)
	c := client.New(dialPeer(t, a), 1, client.WithTimeout(time.Second), client.WithLogger(testLogger()))
	ctx := context.Background()

	sig, err := c.Signature(ctx)
	if err != nil || sig != "MS2Extra go-megacan" {
		t.Fatalf("signature %q: %v", sig, err)
	}
	if err := c.Write(ctx, 2, 4, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := c.Read(ctx, 2, 4, 3)
	if err != nil || string(got) != "\x01\x02\x03" {
		t.Fatalf("read back %x: %v", got, err)
	}
	ok, err := c.Burn(ctx, 2)
	if err != nil || !ok {
		t.Fatalf("burn: %v %v", ok, err)
	}

	a.stop()
	img, err := os.ReadFile(a.cfg.flashFile)
	if err != nil {
		t.Fatalf("read flash image: %v", err)
	}
	// table 2 lives at flash offset 512
	if string(img[516:519]) != "\x01\x02\x03" {
		t.Fatalf("burned bytes not persisted: %x", img[512:520])
	}
}

func TestVirtualBusRelaysBetweenPeers(t *testing.T) {
	a := startApp(t, nil)
	p1, p2 := dialPeer(t, a), dialPeer(t, a)
	// both peers are registered once the device's realtime groups reach them
	isRT := func(fr can.Frame) bool { return !fr.IsExtended() && fr.ID() == msproto.Msg00ID }
	awaitFrame(t, p1, isRT)
	awaitFrame(t, p2, isRT)

	sent := can.NewStandard(0x321, []byte{9, 8})
	if err := p1.Send(context.Background(), sent); err != nil {
		t.Fatalf("send: %v", err)
	}
	fr := awaitFrame(t, p2, func(fr can.Frame) bool { return fr.ID() == 0x321 })
	if fr.Len != 2 || fr.Data[0] != 9 {
		t.Fatalf("unexpected relay %s", fr.String())
	}
}

func TestRealtimeGroupsFromSourceTable(t *testing.T) {
	a := startApp(t, nil)
	peer := dialPeer(t, a)
	c := client.New(peer, 1, client.WithTimeout(time.Second), client.WithLogger(testLogger()))
	// group 2 comes from bytes 16..23 of the RAM source table
	if err := c.Write(context.Background(), 0, 16, []byte{0x03, 0xE8}); err != nil {
		t.Fatalf("write: %v", err)
	}
	awaitFrame(t, peer, func(fr can.Frame) bool {
		return !fr.IsExtended() && fr.ID() == msproto.Msg02ID && fr.Data[0] == 0x03 && fr.Data[1] == 0xE8
	})
}

func TestStatsDocumentIncludesPeers(t *testing.T) {
	a := startApp(t, nil)
	dialPeer(t, a)
	awaitPeers(t, a, 1)
	b, err := json.Marshal(a.stats())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var doc struct {
		MsqID uint8 `json:"msq_id"`
		Peers struct {
			Peers     int    `json:"peers"`
			Connected uint64 `json:"connected"`
		} `json:"peers"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.MsqID != 1 || doc.Peers.Peers != 1 || doc.Peers.Connected != 1 {
		t.Fatalf("unexpected stats document %s", b)
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics map[string][]byte
}

func (p *recordingPublisher) Publish(topic string, _ byte, _ bool, payload []byte) error {
	p.mu.Lock()
	p.topics[topic] = append([]byte(nil), payload...)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) get(topic string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.topics[topic]
	return b, ok
}

func TestListenerForwardsTelemetry(t *testing.T) {
	pub := &recordingPublisher{topics: map[string][]byte{}}
	dialMQTT = func(string, time.Duration) (telemetry.Publisher, func(), string, error) {
		return pub, func() {}, "test/", nil
	}
	t.Cleanup(func() {
		dialMQTT = func(url string, timeout time.Duration) (telemetry.Publisher, func(), string, error) {
			m, prefix, err := telemetry.Dial(url, timeout)
			if err != nil {
				return nil, nil, "", err
			}
			return m, func() { _ = m.Close() }, prefix, nil
		}
	})
	a := startApp(t, func(c *appConfig) {
		c.mqttURL = "mqtt://broker.invalid"
		c.mqttInterval = 10 * time.Millisecond
	})
	peer := dialPeer(t, a)
	// MSG00: seconds, pw1, pw2, rpm
	rt := can.NewStandard(msproto.Msg00ID, []byte{0, 1, 0, 0, 0, 0, 0x0B, 0xB8})
	if err := peer.Send(context.Background(), rt); err != nil {
		t.Fatalf("send: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b, ok := pub.get("test/engine"); ok {
			var eng struct {
				RPM uint16 `json:"rpm"`
			}
			if err := json.Unmarshal(b, &eng); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if eng.RPM == 3000 {
				if a.node.listener.Engine().RPM != 3000 {
					t.Fatalf("listener state not updated")
				}
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("engine telemetry not published")
}

// chanPort feeds gateway bytes from a channel.
type chanPort struct {
	fakeSerialPort
	in chan []byte
}

func (p *chanPort) Read(b []byte) (int, error) {
	select {
	case chunk := <-p.in:
		return copy(b, chunk), nil
	case <-time.After(10 * time.Millisecond):
		return 0, nil
	}
}

func TestSerialBridgeAnswersAndMirrors(t *testing.T) {
	port := &chanPort{in: make(chan []byte, 4)}
	withSerialPort(t, port)
	a := startApp(t, func(c *appConfig) { c.backend = backendSerial })
	peer := dialPeer(t, a)
	awaitPeers(t, a, 1)

	req := msproto.Header{Table: msproto.TableSignature, ToID: 1, FromID: 0, Type: msproto.MsgReq, Offset: 0}
	desc := msproto.ResponseDescriptor{Table: 7, Offset: 0, Length: 2}
	port.in <- gatewayRx(can.NewExtended(req.Encode(), desc.AppendTo(nil)))

	// the request itself is mirrored to peers
	awaitFrame(t, peer, func(fr can.Frame) bool { return fr.IsExtended() && fr.ID() == req.Encode() })
	// and so is the device's reply
	rsp := awaitFrame(t, peer, func(fr can.Frame) bool {
		if !fr.IsExtended() {
			return false
		}
		h := msproto.DecodeHeader(fr.ID())
		return h.Type == msproto.MsgRsp && h.FromID == 1
	})
	if string(rsp.Payload()) != "MS" {
		t.Fatalf("unexpected reply payload %q", rsp.Payload())
	}
	deadline := time.Now().Add(time.Second)
	for port.writes() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if port.writes() == 0 {
		t.Fatal("reply not written to the gateway")
	}
	if _, err := serial.Encode(rsp); err != nil {
		t.Fatalf("reply not encodable for the gateway: %v", err)
	}
}
