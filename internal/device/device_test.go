package device

import (
	"bytes"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-megacan/internal/can"
	"github.com/kstaniek/go-megacan/internal/logging"
	"github.com/kstaniek/go-megacan/internal/msproto"
	"github.com/kstaniek/go-megacan/internal/ring"
)

const (
	myID   uint8 = 5
	hostID uint8 = 0
)

type sentFrame struct {
	fr   can.Frame
	wait bool
}

// fakeTransport hands out queued rx frames and records sends.
type fakeTransport struct {
	mu     sync.Mutex
	rx     []can.Frame
	sent   []sentFrame
	sendRC RetCode
}

func (f *fakeTransport) ReadAny(fr *can.Frame) RetCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.rx) == 0 {
		return RetNoMessage
	}
	*fr = f.rx[0]
	f.rx = f.rx[1:]
	return RetOK
}

func (f *fakeTransport) SendAny(fr can.Frame, wait bool) RetCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentFrame{fr: fr, wait: wait})
	return f.sendRC
}

func (f *fakeTransport) feed(frames ...can.Frame) {
	f.mu.Lock()
	f.rx = append(f.rx, frames...)
	f.mu.Unlock()
}

func (f *fakeTransport) takeSent() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

type storeCall struct {
	op     string
	table  uint8
	offset uint16
	data   []byte
}

// fakeStore serves table t as bytes t*16+i and records every call.
type fakeStore struct {
	calls   []storeCall
	readOK  bool
	writeOK bool
	burnOK  bool
}

func newFakeStore() *fakeStore { return &fakeStore{readOK: true, writeOK: true, burnOK: true} }

func (s *fakeStore) ReadFromTable(table uint8, offset uint16, out []byte) bool {
	s.calls = append(s.calls, storeCall{op: "read", table: table, offset: offset})
	if !s.readOK {
		out[0] = 0xEE // partial garbage must not leak into the reply
		return false
	}
	for i := range out {
		out[i] = table*16 + byte(offset) + byte(i)
	}
	return true
}

func (s *fakeStore) WriteToTable(table uint8, offset uint16, data []byte) bool {
	s.calls = append(s.calls, storeCall{op: "write", table: table, offset: offset, data: append([]byte(nil), data...)})
	return s.writeOK
}

func (s *fakeStore) BurnTable(table uint8) bool {
	s.calls = append(s.calls, storeCall{op: "burn", table: table})
	return s.burnOK
}

func (s *fakeStore) TableBlockingFactor() uint16 { return 0x0120 }
func (s *fakeStore) WriteBlockingFactor() uint16 { return 0x0040 }

func extFrame(h msproto.Header, payload []byte) can.Frame {
	return can.NewExtended(h.Encode(), payload)
}

func reqFrame(to, table uint8, off uint16, rsp msproto.ResponseDescriptor) can.Frame {
	p := msproto.EncodeResponseDescriptor(rsp)
	return extFrame(msproto.Header{Table: table, ToID: to, FromID: hostID, Type: msproto.MsgReq, Offset: off}, p[:])
}

func cmdFrame(to, table uint8, off uint16, data ...byte) can.Frame {
	return extFrame(msproto.Header{Table: table, ToID: to, FromID: hostID, Type: msproto.MsgCmd, Offset: off}, data)
}

func newTestDevice(t *testing.T, opts ...Option) (*Device, *fakeTransport, *fakeStore) {
	t.Helper()
	tr := &fakeTransport{}
	st := newFakeStore()
	base := []Option{
		WithTableStore(st),
		WithLogger(logging.Discard()),
		WithGuard(ring.NopGuard{}),
		WithIdentity("MSQ-GO signature 01", "go-megacan test revision"),
	}
	d, err := New(tr, myID, append(base, opts...)...)
	require.NoError(t, err)
	return d, tr, st
}

func run(d *Device, tr *fakeTransport, frames ...can.Frame) []sentFrame {
	tr.feed(frames...)
	d.OnInterrupt()
	d.Poll()
	return tr.takeSent()
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, 1)
	require.ErrorIs(t, err, ErrNilTransport)
	_, err = New(&fakeTransport{}, 16)
	require.ErrorIs(t, err, ErrInvalidID)
	_, err = New(&fakeTransport{}, 1, WithIdentity("123456789012345678901", ""))
	require.ErrorIs(t, err, ErrIdentityLength)
	long := make([]byte, msproto.MaxRevisionBytes+1)
	_, err = New(&fakeTransport{}, 1, WithIdentity("", string(long)))
	require.ErrorIs(t, err, ErrIdentityLength)
}

func TestRequestFromStore(t *testing.T) {
	d, tr, st := newTestDevice(t)
	rsp := msproto.ResponseDescriptor{Table: 7, Offset: 300, Length: 4}
	sent := run(d, tr, reqFrame(myID, 2, 10, rsp))
	require.Len(t, sent, 1)
	require.True(t, sent[0].wait)
	fr := sent[0].fr
	require.True(t, fr.IsExtended())
	h := msproto.DecodeHeader(fr.ID())
	require.Equal(t, msproto.Header{Table: 7, ToID: hostID, FromID: myID, Type: msproto.MsgRsp, Offset: 300}, h)
	require.Equal(t, []byte{42, 43, 44, 45}, fr.Payload())
	require.Equal(t, []storeCall{{op: "read", table: 2, offset: 10}}, st.calls)
	require.Zero(t, d.LogicErrors())
}

func TestRequestSignature(t *testing.T) {
	d, tr, st := newTestDevice(t)
	sig := "MSQ-GO signature 01"
	for l := uint8(0); l <= can.MaxDataLen; l++ {
		sent := run(d, tr, reqFrame(myID, msproto.TableSignature, 0, msproto.ResponseDescriptor{Length: l}))
		require.Len(t, sent, 1)
		require.Equal(t, []byte(sig[:l]), sent[0].fr.Payload(), "length %d", l)
	}
	// tail of the 20-byte field is the zero terminator
	sent := run(d, tr, reqFrame(myID, msproto.TableSignature, 16, msproto.ResponseDescriptor{Length: 4}))
	require.Equal(t, []byte(" 01\x00"), sent[0].fr.Payload())
	require.Empty(t, st.calls, "reserved table must not reach the store")
	require.Zero(t, d.LogicErrors())
}

func TestRequestSignatureOutOfBounds(t *testing.T) {
	d, tr, _ := newTestDevice(t)
	sent := run(d, tr, reqFrame(myID, msproto.TableSignature, 15, msproto.ResponseDescriptor{Length: 6}))
	require.Len(t, sent, 1)
	require.Equal(t, make([]byte, 6), sent[0].fr.Payload())
	require.Equal(t, uint8(1), d.LogicErrors())
}

func TestRequestRevision(t *testing.T) {
	d, tr, _ := newTestDevice(t)
	sent := run(d, tr, reqFrame(myID, msproto.TableRevision, 3, msproto.ResponseDescriptor{Length: 8}))
	require.Equal(t, []byte("megacan "), sent[0].fr.Payload())
	sent = run(d, tr, reqFrame(myID, msproto.TableRevision, 55, msproto.ResponseDescriptor{Length: 6}))
	require.Equal(t, make([]byte, 6), sent[0].fr.Payload())
}

func TestRequestStoreFailureZeroFills(t *testing.T) {
	d, tr, st := newTestDevice(t)
	st.readOK = false
	sent := run(d, tr, reqFrame(myID, 1, 0, msproto.ResponseDescriptor{Table: 3, Length: 3}))
	require.Len(t, sent, 1)
	require.Equal(t, []byte{0, 0, 0}, sent[0].fr.Payload())
	require.Equal(t, uint8(1), d.LogicErrors())
}

func TestRequestMalformed(t *testing.T) {
	d, tr, st := newTestDevice(t)
	// length field 12 cannot fit a classic frame
	sent := run(d, tr, reqFrame(myID, 1, 0, msproto.ResponseDescriptor{Length: 12}))
	require.Len(t, sent, 1)
	require.Equal(t, make([]byte, 8), sent[0].fr.Payload())

	short := extFrame(msproto.Header{Table: 1, ToID: myID, Type: msproto.MsgReq}, []byte{1})
	sent = run(d, tr, short)
	require.Len(t, sent, 1, "a response is never dropped")
	require.Empty(t, sent[0].fr.Payload())
	require.Empty(t, st.calls)
	require.Equal(t, uint8(2), d.LogicErrors())
}

func TestSimReqDropSkipsOnlyRequests(t *testing.T) {
	d, tr, st := newTestDevice(t)
	d.SimReqDrop(2)
	req := reqFrame(myID, 1, 0, msproto.ResponseDescriptor{Length: 1})
	sent := run(d, tr, req, cmdFrame(myID, 1, 4, 0xAB), req, req)
	require.Len(t, sent, 1, "only the third request is answered")
	require.Equal(t, []storeCall{
		{op: "write", table: 1, offset: 4, data: []byte{0xAB}},
		{op: "read", table: 1, offset: 0},
	}, st.calls)
	require.Zero(t, d.Stats().PendingDrops)
}

func TestForeignFramesNeverReachStore(t *testing.T) {
	d, tr, st := newTestDevice(t)
	other := myID + 1
	sent := run(d, tr,
		reqFrame(other, 1, 0, msproto.ResponseDescriptor{Length: 2}),
		cmdFrame(other, 1, 0, 1, 2),
		extFrame(msproto.Header{Table: 1, ToID: other, Type: msproto.MsgBurn}, nil),
	)
	require.Empty(t, sent)
	require.Empty(t, st.calls)
}

func TestForeignFramesWarnedOnce(t *testing.T) {
	var buf bytes.Buffer
	d, tr, _ := newTestDevice(t, WithLogger(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))))
	other := myID + 1
	run(d, tr,
		cmdFrame(other, 1, 0, 1),
		cmdFrame(other, 1, 1, 2),
		cmdFrame(other, 1, 2, 3),
	)
	require.Equal(t, 1, strings.Count(buf.String(), `"msg":"msg_not_for_me"`))
	require.Contains(t, buf.String(), `"level":"WARN"`)

	// the window expired: the next foreign frame warns with the skipped count
	d.notMineAt = d.notMineAt.Add(-2 * notMineWarnEvery)
	run(d, tr, cmdFrame(other, 1, 3, 4))
	require.Equal(t, 2, strings.Count(buf.String(), `"msg":"msg_not_for_me"`))
	require.Contains(t, buf.String(), `"suppressed":2`)
}

// poppingTransport lets the consumer release a slot between PushPrepare and
// CommitPush, as the poll goroutine can while the interrupt goroutine reads.
type poppingTransport struct {
	fakeTransport
	d *Device
}

func (p *poppingTransport) ReadAny(fr *can.Frame) RetCode {
	if p.d != nil && p.d.queue.IsFull() {
		p.d.queue.Pop()
	}
	return p.fakeTransport.ReadAny(fr)
}

func TestRxOverflowNotReplayedAfterConcurrentPop(t *testing.T) {
	tr := &poppingTransport{}
	st := newFakeStore()
	d, err := New(tr, myID,
		WithTableStore(st),
		WithLogger(logging.Discard()),
		WithGuard(ring.NopGuard{}),
		WithQueueCapacity(2))
	require.NoError(t, err)
	tr.feed(cmdFrame(myID, 1, 1, 1), cmdFrame(myID, 1, 2, 2))
	d.OnInterrupt()
	require.Equal(t, 2, d.Stats().QueueSize)

	tr.d = d
	tr.feed(cmdFrame(myID, 1, 3, 3))
	d.OnInterrupt()
	stats := d.Stats()
	require.Equal(t, uint8(1), stats.SWRxOverflow, "frame read while full is counted as dropped")
	require.Equal(t, 1, stats.QueueSize)

	tr.d = nil
	require.Equal(t, 1, d.Poll())
	require.Len(t, st.calls, 1)
	require.Equal(t, uint16(2), st.calls[0].offset, "the popped frame must not come back")
}

func TestBurnAck(t *testing.T) {
	for _, ok := range []bool{true, false} {
		d, tr, st := newTestDevice(t)
		st.burnOK = ok
		sent := run(d, tr, extFrame(msproto.Header{Table: 4, ToID: myID, FromID: 3, Type: msproto.MsgBurn, Offset: 9}, nil))
		require.Len(t, sent, 1)
		h := msproto.DecodeHeader(sent[0].fr.ID())
		require.Equal(t, msproto.Header{ToID: 3, FromID: myID, Type: msproto.MsgXtnd}, h)
		want := msproto.BurnAck(ok)
		require.Equal(t, want[:], sent[0].fr.Payload())
		require.Equal(t, []storeCall{{op: "burn", table: 4}}, st.calls)
	}
}

func TestCommandNoResponse(t *testing.T) {
	d, tr, st := newTestDevice(t)
	st.writeOK = false
	sent := run(d, tr, cmdFrame(myID, 2, 100, 1, 2, 3))
	require.Empty(t, sent)
	require.Len(t, st.calls, 1)
}

func protFrame(length uint8, payloadLen int) can.Frame {
	p := msproto.EncodeProtocolRequest(msproto.ProtocolRequest{VarBlock: 6, Offset: 77, Length: length})
	return extFrame(msproto.Header{ToID: myID, FromID: hostID, Type: msproto.MsgXtnd}, p[:payloadLen])
}

func TestProtocolNegotiation(t *testing.T) {
	d, tr, _ := newTestDevice(t)
	sent := run(d, tr, protFrame(1, 4))
	require.Len(t, sent, 1)
	require.Equal(t, []byte{msproto.SerialProtocolVersion}, sent[0].fr.Payload())
	h := msproto.DecodeHeader(sent[0].fr.ID())
	require.Equal(t, msproto.Header{Table: 6, ToID: hostID, FromID: myID, Type: msproto.MsgRsp, Offset: 77}, h)

	sent = run(d, tr, protFrame(5, 4))
	require.Equal(t, []byte{2, 0x01, 0x20, 0x00, 0x40}, sent[0].fr.Payload())
}

func TestProtocolNegotiationInvalid(t *testing.T) {
	d, tr, _ := newTestDevice(t)
	require.Empty(t, run(d, tr, protFrame(3, 4)))
	require.Empty(t, run(d, tr, protFrame(1, 3)))
	require.Empty(t, run(d, tr, extFrame(msproto.Header{ToID: myID, Type: msproto.MsgXtnd}, nil)))
	require.Empty(t, run(d, tr, extFrame(msproto.Header{ToID: myID, Type: msproto.MsgXtnd}, []byte{msproto.MsgWCR})))
	require.Equal(t, uint8(3), d.LogicErrors())
}

func TestDefaultStore(t *testing.T) {
	tr := &fakeTransport{}
	d, err := New(tr, myID, WithLogger(logging.Discard()))
	require.NoError(t, err)
	sent := run(d, tr, protFrame(5, 4))
	require.Equal(t, []byte{2, 0, 1, 0, 1}, sent[0].fr.Payload())
	sent = run(d, tr, reqFrame(myID, 1, 0, msproto.ResponseDescriptor{Length: 2}))
	require.Equal(t, []byte{0, 0}, sent[0].fr.Payload())
	sent = run(d, tr, extFrame(msproto.Header{Table: 1, ToID: myID, Type: msproto.MsgBurn}, nil))
	require.Equal(t, []byte{msproto.MsgBurnAck, 0}, sent[0].fr.Payload())
}

func TestRxOverflow(t *testing.T) {
	d, tr, st := newTestDevice(t, WithQueueCapacity(2))
	tr.feed(
		cmdFrame(myID, 1, 0, 1),
		cmdFrame(myID, 1, 1, 2),
		cmdFrame(myID, 1, 2, 3),
	)
	d.OnInterrupt()
	stats := d.Stats()
	require.Equal(t, 2, stats.QueueSize)
	require.Equal(t, uint8(1), stats.SWRxOverflow)
	require.Equal(t, StatusRxOverflow, stats.Status&StatusRxOverflow)
	require.Equal(t, 2, d.Poll())
	require.Len(t, st.calls, 2)
	require.Equal(t, uint16(0), st.calls[0].offset)
	require.Equal(t, uint16(1), st.calls[1].offset)

	d.ResetErrorCounters()
	require.Zero(t, d.Stats().SWRxOverflow)
	require.Equal(t, StatusRxOverflow, d.Status(), "status survives counter reset")
	d.ResetStatus()
	require.Zero(t, d.Status())
}

func TestStandardFramesQueuedOrImmediate(t *testing.T) {
	var mu sync.Mutex
	var got []uint32
	h := BroadcastFunc(func(id uint32, data []byte) {
		mu.Lock()
		got = append(got, id)
		mu.Unlock()
	})
	std := can.NewStandard(msproto.Msg00ID, []byte{0, 1, 2, 3, 4, 5, 6, 7})

	d, tr, _ := newTestDevice(t, WithBroadcastHandler(h))
	tr.feed(std)
	d.OnInterrupt()
	require.Empty(t, got, "queued until poll")
	require.Equal(t, 1, d.Poll())
	require.Equal(t, []uint32{msproto.Msg00ID}, got)

	got = nil
	d, tr, _ = newTestDevice(t, WithBroadcastHandler(h), WithImmediateStandard(true), WithQueueCapacity(1))
	tr.feed(std, std, std)
	d.OnInterrupt()
	require.Len(t, got, 3)
	require.Zero(t, d.Stats().QueueSize)
	require.Zero(t, d.Stats().SWRxOverflow)
}

func TestSendFailureAccounting(t *testing.T) {
	d, tr, _ := newTestDevice(t)
	tr.sendRC = RetSendTimeout
	sent := run(d, tr, reqFrame(myID, 1, 0, msproto.ResponseDescriptor{Length: 1}))
	require.Len(t, sent, 1)
	require.Equal(t, uint8(1), d.LogicErrors())
	require.Equal(t, StatusTxFailed, d.Status()&StatusTxFailed)

	tr.sendRC = RetBufferBusy
	require.False(t, d.SendStandard(0x600, []byte{1}))
	require.Equal(t, uint8(2), d.LogicErrors())
	sent = tr.takeSent()
	require.False(t, sent[0].wait)

	d.ResetErrorCounters()
	require.Zero(t, d.LogicErrors())
}

func TestCountersSaturate(t *testing.T) {
	d, tr, _ := newTestDevice(t)
	tr.sendRC = RetBufferBusy
	for i := 0; i < 300; i++ {
		d.SendStandard(1, nil)
		d.NoteHWOverflow(Mailbox0)
	}
	d.NoteHWOverflow(Mailbox1)
	d.NoteHWOverflow(7)
	st := d.Stats()
	require.Equal(t, uint8(0xFF), st.LogicErrors)
	require.Equal(t, uint8(0xFF), st.HWRx0Overflow)
	require.Equal(t, uint8(1), st.HWRx1Overflow)
}

func TestUnsupportedTypeIgnored(t *testing.T) {
	d, tr, st := newTestDevice(t)
	sent := run(d, tr, extFrame(msproto.Header{ToID: myID, Type: msproto.MsgOutMsgReq}, []byte{1}))
	require.Empty(t, sent)
	require.Empty(t, st.calls)
}

func TestConcurrentInterruptAndPoll(t *testing.T) {
	tr := &fakeTransport{}
	st := newFakeStore()
	d, err := New(tr, myID, WithTableStore(st), WithLogger(logging.Discard()), WithQueueCapacity(4))
	require.NoError(t, err)
	const total = 500
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			for d.Stats().QueueSize == d.Stats().QueueCapacity {
				runtime.Gosched()
			}
			tr.feed(cmdFrame(myID, 1, uint16(i), byte(i)))
			d.OnInterrupt()
		}
	}()
	handled := 0
	for finished := false; !finished; {
		select {
		case <-done:
			finished = true
		default:
		}
		handled += d.Poll()
	}
	require.Equal(t, total, handled)
	require.Zero(t, d.Stats().SWRxOverflow)
	for i, c := range st.calls {
		require.Equal(t, uint16(i), c.offset, "frames handled in arrival order")
	}
}

func TestRetCodeString(t *testing.T) {
	require.Equal(t, "send_timeout", RetSendTimeout.String())
	require.Equal(t, "retcode(42)", RetCode(42).String())
}
