// Package device implements the Megasquirt CAN protocol engine: it drains
// the transport into a receive queue from the interrupt goroutine, then
// answers table requests, applies commands and burns from the poll goroutine.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-megacan/internal/can"
	"github.com/kstaniek/go-megacan/internal/logging"
	"github.com/kstaniek/go-megacan/internal/metrics"
	"github.com/kstaniek/go-megacan/internal/msproto"
	"github.com/kstaniek/go-megacan/internal/ring"
)

// Status bits, sticky until ResetStatus.
const (
	StatusRxOverflow uint32 = 0x1
	StatusTxFailed   uint32 = 0x2
)

// Hardware receive mailboxes reported through NoteHWOverflow.
const (
	Mailbox0 = 0
	Mailbox1 = 1
)

// notMineWarnEvery bounds how often foreign frames are warned about.
const notMineWarnEvery = time.Second

var (
	ErrInvalidID      = errors.New("device: msq id out of range")
	ErrNilTransport   = errors.New("device: nil transport")
	ErrIdentityLength = errors.New("device: identity string too long")
)

// counter saturates at 255.
type counter struct{ v atomic.Uint32 }

func (c *counter) inc() {
	for {
		old := c.v.Load()
		if old >= 0xFF {
			return
		}
		if c.v.CompareAndSwap(old, old+1) {
			return
		}
	}
}

func (c *counter) load() uint8 { return uint8(c.v.Load()) }
func (c *counter) reset()      { c.v.Store(0) }

// Stats is a point-in-time copy of the engine counters.
type Stats struct {
	LogicErrors   uint8
	SWRxOverflow  uint8
	HWRx0Overflow uint8
	HWRx1Overflow uint8
	Status        uint32
	QueueSize     int
	QueueCapacity int
	PendingDrops  uint32
}

// Device is a Megasquirt CAN node. OnInterrupt is the only method meant for
// the interrupt goroutine; everything else belongs to the poll goroutine
// unless documented otherwise.
type Device struct {
	tr        Transport
	id        uint8
	store     TableStore
	bcast     BroadcastHandler
	log       *slog.Logger
	guard     ring.Guard
	queue     *ring.Queue
	queueCap  int
	immediate bool

	signature string
	revision  string
	sig       [msproto.MaxSignatureBytes]byte
	rev       [msproto.MaxRevisionBytes]byte

	status     atomic.Uint32
	logicErrs  counter
	swOverflow counter
	hwOverflow [2]counter
	reqDrops   atomic.Uint32

	// reused by the poll goroutine for every reply
	txBuf [can.MaxDataLen]byte

	notMineAt   time.Time
	notMineSkip int
}

// New builds a device answering to msqID (0..15) on tr.
func New(tr Transport, msqID uint8, opts ...Option) (*Device, error) {
	if tr == nil {
		return nil, ErrNilTransport
	}
	if msqID > msproto.MaxID {
		return nil, fmt.Errorf("%w: %d", ErrInvalidID, msqID)
	}
	d := &Device{
		tr:       tr,
		id:       msqID,
		bcast:    nopBroadcast{},
		log:      logging.L(),
		queueCap: ring.DefaultCapacity,
	}
	for _, o := range opts {
		o(d)
	}
	if d.store == nil {
		d.store = &UnimplementedStore{Logger: d.log}
	}
	if len(d.signature) > msproto.MaxSignatureBytes {
		return nil, fmt.Errorf("%w: signature is %d bytes, max %d", ErrIdentityLength, len(d.signature), msproto.MaxSignatureBytes)
	}
	if len(d.revision) > msproto.MaxRevisionBytes {
		return nil, fmt.Errorf("%w: revision is %d bytes, max %d", ErrIdentityLength, len(d.revision), msproto.MaxRevisionBytes)
	}
	copy(d.sig[:], d.signature)
	copy(d.rev[:], d.revision)
	d.queue = ring.New(d.queueCap, d.guard)
	d.log.Info("device_init", "msq_id", msqID, "queue", d.queueCap, "immediate_standard", d.immediate)
	return d, nil
}

// ID returns the device's MSQ id.
func (d *Device) ID() uint8 { return d.id }

// OnInterrupt drains every pending frame from the transport into the receive
// queue. Standard frames go straight to the broadcast handler when immediate
// dispatch is enabled. It never blocks and never touches the table store.
func (d *Device) OnInterrupt() {
	for {
		slot := d.queue.PushPrepare()
		if d.tr.ReadAny(slot) != RetOK {
			return
		}
		if d.immediate && !slot.IsExtended() {
			metrics.IncDeviceFrame(metrics.FrameImmed)
			d.bcast.HandleStandard(slot.ID(), slot.Payload())
			continue
		}
		if !d.queue.CommitPush() {
			d.status.Or(StatusRxOverflow)
			d.swOverflow.inc()
			metrics.IncRxOverflow()
		}
	}
}

// Poll handles every queued frame and returns how many were processed.
func (d *Device) Poll() int {
	n := 0
	for {
		fr := d.queue.PeekFront()
		if fr == nil {
			break
		}
		d.dispatch(fr)
		d.queue.Pop()
		n++
	}
	metrics.SetQueueDepth(d.queue.Size())
	return n
}

func (d *Device) dispatch(fr *can.Frame) {
	if !fr.IsExtended() {
		metrics.IncDeviceFrame(metrics.FrameStandard)
		d.bcast.HandleStandard(fr.ID(), fr.Payload())
		return
	}
	h := msproto.DecodeHeader(fr.ID())
	if h.ToID != d.id {
		metrics.IncDeviceFrame(metrics.FrameNotMine)
		d.warnNotMine(h)
		return
	}
	metrics.IncDeviceFrame(metrics.FrameExtended)
	d.handleExtended(h, fr.Payload())
}

// warnNotMine logs a discarded foreign frame, at most once per
// notMineWarnEvery; the others are counted into the next warning.
func (d *Device) warnNotMine(h msproto.Header) {
	now := time.Now()
	if !d.notMineAt.IsZero() && now.Sub(d.notMineAt) < notMineWarnEvery {
		d.notMineSkip++
		return
	}
	d.log.Warn("msg_not_for_me", "to_id", h.ToID, "my_id", d.id, "type", msproto.TypeName(h.Type), "suppressed", d.notMineSkip)
	d.notMineAt, d.notMineSkip = now, 0
}

func (d *Device) handleExtended(h msproto.Header, data []byte) {
	d.log.Debug("ext_msg", "hdr", h, "len", len(data))
	metrics.IncDeviceMessage(msproto.TypeName(h.Type))
	switch h.Type {
	case msproto.MsgCmd:
		if !d.store.WriteToTable(h.Table, h.Offset, data) {
			d.log.Warn("cmd_write_failed", "table", h.Table, "offset", h.Offset, "len", len(data))
		}
	case msproto.MsgReq:
		if d.takeDrop() {
			d.log.Debug("req_dropped", "table", h.Table, "offset", h.Offset)
			return
		}
		d.handleRequest(h, data)
	case msproto.MsgBurn:
		ok := d.store.BurnTable(h.Table)
		metrics.IncBurn(ok)
		if !ok {
			d.log.Warn("burn_failed", "table", h.Table)
		}
		d.sendBurnAck(h, ok)
	case msproto.MsgXtnd:
		d.handleXtnd(h, data)
	default:
		metrics.IncError(metrics.ErrProtocol)
		d.log.Error("unsupported_msg_type", "type", h.Type, "from_id", h.FromID)
	}
}

func (d *Device) takeDrop() bool {
	for {
		n := d.reqDrops.Load()
		if n == 0 {
			return false
		}
		if d.reqDrops.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// send transmits fr and waits for completion. A failed send counts as a
// logic error and sets StatusTxFailed.
func (d *Device) send(fr can.Frame) bool {
	rc := d.tr.SendAny(fr, true)
	if rc == RetOK {
		return true
	}
	d.logicErrs.inc()
	d.status.Or(StatusTxFailed)
	metrics.IncTxFailure()
	d.log.Error("send_failed", "rc", rc.String(), "frame", fr.String())
	return false
}

// SendStandard transmits an unaddressed 11-bit frame without waiting for
// completion. Failures are accounted like protocol replies.
func (d *Device) SendStandard(id uint32, data []byte) bool {
	fr := can.NewStandard(id, data)
	rc := d.tr.SendAny(fr, false)
	if rc == RetOK {
		return true
	}
	d.logicErrs.inc()
	d.status.Or(StatusTxFailed)
	metrics.IncTxFailure()
	d.log.Debug("send_standard_failed", "rc", rc.String(), "id", id)
	return false
}

// NoteHWOverflow records a frame lost by receive mailbox 0 or 1 before it
// reached OnInterrupt. Safe from any goroutine.
func (d *Device) NoteHWOverflow(mailbox int) {
	switch mailbox {
	case Mailbox0:
		d.hwOverflow[0].inc()
		metrics.IncHWOverflow("rx0")
	case Mailbox1:
		d.hwOverflow[1].inc()
		metrics.IncHWOverflow("rx1")
	default:
		return
	}
	d.status.Or(StatusRxOverflow)
}

// ResetErrorCounters zeroes the logic, software and hardware overflow
// counters. Safe from any goroutine.
func (d *Device) ResetErrorCounters() {
	d.logicErrs.reset()
	d.swOverflow.reset()
	d.hwOverflow[0].reset()
	d.hwOverflow[1].reset()
}

// ResetStatus clears the sticky status bits.
func (d *Device) ResetStatus() { d.status.Store(0) }

// SimReqDrop makes the next n requests go unanswered. Commands, burns and
// extended messages are unaffected. Safe from any goroutine.
func (d *Device) SimReqDrop(n uint8) { d.reqDrops.Store(uint32(n)) }

func (d *Device) Status() uint32 { return d.status.Load() }

func (d *Device) LogicErrors() uint8 { return d.logicErrs.load() }

func (d *Device) Stats() Stats {
	return Stats{
		LogicErrors:   d.logicErrs.load(),
		SWRxOverflow:  d.swOverflow.load(),
		HWRx0Overflow: d.hwOverflow[0].load(),
		HWRx1Overflow: d.hwOverflow[1].load(),
		Status:        d.status.Load(),
		QueueSize:     d.queue.Size(),
		QueueCapacity: d.queue.Capacity(),
		PendingDrops:  d.reqDrops.Load(),
	}
}
