// Package bus connects the protocol engine to a frame backend. A Port plays
// the role of a CAN controller: received frames land in two receive
// mailboxes and raise an interrupt, and replies go out through the backend's
// transmit queue.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kstaniek/go-megacan/internal/can"
	"github.com/kstaniek/go-megacan/internal/device"
	"github.com/kstaniek/go-megacan/internal/logging"
	"github.com/kstaniek/go-megacan/internal/transport"
)

// Sink is a backend transmit queue.
type Sink interface {
	SendFrame(can.Frame) error
	SendFrameWait(context.Context, can.Frame) error
}

// Interrupter is the engine side of a Port; *device.Device implements it.
type Interrupter interface {
	OnInterrupt()
	NoteHWOverflow(mailbox int)
}

const (
	DefaultMailboxSize = 32
	DefaultSendTimeout = 100 * time.Millisecond
)

// Port implements device.Transport. Deliver may be called from any number
// of receive goroutines; Run is the single interrupt goroutine.
type Port struct {
	ctx         context.Context
	log         *slog.Logger
	sink        Sink
	irq         Interrupter
	tap         func(can.Frame)
	sendTimeout time.Duration
	mailboxSize int

	rx      [2]chan can.Frame
	pending chan struct{}
	wake    chan struct{}
}

type Option func(*Port)

func WithMailboxSize(n int) Option {
	return func(p *Port) {
		if n > 0 {
			p.mailboxSize = n
		}
	}
}

// WithSendTimeout bounds a waiting send.
func WithSendTimeout(d time.Duration) Option {
	return func(p *Port) {
		if d > 0 {
			p.sendTimeout = d
		}
	}
}

// WithTap is called with every frame the Port sent successfully.
func WithTap(fn func(can.Frame)) Option { return func(p *Port) { p.tap = fn } }

func WithLogger(l *slog.Logger) Option {
	return func(p *Port) {
		if l != nil {
			p.log = l
		}
	}
}

// NewPort returns a Port with no backend and no engine attached; call
// Attach and Connect before Run.
func NewPort(ctx context.Context, opts ...Option) *Port {
	p := &Port{
		ctx:         ctx,
		log:         logging.L(),
		sendTimeout: DefaultSendTimeout,
		mailboxSize: DefaultMailboxSize,
		pending:     make(chan struct{}, 1),
		wake:        make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(p)
	}
	p.rx[0] = make(chan can.Frame, p.mailboxSize)
	p.rx[1] = make(chan can.Frame, p.mailboxSize)
	return p
}

// Attach sets the engine that receives interrupts.
func (p *Port) Attach(irq Interrupter) { p.irq = irq }

// Connect sets the backend transmit queue.
func (p *Port) Connect(s Sink) { p.sink = s }

// Wake fires after each interrupt so the poll loop can run promptly.
func (p *Port) Wake() <-chan struct{} { return p.wake }

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Deliver stores fr in mailbox 0, rolling over to mailbox 1 when it is full,
// and raises the interrupt. A frame finding both mailboxes full is lost and
// reported as a mailbox 1 overflow. It never blocks.
func (p *Port) Deliver(fr can.Frame) {
	select {
	case p.rx[0] <- fr:
	default:
		select {
		case p.rx[1] <- fr:
		default:
			if p.irq != nil {
				p.irq.NoteHWOverflow(device.Mailbox1)
			}
			p.log.Debug("rx_mailbox_overflow", "frame", fr.String())
		}
	}
	signal(p.pending)
}

// Run services interrupts until ctx is done.
func (p *Port) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.pending:
			if p.irq != nil {
				p.irq.OnInterrupt()
			}
			signal(p.wake)
		}
	}
}

// ReadAny moves the oldest mailbox frame into fr.
func (p *Port) ReadAny(fr *can.Frame) device.RetCode {
	for i := range p.rx {
		select {
		case *fr = <-p.rx[i]:
			return device.RetOK
		default:
		}
	}
	return device.RetNoMessage
}

// SendAny transmits fr. With wait it blocks until the backend wrote the frame
// or the send timeout passed.
func (p *Port) SendAny(fr can.Frame, wait bool) device.RetCode {
	if p.sink == nil {
		return device.RetBufferBusy
	}
	if err := fr.Validate(); err != nil {
		p.log.Error("tx_invalid_frame", "error", err)
		return device.RetInvalidArg
	}
	var err error
	if wait {
		ctx, cancel := context.WithTimeout(p.ctx, p.sendTimeout)
		err = p.sink.SendFrameWait(ctx, fr)
		cancel()
	} else {
		err = p.sink.SendFrame(fr)
	}
	rc := retCode(err, wait)
	if rc == device.RetOK && p.tap != nil {
		p.tap(fr)
	}
	if rc != device.RetOK {
		p.log.Debug("tx_failed", "rc", rc.String(), "error", err, "wait", wait)
	}
	return rc
}

// retCode maps a queue error to the controller's codes: no room to queue is
// BufferBusy, anything failing after queueing is SendTimeout.
func retCode(err error, wait bool) device.RetCode {
	switch {
	case err == nil:
		return device.RetOK
	case !wait, errors.Is(err, transport.ErrTxBusy), errors.Is(err, transport.ErrAsyncTxClosed):
		return device.RetBufferBusy
	default:
		return device.RetSendTimeout
	}
}
