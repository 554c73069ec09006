package device

import (
	"log/slog"

	"github.com/kstaniek/go-megacan/internal/ring"
)

type Option func(*Device)

// WithTableStore sets the store serving table reads, writes and burns.
func WithTableStore(s TableStore) Option {
	return func(d *Device) {
		if s != nil {
			d.store = s
		}
	}
}

func WithBroadcastHandler(h BroadcastHandler) Option {
	return func(d *Device) {
		if h != nil {
			d.bcast = h
		}
	}
}

func WithQueueCapacity(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.queueCap = n
		}
	}
}

// WithGuard sets the critical-section guard of the receive queue. The
// default is a mutex, correct when OnInterrupt and Poll run on different
// goroutines.
func WithGuard(g ring.Guard) Option { return func(d *Device) { d.guard = g } }

// WithImmediateStandard makes OnInterrupt hand standard frames to the
// broadcast handler directly instead of queueing them.
func WithImmediateStandard(on bool) Option { return func(d *Device) { d.immediate = on } }

// WithIdentity sets the signature and revision strings served from the
// reserved tables. New fails if either exceeds its maximum length.
func WithIdentity(signature, revision string) Option {
	return func(d *Device) {
		d.signature = signature
		d.revision = revision
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.log = l
		}
	}
}
