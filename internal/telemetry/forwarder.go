package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/kstaniek/go-megacan/internal/broadcast"
	"github.com/kstaniek/go-megacan/internal/logging"
	"github.com/kstaniek/go-megacan/internal/metrics"
)

const (
	DefaultInterval      = 200 * time.Millisecond
	DefaultStatsInterval = 10 * time.Second

	topicEngine = "engine"
	topicStats  = "stats"
)

// Forwarder coalesces realtime updates and publishes the newest engine
// snapshot at most once per interval. Device statistics are published on
// their own slower tick.
type Forwarder struct {
	pub           Publisher
	prefix        string
	log           *slog.Logger
	interval      time.Duration
	statsInterval time.Duration
	stats         func() any
	qos           byte
}

type Option func(*Forwarder)

func WithLogger(l *slog.Logger) Option {
	return func(f *Forwarder) {
		if l != nil {
			f.log = l
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.interval = d
		}
	}
}

// WithStats publishes fn's result as JSON every d.
func WithStats(fn func() any, d time.Duration) Option {
	return func(f *Forwarder) {
		f.stats = fn
		if d > 0 {
			f.statsInterval = d
		}
	}
}

func WithQoS(q byte) Option { return func(f *Forwarder) { f.qos = q } }

// NewForwarder publishes under prefix, which should end with a slash.
func NewForwarder(pub Publisher, prefix string, opts ...Option) *Forwarder {
	f := &Forwarder{
		pub:           pub,
		prefix:        prefix,
		log:           logging.L(),
		interval:      DefaultInterval,
		statsInterval: DefaultStatsInterval,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Run consumes updates until ctx is done or in is closed.
func (f *Forwarder) Run(ctx context.Context, in <-chan broadcast.Update) {
	t := time.NewTicker(f.interval)
	defer t.Stop()
	var statsC <-chan time.Time
	if f.stats != nil {
		st := time.NewTicker(f.statsInterval)
		defer st.Stop()
		statsC = st.C
	}
	var (
		latest broadcast.Engine
		dirty  bool
	)
	f.log.Info("telemetry_start", "prefix", f.prefix, "interval", f.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-in:
			if !ok {
				if dirty {
					f.publish(topicEngine, latest)
				}
				return
			}
			latest, dirty = u.Engine, true
		case <-t.C:
			if dirty {
				f.publish(topicEngine, latest)
				dirty = false
			}
		case <-statsC:
			f.publish(topicStats, f.stats())
		}
	}
}

func (f *Forwarder) publish(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		metrics.IncError(metrics.ErrTelemetry)
		f.log.Error("telemetry_encode", "topic", topic, "error", err)
		return
	}
	if err := f.pub.Publish(f.prefix+topic, f.qos, false, payload); err != nil {
		metrics.IncError(metrics.ErrTelemetry)
		f.log.Warn("telemetry_publish_failed", "topic", topic, "error", err)
		return
	}
	metrics.IncTelemetry()
}
