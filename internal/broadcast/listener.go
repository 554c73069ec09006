package broadcast

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-megacan/internal/logging"
	"github.com/kstaniek/go-megacan/internal/msproto"
)

// Engine is the latest realtime engine data seen on the bus. Fields of
// MSG02 and MSG03 are in tenths of their unit.
type Engine struct {
	Seconds uint16 `json:"seconds"`
	PW1     uint16 `json:"pw1_us"`
	PW2     uint16 `json:"pw2_us"`
	RPM     uint16 `json:"rpm"`

	Baro int16 `json:"baro"`
	MAP  int16 `json:"map"`
	MAT  int16 `json:"mat"`
	CLT  int16 `json:"clt"`

	TPS  int16 `json:"tps"`
	Batt int16 `json:"batt"`
	AFR1 int16 `json:"afr1"`
	AFR2 int16 `json:"afr2"`

	Status [8]byte `json:"status"`

	Updated time.Time `json:"updated"`
}

// Tenths converts a tenths-scaled value to its unit.
func Tenths(v int16) float64 { return float64(v) / 10 }

// Update is delivered to the forwarder after each decoded frame.
type Update struct {
	ID     uint32
	Engine Engine
}

// Listener is a device broadcast handler that decodes the realtime groups.
// HandleStandard may run on the interrupt goroutine; readers use Engine and
// Latest from any goroutine.
type Listener struct {
	log  *slog.Logger
	now  func() time.Time
	base uint32

	mu     sync.RWMutex
	eng    Engine
	latest [NumGroups][]byte

	fwd     chan<- Update
	dropped atomic.Uint64
}

type ListenerOption func(*Listener)

func WithListenerLogger(l *slog.Logger) ListenerOption {
	return func(li *Listener) {
		if l != nil {
			li.log = l
		}
	}
}

// WithForwarder delivers an Update after each decoded frame. Sends never
// block; a full channel drops the update.
func WithForwarder(ch chan<- Update) ListenerOption {
	return func(li *Listener) { li.fwd = ch }
}

// WithBaseID overrides the first realtime identifier.
func WithBaseID(id uint32) ListenerOption { return func(li *Listener) { li.base = id } }

func NewListener(opts ...ListenerOption) *Listener {
	li := &Listener{log: logging.L(), now: time.Now, base: msproto.BroadcastBaseID}
	for _, o := range opts {
		o(li)
	}
	return li
}

func be16(b []byte, i int) int16 { return int16(binary.BigEndian.Uint16(b[2*i:])) }

func (li *Listener) HandleStandard(id uint32, data []byte) {
	if id < li.base || id >= li.base+NumGroups {
		li.log.Warn("rt_msg_unsupported", "id", id)
		return
	}
	group := id - li.base
	li.mu.Lock()
	if li.latest[group] == nil {
		li.latest[group] = make([]byte, 0, 8)
	}
	li.latest[group] = append(li.latest[group][:0], data...)
	decoded := true
	switch {
	case group == 0 && len(data) >= 8:
		li.eng.Seconds = uint16(be16(data, 0))
		li.eng.PW1 = uint16(be16(data, 1))
		li.eng.PW2 = uint16(be16(data, 2))
		li.eng.RPM = uint16(be16(data, 3))
	case group == 2 && len(data) >= 8:
		li.eng.Baro, li.eng.MAP = be16(data, 0), be16(data, 1)
		li.eng.MAT, li.eng.CLT = be16(data, 2), be16(data, 3)
	case group == 3 && len(data) >= 8:
		li.eng.TPS, li.eng.Batt = be16(data, 0), be16(data, 1)
		li.eng.AFR1, li.eng.AFR2 = be16(data, 2), be16(data, 3)
	case group == 10:
		li.eng.Status = [8]byte{}
		copy(li.eng.Status[:], data)
	default:
		decoded = false
	}
	if decoded {
		li.eng.Updated = li.now()
	}
	eng := li.eng
	li.mu.Unlock()

	if !decoded {
		li.log.Warn("rt_msg_unsupported", "id", id, "len", len(data))
		return
	}
	li.log.Debug("rt_msg", "id", id, "rpm", eng.RPM, "clt", eng.CLT)
	if li.fwd != nil {
		select {
		case li.fwd <- Update{ID: id, Engine: eng}:
		default:
			li.dropped.Add(1)
		}
	}
}

// Engine returns a copy of the latest engine data.
func (li *Listener) Engine() Engine {
	li.mu.RLock()
	defer li.mu.RUnlock()
	return li.eng
}

// Latest returns a copy of the last payload received for group, relative to
// the base identifier.
func (li *Listener) Latest(group uint8) ([]byte, bool) {
	if int(group) >= NumGroups {
		return nil, false
	}
	li.mu.RLock()
	defer li.mu.RUnlock()
	p := li.latest[group]
	if p == nil {
		return nil, false
	}
	return append([]byte(nil), p...), true
}

// Dropped returns how many updates the forwarder could not accept.
func (li *Listener) Dropped() uint64 { return li.dropped.Load() }
