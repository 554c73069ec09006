// Package broadcast sends and receives Megasquirt realtime broadcast groups.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-megacan/internal/eeprom"
	"github.com/kstaniek/go-megacan/internal/logging"
	"github.com/kstaniek/go-megacan/internal/metrics"
)

// Rate codes stored in the control byte.
const (
	Rate1Hz uint8 = iota
	Rate2Hz
	Rate5Hz
	Rate10Hz
	Rate25Hz
	Rate50Hz
)

// Control block layout in the byte store.
const (
	ctrlOffset      = 0
	baseIDOffset    = 1
	groupMaskOffset = 3

	NumGroupMasks    = 4
	NumGroups        = NumGroupMasks * 8
	ControlBlockSize = groupMaskOffset + NumGroupMasks

	ctrlEnabled   = 0x01
	ctrlRateShift = 4
	ctrlRateMask  = 0x07
)

var rateHz = [...]int{1, 2, 5, 10, 25, 50}

// RateInterval returns the broadcast period for a rate code.
func RateInterval(code uint8) (time.Duration, bool) {
	if int(code) >= len(rateHz) {
		return 0, false
	}
	return time.Second / time.Duration(rateHz[code]), true
}

var ErrControlBlock = errors.New("broadcast: control block outside store")

// ControlBlock is the decoded realtime broadcast configuration.
type ControlBlock struct {
	Enabled    bool
	Rate       uint8
	BaseID     uint16
	GroupMasks [NumGroupMasks]byte
}

func (cb ControlBlock) encodeCtrl() byte {
	var v byte
	if cb.Enabled {
		v |= ctrlEnabled
	}
	return v | (cb.Rate&ctrlRateMask)<<ctrlRateShift
}

// ReadControlBlock decodes the block stored at off.
func ReadControlBlock(s eeprom.Store, off int) (ControlBlock, error) {
	var cb ControlBlock
	ctrl, err := s.ReadByteAt(off + ctrlOffset)
	if err != nil {
		return cb, err
	}
	cb.Enabled = ctrl&ctrlEnabled != 0
	cb.Rate = ctrl >> ctrlRateShift & ctrlRateMask
	if cb.BaseID, err = eeprom.ReadU16BE(s, off+baseIDOffset); err != nil {
		return cb, err
	}
	err = eeprom.ReadBlock(s, off+groupMaskOffset, cb.GroupMasks[:])
	return cb, err
}

// WriteControlBlock stores cb at off.
func WriteControlBlock(s eeprom.Store, off int, cb ControlBlock) error {
	if err := s.WriteByteAt(off+ctrlOffset, cb.encodeCtrl()); err != nil {
		return err
	}
	if err := eeprom.WriteU16BE(s, off+baseIDOffset, cb.BaseID); err != nil {
		return err
	}
	return eeprom.WriteBlock(s, off+groupMaskOffset, cb.GroupMasks[:])
}

// GroupFunc sends one realtime group.
type GroupFunc func(baseID uint16, group uint8)

// DefaultCheckInterval is how often Run re-reads the control byte.
const DefaultCheckInterval = 100 * time.Millisecond

// Scheduler periodically sends the groups enabled in a control block kept in
// a byte store. The block may be rewritten at any time through table writes;
// Execute picks up the change.
type Scheduler struct {
	store      eeprom.Store
	off        int
	send       GroupFunc
	log        *slog.Logger
	checkEvery time.Duration

	mu       sync.Mutex
	enabled  bool
	interval time.Duration
	prevRate int
}

type SchedulerOption func(*Scheduler)

func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithCheckInterval sets how often Run re-reads the control byte.
func WithCheckInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.checkEvery = d
		}
	}
}

// NewScheduler reads the control block at off on every Execute and calls
// send for each enabled group on every Broadcast.
func NewScheduler(store eeprom.Store, off int, send GroupFunc, opts ...SchedulerOption) (*Scheduler, error) {
	if off < 0 || off+ControlBlockSize > store.Size() {
		return nil, ErrControlBlock
	}
	s := &Scheduler{
		store:      store,
		off:        off,
		send:       send,
		log:        logging.L(),
		checkEvery: DefaultCheckInterval,
		prevRate:   -1,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Execute re-reads the control byte. A new valid rate changes the interval;
// an invalid one is warned and the previous interval stays.
func (s *Scheduler) Execute() {
	ctrl, err := s.store.ReadByteAt(s.off + ctrlOffset)
	if err != nil {
		metrics.IncError(metrics.ErrEEPROM)
		s.log.Error("rt_bcast_ctrl_read", "error", err)
		return
	}
	rate := int(ctrl >> ctrlRateShift & ctrlRateMask)
	s.mu.Lock()
	defer s.mu.Unlock()
	if rate != s.prevRate {
		if iv, ok := RateInterval(uint8(rate)); ok {
			s.interval = iv
			s.log.Info("rt_bcast_rate", "rate", rate, "interval", iv)
		} else {
			s.log.Warn("rt_bcast_rate_invalid", "rate", rate)
		}
	}
	s.prevRate = rate
	s.enabled = ctrl&ctrlEnabled != 0
}

// Active reports whether broadcasting is enabled, and its period.
func (s *Scheduler) Active() (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled, s.interval
}

// Broadcast calls send for every set group bit and returns how many groups
// were sent.
func (s *Scheduler) Broadcast() int {
	if s.send == nil {
		return 0
	}
	baseID, err := eeprom.ReadU16BE(s.store, s.off+baseIDOffset)
	if err != nil {
		metrics.IncError(metrics.ErrEEPROM)
		s.log.Error("rt_bcast_base_read", "error", err)
		return 0
	}
	var masks [NumGroupMasks]byte
	if err := eeprom.ReadBlock(s.store, s.off+groupMaskOffset, masks[:]); err != nil {
		metrics.IncError(metrics.ErrEEPROM)
		s.log.Error("rt_bcast_mask_read", "error", err)
		return 0
	}
	n := 0
	for g, mask := range masks {
		for bit := 0; bit < 8; bit++ {
			if mask&(1<<bit) != 0 {
				s.send(baseID, uint8(g*8+bit))
				metrics.IncRTBroadcast()
				n++
			}
		}
	}
	return n
}

// Run re-reads the control byte on every check tick and broadcasts at the
// configured rate while enabled. It returns when ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	check := time.NewTicker(s.checkEvery)
	defer check.Stop()

	var (
		tick *time.Ticker
		tc   <-chan time.Time
		cur  time.Duration
	)
	defer func() {
		if tick != nil {
			tick.Stop()
		}
	}()
	apply := func() {
		s.Execute()
		on, iv := s.Active()
		switch {
		case !on || iv == 0:
			if tick != nil {
				tick.Stop()
				tick, tc, cur = nil, nil, 0
			}
		case tick == nil:
			tick = time.NewTicker(iv)
			tc, cur = tick.C, iv
		case iv != cur:
			tick.Reset(iv)
			cur = iv
		}
	}
	apply()
	for {
		select {
		case <-ctx.Done():
			return
		case <-check.C:
			apply()
		case <-tc:
			s.Broadcast()
		}
	}
}
