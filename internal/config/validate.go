package config

import (
	"fmt"
	"sort"

	"github.com/kstaniek/go-megacan/internal/broadcast"
	"github.com/kstaniek/go-megacan/internal/msproto"
)

// Table kinds as written in profiles.
const (
	KindRAM   = "ram"
	KindFlash = "flash"
	KindNull  = "null"
)

const maxTables = 32

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...)
}

// Validate checks the profile without changing it.
func (p *Profile) Validate() error {
	if p == nil {
		return invalid("nil profile")
	}
	d := p.Device
	if d.ID > msproto.MaxID {
		return invalid("device id %d exceeds %d", d.ID, msproto.MaxID)
	}
	if len(d.Signature) > msproto.MaxSignatureBytes {
		return invalid("signature longer than %d bytes", msproto.MaxSignatureBytes)
	}
	if len(d.Revision) > msproto.MaxRevisionBytes {
		return invalid("revision longer than %d bytes", msproto.MaxRevisionBytes)
	}
	for _, s := range []string{d.Signature, d.Revision} {
		for i := 0; i < len(s); i++ {
			if s[i] > 0x7F {
				return invalid("identity strings must be ASCII")
			}
		}
	}
	if d.QueueCapacity < 0 {
		return invalid("queue_capacity must be >= 0")
	}
	if p.Flash.Size < 0 {
		return invalid("flash size must be >= 0")
	}
	if err := p.validateTables(); err != nil {
		return err
	}
	return p.validateRealtime()
}

func (p *Profile) validateTables() error {
	type span struct {
		start, end int
		table      uint8
	}
	seen := make(map[uint8]bool)
	var spans []span
	for _, t := range p.Tables {
		if t.Index >= maxTables {
			return invalid("table %d: index must be < %d", t.Index, maxTables)
		}
		if t.Index == msproto.TableRevision || t.Index == msproto.TableSignature {
			return invalid("table %d is reserved for the identity strings", t.Index)
		}
		if seen[t.Index] {
			return invalid("table %d defined twice", t.Index)
		}
		seen[t.Index] = true
		switch t.Kind {
		case KindNull:
		case KindRAM:
			if t.Size == 0 {
				return invalid("table %d: ram table needs a size", t.Index)
			}
		case KindFlash:
			if t.Size == 0 {
				return invalid("table %d: flash table needs a size", t.Index)
			}
			end := int(t.FlashOffset) + int(t.Size)
			if end > p.Flash.Size {
				return invalid("table %d: flash range [%d,%d) exceeds flash size %d", t.Index, t.FlashOffset, end, p.Flash.Size)
			}
			spans = append(spans, span{start: int(t.FlashOffset), end: end, table: t.Index})
		default:
			return invalid("table %d: unknown kind %q", t.Index, t.Kind)
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		if spans[i].start < spans[i-1].end {
			return invalid("flash tables %d and %d overlap", spans[i-1].table, spans[i].table)
		}
	}
	return nil
}

func (p *Profile) validateRealtime() error {
	rt := p.Realtime
	if rt.ControlOffset == nil {
		return nil
	}
	if end := int(*rt.ControlOffset) + broadcast.ControlBlockSize; end > p.Flash.Size {
		return invalid("realtime control block [%d,%d) exceeds flash size %d", *rt.ControlOffset, end, p.Flash.Size)
	}
	if _, ok := broadcast.RateInterval(rt.Rate); !ok {
		return invalid("realtime rate code %d", rt.Rate)
	}
	for _, g := range rt.Groups {
		if g >= broadcast.NumGroups {
			return invalid("realtime group %d must be < %d", g, broadcast.NumGroups)
		}
	}
	if rt.CheckIntervalMs < 0 {
		return invalid("check_interval_ms must be >= 0")
	}
	if len(rt.Groups) > 0 || rt.Enabled {
		src, ok := p.table(rt.SourceTable)
		// group sends must not evict the hot flash table
		if !ok || src.Kind != KindRAM {
			return invalid("realtime source table %d must be a ram table", rt.SourceTable)
		}
	}
	return nil
}

func (p *Profile) table(idx uint8) (TableConfig, bool) {
	for _, t := range p.Tables {
		if t.Index == idx {
			return t, true
		}
	}
	return TableConfig{}, false
}
