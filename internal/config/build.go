package config

import (
	"time"

	"github.com/kstaniek/go-megacan/internal/broadcast"
	"github.com/kstaniek/go-megacan/internal/tables"
)

// Descriptors returns the table layout indexed by table number. Gaps are
// null tables and RAM tables get zeroed backing memory. Call after Validate.
func (p *Profile) Descriptors() []tables.Descriptor {
	n := 0
	for _, t := range p.Tables {
		if int(t.Index)+1 > n {
			n = int(t.Index) + 1
		}
	}
	out := make([]tables.Descriptor, n)
	for _, t := range p.Tables {
		d := tables.Descriptor{Kind: tables.KindNull}
		switch t.Kind {
		case KindRAM:
			d = tables.Descriptor{Kind: tables.KindRAM, Size: t.Size, RAM: make([]byte, t.Size)}
		case KindFlash:
			d = tables.Descriptor{Kind: tables.KindFlash, Size: t.Size, FlashOffset: t.FlashOffset}
		}
		out[t.Index] = d
	}
	return out
}

// ControlBlock is the realtime block the profile seeds into flash.
func (p *Profile) ControlBlock() broadcast.ControlBlock {
	rt := p.Realtime
	cb := broadcast.ControlBlock{Enabled: rt.Enabled, Rate: rt.Rate, BaseID: rt.BaseID}
	for _, g := range rt.Groups {
		cb.GroupMasks[g/8] |= 1 << (g % 8)
	}
	return cb
}

// CheckInterval returns how often the control block is re-read.
func (p *Profile) CheckInterval() time.Duration {
	if p.Realtime.CheckIntervalMs <= 0 {
		return broadcast.DefaultCheckInterval
	}
	return time.Duration(p.Realtime.CheckIntervalMs) * time.Millisecond
}
