// Package tables serves device tables from RAM slices and from a persistent
// byte store. Flash-backed tables share one RAM mirror: the table last
// touched is "hot", writes land in the mirror and mark a dirty bitmap, and a
// burn copies only the dirty bytes to the store.
package tables

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-megacan/internal/eeprom"
	"github.com/kstaniek/go-megacan/internal/fixed"
	"github.com/kstaniek/go-megacan/internal/logging"
	"github.com/kstaniek/go-megacan/internal/metrics"
	"github.com/kstaniek/go-megacan/internal/msproto"
)

// Kind selects a table's backing.
type Kind uint8

const (
	KindNull Kind = iota
	KindRAM
	KindFlash
)

func (k Kind) String() string {
	switch k {
	case KindRAM:
		return "ram"
	case KindFlash:
		return "flash"
	default:
		return "null"
	}
}

// Descriptor configures one table.
type Descriptor struct {
	Kind Kind
	Size uint16
	// FlashOffset is the table's base address in the byte store.
	FlashOffset uint16
	// RAM backs a KindRAM table; its length must equal Size.
	RAM []byte
}

// Default blocking factors reported to the tuning host.
const (
	DefaultTableBlockingFactor = 32
	DefaultWriteBlockingFactor = 32
)

const noTable = -1

var ErrConfig = errors.New("tables: invalid configuration")

// Store implements the device table contract over descriptors and an
// eeprom.Store. It is not safe for concurrent use; the poll goroutine owns it.
type Store struct {
	tables fixed.Vector[Descriptor]
	flash  eeprom.Store
	log    *slog.Logger

	mirror fixed.Array[byte]
	dirty  fixed.Bitset

	hot           int
	needsBurn     bool
	flashDataLost bool

	tableBF uint16
	writeBF uint16

	onWrite  func(table uint8, offset uint16, data []byte)
	onBurn   func(table uint8)
	watchdog func()
}

type Option func(*Store)

// WithWriteObserver is called after every successful write.
func WithWriteObserver(fn func(table uint8, offset uint16, data []byte)) Option {
	return func(s *Store) { s.onWrite = fn }
}

// WithBurnObserver is called after a burn wrote at least one byte.
func WithBurnObserver(fn func(table uint8)) Option {
	return func(s *Store) { s.onBurn = fn }
}

// WithWatchdog is called before each byte written during a burn.
func WithWatchdog(fn func()) Option { return func(s *Store) { s.watchdog = fn } }

func WithBlockingFactors(table, write uint16) Option {
	return func(s *Store) {
		if table > 0 {
			s.tableBF = table
		}
		if write > 0 {
			s.writeBF = write
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// New validates the descriptors and builds a store. Table i is descs[i].
// flash may be nil when no table is KindFlash.
func New(descs []Descriptor, flash eeprom.Store, opts ...Option) (*Store, error) {
	if len(descs) > msproto.MaxTable+1 {
		return nil, fmt.Errorf("%w: %d tables, max %d", ErrConfig, len(descs), msproto.MaxTable+1)
	}
	s := &Store{
		tables:  fixed.NewVector[Descriptor](len(descs)),
		flash:   flash,
		log:     logging.L(),
		hot:     noTable,
		tableBF: DefaultTableBlockingFactor,
		writeBF: DefaultWriteBlockingFactor,
	}
	for _, o := range opts {
		o(s)
	}
	largest := 0
	for i, d := range descs {
		switch d.Kind {
		case KindNull:
		case KindRAM:
			if len(d.RAM) != int(d.Size) {
				return nil, fmt.Errorf("%w: table %d: ram slice is %d bytes, size %d", ErrConfig, i, len(d.RAM), d.Size)
			}
		case KindFlash:
			if flash == nil {
				return nil, fmt.Errorf("%w: table %d is flash backed but no byte store given", ErrConfig, i)
			}
			if end := int(d.FlashOffset) + int(d.Size); end > flash.Size() {
				return nil, fmt.Errorf("%w: table %d: flash region ends at %d, store has %d bytes", ErrConfig, i, end, flash.Size())
			}
			largest = max(largest, int(d.Size))
		default:
			return nil, fmt.Errorf("%w: table %d: unknown kind %d", ErrConfig, i, d.Kind)
		}
		s.tables.PushBack(d)
	}
	s.mirror = fixed.NewArray[byte](largest)
	s.dirty = fixed.NewBitset(largest)
	return s, nil
}

// NumTables returns the number of configured tables.
func (s *Store) NumTables() int { return s.tables.Len() }

// lookup returns the descriptor for table when the range [offset, offset+n)
// lies inside it.
func (s *Store) lookup(table uint8, offset uint16, n int) (*Descriptor, bool) {
	if int(table) >= s.tables.Len() {
		s.log.Warn("table_out_of_range", "table", table, "tables", s.tables.Len())
		return nil, false
	}
	d := s.tables.Ptr(int(table))
	if d.Kind == KindNull {
		s.log.Warn("table_null", "table", table)
		return nil, false
	}
	if int(offset)+n > int(d.Size) {
		s.log.Warn("table_access_out_of_bounds", "table", table, "offset", offset, "len", n, "size", d.Size)
		return nil, false
	}
	return d, true
}

func (s *Store) ReadFromTable(table uint8, offset uint16, out []byte) bool {
	d, ok := s.lookup(table, offset, len(out))
	if !ok {
		return false
	}
	if d.Kind == KindRAM {
		copy(out, d.RAM[offset:])
		return true
	}
	if !s.ensureHot(int(table)) {
		return false
	}
	copy(out, s.mirror.Slice(int(offset), int(offset)+len(out)))
	return true
}

func (s *Store) WriteToTable(table uint8, offset uint16, data []byte) bool {
	d, ok := s.lookup(table, offset, len(data))
	if !ok {
		return false
	}
	if d.Kind == KindRAM {
		copy(d.RAM[offset:], data)
	} else {
		if !s.ensureHot(int(table)) {
			return false
		}
		copy(s.mirror.Slice(int(offset), int(offset)+len(data)), data)
		s.dirty.SetRange(int(offset), len(data))
		if len(data) > 0 {
			s.needsBurn = true
			metrics.SetTableState(s.needsBurn, s.flashDataLost)
		}
	}
	if s.onWrite != nil {
		s.onWrite(table, offset, data)
	}
	return true
}

// BurnTable writes the hot table's dirty bytes to the byte store. A write
// error stops the burn; bytes not yet written stay dirty.
func (s *Store) BurnTable(table uint8) bool {
	if int(table) >= s.tables.Len() {
		s.log.Warn("burn_table_out_of_range", "table", table)
		return false
	}
	if int(table) != s.hot {
		s.log.Warn("burn_table_not_hot", "table", table, "hot", s.hot)
		return false
	}
	if !s.needsBurn {
		return true
	}
	d := s.tables.Ptr(int(table))
	if d.Kind != KindFlash {
		s.log.Warn("burn_table_not_flash", "table", table, "kind", d.Kind.String())
		return false
	}
	written := 0
	for i := 0; i < int(d.Size); i++ {
		if !s.dirty.Test(i) {
			continue
		}
		if s.watchdog != nil {
			s.watchdog()
		}
		if err := s.flash.WriteByteAt(int(d.FlashOffset)+i, s.mirror.At(i)); err != nil {
			metrics.IncError(metrics.ErrEEPROM)
			s.log.Error("burn_write_failed", "table", table, "index", i, "written", written, "error", err)
			return false
		}
		s.dirty.Clear(i)
		written++
	}
	s.needsBurn = false
	s.dirty.ClearAll()
	metrics.SetTableState(s.needsBurn, s.flashDataLost)
	s.log.Info("table_burned", "table", table, "bytes", written)
	if s.onBurn != nil {
		s.onBurn(table)
	}
	return true
}

// ensureHot makes table the mirrored flash table, loading it if needed.
func (s *Store) ensureHot(table int) bool {
	if table == s.hot {
		return true
	}
	return s.load(table)
}

// load copies a flash table into the mirror. Unburned changes to the
// previous hot table are discarded and flagged, never written back.
func (s *Store) load(table int) bool {
	if s.needsBurn {
		s.log.Warn("flash_data_lost", "evicted", s.hot, "loading", table, "dirty", s.dirty.Count())
		s.flashDataLost = true
	}
	d := s.tables.Ptr(table)
	if err := eeprom.ReadBlock(s.flash, int(d.FlashOffset), s.mirror.Slice(0, int(d.Size))); err != nil {
		metrics.IncError(metrics.ErrEEPROM)
		s.log.Error("table_load_failed", "table", table, "error", err)
		s.hot = noTable
		s.needsBurn = false
		s.dirty.ClearAll()
		metrics.SetTableState(s.needsBurn, s.flashDataLost)
		return false
	}
	s.hot = table
	s.needsBurn = false
	s.dirty.ClearAll()
	metrics.SetTableState(s.needsBurn, s.flashDataLost)
	return true
}

// HotTable returns the mirrored flash table, if any.
func (s *Store) HotTable() (uint8, bool) {
	if s.hot == noTable {
		return 0, false
	}
	return uint8(s.hot), true
}

func (s *Store) NeedsBurn() bool { return s.needsBurn }

// FlashDataLost reports whether unburned writes were ever discarded. The
// flag stays set until ClearFlashDataLost.
func (s *Store) FlashDataLost() bool { return s.flashDataLost }

func (s *Store) ClearFlashDataLost() {
	s.flashDataLost = false
	metrics.SetTableState(s.needsBurn, s.flashDataLost)
}

func (s *Store) TableBlockingFactor() uint16 { return s.tableBF }
func (s *Store) WriteBlockingFactor() uint16 { return s.writeBF }
