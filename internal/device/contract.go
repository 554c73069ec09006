package device

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-megacan/internal/can"
)

// RetCode is the result of a Transport call.
type RetCode uint8

const (
	RetOK RetCode = iota
	RetNoMessage
	RetBufferBusy
	RetSendTimeout
	RetInvalidArg
)

func (r RetCode) String() string {
	switch r {
	case RetOK:
		return "ok"
	case RetNoMessage:
		return "no_message"
	case RetBufferBusy:
		return "buffer_busy"
	case RetSendTimeout:
		return "send_timeout"
	case RetInvalidArg:
		return "invalid_arg"
	}
	return fmt.Sprintf("retcode(%d)", uint8(r))
}

// Transport moves frames between the engine and the bus. ReadAny must not
// block: it fills fr and returns RetOK, or returns RetNoMessage.
type Transport interface {
	ReadAny(fr *can.Frame) RetCode
	SendAny(fr can.Frame, waitForSend bool) RetCode
}

// TableStore backs the tables a tuning host reads, writes and burns.
// All methods run on the poll goroutine.
type TableStore interface {
	ReadFromTable(table uint8, offset uint16, out []byte) bool
	WriteToTable(table uint8, offset uint16, data []byte) bool
	BurnTable(table uint8) bool
	// TableBlockingFactor is the largest block the host may read at once.
	TableBlockingFactor() uint16
	// WriteBlockingFactor is the largest block the host may write at once.
	WriteBlockingFactor() uint16
}

// BroadcastHandler receives standard (11-bit) frames. It may be called from
// the interrupt goroutine when immediate dispatch is enabled, so it must be
// short and must not block.
type BroadcastHandler interface {
	HandleStandard(id uint32, data []byte)
}

// BroadcastFunc adapts a function to BroadcastHandler.
type BroadcastFunc func(id uint32, data []byte)

func (f BroadcastFunc) HandleStandard(id uint32, data []byte) { f(id, data) }

type nopBroadcast struct{}

func (nopBroadcast) HandleStandard(uint32, []byte) {}

// UnimplementedStore refuses every table operation. It is the store a Device
// uses until a real one is supplied.
type UnimplementedStore struct {
	Logger *slog.Logger

	bfOnce sync.Once
}

func (s *UnimplementedStore) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *UnimplementedStore) ReadFromTable(table uint8, offset uint16, out []byte) bool {
	s.log().Warn("read_from_table_unimplemented", "table", table, "offset", offset, "len", len(out))
	return false
}

func (s *UnimplementedStore) WriteToTable(table uint8, offset uint16, data []byte) bool {
	s.log().Warn("write_to_table_unimplemented", "table", table, "offset", offset, "len", len(data))
	return false
}

func (s *UnimplementedStore) BurnTable(table uint8) bool {
	s.log().Warn("burn_table_unimplemented", "table", table)
	return false
}

func (s *UnimplementedStore) TableBlockingFactor() uint16 {
	s.warnBlocking()
	return 1
}

func (s *UnimplementedStore) WriteBlockingFactor() uint16 {
	s.warnBlocking()
	return 1
}

func (s *UnimplementedStore) warnBlocking() {
	s.bfOnce.Do(func() {
		s.log().Warn("blocking_factor_default", "value", 1)
	})
}
