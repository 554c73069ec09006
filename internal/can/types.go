package can

import (
	"fmt"

	ecan "go.einride.tech/can"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxDataLen is the classic CAN payload limit.
const MaxDataLen = 8

// Frame is a classic CAN frame as it moves between the bus backends and the
// protocol engine. CANID carries the EFF/RTR/ERR flags in its upper bits like
// SocketCAN; only the first Len bytes of Data are valid.
type Frame struct {
	CANID uint32
	Len   uint8
	Data  [MaxDataLen]byte
}

// NewStandard builds an 11-bit frame. It panics if data exceeds 8 bytes.
func NewStandard(id uint32, data []byte) Frame {
	var f Frame
	f.CANID = id & CAN_SFF_MASK
	f.SetPayload(data)
	return f
}

// NewExtended builds a 29-bit frame. It panics if data exceeds 8 bytes.
func NewExtended(id uint32, data []byte) Frame {
	var f Frame
	f.CANID = (id & CAN_EFF_MASK) | CAN_EFF_FLAG
	f.SetPayload(data)
	return f
}

// SetPayload replaces the payload and zeroes the unused tail.
func (f *Frame) SetPayload(data []byte) {
	if len(data) > MaxDataLen {
		panic(fmt.Sprintf("can: payload of %d bytes exceeds %d", len(data), MaxDataLen))
	}
	f.Data = [MaxDataLen]byte{}
	copy(f.Data[:], data)
	f.Len = uint8(len(data))
}

// ID returns the identifier without flag bits.
func (f Frame) ID() uint32 {
	if f.IsExtended() {
		return f.CANID & CAN_EFF_MASK
	}
	return f.CANID & CAN_SFF_MASK
}

func (f Frame) IsExtended() bool { return f.CANID&CAN_EFF_FLAG != 0 }

func (f Frame) IsRemote() bool { return f.CANID&CAN_RTR_FLAG != 0 }

// Payload returns the valid data bytes. The slice aliases f's copy.
func (f *Frame) Payload() []byte {
	n := f.Len
	if n > MaxDataLen {
		n = MaxDataLen
	}
	return f.Data[:n]
}

// Einride converts to the go.einride.tech/can representation.
func (f Frame) Einride() ecan.Frame {
	n := f.Len
	if n > MaxDataLen {
		n = MaxDataLen
	}
	return ecan.Frame{
		ID:         f.ID(),
		Length:     n,
		Data:       ecan.Data(f.Data),
		IsExtended: f.IsExtended(),
		IsRemote:   f.IsRemote(),
	}
}

// FromEinride converts from the go.einride.tech/can representation.
func FromEinride(e ecan.Frame) Frame {
	var f Frame
	if e.IsExtended {
		f.CANID = (e.ID & CAN_EFF_MASK) | CAN_EFF_FLAG
	} else {
		f.CANID = e.ID & CAN_SFF_MASK
	}
	if e.IsRemote {
		f.CANID |= CAN_RTR_FLAG
	}
	f.Len = e.Length
	if f.Len > MaxDataLen {
		f.Len = MaxDataLen
	}
	copy(f.Data[:], e.Data[:f.Len])
	return f
}

// Validate checks id range and length.
func (f Frame) Validate() error {
	if f.Len > MaxDataLen {
		return fmt.Errorf("can: invalid length %d", f.Len)
	}
	if !f.IsExtended() && f.CANID&^(CAN_RTR_FLAG|CAN_ERR_FLAG) > CAN_SFF_MASK {
		return fmt.Errorf("can: standard id %#x exceeds 11 bits", f.CANID&CAN_EFF_MASK)
	}
	e := f.Einride()
	return e.Validate()
}

// String renders the frame in candump notation (e.g. 0A1B2C3D#0102).
func (f Frame) String() string { return f.Einride().String() }

// ParseFrame parses candump notation.
func ParseFrame(s string) (Frame, error) {
	var e ecan.Frame
	if err := e.UnmarshalString(s); err != nil {
		return Frame{}, fmt.Errorf("can: parse %q: %w", s, err)
	}
	return FromEinride(e), nil
}
