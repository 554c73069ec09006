package msproto

import "fmt"

// Header is the decoded 29-bit identifier of an extended Megasquirt frame.
type Header struct {
	Table  uint8  // 0..31
	ToID   uint8  // 0..15
	FromID uint8  // 0..15
	Type   uint8  // 0..7
	Offset uint16 // 0..2047
}

// DecodeHeader extracts the header fields. Flag bits above bit 28 are ignored.
func DecodeHeader(id uint32) Header {
	tableH := (id >> tableHShift) & 0x1
	tableL := (id >> tableLShift) & 0xF
	return Header{
		Table:  uint8(tableH<<4 | tableL),
		ToID:   uint8((id >> toShift) & MaxID),
		FromID: uint8((id >> fromShift) & MaxID),
		Type:   uint8((id >> typeShift) & MaxType),
		Offset: uint16((id >> offsetShift) & MaxOffset),
	}
}

// Encode packs h into a 29-bit identifier with reserved bits zero. Fields are
// truncated to their widths.
func (h Header) Encode() uint32 {
	t := uint32(h.Table) & MaxTable
	id := (t>>4)<<tableHShift |
		(t&0xF)<<tableLShift |
		(uint32(h.ToID)&MaxID)<<toShift |
		(uint32(h.FromID)&MaxID)<<fromShift |
		(uint32(h.Type)&MaxType)<<typeShift |
		(uint32(h.Offset)&MaxOffset)<<offsetShift
	return id & idMask29
}

// EncodeHeader is the functional form of Header.Encode.
func EncodeHeader(h Header) uint32 { return h.Encode() }

// Reply returns a header addressed back to h's sender.
func (h Header) Reply(typ, table uint8, offset uint16) Header {
	return Header{Table: table, ToID: h.FromID, FromID: h.ToID, Type: typ, Offset: offset}
}

func (h Header) String() string {
	return fmt.Sprintf("%s from=%d to=%d table=%d offset=%d", TypeName(h.Type), h.FromID, h.ToID, h.Table, h.Offset)
}

// ToIDMask returns the identifier bits and mask that select extended frames
// addressed to id, for acceptance filters.
func ToIDMask(id uint8) (bits, mask uint32) {
	return (uint32(id) & MaxID) << toShift, MaxID << toShift
}
