package msproto

import "errors"

// ErrShortPayload reports a payload too short for the sub-header it carries.
var ErrShortPayload = errors.New("msproto: short payload")

// RequestLen is the payload length of a MSG_REQ frame.
const RequestLen = 3

// ProtocolRequestLen is the payload length of a MSG_PROT frame.
const ProtocolRequestLen = 4

// ResponseDescriptor tells the responder where the reply belongs.
type ResponseDescriptor struct {
	Table  uint8  // 0..31
	Offset uint16 // 0..2047
	Length uint8  // 0..15
}

// DecodeResponseDescriptor reads the first three payload bytes of a request.
//
//	byte0 bits 0-4  table
//	byte1           offset bits 3-10
//	byte2 bits 0-3  length
//	byte2 bits 5-7  offset bits 0-2
func DecodeResponseDescriptor(p []byte) (ResponseDescriptor, error) {
	if len(p) < RequestLen {
		return ResponseDescriptor{}, ErrShortPayload
	}
	return ResponseDescriptor{
		Table:  p[0] & MaxTable,
		Offset: uint16(p[1])<<3 | uint16(p[2]>>5),
		Length: p[2] & MaxRspLen,
	}, nil
}

// AppendTo appends the encoded descriptor to b.
func (d ResponseDescriptor) AppendTo(b []byte) []byte {
	off := d.Offset & MaxOffset
	return append(b,
		d.Table&MaxTable,
		byte(off>>3),
		byte(off&0x7)<<5|d.Length&MaxRspLen,
	)
}

// EncodeResponseDescriptor returns the 3-byte encoding of d.
func EncodeResponseDescriptor(d ResponseDescriptor) [RequestLen]byte {
	var out [RequestLen]byte
	copy(out[:], d.AppendTo(nil))
	return out
}

// ProtocolRequest is the payload of a MSG_XTND/MSG_PROT frame.
type ProtocolRequest struct {
	// VarBlock is the table the reply is addressed to.
	VarBlock uint8
	Offset   uint16
	Length   uint8
}

// DecodeProtocolRequest parses a 4-byte MSG_PROT payload.
//
//	byte0  sub-type (0x80)
//	byte1  variable block
//	byte2  offset bits 3-10
//	byte3  bits 5-7 offset bits 0-2, bits 0-3 length
func DecodeProtocolRequest(p []byte) (ProtocolRequest, error) {
	if len(p) < ProtocolRequestLen {
		return ProtocolRequest{}, ErrShortPayload
	}
	return ProtocolRequest{
		VarBlock: p[1],
		Offset:   uint16(p[3]>>5) | uint16(p[2])<<3,
		Length:   p[3] & MaxRspLen,
	}, nil
}

// EncodeProtocolRequest returns the 4-byte MSG_PROT payload for r.
func EncodeProtocolRequest(r ProtocolRequest) [ProtocolRequestLen]byte {
	off := r.Offset & MaxOffset
	return [ProtocolRequestLen]byte{
		MsgProt,
		r.VarBlock,
		byte(off >> 3),
		byte(off&0x7)<<5 | r.Length&MaxRspLen,
	}
}

// BurnAck returns the payload acknowledging a burn on an MsgXtnd frame.
func BurnAck(ok bool) [2]byte {
	if ok {
		return [2]byte{MsgBurnAck, 1}
	}
	return [2]byte{MsgBurnAck, 0}
}

// ParseBurnAck reports whether p is a burn acknowledgement and its result.
func ParseBurnAck(p []byte) (ok, isAck bool) {
	if len(p) < 2 || p[0] != MsgBurnAck {
		return false, false
	}
	return p[1] != 0, true
}
