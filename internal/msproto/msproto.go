// Package msproto encodes and decodes the Megasquirt CAN wire format: the
// 29-bit extended identifier header and the small sub-headers carried in the
// payload of request and protocol-negotiation frames.
//
// Extended identifier layout, least significant bit first:
//
//	bits  0-1   reserved
//	bit   2     table bit 4
//	bits  3-6   table bits 0-3
//	bits  7-10  destination id
//	bits 11-14  source id
//	bits 15-17  message type
//	bits 18-28  offset
package msproto

// Message types carried in the header (3 bits).
const (
	MsgCmd       uint8 = 0
	MsgReq       uint8 = 1
	MsgRsp       uint8 = 2
	MsgXSub      uint8 = 3
	MsgBurn      uint8 = 4
	MsgOutMsgReq uint8 = 5
	MsgOutMsgRsp uint8 = 6
	MsgXtnd      uint8 = 7
)

// Extended sub-types, carried in payload byte 0 of an MsgXtnd frame.
const (
	MsgFwd     uint8 = 8
	MsgCRC     uint8 = 9
	MsgReqX    uint8 = 12
	MsgBurnAck uint8 = 14
	MsgProt    uint8 = 0x80
	MsgWCR     uint8 = 0x81
	MsgSpnd    uint8 = 0x82
)

// Reserved tables answered by the engine itself.
const (
	TableRevision  uint8 = 14
	TableSignature uint8 = 15

	MaxRevisionBytes  = 60
	MaxSignatureBytes = 20
)

// SerialProtocolVersion is reported in MSG_PROT replies.
const SerialProtocolVersion = 2

// Realtime broadcast base identifier (11-bit frames MSG00..).
const (
	BroadcastBaseID uint32 = 1520
	Msg00ID                = BroadcastBaseID + 0
	Msg02ID                = BroadcastBaseID + 2
	Msg03ID                = BroadcastBaseID + 3
	Msg10ID                = BroadcastBaseID + 10
)

// Field limits.
const (
	MaxID     = 0x0F
	MaxTable  = 0x1F
	MaxType   = 0x07
	MaxOffset = 0x7FF
	MaxRspLen = 0x0F
)

const (
	tableHShift = 2
	tableLShift = 3
	toShift     = 7
	fromShift   = 11
	typeShift   = 15
	offsetShift = 18

	idMask29 = 0x1FFFFFFF
)

// TypeName returns a short lower-case label for a header message type.
func TypeName(t uint8) string {
	switch t {
	case MsgCmd:
		return "cmd"
	case MsgReq:
		return "req"
	case MsgRsp:
		return "rsp"
	case MsgXSub:
		return "xsub"
	case MsgBurn:
		return "burn"
	case MsgOutMsgReq:
		return "outmsg_req"
	case MsgOutMsgRsp:
		return "outmsg_rsp"
	case MsgXtnd:
		return "xtnd"
	}
	return "unknown"
}
