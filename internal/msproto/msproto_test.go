package msproto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderTableRoundTrip(t *testing.T) {
	for tbl := 0; tbl <= MaxTable; tbl++ {
		h := Header{Table: uint8(tbl), ToID: 3, FromID: 0, Type: MsgReq, Offset: 17}
		require.Equal(t, h, DecodeHeader(EncodeHeader(h)), "table %d", tbl)
	}
}

func TestHeaderOffsetRoundTrip(t *testing.T) {
	for off := 0; off <= MaxOffset; off++ {
		h := Header{Table: 7, ToID: 15, FromID: 1, Type: MsgCmd, Offset: uint16(off)}
		got := DecodeHeader(h.Encode())
		require.Equal(t, h, got, "offset %d", off)
	}
}

func TestHeaderAllFieldsRoundTrip(t *testing.T) {
	for to := uint8(0); to <= MaxID; to++ {
		for from := uint8(0); from <= MaxID; from++ {
			for typ := uint8(0); typ <= MaxType; typ++ {
				h := Header{Table: 31 - to, ToID: to, FromID: from, Type: typ, Offset: uint16(to)*100 + uint16(from)}
				require.Equal(t, h, DecodeHeader(h.Encode()))
			}
		}
	}
}

func TestHeaderBitPositions(t *testing.T) {
	tests := []struct {
		name string
		h    Header
		id   uint32
	}{
		{"table_low", Header{Table: 0x01}, 1 << 3},
		{"table_high", Header{Table: 0x10}, 1 << 2},
		{"to", Header{ToID: 1}, 1 << 7},
		{"from", Header{FromID: 1}, 1 << 11},
		{"type", Header{Type: 1}, 1 << 15},
		{"offset", Header{Offset: 1}, 1 << 18},
		{"offset_max", Header{Offset: MaxOffset}, 0x7FF << 18},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.id, tc.h.Encode())
		})
	}
}

func TestHeaderReservedBitsZeroAndIgnored(t *testing.T) {
	h := Header{Table: MaxTable, ToID: MaxID, FromID: MaxID, Type: MaxType, Offset: MaxOffset}
	id := h.Encode()
	require.Zero(t, id&0x3, "low reserved bits")
	require.Zero(t, id&^uint32(0x1FFFFFFF), "bits above 28")
	// flag bits and reserved bits do not leak into fields
	require.Equal(t, h, DecodeHeader(id|0xE0000003))
}

func TestHeaderReply(t *testing.T) {
	req := Header{Table: 4, ToID: 5, FromID: 0, Type: MsgReq, Offset: 10}
	rsp := req.Reply(MsgRsp, 9, 33)
	require.Equal(t, Header{Table: 9, ToID: 0, FromID: 5, Type: MsgRsp, Offset: 33}, rsp)
	require.Contains(t, rsp.String(), "rsp")
}

func TestResponseDescriptorRoundTrip(t *testing.T) {
	for off := 0; off <= MaxOffset; off += 7 {
		for ln := uint8(0); ln <= MaxRspLen; ln++ {
			d := ResponseDescriptor{Table: uint8(off) & MaxTable, Offset: uint16(off), Length: ln}
			p := EncodeResponseDescriptor(d)
			got, err := DecodeResponseDescriptor(p[:])
			require.NoError(t, err)
			require.Equal(t, d, got)
		}
	}
}

func TestResponseDescriptorWire(t *testing.T) {
	d, err := DecodeResponseDescriptor([]byte{0x2F, 0x12, 0xA5})
	require.NoError(t, err)
	// table masks to 5 bits, offset = 0x12<<3 | 0xA5>>5
	require.Equal(t, ResponseDescriptor{Table: 0x0F, Offset: 0x12<<3 | 5, Length: 5}, d)

	_, err = DecodeResponseDescriptor([]byte{1, 2})
	require.ErrorIs(t, err, ErrShortPayload)
}

func TestProtocolRequestRoundTrip(t *testing.T) {
	for off := 0; off <= MaxOffset; off += 13 {
		r := ProtocolRequest{VarBlock: uint8(off), Offset: uint16(off), Length: uint8(off) & MaxRspLen}
		p := EncodeProtocolRequest(r)
		require.Equal(t, MsgProt, p[0])
		got, err := DecodeProtocolRequest(p[:])
		require.NoError(t, err)
		require.Equal(t, r, got)
	}
	_, err := DecodeProtocolRequest([]byte{MsgProt, 0, 0})
	require.ErrorIs(t, err, ErrShortPayload)
}

func TestBurnAck(t *testing.T) {
	require.Equal(t, [2]byte{14, 1}, BurnAck(true))
	require.Equal(t, [2]byte{14, 0}, BurnAck(false))
	p := BurnAck(true)
	ok, isAck := ParseBurnAck(p[:])
	require.True(t, ok)
	require.True(t, isAck)
	_, isAck = ParseBurnAck([]byte{MsgProt, 1})
	require.False(t, isAck)
}

func FuzzDecodeHeader(f *testing.F) {
	f.Add(uint32(0))
	f.Add(uint32(0xFFFFFFFF))
	f.Add(Header{Table: 20, ToID: 3, Type: MsgBurn, Offset: 1000}.Encode())
	f.Fuzz(func(t *testing.T, id uint32) {
		h := DecodeHeader(id)
		if h.Table > MaxTable || h.ToID > MaxID || h.FromID > MaxID || h.Type > MaxType || h.Offset > MaxOffset {
			t.Fatalf("field out of range: %+v", h)
		}
		if DecodeHeader(h.Encode()) != h {
			t.Fatalf("re-encode mismatch for 0x%X", id)
		}
	})
}

func BenchmarkHeaderRoundTrip(b *testing.B) {
	h := Header{Table: 20, ToID: 3, FromID: 0, Type: MsgReq, Offset: 1234}
	for i := 0; i < b.N; i++ {
		h = DecodeHeader(h.Encode())
	}
	_ = h
}

func TestToIDMask(t *testing.T) {
	bits, mask := ToIDMask(9)
	for _, to := range []uint8{0, 9, 15} {
		id := Header{Table: 31, ToID: to, FromID: 9, Type: MsgReq, Offset: MaxOffset}.Encode()
		require.Equal(t, to == 9, id&mask == bits, "to=%d", to)
	}
}
