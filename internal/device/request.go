package device

import (
	"encoding/binary"

	"github.com/kstaniek/go-megacan/internal/can"
	"github.com/kstaniek/go-megacan/internal/metrics"
	"github.com/kstaniek/go-megacan/internal/msproto"
)

// handleRequest answers a MSG_REQ with exactly one MSG_RSP: the requested
// bytes, or zeros of the same length when the request cannot be served.
func (d *Device) handleRequest(h msproto.Header, data []byte) {
	desc, err := msproto.DecodeResponseDescriptor(data)
	ok := err == nil
	if !ok {
		d.log.Warn("req_malformed", "len", len(data), "error", err)
	}
	n := int(desc.Length)
	if n > can.MaxDataLen {
		d.log.Warn("req_length_invalid", "len", n, "max", can.MaxDataLen)
		n = can.MaxDataLen
		ok = false
	}
	out := d.txBuf[:n]
	if ok {
		switch h.Table {
		case msproto.TableSignature:
			ok = readFixed(d.sig[:], h.Offset, out)
		case msproto.TableRevision:
			ok = readFixed(d.rev[:], h.Offset, out)
		default:
			ok = d.store.ReadFromTable(h.Table, h.Offset, out)
		}
	}
	if !ok {
		clear(out)
		d.logicErrs.inc()
		metrics.IncRejectedRequest()
		d.log.Warn("req_rejected", "table", h.Table, "offset", h.Offset, "len", n, "from_id", h.FromID)
	}
	rsp := h.Reply(msproto.MsgRsp, desc.Table, desc.Offset)
	d.send(can.NewExtended(rsp.Encode(), out))
}

// readFixed copies src[off:off+len(out)] into out unless that range leaves src.
func readFixed(src []byte, off uint16, out []byte) bool {
	if int(off)+len(out) > len(src) {
		return false
	}
	copy(out, src[off:])
	return true
}

func (d *Device) sendBurnAck(h msproto.Header, ok bool) {
	ack := msproto.BurnAck(ok)
	rsp := h.Reply(msproto.MsgXtnd, 0, 0)
	d.send(can.NewExtended(rsp.Encode(), ack[:]))
}

func (d *Device) handleXtnd(h msproto.Header, data []byte) {
	if len(data) < 1 {
		d.logicErrs.inc()
		d.log.Error("xtnd_empty", "from_id", h.FromID)
		return
	}
	switch data[0] {
	case msproto.MsgProt:
		d.handleProt(h, data)
	default:
		metrics.IncError(metrics.ErrProtocol)
		d.log.Error("xtnd_unimplemented", "subtype", data[0], "from_id", h.FromID)
	}
}

// handleProt answers protocol negotiation with the serial protocol version
// and, for a 5-byte request, both blocking factors big-endian.
func (d *Device) handleProt(h msproto.Header, data []byte) {
	if len(data) != msproto.ProtocolRequestLen {
		d.logicErrs.inc()
		d.log.Error("prot_length_invalid", "len", len(data))
		return
	}
	req, _ := msproto.DecodeProtocolRequest(data)
	if req.Length != 1 && req.Length != 5 {
		d.logicErrs.inc()
		d.log.Error("prot_rsp_length_invalid", "len", req.Length)
		return
	}
	out := d.txBuf[:req.Length]
	out[0] = msproto.SerialProtocolVersion
	if req.Length == 5 {
		binary.BigEndian.PutUint16(out[1:3], d.store.TableBlockingFactor())
		binary.BigEndian.PutUint16(out[3:5], d.store.WriteBlockingFactor())
	}
	rsp := h.Reply(msproto.MsgRsp, req.VarBlock&msproto.MaxTable, req.Offset)
	d.send(can.NewExtended(rsp.Encode(), out))
}
