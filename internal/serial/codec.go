// Package serial drives the Ampio CAN-UART gateway: a byte stream carrying
// 29-bit CAN frames in a checksummed envelope.
package serial

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/kstaniek/go-megacan/internal/can"
	"github.com/kstaniek/go-megacan/internal/metrics"
)

// Envelope: [0x2D, pre1, len, body..., checksum] where len = len(body)+1 and
// checksum = 0x2D + len + sum(body) mod 256. TX uses pre1 0xD4 and a body of
// INS, FLAGS, ID(4), payload; RX uses pre1 0xD4 and a body of ID(4), payload.
const (
	preamble0 = 0x2D
	preamble1 = 0xD4

	insSendExt = 2
	flagsDLC   = 0x80

	minRxLen = 4 + 0 + 1
	maxRxLen = 4 + can.MaxDataLen + 1

	// reclaimThreshold drops an emptied accumulator larger than this.
	reclaimThreshold = 16 * 1024
)

// ErrStandardFrame is returned for 11-bit frames, which the gateway cannot
// send.
var ErrStandardFrame = errors.New("serial: gateway only sends extended frames")

func envelope(body []byte) []byte {
	n := len(body)
	out := make([]byte, n+4)
	out[0] = preamble0
	out[1] = preamble1
	out[2] = byte(n + 1)
	sum := out[2] + preamble0
	for i, b := range body {
		out[3+i] = b
		sum += b
	}
	out[3+n] = sum
	return out
}

// Encode wraps an extended frame in a gateway send command.
func Encode(f can.Frame) ([]byte, error) {
	if !f.IsExtended() {
		return nil, ErrStandardFrame
	}
	p := f.Payload()
	body := make([]byte, 6, 6+len(p))
	body[0] = insSendExt
	body[1] = flagsDLC | byte(len(p))
	binary.BigEndian.PutUint32(body[2:6], f.ID())
	return envelope(append(body, p...)), nil
}

// Decoder reassembles gateway frames from arbitrary read chunks.
type Decoder struct {
	acc bytes.Buffer
}

// Buffered returns the number of bytes held for the next frame.
func (d *Decoder) Buffered() int { return d.acc.Len() }

// Feed appends p and emits every complete frame. Bad lengths and checksums
// are counted as malformed and skipped by resyncing one byte forward.
func (d *Decoder) Feed(p []byte, out func(can.Frame)) {
	d.acc.Write(p)
	header := []byte{preamble0, preamble1}
	for {
		data := d.acc.Bytes()
		if len(data) < 3 {
			break
		}
		i := bytes.Index(data, header)
		if i < 0 {
			// the last byte may be the first half of a preamble
			last := data[len(data)-1]
			d.acc.Reset()
			if last == preamble0 {
				d.acc.WriteByte(last)
			}
			break
		}
		if i > 0 {
			d.acc.Next(i)
			continue
		}
		ln := int(data[2])
		if ln < minRxLen || ln > maxRxLen {
			metrics.IncMalformed()
			d.acc.Next(1)
			continue
		}
		total := 3 + ln
		if len(data) < total {
			break
		}
		sum := byte(preamble0) + data[2]
		for _, b := range data[3 : total-1] {
			sum += b
		}
		if sum != data[total-1] {
			metrics.IncMalformed()
			d.acc.Next(1)
			continue
		}
		out(can.NewExtended(binary.BigEndian.Uint32(data[3:7]), data[7:total-1]))
		metrics.IncSerialRx()
		d.acc.Next(total)
	}
	if d.acc.Len() == 0 && d.acc.Cap() > reclaimThreshold {
		d.acc = bytes.Buffer{}
	}
}
