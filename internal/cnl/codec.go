// Package cnl implements the cannelloni TCP framing used by virtual bus
// peers and remote tuning clients.
package cnl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-megacan/internal/can"
	"github.com/kstaniek/go-megacan/internal/metrics"
)

// Codec encodes and decodes cannelloni frames. Stateless and safe for
// concurrent use.
type Codec struct{}

var (
	ErrInvalidLength  = errors.New("cannelloni: invalid length")
	ErrInvalidID      = errors.New("cannelloni: invalid identifier")
	ErrTruncatedFrame = errors.New("cannelloni: truncated frame")
)

// frame on the wire: 4-byte BE CANID (with flags), 1-byte length, payload
const (
	headerLen   = 5
	maxFrameLen = headerLen + can.MaxDataLen
	lenMask     = 0x7F
)

// Encode packs frames into one buffer.
func (c *Codec) Encode(frames []can.Frame) []byte {
	out := make([]byte, 0, len(frames)*maxFrameLen)
	for i := range frames {
		out = appendFrame(out, &frames[i])
	}
	return out
}

func appendFrame(dst []byte, f *can.Frame) []byte {
	n := min(int(f.Len), can.MaxDataLen)
	dst = binary.BigEndian.AppendUint32(dst, f.CANID)
	dst = append(dst, byte(n))
	return append(dst, f.Data[:n]...)
}

// EncodeTo writes frames to w, one Write per frame, and returns the bytes
// written.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var (
		total int
		buf   [maxFrameLen]byte
	)
	for i := range frames {
		n, err := w.Write(appendFrame(buf[:0], &frames[i]))
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode: %w", err)
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r. It returns io.EOF at a clean
// frame boundary.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var (
		f   can.Frame
		hdr [headerLen]byte
	)
	if n, err := io.ReadFull(r, hdr[:]); err != nil {
		if n > 0 && errors.Is(err, io.ErrUnexpectedEOF) {
			metrics.IncMalformed()
			return f, fmt.Errorf("cannelloni decode header: %w", ErrTruncatedFrame)
		}
		return f, err
	}
	f.CANID = binary.BigEndian.Uint32(hdr[:4])
	ln := int(hdr[4] & lenMask)
	if ln > can.MaxDataLen {
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	f.Len = uint8(ln)
	if _, err := io.ReadFull(r, f.Data[:ln]); err != nil {
		metrics.IncMalformed()
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return f, fmt.Errorf("cannelloni decode payload: %w", ErrTruncatedFrame)
		}
		return f, fmt.Errorf("cannelloni decode payload: %w", err)
	}
	if err := f.Validate(); err != nil {
		metrics.IncMalformed()
		return f, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return f, nil
}

// DecodeN decodes up to max frames (unbounded if max <= 0), calling onFrame
// for each. It returns the count and the terminal error, which may be io.EOF.
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
