// Package client is the tuning-host side of the Megasquirt CAN protocol: it
// reads, writes and burns tables on a remote device and negotiates the
// protocol version.
package client

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-megacan/internal/can"
	"github.com/kstaniek/go-megacan/internal/logging"
	"github.com/kstaniek/go-megacan/internal/msproto"
)

var (
	ErrRange         = errors.New("client: table range")
	ErrShortResponse = errors.New("client: short response")
)

const DefaultTimeout = 500 * time.Millisecond

// ProtocolInfo is the reply to a protocol negotiation.
type ProtocolInfo struct {
	Version             uint8
	TableBlockingFactor uint16
	WriteBlockingFactor uint16
}

// Client talks to one device. Calls are serialized.
type Client struct {
	conn    Conn
	target  uint8
	host    uint8
	timeout time.Duration
	log     *slog.Logger

	mu sync.Mutex
}

type Option func(*Client)

// WithHostID sets the id replies are addressed to (default 0, the tuning
// host).
func WithHostID(id uint8) Option { return func(c *Client) { c.host = id & msproto.MaxID } }

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

func New(conn Conn, target uint8, opts ...Option) *Client {
	c := &Client{
		conn:    conn,
		target:  target & msproto.MaxID,
		timeout: DefaultTimeout,
		log:     logging.L(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) header(typ, table uint8, offset uint16) msproto.Header {
	return msproto.Header{Table: table, ToID: c.target, FromID: c.host, Type: typ, Offset: offset}
}

// fromTarget reports whether fr is an extended frame addressed to us by the
// target with the given type.
func (c *Client) fromTarget(fr can.Frame, typ uint8) (msproto.Header, bool) {
	if !fr.IsExtended() {
		return msproto.Header{}, false
	}
	h := msproto.DecodeHeader(fr.ID())
	return h, h.FromID == c.target && h.ToID == c.host && h.Type == typ
}

// exchange sends fr and returns the first frame accepted by match. Frames
// that do not match, such as realtime broadcasts, are skipped.
func (c *Client) exchange(ctx context.Context, fr can.Frame, match func(can.Frame) bool) (can.Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.conn.Send(ctx, fr); err != nil {
		return can.Frame{}, fmt.Errorf("client: send: %w", err)
	}
	for {
		in, err := c.conn.Receive(ctx)
		if err != nil {
			return can.Frame{}, fmt.Errorf("client: await reply to %s: %w", fr.String(), err)
		}
		if match(in) {
			return in, nil
		}
	}
}

func checkRange(table uint8, offset uint16, n int) error {
	if table > msproto.MaxTable || int(offset)+n > msproto.MaxOffset+1 {
		return fmt.Errorf("%w: table %d [%d,%d)", ErrRange, table, offset, int(offset)+n)
	}
	return nil
}

// Read fetches n bytes in requests of at most 8 bytes.
func (c *Client) Read(ctx context.Context, table uint8, offset uint16, n int) ([]byte, error) {
	if err := checkRange(table, offset, n); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, 0, n)
	for len(out) < n {
		chunk := min(n-len(out), can.MaxDataLen)
		off := offset + uint16(len(out))
		p, err := c.readChunk(ctx, table, off, chunk)
		if err != nil {
			return out, err
		}
		out = append(out, p...)
	}
	return out, nil
}

func (c *Client) readChunk(ctx context.Context, table uint8, off uint16, n int) ([]byte, error) {
	desc := msproto.ResponseDescriptor{Table: table, Offset: off, Length: uint8(n)}
	req := c.header(msproto.MsgReq, table, off)
	rsp, err := c.exchange(ctx, can.NewExtended(req.Encode(), desc.AppendTo(nil)), func(fr can.Frame) bool {
		h, ok := c.fromTarget(fr, msproto.MsgRsp)
		return ok && h.Table == table && h.Offset == off
	})
	if err != nil {
		return nil, err
	}
	p := rsp.Payload()
	if len(p) != n {
		return nil, fmt.Errorf("%w: table %d offset %d: got %d of %d bytes", ErrShortResponse, table, off, len(p), n)
	}
	c.log.Debug("client_read", "table", table, "offset", off, "len", n)
	return append([]byte(nil), p...), nil
}

// Write sends data as commands of at most 8 bytes. Commands are not
// acknowledged; read back to verify.
func (c *Client) Write(ctx context.Context, table uint8, offset uint16, data []byte) error {
	if err := checkRange(table, offset, len(data)); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	for sent := 0; sent < len(data); {
		chunk := min(len(data)-sent, can.MaxDataLen)
		off := offset + uint16(sent)
		h := c.header(msproto.MsgCmd, table, off)
		if err := c.conn.Send(ctx, can.NewExtended(h.Encode(), data[sent:sent+chunk])); err != nil {
			return fmt.Errorf("client: write table %d offset %d: %w", table, off, err)
		}
		sent += chunk
	}
	c.log.Debug("client_write", "table", table, "offset", offset, "len", len(data))
	return nil
}

// Burn asks the device to persist table and reports the acknowledged result.
func (c *Client) Burn(ctx context.Context, table uint8) (bool, error) {
	if table > msproto.MaxTable {
		return false, fmt.Errorf("%w: table %d", ErrRange, table)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var ok bool
	h := c.header(msproto.MsgBurn, table, 0)
	_, err := c.exchange(ctx, can.NewExtended(h.Encode(), nil), func(fr can.Frame) bool {
		if _, from := c.fromTarget(fr, msproto.MsgXtnd); !from {
			return false
		}
		res, isAck := msproto.ParseBurnAck(fr.Payload())
		ok = res
		return isAck
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Protocol negotiates the serial protocol version and blocking factors.
func (c *Client) Protocol(ctx context.Context) (ProtocolInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	const replyTable, replyOffset = 0, 0
	req := msproto.EncodeProtocolRequest(msproto.ProtocolRequest{VarBlock: replyTable, Offset: replyOffset, Length: 5})
	h := c.header(msproto.MsgXtnd, 0, 0)
	rsp, err := c.exchange(ctx, can.NewExtended(h.Encode(), req[:]), func(fr can.Frame) bool {
		rh, ok := c.fromTarget(fr, msproto.MsgRsp)
		return ok && rh.Table == replyTable && rh.Offset == replyOffset
	})
	if err != nil {
		return ProtocolInfo{}, err
	}
	p := rsp.Payload()
	if len(p) != 5 {
		return ProtocolInfo{}, fmt.Errorf("%w: protocol reply of %d bytes", ErrShortResponse, len(p))
	}
	return ProtocolInfo{
		Version:             p[0],
		TableBlockingFactor: binary.BigEndian.Uint16(p[1:3]),
		WriteBlockingFactor: binary.BigEndian.Uint16(p[3:5]),
	}, nil
}

// Signature returns the device's signature string.
func (c *Client) Signature(ctx context.Context) (string, error) {
	return c.readString(ctx, msproto.TableSignature, msproto.MaxSignatureBytes)
}

// Revision returns the device's revision string.
func (c *Client) Revision(ctx context.Context) (string, error) {
	return c.readString(ctx, msproto.TableRevision, msproto.MaxRevisionBytes)
}

func (c *Client) readString(ctx context.Context, table uint8, n int) (string, error) {
	b, err := c.Read(ctx, table, 0, n)
	if err != nil {
		return "", err
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b), nil
}
