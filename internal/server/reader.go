package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/kstaniek/go-megacan/internal/can"
	"github.com/kstaniek/go-megacan/internal/metrics"
	"github.com/kstaniek/go-megacan/internal/serial"
	"github.com/kstaniek/go-megacan/internal/socketcan"
	"github.com/kstaniek/go-megacan/internal/transport"
)

const (
	readBatch = 16
	idleSleep = 100 * time.Microsecond
)

// isBusOverflow reports errors meaning the bus TX queue was full.
func isBusOverflow(err error) bool {
	return errors.Is(err, serial.ErrTxOverflow) || errors.Is(err, socketcan.ErrTxOverflow) || errors.Is(err, transport.ErrTxBusy)
}

// forward hands one frame from p to the bus. A full bus queue drops the
// frame without recording an error.
func (s *Server) forward(p *peer, fr can.Frame) {
	if s.frameFilter != nil && !s.frameFilter(&fr) {
		return
	}
	metrics.IncTCPRx()
	if s.Send == nil {
		return
	}
	err := s.Send(p.cl, fr)
	switch {
	case err == nil:
	case isBusOverflow(err):
		s.stats.busOverflow.Add(1)
		p.log.Debug("bus_overflow_drop", "frame", fr.String())
	default:
		s.stats.busErrors.Add(1)
		p.log.Error("bus_tx_error", "error", s.record(fmt.Errorf("%w: %v", ErrBusTx, err)), "frame", fr.String())
	}
}

// readOnce decodes what is available from p and returns how many frames
// were forwarded.
func (s *Server) readOnce(p *peer) (int, error) {
	if multi, ok := s.Codec.(transport.MultiFrameDecoder); ok {
		return multi.DecodeN(p.conn, readBatch, func(fr can.Frame) { s.forward(p, fr) })
	}
	fr, err := s.Codec.Decode(p.conn)
	if err != nil {
		return 0, err
	}
	s.forward(p, fr)
	return 1, nil
}

// readLoop forwards p's frames to the bus until the peer leaves. A read
// timeout only re-arms the deadline.
func (s *Server) readLoop(ctxDone <-chan struct{}, p *peer) {
	defer s.wg.Done()
	defer s.drop(p)
	for {
		_ = p.conn.SetReadDeadline(time.Now().Add(s.readDeadline))
		n, err := s.readOnce(p)
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.As(err, &ne) && ne.Timeout():
				continue
			default:
				p.log.Warn("peer_read_error", "error", s.record(fmt.Errorf("%w: %v", ErrConnRead, err)))
			}
			return
		}
		if n == 0 {
			time.Sleep(idleSleep)
		}
		select {
		case <-ctxDone:
			return
		case <-p.cl.Closed:
			return
		default:
		}
	}
}
