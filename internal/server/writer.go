package server

import (
	"fmt"
	"time"

	"github.com/kstaniek/go-megacan/internal/can"
	"github.com/kstaniek/go-megacan/internal/metrics"
	"github.com/kstaniek/go-megacan/internal/transport"
)

// writeTimeout bounds one batch write.
const writeTimeout = 5 * time.Second

// writeLoop batches hub frames for p and writes them when the batch fills
// or on every flush tick. Frames still batched when the peer leaves are
// dropped with it.
func (s *Server) writeLoop(ctxDone <-chan struct{}, p *peer) {
	defer s.wg.Done()
	defer s.drop(p)
	enc, _ := s.Codec.(transport.FrameBatchEncoder)
	batch := make([]can.Frame, 0, s.batchSize)
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		n := len(batch)
		defer func() { batch = batch[:0] }()
		if enc == nil {
			return true
		}
		_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := enc.EncodeTo(p.conn, batch); err != nil {
			p.log.Warn("peer_write_error", "error", s.record(fmt.Errorf("%w: %v", ErrConnWrite, err)))
			return false
		}
		metrics.AddTCPTx(n)
		return true
	}
	tick := time.NewTicker(s.flushInterval)
	defer tick.Stop()
	for {
		select {
		case fr := <-p.cl.Out:
			batch = append(batch, fr)
			if len(batch) >= s.batchSize && !flush() {
				return
			}
		case <-tick.C:
			if !flush() {
				return
			}
		case <-p.cl.Closed:
			return
		case <-ctxDone:
			return
		}
	}
}
