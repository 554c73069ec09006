// Package server serves the cannelloni peer port. Every accepted peer joins
// the hub as another node on the bus; frames it sends are handed to the bus
// through SendFunc, frames on the bus reach it through its hub client.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-megacan/internal/can"
	"github.com/kstaniek/go-megacan/internal/cnl"
	"github.com/kstaniek/go-megacan/internal/hub"
	"github.com/kstaniek/go-megacan/internal/logging"
	"github.com/kstaniek/go-megacan/internal/metrics"
	"github.com/kstaniek/go-megacan/internal/transport"
)

// SendFunc puts a frame received from peer src onto the bus.
type SendFunc func(src *hub.Client, fr can.Frame) error

const (
	defaultFlushInterval    = 5 * time.Millisecond
	defaultBatchSize        = 64
	defaultReadDeadline     = 60 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
	defaultPeerBuffer       = 512

	acceptRetryDelay = 200 * time.Millisecond
	keepAlivePeriod  = 30 * time.Second
)

// Stats is a snapshot of peer lifecycle and bus hand-off counts.
type Stats struct {
	Accepted        uint64 `json:"accepted"`
	HandshakeFailed uint64 `json:"handshake_failed"`
	Rejected        uint64 `json:"rejected"`
	Connected       uint64 `json:"connected"`
	Disconnected    uint64 `json:"disconnected"`
	BusOverflow     uint64 `json:"bus_overflow"`
	BusErrors       uint64 `json:"bus_errors"`
	Peers           int    `json:"peers"`
}

type counters struct {
	accepted        atomic.Uint64
	handshakeFailed atomic.Uint64
	rejected        atomic.Uint64
	connected       atomic.Uint64
	disconnected    atomic.Uint64
	busOverflow     atomic.Uint64
	busErrors       atomic.Uint64
}

// peer is one connected bus node.
type peer struct {
	conn net.Conn
	cl   *hub.Client
	log  *slog.Logger
}

// Server accepts cannelloni peers and attaches them to the hub.
type Server struct {
	Hub   *hub.Hub
	Codec transport.FrameDecoder // *cnl.Codec implements
	Send  SendFunc

	frameFilter      func(*can.Frame) bool
	flushInterval    time.Duration
	batchSize        int
	readDeadline     time.Duration
	handshakeTimeout time.Duration
	maxClients       int
	log              *slog.Logger

	// mu guards addr, ln and peers.
	mu    sync.Mutex
	addr  string
	ln    net.Listener
	peers map[*hub.Client]*peer

	nextID    atomic.Uint64
	stats     counters
	readyOnce sync.Once
	ready     chan struct{}
	errMu     sync.Mutex
	lastErr   error
	errCh     chan error
	wg        sync.WaitGroup
}

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		flushInterval:    defaultFlushInterval,
		batchSize:        defaultBatchSize,
		readDeadline:     defaultReadDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
		log:              logging.L(),
		addr:             ":0",
		peers:            make(map[*hub.Client]*peer),
		ready:            make(chan struct{}),
		errCh:            make(chan error, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func WithListenAddr(a string) ServerOption {
	return func(s *Server) {
		if a != "" {
			s.addr = a
		}
	}
}

func WithHub(h *hub.Hub) ServerOption                 { return func(s *Server) { s.Hub = h } }
func WithCodec(c transport.FrameDecoder) ServerOption { return func(s *Server) { s.Codec = c } }
func WithSend(send SendFunc) ServerOption             { return func(s *Server) { s.Send = send } }

// WithFrameFilter drops peer frames for which fn returns false.
func WithFrameFilter(fn func(*can.Frame) bool) ServerOption {
	return func(s *Server) { s.frameFilter = fn }
}

func positive[T int | time.Duration](dst *T, v T) {
	if v > 0 {
		*dst = v
	}
}

func WithFlushInterval(d time.Duration) ServerOption {
	return func(s *Server) { positive(&s.flushInterval, d) }
}

func WithBatchSize(n int) ServerOption { return func(s *Server) { positive(&s.batchSize, n) } }

// WithReadDeadline bounds how long a silent peer keeps its read blocked
// before the reader re-checks for shutdown.
func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) { positive(&s.readDeadline, d) }
}

func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) { positive(&s.handshakeTimeout, d) }
}

// WithMaxClients limits simultaneous peers; 0 means unlimited.
func WithMaxClients(n int) ServerOption { return func(s *Server) { positive(&s.maxClients, n) } }

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// Addr is the listen address; after Ready it holds the bound port.
func (s *Server) Addr() string { s.mu.Lock(); defer s.mu.Unlock(); return s.addr }

func (s *Server) Ready() <-chan struct{} { return s.ready }

// Errors delivers the most recent failure when nobody has drained the
// previous one yet.
func (s *Server) Errors() <-chan error { return s.errCh }

func (s *Server) LastError() error { s.errMu.Lock(); defer s.errMu.Unlock(); return s.lastErr }

// record stores err as the last error, counts it and returns it.
func (s *Server) record(err error) error {
	metrics.IncError(mapErrToMetric(err))
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
	return err
}

// Stats returns the current counters and peer count.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	n := len(s.peers)
	s.mu.Unlock()
	return Stats{
		Accepted:        s.stats.accepted.Load(),
		HandshakeFailed: s.stats.handshakeFailed.Load(),
		Rejected:        s.stats.rejected.Load(),
		Connected:       s.stats.connected.Load(),
		Disconnected:    s.stats.disconnected.Load(),
		BusOverflow:     s.stats.busOverflow.Load(),
		BusErrors:       s.stats.busErrors.Load(),
		Peers:           n,
	}
}

// Serve listens and admits peers until ctx is done or Shutdown closes the
// listener. Only listener failures are returned.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return s.record(fmt.Errorf("%w: %v", ErrListen, err))
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.ln = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
	s.log.Info("tcp_listen", "addr", ln.Addr().String(), "max_clients", s.maxClients)
	go func() { <-ctx.Done(); _ = ln.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) {
				s.log.Warn("tcp_accept_retry", "error", err)
				time.Sleep(acceptRetryDelay)
				continue
			}
			return s.record(fmt.Errorf("%w: %v", ErrAccept, err))
		}
		s.stats.accepted.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.admit(ctx, conn)
		}()
	}
}

// admit handshakes conn, registers it as a peer and then watches it: a peer
// kicked by the hub or cancelled by ctx loses its connection so blocked IO
// returns.
func (s *Server) admit(ctx context.Context, conn net.Conn) {
	id := s.nextID.Add(1)
	log := s.log.With("conn_id", id, "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(keepAlivePeriod)
	}
	if err := cnl.Handshake(ctx, conn, s.handshakeTimeout); err != nil {
		s.stats.handshakeFailed.Add(1)
		log.Warn("handshake_failed", "error", s.record(fmt.Errorf("%w: %v", ErrHandshake, err)))
		_ = conn.Close()
		return
	}
	p, err := s.register(conn, log)
	if err != nil {
		s.stats.rejected.Add(1)
		metrics.IncHubReject()
		log.Warn("peer_rejected", "error", err, "max_clients", s.maxClients)
		_ = conn.Close()
		return
	}
	s.stats.connected.Add(1)
	log.Info("peer_connected")

	s.wg.Add(2)
	go s.writeLoop(ctx.Done(), p)
	go s.readLoop(ctx.Done(), p)
	select {
	case <-p.cl.Closed:
	case <-ctx.Done():
	}
	s.drop(p)
}

// register adds a peer unless the limit is reached. The limit check and the
// insertion share one critical section, so concurrent admissions cannot
// overshoot it.
func (s *Server) register(conn net.Conn, log *slog.Logger) (*peer, error) {
	buf := defaultPeerBuffer
	if s.Hub != nil && s.Hub.OutBufSize > 0 {
		buf = s.Hub.OutBufSize
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxClients > 0 && len(s.peers) >= s.maxClients {
		return nil, fmt.Errorf("%w: %d connected", ErrMaxPeers, len(s.peers))
	}
	p := &peer{
		conn: conn,
		log:  log,
		cl:   &hub.Client{Out: make(chan can.Frame, buf), Closed: make(chan struct{})},
	}
	s.peers[p.cl] = p
	if s.Hub != nil {
		s.Hub.Add(p.cl)
	}
	return p, nil
}

// drop unregisters p and closes its connection. Only the first call for a
// peer has any effect.
func (s *Server) drop(p *peer) {
	s.mu.Lock()
	_, ok := s.peers[p.cl]
	delete(s.peers, p.cl)
	s.mu.Unlock()
	if !ok {
		return
	}
	if s.Hub != nil {
		s.Hub.Remove(p.cl)
	} else {
		p.cl.Close()
	}
	_ = p.conn.Close()
	s.stats.disconnected.Add(1)
	p.log.Info("peer_disconnected")
}

// Shutdown closes the listener and every peer, then waits for the IO
// goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	for _, p := range peers {
		s.drop(p)
	}
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
	}
	st := s.Stats()
	s.log.Info("shutdown_summary",
		"accepted", st.Accepted,
		"handshake_fail", st.HandshakeFailed,
		"rejected", st.Rejected,
		"connected", st.Connected,
		"disconnected", st.Disconnected,
		"bus_overflow", st.BusOverflow,
		"bus_errors", st.BusErrors)
	return nil
}
