// Package hub fans bus frames out to cannelloni peers. In bridge mode the
// peers observe the physical bus; in virtual-bus mode they are the bus.
package hub

import (
	"sync"

	"github.com/kstaniek/go-megacan/internal/can"
	"github.com/kstaniek/go-megacan/internal/logging"
	"github.com/kstaniek/go-megacan/internal/metrics"
)

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

// ParsePolicy maps "drop" or "kick" to a policy.
func ParsePolicy(s string) (BackpressurePolicy, bool) {
	switch s {
	case "drop":
		return PolicyDrop, true
	case "kick":
		return PolicyKick, true
	}
	return PolicyDrop, false
}

type Client struct {
	Out       chan can.Frame
	Closed    chan struct{}
	closeOnce sync.Once
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

func New() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(cur)
	if cur == 1 {
		logging.L().Info("peers_first_connected")
	}
}

// Remove unregisters a client; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(cur)
	if existed && cur == 0 {
		logging.L().Info("peers_last_disconnected")
	}
}

// Broadcast sends fr to every peer.
func (h *Hub) Broadcast(fr can.Frame) { h.BroadcastFrom(nil, fr) }

// BroadcastFrom sends fr to every peer except src, the peer that put it on
// the bus. Slow peers are handled by the backpressure policy; the call never
// blocks.
func (h *Hub) BroadcastFrom(src *Client, fr can.Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	deepest := 0
	for c := range h.clients {
		if c == src {
			continue
		}
		deepest = max(deepest, len(c.Out))
		select {
		case c.Out <- fr:
		default:
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				c.Close() // writer exits; server removes the peer
			} else {
				metrics.IncHubDrop()
			}
		}
	}
	metrics.SetHubQueueMax(deepest)
}

// Count returns the number of connected peers.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
