// Package supervisor drives discovery callbacks into connection attempts
// with exponential backoff and jitter, and reconciles the concurrent-
// initiate race the short-range clustered radio is prone to (§4.3).
package supervisor

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/vince0028/gitchat-mesh/internal/peer"
	"github.com/vince0028/gitchat-mesh/internal/transport"
)

const maxAttempts = 7

// baseDelay and jitterMax implement attempt k's wait: 1000*2^(k-1) ms plus a
// uniform 0-1500 ms jitter.
const (
	baseDelay = 1000 * time.Millisecond
	jitterMax = 1500 * time.Millisecond
)

// Supervisor owns the per-endpoint attempt-loop lifecycle.
type Supervisor struct {
	adapter  transport.Adapter
	peers    *peer.Table
	selfName string

	mu       sync.Mutex
	attempts map[string]context.CancelFunc

	// OnConnected is invoked once an endpoint transitions to connected,
	// after name restoration. Set by the mesh supervisor to kick off
	// PeerInfo send, ping timer start, and the one-shot sync request.
	OnConnected func(endpointID string)
}

// New creates a Supervisor bound to adapter and the shared peer table.
func New(adapter transport.Adapter, peers *peer.Table, selfName string) *Supervisor {
	return &Supervisor{
		adapter:  adapter,
		peers:    peers,
		selfName: selfName,
		attempts: make(map[string]context.CancelFunc),
	}
}

// HandleEndpointFound starts an attempt loop for a newly discovered
// endpoint, unless it is already connected.
func (s *Supervisor) HandleEndpointFound(id, name string) {
	if p, ok := s.peers.Get(id); ok && p.IsConnected {
		return
	}
	s.peers.Seed(id, name)
	s.peers.PreserveName(id, name)

	s.mu.Lock()
	if _, running := s.attempts[id]; running {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.attempts[id] = cancel
	s.mu.Unlock()

	go s.attemptLoop(ctx, id, name)
}

// HandleEndpointLost cancels any in-flight attempt loop for id; it does not
// by itself remove a peer that is already connected.
func (s *Supervisor) HandleEndpointLost(id string) {
	s.cancelAttempt(id)
}

func (s *Supervisor) cancelAttempt(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.attempts[id]; ok {
		cancel()
		delete(s.attempts, id)
	}
}

func (s *Supervisor) attemptLoop(ctx context.Context, id, name string) {
	defer s.cancelAttempt(id)
	for k := 1; k <= maxAttempts; k++ {
		wait := baseDelay * time.Duration(1<<(k-1))
		wait += time.Duration(rand.Int64N(int64(jitterMax) + 1))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		if p, ok := s.peers.Get(id); ok && p.IsConnected {
			return
		}

		if err := s.adapter.RequestConnection(ctx, id, name); err != nil {
			continue
		}
	}
}

// HandleConnectionInitiated responds to an inbound connection attempt:
// accept immediately and upsert the peer record without clobbering an
// already-connected peer.
func (s *Supervisor) HandleConnectionInitiated(id, name string) {
	s.peers.UpsertConnecting(id, name)
	s.peers.PreserveName(id, name)
	_ = s.adapter.AcceptConnection(id)
}

// HandleConnectionResult marks a peer connected on success and stops its
// attempt loop; any other result is a no-op here (the attempt loop itself
// will retry or give up).
func (s *Supervisor) HandleConnectionResult(id string, result transport.ResultStatus) {
	if result != transport.ResultOK {
		return
	}
	s.cancelAttempt(id)
	s.peers.MarkConnected(id)
	if s.OnConnected != nil {
		s.OnConnected(id)
	}
}

// HandleDisconnected removes the peer and any in-flight attempt.
func (s *Supervisor) HandleDisconnected(id string) {
	s.cancelAttempt(id)
	s.peers.Remove(id)
}

// Stop cancels every in-flight attempt loop.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.attempts {
		cancel()
		delete(s.attempts, id)
	}
}
