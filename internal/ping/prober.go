// Package ping implements the periodic round-trip probe and RTT-to-distance
// bucketing described in §4.9 / §4.4's Ping/Pong handling.
package ping

import (
	"sync"
	"time"

	"github.com/vince0028/gitchat-mesh/internal/packet"
	"github.com/vince0028/gitchat-mesh/internal/peer"
)

// Cadence is the fixed ping interval: started after the first connected
// peer, cancelled when the set empties.
const Cadence = 3 * time.Second

// Sender delivers a Ping/Pong packet to one connected peer.
type Sender interface {
	SendPacket(peerID string, t packet.Type, payload any) error
}

// Prober drives the ping timer and answers inbound Ping/Pong packets.
type Prober struct {
	sender Sender
	peers  *peer.Table

	mu      sync.Mutex
	cancel  func()
	running bool

	now func() time.Time
}

// New creates a Prober. now defaults to time.Now if nil (tests may override
// it to make RTT deterministic).
func New(sender Sender, peers *peer.Table) *Prober {
	return &Prober{sender: sender, peers: peers, now: time.Now}
}

// EnsureRunning starts the 3s ping timer if it is not already running.
// Called once per node whenever the connected-peer set transitions from
// empty to non-empty.
func (p *Prober) EnsureRunning() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	stop := make(chan struct{})
	p.cancel = func() { close(stop) }
	go p.loop(stop)
}

// Stop cancels the ping timer. Called when the connected-peer set empties.
func (p *Prober) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	p.cancel()
}

func (p *Prober) loop(stop <-chan struct{}) {
	t := time.NewTicker(Cadence)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			p.pingAll()
		}
	}
}

func (p *Prober) pingAll() {
	ts := p.now().UnixMilli()
	for _, id := range p.peers.ConnectedIDs() {
		_ = p.sender.SendPacket(id, packet.TypePing, packet.PingPayload{Timestamp: ts})
	}
}

// HandlePing answers an inbound Ping immediately with a Pong carrying the
// same timestamp.
func (p *Prober) HandlePing(fromID string, ping packet.PingPayload) error {
	return p.sender.SendPacket(fromID, packet.TypePong, packet.PongPayload{Timestamp: ping.Timestamp})
}

// HandlePong computes the round trip and updates the peer's RTT/distance.
func (p *Prober) HandlePong(fromID string, pong packet.PongPayload) {
	rtt := p.now().UnixMilli() - pong.Timestamp
	if rtt < 0 {
		rtt = 0
	}
	p.peers.UpdateRTT(fromID, rtt)
}
