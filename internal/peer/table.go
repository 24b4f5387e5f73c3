// Package peer implements the mesh core's Peer Table: the live map from
// endpoint id to peer record, and the connection-supervisor bookkeeping
// (name preservation across racing callbacks, per-peer sync/ping tracking)
// that depends on it.
package peer

import (
	"sync"
	"time"

	"github.com/vince0028/gitchat-mesh/internal/model"
)

// Event describes a change to the Peer Table, delivered to subscribers on a
// channel rather than via direct method invocation (per the cyclic-reference
// design note: callbacks from the transport deliver typed events).
type Event struct {
	Type       string // "update" or "remove"
	EndpointID string
	Peer       model.MeshPeer
}

// Table is the mesh core's peer record map. All mutations happen under one
// mutex; the hot paths here are short enough that fine-grained locking buys
// nothing (per the concurrency model's coarse-lock guidance).
type Table struct {
	mu        sync.Mutex
	peers     map[string]model.MeshPeer
	names     map[string]string // endpointId -> preserved name, across races
	listeners []chan Event
}

// New creates an empty Peer Table.
func New() *Table {
	return &Table{
		peers: make(map[string]model.MeshPeer),
		names: make(map[string]string),
	}
}

// Seed creates a peer record on first discovery, without marking it
// connected. A no-op if the peer already exists (discovery may repeat
// EndpointFound events for the same peer).
func (t *Table) Seed(id, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; ok {
		return
	}
	t.names[id] = name
	p := model.MeshPeer{EndpointID: id, EndpointName: name, LastSeen: time.Now().UnixMilli()}
	t.peers[id] = p
	t.notify(Event{Type: "update", EndpointID: id, Peer: p})
}

// PreserveName records name in the parallel name map so a late-arriving
// ConnectionResult callback can restore it even if an upsert raced ahead
// with a placeholder name.
func (t *Table) PreserveName(id, name string) {
	if name == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.names[id] = name
}

// UpsertConnecting records a peer learned via ConnectionInitiated, without
// clobbering a pre-existing isConnected=true (the ConnectionResult callback
// may have landed first).
func (t *Table) UpsertConnecting(id, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	existing, ok := t.peers[id]
	if ok && existing.IsConnected {
		return
	}
	p := model.MeshPeer{EndpointID: id, EndpointName: name, LastSeen: time.Now().UnixMilli()}
	t.peers[id] = p
	t.notify(Event{Type: "update", EndpointID: id, Peer: p})
}

// MarkConnected marks a peer connected on ConnectionResult(ok), restoring
// its name from the preserved name map so it never regresses to a
// placeholder.
func (t *Table) MarkConnected(id string) model.MeshPeer {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		p = model.MeshPeer{EndpointID: id}
	}
	if preserved, ok := t.names[id]; ok && preserved != "" {
		p.EndpointName = preserved
	}
	p.IsConnected = true
	p.LastSeen = time.Now().UnixMilli()
	t.peers[id] = p
	t.notify(Event{Type: "update", EndpointID: id, Peer: p})
	return p
}

// Remove deletes a peer record on Disconnected.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
	delete(t.names, id)
	t.notify(Event{Type: "remove", EndpointID: id})
}

// UpdatePeerInfo applies a PeerInfo packet: device model always, endpoint
// name only if the carried name is non-empty.
func (t *Table) UpdatePeerInfo(id, deviceModel, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return
	}
	p.DeviceModel = deviceModel
	if name != "" {
		p.EndpointName = name
	}
	t.peers[id] = p
	t.notify(Event{Type: "update", EndpointID: id, Peer: p})
}

// UpdateRTT applies a Pong's measured round-trip time, updating the
// bucketed distance estimate.
func (t *Table) UpdateRTT(id string, rttMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return
	}
	p.LastRTTMs = rttMs
	p.EstimatedDistance = model.DistanceBucket(rttMs)
	t.peers[id] = p
	t.notify(Event{Type: "update", EndpointID: id, Peer: p})
}

// Get returns the peer record for id, if any.
func (t *Table) Get(id string) (model.MeshPeer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	return p, ok
}

// IsConnected reports whether a peer is currently connected.
func (t *Table) IsConnected(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peers[id].IsConnected
}

// ConnectedIDs returns the endpoint ids of every currently connected peer.
func (t *Table) ConnectedIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.peers))
	for id, p := range t.peers {
		if p.IsConnected {
			ids = append(ids, id)
		}
	}
	return ids
}

// Snapshot returns a copy of every peer record.
func (t *Table) Snapshot() map[string]model.MeshPeer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]model.MeshPeer, len(t.peers))
	for k, v := range t.peers {
		out[k] = v
	}
	return out
}

// Subscribe registers a new listener for peer table change events.
func (t *Table) Subscribe() chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a previously-subscribed channel.
func (t *Table) Unsubscribe(ch chan Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, l := range t.listeners {
		if l == ch {
			close(l)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *Table) notify(evt Event) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
