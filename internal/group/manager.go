// Package group implements the Group Manager: joined groups, password-gated
// pending invites, the invite/join-ack gossip protocol, and group-scoped
// clear-messages.
package group

import (
	"fmt"
	"sync"

	"github.com/vince0028/gitchat-mesh/internal/model"
	"github.com/vince0028/gitchat-mesh/internal/packet"
	"github.com/vince0028/gitchat-mesh/internal/store"
)

// Sender delivers a packet to one connected peer or broadcasts it to every
// connected peer except exceptPeerID (pass "" to except no one).
type Sender interface {
	SendPacket(peerID string, t packet.Type, payload any) error
	Broadcast(t packet.Type, payload any, exceptPeerID string)
}

// Manager owns joined groups and pending invites for one node. Joined
// groups themselves are persisted through store.Store; Manager only tracks
// invites still awaiting a join decision.
type Manager struct {
	store  store.Store
	sender Sender
	self   string

	mu      sync.Mutex
	pending map[string]model.MeshGroup

	// OnInvite notifies the caller (typically the mesh supervisor's event
	// stream) that a new invite arrived.
	OnInvite func(g model.MeshGroup)
	// OnRequestGroupSync, if set, is invoked after a successful join so the
	// caller can re-issue a SyncRequest scoped to the new group.
	OnRequestGroupSync func(peerID string, groupID string)
}

// New creates a Group Manager.
func New(st store.Store, sender Sender, self string) *Manager {
	return &Manager{store: st, sender: sender, self: self, pending: make(map[string]model.MeshGroup)}
}

// CreateGroup makes self the creator and sole initial member, persists it,
// and returns the record (including a freshly generated symmetric key).
func (m *Manager) CreateGroup(name, password string, createdAt int64) (model.MeshGroup, error) {
	id, err := model.NewGroupID()
	if err != nil {
		return model.MeshGroup{}, fmt.Errorf("group: generate id: %w", err)
	}
	key, err := model.NewSymmetricKey()
	if err != nil {
		return model.MeshGroup{}, fmt.Errorf("group: generate key: %w", err)
	}
	g := model.MeshGroup{
		ID: id, Name: name, CreatedBy: m.self, CreatedAt: createdAt,
		Members: []string{m.self}, SymmetricKey: key, Password: password,
	}
	if err := m.store.SaveGroup(g); err != nil {
		return model.MeshGroup{}, err
	}
	return g, nil
}

// InviteTo sends a GroupInvite for an already-joined group to a directly
// connected peer.
func (m *Manager) InviteTo(peerID string, g model.MeshGroup) error {
	return m.sender.SendPacket(peerID, packet.TypeGroupInvite, g)
}

// HandleInvite applies an inbound GroupInvite: if self is already a member,
// drop it; otherwise stash the full record as pending, awaiting a user
// decision.
func (m *Manager) HandleInvite(g model.MeshGroup) error {
	isMember, err := m.store.IsGroupMember(g.ID, m.self)
	if err != nil {
		return err
	}
	if isMember {
		return nil
	}
	m.mu.Lock()
	m.pending[g.ID] = g
	m.mu.Unlock()
	if m.OnInvite != nil {
		m.OnInvite(g)
	}
	return nil
}

// IsJoinedOrPending reports whether groupID is already a joined group or
// already sitting in pending invites. Used by the sync engine to avoid
// surfacing duplicate invite entries for a group already known.
func (m *Manager) IsJoinedOrPending(groupID string) bool {
	if isMember, err := m.store.IsGroupMember(groupID, m.self); err == nil && isMember {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, pending := m.pending[groupID]
	return pending
}

// PendingInvites returns a snapshot of groups awaiting a join decision.
func (m *Manager) PendingInvites() []model.MeshGroup {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.MeshGroup, 0, len(m.pending))
	for _, g := range m.pending {
		out = append(out, g)
	}
	return out
}

// JoinWithCredentials promotes a pending invite (or an already-known group
// record) to joined after password verification, adds self as a member,
// broadcasts a GroupJoinAck, and triggers a group-scoped sync so history
// flows back from toPeerID.
func (m *Manager) JoinWithCredentials(groupID, password, toPeerID string) error {
	m.mu.Lock()
	g, ok := m.pending[groupID]
	m.mu.Unlock()
	if !ok {
		g2, found, err := m.store.GetGroup(groupID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("group: unknown group %s", groupID)
		}
		g = g2
	}
	if g.Password != "" && g.Password != password {
		return model.ErrWrongPassword
	}

	joined := g.WithMember(m.self)
	if err := m.store.SaveGroup(joined); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.pending, groupID)
	m.mu.Unlock()

	m.sender.Broadcast(packet.TypeGroupJoinAck, packet.GroupJoinAckPayload{GroupID: groupID, Username: m.self}, "")

	if m.OnRequestGroupSync != nil && toPeerID != "" {
		m.OnRequestGroupSync(toPeerID, groupID)
	}
	return nil
}

// HandleJoinAck appends username to the group's member list if absent;
// idempotent on repeated delivery.
func (m *Manager) HandleJoinAck(ack packet.GroupJoinAckPayload) error {
	g, found, err := m.store.GetGroup(ack.GroupID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if g.HasMember(ack.Username) {
		return nil
	}
	return m.store.AddMemberToGroup(g.ID, ack.Username)
}

// ClearGroupMessages clears a group's messages locally and broadcasts the
// clear so other members follow suit.
func (m *Manager) ClearGroupMessages(groupID string) error {
	if err := m.store.ClearGroupMessages(groupID); err != nil {
		return err
	}
	m.sender.Broadcast(packet.TypeClearMessages, packet.ClearMessagesPayload{GroupID: groupID}, "")
	return nil
}

// ClearBroadcastMessages clears broadcast messages locally and broadcasts
// the clear.
func (m *Manager) ClearBroadcastMessages() error {
	if err := m.store.ClearBroadcastMessages(); err != nil {
		return err
	}
	m.sender.Broadcast(packet.TypeClearMessages, packet.ClearMessagesPayload{}, "")
	return nil
}
