// Package sync implements the mesh core's compare-and-send Sync Engine
// (§4.5): on each new peer connection, exchange known message/group ids and
// reply with a bounded batch of what the other side is missing.
package sync

import (
	"sync"

	"github.com/vince0028/gitchat-mesh/internal/dedup"
	"github.com/vince0028/gitchat-mesh/internal/model"
	"github.com/vince0028/gitchat-mesh/internal/packet"
	"github.com/vince0028/gitchat-mesh/internal/store"
)

// MaxMessages is the bounded batch cap: a SyncResponse never carries more
// than this many messages, so one oversized transfer cannot stall a
// constrained-MTU transport.
const MaxMessages = 50

// Sender delivers an encoded packet to one connected peer. Implemented by
// the gossip router; kept minimal here so this package never depends on it.
type Sender interface {
	SendPacket(peerID string, t packet.Type, payload any) error
}

// Membership answers "is self a member of group g" and "which groups is
// self in", backed by the store.
type Membership interface {
	IsMember(groupID string) bool
	MemberGroupIDs() []string
}

// Engine drives the sync protocol for one node.
type Engine struct {
	store  store.Store
	dedup  *dedup.Set
	sender Sender
	self   string

	mu         sync.Mutex
	syncedOnce map[string]bool // endpointID -> SyncRequest already sent once

	// Deliver is invoked for each message the response/addressing logic
	// decides is "for me"; typically wired to the gossip router's local
	// delivery + persist path.
	Deliver func(m model.ChatMessage)
	// PendingInvite is invoked for each unknown group surfaced by a sync
	// exchange, adding it to pending invites unless already joined/pending.
	PendingInvite func(g model.MeshGroup)
	// IsJoinedOrPending reports whether a group is already joined or
	// already pending, to avoid duplicate invite entries.
	IsJoinedOrPending func(groupID string) bool
}

// New creates a sync Engine.
func New(st store.Store, dd *dedup.Set, sender Sender, self string) *Engine {
	return &Engine{
		store:      st,
		dedup:      dd,
		sender:     sender,
		self:       self,
		syncedOnce: make(map[string]bool),
	}
}

// localMessageIDs and localGroupIDs are small helpers over the store.
func (e *Engine) localMessageIDs() ([]string, error) {
	groups, err := e.store.GetGroups()
	if err != nil {
		return nil, err
	}
	var ids []string
	collect := func(groupID string) error {
		msgs, err := e.store.GetMessages(groupID)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			ids = append(ids, m.ID)
		}
		return nil
	}
	if err := collect(""); err != nil {
		return nil, err
	}
	for _, g := range groups {
		if err := collect(g.ID); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (e *Engine) localGroupIDs() ([]string, error) {
	groups, err := e.store.GetGroups()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.ID)
	}
	return ids, nil
}

// TriggerOnce sends a SyncRequest to peerID, but only the first time it is
// called for that peer (per §4.3's "once per peer, tracked by a
// synced_peers set"). A subsequent call to RequestGroupSync bypasses this
// guard deliberately (re-syncing after joining a new group is expected).
func (e *Engine) TriggerOnce(peerID string) error {
	e.mu.Lock()
	if e.syncedOnce[peerID] {
		e.mu.Unlock()
		return nil
	}
	e.syncedOnce[peerID] = true
	e.mu.Unlock()
	return e.sendRequest(peerID)
}

// RequestGroupSync re-issues a SyncRequest after the user joins a new
// group, so history for it flows back.
func (e *Engine) RequestGroupSync(peerID string) error {
	return e.sendRequest(peerID)
}

func (e *Engine) sendRequest(peerID string) error {
	msgIDs, err := e.localMessageIDs()
	if err != nil {
		return err
	}
	groupIDs, err := e.localGroupIDs()
	if err != nil {
		return err
	}
	return e.sender.SendPacket(peerID, packet.TypeSyncRequest, packet.SyncRequestPayload{
		MessageIDs: msgIDs,
		GroupIDs:   groupIDs,
	})
}

// Forget clears the once-synced marker for peerID, called on disconnect so
// a future reconnect can sync again.
func (e *Engine) Forget(peerID string) {
	e.mu.Lock()
	delete(e.syncedOnce, peerID)
	e.mu.Unlock()
}

// HandleRequest answers an inbound SyncRequest: computes the set
// difference, replies with a bounded SyncResponse, and symmetrically issues
// its own SyncRequest back to the caller.
func (e *Engine) HandleRequest(fromID string, req packet.SyncRequestPayload) error {
	known := make(map[string]bool, len(req.MessageIDs))
	for _, id := range req.MessageIDs {
		known[id] = true
	}
	requesterGroups := make(map[string]bool, len(req.GroupIDs))
	for _, id := range req.GroupIDs {
		requesterGroups[id] = true
	}

	localGroups, err := e.store.GetGroups()
	if err != nil {
		return err
	}

	var missing []model.ChatMessage

	appendMissing := func(groupID string) error {
		msgs, err := e.store.GetMessages(groupID)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if len(missing) >= MaxMessages {
				return nil
			}
			if known[m.ID] || m.IsDeleted || m.MessageType != model.MessageTypeText {
				continue
			}
			missing = append(missing, m)
		}
		return nil
	}

	// Broadcast first.
	if err := appendMissing(""); err != nil {
		return err
	}
	// Then group messages, but only for groups the requester is also in.
	for _, g := range localGroups {
		if len(missing) >= MaxMessages {
			break
		}
		if !requesterGroups[g.ID] {
			continue
		}
		if err := appendMissing(g.ID); err != nil {
			return err
		}
	}
	if len(missing) > MaxMessages {
		missing = missing[:MaxMessages]
	}

	var unknownGroups []model.MeshGroup
	for _, g := range localGroups {
		if !requesterGroups[g.ID] {
			unknownGroups = append(unknownGroups, g)
		}
	}

	if err := e.sender.SendPacket(fromID, packet.TypeSyncResponse, packet.SyncResponsePayload{
		Messages: missing,
		Groups:   unknownGroups,
	}); err != nil {
		return err
	}

	// Symmetry: always issue our own SyncRequest back, exactly once per
	// connection lifetime (guarded by the same syncedOnce set).
	return e.TriggerOnce(fromID)
}

// HandleResponse processes an inbound SyncResponse: unknown groups become
// pending invites, unknown (and not-yet-seen) messages are delivered.
func (e *Engine) HandleResponse(resp packet.SyncResponsePayload) error {
	for _, g := range resp.Groups {
		if e.IsJoinedOrPending != nil && e.IsJoinedOrPending(g.ID) {
			continue
		}
		if e.PendingInvite != nil {
			e.PendingInvite(g)
		}
	}
	for _, m := range resp.Messages {
		has, err := e.store.HasMessage(m.ID)
		if err != nil {
			return err
		}
		if has || e.dedup.Contains(m.ID) {
			continue
		}
		e.dedup.Insert(m.ID)
		if !isForMe(m, e.self, e.isGroupMember) {
			continue
		}
		if err := e.store.SaveMessage(m); err != nil {
			return err
		}
		if e.Deliver != nil {
			e.Deliver(m)
		}
	}
	return nil
}

func (e *Engine) isGroupMember(groupID string) bool {
	ok, err := e.store.IsGroupMember(groupID, e.self)
	return err == nil && ok
}

// isForMe implements the addressing invariant from §8: true iff groupId is
// non-empty and self is a member of it, or To is self or "broadcast".
func isForMe(m model.ChatMessage, self string, isMember func(string) bool) bool {
	if m.GroupID != "" {
		return isMember(m.GroupID)
	}
	return m.To == self || m.To == model.BroadcastTo
}

// IsForMe exports the addressing check for reuse by the gossip router.
func IsForMe(m model.ChatMessage, self string, isMember func(string) bool) bool {
	return isForMe(m, self, isMember)
}
