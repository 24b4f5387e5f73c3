package group

import (
	"testing"

	"github.com/vince0028/gitchat-mesh/internal/model"
	"github.com/vince0028/gitchat-mesh/internal/packet"
	"github.com/vince0028/gitchat-mesh/internal/store"
)

var _ store.Store = (*fakeStore)(nil)

type fakeStore struct {
	groups  map[string]model.MeshGroup
	members map[string]map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{groups: map[string]model.MeshGroup{}, members: map[string]map[string]bool{}}
}

func (f *fakeStore) SaveMessage(m model.ChatMessage) error              { return nil }
func (f *fakeStore) HasMessage(id string) (bool, error)                 { return false, nil }
func (f *fakeStore) EditMessage(id, body string) error                  { return nil }
func (f *fakeStore) DeleteMessage(id string) error                      { return nil }
func (f *fakeStore) GetMessages(groupID string) ([]model.ChatMessage, error) { return nil, nil }
func (f *fakeStore) ClearGroupMessages(groupID string) error            { return nil }
func (f *fakeStore) ClearBroadcastMessages() error                      { return nil }
func (f *fakeStore) SaveGroup(g model.MeshGroup) error {
	f.groups[g.ID] = g
	if f.members[g.ID] == nil {
		f.members[g.ID] = map[string]bool{}
	}
	for _, m := range g.Members {
		f.members[g.ID][m] = true
	}
	return nil
}
func (f *fakeStore) GetGroup(id string) (model.MeshGroup, bool, error) {
	g, ok := f.groups[id]
	return g, ok, nil
}
func (f *fakeStore) GetGroups() ([]model.MeshGroup, error) {
	var out []model.MeshGroup
	for _, g := range f.groups {
		out = append(out, g)
	}
	return out, nil
}
func (f *fakeStore) IsGroupMember(id, name string) (bool, error) { return f.members[id][name], nil }
func (f *fakeStore) AddMemberToGroup(id, name string) error {
	if f.members[id] == nil {
		f.members[id] = map[string]bool{}
	}
	f.members[id][name] = true
	if g, ok := f.groups[id]; ok && !g.HasMember(name) {
		g.Members = append(g.Members, name)
		f.groups[id] = g
	}
	return nil
}
func (f *fakeStore) RemoveMemberFromGroup(id, name string) error { delete(f.members[id], name); return nil }
func (f *fakeStore) RenameGroup(id, newName string) error {
	g := f.groups[id]
	g.Name = newName
	f.groups[id] = g
	return nil
}
func (f *fakeStore) DeleteGroup(id string) error     { delete(f.groups, id); delete(f.members, id); return nil }
func (f *fakeStore) GetUsername() (string, bool, error) { return "", false, nil }
func (f *fakeStore) SaveUsername(name string) error     { return nil }
func (f *fakeStore) Close() error                       { return nil }

type recordedSend struct {
	peerID string
	typ    packet.Type
}

type fakeSender struct {
	sent       []recordedSend
	broadcasts []recordedSend
}

func (s *fakeSender) SendPacket(peerID string, t packet.Type, payload any) error {
	s.sent = append(s.sent, recordedSend{peerID, t})
	return nil
}

func (s *fakeSender) Broadcast(t packet.Type, payload any, exceptPeerID string) {
	s.broadcasts = append(s.broadcasts, recordedSend{exceptPeerID, t})
}

func TestCreateGroupMatchesIDPattern(t *testing.T) {
	st := newFakeStore()
	m := New(st, &fakeSender{}, "alice")
	g, err := m.CreateGroup("Friends", "", 1000)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if !model.GroupIDPattern.MatchString(g.ID) {
		t.Fatalf("group id %q does not match pattern", g.ID)
	}
	if !g.HasMember("alice") {
		t.Fatalf("expected creator as member, got %+v", g.Members)
	}
}

func TestHandleInviteDropsIfAlreadyMember(t *testing.T) {
	st := newFakeStore()
	st.SaveGroup(model.MeshGroup{ID: "MESH_ABCDEF", Members: []string{"bob"}})
	sender := &fakeSender{}
	m := New(st, sender, "bob")
	var invited bool
	m.OnInvite = func(g model.MeshGroup) { invited = true }

	if err := m.HandleInvite(model.MeshGroup{ID: "MESH_ABCDEF"}); err != nil {
		t.Fatalf("HandleInvite: %v", err)
	}
	if invited {
		t.Fatal("expected no invite surfaced for a group already joined")
	}
	if len(m.PendingInvites()) != 0 {
		t.Fatal("expected no pending invite recorded")
	}
}

func TestJoinWithWrongPasswordFails(t *testing.T) {
	st := newFakeStore()
	sender := &fakeSender{}
	m := New(st, sender, "carol")
	m.HandleInvite(model.MeshGroup{ID: "MESH_ABCDEF", Password: "secret"})

	err := m.JoinWithCredentials("MESH_ABCDEF", "wrong", "peer1")
	if err != model.ErrWrongPassword {
		t.Fatalf("expected ErrWrongPassword, got %v", err)
	}
}

func TestJoinWithCredentialsBroadcastsAckAndSyncs(t *testing.T) {
	st := newFakeStore()
	sender := &fakeSender{}
	m := New(st, sender, "carol")
	m.HandleInvite(model.MeshGroup{ID: "MESH_ABCDEF", Password: "secret"})

	var syncedPeer, syncedGroup string
	m.OnRequestGroupSync = func(peerID, groupID string) { syncedPeer, syncedGroup = peerID, groupID }

	if err := m.JoinWithCredentials("MESH_ABCDEF", "secret", "peer1"); err != nil {
		t.Fatalf("JoinWithCredentials: %v", err)
	}
	if len(sender.broadcasts) != 1 || sender.broadcasts[0].typ != packet.TypeGroupJoinAck {
		t.Fatalf("expected one GroupJoinAck broadcast, got %+v", sender.broadcasts)
	}
	if syncedPeer != "peer1" || syncedGroup != "MESH_ABCDEF" {
		t.Fatalf("expected group sync requested from peer1/MESH_ABCDEF, got %s/%s", syncedPeer, syncedGroup)
	}
	isMember, _ := st.IsGroupMember("MESH_ABCDEF", "carol")
	if !isMember {
		t.Fatal("expected carol added as member after join")
	}
	if len(m.PendingInvites()) != 0 {
		t.Fatal("expected invite removed from pending after join")
	}
}

func TestHandleJoinAckIsIdempotent(t *testing.T) {
	st := newFakeStore()
	st.SaveGroup(model.MeshGroup{ID: "MESH_ABCDEF", Members: []string{"alice"}})
	m := New(st, &fakeSender{}, "alice")

	if err := m.HandleJoinAck(packet.GroupJoinAckPayload{GroupID: "MESH_ABCDEF", Username: "bob"}); err != nil {
		t.Fatalf("HandleJoinAck: %v", err)
	}
	if err := m.HandleJoinAck(packet.GroupJoinAckPayload{GroupID: "MESH_ABCDEF", Username: "bob"}); err != nil {
		t.Fatalf("HandleJoinAck second call: %v", err)
	}
	g, _, _ := st.GetGroup("MESH_ABCDEF")
	count := 0
	for _, name := range g.Members {
		if name == "bob" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected bob added exactly once, got %d entries in %+v", count, g.Members)
	}
}

func TestClearGroupMessagesBroadcasts(t *testing.T) {
	st := newFakeStore()
	sender := &fakeSender{}
	m := New(st, sender, "alice")
	if err := m.ClearGroupMessages("MESH_ABCDEF"); err != nil {
		t.Fatalf("ClearGroupMessages: %v", err)
	}
	if len(sender.broadcasts) != 1 || sender.broadcasts[0].typ != packet.TypeClearMessages {
		t.Fatalf("expected a ClearMessages broadcast, got %+v", sender.broadcasts)
	}
}
