package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/vince0028/gitchat-mesh/internal/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSaveAndGetMessage(t *testing.T) {
	db := openTestDB(t)
	m := model.ChatMessage{ID: "m1", From: "alice", To: "broadcast", Body: "hi", Timestamp: 1, TTL: 3, MessageType: model.MessageTypeText}
	if err := db.SaveMessage(m); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	has, err := db.HasMessage("m1")
	if err != nil || !has {
		t.Fatalf("HasMessage = %v, %v", has, err)
	}
	msgs, err := db.GetMessages("")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "hi" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestEditAndDeleteMessage(t *testing.T) {
	db := openTestDB(t)
	db.SaveMessage(model.ChatMessage{ID: "m1", Timestamp: 1, MessageType: model.MessageTypeText})
	if err := db.EditMessage("m1", "edited"); err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	msgs, _ := db.GetMessages("")
	if msgs[0].Body != "edited" || !msgs[0].IsEdited {
		t.Fatalf("edit not applied: %+v", msgs[0])
	}
	if err := db.DeleteMessage("m1"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	msgs, _ = db.GetMessages("")
	if !msgs[0].IsDeleted {
		t.Fatalf("delete not applied: %+v", msgs[0])
	}

	// Unknown id: silent no-op.
	if err := db.EditMessage("ghost", "x"); err != nil {
		t.Fatalf("EditMessage on unknown id should be silent: %v", err)
	}
}

func TestGroupLifecycle(t *testing.T) {
	db := openTestDB(t)
	g := model.MeshGroup{ID: "MESH_AAAAAA", Name: "friends", CreatedBy: "alice", CreatedAt: 1, Members: []string{"alice"}, SymmetricKey: "k"}
	if err := db.SaveGroup(g); err != nil {
		t.Fatalf("SaveGroup: %v", err)
	}
	got, ok, err := db.GetGroup(g.ID)
	if err != nil || !ok {
		t.Fatalf("GetGroup: %v %v", ok, err)
	}
	if got.Name != "friends" || len(got.Members) != 1 {
		t.Fatalf("unexpected group: %+v", got)
	}

	if err := db.AddMemberToGroup(g.ID, "bob"); err != nil {
		t.Fatalf("AddMemberToGroup: %v", err)
	}
	isMember, err := db.IsGroupMember(g.ID, "bob")
	if err != nil || !isMember {
		t.Fatalf("IsGroupMember bob = %v, %v", isMember, err)
	}

	if err := db.RemoveMemberFromGroup(g.ID, "bob"); err != nil {
		t.Fatalf("RemoveMemberFromGroup: %v", err)
	}
	isMember, _ = db.IsGroupMember(g.ID, "bob")
	if isMember {
		t.Fatal("expected bob removed")
	}

	if err := db.RenameGroup(g.ID, "besties"); err != nil {
		t.Fatalf("RenameGroup: %v", err)
	}
	got, _, _ = db.GetGroup(g.ID)
	if got.Name != "besties" {
		t.Fatalf("rename not applied: %+v", got)
	}

	if err := db.DeleteGroup(g.ID); err != nil {
		t.Fatalf("DeleteGroup: %v", err)
	}
	_, ok, _ = db.GetGroup(g.ID)
	if ok {
		t.Fatal("expected group deleted")
	}
}

func TestUsername(t *testing.T) {
	db := openTestDB(t)
	if _, ok, err := db.GetUsername(); err != nil || ok {
		t.Fatalf("expected no username yet, ok=%v err=%v", ok, err)
	}
	if err := db.SaveUsername("alice"); err != nil {
		t.Fatalf("SaveUsername: %v", err)
	}
	name, ok, err := db.GetUsername()
	if err != nil || !ok || name != "alice" {
		t.Fatalf("GetUsername = %q, %v, %v", name, ok, err)
	}
}

func TestClearMessages(t *testing.T) {
	db := openTestDB(t)
	db.SaveMessage(model.ChatMessage{ID: "b1", Timestamp: 1, MessageType: model.MessageTypeText})
	db.SaveMessage(model.ChatMessage{ID: "g1", GroupID: "MESH_AAAAAA", Timestamp: 1, MessageType: model.MessageTypeText})

	if err := db.ClearBroadcastMessages(); err != nil {
		t.Fatalf("ClearBroadcastMessages: %v", err)
	}
	msgs, _ := db.GetMessages("")
	if len(msgs) != 0 {
		t.Fatalf("expected broadcast cleared, got %+v", msgs)
	}

	if err := db.ClearGroupMessages("MESH_AAAAAA"); err != nil {
		t.Fatalf("ClearGroupMessages: %v", err)
	}
	msgs, _ = db.GetMessages("MESH_AAAAAA")
	if len(msgs) != 0 {
		t.Fatalf("expected group cleared, got %+v", msgs)
	}
}
