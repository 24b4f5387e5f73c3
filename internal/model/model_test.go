package model

import "testing"

func TestNewGroupIDFormat(t *testing.T) {
	for i := 0; i < 200; i++ {
		id, err := NewGroupID()
		if err != nil {
			t.Fatalf("NewGroupID: %v", err)
		}
		if !GroupIDPattern.MatchString(id) {
			t.Fatalf("id %q does not match %s", id, GroupIDPattern)
		}
	}
}

func TestMeshGroupWithMemberMonotonic(t *testing.T) {
	g := MeshGroup{ID: "MESH_AAAAAA", CreatedBy: "alice", Members: []string{"alice"}}
	g2 := g.WithMember("bob")
	if len(g2.Members) != 2 || !g2.HasMember("bob") {
		t.Fatalf("expected bob added, got %v", g2.Members)
	}
	g3 := g2.WithMember("bob")
	if len(g3.Members) != 2 {
		t.Fatalf("expected idempotent insert, got %v", g3.Members)
	}
	if len(g.Members) != 1 {
		t.Fatalf("original group mutated: %v", g.Members)
	}
}

func TestDistanceBucket(t *testing.T) {
	cases := []struct {
		rtt  int64
		want string
	}{
		{0, Distance1to2m},
		{199, Distance1to2m},
		{200, Distance3to5m},
		{399, Distance3to5m},
		{400, Distance5to10m},
		{699, Distance5to10m},
		{700, Distance10to20m},
		{1199, Distance10to20m},
		{1200, Distance20to30m},
		{1999, Distance20to30m},
		{2000, Distance30mPlus},
		{5000, Distance30mPlus},
	}
	for _, c := range cases {
		if got := DistanceBucket(c.rtt); got != c.want {
			t.Errorf("DistanceBucket(%d) = %q, want %q", c.rtt, got, c.want)
		}
	}
}

func TestChatMessageRelayed(t *testing.T) {
	m := ChatMessage{ID: "m1", TTL: 2, IsRelayed: false}
	r := m.Relayed()
	if r.TTL != 1 || !r.IsRelayed {
		t.Fatalf("Relayed() = %+v", r)
	}
	if m.TTL != 2 || m.IsRelayed {
		t.Fatalf("original mutated: %+v", m)
	}
}
