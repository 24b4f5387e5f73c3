package dedup

import "testing"

func TestInsertOnceSemantics(t *testing.T) {
	s := New(10)
	if s.CheckAndInsert("m1") {
		t.Fatal("first observation should not be reported as already seen")
	}
	for i := 0; i < 5; i++ {
		if !s.CheckAndInsert("m1") {
			t.Fatalf("repeat observation %d should be reported as already seen", i)
		}
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
}

func TestEvictionPreservesMostRecent(t *testing.T) {
	s := New(3)
	s.Insert("a")
	s.Insert("b")
	s.Insert("c")
	s.Insert("d") // evicts "a"

	if s.Contains("a") {
		t.Fatal("expected a to be evicted")
	}
	for _, id := range []string{"b", "c", "d"} {
		if !s.Contains(id) {
			t.Fatalf("expected %s to still be present", id)
		}
	}
	if s.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", s.Len())
	}
}

func TestDefaultWatermark(t *testing.T) {
	s := New(0)
	if s.limit != DefaultWatermark {
		t.Fatalf("limit = %d, want %d", s.limit, DefaultWatermark)
	}
}
