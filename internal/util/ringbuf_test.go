package util

import "testing"

func TestRingBufferEvictsOldestWhenFull(t *testing.T) {
	r := NewRingBuffer[string](3)
	for _, v := range []string{"a", "b", "c"} {
		if _, ok := r.Push(v); ok {
			t.Fatalf("unexpected eviction while filling: pushed %s", v)
		}
	}
	evicted, ok := r.Push("d")
	if !ok || evicted != "a" {
		t.Fatalf("expected eviction of %q, got %q (ok=%v)", "a", evicted, ok)
	}
	if got := r.Snapshot(); len(got) != 3 || got[0] != "b" || got[2] != "d" {
		t.Fatalf("unexpected snapshot order: %v", got)
	}
	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r.Len())
	}
}
