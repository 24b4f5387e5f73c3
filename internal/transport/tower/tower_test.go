package tower

import "testing"

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateIdle:      "idle",
		StateScanning:  "scanning",
		StateConnected: "connected",
		StateError:     "error",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestSendBytesWithoutConnectionErrors(t *testing.T) {
	r := New("")
	if err := r.SendBytes("tower", []byte("hi")); err == nil {
		t.Fatal("expected error sending before the tower is attached")
	}
}

func TestSendBytesRejectsOversizedFrame(t *testing.T) {
	r := New("")
	r.msgChar = nil // not connected; still exercises the size check path first
	big := make([]byte, MaxFrameBytes+1)
	if err := r.SendBytes("tower", big); err == nil {
		t.Fatal("expected oversized frame to be rejected")
	}
}

func TestSendFileUnsupported(t *testing.T) {
	r := New("")
	if _, err := r.SendFile("tower", "/tmp/image.png"); err == nil {
		t.Fatal("expected SendFile over the tower to be unsupported")
	}
}

func TestPingAndResetRequireConnection(t *testing.T) {
	r := New("")
	if err := r.Ping(); err == nil {
		t.Fatal("expected Ping to fail when not connected")
	}
	if err := r.Reset(); err == nil {
		t.Fatal("expected Reset to fail when not connected")
	}
}
