package call

import (
	"sync"
	"testing"
	"time"

	"github.com/vince0028/gitchat-mesh/internal/packet"
)

type recordedSend struct {
	peerID string
	typ    packet.Type
}

type fakeSender struct {
	mu   sync.Mutex
	sent []recordedSend
}

func (f *fakeSender) SendPacket(peerID string, t packet.Type, payload any) error {
	f.mu.Lock()
	f.sent = append(f.sent, recordedSend{peerID, t})
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) count(t packet.Type) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.typ == t {
			n++
		}
	}
	return n
}

type fakeMesh struct {
	stopped, restarted int
}

func (f *fakeMesh) StopMesh()    { f.stopped++ }
func (f *fakeMesh) RestartMesh() { f.restarted++ }

func TestStartCallRequiresConnectedPeers(t *testing.T) {
	m := New(&fakeSender{}, &fakeMesh{}, nil, "alice")
	if err := m.StartCall("bob", true, false); err == nil {
		t.Fatal("expected error when no connected peers")
	}
	if m.State() != Idle {
		t.Fatalf("expected state to remain Idle, got %s", m.State())
	}
}

func TestStartCallTransitionsToOffering(t *testing.T) {
	sender := &fakeSender{}
	m := New(sender, &fakeMesh{}, nil, "alice")
	if err := m.StartCall("bob", true, true); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if m.State() != Offering {
		t.Fatalf("expected Offering, got %s", m.State())
	}
	if sender.count(packet.TypeCallOffer) != 1 {
		t.Fatalf("expected one CallOffer sent, got %d", sender.count(packet.TypeCallOffer))
	}
}

func TestHandleOfferEntersRinging(t *testing.T) {
	m := New(&fakeSender{}, &fakeMesh{}, nil, "bob")
	m.HandleSignal(packet.TypeCallOffer, "alice", packet.CallSignalPayload{From: "alice", Video: true, Intent: true})
	if m.State() != Ringing {
		t.Fatalf("expected Ringing, got %s", m.State())
	}
}

func TestSelfEchoDropped(t *testing.T) {
	m := New(&fakeSender{}, &fakeMesh{}, nil, "alice")
	m.HandleSignal(packet.TypeCallOffer, "alice", packet.CallSignalPayload{From: "alice"})
	if m.State() != Idle {
		t.Fatalf("expected self-echoed offer to be dropped, state stayed %s", m.State())
	}
}

func TestAnswerCallTransitionsToConnecting(t *testing.T) {
	sender := &fakeSender{}
	m := New(sender, &fakeMesh{}, nil, "bob")
	m.HandleSignal(packet.TypeCallOffer, "alice", packet.CallSignalPayload{From: "alice"})
	if err := m.AnswerCall(); err != nil {
		t.Fatalf("AnswerCall: %v", err)
	}
	if m.State() != Connecting {
		t.Fatalf("expected Connecting, got %s", m.State())
	}
	if sender.count(packet.TypeCallAnswer) != 1 {
		t.Fatalf("expected one CallAnswer sent, got %d", sender.count(packet.TypeCallAnswer))
	}
}

func TestRejectCallReturnsToIdle(t *testing.T) {
	sender := &fakeSender{}
	m := New(sender, &fakeMesh{}, nil, "bob")
	m.HandleSignal(packet.TypeCallOffer, "alice", packet.CallSignalPayload{From: "alice"})
	if err := m.RejectCall(); err != nil {
		t.Fatalf("RejectCall: %v", err)
	}
	if m.State() != Idle {
		t.Fatalf("expected Idle after reject, got %s", m.State())
	}
	if sender.count(packet.TypeCallEnd) != 1 {
		t.Fatalf("expected one CallEnd sent, got %d", sender.count(packet.TypeCallEnd))
	}
}

func TestEndCallIsIdempotent(t *testing.T) {
	mesh := &fakeMesh{}
	m := New(&fakeSender{}, mesh, nil, "alice")
	m.StartCall("bob", false, true)
	m.EndCall()
	m.EndCall()
	if m.State() != Ended && m.State() != Idle {
		t.Fatalf("expected Ended or Idle after double EndCall, got %s", m.State())
	}
}

func TestHandleReadyGuardsAgainstReentry(t *testing.T) {
	m := New(&fakeSender{}, &fakeMesh{}, nil, "bob")
	m.isCaller = false
	m.handleReady("alice", packet.CallSignalPayload{From: "alice", Ready: true})
	m.mu.Lock()
	first := m.phase2Started
	m.mu.Unlock()
	if !first {
		t.Fatal("expected phase2Started set after first ready signal")
	}
	// A second ready signal must not re-trigger Phase 2 (guarded, no panic/race).
	m.handleReady("alice", packet.CallSignalPayload{From: "alice", Ready: true})
	time.Sleep(10 * time.Millisecond)
}

func TestStripCandidateLinesRemovesOnlyCandidates(t *testing.T) {
	sdp := "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\na=candidate:1 1 udp 100 1.2.3.4 1000 typ host\r\na=mid:0\r\n"
	out := stripCandidateLines(sdp)
	if contains(out, "a=candidate:") {
		t.Fatal("expected candidate line stripped")
	}
	if !contains(out, "a=mid:0") {
		t.Fatal("expected non-candidate lines preserved")
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
