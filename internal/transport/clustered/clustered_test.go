package clustered

import "testing"

func TestNewPayloadIDIsHex16(t *testing.T) {
	id := newPayloadID()
	if len(id) != 16 {
		t.Fatalf("expected a 16-char hex payload id, got %q", id)
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			t.Fatalf("expected hex payload id, got %q", id)
		}
	}
}

func TestSendBytesWithoutStreamErrors(t *testing.T) {
	r := New("", "", "")
	if err := r.SendBytes("unknown-peer", []byte("hi")); err == nil {
		t.Fatal("expected error sending to a peer with no open stream")
	}
}

func TestNewFallsBackToDefaultListenAddrOnMalformedInput(t *testing.T) {
	r := New("", "", "not-a-multiaddr")
	if r.listenAddr == nil || r.listenAddr.String() != defaultListenAddr {
		t.Fatalf("expected fallback to %q, got %v", defaultListenAddr, r.listenAddr)
	}
}

func TestNewUsesSuppliedListenAddr(t *testing.T) {
	r := New("", "", "/ip4/127.0.0.1/tcp/4001")
	if r.listenAddr == nil || r.listenAddr.String() != "/ip4/127.0.0.1/tcp/4001" {
		t.Fatalf("expected supplied listen addr, got %v", r.listenAddr)
	}
}
