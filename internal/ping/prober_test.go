package ping

import (
	"testing"

	"github.com/vince0028/gitchat-mesh/internal/model"
	"github.com/vince0028/gitchat-mesh/internal/packet"
	"github.com/vince0028/gitchat-mesh/internal/peer"
)

type recordedSend struct {
	peerID string
	typ    packet.Type
}

type fakeSender struct{ sent []recordedSend }

func (f *fakeSender) SendPacket(peerID string, t packet.Type, payload any) error {
	f.sent = append(f.sent, recordedSend{peerID, t})
	return nil
}

func TestHandlePingEchoesPong(t *testing.T) {
	peers := peer.New()
	peers.MarkConnected("p1")
	sender := &fakeSender{}
	p := New(sender, peers)

	if err := p.HandlePing("p1", packet.PingPayload{Timestamp: 12345}); err != nil {
		t.Fatalf("HandlePing: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].typ != packet.TypePong || sender.sent[0].peerID != "p1" {
		t.Fatalf("expected one Pong to p1, got %+v", sender.sent)
	}
}

func TestHandlePongUpdatesDistance(t *testing.T) {
	peers := peer.New()
	peers.MarkConnected("p1")
	sender := &fakeSender{}
	p := New(sender, peers)
	fixedNow := p.now
	_ = fixedNow

	p.HandlePong("p1", packet.PongPayload{Timestamp: p.now().UnixMilli()})
	got, _ := peers.Get("p1")
	if got.EstimatedDistance != model.Distance1to2m {
		t.Fatalf("expected near-zero RTT to bucket as %s, got %s", model.Distance1to2m, got.EstimatedDistance)
	}
}
