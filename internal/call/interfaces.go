package call

import (
	"net"

	"github.com/vince0028/gitchat-mesh/internal/packet"
)

// Sender delivers a call signal to one connected peer over the mesh. The
// orchestrator never talks to the gossip router directly, mirroring how the
// rest of this core keeps its collaborators behind narrow interfaces.
type Sender interface {
	SendPacket(peerID string, t packet.Type, payload any) error
}

// Mesh is the subset of mesh lifecycle control Phase 2 needs: the
// orchestrator must release the Wi-Fi Direct adapter before forming its own
// group, and restore mesh operation once the call ends.
type Mesh interface {
	StopMesh()
	RestartMesh()
}

// DirectRadio abstracts the platform's Wi-Fi Direct control plane. No
// library in this ecosystem models Wi-Fi Direct group formation — it is an
// OS capability reached through platform-specific bindings outside any pack
// dependency — so it is kept behind this interface the same way the
// signaling transport is kept behind Sender.
type DirectRadio interface {
	// RemoveStaleGroup tears down any previously formed Wi-Fi Direct group.
	RemoveStaleGroup() error
	// CreateGroup forms a new group and becomes group owner at GroupOwnerAddr.
	CreateGroup() error
	// DiscoverAndConnect attempts to find and join the caller's group.
	DiscoverAndConnect() error
	// WaitForInterfaceIP blocks (up to InterfacePollTimeout, polling every
	// InterfacePollInterval) until the p2p interface has acquired an IPv4
	// address, returning it.
	WaitForInterfaceIP() (net.IP, error)
	// ConnectionInfo polls whether a group has formed asynchronously,
	// returning ok=true once one has.
	ConnectionInfo() (ok bool, err error)
	// RemoveGroup tears down the Wi-Fi Direct group at call end.
	RemoveGroup() error
}

// MediaEngine wraps the WebRTC media session: SDP generation/consumption,
// ICE candidate handling, and teardown. Implemented by pionMediaEngine.
type MediaEngine interface {
	// CreateOffer returns a candidate-stripped SDP offer.
	CreateOffer() (sdp string, err error)
	// CreateAnswer consumes a candidate-stripped remote offer and returns a
	// candidate-stripped local answer.
	CreateAnswer(remoteOfferSDP string) (sdp string, err error)
	// SetRemoteAnswer consumes the callee's candidate-stripped answer.
	SetRemoteAnswer(remoteAnswerSDP string) error
	// AddSyntheticCandidate injects the one host-UDP candidate pointing at
	// the local relay; the engine's own gathered candidates are suppressed.
	AddSyntheticCandidate(host string, port int) error
	Close() error
}
