package call

import (
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// pionMediaEngine implements MediaEngine over a single Pion PeerConnection.
// Local ICE candidates gathered by the engine are intentionally dropped —
// AddSyntheticCandidate is the only remote candidate either side ever adds,
// since the relay makes every reachable address look like 127.0.0.1.
type pionMediaEngine struct {
	channelID string
	pc        *webrtc.PeerConnection
	cleanup   func()

	mu            sync.Mutex
	remoteDescSet bool
	pendingICE    []webrtc.ICECandidateInit
}

var _ MediaEngine = (*pionMediaEngine)(nil)

// newPionMediaEngine builds the PeerConnection and starts local media
// capture (platform-dependent via initMediaPC).
func newPionMediaEngine(channelID string, logFn func(level, msg string)) (*pionMediaEngine, SelfViewSource, error) {
	pc, cleanup, selfView, err := initMediaPC(channelID, logFn)
	if err != nil {
		return nil, nil, fmt.Errorf("call: init media engine: %w", err)
	}
	e := &pionMediaEngine{channelID: channelID, pc: pc, cleanup: cleanup}

	// Suppress the engine's own gathered candidates: they describe real
	// interfaces the peer can never use once the mesh radio has been
	// released for Phase 2, and the relay makes 127.0.0.1 the only address
	// that matters.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("CALL [%s]: media PC state -> %s", channelID, state)
	})

	return e, selfView, nil
}

func (e *pionMediaEngine) CreateOffer() (string, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return stripCandidateLines(offer.SDP), nil
}

func (e *pionMediaEngine) CreateAnswer(remoteOfferSDP string) (string, error) {
	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: remoteOfferSDP,
	}); err != nil {
		return "", err
	}
	e.flushPendingICE()

	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return stripCandidateLines(answer.SDP), nil
}

func (e *pionMediaEngine) SetRemoteAnswer(remoteAnswerSDP string) error {
	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: remoteAnswerSDP,
	}); err != nil {
		return err
	}
	e.flushPendingICE()
	return nil
}

// AddSyntheticCandidate adds the one remote candidate either side ever
// sees: a host-UDP candidate at host:port with SyntheticICEPriority,
// representing the relay as the peer's only reachable address.
func (e *pionMediaEngine) AddSyntheticCandidate(host string, port int) error {
	cand := fmt.Sprintf("candidate:1 1 udp %d %s %d typ host generation 0", SyntheticICEPriority, host, port)
	mid := "0"
	idx := uint16(0)
	init := webrtc.ICECandidateInit{Candidate: cand, SDPMid: &mid, SDPMLineIndex: &idx}

	e.mu.Lock()
	ready := e.remoteDescSet
	if !ready {
		e.pendingICE = append(e.pendingICE, init)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	return e.pc.AddICECandidate(init)
}

func (e *pionMediaEngine) flushPendingICE() {
	e.mu.Lock()
	e.remoteDescSet = true
	pending := e.pendingICE
	e.pendingICE = nil
	e.mu.Unlock()
	for _, c := range pending {
		if err := e.pc.AddICECandidate(c); err != nil {
			log.Printf("CALL [%s]: AddICECandidate (buffered) error: %v", e.channelID, err)
		}
	}
}

func (e *pionMediaEngine) Close() error {
	if e.cleanup != nil {
		e.cleanup()
	}
	return e.pc.Close()
}
