package call

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/vince0028/gitchat-mesh/internal/meshErr"
	"github.com/vince0028/gitchat-mesh/internal/packet"
)

// Manager drives the single active call's state machine: Phase 1 signals
// ride the mesh, Phase 2 hands control to a direct Wi-Fi Direct link, and
// Phase 3 bridges that link to a local WebRTC media engine over UDP.
type Manager struct {
	sender Sender
	mesh   Mesh
	radio  DirectRadio
	self   string

	newEngine func(channelID string, logFn func(level, msg string)) (MediaEngine, SelfViewSource, error)

	mu            sync.Mutex
	state         State
	remotePeer    string
	video         bool
	isCaller      bool
	phase2Started bool
	pendingOffer  *packet.CallSignalPayload

	engine   MediaEngine
	relay    *relay
	conn     net.Conn
	listener net.Listener

	// OnStateChange notifies the caller (mesh supervisor) of state
	// transitions, for UI observables.
	OnStateChange func(State)
	// OnUserError surfaces a user-visible call setup failure string.
	OnUserError func(string)
}

// p2pInfo is exchanged first over the TCP channel so each side learns the
// other's p2p interface address for the UDP relay.
type p2pInfo struct {
	Type string `json:"type"`
	IP   string `json:"ip"`
}

// New creates a Call Orchestrator in the Idle state. StartCall takes the
// connected-peers pre-check as its own argument.
func New(sender Sender, mesh Mesh, radio DirectRadio, self string) *Manager {
	return &Manager{
		sender:    sender,
		mesh:      mesh,
		radio:     radio,
		self:      self,
		state:     Idle,
		newEngine: defaultNewEngine,
	}
}

func defaultNewEngine(channelID string, logFn func(level, msg string)) (MediaEngine, SelfViewSource, error) {
	return newPionMediaEngine(channelID, logFn)
}

func (m *Manager) setState(s State) {
	m.state = s
	if m.OnStateChange != nil {
		go m.OnStateChange(s)
	}
}

// State returns the current orchestrator state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RemotePeer returns the id of the peer the current (or most recent) call
// is/was with, for observables that want to label a state broadcast.
func (m *Manager) RemotePeer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remotePeer
}

// StartCall begins an outbound call. hasConnectedPeers must be supplied by
// the caller (connected_peers != empty precheck); a false value surfaces a
// user error and leaves state at Idle.
func (m *Manager) StartCall(peerID string, video bool, hasConnectedPeers bool) error {
	m.mu.Lock()
	if m.state != Idle {
		m.mu.Unlock()
		return fmt.Errorf("call: cannot start, already in state %s", m.state)
	}
	if !hasConnectedPeers {
		m.mu.Unlock()
		if m.OnUserError != nil {
			m.OnUserError("no connected peers")
		}
		return meshErr.ErrNoPeers
	}
	m.remotePeer = peerID
	m.video = video
	m.isCaller = true
	m.setState(Offering)
	m.mu.Unlock()

	return m.sender.SendPacket(peerID, packet.TypeCallOffer, packet.CallSignalPayload{
		From: m.self, Video: video, Intent: true,
	})
}

// HandleSignal processes an inbound call signal. Self-echoed signals
// (relayed back by a tower without dedup) are dropped before touching the
// state machine.
func (m *Manager) HandleSignal(t packet.Type, fromID string, sig packet.CallSignalPayload) {
	if sig.From == m.self {
		return
	}
	switch t {
	case packet.TypeCallOffer:
		m.handleOffer(fromID, sig)
	case packet.TypeCallAnswer:
		m.handleAnswer(fromID, sig)
	case packet.TypeIceCandidate:
		m.handleReady(fromID, sig)
	case packet.TypeCallEnd:
		m.EndCall()
	}
}

func (m *Manager) handleOffer(fromID string, sig packet.CallSignalPayload) {
	m.mu.Lock()
	if m.state != Idle {
		m.mu.Unlock()
		return
	}
	m.remotePeer = fromID
	m.video = sig.Video
	m.isCaller = false
	cp := sig
	m.pendingOffer = &cp
	m.setState(Ringing)
	m.mu.Unlock()
}

// AnswerCall accepts a pending inbound offer.
func (m *Manager) AnswerCall() error {
	m.mu.Lock()
	if m.state != Ringing {
		m.mu.Unlock()
		return fmt.Errorf("call: cannot answer, state is %s", m.state)
	}
	peer := m.remotePeer
	m.setState(Connecting)
	m.mu.Unlock()

	return m.sender.SendPacket(peer, packet.TypeCallAnswer, packet.CallSignalPayload{
		From: m.self, Accepted: true,
	})
}

// RejectCall declines a pending inbound offer and returns to Idle.
func (m *Manager) RejectCall() error {
	m.mu.Lock()
	if m.state != Ringing {
		m.mu.Unlock()
		return fmt.Errorf("call: cannot reject, state is %s", m.state)
	}
	peer := m.remotePeer
	m.setState(Idle)
	m.pendingOffer = nil
	m.mu.Unlock()
	return m.sender.SendPacket(peer, packet.TypeCallEnd, packet.CallSignalPayload{From: m.self})
}

func (m *Manager) handleAnswer(fromID string, sig packet.CallSignalPayload) {
	m.mu.Lock()
	if m.state != Offering || !sig.Accepted {
		m.mu.Unlock()
		return
	}
	m.setState(Connecting)
	m.mu.Unlock()

	go m.sendReadySignals(fromID)
}

// sendReadySignals transmits ReadySignalCount redundant ready signals
// spaced ReadySignalSpacing apart, then begins Phase 2 as the caller.
func (m *Manager) sendReadySignals(peer string) {
	for i := 0; i < ReadySignalCount; i++ {
		_ = m.sender.SendPacket(peer, packet.TypeIceCandidate, packet.CallSignalPayload{From: m.self, Ready: true})
		time.Sleep(ReadySignalSpacing)
	}
	time.Sleep(CallerPreStopDelay)
	m.startPhase2Caller(peer)
}

// handleReady reacts to an inbound ready signal (as the callee) by starting
// Phase 2 after its own grace period. phase2Started guards against a
// duplicate ready signal invoking Phase 2 twice.
func (m *Manager) handleReady(fromID string, sig packet.CallSignalPayload) {
	if !sig.Ready {
		return
	}
	m.mu.Lock()
	if m.isCaller || m.phase2Started {
		m.mu.Unlock()
		return
	}
	m.phase2Started = true
	m.mu.Unlock()

	go func() {
		time.Sleep(CalleePreStopDelay)
		m.startPhase2Callee(fromID)
	}()
}

// startPhase2Caller releases the mesh, forms the Wi-Fi Direct group, and
// waits for the callee's TCP connection.
func (m *Manager) startPhase2Caller(peer string) {
	m.mu.Lock()
	if m.phase2Started {
		m.mu.Unlock()
		return
	}
	m.phase2Started = true
	m.mu.Unlock()

	m.mesh.StopMesh()
	_ = m.radio.RemoveStaleGroup()
	if err := m.radio.CreateGroup(); err != nil {
		m.failPhase2("create group: " + err.Error())
		return
	}
	if _, err := m.waitForInterfaceWithTimeout(); err != nil {
		m.failPhase2(err.Error())
		return
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", GroupOwnerAddr, TCPSignalPort))
	if err != nil {
		ln, err = net.Listen("tcp", fmt.Sprintf(":%d", TCPSignalPort))
		if err != nil {
			m.failPhase2("tcp listen: " + err.Error())
			return
		}
	}
	m.mu.Lock()
	m.listener = ln
	m.mu.Unlock()

	conn, err := ln.Accept()
	if err != nil {
		m.failPhase2("tcp accept: " + err.Error())
		return
	}
	m.runPhase3(conn, peer, true)
}

// startPhase2Callee releases the mesh, joins the Wi-Fi Direct group, and
// dials the caller's TCP listener.
func (m *Manager) startPhase2Callee(peer string) {
	m.mesh.StopMesh()
	_ = m.radio.RemoveStaleGroup()

	connected := false
	for i := 0; i < DiscoverRetries; i++ {
		if err := m.radio.DiscoverAndConnect(); err == nil {
			connected = true
			break
		}
		time.Sleep(DiscoverRetryGap)
	}
	if !connected {
		deadline := time.Now().Add(ConnectionInfoPollTimeout)
		for time.Now().Before(deadline) {
			ok, _ := m.radio.ConnectionInfo()
			if ok {
				connected = true
				break
			}
			time.Sleep(ConnectionInfoPollInterval)
		}
	}
	if !connected {
		m.failPhase2("phase2 timeout: no group formed")
		return
	}

	var conn net.Conn
	var err error
	for i := 0; i < TCPConnectRetries; i++ {
		conn, err = net.Dial("tcp", fmt.Sprintf("%s:%d", GroupOwnerAddr, TCPSignalPort))
		if err == nil {
			break
		}
		if i == 4 {
			_, _ = m.radio.ConnectionInfo()
		}
		time.Sleep(TCPConnectRetryGap)
	}
	if conn == nil {
		m.failPhase2("phase2 timeout: tcp connect failed: " + err.Error())
		return
	}
	m.runPhase3(conn, peer, false)
}

func (m *Manager) waitForInterfaceWithTimeout() (net.IP, error) {
	type result struct {
		ip  net.IP
		err error
	}
	done := make(chan result, 1)
	go func() {
		ip, err := m.radio.WaitForInterfaceIP()
		done <- result{ip, err}
	}()
	select {
	case r := <-done:
		return r.ip, r.err
	case <-time.After(InterfacePollTimeout):
		return nil, fmt.Errorf("%w: interface never acquired an address", meshErr.ErrPhase2Timeout)
	}
}

func (m *Manager) failPhase2(reason string) {
	log.Printf("CALL: phase2 failed: %s", reason)
	if m.OnUserError != nil {
		m.OnUserError(reason)
	}
	m.teardown()
}

// runPhase3 starts the UDP relay and media engine, exchanges p2pInfo, and
// negotiates SDP over the TCP channel.
func (m *Manager) runPhase3(conn net.Conn, peer string, isCaller bool) {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	// The callee relays toward the group owner at GroupOwnerAddr; the caller
	// relays toward the callee, the remote end of the accepted TCP link.
	remoteIP := net.ParseIP(GroupOwnerAddr)
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok && isCaller {
		remoteIP = tcpAddr.IP
	}
	rel, err := newRelay(remoteIP)
	if err != nil {
		m.failPhase2("udp relay: " + err.Error())
		return
	}
	m.mu.Lock()
	m.relay = rel
	m.mu.Unlock()

	engine, _, err := m.newEngine(peer, nil)
	if err != nil {
		m.failPhase2("media engine: " + err.Error())
		return
	}
	m.mu.Lock()
	m.engine = engine
	m.mu.Unlock()

	enc := json.NewEncoder(conn)
	dec := bufio.NewReader(conn)

	localIP, _ := localInterfaceIP()
	if isCaller {
		// Caller accepted the TCP connection already; send p2pInfo first.
		_ = enc.Encode(p2pInfo{Type: "p2pInfo", IP: localIP})
		var peerInfo p2pInfo
		if err := readLine(dec, &peerInfo); err != nil {
			m.failPhase2("p2pInfo: " + err.Error())
			return
		}
		_ = engine.AddSyntheticCandidate(SyntheticICEHost, UDPRelayPort)
		offer, err := engine.CreateOffer()
		if err != nil {
			m.failPhase2("create offer: " + err.Error())
			return
		}
		if err := enc.Encode(p2pInfo{Type: "offer", IP: offer}); err != nil {
			m.failPhase2("send offer: " + err.Error())
			return
		}
		var ans p2pInfo
		if err := readLine(dec, &ans); err != nil {
			m.failPhase2("read answer: " + err.Error())
			return
		}
		if err := engine.SetRemoteAnswer(ans.IP); err != nil {
			m.failPhase2("set remote answer: " + err.Error())
			return
		}
	} else {
		var peerInfo p2pInfo
		if err := readLine(dec, &peerInfo); err != nil {
			m.failPhase2("p2pInfo: " + err.Error())
			return
		}
		_ = enc.Encode(p2pInfo{Type: "p2pInfo", IP: localIP})
		_ = engine.AddSyntheticCandidate(SyntheticICEHost, UDPRelayPort)

		var off p2pInfo
		if err := readLine(dec, &off); err != nil {
			m.failPhase2("read offer: " + err.Error())
			return
		}
		answer, err := engine.CreateAnswer(off.IP)
		if err != nil {
			m.failPhase2("create answer: " + err.Error())
			return
		}
		if err := enc.Encode(p2pInfo{Type: "answer", IP: answer}); err != nil {
			m.failPhase2("send answer: " + err.Error())
			return
		}
	}

	m.mu.Lock()
	m.setState(Connected)
	m.mu.Unlock()
}

func readLine(r *bufio.Reader, v any) error {
	line, err := r.ReadString('\n')
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(line), v)
}

func localInterfaceIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			return ipNet.IP.String(), nil
		}
	}
	return "127.0.0.1", nil
}

// EndCall tears down the active call (if any), signals the remote peer,
// and restarts the mesh after PostCallRestartDelay. Idempotent.
func (m *Manager) EndCall() {
	m.mu.Lock()
	if m.state == Idle || m.state == Ended {
		m.mu.Unlock()
		return
	}
	peer := m.remotePeer
	m.mu.Unlock()

	if peer != "" {
		_ = m.sender.SendPacket(peer, packet.TypeCallEnd, packet.CallSignalPayload{From: m.self})
	}
	m.teardown()
}

func (m *Manager) teardown() {
	m.mu.Lock()
	conn, ln, rel, eng := m.conn, m.listener, m.relay, m.engine
	wasPhase2 := m.phase2Started
	m.conn, m.listener, m.relay, m.engine = nil, nil, nil, nil
	m.phase2Started = false
	m.pendingOffer = nil
	m.remotePeer = ""
	m.setState(Ended)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
	if rel != nil {
		_ = rel.Close()
	}
	if eng != nil {
		_ = eng.Close()
	}
	if wasPhase2 {
		_ = m.radio.RemoveGroup()
	}

	go func() {
		time.Sleep(PostCallRestartDelay)
		m.mesh.RestartMesh()
		m.mu.Lock()
		m.setState(Idle)
		m.mu.Unlock()
	}()
}
