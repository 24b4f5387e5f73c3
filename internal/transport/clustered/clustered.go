// Package clustered implements transport.Adapter over a libp2p host: mDNS
// discovery on the local network, a single mesh stream protocol per
// connected peer, and a pubsub presence heartbeat.
package clustered

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"

	"github.com/vince0028/gitchat-mesh/internal/meshErr"
	"github.com/vince0028/gitchat-mesh/internal/transport"
)

func init() {
	logging.SetLogLevel("swarm2", "error")
}

const (
	meshProtocol       = protocol.ID("/gitchat/mesh/1.0.0")
	filesProtocol      = protocol.ID("/gitchat/file/1.0.0")
	presenceTopic      = "gitchat-presence"
	mdnsServiceTag     = "gitchat-mesh-mdns"
	defaultListenAddr  = "/ip4/0.0.0.0/tcp/0"
	maxFrameBytes      = 16 * 1024 * 1024
)

// Radio is the clustered (libp2p-backed) Transport Adapter implementation.
type Radio struct {
	keyFile    string
	mdnsTag    string
	listenAddr multiaddr.Multiaddr
	selfName   string

	mu      sync.Mutex
	host    host.Host
	ps      *pubsub.PubSub
	topic   *pubsub.Topic
	streams map[string]network.Stream // peer.ID string -> open mesh stream
	names   map[string]string         // peer.ID string -> advertised name

	events  chan transport.Event
	started bool
}

var _ transport.Adapter = (*Radio)(nil)

// New creates a clustered Radio. keyFile is where the libp2p identity key
// persists across restarts so the peer ID stays stable. mdnsTag scopes
// discovery to peers advertising the same tag; an empty mdnsTag falls back
// to the package default. listenAddr is a multiaddr string the libp2p host
// binds to; an empty or malformed listenAddr falls back to the package
// default ("/ip4/0.0.0.0/tcp/0", an ephemeral port on every interface).
// config.Config.Validate already rejects a malformed listenAddr before it
// reaches here, so the fallback only matters for callers that build a Radio
// directly.
func New(keyFile, mdnsTag, listenAddr string) *Radio {
	if mdnsTag == "" {
		mdnsTag = mdnsServiceTag
	}
	addr, err := multiaddr.NewMultiaddr(listenAddr)
	if err != nil {
		if listenAddr != "" {
			log.Printf("clustered: invalid listen_addr %q, falling back to default: %v", listenAddr, err)
		}
		addr = multiaddr.StringCast(defaultListenAddr)
	}
	return &Radio{
		keyFile:    keyFile,
		mdnsTag:    mdnsTag,
		listenAddr: addr,
		streams:    make(map[string]network.Stream),
		names:      make(map[string]string),
		events:     make(chan transport.Event, 64),
	}
}

func (r *Radio) Events() <-chan transport.Event { return r.events }

func (r *Radio) emit(e transport.Event) {
	select {
	case r.events <- e:
	default:
		log.Printf("clustered: event channel full, dropping %v", e.Kind)
	}
}

// loadOrCreateKey loads a persistent Ed25519 identity key from keyFile, or
// generates and saves one on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, error) {
	if keyFile != "" {
		if data, err := os.ReadFile(keyFile); err == nil {
			if priv, err := crypto.UnmarshalPrivateKey(data); err == nil {
				return priv, nil
			}
		}
	}
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	if keyFile == "" {
		return priv, nil
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("clustered: marshal identity key: %w", err)
	}
	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("clustered: create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, fmt.Errorf("clustered: save identity key: %w", err)
	}
	return priv, nil
}

type mdnsNotifee struct{ r *Radio }

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	n.r.mu.Lock()
	_, known := n.r.names[pi.ID.String()]
	n.r.mu.Unlock()
	if known {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.r.host.Connect(ctx, pi); err != nil {
		return
	}
	n.r.mu.Lock()
	n.r.names[pi.ID.String()] = pi.ID.String()
	n.r.mu.Unlock()
	n.r.emit(transport.Event{Kind: transport.EventEndpointFound, EndpointID: pi.ID.String(), PeerName: pi.ID.String()})
}

// StartAdvertise and StartDiscover both stand up the same libp2p host — a
// clustered radio does not separate the two roles the way some mesh
// transports do, since every libp2p peer is symmetric.
func (r *Radio) StartAdvertise(ctx context.Context, selfName string) error {
	return r.ensureHost(ctx, selfName)
}

func (r *Radio) StartDiscover(ctx context.Context, selfName string) error {
	return r.ensureHost(ctx, selfName)
}

func (r *Radio) ensureHost(ctx context.Context, selfName string) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.selfName = selfName
	r.mu.Unlock()

	priv, err := loadOrCreateKey(r.keyFile)
	if err != nil {
		return err
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(r.listenAddr),
	)
	if err != nil {
		return err
	}

	h.SetStreamHandler(meshProtocol, r.handleMeshStream)
	h.SetStreamHandler(filesProtocol, r.handleFileStream)

	md := mdns.NewMdnsService(h, r.mdnsTag, &mdnsNotifee{r: r})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return err
	}
	topic, err := ps.Join(presenceTopic)
	if err != nil {
		_ = h.Close()
		return err
	}

	r.mu.Lock()
	r.host, r.ps, r.topic = h, ps, topic
	r.started = true
	r.mu.Unlock()

	go r.presenceLoop(ctx)
	return nil
}

func (r *Radio) presenceLoop(ctx context.Context) {
	t := time.NewTicker(10 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.mu.Lock()
			topic := r.topic
			name := r.selfName
			r.mu.Unlock()
			if topic != nil {
				_ = topic.Publish(ctx, []byte(name))
			}
		}
	}
}

// handleMeshStream is invoked for every inbound mesh-protocol stream: one
// persistent stream per connected peer, carrying length-prefixed frames.
func (r *Radio) handleMeshStream(s network.Stream) {
	peerID := s.Conn().RemotePeer().String()
	r.mu.Lock()
	r.streams[peerID] = s
	r.mu.Unlock()

	r.emit(transport.Event{Kind: transport.EventConnectionInitiated, EndpointID: peerID, PeerName: peerID})
	r.readFrames(peerID, s)
}

func (r *Radio) readFrames(peerID string, s network.Stream) {
	reader := bufio.NewReader(s)
	defer func() {
		r.mu.Lock()
		delete(r.streams, peerID)
		r.mu.Unlock()
		r.emit(transport.Event{Kind: transport.EventDisconnected, EndpointID: peerID})
	}()
	for {
		var length uint32
		if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
			return
		}
		if length == 0 || length > maxFrameBytes {
			return
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(reader, buf); err != nil {
			return
		}
		r.emit(transport.Event{Kind: transport.EventBytes, EndpointID: peerID, Bytes: buf})
	}
}

func (r *Radio) handleFileStream(s network.Stream) {
	defer s.Close()
	peerID := s.Conn().RemotePeer().String()
	tmp, err := os.CreateTemp("", "gitchat-recv-*")
	if err != nil {
		return
	}
	defer tmp.Close()
	if _, err := io.Copy(tmp, s); err != nil {
		r.emit(transport.Event{Kind: transport.EventProgress, EndpointID: peerID, Status: transport.TransferFailure})
		return
	}
	r.emit(transport.Event{Kind: transport.EventFile, EndpointID: peerID, FilePath: tmp.Name()})
}

// StopAll disconnects every endpoint and closes the host.
func (r *Radio) StopAll() error {
	r.mu.Lock()
	h := r.host
	r.host, r.ps, r.topic = nil, nil, nil
	r.streams = make(map[string]network.Stream)
	r.names = make(map[string]string)
	r.started = false
	r.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Close()
}

// RequestConnection dials id and opens the mesh stream.
func (r *Radio) RequestConnection(ctx context.Context, id, selfName string) error {
	r.mu.Lock()
	h := r.host
	r.mu.Unlock()
	if h == nil {
		return fmt.Errorf("clustered: radio not started")
	}
	pid, err := peer.Decode(id)
	if err != nil {
		return err
	}
	if err := h.Connect(ctx, peer.AddrInfo{ID: pid}); err != nil {
		r.emit(transport.Event{Kind: transport.EventConnectionResult, EndpointID: id, Result: transport.ResultFailed})
		return err
	}
	s, err := h.NewStream(ctx, pid, meshProtocol)
	if err != nil {
		r.emit(transport.Event{Kind: transport.EventConnectionResult, EndpointID: id, Result: transport.ResultFailed})
		return err
	}
	r.mu.Lock()
	r.streams[id] = s
	r.mu.Unlock()
	go r.readFrames(id, s)
	r.emit(transport.Event{Kind: transport.EventConnectionResult, EndpointID: id, Result: transport.ResultOK, PeerName: selfName})
	return nil
}

// AcceptConnection is a no-op: inbound streams are already accepted by
// handleMeshStream by the time EventConnectionInitiated fires.
func (r *Radio) AcceptConnection(id string) error { return nil }

// SendBytes writes a length-prefixed frame to id's open mesh stream.
func (r *Radio) SendBytes(id string, data []byte) error {
	r.mu.Lock()
	s, ok := r.streams[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("clustered: no open stream to %s", id)
	}
	if len(data) > maxFrameBytes {
		return fmt.Errorf("%w: %d bytes", meshErr.ErrPayloadTooLarge, len(data))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := s.Write(hdr[:]); err != nil {
		return err
	}
	_, err := s.Write(data)
	return err
}

// SendFile opens a dedicated file-transfer stream and copies path's
// contents to it, reporting terminal progress via the event channel.
func (r *Radio) SendFile(id, path string) (string, error) {
	r.mu.Lock()
	h := r.host
	r.mu.Unlock()
	if h == nil {
		return "", fmt.Errorf("clustered: radio not started")
	}
	pid, err := peer.Decode(id)
	if err != nil {
		return "", err
	}
	payloadID := newPayloadID()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		s, err := h.NewStream(ctx, pid, filesProtocol)
		if err != nil {
			r.emit(transport.Event{Kind: transport.EventProgress, EndpointID: id, PayloadID: payloadID, Status: transport.TransferFailure})
			return
		}
		defer s.Close()

		f, err := os.Open(path)
		if err != nil {
			r.emit(transport.Event{Kind: transport.EventProgress, EndpointID: id, PayloadID: payloadID, Status: transport.TransferFailure})
			return
		}
		defer f.Close()

		info, _ := f.Stat()
		var total int64
		if info != nil {
			total = info.Size()
		}
		written, err := io.Copy(s, f)
		if err != nil {
			r.emit(transport.Event{Kind: transport.EventProgress, EndpointID: id, PayloadID: payloadID, Status: transport.TransferFailure})
			return
		}
		r.emit(transport.Event{
			Kind: transport.EventProgress, EndpointID: id, PayloadID: payloadID,
			BytesSent: written, TotalBytes: total, Status: transport.TransferSuccess,
		})
	}()

	return payloadID, nil
}

func newPayloadID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}
