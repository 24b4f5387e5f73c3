// Package mesh wires every mesh-core subsystem into one running node: the
// clustered radio, the optional BLE relay tower, the connection supervisor,
// and the gossip router, plus the background goroutines that drain their
// event channels into the router. It is the single object cmd/gitchat-meshd
// builds and drives, mirroring the teacher's own "build everything, wire
// callbacks, expose one object" node/runtime shape.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/vince0028/gitchat-mesh/internal/call"
	"github.com/vince0028/gitchat-mesh/internal/call/control"
	"github.com/vince0028/gitchat-mesh/internal/config"
	"github.com/vince0028/gitchat-mesh/internal/gossip"
	"github.com/vince0028/gitchat-mesh/internal/packet"
	"github.com/vince0028/gitchat-mesh/internal/peer"
	"github.com/vince0028/gitchat-mesh/internal/store"
	"github.com/vince0028/gitchat-mesh/internal/store/sqlite"
	"github.com/vince0028/gitchat-mesh/internal/supervisor"
	"github.com/vince0028/gitchat-mesh/internal/transport"
	"github.com/vince0028/gitchat-mesh/internal/transport/clustered"
	"github.com/vince0028/gitchat-mesh/internal/transport/tower"
)

// Node is one running mesh participant.
type Node struct {
	cfg   config.Config
	self  string
	store store.Store
	peers *peer.Table

	primary *clustered.Radio
	tower   *tower.Relay
	super   *supervisor.Supervisor
	control *control.Server

	Router *gossip.Router

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	outboundFiles map[string]string // send_file payloadID -> messageID, for progress attribution
}

var _ call.Mesh = (*Node)(nil)

// stalledTransferMaxAge is how long a chunked or file-payload image
// transfer can sit incomplete before SweepStalledTransfers drops it.
const stalledTransferMaxAge = 5 * time.Minute

// stalledTransferSweepInterval is how often the sweep runs.
const stalledTransferSweepInterval = time.Minute

// New builds a Node from cfg: opens the store, resolves the local identity,
// and wires every subsystem together. It does not yet advertise or
// discover; call Start for that.
func New(cfg config.Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mesh: invalid config: %w", err)
	}

	db, err := sqlite.Open(cfg.Paths.DBFile)
	if err != nil {
		return nil, fmt.Errorf("mesh: open store: %w", err)
	}

	self, err := resolveUsername(cfg, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	peers := peer.New()
	primary := clustered.New(cfg.Identity.KeyFile, cfg.Transport.MdnsTag, cfg.Transport.ListenAddr)

	var relay *tower.Relay
	if cfg.Tower.Enabled {
		relay = tower.New(cfg.Tower.AdapterID)
	}

	n := &Node{
		cfg:           cfg,
		self:          self,
		store:         db,
		peers:         peers,
		primary:       primary,
		tower:         relay,
		outboundFiles: make(map[string]string),
	}

	n.super = supervisor.New(primary, peers, self)
	n.super.OnConnected = n.handlePeerConnected

	n.Router = gossip.New(gossip.Config{
		Self:      self,
		Store:     db,
		Peers:     peers,
		Primary:   primary,
		Tower:     relay,
		ImagesDir: cfg.Paths.ImagesDir,
		DedupSize: cfg.Mesh.DedupWatermark,
		Mesh:      n,
		Radio:     call.NewWiFiDirectRadio(cfg.Call.Interface),
	})

	if cfg.Call.ControlEnabled {
		n.control = control.New()
		n.Router.Call.OnStateChange = func(st call.State) {
			n.control.SetRemotePeer(n.Router.Call.RemotePeer())
			n.control.OnStateChange(st)
		}
	}

	return n, nil
}

// resolveUsername prefers the configured identity, falling back to a
// previously persisted username, and persists whichever one wins so future
// runs agree even if the config file's identity.username is left blank.
func resolveUsername(cfg config.Config, db store.Store) (string, error) {
	self := cfg.Identity.Username
	if self == "" {
		if name, ok, err := db.GetUsername(); err == nil && ok {
			self = name
		}
	}
	if self == "" {
		return "", errors.New("mesh: no username configured or previously persisted")
	}
	if err := db.SaveUsername(self); err != nil {
		log.Printf("mesh: persist username: %v", err)
	}
	return self, nil
}

// Start begins advertising and discovering over the clustered radio (and
// the relay tower, if configured) and starts the goroutines that drain
// their event channels into the gossip router. ctx bounds the node's
// lifetime; cancelling it is equivalent to calling Stop.
func (n *Node) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)

	if n.control != nil {
		if err := n.control.Start(n.cfg.Call.ControlAddr); err != nil {
			return fmt.Errorf("mesh: start call control socket: %w", err)
		}
		log.Printf("mesh: call control socket listening on %s", n.control.Addr())
	}

	if err := n.primary.StartAdvertise(n.ctx, n.self); err != nil {
		return fmt.Errorf("mesh: start advertise: %w", err)
	}
	if err := n.primary.StartDiscover(n.ctx, n.self); err != nil {
		return fmt.Errorf("mesh: start discover: %w", err)
	}
	n.wg.Add(1)
	go n.runPrimaryEvents()

	if n.tower != nil {
		if err := n.tower.StartDiscover(n.ctx, n.self); err != nil {
			log.Printf("mesh: start tower discover: %v", err)
		} else {
			n.wg.Add(1)
			go n.runTowerEvents()
		}
	}

	n.wg.Add(1)
	go n.runStalledTransferSweep()
	return nil
}

// runStalledTransferSweep periodically drops chunked/file image transfers
// that never completed, so a peer that disappears mid-send doesn't pin
// memory in the router's collectors forever.
func (n *Node) runStalledTransferSweep() {
	defer n.wg.Done()
	ticker := time.NewTicker(stalledTransferSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.Router.SweepStalledTransfers(stalledTransferMaxAge)
		}
	}
}

// Stop halts discovery/advertising, drains every background goroutine, and
// closes the store.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.super.Stop()
	n.Router.Ping.Stop()
	_ = n.primary.StopAll()
	if n.tower != nil {
		_ = n.tower.StopAll()
	}
	n.wg.Wait()
	if n.control != nil {
		_ = n.control.Stop()
	}
	_ = n.store.Close()
}

// StopMesh implements call.Mesh: releases the clustered radio ahead of the
// Phase 2 Wi-Fi Direct handoff, per §4.7.
func (n *Node) StopMesh() {
	if err := n.primary.StopAll(); err != nil {
		log.Printf("mesh: stop for call handoff: %v", err)
	}
}

// RestartMesh implements call.Mesh: resumes mesh discovery once a call
// ends and Wi-Fi Direct control is released.
func (n *Node) RestartMesh() {
	if n.ctx == nil {
		return
	}
	if err := n.primary.StartAdvertise(n.ctx, n.self); err != nil {
		log.Printf("mesh: restart advertise after call: %v", err)
	}
	if err := n.primary.StartDiscover(n.ctx, n.self); err != nil {
		log.Printf("mesh: restart discover after call: %v", err)
	}
}

func (n *Node) handlePeerConnected(id string) {
	n.Router.Ping.EnsureRunning()
	if err := n.Router.SendPacket(id, packet.TypePeerInfo, packet.PeerInfoPayload{
		DeviceModel: n.cfg.Identity.DeviceModel,
		Name:        n.self,
	}); err != nil {
		log.Printf("mesh: send peer info to %s: %v", id, err)
	}
	if err := n.Router.Sync.TriggerOnce(id); err != nil {
		log.Printf("mesh: sync trigger for %s: %v", id, err)
	}
}

func (n *Node) runPrimaryEvents() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case ev, ok := <-n.primary.Events():
			if !ok {
				return
			}
			n.dispatchPrimaryEvent(ev)
		}
	}
}

func (n *Node) dispatchPrimaryEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventEndpointFound:
		n.super.HandleEndpointFound(ev.EndpointID, ev.PeerName)
	case transport.EventEndpointLost:
		n.super.HandleEndpointLost(ev.EndpointID)
	case transport.EventConnectionInitiated:
		n.super.HandleConnectionInitiated(ev.EndpointID, ev.PeerName)
	case transport.EventConnectionResult:
		n.super.HandleConnectionResult(ev.EndpointID, ev.Result)
	case transport.EventDisconnected:
		n.super.HandleDisconnected(ev.EndpointID)
		n.Router.Sync.Forget(ev.EndpointID)
		if len(n.peers.ConnectedIDs()) == 0 {
			n.Router.Ping.Stop()
		}
	case transport.EventBytes:
		n.Router.HandleBytes(ev.EndpointID, ev.Bytes)
	case transport.EventFile:
		n.Router.OnFile(ev.PayloadID, ev.FilePath)
	case transport.EventProgress:
		n.handleProgress(ev)
	}
}

// runTowerEvents drains the tower's event channel. The tower is a star hub,
// not a mesh peer the supervisor tracks: only its relayed bytes matter here,
// everything else about its connection state is diagnostic (tower.State()).
func (n *Node) runTowerEvents() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case ev, ok := <-n.tower.Events():
			if !ok {
				return
			}
			if ev.Kind == transport.EventBytes {
				n.Router.HandleBytes(ev.EndpointID, ev.Bytes)
			}
		}
	}
}

func (n *Node) handleProgress(ev transport.Event) {
	n.mu.Lock()
	messageID, ok := n.outboundFiles[ev.PayloadID]
	if ev.Status != transport.TransferInProgress {
		delete(n.outboundFiles, ev.PayloadID)
	}
	n.mu.Unlock()
	if !ok {
		// A progress event for a payload id this node did not originate an
		// outbound send for; fall back to keying progress on the payload id
		// itself so it is still observable.
		messageID = ev.PayloadID
	}
	n.Router.UpdateFileProgress(messageID, ev.PayloadID, ev.BytesSent, ev.TotalBytes, ev.Status)
}

// SendFileImage starts an outbound file-payload image transfer to every
// connected peer (or, if to names one peer's endpoint id directly, to that
// peer alone): it authors and persists the message once, then starts one
// send_file transfer per target, each announced by its own ImageMetadata
// packet carrying that transfer's own payload id.
func (n *Node) SendFileImage(to, groupID, localPath string, targets []string) (string, error) {
	msg, err := n.Router.AuthorFileImage(to, groupID, localPath)
	if err != nil {
		return "", err
	}
	if len(targets) == 0 {
		targets = n.peers.ConnectedIDs()
	}
	for _, peerID := range targets {
		payloadID, err := n.primary.SendFile(peerID, localPath)
		if err != nil {
			log.Printf("mesh: send_file to %s: %v", peerID, err)
			continue
		}
		n.mu.Lock()
		n.outboundFiles[payloadID] = msg.ID
		n.mu.Unlock()
		if err := n.Router.SendImageMetadataTo(peerID, msg, payloadID); err != nil {
			log.Printf("mesh: send image metadata to %s: %v", peerID, err)
		}
	}
	return msg.ID, nil
}

// Self returns the node's own display name.
func (n *Node) Self() string { return n.self }

// Peers exposes the live Peer Table for the UI event surface (§6).
func (n *Node) Peers() *peer.Table { return n.peers }

// TowerState reports the relay tower's own connection state, or
// tower.StateIdle if no tower is configured.
func (n *Node) TowerState() tower.State {
	if n.tower == nil {
		return tower.StateIdle
	}
	return n.tower.State()
}
