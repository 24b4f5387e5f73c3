// Package gossip implements the Gossip Router (§4.4): the central
// per-type packet dispatcher that ties the dedup set, peer table, sync
// engine, ping prober, group manager, and call orchestrator together. It is
// the one package allowed to depend on all of them, which is what keeps the
// rest of the mesh core free of import cycles — every other subsystem talks
// back to the router only through a small local Sender-shaped interface.
package gossip

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/vince0028/gitchat-mesh/internal/call"
	"github.com/vince0028/gitchat-mesh/internal/dedup"
	"github.com/vince0028/gitchat-mesh/internal/group"
	"github.com/vince0028/gitchat-mesh/internal/imagetransfer"
	"github.com/vince0028/gitchat-mesh/internal/model"
	"github.com/vince0028/gitchat-mesh/internal/packet"
	"github.com/vince0028/gitchat-mesh/internal/peer"
	"github.com/vince0028/gitchat-mesh/internal/ping"
	"github.com/vince0028/gitchat-mesh/internal/store"
	"github.com/vince0028/gitchat-mesh/internal/sync"
	"github.com/vince0028/gitchat-mesh/internal/transport"
	"github.com/vince0028/gitchat-mesh/internal/transport/tower"
)

// towerWriteThroughTypes are the packet types the router also mirrors to a
// connected BLE tower, per §4.8's outbound behavior.
var towerWriteThroughTypes = map[packet.Type]bool{
	packet.TypeMessage:      true,
	packet.TypeGroupInvite:  true,
	packet.TypeGroupJoinAck: true,
}

// Router wires every mesh subsystem behind one dispatch point. It is built
// by internal/mesh and driven by that package's event-draining goroutine;
// the router itself never touches a transport's event channel directly.
type Router struct {
	self      string
	store     store.Store
	dedup     *dedup.Set
	peers     *peer.Table
	primary   transport.Adapter
	tower     *tower.Relay // optional, nil if no tower is configured
	imagesDir string

	chunks *imagetransfer.Collector
	files  *imagetransfer.FileTransfers
	now    func() time.Time

	Sync  *sync.Engine
	Ping  *ping.Prober
	Group *group.Manager
	Call  *call.Manager

	// OnMessage fires for every inbound (or locally synthesized) message
	// addressed to this node, after it has been persisted.
	OnMessage func(model.ChatMessage)
	// OnGroupInvite fires for every newly pending group invite.
	OnGroupInvite func(model.MeshGroup)
	// OnCallSignal fires for every call signal not dropped as a self-echo,
	// mirroring §6's incoming_call_signals stream. The call orchestrator
	// still receives and acts on the same signal independently.
	OnCallSignal func(t packet.Type, sig packet.CallSignalPayload)
	// OnFileProgress fires on every file-transfer progress update.
	OnFileProgress func(messageID string, p imagetransfer.Progress)
	// OnClear fires after a ClearMessages packet is applied locally, so the
	// UI can refresh.
	OnClear func(groupID string)
}

// Config bundles Router's construction-time collaborators.
type Config struct {
	Self      string
	Store     store.Store
	Peers     *peer.Table
	Primary   transport.Adapter
	Tower     *tower.Relay // nil if this node runs without a relay tower
	ImagesDir string
	DedupSize int // 0 uses dedup.DefaultWatermark

	Mesh  call.Mesh
	Radio call.DirectRadio
}

// New builds a Router and every subsystem it owns.
func New(cfg Config) *Router {
	r := &Router{
		self:      cfg.Self,
		store:     cfg.Store,
		dedup:     dedup.New(cfg.DedupSize),
		peers:     cfg.Peers,
		primary:   cfg.Primary,
		tower:     cfg.Tower,
		imagesDir: cfg.ImagesDir,
		chunks:    imagetransfer.NewCollector(),
		files:     imagetransfer.NewFileTransfers(),
		now:       time.Now,
	}

	r.Sync = sync.New(cfg.Store, r.dedup, r, cfg.Self)
	r.Sync.Deliver = r.deliverAndNotify
	r.Sync.PendingInvite = r.stashPendingInvite
	r.Sync.IsJoinedOrPending = func(groupID string) bool { return r.Group.IsJoinedOrPending(groupID) }

	r.Ping = ping.New(r, cfg.Peers)

	r.Group = group.New(cfg.Store, r, cfg.Self)
	r.Group.OnInvite = func(g model.MeshGroup) {
		if r.OnGroupInvite != nil {
			r.OnGroupInvite(g)
		}
	}
	r.Group.OnRequestGroupSync = func(peerID, groupID string) {
		if err := r.Sync.RequestGroupSync(peerID); err != nil {
			log.Printf("gossip: group sync request to %s: %v", peerID, err)
		}
	}

	r.Call = call.New(r, cfg.Mesh, cfg.Radio, cfg.Self)

	return r
}

// stashPendingInvite routes a group surfaced by a sync exchange through the
// group manager's own pending-invite bookkeeping, so IsJoinedOrPending and
// PendingInvites stay the single source of truth.
func (r *Router) stashPendingInvite(g model.MeshGroup) {
	if err := r.Group.HandleInvite(g); err != nil {
		log.Printf("gossip: stash pending invite for %s: %v", g.ID, err)
	}
}

func (r *Router) deliverAndNotify(m model.ChatMessage) {
	if r.OnMessage != nil {
		r.OnMessage(m)
	}
}

// --- Sender implementation (consumed by sync.Engine, ping.Prober,
// group.Manager, call.Manager as their respective local interfaces). ---

// SendPacket encodes payload as t and sends it to one connected peer,
// mirroring the write to the tower for the types §4.8 names.
func (r *Router) SendPacket(peerID string, t packet.Type, payload any) error {
	raw, err := packet.EncodePayload(t, payload)
	if err != nil {
		return fmt.Errorf("gossip: encode %s: %w", t, err)
	}
	if err := r.primary.SendBytes(peerID, raw); err != nil {
		return err
	}
	r.towerWriteThrough(t, raw)
	return nil
}

// Broadcast sends payload to every connected peer except exceptPeerID (pass
// "" to except no one), mirroring to the tower once regardless of fan-out.
func (r *Router) Broadcast(t packet.Type, payload any, exceptPeerID string) {
	raw, err := packet.EncodePayload(t, payload)
	if err != nil {
		log.Printf("gossip: encode broadcast %s: %v", t, err)
		return
	}
	for _, id := range r.peers.ConnectedIDs() {
		if id == exceptPeerID {
			continue
		}
		if err := r.primary.SendBytes(id, raw); err != nil {
			log.Printf("gossip: broadcast %s to %s: %v", t, id, err)
		}
	}
	r.towerWriteThrough(t, raw)
}

func (r *Router) towerWriteThrough(t packet.Type, raw []byte) {
	if r.tower == nil || !towerWriteThroughTypes[t] {
		return
	}
	if len(raw) > tower.MaxFrameBytes {
		return
	}
	if r.tower.State() != tower.StateConnected {
		return
	}
	if err := r.tower.SendBytes("tower", raw); err != nil {
		log.Printf("gossip: tower write-through %s: %v", t, err)
	}
}

// --- Inbound dispatch. ---

// HandleBytes is the Gossip Router's entry point (on_bytes in §4.4),
// invoked by internal/mesh for every EventBytes regardless of which
// transport (clustered radio or BLE tower) delivered it.
func (r *Router) HandleBytes(fromID string, raw []byte) {
	pkt, err := packet.Decode(raw)
	if err != nil {
		// A malformed frame is dropped with a log; never propagated past
		// the codec boundary (§7 DecodeError).
		log.Printf("gossip: decode from %s: %v", fromID, err)
		return
	}

	switch pkt.Type {
	case packet.TypeMessage:
		var m packet.MessagePayload
		if r.unmarshal(pkt, &m) {
			r.handleMessage(fromID, m)
		}
	case packet.TypeMessageEdit:
		var e packet.MessageEditPayload
		if r.unmarshal(pkt, &e) {
			if err := r.store.EditMessage(e.ID, e.Body); err != nil {
				log.Printf("gossip: edit message %s: %v", e.ID, err)
			}
		}
	case packet.TypeMessageDelete:
		var d packet.MessageDeletePayload
		if r.unmarshal(pkt, &d) {
			if err := r.store.DeleteMessage(d.ID); err != nil {
				log.Printf("gossip: delete message %s: %v", d.ID, err)
			}
		}
	case packet.TypeGroupInvite:
		var g packet.GroupInvitePayload
		if r.unmarshal(pkt, &g) {
			if err := r.Group.HandleInvite(g); err != nil {
				log.Printf("gossip: handle invite %s: %v", g.ID, err)
			}
		}
	case packet.TypeGroupJoinAck:
		var ack packet.GroupJoinAckPayload
		if r.unmarshal(pkt, &ack) {
			if err := r.Group.HandleJoinAck(ack); err != nil {
				log.Printf("gossip: handle join ack %s: %v", ack.GroupID, err)
			}
		}
	case packet.TypeImageMetadata:
		var meta packet.ImageMetadataPayload
		if r.unmarshal(pkt, &meta) {
			r.handleImageMetadata(meta)
		}
	case packet.TypeImageChunk:
		var chunk packet.ImageChunkPayload
		if r.unmarshal(pkt, &chunk) {
			r.handleImageChunk(chunk)
		}
	case packet.TypeCallOffer, packet.TypeCallAnswer, packet.TypeIceCandidate, packet.TypeCallEnd:
		var sig packet.CallSignalPayload
		if r.unmarshal(pkt, &sig) {
			r.handleCallSignal(pkt.Type, fromID, sig)
		}
	case packet.TypeSyncRequest:
		var req packet.SyncRequestPayload
		if r.unmarshal(pkt, &req) {
			if err := r.Sync.HandleRequest(fromID, req); err != nil {
				log.Printf("gossip: handle sync request from %s: %v", fromID, err)
			}
		}
	case packet.TypeSyncResponse:
		var resp packet.SyncResponsePayload
		if r.unmarshal(pkt, &resp) {
			if err := r.Sync.HandleResponse(resp); err != nil {
				log.Printf("gossip: handle sync response from %s: %v", fromID, err)
			}
		}
	case packet.TypePeerInfo:
		var info packet.PeerInfoPayload
		if r.unmarshal(pkt, &info) {
			r.peers.UpdatePeerInfo(fromID, info.DeviceModel, info.Name)
		}
	case packet.TypePing:
		var p packet.PingPayload
		if r.unmarshal(pkt, &p) {
			if err := r.Ping.HandlePing(fromID, p); err != nil {
				log.Printf("gossip: reply to ping from %s: %v", fromID, err)
			}
		}
	case packet.TypePong:
		var p packet.PongPayload
		if r.unmarshal(pkt, &p) {
			r.Ping.HandlePong(fromID, p)
		}
	case packet.TypeClearMessages:
		var c packet.ClearMessagesPayload
		if r.unmarshal(pkt, &c) {
			r.handleClearMessages(c)
		}
	default:
		log.Printf("gossip: unknown packet type %s from %s", pkt.Type, fromID)
	}
}

func (r *Router) unmarshal(pkt packet.Packet, out any) bool {
	if err := json.Unmarshal(pkt.Payload, out); err != nil {
		log.Printf("gossip: malformed %s payload: %v", pkt.Type, err)
		return false
	}
	return true
}

// handleMessage implements the dedup/addressing/relay rules of §4.4 and the
// quantified invariants #1-#4 of §8.
func (r *Router) handleMessage(fromID string, m model.ChatMessage) {
	if r.dedup.CheckAndInsert(m.ID) {
		return // already seen: at most one save/emit/relay per id
	}

	if sync.IsForMe(m, r.self, r.isGroupMember) {
		if err := r.store.SaveMessage(m); err != nil {
			log.Printf("gossip: save message %s: %v", m.ID, err)
		}
		r.deliverAndNotify(m)
	}

	if m.TTL <= 0 {
		return
	}
	relayed := m.Relayed()
	for _, id := range r.peers.ConnectedIDs() {
		if id == fromID {
			continue // never relay back to source
		}
		if err := r.SendPacket(id, packet.TypeMessage, relayed); err != nil {
			log.Printf("gossip: relay message %s to %s: %v", m.ID, id, err)
		}
	}
}

func (r *Router) isGroupMember(groupID string) bool {
	ok, err := r.store.IsGroupMember(groupID, r.self)
	return err == nil && ok
}

// handleCallSignal drops self-echoed signals at the relay level (they would
// otherwise re-enter incoming_call_signals via a multi-hop return) before
// handing the signal to the call orchestrator.
func (r *Router) handleCallSignal(t packet.Type, fromID string, sig packet.CallSignalPayload) {
	if sig.From == r.self {
		return
	}
	if r.OnCallSignal != nil {
		r.OnCallSignal(t, sig)
	}
	r.Call.HandleSignal(t, fromID, sig)
}

// handleImageMetadata binds a payload id to its metadata and finalizes the
// transfer if the file half already arrived.
func (r *Router) handleImageMetadata(meta packet.ImageMetadataPayload) {
	pending, path, done := r.files.OnMetadata(meta.PayloadID, imagetransfer.PendingMeta{
		MessageID: meta.MessageID,
		From:      meta.From,
		To:        meta.To,
		GroupID:   meta.GroupID,
		Timestamp: meta.Timestamp,
	})
	if !done {
		return
	}
	r.finalizeFileImage(*pending, path)
}

// OnFile is invoked by internal/mesh when a transport delivers a completed
// file payload (EventFile), recording the received path and finalizing if
// the metadata packet already arrived.
func (r *Router) OnFile(payloadID, path string) {
	meta, done := r.files.OnFile(payloadID, path)
	if !done {
		return
	}
	r.finalizeFileImage(*meta, path)
}

func (r *Router) finalizeFileImage(meta imagetransfer.PendingMeta, srcPath string) {
	dstPath, err := r.copyIntoImagesDir(meta.MessageID, srcPath)
	if err != nil {
		log.Printf("gossip: finalize file image %s: %v", meta.MessageID, err)
		return
	}
	m := model.ChatMessage{
		ID:          meta.MessageID,
		From:        meta.From,
		To:          meta.To,
		Body:        dstPath,
		Timestamp:   meta.Timestamp,
		TTL:         0,
		GroupID:     meta.GroupID,
		MessageType: model.MessageTypeImageFile,
	}
	if r.dedup.CheckAndInsert(m.ID) {
		return
	}
	if err := r.store.SaveMessage(m); err != nil {
		log.Printf("gossip: save file image message %s: %v", m.ID, err)
	}
	r.deliverAndNotify(m)
}

func (r *Router) copyIntoImagesDir(messageID, srcPath string) (string, error) {
	if r.imagesDir == "" {
		return srcPath, nil
	}
	if err := os.MkdirAll(r.imagesDir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(r.imagesDir, messageID+".jpg")
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return "", err
	}
	return dst, nil
}

// handleImageChunk accumulates chunks and, once all indices are present,
// assembles and delivers a synthesized image message.
func (r *Router) handleImageChunk(chunk packet.ImageChunkPayload) {
	body, meta, done := r.chunks.Add(chunk)
	if !done {
		return
	}
	if r.dedup.CheckAndInsert(chunk.MessageID) {
		return
	}
	m := model.ChatMessage{
		ID:          chunk.MessageID,
		Body:        body,
		MessageType: model.MessageTypeImage,
	}
	if meta != nil {
		m.From = meta.From
		m.To = meta.To
		m.GroupID = meta.GroupID
		m.Timestamp = meta.Timestamp
	}
	if err := r.store.SaveMessage(m); err != nil {
		log.Printf("gossip: save chunked image %s: %v", m.ID, err)
	}
	r.deliverAndNotify(m)
}

func (r *Router) handleClearMessages(c packet.ClearMessagesPayload) {
	var err error
	if c.GroupID != "" {
		err = r.store.ClearGroupMessages(c.GroupID)
	} else {
		err = r.store.ClearBroadcastMessages()
	}
	if err != nil {
		log.Printf("gossip: clear messages: %v", err)
		return
	}
	if r.OnClear != nil {
		r.OnClear(c.GroupID)
	}
}

// --- Local send (UI-originated). ---

// SendMessage authors a new ChatMessage, saves and delivers it locally,
// marks it seen in dedup so an echo via the mesh is a no-op, and gossips it
// to every connected peer with the configured default TTL.
func (r *Router) SendMessage(to, body, groupID string, msgType model.MessageType, ttl int) (model.ChatMessage, error) {
	if ttl <= 0 {
		ttl = model.DefaultTTL
	}
	m := model.ChatMessage{
		ID:          uuid.NewString(),
		From:        r.self,
		To:          to,
		Body:        body,
		Timestamp:   r.now().UnixMilli(),
		TTL:         ttl,
		GroupID:     groupID,
		MessageType: msgType,
	}
	r.dedup.Insert(m.ID)
	if err := r.store.SaveMessage(m); err != nil {
		return model.ChatMessage{}, err
	}
	r.deliverAndNotify(m)
	for _, id := range r.peers.ConnectedIDs() {
		if err := r.SendPacket(id, packet.TypeMessage, m); err != nil {
			log.Printf("gossip: send message %s to %s: %v", m.ID, id, err)
		}
	}
	return m, nil
}

// SendChunkedImage authors an image message small enough to ride ordinary
// packets, saves and delivers it locally, and gossips it to every connected
// peer split into ImageChunk frames per §4.6's chunked path.
func (r *Router) SendChunkedImage(to, groupID, base64Body string) (model.ChatMessage, error) {
	id := uuid.NewString()
	ts := r.now().UnixMilli()
	m := model.ChatMessage{
		ID:          id,
		From:        r.self,
		To:          to,
		Body:        base64Body,
		Timestamp:   ts,
		GroupID:     groupID,
		MessageType: model.MessageTypeImage,
	}
	r.dedup.Insert(id)
	if err := r.store.SaveMessage(m); err != nil {
		return model.ChatMessage{}, err
	}

	r.deliverAndNotify(m)

	meta := packet.ImageMetadataPayload{MessageID: id, PayloadID: id, From: r.self, To: to, GroupID: groupID, Timestamp: ts}
	chunks := imagetransfer.SplitChunks(id, base64Body, meta)
	for _, peerID := range r.peers.ConnectedIDs() {
		for _, chunk := range chunks {
			if err := r.SendPacket(peerID, packet.TypeImageChunk, chunk); err != nil {
				log.Printf("gossip: send image chunk %s to %s: %v", chunk.MessageID, peerID, err)
			}
		}
	}
	return m, nil
}

// AuthorFileImage allocates and persists the message record for an outbound
// file-payload image transfer, without itself touching the transport: the
// caller (internal/mesh, which owns the transport adapter) drives the
// per-peer send_file calls and the ImageMetadata packets that follow, one
// per peer, each carrying that peer's own payload id.
func (r *Router) AuthorFileImage(to, groupID, localPath string) (model.ChatMessage, error) {
	id := uuid.NewString()
	m := model.ChatMessage{
		ID:          id,
		From:        r.self,
		To:          to,
		Body:        localPath,
		Timestamp:   r.now().UnixMilli(),
		GroupID:     groupID,
		MessageType: model.MessageTypeImageFile,
	}
	r.dedup.Insert(id)
	if err := r.store.SaveMessage(m); err != nil {
		return model.ChatMessage{}, err
	}
	r.deliverAndNotify(m)
	return m, nil
}

// SendImageMetadataTo sends the ImageMetadata packet binding messageID to
// payloadID for one peer's own send_file transfer.
func (r *Router) SendImageMetadataTo(peerID string, m model.ChatMessage, payloadID string) error {
	return r.SendPacket(peerID, packet.TypeImageMetadata, packet.ImageMetadataPayload{
		MessageID: m.ID,
		PayloadID: payloadID,
		From:      m.From,
		To:        m.To,
		GroupID:   m.GroupID,
		Timestamp: m.Timestamp,
	})
}

// FileTransferProgress exposes the live file-transfer observable by message
// id (§6's file_transfer_progress).
func (r *Router) FileTransferProgress() map[string]imagetransfer.Progress {
	return r.files.Snapshot()
}

// UpdateFileProgress is invoked by internal/mesh on every send_file
// EventProgress callback.
func (r *Router) UpdateFileProgress(messageID, payloadID string, sent, total int64, status transport.TransferStatus) {
	r.files.UpdateProgress(messageID, payloadID, sent, total, status)
	if r.OnFileProgress != nil {
		r.OnFileProgress(messageID, imagetransfer.Progress{BytesTransferred: sent, TotalBytes: total, Status: status})
	}
}

// SweepStalledTransfers drops chunked and file-payload image transfers that
// have sat incomplete for longer than maxAge, so a peer that vanishes
// mid-send doesn't pin memory forever. internal/mesh calls this on a timer.
func (r *Router) SweepStalledTransfers(maxAge time.Duration) {
	for _, id := range r.chunks.Sweep(maxAge) {
		log.Printf("gossip: dropped stalled chunked transfer %s", id)
	}
	for _, id := range r.files.Sweep(maxAge) {
		log.Printf("gossip: dropped stalled file transfer %s", id)
	}
}
