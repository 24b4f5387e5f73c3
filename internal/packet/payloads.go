package packet

import "github.com/vince0028/gitchat-mesh/internal/model"

// MessagePayload carries a ChatMessage send or relay. It is also the shape
// a legacy bare-message frame decodes into.
type MessagePayload = model.ChatMessage

// GroupInvitePayload carries a full group record to a prospective member.
type GroupInvitePayload = model.MeshGroup

// GroupJoinAckPayload is gossiped back to the inviter (and the group) when
// a user accepts an invite.
type GroupJoinAckPayload struct {
	GroupID  string `json:"groupId"`
	Username string `json:"username"`
}

// MessageEditPayload updates an existing message's body.
type MessageEditPayload struct {
	ID   string `json:"id"`
	Body string `json:"body"`
}

// MessageDeletePayload marks an existing message deleted.
type MessageDeletePayload struct {
	ID string `json:"id"`
}

// ImageMetadataPayload binds a file-transfer payload id to message metadata.
type ImageMetadataPayload struct {
	MessageID string `json:"messageId"`
	PayloadID string `json:"payloadId"`
	From      string `json:"from"`
	To        string `json:"to"`
	GroupID   string `json:"groupId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ImageChunkPayload is one chunk of a chunked (non-file) image transfer.
// Meta is populated on chunk index 0 only.
type ImageChunkPayload struct {
	MessageID   string                `json:"messageId"`
	ChunkIndex  int                   `json:"chunkIndex"`
	TotalChunks int                   `json:"totalChunks"`
	Data        string                `json:"data"`
	Meta        *ImageMetadataPayload `json:"meta,omitempty"`
}

// CallSignalPayload covers CallOffer, CallAnswer, IceCandidate and CallEnd;
// a single flexible shape carries all four so the orchestrator can type-
// switch on which fields are populated and on the packet's own Type tag.
type CallSignalPayload struct {
	From           string `json:"from"`
	Video          bool   `json:"video,omitempty"`
	Intent         bool   `json:"intent,omitempty"`
	Accepted       bool   `json:"accepted,omitempty"`
	Ready          bool   `json:"ready,omitempty"`
	SDP            string `json:"sdp,omitempty"`
	SDPType        string `json:"sdpType,omitempty"`
	Candidate      string `json:"candidate,omitempty"`
	SDPMid         string `json:"sdpMid,omitempty"`
	SDPMLineIndex  int    `json:"sdpMLineIndex,omitempty"`
}

// SyncRequestPayload is exchanged once per peer after connection, carrying
// the sender's known message ids and joined group ids.
type SyncRequestPayload struct {
	MessageIDs []string `json:"messageIds"`
	GroupIDs   []string `json:"groupIds"`
}

// SyncResponsePayload answers a SyncRequest with missing messages and
// groups the requester does not know about.
type SyncResponsePayload struct {
	Messages []model.ChatMessage `json:"messages"`
	Groups   []model.MeshGroup   `json:"groups"`
}

// PeerInfoPayload announces the sender's device model and display name.
type PeerInfoPayload struct {
	DeviceModel string `json:"deviceModel"`
	Name        string `json:"name"`
}

// PingPayload/PongPayload carry a timestamp for round-trip measurement.
type PingPayload struct {
	Timestamp int64 `json:"ts"`
}

type PongPayload struct {
	Timestamp int64 `json:"ts"`
}

// ClearMessagesPayload clears either one group's messages or all broadcast
// messages.
type ClearMessagesPayload struct {
	GroupID string `json:"groupId,omitempty"`
}
