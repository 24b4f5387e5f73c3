// Package packet implements the mesh wire envelope: a tagged {type, payload}
// JSON object, plus legacy-format compatibility for a bare message object
// with no envelope at all.
package packet

import (
	"encoding/json"
	"fmt"
)

// Type is the integer tag identifying a packet's payload shape. Values are
// assigned in the same order the types are declared in the spec so the
// on-wire integer is stable across implementations.
type Type int

const (
	TypeMessage Type = iota
	TypeGroupInvite
	TypeGroupJoinAck
	TypeMessageEdit
	TypeMessageDelete
	TypeImageMetadata
	TypeImageChunk
	TypeCallOffer
	TypeCallAnswer
	TypeIceCandidate
	TypeCallEnd
	TypeSyncRequest
	TypeSyncResponse
	TypePeerInfo
	TypePing
	TypePong
	TypeClearMessages
)

func (t Type) String() string {
	switch t {
	case TypeMessage:
		return "Message"
	case TypeGroupInvite:
		return "GroupInvite"
	case TypeGroupJoinAck:
		return "GroupJoinAck"
	case TypeMessageEdit:
		return "MessageEdit"
	case TypeMessageDelete:
		return "MessageDelete"
	case TypeImageMetadata:
		return "ImageMetadata"
	case TypeImageChunk:
		return "ImageChunk"
	case TypeCallOffer:
		return "CallOffer"
	case TypeCallAnswer:
		return "CallAnswer"
	case TypeIceCandidate:
		return "IceCandidate"
	case TypeCallEnd:
		return "CallEnd"
	case TypeSyncRequest:
		return "SyncRequest"
	case TypeSyncResponse:
		return "SyncResponse"
	case TypePeerInfo:
		return "PeerInfo"
	case TypePing:
		return "Ping"
	case TypePong:
		return "Pong"
	case TypeClearMessages:
		return "ClearMessages"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// Packet is the decoded envelope: a type tag and an arbitrary payload.
// Payload is kept as json.RawMessage so callers can unmarshal it into the
// concrete struct their handler expects.
type Packet struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// wireEnvelope mirrors Packet's field order for canonical encoding:
// {"type": ..., "payload": ...} with type first, matching §4.2's required
// stable field order.
type wireEnvelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode produces the canonical on-wire JSON for p: {type, payload} with
// type first.
func Encode(p Packet) ([]byte, error) {
	return json.Marshal(wireEnvelope{Type: p.Type, Payload: p.Payload})
}

// EncodePayload marshals payload to JSON and wraps it in an envelope of the
// given type. Convenience for callers that have a typed payload struct
// rather than a raw message.
func EncodePayload(t Type, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("packet: marshal payload: %w", err)
	}
	return Encode(Packet{Type: t, Payload: raw})
}

// envelopeProbe is used to detect whether an incoming frame carries the
// {type, payload} envelope at all, without committing to decoding payload
// into any particular shape yet.
type envelopeProbe struct {
	Type    *Type           `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode parses bytes produced either by Encode (the tagged envelope) or by
// a legacy bare-message sender with no envelope at all. A legacy frame is
// returned as a TypeMessage packet whose payload is the whole input.
//
// A frame that is not valid JSON at all is reported as an error; the caller
// (the Gossip Router) is responsible for dropping it with a log and never
// propagating the error further, per §4.2.
func Decode(raw []byte) (Packet, error) {
	var probe envelopeProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Packet{}, fmt.Errorf("packet: invalid json: %w", err)
	}
	if probe.Type != nil {
		return Packet{Type: *probe.Type, Payload: probe.Payload}, nil
	}
	// Legacy form: no "type" field present at all, treat the whole body as
	// a bare ChatMessage payload.
	return Packet{Type: TypeMessage, Payload: raw}, nil
}
