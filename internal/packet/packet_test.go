package packet

import (
	"encoding/json"
	"testing"
)

type samplePayload struct {
	ID  string `json:"id"`
	Foo int    `json:"foo"`
}

func TestRoundTripAllTypes(t *testing.T) {
	types := []Type{
		TypeMessage, TypeGroupInvite, TypeGroupJoinAck, TypeMessageEdit,
		TypeMessageDelete, TypeImageMetadata, TypeImageChunk, TypeCallOffer,
		TypeCallAnswer, TypeIceCandidate, TypeCallEnd, TypeSyncRequest,
		TypeSyncResponse, TypePeerInfo, TypePing, TypePong, TypeClearMessages,
	}
	for _, typ := range types {
		raw, err := EncodePayload(typ, samplePayload{ID: "x", Foo: 7})
		if err != nil {
			t.Fatalf("encode %v: %v", typ, err)
		}
		got, err := Decode(raw)
		if err != nil {
			t.Fatalf("decode %v: %v", typ, err)
		}
		if got.Type != typ {
			t.Fatalf("type mismatch: got %v want %v", got.Type, typ)
		}
		var p samplePayload
		if err := json.Unmarshal(got.Payload, &p); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if p.ID != "x" || p.Foo != 7 {
			t.Fatalf("payload mismatch: %+v", p)
		}
	}
}

func TestLegacyBareMessageDecode(t *testing.T) {
	bare := []byte(`{"id":"m1","from":"alice","to":"broadcast","body":"hi"}`)
	got, err := Decode(bare)
	if err != nil {
		t.Fatalf("decode legacy: %v", err)
	}
	if got.Type != TypeMessage {
		t.Fatalf("legacy decode type = %v, want TypeMessage", got.Type)
	}
	if string(got.Payload) != string(bare) {
		t.Fatalf("legacy payload = %s, want %s", got.Payload, bare)
	}
}

func TestDecodeInvalidJSON(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Fatal("expected error decoding invalid json")
	}
}

func TestStableFieldOrder(t *testing.T) {
	raw, err := EncodePayload(TypePing, map[string]any{"ts": 1})
	if err != nil {
		t.Fatal(err)
	}
	// "type" must precede "payload" in the encoded bytes.
	typeIdx, payloadIdx := -1, -1
	s := string(raw)
	for i := 0; i+6 <= len(s); i++ {
		if typeIdx < 0 && s[i:i+6] == `"type"` {
			typeIdx = i
		}
		if payloadIdx < 0 && i+9 <= len(s) && s[i:i+9] == `"payload"` {
			payloadIdx = i
		}
	}
	if typeIdx < 0 || payloadIdx < 0 || typeIdx > payloadIdx {
		t.Fatalf("expected type before payload, got %s", s)
	}
}
