package imagetransfer

import (
	"math/rand"
	"testing"
	"time"

	"github.com/vince0028/gitchat-mesh/internal/packet"
	"github.com/vince0028/gitchat-mesh/internal/transport"
)

func TestSplitChunksSizes(t *testing.T) {
	body := make([]byte, 80000)
	for i := range body {
		body[i] = byte('a' + i%26)
	}
	chunks := SplitChunks("m1", string(body), packet.ImageMetadataPayload{MessageID: "m1"})
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[0].Data) != ChunkSize || len(chunks[1].Data) != ChunkSize {
		t.Fatalf("expected first two chunks of size %d, got %d and %d", ChunkSize, len(chunks[0].Data), len(chunks[1].Data))
	}
	if len(chunks[2].Data) != 80000-2*ChunkSize {
		t.Fatalf("unexpected last chunk size %d", len(chunks[2].Data))
	}
	if chunks[0].Meta == nil || chunks[1].Meta != nil {
		t.Fatal("expected meta on chunk 0 only")
	}
}

func TestReassemblyOrderIndependent(t *testing.T) {
	body := "the quick brown fox jumps over the lazy dog, repeated many times to force multiple chunks. "
	for len(body) < 70000 {
		body += body
	}
	chunks := SplitChunks("m2", body, packet.ImageMetadataPayload{MessageID: "m2"})

	shuffled := append([]packet.ImageChunkPayload(nil), chunks...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	c := NewCollector()
	var assembled string
	var gotDone bool
	for i, ch := range shuffled {
		body, _, done := c.Add(ch)
		if done {
			gotDone = true
			assembled = body
			if i != len(shuffled)-1 {
				t.Fatalf("assembly completed early at index %d of %d", i, len(shuffled))
			}
		}
	}
	if !gotDone {
		t.Fatal("expected assembly to complete")
	}
	if assembled != body {
		t.Fatalf("assembled body mismatch: got %d bytes, want %d bytes", len(assembled), len(body))
	}
}

func TestFileTransfersFinalizesOnBothHalves(t *testing.T) {
	ft := NewFileTransfers()
	if _, done := ft.OnFile("p1", "/tmp/x.jpg"); done {
		t.Fatal("should not finalize with only the file half")
	}
	meta, _, done := ft.OnMetadata("p1", PendingMeta{MessageID: "m1"})
	if !done || meta.MessageID != "m1" {
		t.Fatalf("expected finalize once both halves present, got done=%v meta=%v", done, meta)
	}
	if _, ok := ft.PathFor("p1"); ok {
		t.Fatal("expected pending entry cleared after finalize")
	}
}

func TestProgressClearedOnTerminalStatus(t *testing.T) {
	ft := NewFileTransfers()
	ft.UpdateProgress("m1", "p1", 50, 100, transport.TransferInProgress)
	if _, ok := ft.Snapshot()["m1"]; !ok {
		t.Fatal("expected in-progress entry present")
	}
	ft.UpdateProgress("m1", "p1", 100, 100, transport.TransferSuccess)
	if _, ok := ft.Snapshot()["m1"]; ok {
		t.Fatal("expected entry cleared on success")
	}
}

func TestProgressDropsPendingOnFailure(t *testing.T) {
	ft := NewFileTransfers()
	ft.OnFile("p1", "/tmp/x.jpg")
	ft.UpdateProgress("m1", "p1", 10, 100, transport.TransferFailure)
	if _, ok := ft.PathFor("p1"); ok {
		t.Fatal("expected pending file entry dropped on failure")
	}
}

func TestCollectorSweepDropsStaleIncompleteTransfers(t *testing.T) {
	c := NewCollector()
	c.Add(packet.ImageChunkPayload{MessageID: "m1", ChunkIndex: 0, TotalChunks: 2, Data: "x"})

	if stale := c.Sweep(time.Hour); len(stale) != 0 {
		t.Fatalf("expected no stale transfers under a generous maxAge, got %v", stale)
	}
	if c.Pending() != 1 {
		t.Fatalf("expected the incomplete transfer to remain, Pending() = %d", c.Pending())
	}

	stale := c.Sweep(-time.Second) // everything is "older" than a negative cutoff
	if len(stale) != 1 || stale[0] != "m1" {
		t.Fatalf("expected m1 swept, got %v", stale)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected swept transfer removed, Pending() = %d", c.Pending())
	}
}

func TestFileTransfersSweepDropsStaleHalfReceivedTransfers(t *testing.T) {
	ft := NewFileTransfers()
	ft.OnFile("p1", "/tmp/x.jpg")

	if stale := ft.Sweep(time.Hour); len(stale) != 0 {
		t.Fatalf("expected no stale transfers under a generous maxAge, got %v", stale)
	}
	stale := ft.Sweep(-time.Second)
	if len(stale) != 1 || stale[0] != "p1" {
		t.Fatalf("expected p1 swept, got %v", stale)
	}
	if _, ok := ft.PathFor("p1"); ok {
		t.Fatal("expected swept entry removed")
	}
}
