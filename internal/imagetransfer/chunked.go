// Package imagetransfer implements the two image-transfer paths: a chunked
// path carried as ordinary packets (primary, mesh-sized images) and a file
// payload path for large images that rides the transport's send_file
// capability (§4.6).
package imagetransfer

import (
	"sync"
	"time"

	"github.com/vince0028/gitchat-mesh/internal/packet"
	"github.com/vince0028/gitchat-mesh/internal/util"
)

// maxInFlightChunkTransfers bounds how many partial chunked transfers the
// collector tracks at once; a sender that vanishes mid-transfer must not
// pin memory for its half-assembled chunks forever.
const maxInFlightChunkTransfers = 64

// ChunkSize is the reference chunk size: 28,000 base64 characters per
// frame, leaving room inside the clustered radio's ~31 KB BYTES limit after
// JSON wrapping.
const ChunkSize = 28000

// SplitChunks divides a base64 body into ChatMessage-sized frames. Only
// chunk index 0 carries meta.
func SplitChunks(messageID string, base64Body string, meta packet.ImageMetadataPayload) []packet.ImageChunkPayload {
	if base64Body == "" {
		return []packet.ImageChunkPayload{{MessageID: messageID, ChunkIndex: 0, TotalChunks: 1, Data: "", Meta: &meta}}
	}
	total := (len(base64Body) + ChunkSize - 1) / ChunkSize
	out := make([]packet.ImageChunkPayload, 0, total)
	for i := 0; i < total; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(base64Body) {
			end = len(base64Body)
		}
		c := packet.ImageChunkPayload{
			MessageID:   messageID,
			ChunkIndex:  i,
			TotalChunks: total,
			Data:        base64Body[start:end],
		}
		if i == 0 {
			m := meta
			c.Meta = &m
		}
		out = append(out, c)
	}
	return out
}

// pending tracks chunks received so far for one in-flight transfer.
type pending struct {
	total   int
	meta    *packet.ImageMetadataPayload
	parts   map[int]string
	addedAt time.Time
}

// Collector assembles chunked image transfers keyed by message id. Safe for
// concurrent use. order is the stalled-transfer sweep list: a fixed-size
// ring of message ids in arrival order, used both to bound memory (the
// oldest in-flight transfer is evicted once the ring is full) and to let
// Sweep find stale entries without scanning the whole map.
type Collector struct {
	mu       sync.Mutex
	inFlight map[string]*pending
	order    *util.RingBuffer[string]
}

// NewCollector creates an empty chunk collector.
func NewCollector() *Collector {
	return &Collector{
		inFlight: make(map[string]*pending),
		order:    util.NewRingBuffer[string](maxInFlightChunkTransfers),
	}
}

// Add records one chunk. It returns the assembled base64 body and true once
// every index 0..totalChunks-1 has been observed, regardless of the order
// chunks arrived in. The collector entry is cleared once assembly succeeds.
func (c *Collector) Add(chunk packet.ImageChunkPayload) (body string, meta *packet.ImageMetadataPayload, done bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.inFlight[chunk.MessageID]
	if !ok {
		p = &pending{total: chunk.TotalChunks, parts: make(map[int]string), addedAt: time.Now()}
		c.inFlight[chunk.MessageID] = p
		if evicted, full := c.order.Push(chunk.MessageID); full {
			delete(c.inFlight, evicted)
		}
	}
	p.parts[chunk.ChunkIndex] = chunk.Data
	if chunk.Meta != nil {
		p.meta = chunk.Meta
	}
	if len(p.parts) != p.total {
		return "", nil, false
	}

	var sb []byte
	for i := 0; i < p.total; i++ {
		piece, have := p.parts[i]
		if !have {
			// A gap despite count matching total would indicate a duplicate
			// index overwrite; treat as not yet complete.
			return "", nil, false
		}
		sb = append(sb, piece...)
	}
	delete(c.inFlight, chunk.MessageID)
	return string(sb), p.meta, true
}

// Pending reports how many chunk collectors are currently in flight
// (diagnostic only).
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}

// Sweep drops chunked transfers that have sat incomplete for longer than
// maxAge and returns their message ids, so a caller can log or surface
// them. Walking the order ring oldest-first is enough: entries are added
// in arrival order, so once a non-stale entry is reached nothing after it
// can be stale either.
func (c *Collector) Sweep(maxAge time.Duration) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	var stale []string
	for _, id := range c.order.Snapshot() {
		p, ok := c.inFlight[id]
		if !ok {
			continue
		}
		if p.addedAt.After(cutoff) {
			break
		}
		delete(c.inFlight, id)
		stale = append(stale, id)
	}
	return stale
}
