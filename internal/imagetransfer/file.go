package imagetransfer

import (
	"sync"
	"time"

	"github.com/vince0028/gitchat-mesh/internal/transport"
	"github.com/vince0028/gitchat-mesh/internal/util"
)

// maxInFlightFileTransfers bounds how many half-received send_file
// transfers FileTransfers tracks at once.
const maxInFlightFileTransfers = 64

// pendingFile holds the half of a file-payload transfer seen so far: either
// the local path (from on_file) or the metadata packet, or both.
type pendingFile struct {
	path    string
	meta    *PendingMeta
	addedAt time.Time
	has     struct {
		path bool
		meta bool
	}
}

// PendingMeta is the metadata half of a file transfer, kept generic over
// the packet package's ImageMetadataPayload to avoid a second copy of that
// struct here.
type PendingMeta struct {
	MessageID string
	From      string
	To        string
	GroupID   string
	Timestamp int64
}

// FileTransfers tracks in-flight send_file transfers: the local received
// path, the associated metadata, and live progress. Finalization requires
// both halves to be present (order is not guaranteed: on_file and the
// ImageMetadata packet can race).
type FileTransfers struct {
	mu       sync.Mutex
	pending  map[string]*pendingFile // keyed by payloadId
	progress map[string]Progress     // keyed by messageId
	order    *util.RingBuffer[string]
}

// Progress is a live file-transfer progress observable.
type Progress struct {
	BytesTransferred int64
	TotalBytes       int64
	Status           transport.TransferStatus
}

// NewFileTransfers creates an empty tracker.
func NewFileTransfers() *FileTransfers {
	return &FileTransfers{
		pending:  make(map[string]*pendingFile),
		progress: make(map[string]Progress),
		order:    util.NewRingBuffer[string](maxInFlightFileTransfers),
	}
}

// OnFile records the locally received temp path for a payload id. Returns
// the metadata and true if the metadata packet already arrived, finalizing
// the transfer.
func (f *FileTransfers) OnFile(payloadID, path string) (meta *PendingMeta, done bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.get(payloadID)
	p.path = path
	p.has.path = true
	meta, _, done = f.maybeFinalizeLocked(payloadID, p)
	return meta, done
}

// OnMetadata records the metadata packet for a payload id. Returns the
// metadata, the already-received file path, and true if the file path
// already arrived, finalizing the transfer.
func (f *FileTransfers) OnMetadata(payloadID string, meta PendingMeta) (out *PendingMeta, path string, done bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.get(payloadID)
	p.meta = &meta
	p.has.meta = true
	return f.maybeFinalizeLocked(payloadID, p)
}

func (f *FileTransfers) get(payloadID string) *pendingFile {
	p, ok := f.pending[payloadID]
	if !ok {
		p = &pendingFile{addedAt: time.Now()}
		f.pending[payloadID] = p
		if evicted, full := f.order.Push(payloadID); full {
			delete(f.pending, evicted)
		}
	}
	return p
}

// PathFor reports the locally received path for an in-flight payload id, if
// the file half (on_file) has already arrived.
func (f *FileTransfers) PathFor(payloadID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[payloadID]
	if !ok || !p.has.path {
		return "", false
	}
	return p.path, true
}

// Sweep drops half-received file transfers older than maxAge and returns
// their payload ids, mirroring Collector.Sweep for the file-payload path.
func (f *FileTransfers) Sweep(maxAge time.Duration) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	var stale []string
	for _, id := range f.order.Snapshot() {
		p, ok := f.pending[id]
		if !ok {
			continue
		}
		if p.addedAt.After(cutoff) {
			break
		}
		delete(f.pending, id)
		stale = append(stale, id)
	}
	return stale
}

// maybeFinalizeLocked returns both halves and clears the entry once
// complete; callers must capture the path here since it is deleted
// immediately afterward.
func (f *FileTransfers) maybeFinalizeLocked(payloadID string, p *pendingFile) (*PendingMeta, string, bool) {
	if !p.has.path || !p.has.meta {
		return nil, "", false
	}
	meta, path := p.meta, p.path
	delete(f.pending, payloadID)
	return meta, path, true
}

// UpdateProgress records a progress observation for messageID. On SUCCESS
// or FAILURE the entry is cleared; on FAILURE any pending halves for
// payloadID are also dropped.
func (f *FileTransfers) UpdateProgress(messageID, payloadID string, sent, total int64, status transport.TransferStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch status {
	case transport.TransferSuccess:
		delete(f.progress, messageID)
	case transport.TransferFailure:
		delete(f.progress, messageID)
		delete(f.pending, payloadID)
	default:
		f.progress[messageID] = Progress{BytesTransferred: sent, TotalBytes: total, Status: status}
	}
}

// Snapshot returns a copy of all live progress observations.
func (f *FileTransfers) Snapshot() map[string]Progress {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]Progress, len(f.progress))
	for k, v := range f.progress {
		out[k] = v
	}
	return out
}
