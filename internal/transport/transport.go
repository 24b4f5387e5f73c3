// Package transport defines the mesh core's Transport Adapter: the small
// capability interface the Connection Supervisor and Gossip Router drive,
// independent of which concrete radio backs it (clustered short-range radio
// or the optional BLE relay tower). Per the design notes, this is a small
// capability interface, not an inheritance hierarchy, and callbacks deliver
// typed events on a channel rather than invoking methods directly.
package transport

import "context"

// ResultStatus is the outcome of a connection attempt.
type ResultStatus int

const (
	ResultOK ResultStatus = iota
	ResultRejected
	ResultFailed
)

// TransferStatus is the outcome of a send_file progress callback.
type TransferStatus int

const (
	TransferInProgress TransferStatus = iota
	TransferSuccess
	TransferFailure
)

// EventKind tags the variant of Event carried on the adapter's event
// channel.
type EventKind int

const (
	EventEndpointFound EventKind = iota
	EventEndpointLost
	EventConnectionInitiated
	EventConnectionResult
	EventDisconnected
	EventBytes
	EventFile
	EventProgress
)

// Event is the single typed-event shape all adapter callbacks deliver on
// one channel, per the cyclic-reference design note.
type Event struct {
	Kind       EventKind
	EndpointID string
	PeerName   string
	Result     ResultStatus
	Bytes      []byte
	FilePath   string
	PayloadID  string
	BytesSent  int64
	TotalBytes int64
	Status     TransferStatus
}

// Adapter is the capability set any radio backend must implement. All
// operations are idempotent where noted and must tolerate being invoked
// while busy, surfacing that as a non-fatal result rather than panicking.
type Adapter interface {
	// StartAdvertise begins advertising selfName to nearby peers.
	StartAdvertise(ctx context.Context, selfName string) error
	// StartDiscover begins discovering nearby peers.
	StartDiscover(ctx context.Context, selfName string) error
	// StopAll halts advertise and discover and disconnects every endpoint.
	StopAll() error

	// RequestConnection initiates a handshake with a discovered endpoint.
	RequestConnection(ctx context.Context, id, selfName string) error

	// AcceptConnection must be called in response to an EventConnectionInitiated
	// event before any payload flows for that endpoint.
	AcceptConnection(id string) error

	// SendBytes enqueues a best-effort byte payload to a connected endpoint.
	SendBytes(id string, data []byte) error

	// SendFile starts a larger-than-bytes transfer, returning a payload id
	// progress events will reference.
	SendFile(id, path string) (payloadID string, err error)

	// Events returns the single channel every callback is delivered on.
	Events() <-chan Event
}
