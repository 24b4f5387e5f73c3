// Package meshErr defines the error kinds the mesh core distinguishes
// (§7). All per-peer or per-frame errors are local: the mesh must not halt
// because one peer misbehaves.
package meshErr

import "errors"

var (
	// ErrPermissionDenied: radios or camera/mic not granted.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrAdapterUnavailable: unsupported on this host.
	ErrAdapterUnavailable = errors.New("adapter unavailable")
	// ErrAdapterBusy: radio held by another subsystem (e.g. call Phase-2).
	ErrAdapterBusy = errors.New("adapter busy")
	// ErrConnectionFailed: a specific peer connection attempt failed.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrPayloadTooLarge: a frame exceeds the transport's MTU.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrDecodeFailed: a malformed frame; never propagated past the codec
	// boundary, logged only.
	ErrDecodeFailed = errors.New("decode failed")
	// ErrTransferFailed: a file payload transfer reported FAILURE.
	ErrTransferFailed = errors.New("transfer failed")
	// ErrPhase2Timeout: call Phase-2 setup exceeded its budget.
	ErrPhase2Timeout = errors.New("call phase 2 timeout")
	// ErrStorageFailed: a persistence operation failed; logged, the mesh
	// continues rather than stalling.
	ErrStorageFailed = errors.New("storage failed")
	// ErrNoPeers: a call was started with zero connected peers.
	ErrNoPeers = errors.New("no connected peers")
)
