package smp

import "context"

// Transport is the capability set a byte-stream collaborator must provide:
// a frame sink, a frame source, and a way to tear both down. One
// SendFrame call puts exactly one management frame on the wire; each
// element received from Frames is exactly one complete frame. The
// transport does not fragment or reassemble (§4.B) — that is an MTU-layer
// concern the collaborator itself must already have resolved.
type Transport interface {
	// SendFrame writes one complete frame. Implementations serialize
	// writes themselves if the underlying link requires it.
	SendFrame(ctx context.Context, frame []byte) error

	// Frames returns the receive side: a channel yielding one complete
	// frame per element. It closes when the transport is closed, or when
	// a fatal transport failure occurs — callers distinguish the two by
	// checking Err() once the channel is drained.
	Frames() <-chan []byte

	// Err returns the terminal error that caused Frames() to close, or
	// nil if it closed because Close was called.
	Err() error

	Close() error
}
