package transport

import (
	"context"
	"errors"
)

var (
	// ErrPeerUnreachable indicates the peer could not be connected. The
	// condition is recoverable; the outbox retries later.
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrClosed indicates the transport or stream has been shut down.
	ErrClosed = errors.New("transport closed")
)

// MaxFrameSize bounds a single frame on the wire.
const MaxFrameSize = 2 * 1024 * 1024

// Stream is an authenticated, ordered, bidirectional frame stream to one
// peer. Reads and writes are safe from one goroutine each.
type Stream interface {
	// WriteFrame sends one length-delimited frame.
	WriteFrame(data []byte) error

	// ReadFrame receives the next frame.
	ReadFrame() ([]byte, error)

	// Close tears down the stream.
	Close() error
}

// Dialer establishes streams to peers identified by their DH identity
// public key. Dial is the only suspension point on the send path; it must
// honor ctx cancellation.
type Dialer interface {
	Dial(ctx context.Context, peerPK [32]byte) (Stream, error)
}

// StreamHandler processes one accepted inbound stream. The handler owns
// the stream and must close it.
type StreamHandler func(peerPK [32]byte, stream Stream)

// Listener accepts inbound streams from peers.
type Listener interface {
	// SetStreamHandler registers the handler invoked for every accepted
	// stream. It must be set before peers connect.
	SetStreamHandler(handler StreamHandler)

	// Close shuts down the listener.
	Close() error
}
