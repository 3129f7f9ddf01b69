package overlay

import (
	"context"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
)

// HandshakeID identifies one handshake attempt. The same id travels with every envelope of
// the exchange, across every hop, so both ends correlate their payloads without relying on
// the (from, to) pair.
type HandshakeID string

// NewHandshakeID returns a fresh, globally unique handshake id.
func NewHandshakeID() HandshakeID {
	return HandshakeID(uuid.NewString())
}

// Channel is an open, bidirectional connection to a remote peer produced by a completed
// handshake. Frames written with Send arrive in order at the remote EngineHandler.OnFrame.
type Channel interface {
	Send(ctx context.Context, frame []byte) error
	Close() error
}

// EngineHandler receives the events of a connection engine. Implementations must not block;
// the node's adapter only queues them for its event loop.
type EngineHandler interface {
	// OnLocalPayload delivers a payload (offer or answer) that must reach the remote peer
	OnLocalPayload(id HandshakeID, payload []byte)
	// OnReady reports a completed handshake and its channel
	OnReady(id HandshakeID, remote peer.ID, ch Channel)
	// OnFailed reports a handshake rejected by the transport
	OnFailed(id HandshakeID, err error)
	// OnFrame delivers a frame received on an open channel
	OnFrame(remote peer.ID, ch Channel, frame []byte)
	// OnClosed reports that an open channel went away
	OnClosed(remote peer.ID, ch Channel)
}

// Engine is the external connection engine that performs the transport handshake behind
// opaque payloads. A node owns two engines: one that initiates (outview) and one that
// accepts (inview). Every method must be safe for concurrent use; events may be emitted
// synchronously from within Initiate, Accept or Signal.
type Engine interface {
	// SetHandler installs the receiver of the engine's events
	SetHandler(h EngineHandler)
	// Initiate begins an outbound handshake
	Initiate(ctx context.Context, id HandshakeID) error
	// Accept begins an inbound handshake seeded with the remote payload, which may be nil
	Accept(ctx context.Context, id HandshakeID, resume []byte) error
	// Signal feeds a payload received from the remote peer into a pending handshake
	Signal(id HandshakeID, payload []byte) error
	// Abort cancels a pending handshake without emitting further events
	Abort(id HandshakeID)
	// Close tears down every channel to the remote peer
	Close(remote peer.ID) error
}
