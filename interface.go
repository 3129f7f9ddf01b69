package overlay

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// NodeI defines the interface for overlay node functionality.
// This interface abstracts the concrete implementation to allow for better testability.
// It covers the node lifecycle, the three ways of creating arcs (bootstrap, direct parallel
// arcs and bridges), arc teardown and the diagnostics of both arc tables.
type NodeI interface {
	// Core lifecycle methods
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Arc creation
	Connection(ctx context.Context, signal Signaler, resume []byte) (peer.ID, error)
	Connect(ctx context.Context, from, to peer.ID) (peer.ID, error)
	Bridge(ctx context.Context, from, to peer.ID) error

	// Arc usage and teardown
	Send(ctx context.Context, peerID peer.ID, frame []byte) error
	Disconnect(ctx context.Context, peerIDs ...peer.ID) error

	// Callbacks
	SetObserver(o Observer)
	SetMessageHandler(h Handler)

	// Diagnostics
	HostID() peer.ID
	Get(peerID peer.ID) (ArcEntry, bool)
	Snapshot(role Role) []ArcEntry

	// Stats methods
	LastSend() time.Time
	LastRecv() time.Time
	BytesSent() uint64
	BytesReceived() uint64

	GetProcessName() string
}

var _ NodeI = (*Node)(nil)
