package overlay

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	// DefaultProtocolTag is the tag carried by every envelope of this relay protocol
	DefaultProtocolTag = "/overlay/bridge/1.0.0"
	// DefaultHandshakeTimeout bounds a single handshake attempt
	DefaultHandshakeTimeout = 60 * time.Second
	// DefaultExchangeMemory is the number of finished handshake ids remembered
	DefaultExchangeMemory = 1024
)

// Role is the direction of an arc as seen from the local node.
type Role int

const (
	// RoleInbound marks arcs initiated by the remote peer (the inview)
	RoleInbound Role = iota
	// RoleOutbound marks arcs initiated by the local node (the outview)
	RoleOutbound
)

// String returns the table name of the role.
func (r Role) String() string {
	switch r {
	case RoleInbound:
		return "inview"
	case RoleOutbound:
		return "outview"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole maps "inview" and "outview" to their Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "inview", "inbound", "in":
		return RoleInbound, nil
	case "outview", "outbound", "out":
		return RoleOutbound, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

// Handler receives frames that are not part of the overlay protocol. Several protocols may
// share the same arcs; the overlay only consumes envelopes carrying its own tag.
//
// Parameters:
//   - ctx: Context of the node's event loop
//   - msg: Raw frame bytes as received from the channel
//   - from: Identifier of the peer the frame arrived from
type Handler func(ctx context.Context, msg []byte, from string)

// Signaler carries a bootstrap ticket to the remote peer out of band. It is called from the
// node's event loop and must not block.
type Signaler func(ticket []byte)

// Config defines the configuration parameters for an overlay node.
type Config struct {
	ProcessName      string        `yaml:"process_name"`      // Identifier for this node in logs and metrics
	ProtocolTag      string        `yaml:"protocol_tag"`      // Tag that distinguishes overlay envelopes from other protocols
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // Deadline of each handshake attempt (default: 60s)
	ExchangeMemory   int           `yaml:"exchange_memory"`   // Finished handshake ids remembered to drop late payloads (default: 1024)
	EnableArcGater   bool          `yaml:"enable_arc_gater"`  // Whether to consult the arc gater before handshakes
	MaxArcsPerPeer   int           `yaml:"max_arcs_per_peer"` // Maximum parallel arcs per peer and role, 0 for unlimited
	MetricsNamespace string        `yaml:"metrics_namespace"` // Prometheus namespace used by NewMetrics callers
}

// Logger defines the interface for logging within the overlay.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// Observer receives the topology events of a node. Calls are made in order from a single
// goroutine owned by the node, so implementations may call back into the node.
type Observer interface {
	// OnOpen fires when the first outbound arc to a peer appears
	OnOpen(peerID peer.ID)
	// OnClose fires when the last outbound arc to a peer disappears
	OnClose(peerID peer.ID)
	// OnFail fires when a handshake attempt fails; peerID is empty when the target was unknown
	OnFail(peerID peer.ID, err error)
	// OnReady fires for every completed handshake, in either role
	OnReady(peerID peer.ID, role Role)
	// OnBridgeFailed fires on an intermediary that has no arc toward a relay destination
	OnBridgeFailed(peerID peer.ID)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Open         func(peerID peer.ID)
	Close        func(peerID peer.ID)
	Fail         func(peerID peer.ID, err error)
	Ready        func(peerID peer.ID, role Role)
	BridgeFailed func(peerID peer.ID)
}

// OnOpen implements Observer.
func (o ObserverFuncs) OnOpen(peerID peer.ID) {
	if o.Open != nil {
		o.Open(peerID)
	}
}

// OnClose implements Observer.
func (o ObserverFuncs) OnClose(peerID peer.ID) {
	if o.Close != nil {
		o.Close(peerID)
	}
}

// OnFail implements Observer.
func (o ObserverFuncs) OnFail(peerID peer.ID, err error) {
	if o.Fail != nil {
		o.Fail(peerID, err)
	}
}

// OnReady implements Observer.
func (o ObserverFuncs) OnReady(peerID peer.ID, role Role) {
	if o.Ready != nil {
		o.Ready(peerID, role)
	}
}

// OnBridgeFailed implements Observer.
func (o ObserverFuncs) OnBridgeFailed(peerID peer.ID) {
	if o.BridgeFailed != nil {
		o.BridgeFailed(peerID)
	}
}
