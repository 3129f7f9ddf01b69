package overlay

import "errors"

var (
	// ErrHandshakeTimeout is reported when a handshake reaches its deadline
	ErrHandshakeTimeout = errors.New("handshake timeout")
	// ErrEngineFailure wraps transport level failures reported by a connection engine
	ErrEngineFailure = errors.New("connection engine failure")
	// ErrBridgeUnreachable is reported on an intermediary that has no arc toward a destination
	ErrBridgeUnreachable = errors.New("bridge destination unreachable")
	// ErrNoArc is returned when a local operation needs an arc that does not exist
	ErrNoArc = errors.New("no arc to peer")
	// ErrArcLimit is returned when a peer already holds the maximum number of parallel arcs
	ErrArcLimit = errors.New("arc limit reached")
	// ErrPeerBlocked is returned when the arc gater refuses a peer
	ErrPeerBlocked = errors.New("peer blocked")
	// ErrSelfConnect is returned when a node is asked to connect to itself
	ErrSelfConnect = errors.New("cannot connect to self")
	// ErrInvalidTicket is returned for bootstrap tickets that cannot be decoded
	ErrInvalidTicket = errors.New("invalid bootstrap ticket")
	// ErrNodeNotStarted is returned by operations on a node whose event loop is not running
	ErrNodeNotStarted = errors.New("node not started")
	// ErrNodeStopped aborts attempts still pending when a node stops
	ErrNodeStopped = errors.New("node stopped")
	// ErrInvalidConfig is returned by Config.Validate
	ErrInvalidConfig = errors.New("invalid config")
)
