// Package memnet provides an in-process connection engine for overlay nodes. Handshakes
// complete once the offer and the answer have been exchanged, and channels are ordered
// in-memory pipes. It is used by tests, the demo command and the examples.
package memnet

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	overlay "github.com/bsv-blockchain/go-overlay"
	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

const inboxSize = 256

var (
	// ErrClosed is returned when sending on a closed channel
	ErrClosed = errors.New("memnet: channel closed")
	// ErrUnknownHandshake is returned when a payload names a handshake nobody is waiting for
	ErrUnknownHandshake = errors.New("memnet: unknown handshake")
	// ErrBadPayload is returned for payloads this engine did not produce
	ErrBadPayload = errors.New("memnet: malformed payload")
)

// payload is the offer or answer exchanged through the overlay.
type payload struct {
	Handshake overlay.HandshakeID `cbor:"handshake"`
	Peer      peer.ID             `cbor:"peer"`
}

// Network is a set of in-memory peers, each with one engine per role.
type Network struct {
	mu      sync.Mutex
	logger  overlay.Logger
	engines map[engineKey]*Engine
	rejects map[peer.ID]error
}

type engineKey struct {
	id   peer.ID
	role overlay.Role
}

// NewNetwork creates an empty network.
func NewNetwork(logger overlay.Logger) *Network {
	return &Network{
		logger:  logger,
		engines: make(map[engineKey]*Engine),
		rejects: make(map[peer.ID]error),
	}
}

// NewPeer returns the id of a fresh peer, derived from a random ed25519 key.
func (n *Network) NewPeer() (peer.ID, error) {
	_, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("memnet: generating key: %w", err)
	}

	return peer.IDFromPublicKey(pub)
}

// Engine returns the engine of a peer for a role, creating it on first use.
func (n *Network) Engine(id peer.ID, role overlay.Role) *Engine {
	n.mu.Lock()
	defer n.mu.Unlock()

	key := engineKey{id: id, role: role}
	if e, ok := n.engines[key]; ok {
		return e
	}

	e := &Engine{
		net:      n,
		self:     id,
		role:     role,
		pending:  make(map[overlay.HandshakeID]struct{}),
		channels: make(map[*conn]struct{}),
	}
	n.engines[key] = e

	return e
}

// Engines returns both engines of a peer, ready to pass to overlay.NewNode.
func (n *Network) Engines(id peer.ID) overlay.Engines {
	return overlay.Engines{
		Inview:  n.Engine(id, overlay.RoleInbound),
		Outview: n.Engine(id, overlay.RoleOutbound),
	}
}

// SetReject makes every handshake involving the peer fail with err. A nil err clears it.
func (n *Network) SetReject(id peer.ID, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err == nil {
		delete(n.rejects, id)
		return
	}
	n.rejects[id] = err
}

// Crash closes every channel of the peer, as if its process had died.
func (n *Network) Crash(id peer.ID) {
	for _, role := range []overlay.Role{overlay.RoleInbound, overlay.RoleOutbound} {
		e := n.Engine(id, role)
		for _, c := range e.snapshot() {
			_ = c.Close()
		}
	}
}

func (n *Network) rejected(ids ...peer.ID) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, id := range ids {
		if err, ok := n.rejects[id]; ok {
			return err
		}
	}

	return nil
}

func (n *Network) lookup(id peer.ID, role overlay.Role) (*Engine, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	e, ok := n.engines[engineKey{id: id, role: role}]

	return e, ok
}

// Engine implements overlay.Engine for one peer and one role.
type Engine struct {
	net  *Network
	self peer.ID
	role overlay.Role

	mu       sync.Mutex
	handler  overlay.EngineHandler
	pending  map[overlay.HandshakeID]struct{}
	channels map[*conn]struct{}
}

// SetHandler implements overlay.Engine.
func (e *Engine) SetHandler(h overlay.EngineHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

func (e *Engine) events() overlay.EngineHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handler
}

// Initiate implements overlay.Engine. The offer names the handshake and the initiating peer.
func (e *Engine) Initiate(_ context.Context, id overlay.HandshakeID) error {
	if e.role != overlay.RoleOutbound {
		return fmt.Errorf("memnet: %s engine cannot initiate", e.role)
	}

	if err := e.net.rejected(e.self); err != nil {
		return err
	}

	offer, err := cbor.Marshal(payload{Handshake: id, Peer: e.self})
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.pending[id] = struct{}{}
	e.mu.Unlock()

	if h := e.events(); h != nil {
		h.OnLocalPayload(id, offer)
	}

	return nil
}

// Accept implements overlay.Engine. It answers the offer with the accepting peer.
func (e *Engine) Accept(_ context.Context, id overlay.HandshakeID, resume []byte) error {
	if e.role != overlay.RoleInbound {
		return fmt.Errorf("memnet: %s engine cannot accept", e.role)
	}

	var offer payload
	if err := cbor.Unmarshal(resume, &offer); err != nil || offer.Handshake != id {
		return ErrBadPayload
	}

	if err := e.net.rejected(e.self, offer.Peer); err != nil {
		return err
	}

	answer, err := cbor.Marshal(payload{Handshake: id, Peer: e.self})
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.pending[id] = struct{}{}
	e.mu.Unlock()

	if h := e.events(); h != nil {
		h.OnLocalPayload(id, answer)
	}

	return nil
}

// Signal implements overlay.Engine. On the initiating side the answer completes the
// handshake; the accepting side has nothing left to learn and ignores further payloads.
func (e *Engine) Signal(id overlay.HandshakeID, data []byte) error {
	if !e.isPending(id) {
		return ErrUnknownHandshake
	}

	if e.role == overlay.RoleInbound {
		return nil
	}

	var answer payload
	if err := cbor.Unmarshal(data, &answer); err != nil || answer.Handshake != id {
		return ErrBadPayload
	}

	remote, ok := e.net.lookup(answer.Peer, overlay.RoleInbound)
	if !ok || !remote.isPending(id) {
		return ErrUnknownHandshake
	}

	if err := e.net.rejected(e.self, answer.Peer); err != nil {
		e.settle(id)
		remote.settle(id)

		if h := remote.events(); h != nil {
			h.OnFailed(id, err)
		}
		if h := e.events(); h != nil {
			h.OnFailed(id, err)
		}

		return nil
	}

	local, far := newPipe(e, remote)

	e.settle(id)
	remote.settle(id)

	e.net.logger.Debugf("[memnet] %s -> %s ready (%s)", e.self.ShortString(), remote.self.ShortString(), id)

	if h := remote.events(); h != nil {
		h.OnReady(id, e.self, far)
	}
	if h := e.events(); h != nil {
		h.OnReady(id, remote.self, local)
	}

	local.start()
	far.start()

	return nil
}

// Abort implements overlay.Engine.
func (e *Engine) Abort(id overlay.HandshakeID) {
	e.settle(id)
}

// Close implements overlay.Engine.
func (e *Engine) Close(remote peer.ID) error {
	for _, c := range e.snapshot() {
		if c.remote == remote {
			_ = c.Close()
		}
	}

	return nil
}

// Pending returns the number of handshakes in progress.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Channels returns the number of open channels.
func (e *Engine) Channels() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.channels)
}

func (e *Engine) isPending(id overlay.HandshakeID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[id]
	return ok
}

func (e *Engine) settle(id overlay.HandshakeID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, id)
}

func (e *Engine) snapshot() []*conn {
	e.mu.Lock()
	defer e.mu.Unlock()

	conns := make([]*conn, 0, len(e.channels))
	for c := range e.channels {
		conns = append(conns, c)
	}

	return conns
}

func (e *Engine) attach(c *conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.channels[c] = struct{}{}
}

func (e *Engine) detach(c *conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.channels[c]; !ok {
		return false
	}
	delete(e.channels, c)

	return true
}
