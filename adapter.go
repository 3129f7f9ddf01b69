package overlay

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// pendingHandshake is the transient state of one attempt. It only lives on the event loop.
type pendingHandshake struct {
	id       HandshakeID
	role     Role
	started  time.Time
	deadline *time.Timer
}

// adapterEvents is implemented by the node; every method runs on the event loop.
type adapterEvents interface {
	handshakePayload(role Role, id HandshakeID, payload []byte)
	handshakeReady(role Role, id HandshakeID, remote peer.ID, ch Channel)
	handshakeFailed(role Role, id HandshakeID, err error)
	frameReceived(role Role, remote peer.ID, ch Channel, frame []byte)
	channelClosed(role Role, remote peer.ID, ch Channel)
}

// adapter wraps one connection engine for one role. It owns the pending handshakes and
// their deadlines and turns engine callbacks into event loop work. It never relays.
type adapter struct {
	role    Role
	engine  Engine
	timeout time.Duration
	loop    *mailbox
	events  adapterEvents
	logger  Logger
	pending map[HandshakeID]*pendingHandshake
}

func newAdapter(role Role, engine Engine, timeout time.Duration, loop *mailbox, events adapterEvents, logger Logger) *adapter {
	a := &adapter{
		role:    role,
		engine:  engine,
		timeout: timeout,
		loop:    loop,
		events:  events,
		logger:  logger,
		pending: make(map[HandshakeID]*pendingHandshake),
	}

	engine.SetHandler(a)

	return a
}

// initiate begins an outbound attempt under the given id.
func (a *adapter) initiate(ctx context.Context, id HandshakeID) error {
	a.track(id)

	if err := a.engine.Initiate(ctx, id); err != nil {
		a.untrack(id)
		return fmt.Errorf("%w: %v", ErrEngineFailure, err)
	}

	return nil
}

// accept begins an inbound attempt seeded with the remote payload.
func (a *adapter) accept(ctx context.Context, id HandshakeID, resume []byte) error {
	a.track(id)

	if err := a.engine.Accept(ctx, id, resume); err != nil {
		a.untrack(id)
		return fmt.Errorf("%w: %v", ErrEngineFailure, err)
	}

	return nil
}

// signal feeds a remote payload into a pending attempt. A failure terminates the attempt.
func (a *adapter) signal(id HandshakeID, payload []byte) {
	if _, ok := a.pending[id]; !ok {
		a.logger.Debugf("[Adapter][%s] dropping payload for finished handshake %s", a.role, id)
		return
	}

	if err := a.engine.Signal(id, payload); err != nil {
		a.fail(id, fmt.Errorf("%w: %v", ErrEngineFailure, err))
	}
}

// abort cancels a pending attempt and reports it as failed with err.
func (a *adapter) abort(id HandshakeID, err error) {
	if _, ok := a.pending[id]; !ok {
		return
	}

	a.engine.Abort(id)
	a.fail(id, err)
}

func (a *adapter) has(id HandshakeID) bool {
	_, ok := a.pending[id]
	return ok
}

func (a *adapter) ids() []HandshakeID {
	ids := make([]HandshakeID, 0, len(a.pending))
	for id := range a.pending {
		ids = append(ids, id)
	}

	return ids
}

func (a *adapter) track(id HandshakeID) {
	p := &pendingHandshake{id: id, role: a.role, started: time.Now()}
	p.deadline = time.AfterFunc(a.timeout, func() {
		a.loop.post(func() { a.expire(p) })
	})

	a.pending[id] = p
}

func (a *adapter) untrack(id HandshakeID) (*pendingHandshake, bool) {
	p, ok := a.pending[id]
	if !ok {
		return nil, false
	}

	p.deadline.Stop()
	delete(a.pending, id)

	return p, true
}

func (a *adapter) expire(p *pendingHandshake) {
	if cur, ok := a.pending[p.id]; !ok || cur != p {
		return
	}

	a.logger.Debugf("[Adapter][%s] handshake %s timed out after %s", a.role, p.id, time.Since(p.started))
	a.engine.Abort(p.id)
	a.fail(p.id, ErrHandshakeTimeout)
}

func (a *adapter) fail(id HandshakeID, err error) {
	if _, ok := a.untrack(id); !ok {
		return
	}

	a.events.handshakeFailed(a.role, id, err)
}

// OnLocalPayload implements EngineHandler.
func (a *adapter) OnLocalPayload(id HandshakeID, payload []byte) {
	a.loop.post(func() {
		if !a.has(id) {
			return
		}
		a.events.handshakePayload(a.role, id, payload)
	})
}

// OnReady implements EngineHandler.
func (a *adapter) OnReady(id HandshakeID, remote peer.ID, ch Channel) {
	posted := a.loop.post(func() {
		if _, ok := a.untrack(id); !ok {
			a.logger.Debugf("[Adapter][%s] closing late channel of handshake %s", a.role, id)
			_ = ch.Close()
			return
		}
		a.events.handshakeReady(a.role, id, remote, ch)
	})

	if !posted {
		_ = ch.Close()
	}
}

// OnFailed implements EngineHandler.
func (a *adapter) OnFailed(id HandshakeID, err error) {
	a.loop.post(func() {
		a.fail(id, fmt.Errorf("%w: %v", ErrEngineFailure, err))
	})
}

// OnFrame implements EngineHandler.
func (a *adapter) OnFrame(remote peer.ID, ch Channel, frame []byte) {
	a.loop.post(func() {
		a.events.frameReceived(a.role, remote, ch, frame)
	})
}

// OnClosed implements EngineHandler.
func (a *adapter) OnClosed(remote peer.ID, ch Channel) {
	a.loop.post(func() {
		a.events.channelClosed(a.role, remote, ch)
	})
}
