package overlay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/sync/errgroup"
)

// Engines groups the two connection engines of a node. Inview accepts handshakes started by
// remote peers, Outview initiates the node's own.
type Engines struct {
	Inview  Engine
	Outview Engine
}

type routeKind int

const (
	routeSignal routeKind = iota // payloads go to an application Signaler as tickets
	routeDirect                  // payloads go as Direct over the arc to via
	routeBridge                  // payloads go as ForwardTo over the arc to via, addressed to remote
)

type result struct {
	peer peer.ID
	err  error
}

// attempt is the relay state of one handshake: where its local payloads must be sent and who
// is waiting for it.
type attempt struct {
	id        HandshakeID
	role      Role
	kind      routeKind
	via       peer.ID
	remote    peer.ID
	signal    Signaler
	confirmed bool     // false while an outbound bridge waits for the intermediary
	held      [][]byte // payloads produced before confirmation
	waiters   []chan<- result
}

// Node implements NodeI. It owns the inview and outview arc tables and one adapter per
// engine, and runs every table mutation and handshake transition on a single event loop.
//
// Thread safety: public methods may be called from any goroutine. They post work to the
// event loop and wait for it; diagnostics read the tables under their own locks.
type Node struct {
	config   Config
	logger   Logger
	id       peer.ID
	codec    *Codec
	inview   *ArcTable
	outview  *ArcTable
	in       *adapter
	out      *adapter
	loop     *mailbox // event loop input
	emits    *mailbox // observer and handler output, drained in order
	attempts map[HandshakeID]*attempt
	finished *expirable.LRU[HandshakeID, struct{}]
	gater    *ArcGater

	callbackMutex sync.RWMutex // guards observer, handler and metrics
	observer      Observer
	handler       Handler
	metrics       *Metrics

	runMu   sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// IMPORTANT: The following variables must only be used atomically.
	bytesReceived uint64 // Counter for bytes received over arcs
	bytesSent     uint64 // Counter for bytes sent over arcs
	lastRecv      int64  // Timestamp of last frame received
	lastSend      int64  // Timestamp of last frame sent
}

// NewNode creates an overlay node identified by id on top of the two engines.
//
// Parameters:
//   - ctx: Context for the construction
//   - logger: Logger for overlay events
//   - config: Node configuration; zero values are replaced by defaults
//   - id: Identifier of the local peer, as the engines report it to remote peers
//   - engines: The accepting (Inview) and initiating (Outview) connection engines
//
// The node does nothing until Start is called.
func NewNode(_ context.Context, logger Logger, config Config, id peer.ID, engines Engines) (*Node, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("[Node] %w", err)
	}

	if id == "" {
		return nil, errors.New("[Node] peer id not set")
	}

	if engines.Inview == nil || engines.Outview == nil {
		return nil, errors.New("[Node] both inview and outview engines are required")
	}

	codec, err := NewCodec(config.ProtocolTag)
	if err != nil {
		return nil, fmt.Errorf("[Node] error creating codec: %w", err)
	}

	n := &Node{
		config:   config,
		logger:   logger,
		id:       id,
		codec:    codec,
		inview:   NewArcTable(RoleInbound),
		outview:  NewArcTable(RoleOutbound),
		loop:     newMailbox(),
		emits:    newMailbox(),
		attempts: make(map[HandshakeID]*attempt),
		finished: expirable.NewLRU[HandshakeID, struct{}](config.ExchangeMemory, nil, 2*config.HandshakeTimeout),
		ctx:      context.Background(),
	}

	if config.EnableArcGater {
		n.gater = NewArcGater(logger, config.MaxArcsPerPeer)
	}

	n.in = newAdapter(RoleInbound, engines.Inview, config.HandshakeTimeout, n.loop, n, logger)
	n.out = newAdapter(RoleOutbound, engines.Outview, config.HandshakeTimeout, n.loop, n, logger)

	logger.Infof("[Node] overlay peer ID: %s", id.String())

	return n, nil
}

// Start launches the event loop. Cancelling ctx stops the node like Stop does.
func (n *Node) Start(ctx context.Context) error {
	n.runMu.Lock()
	defer n.runMu.Unlock()

	if n.running {
		return errors.New("[Node] already started")
	}

	if n.loop.isClosed() {
		return fmt.Errorf("[Node] cannot restart: %w", ErrNodeStopped)
	}

	n.logger.Infof("[%s] starting", n.config.ProcessName)

	n.ctx, n.cancel = context.WithCancel(ctx)
	n.done = make(chan struct{})
	n.running = true

	go n.emitLoop()
	go n.run(n.ctx, n.done)

	return nil
}

// Stop tears down every arc, fails pending handshakes with ErrNodeStopped and stops the
// event loop.
func (n *Node) Stop(ctx context.Context) error {
	n.runMu.Lock()
	if !n.running {
		n.runMu.Unlock()
		return nil
	}
	cancel, done := n.cancel, n.done
	n.runMu.Unlock()

	n.logger.Infof("[Node] stopping")
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-n.loop.notify:
		case <-ctx.Done():
			for _, fn := range n.loop.drain() {
				fn()
			}
			n.teardown(ErrNodeStopped)
			n.finished.Purge()
			n.loop.close()

			n.runMu.Lock()
			n.running = false
			n.runMu.Unlock()

			n.emits.close()
			n.logger.Infof("[Node] event loop stopped")

			return
		}

		for _, fn := range n.loop.drain() {
			fn()
		}
	}
}

func (n *Node) emitLoop() {
	for range n.emits.notify {
		for _, fn := range n.emits.drain() {
			fn()
		}

		if n.emits.isClosed() {
			for _, fn := range n.emits.drain() {
				fn()
			}
			return
		}
	}
}

// call runs fn on the event loop and waits until it returned.
func (n *Node) call(ctx context.Context, fn func()) error {
	n.runMu.Lock()
	running, done := n.running, n.done
	n.runMu.Unlock()

	if !running {
		if n.loop.isClosed() {
			return ErrNodeStopped
		}
		return ErrNodeNotStarted
	}

	finished := make(chan struct{})
	if !n.loop.post(func() {
		fn()
		close(finished)
	}) {
		return ErrNodeStopped
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return ErrNodeStopped
	}
}

// await blocks until the attempt reports a result. Cancelling ctx aborts the attempt.
func (n *Node) await(ctx context.Context, id HandshakeID, res <-chan result) (peer.ID, error) {
	select {
	case r := <-res:
		return r.peer, r.err
	case <-ctx.Done():
		n.loop.post(func() { n.abortAttempt(id, ctx.Err()) })
		return "", ctx.Err()
	}
}

// HostID returns the peer ID of this node.
func (n *Node) HostID() peer.ID {
	return n.id
}

// GetProcessName returns the name of the current process.
func (n *Node) GetProcessName() string {
	return n.config.ProcessName
}

// Gater returns the arc gater, or nil when Config.EnableArcGater is false.
func (n *Node) Gater() *ArcGater {
	return n.gater
}

// SetObserver installs the receiver of topology events.
func (n *Node) SetObserver(o Observer) {
	n.callbackMutex.Lock()
	defer n.callbackMutex.Unlock()
	n.observer = o
}

// SetMessageHandler installs the receiver of frames that are not overlay envelopes.
func (n *Node) SetMessageHandler(h Handler) {
	n.callbackMutex.Lock()
	defer n.callbackMutex.Unlock()
	n.handler = h
}

// SetMetrics attaches prometheus collectors created with NewMetrics.
func (n *Node) SetMetrics(m *Metrics) {
	n.callbackMutex.Lock()
	defer n.callbackMutex.Unlock()
	n.metrics = m
}

func (n *Node) metricsSink() *Metrics {
	n.callbackMutex.RLock()
	defer n.callbackMutex.RUnlock()
	return n.metrics
}

// notify queues an observer call. Observers run in order on the emitter goroutine.
func (n *Node) notify(fn func(o Observer)) {
	n.emits.post(func() {
		n.callbackMutex.RLock()
		o := n.observer
		n.callbackMutex.RUnlock()

		if o != nil {
			fn(o)
		}
	})
}

// Connection bootstraps an arc with a peer reached out of band.
//
// With a nil resume payload it starts an outbound handshake and hands every ticket it
// produces to signal. With a ticket it either completes the local attempt the ticket answers,
// or accepts an inbound handshake seeded with it and hands the answers to signal.
// It returns the remote peer once the handshake is ready.
func (n *Node) Connection(ctx context.Context, signal Signaler, resume []byte) (peer.ID, error) {
	res := make(chan result, 1)

	var id HandshakeID

	err := n.call(ctx, func() {
		if err := ctx.Err(); err != nil {
			res <- result{err: err}
			return
		}

		if resume == nil {
			a := &attempt{
				id:        NewHandshakeID(),
				role:      RoleOutbound,
				kind:      routeSignal,
				signal:    signal,
				confirmed: true,
				waiters:   []chan<- result{res},
			}
			id = a.id
			n.startOutbound(a)

			return
		}

		env, ok := n.codec.Decode(resume)
		if !ok || env.Kind != KindDirect || env.Handshake == "" || env.From == "" {
			res <- result{err: ErrInvalidTicket}
			return
		}
		id = env.Handshake

		if a, exists := n.attempts[env.Handshake]; exists {
			a.waiters = append(a.waiters, res)
			n.adapterFor(a.role).signal(a.id, env.Payload)

			return
		}

		if env.From == n.id {
			res <- result{err: ErrSelfConnect}
			return
		}

		if n.finished.Contains(env.Handshake) {
			res <- result{err: fmt.Errorf("%w: handshake %s already finished", ErrInvalidTicket, env.Handshake)}
			return
		}

		if err := n.allow(env.From, RoleInbound); err != nil {
			res <- result{err: err}
			return
		}

		n.startInbound(&attempt{
			id:        env.Handshake,
			role:      RoleInbound,
			kind:      routeSignal,
			remote:    env.From,
			signal:    signal,
			confirmed: true,
			waiters:   []chan<- result{res},
		}, env.Payload)
	})
	if err != nil {
		n.abandon(ctx, &id)
		return "", fmt.Errorf("[Node][Connection] %w", err)
	}

	return n.await(ctx, id, res)
}

// abandon aborts the attempt a call may have started after its caller gave up on ctx. The
// check runs on the loop, after the call's closure.
func (n *Node) abandon(ctx context.Context, id *HandshakeID) {
	if ctx.Err() == nil {
		return
	}

	n.loop.post(func() {
		if *id != "" {
			n.abortAttempt(*id, ctx.Err())
		}
	})
}

// ConnectionTo bootstraps an arc from this node to another node of the same process by
// passing the tickets between them directly.
func (n *Node) ConnectionTo(ctx context.Context, target *Node) (peer.ID, error) {
	if target == nil {
		return "", errors.New("[Node][ConnectionTo] target not set")
	}

	answer := func(ticket []byte) {
		go func() { _, _ = n.Connection(ctx, nil, ticket) }()
	}

	offer := func(ticket []byte) {
		go func() { _, _ = target.Connection(ctx, answer, ticket) }()
	}

	return n.Connection(ctx, offer, nil)
}

// Connect creates a new outbound arc.
//
// With an empty to, the node adds a parallel arc to its neighbor from, exchanging the
// handshake directly over the existing arc. Otherwise it asks its neighbor from to bridge
// it toward to, a neighbor of from; the resulting arc is direct and from is not part of it.
// Connect returns the remote peer once the handshake is ready.
func (n *Node) Connect(ctx context.Context, from, to peer.ID) (peer.ID, error) {
	res := make(chan result, 1)

	var id HandshakeID

	err := n.call(ctx, func() {
		if err := ctx.Err(); err != nil {
			res <- result{err: err}
			return
		}

		if from == n.id || to == n.id {
			res <- result{err: ErrSelfConnect}
			return
		}

		if _, _, ok := n.resolve(from); !ok {
			res <- result{err: fmt.Errorf("%w: %s", ErrNoArc, from)}
			return
		}

		target := from
		if to != "" {
			target = to
		}

		if err := n.allow(target, RoleOutbound); err != nil {
			res <- result{err: err}
			return
		}

		a := &attempt{
			id:        NewHandshakeID(),
			role:      RoleOutbound,
			kind:      routeDirect,
			via:       from,
			remote:    target,
			confirmed: true,
			waiters:   []chan<- result{res},
		}
		id = a.id

		if to == "" {
			n.startOutbound(a)
			return
		}

		a.kind = routeBridge
		a.confirmed = false
		n.startOutbound(a)

		if _, pending := n.attempts[a.id]; !pending {
			return
		}

		if err := n.sendEnvelope(from, Envelope{Kind: KindConnectTo, From: n.id, To: to, Handshake: a.id}); err != nil {
			n.abortAttempt(a.id, err)
		}
	})
	if err != nil {
		n.abandon(ctx, &id)
		return "", fmt.Errorf("[Node][Connect] %w", err)
	}

	return n.await(ctx, id, res)
}

// Bridge introduces two neighbors of this node to each other: from is asked to open an
// outbound arc to to, with this node relaying the handshake. It returns once the request has
// been sent; the outcome is observed on from and to.
func (n *Node) Bridge(ctx context.Context, from, to peer.ID) error {
	var bridgeErr error

	if err := n.call(ctx, func() {
		bridgeErr = n.introduce(from, to, "")
	}); err != nil {
		return fmt.Errorf("[Node][Bridge] %w", err)
	}

	if bridgeErr != nil {
		return fmt.Errorf("[Node][Bridge] %w", bridgeErr)
	}

	return nil
}

// Send writes a frame over the arc to the peer, preferring the outview. It is a no-op when
// no arc exists.
func (n *Node) Send(ctx context.Context, peerID peer.ID, frame []byte) error {
	ch, _, ok := n.resolve(peerID)
	if !ok {
		n.logger.Debugf("[Node][Send] no arc to %s, dropping %d bytes", peerID.String(), len(frame))
		return nil
	}

	return n.sendFrame(ctx, ch, frame)
}

// Get returns the arc entry of the peer, looking in the outview first.
func (n *Node) Get(peerID peer.ID) (ArcEntry, bool) {
	if e, ok := n.outview.Get(peerID); ok {
		return e, true
	}

	return n.inview.Get(peerID)
}

// Snapshot returns the ordered entries of the inview or the outview.
func (n *Node) Snapshot(role Role) []ArcEntry {
	return n.table(role).Snapshot()
}

// Inview returns the inbound arc table.
func (n *Node) Inview() *ArcTable {
	return n.inview
}

// Outview returns the outbound arc table.
func (n *Node) Outview() *ArcTable {
	return n.outview
}

// String describes the node and both tables.
func (n *Node) String() string {
	return fmt.Sprintf("Node(%s) %s %s", n.id.ShortString(), n.outview, n.inview)
}

// Disconnect tears down every arc to the given peers, in both tables. Without peers, every
// arc of the node is torn down.
func (n *Node) Disconnect(ctx context.Context, peerIDs ...peer.ID) error {
	var dropErr error

	if err := n.call(ctx, func() {
		targets := peerIDs
		if len(targets) == 0 {
			targets = n.neighbors()
		}

		for _, id := range targets {
			if err := n.dropPeer(id); err != nil && dropErr == nil {
				dropErr = err
			}
		}
	}); err != nil {
		return fmt.Errorf("[Node][Disconnect] %w", err)
	}

	if dropErr != nil {
		return fmt.Errorf("[Node][Disconnect] %w", dropErr)
	}

	return nil
}

// LastSend returns the timestamp of the last frame sent.
func (n *Node) LastSend() time.Time {
	return time.Unix(atomic.LoadInt64(&n.lastSend), 0)
}

// LastRecv returns the timestamp of the last frame received.
func (n *Node) LastRecv() time.Time {
	return time.Unix(atomic.LoadInt64(&n.lastRecv), 0)
}

// BytesSent returns the total number of bytes sent by this node.
func (n *Node) BytesSent() uint64 {
	return atomic.LoadUint64(&n.bytesSent)
}

// BytesReceived returns the total number of bytes received by this node.
func (n *Node) BytesReceived() uint64 {
	return atomic.LoadUint64(&n.bytesReceived)
}

// --- event loop internals ---

func (n *Node) table(role Role) *ArcTable {
	if role == RoleOutbound {
		return n.outview
	}

	return n.inview
}

func (n *Node) adapterFor(role Role) *adapter {
	if role == RoleOutbound {
		return n.out
	}

	return n.in
}

// resolve finds the channel toward a peer, looking in the outview first, then the inview.
func (n *Node) resolve(peerID peer.ID) (Channel, Role, bool) {
	if peerID == "" {
		return nil, 0, false
	}

	if ch, ok := n.outview.Lookup(peerID); ok {
		return ch, RoleOutbound, true
	}

	if ch, ok := n.inview.Lookup(peerID); ok {
		return ch, RoleInbound, true
	}

	return nil, 0, false
}

func (n *Node) neighbors() []peer.ID {
	seen := make(map[peer.ID]struct{})

	var ids []peer.ID
	for _, t := range []*ArcTable{n.outview, n.inview} {
		for _, id := range t.Peers() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	return ids
}

func (n *Node) allow(peerID peer.ID, role Role) error {
	if n.gater == nil || peerID == "" {
		return nil
	}

	return n.gater.AllowArc(peerID, n.table(role).Count(peerID))
}

func (n *Node) startOutbound(a *attempt) {
	n.attempts[a.id] = a

	if err := n.out.initiate(n.ctx, a.id); err != nil {
		n.finish(a, "", err)
	}
}

func (n *Node) startInbound(a *attempt, resume []byte) {
	n.attempts[a.id] = a

	if err := n.in.accept(n.ctx, a.id, resume); err != nil {
		n.finish(a, "", err)
	}
}

func (n *Node) abortAttempt(id HandshakeID, err error) {
	a, ok := n.attempts[id]
	if !ok {
		return
	}

	ad := n.adapterFor(a.role)
	if ad.has(id) {
		ad.abort(id, err)
		return
	}

	n.finish(a, "", err)
}

// finish resolves an attempt exactly once.
func (n *Node) finish(a *attempt, remote peer.ID, err error) {
	if cur, ok := n.attempts[a.id]; !ok || cur != a {
		return
	}

	delete(n.attempts, a.id)
	n.finished.Add(a.id, struct{}{})
	n.metricsSink().ObserveHandshake(a.role, err == nil)

	if err != nil {
		n.logger.Debugf("[Node] %s handshake %s with %s failed: %v", a.role, a.id, a.remote.String(), err)

		target := a.remote
		n.notify(func(o Observer) { o.OnFail(target, err) })
	}

	for _, w := range a.waiters {
		w <- result{peer: remote, err: err}
	}
}

func (n *Node) teardown(reason error) {
	for _, ad := range []*adapter{n.out, n.in} {
		for _, id := range ad.ids() {
			ad.abort(id, reason)
		}
	}

	for _, a := range n.attempts {
		n.finish(a, "", reason)
	}

	for _, id := range n.neighbors() {
		if err := n.dropPeer(id); err != nil {
			n.logger.Debugf("[Node] error closing arcs to %s: %v", id.String(), err)
		}
	}
}

// dropPeer removes the peer from both tables and closes its channels on both engines.
func (n *Node) dropPeer(peerID peer.ID) error {
	for _, t := range []*ArcTable{n.outview, n.inview} {
		count := t.Count(peerID)

		channels, removed := t.Remove(peerID)
		if !removed {
			continue
		}

		n.metricsSink().ObserveArcDelta(t.Role(), -count)

		for _, ch := range channels {
			_ = ch.Close()
		}

		if t.Role() == RoleOutbound {
			n.notify(func(o Observer) { o.OnClose(peerID) })
		}
	}

	var g errgroup.Group

	g.Go(func() error { return n.out.engine.Close(peerID) })
	g.Go(func() error { return n.in.engine.Close(peerID) })

	return g.Wait()
}

// --- adapterEvents ---

func (n *Node) handshakePayload(_ Role, id HandshakeID, payload []byte) {
	a, ok := n.attempts[id]
	if !ok {
		return
	}

	switch a.kind {
	case routeSignal:
		ticket, err := n.codec.Encode(Envelope{Kind: KindDirect, From: n.id, Handshake: id, Payload: payload})
		if err != nil {
			n.logger.Errorf("[Node] error encoding ticket: %v", err)
			return
		}
		if a.signal != nil {
			a.signal(ticket)
		}

	case routeDirect:
		if err := n.sendEnvelope(a.via, Envelope{Kind: KindDirect, Handshake: id, Payload: payload}); err != nil {
			n.logger.Debugf("[Node] direct payload for %s not sent: %v", a.via.String(), err)
		}

	case routeBridge:
		if !a.confirmed {
			a.held = append(a.held, payload)
			return
		}
		n.forwardPayload(a, payload)
	}
}

func (n *Node) handshakeReady(role Role, id HandshakeID, remote peer.ID, ch Channel) {
	a := n.attempts[id]
	if a != nil && a.remote != "" && a.remote != remote {
		n.logger.Warnf("[Node] handshake %s expected %s but reached %s", id, a.remote.String(), remote.String())
	}

	if first := n.table(role).Opened(remote, ch); first && role == RoleOutbound {
		n.notify(func(o Observer) { o.OnOpen(remote) })
	}
	n.metricsSink().ObserveArcDelta(role, 1)

	n.logger.Infof("[Node] %s arc ready with %s", role, remote.String())
	n.notify(func(o Observer) { o.OnReady(remote, role) })

	if a != nil {
		n.finish(a, remote, nil)
	}
}

func (n *Node) handshakeFailed(_ Role, id HandshakeID, err error) {
	if a, ok := n.attempts[id]; ok {
		n.finish(a, "", err)
	}
}

func (n *Node) frameReceived(_ Role, remote peer.ID, _ Channel, frame []byte) {
	atomic.AddUint64(&n.bytesReceived, uint64(len(frame)))
	atomic.StoreInt64(&n.lastRecv, time.Now().Unix())

	env, ok := n.codec.Decode(frame)
	if !ok {
		n.deliver(remote, frame)
		return
	}

	n.dispatch(remote, env)
}

func (n *Node) channelClosed(role Role, remote peer.ID, ch Channel) {
	t := n.table(role)

	before := t.Count(remote)
	last := t.Closed(remote, ch)

	if delta := t.Count(remote) - before; delta != 0 {
		n.metricsSink().ObserveArcDelta(role, delta)
	}

	if last && role == RoleOutbound {
		n.notify(func(o Observer) { o.OnClose(remote) })
	}
}

// deliver hands a foreign frame to the application handler.
func (n *Node) deliver(remote peer.ID, frame []byte) {
	ctx := n.ctx

	n.emits.post(func() {
		n.callbackMutex.RLock()
		h := n.handler
		n.callbackMutex.RUnlock()

		if h != nil {
			h(ctx, frame, remote.String())
		}
	})
}

func (n *Node) sendEnvelope(to peer.ID, env Envelope) error {
	ch, _, ok := n.resolve(to)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoArc, to)
	}

	data, err := n.codec.Encode(env)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(n.ctx, n.config.HandshakeTimeout)
	defer cancel()

	return n.sendFrame(ctx, ch, data)
}

func (n *Node) sendFrame(ctx context.Context, ch Channel, frame []byte) error {
	if err := ch.Send(ctx, frame); err != nil {
		return err
	}

	atomic.AddUint64(&n.bytesSent, uint64(len(frame)))
	atomic.StoreInt64(&n.lastSend, time.Now().Unix())

	return nil
}
