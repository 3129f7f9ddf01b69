package overlay_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	overlay "github.com/bsv-blockchain/go-overlay"
	"github.com/bsv-blockchain/go-overlay/memnet"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// observerLog records topology events; callbacks come from the node's emitter goroutine.
type observerLog struct {
	mu           sync.Mutex
	opened       []peer.ID
	closed       []peer.ID
	failed       []error
	ready        map[overlay.Role]int
	bridgeFailed []peer.ID
}

func newObserverLog() *observerLog {
	return &observerLog{ready: make(map[overlay.Role]int)}
}

func (o *observerLog) OnOpen(p peer.ID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, p)
}

func (o *observerLog) OnClose(p peer.ID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = append(o.closed, p)
}

func (o *observerLog) OnFail(_ peer.ID, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, err)
}

func (o *observerLog) OnReady(_ peer.ID, role overlay.Role) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ready[role]++
}

func (o *observerLog) OnBridgeFailed(p peer.ID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bridgeFailed = append(o.bridgeFailed, p)
}

func (o *observerLog) openedPeers() []peer.ID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]peer.ID(nil), o.opened...)
}

func (o *observerLog) closedPeers() []peer.ID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]peer.ID(nil), o.closed...)
}

func (o *observerLog) failures() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.failed...)
}

func (o *observerLog) readyCount(role overlay.Role) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ready[role]
}

func (o *observerLog) bridgeFailures() []peer.ID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]peer.ID(nil), o.bridgeFailed...)
}

type testNode struct {
	*overlay.Node
	id       peer.ID
	observer *observerLog
	registry *prometheus.Registry
}

type testNet struct {
	t   *testing.T
	net *memnet.Network
}

func newTestNet(t *testing.T) *testNet {
	return &testNet{t: t, net: memnet.NewNetwork(overlay.NewMockLogger(t))}
}

// node creates and starts a node; mutate adjusts its config.
func (tn *testNet) node(name string, mutate func(c *overlay.Config)) *testNode {
	tn.t.Helper()

	id, err := tn.net.NewPeer()
	require.NoError(tn.t, err)

	config := overlay.DefaultConfig()
	config.ProcessName = name
	config.HandshakeTimeout = time.Second

	if mutate != nil {
		mutate(&config)
	}

	ctx := context.Background()

	n, err := overlay.NewNode(ctx, overlay.NewMockLogger(tn.t), config, id, tn.net.Engines(id))
	require.NoError(tn.t, err)

	observer := newObserverLog()
	n.SetObserver(observer)

	registry := prometheus.NewRegistry()
	n.SetMetrics(overlay.NewMetrics(registry, ""))

	require.NoError(tn.t, n.Start(ctx))
	tn.t.Cleanup(func() { _ = n.Stop(context.Background()) })

	return &testNode{Node: n, id: id, observer: observer, registry: registry}
}

// bootstrap connects a to b out of band and returns the handshake id of the exchange.
func bootstrap(ctx context.Context, t *testing.T, a, b *testNode) overlay.HandshakeID {
	t.Helper()

	codec, err := overlay.NewCodec(overlay.DefaultProtocolTag)
	require.NoError(t, err)

	var (
		mu sync.Mutex
		id overlay.HandshakeID
	)

	answer := func(ticket []byte) {
		go func() { _, _ = a.Connection(ctx, nil, ticket) }()
	}

	offer := func(ticket []byte) {
		if env, ok := codec.Decode(ticket); ok {
			mu.Lock()
			id = env.Handshake
			mu.Unlock()
		}
		go func() { _, _ = b.Connection(ctx, answer, ticket) }()
	}

	remote, err := a.Connection(ctx, offer, nil)
	require.NoError(t, err)
	require.Equal(t, b.id, remote)

	require.Eventually(t, func() bool { return b.Inview().Count(a.id) > 0 }, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()

	return id
}

func metricValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	total := 0.0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			if c := m.GetCounter(); c != nil {
				total += c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				total += g.GetValue()
			}
		}
	}

	return total
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	return ctx
}

func TestNodeLifecycle(t *testing.T) {
	tn := newTestNet(t)

	id, err := tn.net.NewPeer()
	require.NoError(t, err)

	ctx := testContext(t)

	n, err := overlay.NewNode(ctx, overlay.NewMockLogger(t), overlay.DefaultConfig(), id, tn.net.Engines(id))
	require.NoError(t, err)

	_, err = n.Connect(ctx, "peer", "")
	require.ErrorIs(t, err, overlay.ErrNodeNotStarted)

	require.NoError(t, n.Start(ctx))
	require.Error(t, n.Start(ctx), "second start must fail")

	require.NoError(t, n.Stop(ctx))
	require.NoError(t, n.Stop(ctx), "stopping twice is a no-op")

	_, err = n.Connect(ctx, "peer", "")
	require.ErrorIs(t, err, overlay.ErrNodeStopped)

	require.ErrorIs(t, n.Disconnect(ctx), overlay.ErrNodeStopped)
	require.ErrorIs(t, n.Start(ctx), overlay.ErrNodeStopped)
}

func TestNewNodeValidation(t *testing.T) {
	tn := newTestNet(t)
	ctx := testContext(t)
	logger := overlay.NewMockLogger(t)

	id, err := tn.net.NewPeer()
	require.NoError(t, err)

	_, err = overlay.NewNode(ctx, logger, overlay.DefaultConfig(), "", tn.net.Engines(id))
	require.Error(t, err)

	_, err = overlay.NewNode(ctx, logger, overlay.DefaultConfig(), id, overlay.Engines{})
	require.Error(t, err)

	bad := overlay.DefaultConfig()
	bad.MaxArcsPerPeer = -1
	_, err = overlay.NewNode(ctx, logger, bad, id, tn.net.Engines(id))
	require.ErrorIs(t, err, overlay.ErrInvalidConfig)
}

func TestNodeStopsWithStartContext(t *testing.T) {
	tn := newTestNet(t)

	id, err := tn.net.NewPeer()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	n, err := overlay.NewNode(ctx, overlay.NewMockLogger(t), overlay.DefaultConfig(), id, tn.net.Engines(id))
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))

	cancel()

	require.Eventually(t, func() bool {
		_, err := n.Connect(context.Background(), "peer", "")
		return errors.Is(err, overlay.ErrNodeStopped)
	}, waitFor, tick)
}

func TestBootstrap(t *testing.T) {
	tn := newTestNet(t)
	ctx := testContext(t)

	a := tn.node("a", nil)
	b := tn.node("b", nil)

	remote, err := a.ConnectionTo(ctx, b.Node)
	require.NoError(t, err)
	assert.Equal(t, b.id, remote)

	entry, ok := a.Get(b.id)
	require.True(t, ok)
	assert.Equal(t, overlay.RoleOutbound, entry.Role)
	assert.Equal(t, 1, entry.Count)

	require.Eventually(t, func() bool { return b.Inview().Count(a.id) == 1 }, waitFor, tick)

	assert.Equal(t, 0, a.Inview().Len())
	assert.Equal(t, 0, b.Outview().Len())

	require.Eventually(t, func() bool {
		return a.observer.readyCount(overlay.RoleOutbound) == 1 && b.observer.readyCount(overlay.RoleInbound) == 1
	}, waitFor, tick)

	assert.Equal(t, []peer.ID{b.id}, a.observer.openedPeers())
	assert.Empty(t, b.observer.openedPeers(), "inbound arcs do not raise open")
	assert.InDelta(t, 1, metricValue(t, a.registry, "overlay_arcs"), 0)
}

func TestBootstrapInvalidTicket(t *testing.T) {
	tn := newTestNet(t)
	ctx := testContext(t)
	a := tn.node("a", nil)

	_, err := a.Connection(ctx, nil, []byte("not a ticket"))
	require.ErrorIs(t, err, overlay.ErrInvalidTicket)

	other, err := overlay.NewCodec("/someone/else/1.0.0")
	require.NoError(t, err)

	foreign, err := other.Encode(overlay.Envelope{Kind: overlay.KindDirect, From: a.id, Handshake: "h"})
	require.NoError(t, err)

	_, err = a.Connection(ctx, nil, foreign)
	require.ErrorIs(t, err, overlay.ErrInvalidTicket)
}

func TestBootstrapReplayedTicket(t *testing.T) {
	tn := newTestNet(t)
	ctx := testContext(t)

	a := tn.node("a", nil)
	b := tn.node("b", nil)

	tickets := make(chan []byte, 1)

	answer := func(ticket []byte) {
		go func() { _, _ = a.Connection(ctx, nil, ticket) }()
	}

	offer := func(ticket []byte) {
		tickets <- ticket
		go func() { _, _ = b.Connection(ctx, answer, ticket) }()
	}

	_, err := a.Connection(ctx, offer, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.Inview().Count(a.id) == 1 }, waitFor, tick)

	_, err = b.Connection(ctx, func([]byte) {}, <-tickets)
	require.ErrorIs(t, err, overlay.ErrInvalidTicket)
	assert.Equal(t, 1, b.Inview().Count(a.id))
}

func TestSelfConnect(t *testing.T) {
	tn := newTestNet(t)
	ctx := testContext(t)

	a := tn.node("a", nil)
	b := tn.node("b", nil)
	bootstrap(ctx, t, a, b)

	_, err := a.Connect(ctx, a.id, "")
	require.ErrorIs(t, err, overlay.ErrSelfConnect)

	_, err = a.Connect(ctx, b.id, a.id)
	require.ErrorIs(t, err, overlay.ErrSelfConnect)
}

func TestConnectWithoutArc(t *testing.T) {
	tn := newTestNet(t)
	ctx := testContext(t)

	a := tn.node("a", nil)
	b := tn.node("b", nil)

	_, err := a.Connect(ctx, b.id, "")
	require.ErrorIs(t, err, overlay.ErrNoArc)
}

func TestDirectParallelArc(t *testing.T) {
	tn := newTestNet(t)
	ctx := testContext(t)

	a := tn.node("a", nil)
	b := tn.node("b", nil)
	bootstrap(ctx, t, a, b)

	remote, err := a.Connect(ctx, b.id, "")
	require.NoError(t, err)
	assert.Equal(t, b.id, remote)

	assert.Equal(t, 2, a.Outview().Count(b.id))
	require.Eventually(t, func() bool { return b.Inview().Count(a.id) == 2 }, waitFor, tick)

	require.Eventually(t, func() bool { return a.observer.readyCount(overlay.RoleOutbound) == 2 }, waitFor, tick)
	assert.Equal(t, []peer.ID{b.id}, a.observer.openedPeers(), "open fires for the first arc only")
}

func TestDirectParallelArcFromInview(t *testing.T) {
	tn := newTestNet(t)
	ctx := testContext(t)

	a := tn.node("a", nil)
	b := tn.node("b", nil)
	bootstrap(ctx, t, a, b)

	// b only holds a in its inview, the handshake still travels over that arc
	remote, err := b.Connect(ctx, a.id, "")
	require.NoError(t, err)
	assert.Equal(t, a.id, remote)

	assert.Equal(t, 1, b.Outview().Count(a.id))
	assert.Equal(t, 1, b.Inview().Count(a.id))
	require.Eventually(t, func() bool { return a.Inview().Count(b.id) == 1 }, waitFor, tick)
}

// line builds p1 -> p2 -> p3 with bootstrapped arcs.
func line(ctx context.Context, t *testing.T, tn *testNet) (p1, p2, p3 *testNode) {
	t.Helper()

	p1 = tn.node("p1", nil)
	p2 = tn.node("p2", nil)
	p3 = tn.node("p3", nil)

	bootstrap(ctx, t, p1, p2)
	bootstrap(ctx, t, p2, p3)

	return p1, p2, p3
}

func TestBridgeThroughNeighbor(t *testing.T) {
	tn := newTestNet(t)
	ctx := testContext(t)

	p1, p2, p3 := line(ctx, t, tn)

	remote, err := p1.Connect(ctx, p2.id, p3.id)
	require.NoError(t, err)
	assert.Equal(t, p3.id, remote)

	assert.Equal(t, 1, p1.Outview().Count(p3.id))
	assert.Equal(t, 1, p1.Outview().Count(p2.id))
	require.Eventually(t, func() bool { return p3.Inview().Count(p1.id) == 1 }, waitFor, tick)

	// the intermediary is not part of the new arc
	assert.Equal(t, 1, p2.Outview().Count(p3.id))
	assert.Equal(t, 1, p2.Inview().Count(p1.id))
	assert.Equal(t, 1, p2.Inview().Len())
	assert.Equal(t, 1, p2.Outview().Len())

	assert.Positive(t, metricValue(t, p2.registry, "overlay_relayed_envelopes_total"))
}

func TestBridgeRequestedByIntermediary(t *testing.T) {
	tn := newTestNet(t)
	ctx := testContext(t)

	p1 := tn.node("p1", nil)
	p2 := tn.node("p2", nil)
	p3 := tn.node("p3", nil)

	bootstrap(ctx, t, p1, p2)
	bootstrap(ctx, t, p3, p2) // p2 reaches p3 through its inview

	require.NoError(t, p2.Bridge(ctx, p1.id, p3.id))

	require.Eventually(t, func() bool { return p1.Outview().Count(p3.id) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return p3.Inview().Count(p1.id) == 1 }, waitFor, tick)

	require.Eventually(t, func() bool { return len(p1.observer.openedPeers()) == 2 }, waitFor, tick)
	assert.Equal(t, []peer.ID{p2.id, p3.id}, p1.observer.openedPeers())
	assert.Equal(t, 0, p2.Outview().Len())
	assert.Equal(t, 2, p2.Inview().Len())
}

func TestBridgeUnreachable(t *testing.T) {
	tn := newTestNet(t)
	ctx := testContext(t)

	fast := func(c *overlay.Config) { c.HandshakeTimeout = 200 * time.Millisecond }

	p1 := tn.node("p1", fast)
	p2 := tn.node("p2", fast)
	p3 := tn.node("p3", fast)

	bootstrap(ctx, t, p1, p2)

	err := p2.Bridge(ctx, p1.id, p3.id)
	require.ErrorIs(t, err, overlay.ErrBridgeUnreachable)

	_, err = p1.Connect(ctx, p2.id, p3.id)
	require.ErrorIs(t, err, overlay.ErrHandshakeTimeout)

	require.Eventually(t, func() bool { return len(p2.observer.bridgeFailures()) == 2 }, waitFor, tick)
	assert.Equal(t, []peer.ID{p3.id, p3.id}, p2.observer.bridgeFailures())
	assert.InDelta(t, 2, metricValue(t, p2.registry, "overlay_bridge_failures_total"), 0)

	require.Eventually(t, func() bool { return len(p1.observer.failures()) == 1 }, waitFor, tick)
	assert.ErrorIs(t, p1.observer.failures()[0], overlay.ErrHandshakeTimeout)

	assert.Equal(t, 0, p1.Outview().Count(p3.id))
}

func TestForwardToUnknownDestination(t *testing.T) {
	tn := newTestNet(t)
	ctx := testContext(t)

	a := tn.node("a", nil)
	b := tn.node("b", nil)
	c := tn.node("c", nil)
	bootstrap(ctx, t, a, b)

	codec, err := overlay.NewCodec(overlay.DefaultProtocolTag)
	require.NoError(t, err)

	frame, err := codec.Encode(overlay.Envelope{
		Kind:      overlay.KindForwardTo,
		From:      a.id,
		To:        c.id,
		Handshake: overlay.NewHandshakeID(),
		Payload:   []byte("offer"),
	})
	require.NoError(t, err)

	require.NoError(t, a.Send(ctx, b.id, frame))

	require.Eventually(t, func() bool { return len(b.observer.bridgeFailures()) == 1 }, waitFor, tick)
	assert.Equal(t, c.id, b.observer.bridgeFailures()[0])
}

func TestLateEnvelopesAreDropped(t *testing.T) {
	tn := newTestNet(t)
	ctx := testContext(t)

	a := tn.node("a", nil)
	b := tn.node("b", nil)
	id := bootstrap(ctx, t, a, b)
	require.NotEmpty(t, id)

	codec, err := overlay.NewCodec(overlay.DefaultProtocolTag)
	require.NoError(t, err)

	late, err := codec.Encode(overlay.Envelope{Kind: overlay.KindDirect, Handshake: id, Payload: []byte("late")})
	require.NoError(t, err)

	unknown, err := codec.Encode(overlay.Envelope{Kind: overlay.Kind("Gossip"), Handshake: id})
	require.NoError(t, err)

	require.NoError(t, b.Send(ctx, a.id, late))
	require.NoError(t, b.Send(ctx, a.id, unknown))

	require.Eventually(t, func() bool {
		return metricValue(t, a.registry, "overlay_dropped_envelopes_total") == 2
	}, waitFor, tick)

	assert.Equal(t, 0, a.Inview().Len(), "a finished exchange must not start a new handshake")
	assert.Equal(t, 1, a.Outview().Count(b.id))
}

func TestSendDeliversForeignFrames(t *testing.T) {
	tn := newTestNet(t)
	ctx := testContext(t)

	a := tn.node("a", nil)
	b := tn.node("b", nil)
	bootstrap(ctx, t, a, b)

	type delivery struct {
		msg  []byte
		from string
	}
	received := make(chan delivery, 4)

	b.SetMessageHandler(func(_ context.Context, msg []byte, from string) {
		received <- delivery{msg: msg, from: from}
	})

	other, err := overlay.NewCodec("/app/1.0.0")
	require.NoError(t, err)
	appEnvelope, err := other.Encode(overlay.Envelope{Kind: overlay.KindDirect, Handshake: "app"})
	require.NoError(t, err)

	require.NoError(t, a.Send(ctx, b.id, []byte("hello")))
	require.NoError(t, a.Send(ctx, b.id, appEnvelope))

	for _, want := range [][]byte{[]byte("hello"), appEnvelope} {
		select {
		case d := <-received:
			assert.Equal(t, want, d.msg)
			assert.Equal(t, a.id.String(), d.from)
		case <-ctx.Done():
			t.Fatal("frame not delivered")
		}
	}

	assert.Positive(t, a.BytesSent())
	require.Eventually(t, func() bool { return b.BytesReceived() > 0 }, waitFor, tick)
	assert.WithinDuration(t, time.Now(), a.LastSend(), 5*time.Second)

	// no arc: a no-op
	assert.NoError(t, a.Send(ctx, "unknown", []byte("x")))
}

func TestDisconnectAll(t *testing.T) {
	tn := newTestNet(t)
	ctx := testContext(t)

	p1, p2, p3 := line(ctx, t, tn)

	require.NoError(t, p2.Disconnect(ctx))

	assert.Equal(t, 0, p2.Inview().Len())
	assert.Equal(t, 0, p2.Outview().Len())

	require.Eventually(t, func() bool { return p1.Outview().Len() == 0 }, waitFor, tick)
	require.Eventually(t, func() bool { return p3.Inview().Len() == 0 }, waitFor, tick)

	require.Eventually(t, func() bool { return len(p2.observer.closedPeers()) == 1 }, waitFor, tick)
	assert.Equal(t, []peer.ID{p3.id}, p2.observer.closedPeers())
	require.Eventually(t, func() bool { return len(p1.observer.closedPeers()) == 1 }, waitFor, tick)
	assert.Equal(t, []peer.ID{p2.id}, p1.observer.closedPeers())
	assert.InDelta(t, 0, metricValue(t, p2.registry, "overlay_arcs"), 0)
}

func TestDisconnectOnePeer(t *testing.T) {
	tn := newTestNet(t)
	ctx := testContext(t)

	p1, p2, p3 := line(ctx, t, tn)

	require.NoError(t, p2.Disconnect(ctx, p1.id))

	assert.Equal(t, 0, p2.Inview().Len())
	assert.Equal(t, 1, p2.Outview().Count(p3.id))
	require.Eventually(t, func() bool { return p1.Outview().Len() == 0 }, waitFor, tick)
}

func TestPeerCrash(t *testing.T) {
	tn := newTestNet(t)
	ctx := testContext(t)

	a := tn.node("a", nil)
	b := tn.node("b", nil)
	bootstrap(ctx, t, a, b)

	_, err := a.Connect(ctx, b.id, "")
	require.NoError(t, err)

	tn.net.Crash(b.id)

	require.Eventually(t, func() bool { return a.Outview().Len() == 0 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(a.observer.closedPeers()) == 1 }, waitFor, tick)
	assert.Equal(t, []peer.ID{b.id}, a.observer.closedPeers(), "close fires for the last arc only")
}

func TestStopFailsPendingHandshakes(t *testing.T) {
	tn := newTestNet(t)
	ctx := testContext(t)

	a := tn.node("a", func(c *overlay.Config) { c.HandshakeTimeout = time.Minute })

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Connection(ctx, func([]byte) {}, nil)
		errCh <- err
	}()

	outview := tn.net.Engine(a.id, overlay.RoleOutbound)
	require.Eventually(t, func() bool { return outview.Pending() == 1 }, waitFor, tick)

	require.NoError(t, a.Stop(ctx))

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, overlay.ErrNodeStopped)
	case <-ctx.Done():
		t.Fatal("pending handshake not failed")
	}

	assert.Equal(t, 0, outview.Pending())
}

func TestRejectedHandshake(t *testing.T) {
	tn := newTestNet(t)
	ctx := testContext(t)

	a := tn.node("a", func(c *overlay.Config) { c.HandshakeTimeout = 200 * time.Millisecond })
	b := tn.node("b", nil)

	tn.net.SetReject(a.id, assert.AnError)

	_, err := a.ConnectionTo(ctx, b.Node)
	require.ErrorIs(t, err, overlay.ErrEngineFailure)
	assert.Equal(t, 0, a.Outview().Len())
}

func TestArcGaterLimit(t *testing.T) {
	tn := newTestNet(t)
	ctx := testContext(t)

	gated := func(c *overlay.Config) {
		c.EnableArcGater = true
		c.MaxArcsPerPeer = 1
	}

	p1 := tn.node("p1", gated)
	p2 := tn.node("p2", nil)
	p3 := tn.node("p3", nil)

	bootstrap(ctx, t, p1, p2)
	bootstrap(ctx, t, p2, p3)

	_, err := p1.Connect(ctx, p2.id, "")
	require.ErrorIs(t, err, overlay.ErrArcLimit)

	require.NotNil(t, p1.Gater())
	p1.Gater().BlockPeer(p3.id, time.Hour)

	_, err = p1.Connect(ctx, p2.id, p3.id)
	require.ErrorIs(t, err, overlay.ErrPeerBlocked)

	p1.Gater().UnblockPeer(p3.id)

	remote, err := p1.Connect(ctx, p2.id, p3.id)
	require.NoError(t, err)
	assert.Equal(t, p3.id, remote)

	assert.Nil(t, p2.Gater(), "gater is off by default")
}

func TestSnapshotAndString(t *testing.T) {
	tn := newTestNet(t)
	ctx := testContext(t)

	p1, p2, p3 := line(ctx, t, tn)

	in := p2.Snapshot(overlay.RoleInbound)
	out := p2.Snapshot(overlay.RoleOutbound)

	require.Len(t, in, 1)
	require.Len(t, out, 1)
	assert.Equal(t, p1.id, in[0].PeerID)
	assert.Equal(t, p3.id, out[0].PeerID)

	s := p2.String()
	assert.Contains(t, s, "outview[")
	assert.Contains(t, s, "inview[")
	assert.Equal(t, "p2", p2.GetProcessName())
	assert.Equal(t, p2.id, p2.HostID())
}

func TestNodeImplementsInterface(t *testing.T) {
	var _ overlay.NodeI = (*overlay.Node)(nil)
}

// TestOpenCloseMatchesOutview checks at quiescent points that, per peer, open events minus
// close events equal the presence of an outbound entry.
func TestOpenCloseMatchesOutview(t *testing.T) {
	tn := newTestNet(t)
	ctx := testContext(t)

	hub := tn.node("hub", nil)
	spokes := []*testNode{tn.node("s1", nil), tn.node("s2", nil), tn.node("s3", nil)}

	for _, s := range spokes {
		bootstrap(ctx, t, hub, s)
	}

	consistent := func() bool {
		opened := make(map[peer.ID]int)
		for _, p := range hub.observer.openedPeers() {
			opened[p]++
		}
		for _, p := range hub.observer.closedPeers() {
			opened[p]--
		}

		for _, s := range spokes {
			present := 0
			if hub.Outview().Count(s.id) > 0 {
				present = 1
			}
			if opened[s.id] != present {
				return false
			}
		}

		return true
	}

	require.Eventually(t, consistent, waitFor, tick)

	_, err := hub.Connect(ctx, spokes[0].id, "")
	require.NoError(t, err)
	_, err = hub.Connect(ctx, spokes[1].id, "")
	require.NoError(t, err)
	require.Eventually(t, consistent, waitFor, tick)

	require.NoError(t, hub.Disconnect(ctx, spokes[0].id))
	require.Eventually(t, consistent, waitFor, tick)

	tn.net.Crash(spokes[1].id)
	require.Eventually(t, func() bool { return hub.Outview().Count(spokes[1].id) == 0 }, waitFor, tick)
	require.Eventually(t, consistent, waitFor, tick)

	// a fresh arc to a peer that went away opens it again
	bootstrap(ctx, t, hub, spokes[0])
	require.Eventually(t, consistent, waitFor, tick)

	assert.Equal(t, 1, hub.Outview().Count(spokes[0].id))
	assert.Equal(t, 0, hub.Outview().Count(spokes[1].id))
	assert.Equal(t, 1, hub.Outview().Count(spokes[2].id))
}
