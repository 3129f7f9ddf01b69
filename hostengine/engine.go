package hostengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	overlay "github.com/bsv-blockchain/go-overlay"
	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-msgio"
	"github.com/multiformats/go-multiaddr"
)

const (
	// DefaultProtocolID is the stream protocol carrying overlay channels
	DefaultProtocolID = protocol.ID("/overlay/channel/1.0.0")

	maxFrameSize = 4 << 20
	helloTimeout = 10 * time.Second
)

var (
	// ErrUnknownHandshake is returned for payloads of handshakes this engine is not running
	ErrUnknownHandshake = errors.New("hostengine: unknown handshake")
	// ErrBadPayload is returned for payloads that do not carry address info
	ErrBadPayload = errors.New("hostengine: malformed payload")
	// ErrWrongRole is returned when an operation does not match the engine's role
	ErrWrongRole = errors.New("hostengine: operation not supported by role")
)

// addrPayload is the offer or the answer: who produced it and where it can be reached.
type addrPayload struct {
	Handshake overlay.HandshakeID `cbor:"handshake"`
	Peer      peer.ID             `cbor:"peer"`
	Addrs     [][]byte            `cbor:"addrs,omitempty"`
}

func (p addrPayload) addrInfo() peer.AddrInfo {
	info := peer.AddrInfo{ID: p.Peer}

	for _, raw := range p.Addrs {
		addr, err := multiaddr.NewMultiaddrBytes(raw)
		if err != nil {
			continue
		}
		info.Addrs = append(info.Addrs, addr)
	}

	return info
}

type pendingHandshake struct {
	remote  peer.ID
	ctx     context.Context
	cancel  context.CancelFunc
	dialing bool
}

// Engine implements overlay.Engine on a libp2p host for one role. The outbound engine dials
// the peer named by the answer and opens a stream; the inbound engine serves the stream
// protocol and matches each incoming stream to an accepted handshake by its hello frame.
type Engine struct {
	logger     overlay.Logger
	host       host.Host
	role       overlay.Role
	protocolID protocol.ID

	mu        sync.Mutex
	handler   overlay.EngineHandler
	cache     *PeerCache
	cachePath string
	cacheMax  int
	cacheTTL  time.Duration
	pending   map[overlay.HandshakeID]*pendingHandshake
	channels map[*streamChannel]struct{}
}

// New creates the engine of one role on h. The inbound engine registers the stream handler
// for protocolID, DefaultProtocolID when empty.
func New(logger overlay.Logger, h host.Host, role overlay.Role, protocolID protocol.ID) *Engine {
	if protocolID == "" {
		protocolID = DefaultProtocolID
	}

	e := &Engine{
		logger:     logger,
		host:       h,
		role:       role,
		protocolID: protocolID,
		pending:    make(map[overlay.HandshakeID]*pendingHandshake),
		channels:   make(map[*streamChannel]struct{}),
	}

	if role == overlay.RoleInbound {
		h.SetStreamHandler(protocolID, e.handleStream)
	}

	return e
}

// Engines creates both engines of a node on h.
func Engines(logger overlay.Logger, h host.Host, protocolID protocol.ID) overlay.Engines {
	return overlay.Engines{
		Inview:  New(logger, h, overlay.RoleInbound, protocolID),
		Outview: New(logger, h, overlay.RoleOutbound, protocolID),
	}
}

// SetHandler implements overlay.Engine.
func (e *Engine) SetHandler(h overlay.EngineHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

// SetPeerCache records the outcome of every dial in c.
func (e *Engine) SetPeerCache(c *PeerCache) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = c
}

// OpenPeerCache loads the dial history kept at path, drops stale and unreliable peers and
// seeds the host's address book with the best of them. Shutdown writes the cache back.
func (e *Engine) OpenPeerCache(path string, maxPeers int, ttl time.Duration) error {
	if maxPeers <= 0 {
		maxPeers = DefaultMaxCachedPeers
	}

	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	cache, err := LoadPeerCache(path)
	if err != nil {
		return fmt.Errorf("[HostEngine] %w", err)
	}

	cache.Prune(maxPeers, ttl)

	seeded := 0

	for _, p := range cache.GetBestPeers(maxPeers, ttl) {
		id, decodeErr := peer.Decode(p.ID)
		if decodeErr != nil {
			continue
		}

		info, ok := cache.AddrInfo(id)
		if !ok || len(info.Addrs) == 0 {
			continue
		}

		e.host.Peerstore().AddAddrs(id, info.Addrs, peerstore.RecentlyConnectedAddrTTL)
		seeded++
	}

	e.logger.Infof("[HostEngine] loaded %d cached peers from %s, seeded %d", cache.Count(), path, seeded)

	e.mu.Lock()
	e.cache, e.cachePath, e.cacheMax, e.cacheTTL = cache, path, maxPeers, ttl
	e.mu.Unlock()

	return nil
}

func (e *Engine) savePeerCache() error {
	e.mu.Lock()
	cache, path, maxPeers, ttl := e.cache, e.cachePath, e.cacheMax, e.cacheTTL
	e.mu.Unlock()

	if cache == nil || path == "" {
		return nil
	}

	cache.Prune(maxPeers, ttl)

	return cache.Save(path)
}

func (e *Engine) cachedAddrInfo(id peer.ID) (peer.AddrInfo, bool) {
	e.mu.Lock()
	c := e.cache
	e.mu.Unlock()

	if c == nil {
		return peer.AddrInfo{}, false
	}

	info, ok := c.AddrInfo(id)

	return info, ok && len(info.Addrs) > 0
}

func (e *Engine) events() overlay.EngineHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handler
}

func (e *Engine) localPayload(id overlay.HandshakeID) ([]byte, error) {
	p := addrPayload{Handshake: id, Peer: e.host.ID()}
	for _, addr := range e.host.Addrs() {
		p.Addrs = append(p.Addrs, addr.Bytes())
	}

	return cbor.Marshal(p)
}

// Initiate implements overlay.Engine.
func (e *Engine) Initiate(ctx context.Context, id overlay.HandshakeID) error {
	if e.role != overlay.RoleOutbound {
		return ErrWrongRole
	}

	offer, err := e.localPayload(id)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	e.pending[id] = &pendingHandshake{ctx: dialCtx, cancel: cancel}
	e.mu.Unlock()

	if h := e.events(); h != nil {
		h.OnLocalPayload(id, offer)
	}

	return nil
}

// Accept implements overlay.Engine.
func (e *Engine) Accept(ctx context.Context, id overlay.HandshakeID, resume []byte) error {
	if e.role != overlay.RoleInbound {
		return ErrWrongRole
	}

	var offer addrPayload
	if err := cbor.Unmarshal(resume, &offer); err != nil || offer.Handshake != id || offer.Peer == "" {
		return ErrBadPayload
	}

	answer, err := e.localPayload(id)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	e.pending[id] = &pendingHandshake{remote: offer.Peer, ctx: waitCtx, cancel: cancel}
	e.mu.Unlock()

	if h := e.events(); h != nil {
		h.OnLocalPayload(id, answer)
	}

	return nil
}

// Signal implements overlay.Engine. The first answer an outbound handshake receives starts
// the dial; later payloads are ignored.
func (e *Engine) Signal(id overlay.HandshakeID, payload []byte) error {
	e.mu.Lock()
	p, ok := e.pending[id]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownHandshake
	}

	if e.role == overlay.RoleInbound || p.dialing {
		e.mu.Unlock()
		return nil
	}

	var answer addrPayload
	if err := cbor.Unmarshal(payload, &answer); err != nil || answer.Handshake != id || answer.Peer == "" {
		e.mu.Unlock()
		return ErrBadPayload
	}

	p.dialing = true
	p.remote = answer.Peer
	e.mu.Unlock()

	go e.dial(id, p, answer.addrInfo())

	return nil
}

func (e *Engine) dial(id overlay.HandshakeID, p *pendingHandshake, info peer.AddrInfo) {
	e.logger.Debugf("[HostEngine] dialing %s for handshake %s", info.ID.String(), id)

	info, err := e.connect(p.ctx, info)
	if err != nil {
		e.record(peer.AddrInfo{ID: info.ID}, false)
		e.fail(id, fmt.Errorf("connect: %w", err))

		return
	}

	s, err := e.host.NewStream(p.ctx, info.ID, e.protocolID)
	if err != nil {
		e.record(info, false)
		e.fail(id, fmt.Errorf("open stream: %w", err))

		return
	}

	w := msgio.NewVarintWriter(s)
	if err = w.WriteMsg([]byte(id)); err != nil {
		_ = s.Reset()
		e.fail(id, fmt.Errorf("hello: %w", err))

		return
	}

	e.mu.Lock()
	if cur, ok := e.pending[id]; !ok || cur != p {
		e.mu.Unlock()
		_ = s.Reset()

		return
	}
	delete(e.pending, id)
	p.cancel()

	ch := newStreamChannel(e, s, info.ID, nil, w)
	e.channels[ch] = struct{}{}
	e.mu.Unlock()

	e.record(info, true)

	if h := e.events(); h != nil {
		h.OnReady(id, info.ID, ch)
	}
	ch.start()
}

// connect dials the addresses of the answer, then the addresses of the peer cache when they
// differ. It returns the address info that worked, or the answer's on failure.
func (e *Engine) connect(ctx context.Context, info peer.AddrInfo) (peer.AddrInfo, error) {
	cached, haveCached := e.cachedAddrInfo(info.ID)

	err := e.host.Connect(ctx, info)
	if err == nil {
		return info, nil
	}

	if !haveCached || ctx.Err() != nil {
		return info, err
	}

	e.logger.Debugf("[HostEngine] redialing %s on %d cached addresses", info.ID.String(), len(cached.Addrs))

	if cachedErr := e.host.Connect(ctx, cached); cachedErr != nil {
		return info, fmt.Errorf("%w (cached addresses: %v)", err, cachedErr)
	}

	return cached, nil
}

func (e *Engine) handleStream(s network.Stream) {
	remote := s.Conn().RemotePeer()

	_ = s.SetReadDeadline(time.Now().Add(helloTimeout))

	r := msgio.NewVarintReaderSize(s, maxFrameSize)

	hello, err := r.ReadMsg()
	if err != nil {
		e.logger.Debugf("[HostEngine] no hello from %s: %v", remote.String(), err)
		_ = s.Reset()

		return
	}

	id := overlay.HandshakeID(hello)
	r.ReleaseMsg(hello)

	_ = s.SetReadDeadline(time.Time{})

	e.mu.Lock()
	p, ok := e.pending[id]
	if !ok || p.remote != remote {
		e.mu.Unlock()
		e.logger.Debugf("[HostEngine] refusing stream from %s for handshake %s", remote.String(), id)
		_ = s.Reset()

		return
	}
	delete(e.pending, id)
	p.cancel()

	ch := newStreamChannel(e, s, remote, r, nil)
	e.channels[ch] = struct{}{}
	e.mu.Unlock()

	if h := e.events(); h != nil {
		h.OnReady(id, remote, ch)
	}
	ch.start()
}

func (e *Engine) fail(id overlay.HandshakeID, err error) {
	e.mu.Lock()
	p, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.mu.Unlock()

	if !ok {
		return
	}
	p.cancel()

	if h := e.events(); h != nil {
		h.OnFailed(id, err)
	}
}

func (e *Engine) record(info peer.AddrInfo, connected bool) {
	e.mu.Lock()
	c := e.cache
	e.mu.Unlock()

	if c == nil {
		return
	}

	addrs := make([]string, 0, len(info.Addrs))
	for _, addr := range info.Addrs {
		addrs = append(addrs, addr.String())
	}
	c.AddOrUpdatePeer(info.ID, addrs, connected)
}

// Abort implements overlay.Engine.
func (e *Engine) Abort(id overlay.HandshakeID) {
	e.mu.Lock()
	p, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.mu.Unlock()

	if ok {
		p.cancel()
	}
}

// Close implements overlay.Engine.
func (e *Engine) Close(remote peer.ID) error {
	for _, ch := range e.snapshot() {
		if ch.remote == remote {
			_ = ch.Close()
		}
	}

	return nil
}

// Shutdown stops serving the stream protocol, aborts pending handshakes, closes every
// channel of the engine and saves the peer cache opened with OpenPeerCache.
func (e *Engine) Shutdown() {
	if err := e.savePeerCache(); err != nil {
		e.logger.Warnf("[HostEngine] error saving peer cache: %v", err)
	}

	if e.role == overlay.RoleInbound {
		e.host.RemoveStreamHandler(e.protocolID)
	}

	e.mu.Lock()
	for id, p := range e.pending {
		p.cancel()
		delete(e.pending, id)
	}
	e.mu.Unlock()

	for _, ch := range e.snapshot() {
		_ = ch.Close()
	}
}

// Channels returns the number of open channels.
func (e *Engine) Channels() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.channels)
}

func (e *Engine) snapshot() []*streamChannel {
	e.mu.Lock()
	defer e.mu.Unlock()

	channels := make([]*streamChannel, 0, len(e.channels))
	for ch := range e.channels {
		channels = append(channels, ch)
	}

	return channels
}

func (e *Engine) detach(ch *streamChannel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.channels, ch)
}

var _ overlay.Engine = (*Engine)(nil)
