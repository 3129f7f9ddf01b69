package overlay

import (
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// ArcGater decides which peers may take part in new handshakes. The node consults it before
// every attempt; the same gater can be installed on a libp2p host so that blocked peers and
// subnets are refused at the transport as well.
type ArcGater struct {
	mu             sync.RWMutex
	blockedPeers   map[peer.ID]time.Time
	blockedSubnets []string
	maxArcsPerPeer int
	logger         Logger
}

// NewArcGater creates a gater. maxArcsPerPeer <= 0 disables the parallel arc limit.
func NewArcGater(logger Logger, maxArcsPerPeer int) *ArcGater {
	return &ArcGater{
		blockedPeers:   make(map[peer.ID]time.Time),
		blockedSubnets: make([]string, 0),
		maxArcsPerPeer: maxArcsPerPeer,
		logger:         logger,
	}
}

// BlockPeer blocks a specific peer for a duration
func (g *ArcGater) BlockPeer(p peer.ID, duration time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blockedPeers[p] = time.Now().Add(duration)
}

// UnblockPeer removes a peer from the blocklist
func (g *ArcGater) UnblockPeer(p peer.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.blockedPeers, p)
}

// BlockSubnet blocks connections from addresses starting with the given prefix, e.g. "192.168.1."
func (g *ArcGater) BlockSubnet(subnet string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blockedSubnets = append(g.blockedSubnets, subnet)
}

// IsBlocked checks if a peer is currently blocked. Expired blocks are cleaned up.
func (g *ArcGater) IsBlocked(p peer.ID) bool {
	g.mu.RLock()
	expiry, exists := g.blockedPeers[p]
	g.mu.RUnlock()

	if !exists {
		return false
	}

	if time.Now().Before(expiry) {
		return true
	}

	g.mu.Lock()
	if cur, ok := g.blockedPeers[p]; ok && !time.Now().Before(cur) {
		delete(g.blockedPeers, p)
	}
	g.mu.Unlock()

	return false
}

// AllowArc reports whether one more arc to the peer may be created, given how many arcs
// to it the table already holds. It returns ErrPeerBlocked or ErrArcLimit otherwise.
func (g *ArcGater) AllowArc(p peer.ID, current int) error {
	if g.IsBlocked(p) {
		g.logger.Debugf("[ArcGater] refused handshake with blocked peer: %s", p)
		return ErrPeerBlocked
	}

	if g.maxArcsPerPeer > 0 && current >= g.maxArcsPerPeer {
		g.logger.Debugf("[ArcGater] peer %s already holds %d arcs (max %d)", p, current, g.maxArcsPerPeer)
		return ErrArcLimit
	}

	return nil
}

func (g *ArcGater) inBlockedSubnet(addr multiaddr.Multiaddr) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.blockedSubnets) == 0 {
		return false
	}

	ip, err := manet.ToIP(addr)
	if err != nil {
		return false
	}

	ipStr := ip.String()
	for _, subnet := range g.blockedSubnets {
		if strings.HasPrefix(ipStr, subnet) {
			return true
		}
	}

	return false
}

// InterceptPeerDial is called before dialing a peer
func (g *ArcGater) InterceptPeerDial(p peer.ID) (allow bool) {
	if g.IsBlocked(p) {
		g.logger.Debugf("[ArcGater] Blocked dial to peer: %s", p)
		return false
	}
	return true
}

// InterceptAddrDial is called before dialing an address
func (g *ArcGater) InterceptAddrDial(p peer.ID, addr multiaddr.Multiaddr) (allow bool) {
	if g.IsBlocked(p) {
		g.logger.Debugf("[ArcGater] Blocked dial to address %s for peer: %s", addr, p)
		return false
	}

	if g.inBlockedSubnet(addr) {
		g.logger.Debugf("[ArcGater] Blocked dial to subnet: %s", addr)
		return false
	}

	return true
}

// InterceptAccept is called before accepting a connection
func (g *ArcGater) InterceptAccept(connAddr network.ConnMultiaddrs) (allow bool) {
	if g.inBlockedSubnet(connAddr.RemoteMultiaddr()) {
		g.logger.Debugf("[ArcGater] Blocked accept from subnet: %s", connAddr.RemoteMultiaddr())
		return false
	}

	return true
}

// InterceptSecured is called after the security handshake
func (g *ArcGater) InterceptSecured(_ network.Direction, p peer.ID, _ network.ConnMultiaddrs) (allow bool) {
	if g.IsBlocked(p) {
		g.logger.Debugf("[ArcGater] Blocked secured connection from peer: %s", p)
		return false
	}

	return true
}

// InterceptUpgraded is called after protocol negotiation
func (g *ArcGater) InterceptUpgraded(_ network.Conn) (allow bool, reason control.DisconnectReason) {
	return true, 0
}

var _ connmgr.ConnectionGater = (*ArcGater)(nil)
