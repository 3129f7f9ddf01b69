package hostengine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"
)

const (
	// PeerCacheVersion defines the version of the peer cache format
	PeerCacheVersion = 2
	// DefaultCacheTTL defines the default time-to-live for cached peers
	DefaultCacheTTL = 30 * 24 * time.Hour // 30 days
	// DefaultMaxCachedPeers defines the default maximum number of peers to cache
	DefaultMaxCachedPeers = 100

	maxFailuresBest  = 5
	maxFailuresPrune = 10
)

// CachedPeer is the dial history of one remote peer reached through handshake answers
type CachedPeer struct {
	ID              string    `yaml:"id"`
	Addresses       []string  `yaml:"addresses"`
	LastSeen        time.Time `yaml:"last_seen"`
	LastConnected   time.Time `yaml:"last_connected,omitempty"`
	ConnectionCount int       `yaml:"connection_count"`
	FailureCount    int       `yaml:"failure_count"`
}

func (p CachedPeer) ratio() float64 {
	return float64(p.ConnectionCount) / float64(p.ConnectionCount+p.FailureCount+1)
}

// better orders peers by success ratio, then by the most recent connection
func better(a, b CachedPeer) bool {
	if ra, rb := a.ratio(), b.ratio(); ra != rb {
		return ra > rb
	}

	return a.LastConnected.After(b.LastConnected)
}

// PeerCache remembers the addresses and dial outcomes of the peers an outbound engine has
// reached, so that they survive restarts
type PeerCache struct {
	mu      sync.RWMutex
	Version int                   `yaml:"version"`
	Peers   map[string]CachedPeer `yaml:"peers"`
}

// NewPeerCache creates a new peer cache instance
func NewPeerCache() *PeerCache {
	return &PeerCache{
		Version: PeerCacheVersion,
		Peers:   make(map[string]CachedPeer),
	}
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	return filepath.Join(home, path[2:]), nil
}

// LoadPeerCache loads a peer cache from disk. A missing file or one of another version
// yields an empty cache.
func LoadPeerCache(path string) (*PeerCache, error) {
	path, err := expandHome(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path) // #nosec G304 - path is from configuration
	if os.IsNotExist(err) {
		return NewPeerCache(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read peer cache: %w", err)
	}

	cache := NewPeerCache()
	if err := yaml.Unmarshal(data, cache); err != nil {
		return nil, fmt.Errorf("failed to parse peer cache: %w", err)
	}

	if cache.Version != PeerCacheVersion {
		return NewPeerCache(), nil
	}

	if cache.Peers == nil {
		cache.Peers = make(map[string]CachedPeer)
	}

	return cache, nil
}

// Save writes the peer cache to disk atomically
func (pc *PeerCache) Save(path string) error {
	path, err := expandHome(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	pc.mu.RLock()
	data, err := yaml.Marshal(pc)
	pc.mu.RUnlock()

	if err != nil {
		return fmt.Errorf("failed to marshal peer cache: %w", err)
	}

	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write peer cache: %w", err)
	}

	if err := os.Rename(tmpFile, path); err != nil {
		return fmt.Errorf("failed to rename peer cache: %w", err)
	}

	return nil
}

// AddOrUpdatePeer records one dial of the peer. A success resets its failure count.
func (pc *PeerCache) AddOrUpdatePeer(peerID peer.ID, addresses []string, connected bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	now := time.Now()
	id := peerID.String()

	p, ok := pc.Peers[id]
	if !ok {
		p = CachedPeer{ID: id}
	}

	p.LastSeen = now
	if len(addresses) > 0 {
		p.Addresses = addresses
	}

	if connected {
		p.LastConnected = now
		p.ConnectionCount++
		p.FailureCount = 0
	} else {
		p.FailureCount++
	}

	pc.Peers[id] = p
}

// AddrInfo returns the cached addresses of the peer
func (pc *PeerCache) AddrInfo(peerID peer.ID) (peer.AddrInfo, bool) {
	pc.mu.RLock()
	p, ok := pc.Peers[peerID.String()]
	pc.mu.RUnlock()

	if !ok {
		return peer.AddrInfo{}, false
	}

	info := peer.AddrInfo{ID: peerID}
	for _, s := range p.Addresses {
		if addr, err := multiaddr.NewMultiaddr(s); err == nil {
			info.Addrs = append(info.Addrs, addr)
		}
	}

	return info, true
}

// GetBestPeers returns up to limit peers seen within ttl, peers that connected at least once
// first, then by reliability and recency
func (pc *PeerCache) GetBestPeers(limit int, ttl time.Duration) []CachedPeer {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	cutoff := time.Now().Add(-ttl)
	valid := make([]CachedPeer, 0, len(pc.Peers))

	for _, p := range pc.Peers {
		if p.LastSeen.After(cutoff) && p.FailureCount < maxFailuresBest {
			valid = append(valid, p)
		}
	}

	sort.Slice(valid, func(i, j int) bool {
		ci, cj := valid[i].ConnectionCount > 0, valid[j].ConnectionCount > 0
		if ci != cj {
			return ci
		}

		return better(valid[i], valid[j])
	})

	if limit > len(valid) {
		limit = len(valid)
	}

	return valid[:limit]
}

// Prune removes stale and unreliable peers, then keeps the best maxPeers
func (pc *PeerCache) Prune(maxPeers int, ttl time.Duration) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	kept := make([]CachedPeer, 0, len(pc.Peers))

	for _, p := range pc.Peers {
		if p.LastSeen.After(cutoff) && p.FailureCount < maxFailuresPrune {
			kept = append(kept, p)
		}
	}

	if len(kept) > maxPeers {
		sort.Slice(kept, func(i, j int) bool { return better(kept[i], kept[j]) })
		kept = kept[:maxPeers]
	}

	pc.Peers = make(map[string]CachedPeer, len(kept))
	for _, p := range kept {
		pc.Peers[p.ID] = p
	}
}

// Count returns the number of cached peers
func (pc *PeerCache) Count() int {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return len(pc.Peers)
}
