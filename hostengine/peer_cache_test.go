package hostengine

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPeers(t *testing.T) (peer.ID, peer.ID) {
	t.Helper()

	peer1, err := peer.Decode("12D3KooWDYmEobVGYR8UgkxNrBvj7W92ZCvvyYxAeKpJfFGCqGms")
	require.NoError(t, err)
	peer2, err := peer.Decode("12D3KooWLRPJAA5o6LHEmnG7rWMyQnai5AcVPjVZ1m9jqhGVTqGm")
	require.NoError(t, err)

	return peer1, peer2
}

func TestPeerCacheSaveAndLoad(t *testing.T) {
	cacheFile := filepath.Join(t.TempDir(), "nested", "peers.yaml")
	peer1, peer2 := testPeers(t)

	cache := NewPeerCache()
	cache.AddOrUpdatePeer(peer1, []string{"/ip4/192.168.1.1/tcp/4001"}, true)
	cache.AddOrUpdatePeer(peer2, []string{"/ip4/192.168.1.2/tcp/4002", "/ip4/10.0.0.1/tcp/4002"}, false)

	require.NoError(t, cache.Save(cacheFile))

	loaded, err := LoadPeerCache(cacheFile)
	require.NoError(t, err)

	assert.Equal(t, 2, loaded.Count())
	assert.Equal(t, PeerCacheVersion, loaded.Version)

	best := loaded.GetBestPeers(10, DefaultCacheTTL)
	require.Len(t, best, 2)

	assert.Equal(t, peer1.String(), best[0].ID)
	assert.Equal(t, 1, best[0].ConnectionCount)
	assert.Equal(t, 0, best[0].FailureCount)

	assert.Equal(t, peer2.String(), best[1].ID)
	assert.Equal(t, 0, best[1].ConnectionCount)
	assert.Equal(t, 1, best[1].FailureCount)

	info, ok := loaded.AddrInfo(peer2)
	require.True(t, ok)
	assert.Equal(t, peer2, info.ID)
	assert.Len(t, info.Addrs, 2)
}

func TestLoadPeerCacheMissingFile(t *testing.T) {
	cache, err := LoadPeerCache(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 0, cache.Count())
}

func TestPeerCacheGetBestPeers(t *testing.T) {
	cache := NewPeerCache()

	peers := []peer.ID{"peer0", "peer1", "peer2", "peer3", "peer4"}

	cache.AddOrUpdatePeer(peers[0], []string{"/ip4/1.1.1.1/tcp/4001"}, true)
	cache.AddOrUpdatePeer(peers[0], nil, true) // 2 successes

	cache.AddOrUpdatePeer(peers[1], []string{"/ip4/2.2.2.2/tcp/4002"}, false)
	cache.AddOrUpdatePeer(peers[1], nil, true) // success resets failures

	cache.AddOrUpdatePeer(peers[2], []string{"/ip4/3.3.3.3/tcp/4003"}, false)
	cache.AddOrUpdatePeer(peers[2], nil, false) // 0 successes, 2 failures

	for i := 0; i < 5; i++ {
		cache.AddOrUpdatePeer(peers[3], []string{"/ip4/4.4.4.4/tcp/4004"}, false) // filtered
	}

	best := cache.GetBestPeers(3, DefaultCacheTTL)
	require.Len(t, best, 3)

	assert.Equal(t, peers[0].String(), best[0].ID)
	assert.Equal(t, peers[1].String(), best[1].ID)
	assert.Equal(t, peers[2].String(), best[2].ID)
}

func TestPeerCachePrune(t *testing.T) {
	cache := NewPeerCache()

	for i := 0; i < 10; i++ {
		peerID := peer.ID("peer" + string(rune('0'+i)))
		cache.AddOrUpdatePeer(peerID, []string{"/ip4/127.0.0.1/tcp/400" + string(rune('0'+i))}, i%2 == 0)
	}

	assert.Equal(t, 10, cache.Count())

	cache.Prune(5, DefaultCacheTTL)
	assert.Equal(t, 5, cache.Count())

	for _, p := range cache.GetBestPeers(10, DefaultCacheTTL) {
		assert.Equal(t, 1, p.ConnectionCount)
	}
}

func TestPeerCacheTTL(t *testing.T) {
	cache := NewPeerCache()

	peerID := peer.ID("old-peer")
	cache.AddOrUpdatePeer(peerID, []string{"/ip4/127.0.0.1/tcp/4001"}, true)

	cache.mu.Lock()
	p := cache.Peers[peerID.String()]
	p.LastSeen = time.Now().Add(-40 * 24 * time.Hour)
	cache.Peers[peerID.String()] = p
	cache.mu.Unlock()

	assert.Empty(t, cache.GetBestPeers(10, 30*24*time.Hour))

	cache.Prune(DefaultMaxCachedPeers, 30*24*time.Hour)
	assert.Equal(t, 0, cache.Count())
}

func TestPeerCacheFailureKeepsAddresses(t *testing.T) {
	cache := NewPeerCache()
	peer1, _ := testPeers(t)

	cache.AddOrUpdatePeer(peer1, []string{"/ip4/1.1.1.1/tcp/4001"}, true)
	cache.AddOrUpdatePeer(peer1, nil, false)

	info, ok := cache.AddrInfo(peer1)
	require.True(t, ok)
	require.Len(t, info.Addrs, 1)
	assert.Equal(t, "/ip4/1.1.1.1/tcp/4001", info.Addrs[0].String())

	best := cache.GetBestPeers(1, time.Hour)
	require.Len(t, best, 1)
	assert.Equal(t, 1, best[0].ConnectionCount)
	assert.Equal(t, 1, best[0].FailureCount)
}
