package overlay

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
)

// ArcEntry is a read-only view of one arc table entry.
type ArcEntry struct {
	PeerID peer.ID `yaml:"peer_id"`
	Role   Role    `yaml:"-"`
	Count  int     `yaml:"count"`
}

// String joins the short peer id with its count.
func (e ArcEntry) String() string {
	return fmt.Sprintf("%s x%d", e.PeerID.ShortString(), e.Count)
}

type arcSlot struct {
	count    int
	channels []Channel // channels[0] is the representative send handle
}

// ArcTable is the multiset of parallel arcs a node holds toward each remote peer in one
// direction. An entry exists if and only if its count is positive.
//
// All mutations go through mutate, so forced removals keep the same invariant as regular
// closures. Reads take the read lock and always observe a consistent table.
type ArcTable struct {
	role  Role
	mu    sync.RWMutex
	slots map[peer.ID]*arcSlot
}

// NewArcTable creates an empty table for the given direction.
func NewArcTable(role Role) *ArcTable {
	return &ArcTable{
		role:  role,
		slots: make(map[peer.ID]*arcSlot),
	}
}

// Role returns the direction of the table.
func (t *ArcTable) Role() Role {
	return t.role
}

// Opened records a new parallel arc carried by ch. It reports true exactly when the peer
// was absent before the call.
func (t *ArcTable) Opened(peerID peer.ID, ch Channel) bool {
	first, _, _ := t.mutate(peerID, ch, +1)
	return first
}

// Closed removes the arc carried by ch, or the most recent one when ch is nil. It reports
// true exactly when the peer's last arc went away. Closing a peer that is absent, or a
// channel the table does not hold, is a no-op.
func (t *ArcTable) Closed(peerID peer.ID, ch Channel) bool {
	_, last, _ := t.mutate(peerID, ch, -1)
	return last
}

// Remove drops every arc to the peer and returns their channels. removed is true when the
// peer was present.
func (t *ArcTable) Remove(peerID peer.ID) (channels []Channel, removed bool) {
	_, removed, channels = t.mutate(peerID, nil, 0)
	return channels, removed
}

// mutate is the single mutation path of the table. delta +1 adds ch, -1 removes ch (or the
// newest channel when ch is nil), 0 removes the entry entirely and returns its channels.
func (t *ArcTable) mutate(peerID peer.ID, ch Channel, delta int) (first, last bool, dropped []Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot, ok := t.slots[peerID]

	switch {
	case delta > 0:
		if !ok {
			slot = &arcSlot{}
			t.slots[peerID] = slot
			first = true
		}
		slot.count++
		if ch != nil {
			slot.channels = append(slot.channels, ch)
		}

	case delta < 0:
		if !ok {
			return false, false, nil
		}
		if ch != nil {
			idx := -1
			for i, c := range slot.channels {
				if c == ch {
					idx = i
					break
				}
			}
			if idx < 0 {
				return false, false, nil
			}
			slot.channels = append(slot.channels[:idx], slot.channels[idx+1:]...)
		} else if n := len(slot.channels); n > 0 {
			slot.channels = slot.channels[:n-1]
		}
		slot.count--

	default:
		if !ok {
			return false, false, nil
		}
		dropped = slot.channels
		slot.count = 0
	}

	if ok && slot.count <= 0 {
		delete(t.slots, peerID)
		return first, true, dropped
	}

	return first, false, nil
}

// Lookup returns the representative channel to the peer.
func (t *ArcTable) Lookup(peerID peer.ID) (Channel, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	slot, ok := t.slots[peerID]
	if !ok || len(slot.channels) == 0 {
		return nil, false
	}

	return slot.channels[0], true
}

// Count returns the number of parallel arcs to the peer.
func (t *ArcTable) Count(peerID peer.ID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if slot, ok := t.slots[peerID]; ok {
		return slot.count
	}

	return 0
}

// Get returns the entry of the peer.
func (t *ArcTable) Get(peerID peer.ID) (ArcEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	slot, ok := t.slots[peerID]
	if !ok {
		return ArcEntry{}, false
	}

	return ArcEntry{PeerID: peerID, Role: t.role, Count: slot.count}, true
}

// Peers returns the present peers ordered by identifier.
func (t *ArcTable) Peers() []peer.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	peers := make([]peer.ID, 0, len(t.slots))
	for id := range t.slots {
		peers = append(peers, id)
	}

	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })

	return peers
}

// Snapshot returns every entry ordered by peer identifier.
func (t *ArcTable) Snapshot() []ArcEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries := make([]ArcEntry, 0, len(t.slots))
	for id, slot := range t.slots {
		entries = append(entries, ArcEntry{PeerID: id, Role: t.role, Count: slot.count})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].PeerID < entries[j].PeerID })

	return entries
}

// Len returns the number of distinct peers in the table.
func (t *ArcTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.slots)
}

// String renders the table as "outview[peerA x1, peerB x2]".
func (t *ArcTable) String() string {
	entries := t.Snapshot()

	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, e.String())
	}

	return fmt.Sprintf("%s[%s]", t.role, strings.Join(parts, ", "))
}
