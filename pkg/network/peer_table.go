package network

import (
	"sort"
	"sync"
	"time"

	"github.com/heitortanoue/plotrepl/pkg/membership"
)

// Peer is a remote member the transport sends frames to
type Peer struct {
	membership.Member
	LastSeen time.Time `json:"last_seen"`
}

// PeerTable mirrors the roster's remote members between pumps
type PeerTable struct {
	peers map[string]*Peer // key: member name
	mutex sync.RWMutex
	now   func() time.Time
}

// NewPeerTable creates an empty peer table
func NewPeerTable() *PeerTable {
	return &PeerTable{
		peers: make(map[string]*Peer),
		now:   time.Now,
	}
}

// Refresh replaces the table with the remote members of the roster and
// returns who joined and who left since the previous refresh
func (pt *PeerTable) Refresh(members []membership.Member) (joined []membership.Member, left []string) {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	now := pt.now()
	current := make(map[string]bool, len(members))

	for _, m := range members {
		if m.Local {
			continue
		}
		current[m.Name] = true

		if existing, ok := pt.peers[m.Name]; ok {
			existing.Member = m
			existing.LastSeen = now
			continue
		}
		pt.peers[m.Name] = &Peer{Member: m, LastSeen: now}
		joined = append(joined, m)
	}

	for name := range pt.peers {
		if !current[name] {
			delete(pt.peers, name)
			left = append(left, name)
		}
	}

	sort.Slice(joined, func(i, j int) bool { return joined[i].Name < joined[j].Name })
	sort.Strings(left)
	return joined, left
}

// Peers returns the current peers sorted by name
func (pt *PeerTable) Peers() []Peer {
	pt.mutex.RLock()
	defer pt.mutex.RUnlock()

	peers := make([]Peer, 0, len(pt.peers))
	for _, p := range pt.peers {
		peers = append(peers, *p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Name < peers[j].Name })
	return peers
}

// Count returns the number of peers
func (pt *PeerTable) Count() int {
	pt.mutex.RLock()
	defer pt.mutex.RUnlock()
	return len(pt.peers)
}

// GetStats returns peer table statistics
func (pt *PeerTable) GetStats() map[string]interface{} {
	peers := pt.Peers()
	names := make([]string, len(peers))
	for i, p := range peers {
		names[i] = p.Name
	}
	return map[string]interface{}{
		"peers_active": len(peers),
		"peers":        names,
	}
}
