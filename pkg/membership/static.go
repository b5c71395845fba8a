package membership

import (
	"sync"

	"github.com/heitortanoue/plotrepl/pkg/plot"
)

// StaticRoster is a fixed peer list whose order is the priority order
type StaticRoster struct {
	local   string
	members []Member
	mutex   sync.RWMutex
}

// NewStaticRoster builds a roster from members listed in priority order.
// The member named local is flagged as this node.
func NewStaticRoster(local string, members []Member) *StaticRoster {
	ranked := make([]Member, len(members))
	for i, m := range members {
		m.Priority = i
		m.Local = m.Name == local
		ranked[i] = m
	}
	return &StaticRoster{
		local:   local,
		members: ranked,
	}
}

// Members returns every configured member
func (r *StaticRoster) Members() []Member {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]Member, len(r.members))
	copy(out, r.members)
	return out
}

// LeaderOrder returns node ids in configured order
func (r *StaticRoster) LeaderOrder() []plot.NodeID {
	return PriorityOrder(r.Members())
}

// LocalName returns this node's name
func (r *StaticRoster) LocalName() string {
	return r.local
}

// Promote moves the named member to the front, making it the leader.
// It reports false when no member has that name.
func (r *StaticRoster) Promote(name string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	idx := -1
	for i, m := range r.members {
		if m.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	promoted := r.members[idx]
	copy(r.members[1:idx+1], r.members[:idx])
	r.members[0] = promoted
	for i := range r.members {
		r.members[i].Priority = i
	}
	return true
}

// GetStats returns roster statistics
func (r *StaticRoster) GetStats() map[string]interface{} {
	members := r.Members()
	order := PriorityOrder(members)

	stats := map[string]interface{}{
		"mode":          "static",
		"local":         r.local,
		"total_members": len(members),
	}
	if len(order) > 0 {
		stats["leader_node"] = order[0]
	}
	return stats
}
