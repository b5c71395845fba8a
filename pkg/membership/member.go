package membership

import (
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/heitortanoue/plotrepl/pkg/plot"
)

// Member is a replication peer as seen by the roster
type Member struct {
	Name     string      `json:"name"`
	NodeID   plot.NodeID `json:"node_id"`
	Priority int         `json:"priority"` // lower ranks first, the first member leads
	Host     string      `json:"host"`
	APIPort  int         `json:"api_port"`
	Local    bool        `json:"local"`
}

// URL returns the base URL of the member's replication endpoint
func (m Member) URL() string {
	return "http://" + net.JoinHostPort(m.Host, strconv.Itoa(m.APIPort))
}

// Roster exposes the current peers and their priority order
type Roster interface {
	Members() []Member
	LeaderOrder() []plot.NodeID
	LocalName() string
}

// nodeMeta is the gossiped metadata carried by every memberlist node. It is
// what maps a roster entry to the node id stamped on its plots.
type nodeMeta struct {
	NodeID   plot.NodeID `json:"node_id"`
	APIPort  int         `json:"api_port"`
	Priority int         `json:"priority"`
}

func encodeMeta(m nodeMeta) ([]byte, error) {
	return json.Marshal(m)
}

func decodeMeta(data []byte) (nodeMeta, error) {
	var m nodeMeta
	if len(data) == 0 {
		return m, fmt.Errorf("empty node metadata")
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("invalid node metadata: %w", err)
	}
	return m, nil
}

// PriorityOrder sorts members by (priority, name) and returns their node
// ids, each once. Index 0 is the leader.
func PriorityOrder(members []Member) []plot.NodeID {
	sorted := make([]Member, len(members))
	copy(sorted, members)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].Name < sorted[j].Name
	})

	order := make([]plot.NodeID, 0, len(sorted))
	seen := make(map[plot.NodeID]bool, len(sorted))
	for _, m := range sorted {
		if seen[m.NodeID] {
			continue
		}
		seen[m.NodeID] = true
		order = append(order, m.NodeID)
	}
	return order
}
