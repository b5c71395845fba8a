package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/heitortanoue/plotrepl/pkg/membership"
	"github.com/heitortanoue/plotrepl/pkg/network"
	"github.com/heitortanoue/plotrepl/pkg/plot"
	"github.com/heitortanoue/plotrepl/pkg/replication"
)

// ReplConfig is the node configuration
type ReplConfig struct {
	// Identity
	NodeName string      `json:"node_name"`
	NodeID   plot.NodeID `json:"node_id"`
	Priority int         `json:"priority"` // SWIM mode only, lower leads

	// Network
	BindAddr string `json:"bind_addr"`
	APIPort  int    `json:"api_port"`  // replication HTTP port
	SWIMPort int    `json:"swim_port"` // 0 disables SWIM and uses Peers

	// Membership
	Seeds []string     `json:"seeds"` // SWIM seed addresses
	Peers []PeerConfig `json:"peers"` // static roster in priority order

	// Replication loop
	ReplInterval   time.Duration `json:"repl_interval"`
	TimeMultiplier float64       `json:"time_multiplier"`
	ClockOffset    time.Duration `json:"clock_offset"`
	CycleYield     time.Duration `json:"cycle_yield"`
	DedupByDrone   bool          `json:"dedup_by_drone"`

	// Transport
	SendTimeout      time.Duration `json:"send_timeout"`
	SendRetries      int           `json:"send_retries"`
	RetryBackoff     time.Duration `json:"retry_backoff"`
	BroadcastTimeout time.Duration `json:"broadcast_timeout"` // whole broadcast, all peers
	QueueSize        int           `json:"queue_size"`

	// Simulated sensor
	SimDrones   int           `json:"sim_drones"` // 0 disables the simulator
	SimInterval time.Duration `json:"sim_interval"`
}

// PeerConfig is a static roster entry, written name=nodeID@host:port
type PeerConfig struct {
	Name   string      `json:"name"`
	NodeID plot.NodeID `json:"node_id"`
	Host   string      `json:"host"`
	Port   int         `json:"port"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *ReplConfig {
	return &ReplConfig{
		NodeName:         "ds1",
		NodeID:           1,
		BindAddr:         "0.0.0.0",
		APIPort:          8080,
		SWIMPort:         0,
		ReplInterval:     20 * time.Second,
		TimeMultiplier:   1.0,
		CycleYield:       500 * time.Microsecond,
		DedupByDrone:     true,
		SendTimeout:      2 * time.Second,
		SendRetries:      2,
		RetryBackoff:     100 * time.Millisecond,
		BroadcastTimeout: 3 * time.Second,
		QueueSize:        256,
		SimDrones:        0,
		SimInterval:      time.Second,
	}
}

// ParsePeers parses a comma-separated list of peers in the format
// "ds1=1@10.0.0.1:8080,ds2=2@10.0.0.2:8080". List order is priority order.
func ParsePeers(peersStr string) ([]PeerConfig, error) {
	if strings.TrimSpace(peersStr) == "" {
		return []PeerConfig{}, nil
	}

	parts := strings.Split(peersStr, ",")
	peers := make([]PeerConfig, 0, len(parts))
	seen := make(map[string]bool, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid peer format: %s (expected name=nodeID@host:port)", part)
		}
		name := strings.TrimSpace(kv[0])

		idAddr := strings.SplitN(strings.TrimSpace(kv[1]), "@", 2)
		if name == "" || len(idAddr) != 2 {
			return nil, fmt.Errorf("invalid peer format: %s (expected name=nodeID@host:port)", part)
		}

		id, err := strconv.ParseUint(strings.TrimSpace(idAddr[0]), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid node id in peer %s: %w", part, err)
		}

		host, portStr, err := net.SplitHostPort(strings.TrimSpace(idAddr[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid address in peer %s: %w", part, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port in peer %s", part)
		}

		if seen[name] {
			return nil, fmt.Errorf("duplicate peer name: %s", name)
		}
		seen[name] = true

		peers = append(peers, PeerConfig{
			Name:   name,
			NodeID: plot.NodeID(id),
			Host:   host,
			Port:   port,
		})
	}

	return peers, nil
}

// ParseSeeds splits a comma-separated seed list
func ParseSeeds(seedsStr string) []string {
	seeds := []string{}
	for _, s := range strings.Split(seedsStr, ",") {
		if s = strings.TrimSpace(s); s != "" {
			seeds = append(seeds, s)
		}
	}
	return seeds
}

// Validate checks the configuration for values the node cannot run with
func (c *ReplConfig) Validate() error {
	if c.NodeName == "" {
		return fmt.Errorf("node name cannot be empty")
	}
	if c.APIPort < 0 || c.APIPort > 65535 {
		return fmt.Errorf("invalid api port: %d", c.APIPort)
	}
	if c.SWIMPort < 0 || c.SWIMPort > 65535 {
		return fmt.Errorf("invalid swim port: %d", c.SWIMPort)
	}
	if c.TimeMultiplier <= 0 {
		return fmt.Errorf("time multiplier must be positive, got %v", c.TimeMultiplier)
	}
	if c.ReplInterval < 0 {
		return fmt.Errorf("replication interval cannot be negative")
	}
	if c.SendRetries < 0 {
		return fmt.Errorf("send retries cannot be negative")
	}
	if c.BroadcastTimeout < 0 {
		return fmt.Errorf("broadcast timeout cannot be negative")
	}

	if c.SWIMPort == 0 && len(c.Peers) > 0 {
		for _, p := range c.Peers {
			if p.Name == c.NodeName {
				if p.NodeID != c.NodeID {
					return fmt.Errorf("peer %s lists node id %d, this node is %d", p.Name, p.NodeID, c.NodeID)
				}
				return nil
			}
		}
		return fmt.Errorf("static peer list does not include this node (%s)", c.NodeName)
	}
	return nil
}

// EngineConfig converts to the replication loop settings
func (c *ReplConfig) EngineConfig() replication.Config {
	cfg := replication.DefaultConfig()
	cfg.NodeName = c.NodeName
	cfg.ReplInterval = c.ReplInterval
	cfg.TimeMultiplier = c.TimeMultiplier
	cfg.ClockOffset = c.ClockOffset
	cfg.CycleYield = c.CycleYield
	cfg.DedupByDrone = c.DedupByDrone
	return cfg
}

// TransportConfig converts to the transport settings
func (c *ReplConfig) TransportConfig() network.Config {
	cfg := network.DefaultConfig()
	cfg.NodeName = c.NodeName
	cfg.SendTimeout = c.SendTimeout
	cfg.SendRetries = c.SendRetries
	cfg.RetryBackoff = c.RetryBackoff
	cfg.BroadcastTimeout = c.BroadcastTimeout
	if c.QueueSize > 0 {
		cfg.QueueSize = c.QueueSize
	}
	return cfg
}

// StaticMembers converts the peer list to roster members
func (c *ReplConfig) StaticMembers() []membership.Member {
	members := make([]membership.Member, len(c.Peers))
	for i, p := range c.Peers {
		members[i] = membership.Member{
			Name:    p.Name,
			NodeID:  p.NodeID,
			Host:    p.Host,
			APIPort: p.Port,
		}
	}
	return members
}
