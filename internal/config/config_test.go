package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heitortanoue/plotrepl/pkg/plot"
)

func TestParsePeers(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []PeerConfig
		wantErr bool
	}{
		{
			name:  "empty string",
			input: "",
			want:  []PeerConfig{},
		},
		{
			name:  "single peer",
			input: "ds1=1@127.0.0.1:8080",
			want: []PeerConfig{
				{Name: "ds1", NodeID: 1, Host: "127.0.0.1", Port: 8080},
			},
		},
		{
			name:  "order preserved",
			input: "ds3=3@10.0.0.3:8080,ds1=1@10.0.0.1:8080,ds2=2@10.0.0.2:8080",
			want: []PeerConfig{
				{Name: "ds3", NodeID: 3, Host: "10.0.0.3", Port: 8080},
				{Name: "ds1", NodeID: 1, Host: "10.0.0.1", Port: 8080},
				{Name: "ds2", NodeID: 2, Host: "10.0.0.2", Port: 8080},
			},
		},
		{
			name:  "with spaces and ipv6",
			input: " ds1 = 1 @ [::1]:9000 , ds2=2@localhost:9001",
			want: []PeerConfig{
				{Name: "ds1", NodeID: 1, Host: "::1", Port: 9000},
				{Name: "ds2", NodeID: 2, Host: "localhost", Port: 9001},
			},
		},
		{name: "no equals", input: "ds1:1@127.0.0.1:8080", wantErr: true},
		{name: "no node id", input: "ds1=127.0.0.1:8080", wantErr: true},
		{name: "empty name", input: "=1@127.0.0.1:8080", wantErr: true},
		{name: "bad node id", input: "ds1=x@127.0.0.1:8080", wantErr: true},
		{name: "node id overflow", input: "ds1=4294967296@127.0.0.1:8080", wantErr: true},
		{name: "missing port", input: "ds1=1@127.0.0.1", wantErr: true},
		{name: "port out of range", input: "ds1=1@127.0.0.1:70000", wantErr: true},
		{name: "duplicate name", input: "ds1=1@a:1,ds1=2@b:2", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePeers(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSeeds(t *testing.T) {
	assert.Equal(t, []string{}, ParseSeeds(""))
	assert.Equal(t, []string{"a:7946", "b:7946"}, ParseSeeds("a:7946, ,b:7946"))
}

func TestValidate(t *testing.T) {
	peers, err := ParsePeers("ds1=1@127.0.0.1:8080,ds2=2@127.0.0.1:8081")
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(c *ReplConfig)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *ReplConfig) {}},
		{name: "static roster with self", mutate: func(c *ReplConfig) { c.Peers = peers }},
		{name: "static roster without self", mutate: func(c *ReplConfig) { c.NodeName = "ds9"; c.Peers = peers }, wantErr: true},
		{name: "static roster id mismatch", mutate: func(c *ReplConfig) { c.NodeID = 7; c.Peers = peers }, wantErr: true},
		{name: "swim ignores peers", mutate: func(c *ReplConfig) { c.SWIMPort = 7946; c.NodeName = "ds9"; c.Peers = peers }},
		{name: "empty name", mutate: func(c *ReplConfig) { c.NodeName = "" }, wantErr: true},
		{name: "zero multiplier", mutate: func(c *ReplConfig) { c.TimeMultiplier = 0 }, wantErr: true},
		{name: "bad port", mutate: func(c *ReplConfig) { c.APIPort = 70000 }, wantErr: true},
		{name: "negative retries", mutate: func(c *ReplConfig) { c.SendRetries = -1 }, wantErr: true},
		{name: "negative broadcast timeout", mutate: func(c *ReplConfig) { c.BroadcastTimeout = -time.Second }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NodeName = "ds2"
	cfg.TimeMultiplier = 4
	cfg.ClockOffset = -3 * time.Second
	cfg.DedupByDrone = false
	cfg.SendRetries = 5
	cfg.BroadcastTimeout = 750 * time.Millisecond
	cfg.QueueSize = 0
	cfg.Peers = []PeerConfig{{Name: "ds1", NodeID: 1, Host: "h1", Port: 1}}

	engine := cfg.EngineConfig()
	assert.Equal(t, "ds2", engine.NodeName)
	assert.Equal(t, 4.0, engine.TimeMultiplier)
	assert.Equal(t, -3*time.Second, engine.ClockOffset)
	assert.False(t, engine.DedupByDrone)
	assert.NotNil(t, engine.Now)

	transport := cfg.TransportConfig()
	assert.Equal(t, "ds2", transport.NodeName)
	assert.Equal(t, 5, transport.SendRetries)
	assert.Equal(t, 750*time.Millisecond, transport.BroadcastTimeout)
	assert.Equal(t, 256, transport.QueueSize, "zero queue size keeps the default")

	members := cfg.StaticMembers()
	require.Len(t, members, 1)
	assert.Equal(t, plot.NodeID(1), members[0].NodeID)
	assert.Equal(t, "http://h1:1", members[0].URL())
}
