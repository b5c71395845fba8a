package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/heitortanoue/plotrepl/pkg/membership"
	"github.com/heitortanoue/plotrepl/pkg/network"
	"github.com/heitortanoue/plotrepl/pkg/plot"
	"github.com/heitortanoue/plotrepl/pkg/replication"
)

// StatsSource is any component reporting GetStats
type StatsSource interface {
	GetStats() map[string]interface{}
}

// joiner is a roster that can join more seeds at runtime
type joiner interface {
	Join(addrs ...string) (int, error)
}

// NodeAPI serves the operator endpoints of a node: local observations,
// store state, statistics and membership
type NodeAPI struct {
	nodeID    plot.NodeID
	store     *plot.Store
	engine    *replication.Engine
	roster    membership.Roster
	sink      *metrics.InmemSink
	startTime time.Time
	log       *logrus.Entry

	sources map[string]StatsSource
	mutex   sync.RWMutex
}

// NewNodeAPI creates the operator API for a node
func NewNodeAPI(nodeID plot.NodeID, store *plot.Store, engine *replication.Engine, roster membership.Roster, log *logrus.Entry) *NodeAPI {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &NodeAPI{
		nodeID:    nodeID,
		store:     store,
		engine:    engine,
		roster:    roster,
		startTime: time.Now(),
		log:       log.WithField("component", "api"),
		sources:   make(map[string]StatsSource),
	}
}

// AddStats includes a component's statistics in GET /stats
func (a *NodeAPI) AddStats(name string, src StatsSource) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.sources[name] = src
}

// SetMetricsSink exposes an in-memory metrics sink on GET /metrics
func (a *NodeAPI) SetMetricsSink(sink *metrics.InmemSink) {
	a.sink = sink
}

// Attach registers the handlers on the node's HTTP server
func (a *NodeAPI) Attach(s *network.Server) {
	s.PlotHandler = a.handlePostPlot
	s.StateHandler = a.handleGetState
	s.StatsHandler = a.handleStats
	s.MembersHandler = a.handleGetMembers
	s.JoinHandler = a.handleJoin
	if a.sink != nil {
		s.MetricsHandler = a.handleMetrics
	}
}

// PlotRequest is a local observation. A missing timestamp is taken from
// the node's adjusted clock.
type PlotRequest struct {
	DroneID   plot.DroneID `json:"drone_id"`
	Timestamp *int64       `json:"timestamp,omitempty"`
	Latitude  float64      `json:"latitude"`
	Longitude float64      `json:"longitude"`
}

type PlotResponse struct {
	Plot plot.Record `json:"plot"`
}

type StateResponse struct {
	Plots []plot.Record `json:"plots"`
	Total int           `json:"total"`
}

type MembersResponse struct {
	Members     []membership.Member `json:"members"`
	LeaderOrder []plot.NodeID       `json:"leader_order"`
	Total       int                 `json:"total"`
}

type JoinRequest struct {
	NodeAddress string `json:"node_address"`
}

type JoinResponse struct {
	Success bool   `json:"success"`
	Joined  int    `json:"joined"`
	Message string `json:"message"`
}

type SkewEntryResponse struct {
	Node   plot.NodeID `json:"node"`
	Offset int64       `json:"offset"`
	Hops   int         `json:"hops"`
	Anchor plot.NodeID `json:"anchor"`
}

type StatsResponse struct {
	NodeID     plot.NodeID                       `json:"node_id"`
	Uptime     string                            `json:"uptime"`
	Store      map[string]interface{}            `json:"store"`
	Engine     map[string]interface{}            `json:"engine"`
	SkewTable  []SkewEntryResponse               `json:"skew_table"`
	Components map[string]map[string]interface{} `json:"components"`
}

// handlePostPlot handles POST /plot
func (a *NodeAPI) handlePostPlot(w http.ResponseWriter, r *http.Request) {
	var req PlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Latitude < -90 || req.Latitude > 90 || req.Longitude < -180 || req.Longitude > 180 {
		writeError(w, http.StatusBadRequest, "coordinates out of range")
		return
	}

	ts := a.engine.AdjustedSeconds()
	if req.Timestamp != nil {
		ts = *req.Timestamp
	}

	// the stored record belongs to the replication loop from here on
	a.store.Insert(req.DroneID, a.nodeID, ts, req.Latitude, req.Longitude)
	a.log.WithFields(logrus.Fields{
		"drone":     req.DroneID,
		"timestamp": ts,
	}).Debug("PLOT_OBSERVED")

	writeJSON(w, http.StatusCreated, PlotResponse{Plot: plot.Record{
		DroneID:   req.DroneID,
		NodeID:    a.nodeID,
		Timestamp: ts,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Flags:     plot.FlagNew,
	}})
}

// handleGetState handles GET /state
func (a *NodeAPI) handleGetState(w http.ResponseWriter, r *http.Request) {
	plots := a.store.Snapshot()
	writeJSON(w, http.StatusOK, StateResponse{Plots: plots, Total: len(plots)})
}

// handleGetMembers handles GET /members
func (a *NodeAPI) handleGetMembers(w http.ResponseWriter, r *http.Request) {
	members := a.roster.Members()
	writeJSON(w, http.StatusOK, MembersResponse{
		Members:     members,
		LeaderOrder: a.roster.LeaderOrder(),
		Total:       len(members),
	})
}

// handleJoin handles POST /join, only available with a SWIM roster
func (a *NodeAPI) handleJoin(w http.ResponseWriter, r *http.Request) {
	j, ok := a.roster.(joiner)
	if !ok {
		writeJSON(w, http.StatusBadRequest, JoinResponse{Message: "roster is static"})
		return
	}

	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NodeAddress == "" {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	joined, err := j.Join(req.NodeAddress)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, JoinResponse{Message: err.Error()})
		return
	}

	a.log.WithField("seed", req.NodeAddress).Info("joined cluster on request")
	writeJSON(w, http.StatusOK, JoinResponse{
		Success: true,
		Joined:  joined,
		Message: fmt.Sprintf("joined via %s", req.NodeAddress),
	})
}

// handleStats handles GET /stats
func (a *NodeAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	table := a.engine.SkewTable()
	skew := make([]SkewEntryResponse, 0, len(table))
	for node, e := range table {
		skew = append(skew, SkewEntryResponse{Node: node, Offset: e.Offset, Hops: e.Hops, Anchor: e.Anchor})
	}
	sort.Slice(skew, func(i, j int) bool { return skew[i].Node < skew[j].Node })

	a.mutex.RLock()
	components := make(map[string]map[string]interface{}, len(a.sources))
	for name, src := range a.sources {
		components[name] = src.GetStats()
	}
	a.mutex.RUnlock()

	writeJSON(w, http.StatusOK, StatsResponse{
		NodeID:     a.nodeID,
		Uptime:     time.Since(a.startTime).Round(time.Second).String(),
		Store:      a.store.GetStats(),
		Engine:     a.engine.GetStats(),
		SkewTable:  skew,
		Components: components,
	})
}

// handleMetrics handles GET /metrics
func (a *NodeAPI) handleMetrics(w http.ResponseWriter, r *http.Request) {
	summary, err := a.sink.DisplayMetrics(w, r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
