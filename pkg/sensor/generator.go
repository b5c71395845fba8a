package sensor

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/heitortanoue/plotrepl/pkg/plot"
)

// trackPeriod bounds the phase of every track so positions stay small
const trackPeriod = 3600

// PlotInserter is the part of the plot store the generator writes to
type PlotInserter interface {
	Insert(droneID plot.DroneID, nodeID plot.NodeID, timestamp int64, lat, lon float64) *plot.Record
}

// Track is a drone flying a straight line that wraps every trackPeriod
// seconds of wall time
type Track struct {
	DroneID  plot.DroneID
	StartLat float64
	StartLon float64
	DLat     float64 // degrees per second
	DLon     float64
}

// PositionAt returns the drone position at a wall-clock second. Every node
// computes the same position for the same second, so simultaneous
// observations coincide exactly.
func (t Track) PositionAt(wallSecond int64) (lat, lon float64) {
	phase := float64(wallSecond % trackPeriod)
	return t.StartLat + t.DLat*phase, t.StartLon + t.DLon*phase
}

// NewTrack derives a deterministic track for a drone
func NewTrack(droneID plot.DroneID) Track {
	h := hashString(fmt.Sprintf("drone-%d", droneID))
	return Track{
		DroneID:  droneID,
		StartLat: 40.0 + float64(h%100)/100.0,
		StartLon: -74.0 + float64(h/10%100)/100.0,
		DLat:     0.0001 * float64(1+h%7),
		DLon:     -0.0001 * float64(1+h%5),
	}
}

// PlotGenerator simulates this node's sensor: at every tick it observes
// each tracked drone and stores a plot stamped with the node's local clock
type PlotGenerator struct {
	nodeID   plot.NodeID
	store    PlotInserter
	local    func() int64     // local clock seconds, skew included
	wall     func() time.Time // true time driving drone motion
	interval time.Duration
	tracks   []Track

	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	generated int64
	mutex     sync.Mutex

	log *logrus.Entry
}

// NewPlotGenerator creates a generator for drones 1..drones
func NewPlotGenerator(nodeID plot.NodeID, store PlotInserter, local func() int64, interval time.Duration, drones int, log *logrus.Entry) *PlotGenerator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	tracks := make([]Track, 0, drones)
	for i := 1; i <= drones; i++ {
		tracks = append(tracks, NewTrack(plot.DroneID(i)))
	}
	return &PlotGenerator{
		nodeID:   nodeID,
		store:    store,
		local:    local,
		wall:     time.Now,
		interval: interval,
		tracks:   tracks,
		log:      log.WithField("component", "sensor"),
	}
}

// Observe records one plot per track and returns how many were stored
func (g *PlotGenerator) Observe() int {
	wallSecond := g.wall().Unix()
	ts := g.local()

	for _, tr := range g.tracks {
		lat, lon := tr.PositionAt(wallSecond)
		g.store.Insert(tr.DroneID, g.nodeID, ts, lat, lon)
	}

	g.mutex.Lock()
	g.generated += int64(len(g.tracks))
	g.mutex.Unlock()

	g.log.WithFields(logrus.Fields{
		"plots":     len(g.tracks),
		"timestamp": ts,
	}).Debug("OBSERVE")
	return len(g.tracks)
}

// Start begins periodic observation
func (g *PlotGenerator) Start() {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.running || len(g.tracks) == 0 {
		return
	}
	g.running = true
	g.stopCh = make(chan struct{})
	g.doneCh = make(chan struct{})

	g.log.WithFields(logrus.Fields{
		"drones":   len(g.tracks),
		"interval": g.interval,
	}).Info("sensor started")

	go g.loop(g.stopCh, g.doneCh)
}

// Stop halts observation and waits for the loop to exit
func (g *PlotGenerator) Stop() {
	g.mutex.Lock()
	if !g.running {
		g.mutex.Unlock()
		return
	}
	g.running = false
	close(g.stopCh)
	done := g.doneCh
	g.mutex.Unlock()

	<-done
	g.log.Info("sensor stopped")
}

func (g *PlotGenerator) loop(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.Observe()
		case <-stop:
			return
		}
	}
}

// GetStats returns generator statistics
func (g *PlotGenerator) GetStats() map[string]interface{} {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	return map[string]interface{}{
		"node_id":      g.nodeID,
		"running":      g.running,
		"interval_sec": g.interval.Seconds(),
		"drones":       len(g.tracks),
		"generated":    g.generated,
	}
}

func hashString(s string) int {
	hash := 0
	for _, char := range s {
		hash = (hash*31 + int(char)) % 1000
	}
	if hash < 0 {
		hash = -hash
	}
	return hash
}
