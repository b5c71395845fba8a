package replication

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/heitortanoue/plotrepl/logging"
	"github.com/heitortanoue/plotrepl/pkg/plot"
)

// State of the replication loop
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	default:
		return "UNKNOWN"
	}
}

// PlotStore is the plot collection the engine reconciles in place
type PlotStore interface {
	Insert(droneID plot.DroneID, nodeID plot.NodeID, timestamp int64, lat, lon float64) *plot.Record
	SortByTimestamp()
	Scan(fn func(records []*plot.Record))
	Remove(rec *plot.Record) bool
	Len() int
}

// Transport moves frames between nodes. Every method must return promptly:
// Pump and TryReceive never block, Broadcast is bounded by an I/O timeout
// and returns once ctx is done.
type Transport interface {
	Listen(bindAddr string, port int) error
	Pump() error
	TryReceive() (peerID string, payload []byte, ok bool)
	Broadcast(ctx context.Context, payload []byte) error
	LeaderOrder() []plot.NodeID
}

// Config tunes the replication loop
type Config struct {
	NodeName       string
	ReplInterval   time.Duration // in adjusted (simulated) time
	TimeMultiplier float64
	ClockOffset    time.Duration // shifts start time to fake a skewed local clock
	CycleYield     time.Duration
	DedupByDrone   bool
	Now            func() time.Time
	Metrics        *metrics.Metrics // nil discards
}

// DefaultConfig returns the stock loop settings
func DefaultConfig() Config {
	return Config{
		NodeName:       "ds1",
		ReplInterval:   20 * time.Second,
		TimeMultiplier: 1.0,
		CycleYield:     500 * time.Microsecond,
		DedupByDrone:   true,
		Now:            time.Now,
	}
}

// NewMetrics creates a metrics collector for the engine writing to sink
func NewMetrics(sink metrics.MetricSink) *metrics.Metrics {
	conf := metrics.DefaultConfig("plotrepl")
	conf.EnableHostname = false
	conf.EnableRuntimeMetrics = false
	// only fails when the runtime collector cannot start
	m, _ := metrics.New(conf, sink)
	return m
}

type counters struct {
	cycles             int64
	broadcasts         int64
	plotsSent          int64
	plotsIngested      int64
	malformed          int64
	skewLearned        int64
	corrected          int64
	duplicatesRemoved  int64
	unrankedDuplicates int64
	transportErrors    int64
}

type statsBox struct {
	mutex sync.Mutex
	c     counters
}

func (b *statsBox) add(fn func(s *counters)) {
	b.mutex.Lock()
	fn(&b.c)
	b.mutex.Unlock()
}

func (b *statsBox) get() counters {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.c
}

// Engine runs the replication cycle: broadcast new plots, ingest peer
// frames, then detect skew, correct skew and deduplicate once each.
// PlotStore and the skew table are only mutated from the loop goroutine.
type Engine struct {
	cfg       Config
	store     PlotStore
	transport Transport
	logger    *logging.ReplLogger
	log       *logrus.Entry
	metrics   *metrics.Metrics

	skew  *SkewTable
	stats statsBox

	state     atomic.Int32
	shutdown  atomic.Bool
	startTime atomic.Int64 // unix nanos, already shifted by ClockOffset
	lastRepl  time.Duration

	// halt is cancelled on shutdown so an in-flight broadcast is abandoned
	halt   context.Context
	cancel context.CancelFunc

	unranked map[pairKey]struct{}
}

// NewEngine creates an engine over store and transport
func NewEngine(cfg Config, store PlotStore, transport Transport, logger *logging.ReplLogger) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.TimeMultiplier <= 0 {
		cfg.TimeMultiplier = 1.0
	}
	if logger == nil {
		logger = logging.NewReplLogger(cfg.NodeName, nil)
	}
	sink := cfg.Metrics
	if sink == nil {
		sink = NewMetrics(&metrics.BlackholeSink{})
	}

	e := &Engine{
		cfg:       cfg,
		store:     store,
		transport: transport,
		logger:    logger,
		log:       logger.Component("replication"),
		metrics:   sink,
		skew:      NewSkewTable(),
		unranked:  make(map[pairKey]struct{}),
	}
	e.halt, e.cancel = context.WithCancel(context.Background())
	e.resetClock()
	return e
}

func (e *Engine) resetClock() {
	e.startTime.Store(e.cfg.Now().Add(e.cfg.ClockOffset).UnixNano())
}

// AdjustedTime is the time since the loop started, scaled by the time
// multiplier and shifted by the configured clock offset
func (e *Engine) AdjustedTime() time.Duration {
	elapsed := e.cfg.Now().UnixNano() - e.startTime.Load()
	return time.Duration(float64(elapsed) * e.cfg.TimeMultiplier)
}

// AdjustedSeconds is AdjustedTime truncated to whole seconds, the unit of
// plot timestamps
func (e *Engine) AdjustedSeconds() int64 {
	return int64(e.AdjustedTime() / time.Second)
}

// State returns the current loop state
func (e *Engine) State() State {
	return State(e.state.Load())
}

// RequestShutdown asks the loop to stop. Safe from any goroutine; the loop
// notices at the start of its next cycle and a running broadcast is cut
// short.
func (e *Engine) RequestShutdown() {
	e.shutdown.Store(true)
	e.cancel()
}

// SkewTable returns a copy of the learned offsets
func (e *Engine) SkewTable() map[plot.NodeID]SkewEntry {
	return e.skew.Snapshot()
}

// Start binds the transport and runs the loop until shutdown
func (e *Engine) Start(bindAddr string, port int) error {
	if e.State() != StateIdle {
		return ErrAlreadyStarted
	}
	if err := e.transport.Listen(bindAddr, port); err != nil {
		return &TransportError{Op: "listen", Fatal: true, Err: err}
	}
	e.log.Infof("Replication bound to %s:%d", bindAddr, port)
	return e.Run(context.Background())
}

// Run repeats the replication cycle until RequestShutdown is called, ctx is
// cancelled, or a fatal error occurs. It returns nil on a requested stop.
func (e *Engine) Run(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return ErrAlreadyStarted
	}
	defer e.state.Store(int32(StateShuttingDown))

	stop := context.AfterFunc(ctx, e.cancel)
	defer stop()

	e.resetClock()
	e.lastRepl = 0

	e.log.Infof("Replication loop started (interval=%v, multiplier=%.2f, offset=%v)",
		e.cfg.ReplInterval, e.cfg.TimeMultiplier, e.cfg.ClockOffset)

	yield := time.NewTimer(0)
	defer yield.Stop()

	for {
		if e.shutdown.Load() || ctx.Err() != nil {
			e.log.Info("Replication loop stopping")
			return nil
		}

		if err := e.RunCycle(); err != nil {
			e.log.WithError(err).Error("Replication loop aborted")
			return err
		}

		yield.Reset(e.cfg.CycleYield)
		select {
		case <-yield.C:
		case <-ctx.Done():
		}
	}
}

// RunCycle executes one full cycle. Recoverable errors are logged and
// swallowed; the returned error is always fatal.
func (e *Engine) RunCycle() error {
	start := time.Now()
	e.stats.add(func(s *counters) { s.cycles++ })

	if err := e.transport.Pump(); err != nil {
		if e.handleTransportError("pump", err) {
			return err
		}
	}

	if now := e.AdjustedTime(); now-e.lastRepl > e.cfg.ReplInterval {
		if _, err := e.BroadcastNewPlots(); err != nil {
			if e.handleTransportError("broadcast", err) {
				return err
			}
		}
		e.lastRepl = e.AdjustedTime()
	}

	for {
		peer, payload, ok := e.transport.TryReceive()
		if !ok {
			break
		}
		if _, err := e.IngestPayload(peer, payload); err != nil {
			e.logger.LogMalformed(peer, err)
		}
	}

	e.store.SortByTimestamp()

	order := e.transport.LeaderOrder()
	e.DetectSkew(order)
	e.CorrectSkew()
	e.Deduplicate(order)

	size := e.store.Len()
	e.metrics.MeasureSince([]string{"replication", "cycle"}, start)
	e.metrics.SetGauge([]string{"replication", "plots"}, float32(size))
	e.logger.LogMetrics("cycle", time.Since(start), size)
	return nil
}

// handleTransportError logs err and reports whether it is fatal. Encoding
// invariant violations always count as fatal.
func (e *Engine) handleTransportError(op string, err error) bool {
	if IsFatal(err) {
		return true
	}
	e.stats.add(func(s *counters) { s.transportErrors++ })
	e.metrics.IncrCounter([]string{"replication", "transport_errors"}, 1)
	e.logger.LogError(op, err)
	return false
}

// GetStats returns loop statistics
func (e *Engine) GetStats() map[string]interface{} {
	c := e.stats.get()

	return map[string]interface{}{
		"node":                e.cfg.NodeName,
		"state":               e.State().String(),
		"adjusted_seconds":    e.AdjustedSeconds(),
		"cycles":              c.cycles,
		"broadcasts":          c.broadcasts,
		"plots_sent":          c.plotsSent,
		"plots_ingested":      c.plotsIngested,
		"malformed_payloads":  c.malformed,
		"skew_learned":        c.skewLearned,
		"skew_entries":        e.skew.Len(),
		"plots_corrected":     c.corrected,
		"duplicates_removed":  c.duplicatesRemoved,
		"unranked_duplicates": c.unrankedDuplicates,
		"transport_errors":    c.transportErrors,
	}
}
