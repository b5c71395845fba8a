package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/heitortanoue/plotrepl/api"
	"github.com/heitortanoue/plotrepl/internal/config"
	"github.com/heitortanoue/plotrepl/logging"
	"github.com/heitortanoue/plotrepl/pkg/membership"
	"github.com/heitortanoue/plotrepl/pkg/network"
	"github.com/heitortanoue/plotrepl/pkg/plot"
	"github.com/heitortanoue/plotrepl/pkg/replication"
	"github.com/heitortanoue/plotrepl/pkg/sensor"
)

func main() {
	defaults := config.DefaultConfig()

	// Command line flags
	var (
		nodeName     = flag.String("id", defaults.NodeName, "Unique name of this node")
		nodeID       = flag.Uint("node-id", uint(defaults.NodeID), "Node id stamped on local plots")
		priority     = flag.Int("priority", defaults.Priority, "Leader priority in SWIM mode (lower leads)")
		bindAddr     = flag.String("bind", defaults.BindAddr, "Bind address")
		port         = flag.Int("port", defaults.APIPort, "Replication HTTP port")
		swimPort     = flag.Int("swim-port", defaults.SWIMPort, "SWIM port (0 uses the static -peers roster)")
		seeds        = flag.String("seeds", "", "SWIM seeds, comma-separated host:port")
		peers        = flag.String("peers", "", "Static roster in priority order: name=nodeID@host:port,...")
		intervalSec  = flag.Float64("interval-sec", defaults.ReplInterval.Seconds(), "Replication interval in adjusted seconds")
		timeMult     = flag.Float64("time-mult", defaults.TimeMultiplier, "Simulated time multiplier")
		clockOffset  = flag.Duration("clock-offset", defaults.ClockOffset, "Local clock offset, e.g. -20s")
		dedupByDrone = flag.Bool("dedup-by-drone", defaults.DedupByDrone, "Require equal drone ids for duplicates")
		sendRetries  = flag.Int("send-retries", defaults.SendRetries, "Retries per peer for a failed frame")
		sendTimeout  = flag.Duration("send-timeout", defaults.SendTimeout, "Timeout per frame send")
		bcastTimeout = flag.Duration("broadcast-timeout", defaults.BroadcastTimeout, "Cap on one broadcast across peers and retries (0 disables)")
		simDrones    = flag.Int("sim-drones", defaults.SimDrones, "Simulated drones observed by this node (0 disables)")
		simInterval  = flag.Duration("sim-interval", defaults.SimInterval, "Simulated observation interval")
		verbosity    = flag.String("v", "info", "Log level (trace, debug, info, warn, error)")
		showUsage    = flag.Bool("help", false, "Show usage help")
	)
	flag.Parse()

	if *showUsage {
		printUsage()
		return
	}

	level, err := logrus.ParseLevel(*verbosity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q\n", *verbosity)
		os.Exit(2)
	}
	logger := logging.New(os.Stdout, level)
	replLogger := logging.NewReplLogger(*nodeName, logger)
	mainLog := replLogger.Component("main")

	cfg := defaults
	cfg.NodeName = *nodeName
	cfg.NodeID = plot.NodeID(*nodeID)
	cfg.Priority = *priority
	cfg.BindAddr = *bindAddr
	cfg.APIPort = *port
	cfg.SWIMPort = *swimPort
	cfg.Seeds = config.ParseSeeds(*seeds)
	cfg.ReplInterval = time.Duration(*intervalSec * float64(time.Second))
	cfg.TimeMultiplier = *timeMult
	cfg.ClockOffset = *clockOffset
	cfg.DedupByDrone = *dedupByDrone
	cfg.SendRetries = *sendRetries
	cfg.SendTimeout = *sendTimeout
	cfg.BroadcastTimeout = *bcastTimeout
	cfg.SimDrones = *simDrones
	cfg.SimInterval = *simInterval

	cfg.Peers, err = config.ParsePeers(*peers)
	if err != nil {
		mainLog.WithError(err).Fatal("invalid -peers")
	}
	if cfg.SWIMPort == 0 && len(cfg.Peers) == 0 {
		cfg.Peers = []config.PeerConfig{{Name: cfg.NodeName, NodeID: cfg.NodeID, Host: "127.0.0.1", Port: cfg.APIPort}}
	}
	if err := cfg.Validate(); err != nil {
		mainLog.WithError(err).Fatal("invalid configuration")
	}

	roster, stopRoster, err := buildRoster(cfg, replLogger)
	if err != nil {
		mainLog.WithError(err).Fatal("failed to start membership")
	}

	store := plot.NewStore()
	transport := network.NewTransport(cfg.TransportConfig(), roster, replLogger)

	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	engineCfg := cfg.EngineConfig()
	engineCfg.Metrics = replication.NewMetrics(sink)
	engine := replication.NewEngine(engineCfg, store, transport, replLogger)

	nodeAPI := api.NewNodeAPI(cfg.NodeID, store, engine, roster, replLogger.Component("api"))
	nodeAPI.SetMetricsSink(sink)
	nodeAPI.AddStats("transport", transport)
	if src, ok := roster.(api.StatsSource); ok {
		nodeAPI.AddStats("membership", src)
	}

	var generator *sensor.PlotGenerator
	if cfg.SimDrones > 0 {
		generator = sensor.NewPlotGenerator(cfg.NodeID, store, engine.AdjustedSeconds, cfg.SimInterval, cfg.SimDrones, replLogger.Component("sensor"))
		nodeAPI.AddStats("sensor", generator)
	}
	nodeAPI.Attach(transport.Server())

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		mainLog.WithField("signal", sig.String()).Info("shutdown requested")
		engine.RequestShutdown()
	}()

	// Startup info
	mainLog.WithFields(logrus.Fields{
		"node_id":    cfg.NodeID,
		"addr":       fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.APIPort),
		"swim_port":  cfg.SWIMPort,
		"interval":   cfg.ReplInterval,
		"multiplier": cfg.TimeMultiplier,
		"offset":     cfg.ClockOffset,
	}).Info("starting node")

	if generator != nil {
		generator.Start()
	}

	runErr := engine.Start(cfg.BindAddr, cfg.APIPort)

	if generator != nil {
		generator.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := transport.Close(ctx); err != nil {
		mainLog.WithError(err).Warn("error stopping HTTP server")
	}
	cancel()
	stopRoster()

	if runErr != nil {
		mainLog.WithError(runErr).Error("replication stopped with error")
		os.Exit(1)
	}
	mainLog.Info("stopped")
}

// buildRoster starts SWIM when a SWIM port is set, otherwise uses the
// static peer list. The returned func releases the roster.
func buildRoster(cfg *config.ReplConfig, logger *logging.ReplLogger) (membership.Roster, func(), error) {
	if cfg.SWIMPort == 0 {
		return membership.NewStaticRoster(cfg.NodeName, cfg.StaticMembers()), func() {}, nil
	}

	roster, err := membership.NewSwimRoster(membership.SwimConfig{
		Name:     cfg.NodeName,
		NodeID:   cfg.NodeID,
		Priority: cfg.Priority,
		BindAddr: cfg.BindAddr,
		BindPort: cfg.SWIMPort,
		APIPort:  cfg.APIPort,
		Seeds:    cfg.Seeds,
		Logger:   logger.Component("membership"),
	})
	if err != nil {
		return nil, nil, err
	}

	stop := func() {
		if err := roster.Leave(5 * time.Second); err != nil {
			logger.LogError("leave", err)
		}
		if err := roster.Shutdown(); err != nil {
			logger.LogError("shutdown", err)
		}
	}
	return roster, stop, nil
}

// printUsage shows available options and endpoints
func printUsage() {
	fmt.Fprintf(os.Stderr, `
=== Plot Replication Node ===

USAGE:
  %s [options]

EXAMPLES:
  %s -id=ds1 -node-id=1 -port=8080 -peers=ds1=1@127.0.0.1:8080,ds2=2@127.0.0.1:8081
  %s -id=ds2 -node-id=2 -port=8081 -peers=ds1=1@127.0.0.1:8080,ds2=2@127.0.0.1:8081 -clock-offset=20s
  %s -id=ds3 -node-id=3 -port=8082 -swim-port=7948 -priority=2 -seeds=127.0.0.1:7946 -sim-drones=3

OPTIONS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])

	flag.PrintDefaults()

	fmt.Fprintf(os.Stderr, `
ENDPOINTS (HTTP):
  POST /replicate  - Binary plot frame from a peer
  POST /plot       - Add a local observation {drone_id, latitude, longitude, timestamp?}
  POST /join       - Join a SWIM cluster via {node_address}
  GET  /state      - Current plots
  GET  /stats      - Node statistics and skew table
  GET  /members    - Roster and leader order
  GET  /metrics    - In-memory metrics
  GET  /health     - Health check
`)
}
