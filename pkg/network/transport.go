package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/heitortanoue/plotrepl/logging"
	"github.com/heitortanoue/plotrepl/pkg/membership"
	"github.com/heitortanoue/plotrepl/pkg/plot"
	"github.com/heitortanoue/plotrepl/pkg/replication"
)

// Config tunes the HTTP transport
type Config struct {
	NodeName      string
	QueueSize     int           // inbound frames held between cycles
	MaxFrameBytes int64         // larger request bodies are refused
	SendTimeout   time.Duration // per attempt
	SendRetries   int
	RetryBackoff  time.Duration
	DedupCapacity int

	// BroadcastTimeout caps one Broadcast across all peers and retries
	BroadcastTimeout time.Duration
}

// DefaultConfig returns the stock transport settings
func DefaultConfig() Config {
	return Config{
		NodeName:      "ds1",
		QueueSize:     256,
		MaxFrameBytes: 16 << 20,
		SendTimeout:   2 * time.Second,
		SendRetries:   2,
		RetryBackoff:  100 * time.Millisecond,
		DedupCapacity: 10000,

		BroadcastTimeout: 3 * time.Second,
	}
}

type inboundFrame struct {
	peer    string
	payload []byte
}

// Transport carries replication frames over HTTP between roster members
type Transport struct {
	cfg    Config
	roster membership.Roster
	peers  *PeerTable
	cache  *DeduplicationCache
	sender *HTTPSender
	server *Server

	inbound  chan inboundFrame
	serveErr chan error
	started  atomic.Bool

	logger *logging.ReplLogger
	log    *logrus.Entry

	framesSent     atomic.Int64
	sendFailures   atomic.Int64
	framesReceived atomic.Int64
	framesRejected atomic.Int64
	retriesDropped atomic.Int64
}

// NewTransport creates a transport whose peers come from roster
func NewTransport(cfg Config, roster membership.Roster, logger *logging.ReplLogger) *Transport {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultConfig().MaxFrameBytes
	}
	if logger == nil {
		logger = logging.NewReplLogger(cfg.NodeName, nil)
	}

	t := &Transport{
		cfg:      cfg,
		roster:   roster,
		peers:    NewPeerTable(),
		cache:    NewDeduplicationCache(cfg.DedupCapacity),
		sender:   NewHTTPSender(cfg.NodeName, cfg.SendTimeout),
		server:   NewServer(cfg.NodeName),
		inbound:  make(chan inboundFrame, cfg.QueueSize),
		serveErr: make(chan error, 1),
		logger:   logger,
		log:      logger.Component("transport"),
	}
	t.server.ReplicateHandler = t.handleReplicate
	return t
}

// Server exposes the HTTP server so operator routes can be attached
func (t *Transport) Server() *Server {
	return t.server
}

// Peers returns the peer table
func (t *Transport) Peers() *PeerTable {
	return t.peers
}

// Listen binds the HTTP server and serves in the background. Port 0 picks
// a free port; see Addr.
func (t *Transport) Listen(bindAddr string, port int) error {
	if !t.started.CompareAndSwap(false, true) {
		return errors.New("transport already listening")
	}

	l, err := net.Listen("tcp", net.JoinHostPort(bindAddr, strconv.Itoa(port)))
	if err != nil {
		t.started.Store(false)
		return fmt.Errorf("failed to listen on %s:%d: %w", bindAddr, port, err)
	}

	go func() {
		if err := t.server.Serve(l); err != nil {
			t.serveErr <- err
		}
	}()

	t.log.WithField("addr", l.Addr().String()).Info("listening")
	t.refreshPeers()
	return nil
}

// Addr returns the bound address, or nil before Listen
func (t *Transport) Addr() net.Addr {
	return t.server.Addr()
}

// Close stops the HTTP server
func (t *Transport) Close(ctx context.Context) error {
	return t.server.Close(ctx)
}

// Pump reports a dead server and refreshes peers from the roster
func (t *Transport) Pump() error {
	select {
	case err := <-t.serveErr:
		return &replication.TransportError{Op: "serve", Fatal: true, Err: err}
	default:
	}

	t.refreshPeers()
	return nil
}

func (t *Transport) refreshPeers() {
	if t.roster == nil {
		return
	}
	joined, left := t.peers.Refresh(t.roster.Members())
	for _, m := range joined {
		t.logger.LogPeerJoin(m.Name, m.NodeID)
	}
	for _, name := range left {
		t.logger.LogPeerLeave(name)
	}
}

// TryReceive dequeues one inbound frame without blocking
func (t *Transport) TryReceive() (string, []byte, bool) {
	select {
	case f := <-t.inbound:
		return f.peer, f.payload, true
	default:
		return "", nil, false
	}
}

// Broadcast sends the frame to every peer concurrently. Peers that still
// fail after the retries are reported together in one transient error.
// Sending stops when ctx is done or BroadcastTimeout elapses.
func (t *Transport) Broadcast(ctx context.Context, payload []byte) error {
	peers := t.peers.Peers()
	if len(peers) == 0 {
		return nil
	}

	if t.cfg.BroadcastTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.BroadcastTimeout)
		defer cancel()
	}

	id := uuid.New()
	var (
		wg     sync.WaitGroup
		mutex  sync.Mutex
		result *multierror.Error
	)

	for _, p := range peers {
		wg.Add(1)
		go func(p Peer) {
			defer wg.Done()
			err := t.sender.SendWithRetry(ctx, p.URL(), id, payload, t.cfg.SendRetries, t.cfg.RetryBackoff)
			if err != nil {
				t.sendFailures.Add(1)
				mutex.Lock()
				result = multierror.Append(result, fmt.Errorf("peer %s: %w", p.Name, err))
				mutex.Unlock()
				return
			}
			t.framesSent.Add(1)
		}(p)
	}
	wg.Wait()

	if err := result.ErrorOrNil(); err != nil {
		return &replication.TransportError{Op: "broadcast", Fatal: false, Err: err}
	}
	return nil
}

// LeaderOrder returns the roster's priority order
func (t *Transport) LeaderOrder() []plot.NodeID {
	if t.roster == nil {
		return nil
	}
	return t.roster.LeaderOrder()
}

// handleReplicate queues a peer frame. A payload id already accepted is
// acknowledged again without queueing; a full queue answers 503 so the
// sender retries.
func (t *Transport) handleReplicate(w http.ResponseWriter, r *http.Request) {
	peer := r.Header.Get(headerDroneID)
	if peer == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing " + headerDroneID})
		return
	}
	id, err := uuid.Parse(r.Header.Get(headerPayloadID))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + headerPayloadID})
		return
	}

	if !t.cache.Claim(id) {
		t.retriesDropped.Add(1)
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "duplicate"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.cfg.MaxFrameBytes))
	if err != nil {
		t.cache.Release(id)
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
		return
	}

	select {
	case t.inbound <- inboundFrame{peer: peer, payload: body}:
		t.framesReceived.Add(1)
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "queued", "bytes": len(body)})
	default:
		t.cache.Release(id)
		t.framesRejected.Add(1)
		t.log.WithField("peer", peer).Warn("inbound queue full")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "queue full"})
	}
}

// GetStats returns transport statistics
func (t *Transport) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"frames_sent":      t.framesSent.Load(),
		"send_failures":    t.sendFailures.Load(),
		"frames_received":  t.framesReceived.Load(),
		"frames_rejected":  t.framesRejected.Load(),
		"retries_dropped":  t.retriesDropped.Load(),
		"inbound_queued":   len(t.inbound),
		"inbound_capacity": cap(t.inbound),
		"dedup_cache":      t.cache.GetStats(),
		"peers":            t.peers.GetStats(),
	}
	if addr := t.Addr(); addr != nil {
		stats["addr"] = addr.String()
	}
	return stats
}
