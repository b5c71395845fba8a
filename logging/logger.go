package logging

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/heitortanoue/plotrepl/pkg/plot"
)

// ReplLogger writes one structured event per line for replication activity
type ReplLogger struct {
	nodeName string
	entry    *logrus.Entry
}

// New creates a logrus logger writing text lines to out at the given level
func New(out io.Writer, level logrus.Level) *logrus.Logger {
	if out == nil {
		out = os.Stdout
	}
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000000",
	})
	return logger
}

// NewReplLogger creates an event logger tagged with the node name
func NewReplLogger(nodeName string, logger *logrus.Logger) *ReplLogger {
	if logger == nil {
		logger = New(os.Stdout, logrus.InfoLevel)
	}
	return &ReplLogger{
		nodeName: nodeName,
		entry:    logger.WithField("node", nodeName),
	}
}

// Component returns an entry for a sub-system of this node
func (l *ReplLogger) Component(name string) *logrus.Entry {
	return l.entry.WithField("component", name)
}

// LogBroadcast records a frame handed to the transport
func (l *ReplLogger) LogBroadcast(count, size int) {
	l.entry.WithFields(logrus.Fields{
		"plots":   count,
		"bytes":   size,
		"sent_at": time.Now().UnixMilli(),
	}).Info("BROADCAST")
}

// LogIngest records a peer frame merged into the store
func (l *ReplLogger) LogIngest(peer string, count int) {
	l.entry.WithFields(logrus.Fields{
		"peer":        peer,
		"plots":       count,
		"received_at": time.Now().UnixMilli(),
	}).Debug("INGEST")
}

// LogMalformed records a discarded peer frame
func (l *ReplLogger) LogMalformed(peer string, err error) {
	l.entry.WithFields(logrus.Fields{
		"peer":  peer,
		"error": err.Error(),
	}).Warn("MALFORMED_PAYLOAD")
}

// LogSkewLearned records a new or replaced skew table entry
func (l *ReplLogger) LogSkewLearned(node plot.NodeID, offset int64, hops int, replaced bool) {
	l.entry.WithFields(logrus.Fields{
		"skewed_node": node,
		"offset":      offset,
		"hops":        hops,
		"replaced":    replaced,
	}).Info("SKEW_LEARNED")
}

// LogSkewCorrected records how many plots had their timestamp adjusted
func (l *ReplLogger) LogSkewCorrected(count int) {
	l.entry.WithField("plots", count).Debug("SKEW_CORRECTED")
}

// LogDuplicateRemoved records a deduplication decision
func (l *ReplLogger) LogDuplicateRemoved(kept, removed *plot.Record) {
	l.entry.WithFields(logrus.Fields{
		"kept_node":    kept.NodeID,
		"removed_node": removed.NodeID,
		"drone":        removed.DroneID,
		"timestamp":    removed.Timestamp,
	}).Debug("DUPLICATE_REMOVED")
}

// LogUnrankedDuplicate records a duplicate pair no priority rule could settle
func (l *ReplLogger) LogUnrankedDuplicate(a, b *plot.Record) {
	l.entry.WithFields(logrus.Fields{
		"node_a":    a.NodeID,
		"node_b":    b.NodeID,
		"drone":     a.DroneID,
		"timestamp": a.Timestamp,
	}).Warn("UNRANKED_DUPLICATE")
}

// LogPeerJoin records a peer entering the roster
func (l *ReplLogger) LogPeerJoin(peer string, node plot.NodeID) {
	l.entry.WithFields(logrus.Fields{
		"peer":      peer,
		"peer_node": node,
	}).Info("PEER_JOIN")
}

// LogPeerLeave records a peer leaving the roster
func (l *ReplLogger) LogPeerLeave(peer string) {
	l.entry.WithField("peer", peer).Info("PEER_LEAVE")
}

// LogError records a recoverable error
func (l *ReplLogger) LogError(operation string, err error) {
	l.entry.WithFields(logrus.Fields{
		"operation": operation,
		"error":     err.Error(),
	}).Error("ERROR")
}

// LogMetrics records the cost of an operation
func (l *ReplLogger) LogMetrics(operation string, duration time.Duration, count int) {
	l.entry.WithFields(logrus.Fields{
		"operation":   operation,
		"duration_ms": float64(duration.Microseconds()) / 1000.0,
		"count":       count,
	}).Trace("METRICS")
}
