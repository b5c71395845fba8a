package replication

import (
	"sync"

	"github.com/heitortanoue/plotrepl/pkg/plot"
)

// SkewEntry is the learned clock offset of one node relative to a leader
type SkewEntry struct {
	Offset int64       `json:"offset"`
	Hops   int         `json:"hops"`   // chain length to the anchor, 0 for the anchor itself
	Anchor plot.NodeID `json:"anchor"` // leader the chain leads to
}

// moreAuthoritative reports whether e should replace other under leader
func (e SkewEntry) moreAuthoritative(other SkewEntry, leader plot.NodeID) bool {
	if (e.Anchor == leader) != (other.Anchor == leader) {
		return e.Anchor == leader
	}
	return e.Hops < other.Hops
}

// SkewTable maps node ids to their offset from the leader's clock. It lives
// as long as the engine and is never reset; an entry is only overwritten
// by a more authoritative one.
type SkewTable struct {
	entries map[plot.NodeID]SkewEntry
	mutex   sync.RWMutex
}

// NewSkewTable creates an empty table
func NewSkewTable() *SkewTable {
	return &SkewTable{
		entries: make(map[plot.NodeID]SkewEntry),
	}
}

// Lookup returns the entry for node
func (t *SkewTable) Lookup(node plot.NodeID) (SkewEntry, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	entry, ok := t.entries[node]
	return entry, ok
}

// Offer stores candidate for node when the node has no entry yet or the
// candidate is more authoritative. changed reports that an existing entry
// got a different offset, which means records of that node must be
// corrected again.
func (t *SkewTable) Offer(node plot.NodeID, candidate SkewEntry, leader plot.NodeID) (accepted, changed bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	existing, ok := t.entries[node]
	if ok && !candidate.moreAuthoritative(existing, leader) {
		return false, false
	}

	t.entries[node] = candidate
	return true, ok && existing.Offset != candidate.Offset
}

// Len returns the number of nodes with a known offset
func (t *SkewTable) Len() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return len(t.entries)
}

// Snapshot returns a copy of the table
func (t *SkewTable) Snapshot() map[plot.NodeID]SkewEntry {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	out := make(map[plot.NodeID]SkewEntry, len(t.entries))
	for node, entry := range t.entries {
		out[node] = entry
	}
	return out
}

// DetectSkew runs one relaxation pass over every pair of coincident records
// from different nodes, learning offsets that chain each node back to the
// leader (order[0]). Chains longer than the pass can follow converge over
// later cycles. It returns the number of entries learned or replaced.
func (e *Engine) DetectSkew(order []plot.NodeID) int {
	if len(order) == 0 {
		return 0
	}
	leader := order[0]

	learned := 0
	reopen := make(map[plot.NodeID]bool)

	if _, changed := e.skew.Offer(leader, SkewEntry{Anchor: leader}, leader); changed {
		reopen[leader] = true
	}

	e.store.Scan(func(records []*plot.Record) {
		for _, rec := range records {
			if rec.NodeID == leader {
				rec.Set(plot.FlagLeader)
			}
		}

		for i := 0; i < len(records); i++ {
			for j := i + 1; j < len(records); j++ {
				a, b := records[i], records[j]
				if a.NodeID == b.NodeID || !a.Coincides(b) {
					continue
				}

				if e.inferSkew(a, b, leader, reopen) || e.inferSkew(b, a, leader, reopen) {
					learned++
				}
			}
		}

		for _, rec := range records {
			rec.Clear(plot.FlagLeader)
			if reopen[rec.NodeID] {
				rec.Clear(plot.FlagSynced)
				rec.Set(plot.FlagSkewed)
			}
		}
	})

	if learned > 0 {
		e.stats.add(func(s *counters) { s.skewLearned += int64(learned) })
	}
	return learned
}

// inferSkew offers an offset for to's node derived from from's node. Raw
// readings are compared so an already corrected record never counts its
// offset twice.
func (e *Engine) inferSkew(from, to *plot.Record, leader plot.NodeID, reopen map[plot.NodeID]bool) bool {
	if to.NodeID == leader {
		return false
	}

	var source SkewEntry
	if from.IsSet(plot.FlagLeader) {
		source = SkewEntry{Anchor: leader}
	} else {
		entry, ok := e.skew.Lookup(from.NodeID)
		if !ok || entry.Anchor != leader {
			return false
		}
		source = entry
	}

	candidate := SkewEntry{
		Offset: source.Offset + from.Raw() - to.Raw(),
		Hops:   source.Hops + 1,
		Anchor: leader,
	}

	accepted, changed := e.skew.Offer(to.NodeID, candidate, leader)
	if !accepted {
		return false
	}

	if !to.IsSet(plot.FlagSynced) {
		to.Set(plot.FlagSkewed)
	}
	if changed {
		reopen[to.NodeID] = true
	}

	e.logger.LogSkewLearned(to.NodeID, candidate.Offset, candidate.Hops, changed)
	return true
}

// CorrectSkew applies known offsets to every record not yet synced. A
// reopened record only moves by the difference between the new offset and
// the one it already carries.
func (e *Engine) CorrectSkew() int {
	corrected := 0

	e.store.Scan(func(records []*plot.Record) {
		for _, rec := range records {
			if rec.IsSet(plot.FlagSynced) {
				continue
			}
			entry, ok := e.skew.Lookup(rec.NodeID)
			if !ok {
				continue
			}

			rec.Timestamp += entry.Offset - rec.Applied
			rec.Applied = entry.Offset
			rec.Set(plot.FlagSynced)
			rec.Clear(plot.FlagSkewed)
			corrected++
		}
	})

	if corrected > 0 {
		e.logger.LogSkewCorrected(corrected)
		e.stats.add(func(s *counters) { s.corrected += int64(corrected) })
	}
	return corrected
}
