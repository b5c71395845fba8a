package replication

import (
	"github.com/heitortanoue/plotrepl/pkg/plot"
)

// pairKey identifies an unordered pair of stored records
type pairKey struct {
	lo, hi uint64
}

func pairOf(a, b *plot.Record) pairKey {
	if a.Seq() > b.Seq() {
		a, b = b, a
	}
	return pairKey{lo: a.Seq(), hi: b.Seq()}
}

// Deduplicate removes repeated observations of the same event. Two records
// match when their corrected timestamps are equal (and, with DedupByDrone,
// their drones too). The record whose node ranks earlier in order survives.
// Losers are collected during the scan and removed afterwards, each once.
// An unranked pair is reported the first time it is seen, not every pass.
func (e *Engine) Deduplicate(order []plot.NodeID) int {
	rank := make(map[plot.NodeID]int, len(order))
	for i, node := range order {
		if _, seen := rank[node]; !seen {
			rank[node] = i
		}
	}

	pending := make(map[*plot.Record]struct{})
	var doomed []*plot.Record
	unranked := 0
	current := make(map[pairKey]struct{})

	e.store.Scan(func(records []*plot.Record) {
		for i := 0; i < len(records); i++ {
			a := records[i]
			if _, marked := pending[a]; marked {
				continue
			}

			for j := i + 1; j < len(records); j++ {
				b := records[j]
				if _, marked := pending[b]; marked {
					continue
				}
				if !e.duplicates(a, b) {
					continue
				}

				loser, winner := pickLoser(a, b, rank)
				if loser == nil {
					key := pairOf(a, b)
					current[key] = struct{}{}
					if _, reported := e.unranked[key]; !reported {
						unranked++
						e.logger.LogUnrankedDuplicate(a, b)
					}
					continue
				}

				pending[loser] = struct{}{}
				doomed = append(doomed, loser)
				e.logger.LogDuplicateRemoved(winner, loser)

				if loser == a {
					break
				}
			}
		}
	})

	e.unranked = current

	removed := 0
	for _, rec := range doomed {
		if e.store.Remove(rec) {
			removed++
		}
	}

	e.stats.add(func(s *counters) {
		s.duplicatesRemoved += int64(removed)
		s.unrankedDuplicates += int64(unranked)
	})
	return removed
}

func (e *Engine) duplicates(a, b *plot.Record) bool {
	if a.Timestamp != b.Timestamp {
		return false
	}
	if e.cfg.DedupByDrone && a.DroneID != b.DroneID {
		return false
	}
	return true
}

// pickLoser decides which of a duplicate pair goes. Copies from the same
// node keep the one inserted first. Both nil means no rule applies:
// neither node is ranked.
func pickLoser(a, b *plot.Record, rank map[plot.NodeID]int) (loser, winner *plot.Record) {
	if a.NodeID == b.NodeID {
		if b.Seq() < a.Seq() {
			return a, b
		}
		return b, a
	}

	ra, okA := rank[a.NodeID]
	rb, okB := rank[b.NodeID]

	switch {
	case okA && okB:
		if rb < ra {
			return a, b
		}
		return b, a
	case okA:
		return b, a
	case okB:
		return a, b
	default:
		return nil, nil
	}
}
