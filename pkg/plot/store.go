package plot

import (
	"sort"
	"sync"
)

// Store is the ordered plot collection shared between the host process,
// which inserts local observations, and the replication engine.
type Store struct {
	records []*Record
	next    uint64
	mutex   sync.RWMutex
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		records: make([]*Record, 0),
	}
}

// Insert appends a new record flagged NEW and returns its handle. The
// handle belongs to the replication engine once inserted; read it back
// through Snapshot.
func (s *Store) Insert(droneID DroneID, nodeID NodeID, timestamp int64, lat, lon float64) *Record {
	rec := &Record{
		DroneID:   droneID,
		NodeID:    nodeID,
		Timestamp: timestamp,
		Latitude:  lat,
		Longitude: lon,
		Flags:     FlagNew,
	}

	s.mutex.Lock()
	s.next++
	rec.seq = s.next
	s.records = append(s.records, rec)
	s.mutex.Unlock()

	return rec
}

// SortByTimestamp orders records by timestamp. Equal timestamps keep their
// current relative order.
func (s *Store) SortByTimestamp() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	sort.SliceStable(s.records, func(i, j int) bool {
		return s.records[i].Timestamp < s.records[j].Timestamp
	})
}

// Scan calls fn with the ordered records while holding the store lock.
// fn may mutate records in place but must not call back into the store
// nor retain the slice.
func (s *Store) Scan(fn func(records []*Record)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	fn(s.records)
}

// Remove deletes the record behind the handle. It reports false when the
// handle is not (or no longer) in the store.
func (s *Store) Remove(rec *Record) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i, r := range s.records {
		if r == rec {
			copy(s.records[i:], s.records[i+1:])
			s.records[len(s.records)-1] = nil
			s.records = s.records[:len(s.records)-1]
			return true
		}
	}
	return false
}

// Len returns the number of stored records
func (s *Store) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.records)
}

// Snapshot returns copies of all records in store order
func (s *Store) Snapshot() []Record {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]Record, len(s.records))
	for i, r := range s.records {
		out[i] = *r
	}
	return out
}

// GetStats returns store statistics
func (s *Store) GetStats() map[string]interface{} {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var pending, synced int
	nodes := make(map[NodeID]int)
	for _, r := range s.records {
		if r.IsSet(FlagNew) {
			pending++
		}
		if r.IsSet(FlagSynced) {
			synced++
		}
		nodes[r.NodeID]++
	}

	return map[string]interface{}{
		"total_plots":   len(s.records),
		"pending_plots": pending,
		"synced_plots":  synced,
		"unique_nodes":  len(nodes),
	}
}
