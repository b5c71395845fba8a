package network

import (
	"sync/atomic"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
)

const defaultCacheCapacity = 1000

// DeduplicationCache remembers recently accepted payload ids so a sender's
// retry of an already queued frame is acknowledged without being queued
// twice
type DeduplicationCache struct {
	capacity int
	cache    *lru.Cache
	hits     atomic.Int64
}

// NewDeduplicationCache creates an LRU cache; a non-positive capacity falls
// back to the default
func NewDeduplicationCache(capacity int) *DeduplicationCache {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	// lru.New only fails on a non-positive size
	cache, _ := lru.New(capacity)
	return &DeduplicationCache{
		capacity: capacity,
		cache:    cache,
	}
}

// Claim adds id in one step and reports whether the caller got it first.
// A lost claim counts as a hit.
func (dc *DeduplicationCache) Claim(id uuid.UUID) bool {
	if ok, _ := dc.cache.ContainsOrAdd(id, struct{}{}); ok {
		dc.hits.Add(1)
		return false
	}
	return true
}

// Release drops a claimed id so a later retry is accepted
func (dc *DeduplicationCache) Release(id uuid.UUID) {
	dc.cache.Remove(id)
}

// Size returns the number of cached ids
func (dc *DeduplicationCache) Size() int {
	return dc.cache.Len()
}

// Clear empties the cache
func (dc *DeduplicationCache) Clear() {
	dc.cache.Purge()
}

// GetStats returns cache statistics
func (dc *DeduplicationCache) GetStats() map[string]interface{} {
	size := dc.cache.Len()
	return map[string]interface{}{
		"capacity":    dc.capacity,
		"size":        size,
		"hits":        dc.hits.Load(),
		"utilization": float64(size) / float64(dc.capacity),
	}
}
