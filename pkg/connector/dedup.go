// Copyright 2024-2026 Aiku AI

package connector

import "sync"

// DedupCache is a per-key recency set used to suppress reposting identical
// content. Values are keyed by content text rather than item id, which also
// catches platform-level duplicate postings under different ids.
type DedupCache struct {
	mu         sync.Mutex
	capacity   int
	evictChunk int
	entries    map[string][]string
}

// NewDedupCache creates a cache that keeps up to capacity values per key and
// drops the oldest evictChunk values in one go when the cap is exceeded.
// Bulk eviction amortizes the cost compared to evicting one at a time.
func NewDedupCache(capacity, evictChunk int) *DedupCache {
	if capacity < 1 {
		capacity = 1
	}
	if evictChunk < 1 {
		evictChunk = 1
	}
	return &DedupCache{
		capacity:   capacity,
		evictChunk: evictChunk,
		entries:    make(map[string][]string),
	}
}

// Push records a value under key, evicting old values if needed.
func (c *DedupCache) Push(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	values := append(c.entries[key], value)
	if len(values) > c.capacity {
		drop := c.evictChunk
		if drop > len(values) {
			drop = len(values)
		}
		values = values[drop:]
	}
	c.entries[key] = values
}

// Contains reports whether value was recently pushed under key. Lookups
// never cross keys.
func (c *DedupCache) Contains(key, value string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.entries[key] {
		if v == value {
			return true
		}
	}
	return false
}
