// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package freelru wraps go-freelru.LRU and keeps hit/miss/eviction statistics
// next to it, so cache owners can report them with the rest of their metrics.
package freelru // import "go.opentelemetry.io/perf-recorder/libpf/freelru"

import (
	lru "github.com/elastic/go-freelru"
)

// LRU is a size bounded cache. It is not safe for concurrent use; all callers
// in this module drive it from the single record processing loop.
type LRU[K comparable, V any] struct {
	lru *lru.LRU[K, V]

	stats Statistics
}

// Statistics holds cumulative cache counters since the last reset.
type Statistics struct {
	// Number of times for a hit of a cache entry.
	Hit uint64
	// Number of times for a miss of a cache entry.
	Miss uint64
	// Number of elements that were added to the cache.
	Added uint64
	// Number of elements that were evicted to make room for new ones.
	Evicted uint64
}

// New creates a cache holding at most capacity entries.
func New[K comparable, V any](capacity uint32, hash lru.HashKeyCallback[K]) (*LRU[K, V], error) {
	cache, err := lru.New[K, V](capacity, hash)
	if err != nil {
		return nil, err
	}
	return &LRU[K, V]{lru: cache}, nil
}

// Add inserts or replaces the value stored for key.
func (c *LRU[K, V]) Add(key K, value V) (evicted bool) {
	evicted = c.lru.Add(key, value)
	if evicted {
		c.stats.Evicted++
	}
	c.stats.Added++
	return evicted
}

// Get returns the value stored for key and records a hit or a miss.
func (c *LRU[K, V]) Get(key K) (value V, ok bool) {
	value, ok = c.lru.Get(key)
	if ok {
		c.stats.Hit++
	} else {
		c.stats.Miss++
	}
	return value, ok
}

// Remove drops key from the cache.
func (c *LRU[K, V]) Remove(key K) (present bool) {
	return c.lru.Remove(key)
}

// Len returns the number of cached entries.
func (c *LRU[K, V]) Len() int {
	return c.lru.Len()
}

// GetAndResetStatistics returns the internal statistics for this LRU and resets all values to 0.
func (c *LRU[K, V]) GetAndResetStatistics() Statistics {
	s := c.stats
	c.stats = Statistics{}
	return s
}
