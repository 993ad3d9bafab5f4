// Package cache provides the bounded in-memory cache of decrypted
// documents. Entries are keyed by document id and evicted least recently
// used; an optional TTL mode also ages entries out after a fixed
// duration. Both variants come from hashicorp/golang-lru and are safe
// for concurrent use.
//
// Invalidate is called synchronously after every successful write to an
// id, before the write returns, so no caller observes a stale value for
// a document it just wrote.
package cache

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docvault_cache_hits_total",
		Help: "Document cache hits.",
	})
	missesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docvault_cache_misses_total",
		Help: "Document cache misses.",
	})
)

// Cache is a bounded LRU keyed by document id.
type Cache[V any] struct {
	// Exactly one of plain/exp is set, chosen at construction.
	plain *lru.Cache[string, V]
	exp   *expirable.LRU[string, V]
}

// New builds a cache with the given capacity. A ttl of 0 selects pure
// LRU eviction; a positive ttl additionally expires entries by age.
func New[V any](capacity int, ttl time.Duration) (*Cache[V], error) {
	if capacity < 1 {
		return nil, fmt.Errorf("cache: capacity must be positive, got %d", capacity)
	}
	if ttl > 0 {
		return &Cache[V]{exp: expirable.NewLRU[string, V](capacity, nil, ttl)}, nil
	}
	plain, err := lru.New[string, V](capacity)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	return &Cache[V]{plain: plain}, nil
}

// Get returns the cached value for id, recording hit/miss metrics.
func (c *Cache[V]) Get(id string) (V, bool) {
	var v V
	var ok bool
	if c.exp != nil {
		v, ok = c.exp.Get(id)
	} else {
		v, ok = c.plain.Get(id)
	}
	if ok {
		hitsTotal.Inc()
	} else {
		missesTotal.Inc()
	}
	return v, ok
}

// Put inserts or refreshes an entry, evicting the least recently used
// entry if the cache is at capacity.
func (c *Cache[V]) Put(id string, v V) {
	if c.exp != nil {
		c.exp.Add(id, v)
		return
	}
	c.plain.Add(id, v)
}

// Invalidate removes an entry immediately.
func (c *Cache[V]) Invalidate(id string) {
	if c.exp != nil {
		c.exp.Remove(id)
		return
	}
	c.plain.Remove(id)
}

// Purge drops every entry. Used by restore and key rotation, which
// replace the underlying records wholesale.
func (c *Cache[V]) Purge() {
	if c.exp != nil {
		c.exp.Purge()
		return
	}
	c.plain.Purge()
}

// Len reports the current number of entries.
func (c *Cache[V]) Len() int {
	if c.exp != nil {
		return c.exp.Len()
	}
	return c.plain.Len()
}
