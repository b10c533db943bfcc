// Package cache bounds the number of on-disk groups kept mapped in memory
// at once. A dynamic index may reference far more groups than comfortably
// fit resident; the cache evicts the least-recently-used group, closing its
// underlying file mappings so descriptors and address space are reclaimed.
package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultGroupCacheSize is the default number of groups kept mapped.
const DefaultGroupCacheSize = 64

// Closer is implemented by anything the cache evicts that holds resources
// (file descriptors, mmap regions) needing explicit release.
type Closer interface {
	Close() error
}

// GroupCache is an LRU cache of opened, read-only compact groups keyed by
// group id. Safe for concurrent use; eviction runs synchronously with the
// insertion that triggered it.
type GroupCache[K comparable, V Closer] struct {
	cache *lru.Cache[K, V]
	onErr func(K, error)
}

// New creates a group cache holding at most size entries. A size <= 0 uses
// DefaultGroupCacheSize. onErr, if non-nil, observes errors from closing an
// evicted value; pass nil to ignore them.
func New[K comparable, V Closer](size int, onErr func(K, error)) *GroupCache[K, V] {
	if size <= 0 {
		size = DefaultGroupCacheSize
	}

	c := &GroupCache[K, V]{onErr: onErr}
	evict := func(key K, value V) {
		if err := value.Close(); err != nil && c.onErr != nil {
			c.onErr(key, err)
		}
	}
	cache, _ := lru.NewWithEvict(size, evict)
	c.cache = cache
	return c
}

// Get returns the cached value for key, if present.
func (c *GroupCache[K, V]) Get(key K) (V, bool) {
	return c.cache.Get(key)
}

// Add inserts or replaces the cached value for key. If this evicts an
// older entry (capacity reached, or key already present with a different
// value), the evicted value is closed.
func (c *GroupCache[K, V]) Add(key K, value V) {
	if _, ok := c.cache.Peek(key); ok {
		c.cache.Remove(key) // triggers eviction callback, closing the old value
	}
	c.cache.Add(key, value)
}

// Remove evicts key, closing its value if present.
func (c *GroupCache[K, V]) Remove(key K) {
	c.cache.Remove(key)
}

// Len returns the number of cached entries.
func (c *GroupCache[K, V]) Len() int {
	return c.cache.Len()
}

// Purge evicts and closes every cached entry.
func (c *GroupCache[K, V]) Purge() {
	c.cache.Purge()
}
