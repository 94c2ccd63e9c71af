// Package readcache provides the bounded in-process cache of decoded entries
// that sits in front of the backing store.
package readcache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize is the number of entries kept when no size is configured
const DefaultSize = 100

// Cache is a bounded least-recently-used map from storage keys to decoded
// values. It is safe for concurrent use and never holds more than Cap entries.
type Cache[V any] struct {
	lru *lru.Cache[string, V]
	cap int
}

// New creates a cache holding at most size entries. A size below one selects
// DefaultSize.
func New[V any](size int) *Cache[V] {
	if size < 1 {
		size = DefaultSize
	}
	// lru.New only fails for a non-positive size
	c, _ := lru.New[string, V](size)
	return &Cache[V]{lru: c, cap: size}
}

// Get returns the cached value for key and marks it recently used
func (c *Cache[V]) Get(key string) (V, bool) {
	return c.lru.Get(key)
}

// Put stores value under key, evicting the least recently used entry when full
func (c *Cache[V]) Put(key string, value V) {
	c.lru.Add(key, value)
}

// Invalidate removes key
func (c *Cache[V]) Invalidate(key string) {
	c.lru.Remove(key)
}

// Clear removes every entry
func (c *Cache[V]) Clear() {
	c.lru.Purge()
}

// Len returns the number of cached entries
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}

// Cap returns the maximum number of entries
func (c *Cache[V]) Cap() int {
	return c.cap
}
