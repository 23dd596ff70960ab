// Package identity maps native debugger handles to long-lived model
// objects without keeping those objects alive.
//
// An entry lives as long as something else (normally the object tree)
// holds the object strongly. Once the object is collected the entry is
// pruned and the handle may be bound to a new object.
package identity

import (
	"runtime"
	"sync"
	"weak"
)

// Cache is a weak map from handle to object. The zero value is not usable;
// use New.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]weak.Pointer[V]
	created uint64
}

// New creates an empty cache.
func New[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{entries: make(map[K]weak.Pointer[V])}
}

// GetOrCreate returns the live object for key, calling create to make one
// if none exists. Concurrent callers for the same key observe the same
// object, and create runs at most once per live object. create must not
// call back into the cache.
func (c *Cache[K, V]) GetOrCreate(key K, create func(K) *V) *V {
	return c.GetOrCreateLive(key, nil, create)
}

// GetOrCreateLive is GetOrCreate where a cached object for which live
// reports false counts as gone: create makes a replacement and the key is
// rebound to it. A nil live accepts every reachable object.
func (c *Cache[K, V]) GetOrCreateLive(key K, live func(*V) bool, create func(K) *V) *V {
	c.mu.Lock()
	defer c.mu.Unlock()

	if wp, ok := c.entries[key]; ok {
		if v := wp.Value(); v != nil && (live == nil || live(v)) {
			return v
		}
	}

	v := create(key)
	if v == nil {
		return nil
	}
	wp := weak.Make(v)
	c.entries[key] = wp
	c.created++
	runtime.AddCleanup(v, func(k K) { c.prune(k, wp) }, key)
	return v
}

// Get returns the live object for key, or nil.
func (c *Cache[K, V]) Get(key K) *V {
	c.mu.Lock()
	defer c.mu.Unlock()

	if wp, ok := c.entries[key]; ok {
		return wp.Value()
	}
	return nil
}

// Values returns the live objects in unspecified order.
func (c *Cache[K, V]) Values() []*V {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*V, 0, len(c.entries))
	for _, wp := range c.entries {
		if v := wp.Value(); v != nil {
			out = append(out, v)
		}
	}
	return out
}

// Len returns the number of entries whose object is still live.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, wp := range c.entries {
		if wp.Value() != nil {
			n++
		}
	}
	return n
}

// Created returns how many objects the cache has created.
func (c *Cache[K, V]) Created() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.created
}

func (c *Cache[K, V]) prune(key K, wp weak.Pointer[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// The key may already be rebound to a newer object.
	if cur, ok := c.entries[key]; ok && cur == wp {
		delete(c.entries, key)
	}
}

// size reports raw map size including entries awaiting pruning.
func (c *Cache[K, V]) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
