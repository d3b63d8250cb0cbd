// Package cache provides a small thread-safe LRU cache used to bound
// in-process caches of derived values, such as compiled schema
// validators.
package cache

import (
	"container/list"
	"sync"
)

// EvictCallback is called with the key and value of each evicted entry.
type EvictCallback[V any] func(key string, value V)

type lruEntry[V any] struct {
	key   string
	value V
}

// LRU is a fixed-capacity cache with least-recently-used eviction.
// The zero value is not usable; construct with New.
type LRU[V any] struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List
	evictFn  EvictCallback[V]
}

// Option configures an LRU cache.
type Option[V any] func(*LRU[V])

// WithEvictCallback sets a callback invoked for every evicted entry.
func WithEvictCallback[V any](fn EvictCallback[V]) Option[V] {
	return func(c *LRU[V]) { c.evictFn = fn }
}

// New creates an LRU cache holding at most capacity entries. A
// capacity below one is treated as one.
func New[V any](capacity int, opts ...Option[V]) *LRU[V] {
	if capacity < 1 {
		capacity = 1
	}
	c := &LRU[V]{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value for key and marks it most recently used.
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.order.MoveToFront(element)
	return element.Value.(*lruEntry[V]).value, true
}

// Set stores a value under key, evicting the least recently used entry
// when the cache is full. Returns true when a new entry was created.
func (c *LRU[V]) Set(key string, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if element, ok := c.items[key]; ok {
		element.Value.(*lruEntry[V]).value = value
		c.order.MoveToFront(element)
		return false
	}

	element := c.order.PushFront(&lruEntry[V]{key: key, value: value})
	c.items[key] = element

	if c.order.Len() > c.capacity {
		c.evictOldest()
	}
	return true
}

// Delete removes the entry for key, reporting whether it existed.
func (c *LRU[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[key]
	if !ok {
		return false
	}
	c.remove(element)
	return true
}

// Len returns the number of cached entries.
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *LRU[V]) evictOldest() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}
	entry := oldest.Value.(*lruEntry[V])
	c.remove(oldest)
	if c.evictFn != nil {
		c.evictFn(entry.key, entry.value)
	}
}

func (c *LRU[V]) remove(element *list.Element) {
	entry := element.Value.(*lruEntry[V])
	c.order.Remove(element)
	delete(c.items, entry.key)
}
