package relay

import (
	"container/list"
	"fmt"
	"sync"
)

// SessionCache is a fixed-capacity map that evicts by insertion order.
//
// Reads never reorder entries, and overwriting an existing key keeps the
// original position. When a Put of a new key would exceed the capacity the
// oldest inserted evictable entry is removed and handed to the eviction
// callback. If no entry may be evicted the Put fails with ErrCacheFull.
type SessionCache[K comparable, V any] struct {
	mu        sync.Mutex
	capacity  int
	order     *list.List // oldest at front
	entries   map[K]*list.Element
	onEvict   func(K, V)
	evictable func(V) bool
}

type cacheItem[K comparable, V any] struct {
	key   K
	value V
}

// NewSessionCache creates a cache holding at most capacity entries.
func NewSessionCache[K comparable, V any](capacity int) (*SessionCache[K, V], error) {
	if capacity < 1 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", capacity)
	}
	return &SessionCache[K, V]{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[K]*list.Element, capacity),
	}, nil
}

// OnEvict registers a callback invoked, outside the lock, for every entry
// removed because the cache was full.
func (c *SessionCache[K, V]) OnEvict(fn func(K, V)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = fn
}

// EvictWhen restricts eviction to entries for which fn returns true. fn runs
// under the cache lock and may claim the value as a side effect of accepting
// it; it must not call back into the cache.
func (c *SessionCache[K, V]) EvictWhen(fn func(V) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictable = fn
}

// Put stores value under key and reports whether an entry was evicted. It
// returns ErrCacheFull when the cache is at capacity and every entry refuses
// eviction.
func (c *SessionCache[K, V]) Put(key K, value V) (evicted bool, err error) {
	var (
		victim   cacheItem[K, V]
		callback func(K, V)
	)

	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheItem[K, V]).value = value
		c.mu.Unlock()
		return false, nil
	}

	if c.order.Len() >= c.capacity {
		el := c.victim()
		if el == nil {
			c.mu.Unlock()
			return false, ErrCacheFull
		}
		victim = *el.Value.(*cacheItem[K, V])
		c.order.Remove(el)
		delete(c.entries, victim.key)
		evicted = true
		callback = c.onEvict
	}
	c.entries[key] = c.order.PushBack(&cacheItem[K, V]{key: key, value: value})
	c.mu.Unlock()

	if evicted && callback != nil {
		callback(victim.key, victim.value)
	}
	return evicted, nil
}

// victim returns the oldest evictable element. Callers hold c.mu.
func (c *SessionCache[K, V]) victim() *list.Element {
	for el := c.order.Front(); el != nil; el = el.Next() {
		if c.evictable == nil || c.evictable(el.Value.(*cacheItem[K, V]).value) {
			return el
		}
	}
	return nil
}

// Get returns the value for key without affecting eviction order.
func (c *SessionCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	return el.Value.(*cacheItem[K, V]).value, true
}

// Delete removes key and reports whether it was present.
func (c *SessionCache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return false
	}
	c.order.Remove(el)
	delete(c.entries, key)
	return true
}

// DeleteIf removes key only when match returns true for its current value.
func (c *SessionCache[K, V]) DeleteIf(key K, match func(V) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok || !match(el.Value.(*cacheItem[K, V]).value) {
		return false
	}
	c.order.Remove(el)
	delete(c.entries, key)
	return true
}

// Len returns the number of entries.
func (c *SessionCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Capacity returns the configured maximum size.
func (c *SessionCache[K, V]) Capacity() int {
	return c.capacity
}

// Keys returns the keys oldest first.
func (c *SessionCache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*cacheItem[K, V]).key)
	}
	return keys
}

// Values returns the stored values oldest first.
func (c *SessionCache[K, V]) Values() []V {
	c.mu.Lock()
	defer c.mu.Unlock()

	values := make([]V, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		values = append(values, el.Value.(*cacheItem[K, V]).value)
	}
	return values
}
