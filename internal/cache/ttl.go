// Package cache provides a TTL cache with O(1) LRU eviction, used to
// memoize market metadata (tick size, fee rate, neg-risk flag) between
// order builds. A single mutex guards the map and recency list with short
// critical sections; GetOrFetch runs producers outside the lock with
// per-key single-flight, so concurrent misses on the same key do not
// stampede the upstream API and a slow key never blocks the others.
package cache

import (
	"container/list"
	"sync"
	"time"
)

type entry[V any] struct {
	key        string
	value      V
	expiresAt  time.Time
	accessedAt time.Time
}

// fetch is one in-flight producer call; waiters block on done and read
// val/err afterwards.
type fetch[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// Cache is a bounded TTL cache with least-recently-used eviction.
type Cache[V any] struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List // front = least recent, back = most recent
	fetches map[string]*fetch[V]
	now     func() time.Time
}

// New creates a cache holding at most maxSize entries.
func New[V any](maxSize int) *Cache[V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache[V]{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		fetches: make(map[string]*fetch[V]),
		now:     time.Now,
	}
}

// Get returns the cached value. Expired entries are removed and reported
// as a miss; a hit refreshes recency.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache[V]) getLocked(key string) (V, bool) {
	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	en := el.Value.(*entry[V])
	if c.now().After(en.expiresAt) {
		c.order.Remove(el)
		delete(c.items, key)
		return zero, false
	}
	en.accessedAt = c.now()
	c.order.MoveToBack(el)
	return en.value, true
}

// Set stores a value with the given TTL. Updating an existing key moves it
// to most-recent; inserting past capacity evicts the least-recent entry.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl)
}

func (c *Cache[V]) setLocked(key string, value V, ttl time.Duration) {
	now := c.now()
	if el, ok := c.items[key]; ok {
		en := el.Value.(*entry[V])
		en.value = value
		en.expiresAt = now.Add(ttl)
		en.accessedAt = now
		c.order.MoveToBack(el)
		return
	}
	if c.order.Len() >= c.maxSize {
		oldest := c.order.Front()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*entry[V]).key)
		}
	}
	el := c.order.PushBack(&entry[V]{
		key:        key,
		value:      value,
		expiresAt:  now.Add(ttl),
		accessedAt: now,
	})
	c.items[key] = el
}

// GetOrFetch returns the cached value or, on a confirmed miss, calls
// producer and caches its result. Producers run outside the lock: one
// leader fetches per key, concurrent misses on that key wait for the
// leader's result, and misses on other keys proceed independently.
func (c *Cache[V]) GetOrFetch(key string, ttl time.Duration, producer func() (V, error)) (V, error) {
	c.mu.Lock()
	if v, ok := c.getLocked(key); ok {
		c.mu.Unlock()
		return v, nil
	}
	if f, ok := c.fetches[key]; ok {
		c.mu.Unlock()
		<-f.done
		return f.val, f.err
	}
	f := &fetch[V]{done: make(chan struct{})}
	c.fetches[key] = f
	c.mu.Unlock()

	f.val, f.err = producer()

	c.mu.Lock()
	if f.err == nil {
		c.setLocked(key, f.val, ttl)
	}
	delete(c.fetches, key)
	c.mu.Unlock()
	close(f.done)
	return f.val, f.err
}

// CleanupExpired removes up to batch expired entries in one bounded pass
// so the lock is never held for a full-cache scan.
func (c *Cache[V]) CleanupExpired(batch int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.order.Front(); el != nil && removed < batch; {
		next := el.Next()
		en := el.Value.(*entry[V])
		if now.After(en.expiresAt) {
			c.order.Remove(el)
			delete(c.items, en.key)
			removed++
		}
		el = next
	}
	return removed
}

// Len returns the number of entries currently stored (including expired
// entries not yet swept).
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
