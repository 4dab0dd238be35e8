// Package cache memoizes discounted-PMI lookups for espresso.
//
// Reliability scoring asks for dpmi(i, p) once per candidate and per member of
// the opposite promoted set, every iteration. When the provider is backed by
// something slower than a map (a remote matrix service, a disk index) the same
// pairs are fetched over and over; PMICache keeps the hot pairs in memory.
//
// Features:
// - LRU eviction for bounded memory
// - Thread-safe operations
// - Cache hit/miss statistics
//
// Usage:
//
//	provider := cache.NewCachedProvider(table, 100000)
//	v, err := provider.DPMI(storage.Instance{"paris", "france"}, "X is the capital of Y")
//	fmt.Printf("hit rate: %.1f%%\n", provider.Stats().HitRate)
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/orneryd/espresso/pkg/storage"
)

// DefaultSize is used when a non-positive size is requested.
const DefaultSize = 100000

// PMICache is a thread-safe LRU cache of dpmi values.
type PMICache struct {
	mu sync.Mutex

	maxSize int
	enabled bool

	list  *list.List
	items map[string]*list.Element

	hits   uint64
	misses uint64
}

type cacheEntry struct {
	key   string
	value float64
}

// NewPMICache creates a cache holding at most maxSize pairs.
func NewPMICache(maxSize int) *PMICache {
	if maxSize <= 0 {
		maxSize = DefaultSize
	}
	return &PMICache{
		maxSize: maxSize,
		enabled: true,
		list:    list.New(),
		items:   make(map[string]*list.Element),
	}
}

// Key builds the cache key of an (instance, pattern) pair.
func Key(inst storage.Instance, p storage.Pattern) string {
	return inst.Key() + "\x1e" + string(p)
}

// Get returns a cached value and moves it to the front of the LRU list.
func (c *PMICache) Get(key string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		atomic.AddUint64(&c.misses, 1)
		return 0, false
	}

	elem, ok := c.items[key]
	if !ok {
		atomic.AddUint64(&c.misses, 1)
		return 0, false
	}

	c.list.MoveToFront(elem)
	atomic.AddUint64(&c.hits, 1)
	return elem.Value.(*cacheEntry).value, true
}

// Put stores a value, evicting the least recently used pair when full.
func (c *PMICache) Put(key string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return
	}

	if elem, ok := c.items[key]; ok {
		elem.Value.(*cacheEntry).value = value
		c.list.MoveToFront(elem)
		return
	}

	for c.list.Len() >= c.maxSize {
		c.evictOldest()
	}

	c.items[key] = c.list.PushFront(&cacheEntry{key: key, value: value})
}

// Clear removes all entries from the cache.
func (c *PMICache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.list.Init()
	c.items = make(map[string]*list.Element)
}

// Len returns the number of cached pairs.
func (c *PMICache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// SetEnabled enables or disables the cache. Disabling drops every entry.
func (c *PMICache) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled

	if !enabled {
		c.list.Init()
		c.items = make(map[string]*list.Element)
	}
}

// Stats returns cache statistics.
func (c *PMICache) Stats() Stats {
	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)

	c.mu.Lock()
	size := c.list.Len()
	c.mu.Unlock()

	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return Stats{
		Size:    size,
		MaxSize: c.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}

// Stats holds cache performance statistics.
type Stats struct {
	Size    int     // Current number of entries
	MaxSize int     // Maximum capacity
	Hits    uint64  // Number of cache hits
	Misses  uint64  // Number of cache misses
	HitRate float64 // Hit rate percentage (0-100)
}

// evictOldest removes the least recently used entry.
// Caller must hold the lock.
func (c *PMICache) evictOldest() {
	elem := c.list.Back()
	if elem != nil {
		c.list.Remove(elem)
		delete(c.items, elem.Value.(*cacheEntry).key)
	}
}
