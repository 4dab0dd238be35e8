package cache

import (
	"sync"

	"github.com/orneryd/espresso/pkg/storage"
)

// Provider is the dpmi oracle being memoized.
type Provider interface {
	DPMI(inst storage.Instance, p storage.Pattern) (float64, error)
	MaxPMI() (float64, error)
}

// CachedProvider wraps a Provider with a PMICache. MaxPMI is constant for a
// run, so the first successful answer is kept for the provider's lifetime.
// Errors are never cached.
type CachedProvider struct {
	inner Provider
	cache *PMICache

	maxMu  sync.Mutex
	maxSet bool
	max    float64
}

// NewCachedProvider wraps inner with an LRU of the given size.
func NewCachedProvider(inner Provider, size int) *CachedProvider {
	return &CachedProvider{
		inner: inner,
		cache: NewPMICache(size),
	}
}

// DPMI returns the memoized dpmi of a pair, asking the inner provider on a miss.
func (c *CachedProvider) DPMI(inst storage.Instance, p storage.Pattern) (float64, error) {
	key := Key(inst, p)
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}
	v, err := c.inner.DPMI(inst, p)
	if err != nil {
		return 0, err
	}
	c.cache.Put(key, v)
	return v, nil
}

// MaxPMI returns the inner provider's maximum, fetched once.
func (c *CachedProvider) MaxPMI() (float64, error) {
	c.maxMu.Lock()
	defer c.maxMu.Unlock()

	if c.maxSet {
		return c.max, nil
	}
	v, err := c.inner.MaxPMI()
	if err != nil {
		return 0, err
	}
	c.max, c.maxSet = v, true
	return v, nil
}

// Stats returns the statistics of the underlying cache.
func (c *CachedProvider) Stats() Stats {
	return c.cache.Stats()
}
