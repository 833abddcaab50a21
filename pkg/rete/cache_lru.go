package rete

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// FactCacheStats is the read cache's atomically maintained hit/miss
// counters.
type FactCacheStats struct {
	Hits   uint64
	Misses uint64
}

// factCache is the fact store's read accelerator: a bounded LRU that
// saves a backend lookup for hot facts. The backend remains the
// source of truth; the cache is purely advisory.
type factCache struct {
	cache  *lru.Cache[FactID, *Fact]
	hits   uint64
	misses uint64
}

func newFactCache(size int) (*factCache, error) {
	if size <= 0 {
		size = 4096
	}
	c, err := lru.New[FactID, *Fact](size)
	if err != nil {
		return nil, err
	}
	return &factCache{cache: c}, nil
}

func (fc *factCache) get(id FactID) (*Fact, bool) {
	f, ok := fc.cache.Get(id)
	if ok {
		atomic.AddUint64(&fc.hits, 1)
	} else {
		atomic.AddUint64(&fc.misses, 1)
	}
	return f, ok
}

func (fc *factCache) put(f *Fact) {
	fc.cache.Add(f.ID, f)
}

func (fc *factCache) remove(id FactID) {
	fc.cache.Remove(id)
}

func (fc *factCache) purge() {
	fc.cache.Purge()
}

func (fc *factCache) stats() FactCacheStats {
	return FactCacheStats{
		Hits:   atomic.LoadUint64(&fc.hits),
		Misses: atomic.LoadUint64(&fc.misses),
	}
}
