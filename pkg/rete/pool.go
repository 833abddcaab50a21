package rete

import (
	"sync"
	"sync/atomic"
)

// PoolStats tracks one pool's hit/miss/size metrics.
type PoolStats struct {
	Hits        int64
	Misses      int64
	Returns     int64
	CurrentSize int64
	PeakSize    int64
}

// Hits / misses / returns / sizes are exported via atomic loads so
// callers can sample them concurrently without locking.
func (s *PoolStats) snapshot() PoolStats {
	return PoolStats{
		Hits:        atomic.LoadInt64(&s.Hits),
		Misses:      atomic.LoadInt64(&s.Misses),
		Returns:     atomic.LoadInt64(&s.Returns),
		CurrentSize: atomic.LoadInt64(&s.CurrentSize),
		PeakSize:    atomic.LoadInt64(&s.PeakSize),
	}
}

func (s *PoolStats) recordGetHit() {
	atomic.AddInt64(&s.Hits, 1)
	cur := atomic.AddInt64(&s.CurrentSize, -1)
	if cur < 0 {
		atomic.StoreInt64(&s.CurrentSize, 0)
	}
}

func (s *PoolStats) recordGetMiss() {
	atomic.AddInt64(&s.Misses, 1)
}

func (s *PoolStats) recordReturn() {
	atomic.AddInt64(&s.Returns, 1)
	cur := atomic.AddInt64(&s.CurrentSize, 1)
	for {
		peak := atomic.LoadInt64(&s.PeakSize)
		if cur <= peak || atomic.CompareAndSwapInt64(&s.PeakSize, peak, cur) {
			break
		}
	}
}

// boundedPool is a sync.Pool wrapper that is advisory for correctness
// (a miss simply allocates) and mandatory only for performance under
// load: the rest of the engine must function identically with pools
// disabled. maxSize caps how many idle
// objects accumulate; a Put beyond that is discarded rather than
// retained.
type boundedPool[T any] struct {
	pool    sync.Pool
	stats   PoolStats
	maxSize int64
	enabled int32 // 1 = enabled, 0 = disabled (UnifiedMemoryCoordinator critical pressure)
}

func newBoundedPool[T any](maxSize int, newFn func() T) *boundedPool[T] {
	p := &boundedPool[T]{maxSize: int64(maxSize), enabled: 1}
	p.pool.New = func() interface{} {
		p.stats.recordGetMiss()
		return newFn()
	}
	return p
}

func (p *boundedPool[T]) Get() T {
	if atomic.LoadInt32(&p.enabled) == 0 {
		return p.pool.New().(T)
	}
	before := atomic.LoadInt64(&p.stats.CurrentSize)
	v := p.pool.Get().(T)
	if before > 0 {
		p.stats.recordGetHit()
	}
	return v
}

func (p *boundedPool[T]) Put(v T) {
	if atomic.LoadInt32(&p.enabled) == 0 {
		return
	}
	if p.maxSize > 0 && atomic.LoadInt64(&p.stats.CurrentSize) >= p.maxSize {
		return
	}
	p.pool.Put(v)
	p.stats.recordReturn()
}

// Disable forces every subsequent Get to allocate fresh and every Put
// to discard, the fallback the UnifiedMemoryCoordinator forces under
// critical memory pressure.
func (p *boundedPool[T]) Disable() { atomic.StoreInt32(&p.enabled, 0) }
func (p *boundedPool[T]) Enable()  { atomic.StoreInt32(&p.enabled, 1) }

func (p *boundedPool[T]) Stats() PoolStats { return p.stats.snapshot() }

// MemoryPools bundles the five hottest-allocation pools the engine
// recycles during a processing cycle: tokens, fact field
// maps, fact slices, result slices, and fact-id sets.
type MemoryPools struct {
	Tokens       *boundedPool[Token]
	FactFields   *boundedPool[map[string]Value]
	FactSlices   *boundedPool[[]*Fact]
	ResultSlices *boundedPool[[]RuleExecutionResult]
	FactIDSets   *boundedPool[map[FactID]struct{}]
}

// NewMemoryPools builds the standard pool set, each capped at
// maxIdlePerPool idle objects.
func NewMemoryPools(maxIdlePerPool int) *MemoryPools {
	return &MemoryPools{
		Tokens: newBoundedPool(maxIdlePerPool, func() Token {
			return Token{}
		}),
		FactFields: newBoundedPool(maxIdlePerPool, func() map[string]Value {
			return make(map[string]Value)
		}),
		FactSlices: newBoundedPool(maxIdlePerPool, func() []*Fact {
			return make([]*Fact, 0, 16)
		}),
		ResultSlices: newBoundedPool(maxIdlePerPool, func() []RuleExecutionResult {
			return make([]RuleExecutionResult, 0, 16)
		}),
		FactIDSets: newBoundedPool(maxIdlePerPool, func() map[FactID]struct{} {
			return make(map[FactID]struct{})
		}),
	}
}

// GetFactFields returns a cleared field map from the pool.
func (mp *MemoryPools) GetFactFields() map[string]Value {
	m := mp.FactFields.Get()
	for k := range m {
		delete(m, k)
	}
	return m
}

// PutFactFields returns m to the pool.
func (mp *MemoryPools) PutFactFields(m map[string]Value) { mp.FactFields.Put(m) }

// GetFactIDSet returns a cleared id set from the pool.
func (mp *MemoryPools) GetFactIDSet() map[FactID]struct{} {
	m := mp.FactIDSets.Get()
	for k := range m {
		delete(m, k)
	}
	return m
}

// PutFactIDSet returns m to the pool.
func (mp *MemoryPools) PutFactIDSet(m map[FactID]struct{}) { mp.FactIDSets.Put(m) }

// GetFactSlice returns an empty (len 0) fact slice from the pool.
func (mp *MemoryPools) GetFactSlice() []*Fact {
	return mp.FactSlices.Get()[:0]
}

// PutFactSlice returns s to the pool.
func (mp *MemoryPools) PutFactSlice(s []*Fact) { mp.FactSlices.Put(s) }

// GetResultSlice returns an empty result slice from the pool.
func (mp *MemoryPools) GetResultSlice() []RuleExecutionResult {
	return mp.ResultSlices.Get()[:0]
}

// PutResultSlice returns s to the pool.
func (mp *MemoryPools) PutResultSlice(s []RuleExecutionResult) { mp.ResultSlices.Put(s) }

// MemoryUsageBytes implements the MemoryConsumer capability the
// UnifiedMemoryCoordinator polls, estimating bytes held in
// idle pooled objects.
func (mp *MemoryPools) MemoryUsageBytes() uint64 {
	const approxTokenBytes = 64
	const approxFieldMapBytes = 128
	const approxFactSliceBytes = 256
	const approxResultSliceBytes = 256
	const approxIDSetBytes = 128

	s := mp.Tokens.Stats()
	total := uint64(s.CurrentSize) * approxTokenBytes
	total += uint64(mp.FactFields.Stats().CurrentSize) * approxFieldMapBytes
	total += uint64(mp.FactSlices.Stats().CurrentSize) * approxFactSliceBytes
	total += uint64(mp.ResultSlices.Stats().CurrentSize) * approxResultSliceBytes
	total += uint64(mp.FactIDSets.Stats().CurrentSize) * approxIDSetBytes
	return total
}

// ReduceMemoryUsage implements the MemoryConsumer capability: it
// shrinks pool pressure by disabling every pool, forcing subsequent
// gets to allocate fresh and puts to discard until re-enabled. factor
// only gates the call: any factor below 1.0 disables every pool, and
// 1.0 or more leaves them as they are. Pools are binary (on/off) since partial capacity reduction would not reclaim
// memory already referenced by in-flight objects.
func (mp *MemoryPools) ReduceMemoryUsage(factor float64) {
	if factor >= 1.0 {
		return
	}
	mp.Tokens.Disable()
	mp.FactFields.Disable()
	mp.FactSlices.Disable()
	mp.ResultSlices.Disable()
	mp.FactIDSets.Disable()
}
