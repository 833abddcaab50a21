package rete

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// BackendStrategy selects the fact store's underlying storage layout:
// a pluggable HashMap/Vector/partitioned backend, chosen per workload
// at construction time.
type BackendStrategy int

const (
	BackendHashMap BackendStrategy = iota
	BackendVector
	BackendPartitioned
)

func (s BackendStrategy) String() string {
	switch s {
	case BackendHashMap:
		return "hash_map"
	case BackendVector:
		return "vector"
	case BackendPartitioned:
		return "partitioned"
	default:
		return "unknown"
	}
}

// factBackend is the storage contract every BackendStrategy
// implements. All methods are safe for concurrent use.
type factBackend interface {
	insert(f *Fact)
	get(id FactID) (*Fact, bool)
	delete(id FactID) (*Fact, bool)
	all() []*Fact
	count() int
	clear()
}

// hashMapBackend stores facts in a single guarded map — the default,
// O(1)-lookup strategy.
type hashMapBackend struct {
	mu   sync.RWMutex
	data map[FactID]*Fact
}

func newHashMapBackend() *hashMapBackend {
	return &hashMapBackend{data: make(map[FactID]*Fact)}
}

func (b *hashMapBackend) insert(f *Fact) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[f.ID] = f
}

func (b *hashMapBackend) get(id FactID) (*Fact, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	f, ok := b.data[id]
	return f, ok
}

func (b *hashMapBackend) delete(id FactID) (*Fact, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.data[id]
	if ok {
		delete(b.data, id)
	}
	return f, ok
}

func (b *hashMapBackend) all() []*Fact {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Fact, 0, len(b.data))
	for _, f := range b.data {
		out = append(out, f)
	}
	return out
}

func (b *hashMapBackend) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

func (b *hashMapBackend) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = make(map[FactID]*Fact)
}

// vectorBackend stores facts in append-order in a slice, trading O(1)
// lookup for cache-friendly full scans — useful when callers mostly
// iterate rather than point-lookup.
type vectorBackend struct {
	mu      sync.RWMutex
	facts   []*Fact
	indexOf map[FactID]int
}

func newVectorBackend() *vectorBackend {
	return &vectorBackend{indexOf: make(map[FactID]int)}
}

func (b *vectorBackend) insert(f *Fact) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i, ok := b.indexOf[f.ID]; ok {
		b.facts[i] = f
		return
	}
	b.indexOf[f.ID] = len(b.facts)
	b.facts = append(b.facts, f)
}

func (b *vectorBackend) get(id FactID) (*Fact, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	i, ok := b.indexOf[id]
	if !ok {
		return nil, false
	}
	return b.facts[i], true
}

func (b *vectorBackend) delete(id FactID) (*Fact, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.indexOf[id]
	if !ok {
		return nil, false
	}
	removed := b.facts[i]
	last := len(b.facts) - 1
	b.facts[i] = b.facts[last]
	b.indexOf[b.facts[i].ID] = i
	b.facts = b.facts[:last]
	delete(b.indexOf, id)
	return removed, true
}

func (b *vectorBackend) all() []*Fact {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Fact, len(b.facts))
	copy(out, b.facts)
	return out
}

func (b *vectorBackend) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.facts)
}

func (b *vectorBackend) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.facts = nil
	b.indexOf = make(map[FactID]int)
}

const partitionCount = 16

// partitionedBackend shards facts across fixed hash-map partitions to
// reduce lock contention under concurrent fact-batch ingestion.
type partitionedBackend struct {
	shards [partitionCount]*hashMapBackend
}

func newPartitionedBackend() *partitionedBackend {
	pb := &partitionedBackend{}
	for i := range pb.shards {
		pb.shards[i] = newHashMapBackend()
	}
	return pb
}

func (b *partitionedBackend) shardFor(id FactID) *hashMapBackend {
	return b.shards[uint64(id)%partitionCount]
}

func (b *partitionedBackend) insert(f *Fact)                    { b.shardFor(f.ID).insert(f) }
func (b *partitionedBackend) get(id FactID) (*Fact, bool)       { return b.shardFor(id).get(id) }
func (b *partitionedBackend) delete(id FactID) (*Fact, bool) {
	return b.shardFor(id).delete(id)
}

func (b *partitionedBackend) all() []*Fact {
	out := make([]*Fact, 0)
	for _, s := range b.shards {
		out = append(out, s.all()...)
	}
	return out
}

func (b *partitionedBackend) count() int {
	total := 0
	for _, s := range b.shards {
		total += s.count()
	}
	return total
}

func (b *partitionedBackend) clear() {
	for _, s := range b.shards {
		s.clear()
	}
}

func newBackend(strategy BackendStrategy) factBackend {
	switch strategy {
	case BackendVector:
		return newVectorBackend()
	case BackendPartitioned:
		return newPartitionedBackend()
	default:
		return newHashMapBackend()
	}
}

// StoreConfig configures a FactStore's backend strategy, indexed
// fields, cache size, and existence-filter sizing.
type StoreConfig struct {
	Strategy           BackendStrategy
	IndexedFields      []string
	CacheSize          int
	BloomMaxElements   uint64
	BloomFalsePositive float64
}

// FactStore is the content-addressable, field-indexed fact repository:
// a pluggable backend, an LRU read-accelerator cache, and a Bloom
// existence short-circuit, all guarded by per-field indexes over an
// explicit allow-list.
type FactStore struct {
	mu      sync.RWMutex
	backend factBackend
	indexes map[string]*fieldIndex
	cache   *factCache
	exists  *existenceFilter
	logger  *zap.Logger
}

// NewFactStore builds a FactStore per cfg. logger may be nil, in which
// case a no-op logger is used.
func NewFactStore(cfg StoreConfig, logger *zap.Logger) (*FactStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := newFactCache(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("building fact cache: %w", err)
	}
	exists, err := newExistenceFilter(cfg.BloomMaxElements, cfg.BloomFalsePositive)
	if err != nil {
		return nil, fmt.Errorf("building existence filter: %w", err)
	}
	fs := &FactStore{
		backend: newBackend(cfg.Strategy),
		indexes: make(map[string]*fieldIndex),
		cache:   cache,
		exists:  exists,
		logger:  logger,
	}
	for _, field := range cfg.IndexedFields {
		fs.indexes[field] = newFieldIndex(field)
	}
	return fs, nil
}

func factExistenceKey(id FactID) string {
	return fmt.Sprintf("fact:%d", id)
}

// Insert adds or replaces f, updating every allow-listed index, the
// read cache, and the existence filter. Replacing an existing ID first
// retires that fact's old index entries so a changed field value
// doesn't leave a stale match behind.
func (fs *FactStore) Insert(f *Fact) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if old, ok := fs.backend.get(f.ID); ok {
		for _, idx := range fs.indexes {
			idx.remove(old)
		}
	}
	fs.backend.insert(f)
	fs.cache.put(f)
	fs.exists.add(factExistenceKey(f.ID))
	fs.maybeRekeyFilterLocked()
	for _, idx := range fs.indexes {
		idx.insert(f)
	}
}

// maybeRekeyFilterLocked re-keys the existence filter from live facts
// once its fill ratio crosses the load-factor threshold. Caller must
// hold fs.mu.
func (fs *FactStore) maybeRekeyFilterLocked() {
	if !fs.exists.overloaded() {
		return
	}
	facts := fs.backend.all()
	keys := make([]string, len(facts))
	for i, f := range facts {
		keys[i] = factExistenceKey(f.ID)
	}
	fs.exists.rebuild(keys)
	fs.logger.Debug("existence filter re-keyed", zap.Int("live_facts", len(keys)))
}

// Add inserts f as a brand-new fact, assigning an id from the store's
// sequence when f carries none. An id already present in the store is a
// fact_store-category conflict; Insert is the upsert path for callers
// that want replace semantics instead.
func (fs *FactStore) Add(f *Fact) (FactID, error) {
	if f.ID == 0 {
		f.ID = nextFactID()
	}
	fs.mu.Lock()
	if _, exists := fs.backend.get(f.ID); exists {
		fs.mu.Unlock()
		return 0, NewEngineError("FACT_DUPLICATE_ID", CategoryFactStore, SeverityError,
			fmt.Sprintf("fact id %d already present", f.ID))
	}
	fs.backend.insert(f)
	fs.cache.put(f)
	fs.exists.add(factExistenceKey(f.ID))
	fs.maybeRekeyFilterLocked()
	for _, idx := range fs.indexes {
		idx.insert(f)
	}
	fs.mu.Unlock()
	return f.ID, nil
}

// Get returns the fact with id, consulting the existence filter and
// cache before falling back to the backend.
func (fs *FactStore) Get(id FactID) (*Fact, bool) {
	if !fs.exists.mightContain(factExistenceKey(id)) {
		return nil, false
	}
	if f, ok := fs.cache.get(id); ok {
		return f, true
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	f, ok := fs.backend.get(id)
	if ok {
		fs.cache.put(f)
	}
	return f, ok
}

// Delete removes the fact with id from the backend, every index, and
// the cache. The Bloom filter is never cleared on delete (it has no
// remove operation); a stale positive there only costs a wasted
// backend lookup.
func (fs *FactStore) Delete(id FactID) (*Fact, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.backend.delete(id)
	if !ok {
		return nil, false
	}
	fs.cache.remove(id)
	for _, idx := range fs.indexes {
		idx.remove(f)
	}
	return f, true
}

// Query returns every fact whose field equals value, using the
// field's index when one exists and falling back to a full scan
// otherwise.
func (fs *FactStore) Query(field string, value Value) []*Fact {
	fs.mu.RLock()
	idx, indexed := fs.indexes[field]
	fs.mu.RUnlock()

	if indexed {
		ids := idx.lookup(value)
		out := make([]*Fact, 0, len(ids))
		for _, id := range ids {
			if f, ok := fs.Get(id); ok {
				out = append(out, f)
			}
		}
		return out
	}

	out := make([]*Fact, 0)
	for _, f := range fs.backend.all() {
		if v, ok := f.Field(field); ok && v.Equal(value, DefaultFloatEpsilon) {
			out = append(out, f)
		}
	}
	return out
}

// FieldCriterion is one (field, value) equality term of a conjunctive
// QueryCriteria call.
type FieldCriterion struct {
	Field string
	Value Value
}

// QueryCriteria returns every fact satisfying all criteria. Indexed
// terms are intersected starting from the smallest candidate set;
// unindexed terms are verified against the surviving candidates (or a
// full scan when nothing is indexed).
func (fs *FactStore) QueryCriteria(criteria []FieldCriterion) []*Fact {
	if len(criteria) == 0 {
		return fs.All()
	}

	fs.mu.RLock()
	var indexed []FieldCriterion
	var scanned []FieldCriterion
	for _, c := range criteria {
		if _, ok := fs.indexes[c.Field]; ok {
			indexed = append(indexed, c)
		} else {
			scanned = append(scanned, c)
		}
	}
	candidates := make([][]FactID, len(indexed))
	for i, c := range indexed {
		candidates[i] = fs.indexes[c.Field].lookup(c.Value)
	}
	fs.mu.RUnlock()

	var pool []*Fact
	if len(indexed) == 0 {
		pool = fs.backend.all()
	} else {
		smallest := 0
		for i := range candidates {
			if len(candidates[i]) < len(candidates[smallest]) {
				smallest = i
			}
		}
		survivors := make(map[FactID]struct{}, len(candidates[smallest]))
		for _, id := range candidates[smallest] {
			survivors[id] = struct{}{}
		}
		for i, ids := range candidates {
			if i == smallest {
				continue
			}
			next := make(map[FactID]struct{}, len(ids))
			for _, id := range ids {
				if _, ok := survivors[id]; ok {
					next[id] = struct{}{}
				}
			}
			survivors = next
			if len(survivors) == 0 {
				return nil
			}
		}
		for id := range survivors {
			if f, ok := fs.Get(id); ok {
				pool = append(pool, f)
			}
		}
	}

	out := make([]*Fact, 0, len(pool))
	for _, f := range pool {
		match := true
		for _, c := range scanned {
			v, ok := f.Field(c.Field)
			if !ok || !v.Equal(c.Value, DefaultFloatEpsilon) {
				match = false
				break
			}
		}
		if match {
			out = append(out, f)
		}
	}
	return out
}

// All returns every fact currently in the store.
func (fs *FactStore) All() []*Fact {
	return fs.backend.all()
}

// Count returns the number of facts currently stored.
func (fs *FactStore) Count() int {
	return fs.backend.count()
}

// approxFactBytes estimates one fact's footprint (id/timestamp header
// plus a handful of typed fields) for EstimatedBytes; it is a stable
// unit for pressure tracking, not an exact accounting.
const approxFactBytes = 256

// EstimatedBytes approximates the store's footprint from its live fact
// count, for the Unified Memory Coordinator's RSS estimate (see
// internal/profiler, which records this alongside the pattern cache's
// and memory pools' self-reports).
func (fs *FactStore) EstimatedBytes() uint64 {
	return uint64(fs.backend.count()) * approxFactBytes
}

// CacheStats returns the read cache's hit/miss counters.
func (fs *FactStore) CacheStats() FactCacheStats {
	return fs.cache.stats()
}

// Clear removes every fact and resets all indexes, the cache, and the
// existence filter.
func (fs *FactStore) Clear() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.backend.clear()
	fs.cache.purge()
	fs.exists.reset()
	for _, idx := range fs.indexes {
		idx.clear()
	}
}

// AddIndex begins indexing field, backfilling from every fact
// currently in the store.
func (fs *FactStore) AddIndex(field string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.indexes[field]; ok {
		return
	}
	idx := newFieldIndex(field)
	for _, f := range fs.backend.all() {
		idx.insert(f)
	}
	fs.indexes[field] = idx
	fs.logger.Debug("fact store index added", zap.String("field", field))
}

// RemoveIndex stops indexing field.
func (fs *FactStore) RemoveIndex(field string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.indexes, field)
}

// ListIndexes returns the currently indexed field names.
func (fs *FactStore) ListIndexes() []string {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	out := make([]string, 0, len(fs.indexes))
	for field := range fs.indexes {
		out = append(out, field)
	}
	return out
}
