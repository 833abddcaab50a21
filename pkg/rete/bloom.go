package rete

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	bloomfilter "github.com/holiman/bloomfilter/v2"
)

// existenceLoadFactor is the fill ratio past which the filter is
// re-keyed into a larger one, keeping the false-positive rate near its
// configured target.
const existenceLoadFactor = 0.7

// existenceFilter is a probabilistic pre-check the fact store consults
// before doing an index or backend lookup: a negative answer means the
// key definitely is not present, a positive answer means "maybe" and
// the caller still has to check the real index.
type existenceFilter struct {
	mu          sync.RWMutex
	filter      *bloomfilter.Filter
	maxElements uint64
	fpRate      float64
	added       uint64
}

// newExistenceFilter sizes the filter for maxElements expected keys at
// the given false-positive rate.
func newExistenceFilter(maxElements uint64, falsePositiveRate float64) (*existenceFilter, error) {
	if maxElements == 0 {
		maxElements = 1024
	}
	if falsePositiveRate <= 0 {
		falsePositiveRate = 0.01
	}
	f, err := bloomfilter.NewOptimal(maxElements, falsePositiveRate)
	if err != nil {
		return nil, err
	}
	return &existenceFilter{filter: f, maxElements: maxElements, fpRate: falsePositiveRate}, nil
}

func hashKey(key string) *xxhash.Digest {
	h := xxhash.New()
	_, _ = h.WriteString(key)
	return h
}

func (e *existenceFilter) add(key string) {
	e.mu.Lock()
	e.filter.Add(hashKey(key))
	e.added++
	e.mu.Unlock()
}

// mightContain returns false only when key is definitely absent.
func (e *existenceFilter) mightContain(key string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.filter.Contains(hashKey(key))
}

// overloaded reports whether the fill ratio has crossed the re-key
// threshold.
func (e *existenceFilter) overloaded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return float64(e.added) >= existenceLoadFactor*float64(e.maxElements)
}

// rebuild re-keys the filter from the live key set at double the
// previous capacity. A build error leaves the old filter in place
// (stale positives only cost a wasted lookup).
func (e *existenceFilter) rebuild(keys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next, err := bloomfilter.NewOptimal(e.maxElements*2, e.fpRate)
	if err != nil {
		return
	}
	for _, k := range keys {
		next.Add(hashKey(k))
	}
	e.filter = next
	e.maxElements *= 2
	e.added = uint64(len(keys))
}

// reset returns the filter to empty at its current capacity.
func (e *existenceFilter) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if next, err := bloomfilter.NewOptimal(e.maxElements, e.fpRate); err == nil {
		e.filter = next
		e.added = 0
	}
}
