// Package profiler tracks self-reported memory usage per engine
// component: components report their own byte/allocation counts
// rather than the profiler reading process RSS, since only the
// component itself knows which of its allocations are live versus
// pooled.
package profiler

import (
	"sync"
	"time"
)

// ComponentStats is one component's self-reported memory footprint at
// the last Record call.
type ComponentStats struct {
	Name               string
	AllocatedBytes     uint64
	PeakAllocatedBytes uint64
	AllocationCount    uint64
	DeallocationCount  uint64
	LastRecorded       time.Time
}

// Profiler aggregates ComponentStats across every registered engine
// component (the engine records its fact store, pattern cache and
// memory pools) so a caller can inspect where memory is going without
// needing OS-level instrumentation.
type Profiler struct {
	mu         sync.Mutex
	components map[string]*ComponentStats
}

// New returns an empty Profiler.
func New() *Profiler {
	return &Profiler{components: make(map[string]*ComponentStats)}
}

// Record updates name's self-reported allocated byte count, tracking
// the running peak and allocation/deallocation deltas relative to the
// previous recording.
func (p *Profiler) Record(name string, allocatedBytes uint64, allocations, deallocations uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.components[name]
	if !ok {
		c = &ComponentStats{Name: name}
		p.components[name] = c
	}
	c.AllocatedBytes = allocatedBytes
	if allocatedBytes > c.PeakAllocatedBytes {
		c.PeakAllocatedBytes = allocatedBytes
	}
	c.AllocationCount += allocations
	c.DeallocationCount += deallocations
	c.LastRecorded = time.Now()
}

// Snapshot returns a copy of every component's current stats.
func (p *Profiler) Snapshot() []ComponentStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ComponentStats, 0, len(p.components))
	for _, c := range p.components {
		out = append(out, *c)
	}
	return out
}

// TotalBytes sums AllocatedBytes across every component — the
// estimate a caller feeds into UnifiedMemoryCoordinator as its RSS
// reader when no OS-level sampler is available.
func (p *Profiler) TotalBytes() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total uint64
	for _, c := range p.components {
		total += c.AllocatedBytes
	}
	return total
}

// Reader returns a func() uint64 suitable for
// rete.NewUnifiedMemoryCoordinator's rssReader parameter.
func (p *Profiler) Reader() func() uint64 {
	return p.TotalBytes
}
