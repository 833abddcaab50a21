package rete

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// PressureState is the UnifiedMemoryCoordinator's view of current
// memory pressure.
type PressureState int

const (
	PressureNormal PressureState = iota
	PressureElevated
	PressureCritical
)

func (p PressureState) String() string {
	switch p {
	case PressureNormal:
		return "normal"
	case PressureElevated:
		return "pressure"
	case PressureCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MemoryConsumer is the capability a pool, cache, or store registers
// with the coordinator: report a usage estimate, and accept a
// best-effort reduction request.
type MemoryConsumer interface {
	MemoryUsageBytes() uint64
	ReduceMemoryUsage(factor float64)
}

// CoordinatorConfig configures pressure thresholds as a fraction of
// MaxMemoryBytes.
type CoordinatorConfig struct {
	MaxMemoryBytes          uint64
	PressureThreshold       float64
	CriticalThreshold       float64
	CacheReductionFactor    float64
	CriticalReductionFactor float64
	MonitorInterval         time.Duration
}

// DefaultCoordinatorConfig returns documented defaults: 80% pressure
// threshold, 95% critical threshold, a 0.7 cache-reduction factor under
// pressure and 0.5 under critical pressure.
func DefaultCoordinatorConfig(maxMemoryBytes uint64) CoordinatorConfig {
	return CoordinatorConfig{
		MaxMemoryBytes:          maxMemoryBytes,
		PressureThreshold:       0.80,
		CriticalThreshold:       0.95,
		CacheReductionFactor:    0.7,
		CriticalReductionFactor: 0.5,
		MonitorInterval:         5 * time.Second,
	}
}

// UnifiedMemoryCoordinator periodically samples a caller-supplied RSS
// reading and, when it crosses a pressure threshold, asks every
// registered MemoryConsumer to shrink. It is purely a throttling
// collaborator: it never rejects a caller's request, only degrades
// cache/pool effectiveness under pressure.
type UnifiedMemoryCoordinator struct {
	mu        sync.Mutex
	cfg       CoordinatorConfig
	consumers map[string]MemoryConsumer
	logger    *zap.Logger

	lastState   PressureState
	stopCh      chan struct{}
	rssReaderFn func() uint64
}

// NewUnifiedMemoryCoordinator builds a coordinator. rssReader supplies
// the current RSS estimate (the internal/profiler package provides a
// self-reported sampler; the caller may substitute an OS-level reader).
func NewUnifiedMemoryCoordinator(cfg CoordinatorConfig, rssReader func() uint64, logger *zap.Logger) *UnifiedMemoryCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rssReader == nil {
		rssReader = func() uint64 { return 0 }
	}
	return &UnifiedMemoryCoordinator{
		cfg:         cfg,
		consumers:   make(map[string]MemoryConsumer),
		logger:      logger,
		rssReaderFn: rssReader,
	}
}

// Register adds a named consumer the coordinator will poll and, on
// pressure, instruct to reduce.
func (c *UnifiedMemoryCoordinator) Register(name string, consumer MemoryConsumer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumers[name] = consumer
}

// Unregister removes a named consumer.
func (c *UnifiedMemoryCoordinator) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.consumers, name)
}

// Sample reads current pressure and, if it has escalated, notifies
// every registered consumer. Returns the pressure state observed.
func (c *UnifiedMemoryCoordinator) Sample() PressureState {
	rss := c.rssReaderFn()
	state := c.classify(rss)

	c.mu.Lock()
	consumers := make(map[string]MemoryConsumer, len(c.consumers))
	for k, v := range c.consumers {
		consumers[k] = v
	}
	c.lastState = state
	c.mu.Unlock()

	switch state {
	case PressureElevated:
		c.logger.Warn("memory pressure elevated, asking consumers to reduce",
			zap.Uint64("rss_bytes", rss), zap.Float64("factor", c.cfg.CacheReductionFactor))
		for name, consumer := range consumers {
			c.reduceOne(name, consumer, c.cfg.CacheReductionFactor)
		}
	case PressureCritical:
		c.logger.Error("memory pressure critical, forcing aggressive cleanup",
			zap.Uint64("rss_bytes", rss), zap.Float64("factor", c.cfg.CriticalReductionFactor))
		for name, consumer := range consumers {
			c.reduceOne(name, consumer, c.cfg.CriticalReductionFactor)
		}
	}
	return state
}

func (c *UnifiedMemoryCoordinator) reduceOne(name string, consumer MemoryConsumer, factor float64) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("memory consumer panicked during reduction", zap.String("consumer", name))
		}
	}()
	consumer.ReduceMemoryUsage(factor)
}

func (c *UnifiedMemoryCoordinator) classify(rss uint64) PressureState {
	if c.cfg.MaxMemoryBytes == 0 {
		return PressureNormal
	}
	ratio := float64(rss) / float64(c.cfg.MaxMemoryBytes)
	switch {
	case ratio >= c.cfg.CriticalThreshold:
		return PressureCritical
	case ratio >= c.cfg.PressureThreshold:
		return PressureElevated
	default:
		return PressureNormal
	}
}

// State returns the pressure state observed by the most recent Sample.
func (c *UnifiedMemoryCoordinator) State() PressureState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastState
}

// Start launches a background goroutine sampling every
// cfg.MonitorInterval until Stop is called.
func (c *UnifiedMemoryCoordinator) Start() {
	c.mu.Lock()
	if c.stopCh != nil {
		c.mu.Unlock()
		return
	}
	c.stopCh = make(chan struct{})
	interval := c.cfg.MonitorInterval
	c.mu.Unlock()
	if interval <= 0 {
		interval = 5 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Sample()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts the background sampling goroutine started by Start.
func (c *UnifiedMemoryCoordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
}
