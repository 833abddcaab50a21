package rete

import "time"

// EngineConfig is the plain configuration record an Engine is built
// from: no hidden globals, no environment
// variables read by the core. Every field maps to one of the
// collaborators CompileRules/Process wire together.
type EngineConfig struct {
	// Memory coordination.
	MaxMemoryBytes uint64
	PressureThreshold float64
	CriticalThreshold float64
	MonitorInterval time.Duration
	AutoCleanup bool

	// Conflict resolution.
	ConflictStrategy ConflictStrategy
	TieBreaker *ConflictStrategy
	MaxConflictSetSize int

	// Aggregation.
	ParallelThreshold int

	// Memory pools.
	PoolEnabled bool
	MaxIdlePerPool int

	// RETE compilation.
	OptimisationEnabled bool
	ReorderThreshold float64
	MaxCycleIterations int

	// Fact store.
	StoreStrategy BackendStrategy
	IndexedFields []string
	FactCacheSize int
	BloomMaxElements uint64
	BloomFalsePositive float64

	// Pattern cache.
	MaxPatternCacheEntries int

	// Calculator.
	FloatEpsilon float64

	// FactBatchWorkers bounds the worker pool Process dispatches onto
	// when a submitted fact batch exceeds FactBatchParallelThreshold.
	// Zero uses runtime.NumCPU.
	FactBatchWorkers int
	FactBatchParallelThreshold int
}

// DefaultEngineConfig returns documented defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxMemoryBytes: 1 << 30, // 1 GiB
		PressureThreshold: 0.80,
		CriticalThreshold: 0.95,
		MonitorInterval: 5 * time.Second,
		AutoCleanup: true,
		ConflictStrategy: StrategyPriority,
		MaxConflictSetSize: 1000,
		ParallelThreshold: 1000,
		PoolEnabled: true,
		MaxIdlePerPool: 256,
		OptimisationEnabled: true,
		ReorderThreshold: 0.05,
		MaxCycleIterations: defaultMaxCycleIterations,
		StoreStrategy: BackendHashMap,
		FactCacheSize: 4096,
		BloomMaxElements: 1 << 20,
		BloomFalsePositive: 0.01,
		MaxPatternCacheEntries: 10000,
		FloatEpsilon: DefaultFloatEpsilon,
		FactBatchWorkers: 0,
		FactBatchParallelThreshold: 256,
	}
}

// Validate reports a configuration error (category `configuration`:
// invalid config at startup fails engine construction) for any field
// combination the engine cannot safely run with.
func (c EngineConfig) Validate() *EngineError {
	switch {
	case c.MaxMemoryBytes == 0:
		return NewEngineError("CONFIG_MAX_MEMORY", CategoryConfiguration, SeverityError,
			"max_memory_bytes must be greater than zero")
	case c.PressureThreshold <= 0 || c.PressureThreshold >= 1:
		return NewEngineError("CONFIG_PRESSURE_THRESHOLD", CategoryConfiguration, SeverityError,
			"pressure_threshold must be in (0, 1)")
	case c.CriticalThreshold <= c.PressureThreshold || c.CriticalThreshold >= 1:
		return NewEngineError("CONFIG_CRITICAL_THRESHOLD", CategoryConfiguration, SeverityError,
			"critical_threshold must be in (pressure_threshold, 1)")
	case c.MaxConflictSetSize <= 0:
		return NewEngineError("CONFIG_MAX_CONFLICT_SET", CategoryConfiguration, SeverityError,
			"max_conflict_set_size must be positive")
	case c.FloatEpsilon < 0:
		return NewEngineError("CONFIG_FLOAT_EPSILON", CategoryConfiguration, SeverityError,
			"float_epsilon must not be negative")
	default:
		return nil
	}
}
