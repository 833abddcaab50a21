package main

import (
	"github.com/gitrdm/rulecore/pkg/rete"
	"github.com/spf13/viper"
)

// setConfigDefaults seeds viper with EngineConfig's documented defaults
// so a config file only needs to name the fields it overrides.
func setConfigDefaults() {
	d := rete.DefaultEngineConfig()
	viper.SetDefault("engine.max_memory_bytes", d.MaxMemoryBytes)
	viper.SetDefault("engine.pressure_threshold", d.PressureThreshold)
	viper.SetDefault("engine.critical_threshold", d.CriticalThreshold)
	viper.SetDefault("engine.monitor_interval", d.MonitorInterval)
	viper.SetDefault("engine.auto_cleanup", d.AutoCleanup)
	viper.SetDefault("engine.max_conflict_set_size", d.MaxConflictSetSize)
	viper.SetDefault("engine.parallel_threshold", d.ParallelThreshold)
	viper.SetDefault("engine.pool_enabled", d.PoolEnabled)
	viper.SetDefault("engine.max_idle_per_pool", d.MaxIdlePerPool)
	viper.SetDefault("engine.optimisation_enabled", d.OptimisationEnabled)
	viper.SetDefault("engine.reorder_threshold", d.ReorderThreshold)
	viper.SetDefault("engine.max_cycle_iterations", d.MaxCycleIterations)
	viper.SetDefault("engine.indexed_fields", []string{})
	viper.SetDefault("engine.fact_cache_size", d.FactCacheSize)
	viper.SetDefault("engine.bloom_max_elements", d.BloomMaxElements)
	viper.SetDefault("engine.bloom_false_positive", d.BloomFalsePositive)
	viper.SetDefault("engine.max_pattern_cache_entries", d.MaxPatternCacheEntries)
	viper.SetDefault("engine.float_epsilon", d.FloatEpsilon)
	viper.SetDefault("engine.fact_batch_workers", d.FactBatchWorkers)
	viper.SetDefault("engine.fact_batch_parallel_threshold", d.FactBatchParallelThreshold)
}

// engineConfigFromViper builds an EngineConfig from whatever combination
// of config file, environment variables, and defaults viper resolved:
// no hidden globals read by the core itself — all of that resolution
// happens here, at the harness boundary.
func engineConfigFromViper() rete.EngineConfig {
	return rete.EngineConfig{
		MaxMemoryBytes:             viper.GetUint64("engine.max_memory_bytes"),
		PressureThreshold:          viper.GetFloat64("engine.pressure_threshold"),
		CriticalThreshold:          viper.GetFloat64("engine.critical_threshold"),
		MonitorInterval:            viper.GetDuration("engine.monitor_interval"),
		AutoCleanup:                viper.GetBool("engine.auto_cleanup"),
		ConflictStrategy:           rete.StrategyPriority,
		MaxConflictSetSize:         viper.GetInt("engine.max_conflict_set_size"),
		ParallelThreshold:          viper.GetInt("engine.parallel_threshold"),
		PoolEnabled:                viper.GetBool("engine.pool_enabled"),
		MaxIdlePerPool:             viper.GetInt("engine.max_idle_per_pool"),
		OptimisationEnabled:        viper.GetBool("engine.optimisation_enabled"),
		ReorderThreshold:           viper.GetFloat64("engine.reorder_threshold"),
		MaxCycleIterations:         viper.GetInt("engine.max_cycle_iterations"),
		StoreStrategy:              rete.BackendHashMap,
		IndexedFields:              viper.GetStringSlice("engine.indexed_fields"),
		FactCacheSize:              viper.GetInt("engine.fact_cache_size"),
		BloomMaxElements:           viper.GetUint64("engine.bloom_max_elements"),
		BloomFalsePositive:         viper.GetFloat64("engine.bloom_false_positive"),
		MaxPatternCacheEntries:     viper.GetInt("engine.max_pattern_cache_entries"),
		FloatEpsilon:               viper.GetFloat64("engine.float_epsilon"),
		FactBatchWorkers:           viper.GetInt("engine.fact_batch_workers"),
		FactBatchParallelThreshold: viper.GetInt("engine.fact_batch_parallel_threshold"),
	}
}
