package rete_test

import (
	"testing"

	"github.com/gitrdm/rulecore/pkg/rete"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternCacheRulePatternRoundTrip(t *testing.T) {
	pc := rete.NewPatternCache(0)
	conds := []*rete.Condition{rete.Simple("temp", rete.OpGreaterThan, rete.Integer(90))}

	_, ok := pc.GetRulePattern(conds)
	assert.False(t, ok, "a never-cached signature must miss")
	assert.Equal(t, uint64(1), pc.Stats.PatternMisses)

	plan := rete.CompilationPlan{EstimatedNodeCount: 1}
	pc.CacheRulePattern(conds, plan)

	got, ok := pc.GetRulePattern(conds)
	require.True(t, ok)
	assert.Equal(t, plan.EstimatedNodeCount, got.EstimatedNodeCount)
	assert.Equal(t, uint64(1), pc.Stats.PatternHits)
}

// Two structurally identical condition trees (same field, operator,
// value) must produce a cache hit even though they are different Go
// pointers, since the signature is structural, not identity-based.
func TestPatternCacheStructuralEquality(t *testing.T) {
	pc := rete.NewPatternCache(0)
	a := []*rete.Condition{rete.Simple("temp", rete.OpGreaterThan, rete.Integer(90))}
	b := []*rete.Condition{rete.Simple("temp", rete.OpGreaterThan, rete.Integer(90))}

	pc.CacheRulePattern(a, rete.CompilationPlan{EstimatedNodeCount: 3})
	_, ok := pc.GetRulePattern(b)
	assert.True(t, ok, "structurally identical condition trees must hit the same cache entry")
}

func TestPatternCacheAlphaPatternRoundTrip(t *testing.T) {
	pc := rete.NewPatternCache(0)
	cond := rete.Simple("x", rete.OpEqual, rete.Integer(1))

	_, ok := pc.GetAlphaPattern(cond)
	assert.False(t, ok)

	plan := rete.AlphaNodePlan{Condition: cond, Shareable: true}
	pc.CacheAlphaPattern(cond, plan)

	got, ok := pc.GetAlphaPattern(cond)
	require.True(t, ok)
	assert.True(t, got.Shareable)
}

func TestPatternCacheJoinPatternRoundTrip(t *testing.T) {
	pc := rete.NewPatternCache(0)
	fields := []string{"entity_id"}

	_, ok := pc.GetJoinPattern(fields)
	assert.False(t, ok)

	joins := []rete.JoinCondition{{LeftField: "entity_id", RightField: "entity_id", Operator: rete.OpEqual}}
	pc.CacheJoinPattern(fields, joins)

	got, ok := pc.GetJoinPattern(fields)
	require.True(t, ok)
	assert.Equal(t, joins, got)
}

func TestPatternCacheEvictsOldestWhenOverCapacity(t *testing.T) {
	pc := rete.NewPatternCache(10)
	for i := 0; i < 20; i++ {
		cond := rete.Simple("field", rete.OpEqual, rete.Integer(int64(i)))
		pc.CacheAlphaPattern(cond, rete.AlphaNodePlan{Condition: cond})
	}

	first := rete.Simple("field", rete.OpEqual, rete.Integer(0))
	_, ok := pc.GetAlphaPattern(first)
	assert.False(t, ok, "oldest entries must be evicted once the cache exceeds its capacity")

	last := rete.Simple("field", rete.OpEqual, rete.Integer(19))
	_, ok = pc.GetAlphaPattern(last)
	assert.True(t, ok, "most recently inserted entries must survive eviction")
}

func TestPatternCacheHitRate(t *testing.T) {
	var s rete.PatternCacheStats
	assert.Equal(t, 0.0, s.HitRate(), "no requests yet means 0 hit rate")

	s.PatternHits = 3
	s.PatternMisses = 1
	assert.InDelta(t, 75.0, s.HitRate(), 0.001)
}
