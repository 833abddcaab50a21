package rete_test

import (
	"testing"
	"time"

	"github.com/gitrdm/rulecore/pkg/rete"
	"github.com/stretchr/testify/assert"
)

func TestConflictResolverPriorityStrategy(t *testing.T) {
	cr := rete.NewConflictResolver(rete.ConflictResolverConfig{Primary: rete.StrategyPriority}, nil)

	low := rete.Activation{RuleID: 1, Priority: 1}
	high := rete.Activation{RuleID: 2, Priority: 10}

	ordered := cr.Resolve([]rete.Activation{low, high})
	assert.Equal(t, rete.RuleID(2), ordered[0].RuleID, "higher priority fires first")
	assert.Equal(t, rete.RuleID(1), ordered[1].RuleID)
}

func TestConflictResolverSpecificityStrategy(t *testing.T) {
	cr := rete.NewConflictResolver(rete.ConflictResolverConfig{Primary: rete.StrategySpecificity}, nil)

	broad := rete.Activation{RuleID: 1, Specificity: 1}
	narrow := rete.Activation{RuleID: 2, Specificity: 3}

	ordered := cr.Resolve([]rete.Activation{broad, narrow})
	assert.Equal(t, rete.RuleID(2), ordered[0].RuleID, "more specific rule fires first")
}

func TestConflictResolverRecencyStrategy(t *testing.T) {
	cr := rete.NewConflictResolver(rete.ConflictResolverConfig{Primary: rete.StrategyRecency}, nil)

	now := time.Now()
	older := rete.Activation{RuleID: 1, TriggeredAt: now.Add(-time.Minute)}
	newer := rete.Activation{RuleID: 2, TriggeredAt: now}

	ordered := cr.Resolve([]rete.Activation{older, newer})
	assert.Equal(t, rete.RuleID(2), ordered[0].RuleID, "most recently triggered fires first")
}

func TestConflictResolverRuleIDTiebreakIsTotalOrder(t *testing.T) {
	cr := rete.NewConflictResolver(rete.ConflictResolverConfig{Primary: rete.StrategyPriority}, nil)

	a := rete.Activation{RuleID: 5, Priority: 1}
	b := rete.Activation{RuleID: 2, Priority: 1}

	ordered := cr.Resolve([]rete.Activation{a, b})
	assert.Equal(t, rete.RuleID(2), ordered[0].RuleID, "ties fall back to ascending rule id")
}

func TestConflictResolverDeterministicAcrossPermutations(t *testing.T) {
	cr := rete.NewConflictResolver(rete.ConflictResolverConfig{Primary: rete.StrategyPriority}, nil)

	set1 := []rete.Activation{{RuleID: 1, Priority: 3}, {RuleID: 2, Priority: 1}, {RuleID: 3, Priority: 2}}
	set2 := []rete.Activation{{RuleID: 3, Priority: 2}, {RuleID: 1, Priority: 3}, {RuleID: 2, Priority: 1}}

	o1 := cr.Resolve(set1)
	o2 := cr.Resolve(set2)

	require := assert.New(t)
	require.Equal(len(o1), len(o2))
	for i := range o1 {
		require.Equal(o1[i].RuleID, o2[i].RuleID, "resolution order must be permutation-invariant")
	}
}

func TestConflictResolverCapsConflictSetSize(t *testing.T) {
	cr := rete.NewConflictResolver(rete.ConflictResolverConfig{Primary: rete.StrategyPriority, MaxConflictSetSize: 2}, nil)

	acts := []rete.Activation{
		{RuleID: 1, Priority: 1},
		{RuleID: 2, Priority: 2},
		{RuleID: 3, Priority: 3},
	}
	ordered := cr.Resolve(acts)
	assert.Len(t, ordered, 2, "activations beyond MaxConflictSetSize are dropped")
	assert.Equal(t, rete.RuleID(3), ordered[0].RuleID)
	assert.Equal(t, rete.RuleID(2), ordered[1].RuleID)
}

func TestConflictResolverLexicographicStrategy(t *testing.T) {
	names := map[rete.RuleID]string{1: "zebra", 2: "apple"}
	cr := rete.NewConflictResolver(rete.ConflictResolverConfig{
		Primary: rete.StrategyLexicographic,
		RuleNameOf: func(id rete.RuleID) string { return names[id] },
	}, nil)

	ordered := cr.Resolve([]rete.Activation{{RuleID: 1}, {RuleID: 2}})
	assert.Equal(t, rete.RuleID(2), ordered[0].RuleID, "lexicographic strategy orders by rule name")
}

// Priority primary with a Salience tie-breaker: equal priorities fall
// through to salience, and only then to rule id.
func TestConflictResolverPriorityWithSalienceTieBreaker(t *testing.T) {
	tie := rete.StrategySalience
	cr := rete.NewConflictResolver(rete.ConflictResolverConfig{
		Primary:    rete.StrategyPriority,
		TieBreaker: &tie,
	}, nil)

	a := rete.Activation{RuleID: 1, Priority: 1, Salience: 50}
	b := rete.Activation{RuleID: 2, Priority: 10, Salience: 0}
	c := rete.Activation{RuleID: 3, Priority: 10, Salience: 50}

	for i := 0; i < 3; i++ {
		ordered := cr.Resolve([]rete.Activation{a, b, c})
		assert.Equal(t, rete.RuleID(3), ordered[0].RuleID)
		assert.Equal(t, rete.RuleID(2), ordered[1].RuleID)
		assert.Equal(t, rete.RuleID(1), ordered[2].RuleID)
	}
}
