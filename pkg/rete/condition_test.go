package rete_test

import (
	"testing"

	"github.com/gitrdm/rulecore/pkg/rete"
	"github.com/stretchr/testify/assert"
)

func TestConditionCount(t *testing.T) {
	leaf := rete.Simple("temp", rete.OpGreaterThan, rete.Integer(90))
	assert.Equal(t, 1, rete.ConditionCount(leaf))

	and := rete.Complex(rete.LogicalAnd, leaf, rete.Simple("humidity", rete.OpLessThan, rete.Integer(50)))
	assert.Equal(t, 2, rete.ConditionCount(and))

	nested := rete.Complex(rete.LogicalAnd, and, rete.Simple("wind", rete.OpEqual, rete.String("north")))
	assert.Equal(t, 3, rete.ConditionCount(nested))

	assert.Equal(t, 0, rete.ConditionCount(nil))
}

func TestConditionShareable(t *testing.T) {
	assert.True(t, rete.Simple("a", rete.OpEqual, rete.Integer(1)).Shareable())

	complex := rete.Complex(rete.LogicalAnd, rete.Simple("a", rete.OpEqual, rete.Integer(1)))
	assert.False(t, complex.Shareable())

	agg := rete.Aggregation(rete.AggSum, "amount", nil, &rete.Window{Kind: rete.WindowTime}, nil, "total")
	assert.False(t, agg.Shareable())
}

func TestStreamPreservesDeclaredWindowKindOnTheStruct(t *testing.T) {
	// The caller's declared Window.Kind is preserved on the struct even
	// though evaluation always forces WindowTime semantics (see
	// TestAggregationEngineStreamForcesTimeWindowSemantics in
	// aggregate_test.go for the enforced behavior).
	s := rete.Stream(rete.AggCount, "amount", nil, &rete.Window{Kind: rete.WindowSliding, Size: 5}, nil, "recent")
	assert.Equal(t, rete.ConditionStream, s.Kind)
	assert.Equal(t, rete.WindowSliding, s.Window.Kind)
}
