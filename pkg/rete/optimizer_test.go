package rete_test

import (
	"testing"

	"github.com/gitrdm/rulecore/pkg/rete"
	"github.com/stretchr/testify/assert"
)

func TestReorderConditionsMovesMoreSelectiveFirst(t *testing.T) {
	rangeCond := rete.Simple("age", rete.OpGreaterThan, rete.Integer(18))
	equalCond := rete.Simple("id", rete.OpEqual, rete.Integer(42))

	ordered := rete.ReorderConditions([]*rete.Condition{rangeCond, equalCond}, 0)

	assert.Same(t, equalCond, ordered[0], "integer equality is far more selective than a range comparison")
	assert.Same(t, rangeCond, ordered[1])
}

func TestReorderConditionsKeepsOrderWithinThreshold(t *testing.T) {
	a := rete.Simple("x", rete.OpEqual, rete.String("a"))
	b := rete.Simple("y", rete.OpEqual, rete.String("b"))

	// Both are string equality (selectivity 0.05): no delta exceeds the
	// default 0.05 threshold, so input order is preserved.
	ordered := rete.ReorderConditions([]*rete.Condition{a, b}, 0)
	assert.Same(t, a, ordered[0])
	assert.Same(t, b, ordered[1])
}
