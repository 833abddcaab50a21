package rete_test

import (
	"testing"

	"github.com/gitrdm/rulecore/pkg/rete"
	"github.com/stretchr/testify/assert"
)

func TestSignatureFromConditionStructuralEquality(t *testing.T) {
	a := rete.Simple("temp", rete.OpGreaterThan, rete.Integer(90))
	b := rete.Simple("temp", rete.OpGreaterThan, rete.Integer(90))
	c := rete.Simple("temp", rete.OpGreaterThan, rete.Integer(91))

	assert.Equal(t, rete.SignatureFromCondition(a).Hash, rete.SignatureFromCondition(b).Hash)
	assert.NotEqual(t, rete.SignatureFromCondition(a).Hash, rete.SignatureFromCondition(c).Hash)
}

func TestSignatureFromJoinFieldsIsOrderInsensitive(t *testing.T) {
	a := rete.SignatureFromJoinFields([]string{"id", "entity_id"})
	b := rete.SignatureFromJoinFields([]string{"entity_id", "id"})
	assert.Equal(t, a.Hash, b.Hash, "join-field signatures must be order-insensitive")
}

func TestSignatureFromConditionsDistinguishesComplexShape(t *testing.T) {
	and := rete.Complex(rete.LogicalAnd, rete.Simple("a", rete.OpEqual, rete.Integer(1)), rete.Simple("b", rete.OpEqual, rete.Integer(2)))
	or := rete.Complex(rete.LogicalOr, rete.Simple("a", rete.OpEqual, rete.Integer(1)), rete.Simple("b", rete.OpEqual, rete.Integer(2)))

	assert.NotEqual(t,
		rete.SignatureFromConditions([]*rete.Condition{and}).Hash,
		rete.SignatureFromConditions([]*rete.Condition{or}).Hash,
		"And and Or over identical children must not collide")
}
