package rete_test

import (
	"testing"

	"github.com/gitrdm/rulecore/pkg/rete"
	"github.com/stretchr/testify/assert"
)

func TestTokenJoinOrdersIDsAndMergesFields(t *testing.T) {
	left := rete.NewToken(1, map[string]rete.Value{"a": rete.Integer(1)})
	right := rete.NewToken(2, map[string]rete.Value{"a": rete.Integer(2), "b": rete.Integer(3)})

	joined := left.Join(right)

	assert.Equal(t, []rete.FactID{1, 2}, joined.FactIDs)
	a, _ := joined.Fields["a"].AsInteger()
	assert.Equal(t, int64(2), a, "right fields win on key collision")
	b, _ := joined.Fields["b"].AsInteger()
	assert.Equal(t, int64(3), b)
}

func TestTokenIdentityKeyOrderSensitive(t *testing.T) {
	a := rete.Token{FactIDs: []rete.FactID{1, 2}}
	b := rete.Token{FactIDs: []rete.FactID{2, 1}}
	c := rete.Token{FactIDs: []rete.FactID{1, 2}}

	assert.NotEqual(t, a.IdentityKey(), b.IdentityKey())
	assert.Equal(t, a.IdentityKey(), c.IdentityKey())
}

func TestTokenJoinKeyAbsentField(t *testing.T) {
	tok := rete.NewToken(1, map[string]rete.Value{"a": rete.Integer(1)})

	key := tok.JoinKey([]string{"a", "missing"})
	assert.Contains(t, key, "<absent>")

	other := rete.NewToken(2, map[string]rete.Value{"a": rete.Integer(1)})
	assert.NotEqual(t, tok.JoinKey([]string{"a"}), other.JoinKey([]string{"a", "missing"}))
	assert.Equal(t, tok.JoinKey([]string{"a"}), other.JoinKey([]string{"a"}), "equal field values must produce equal join keys")
}

func TestTokenJoinCollapsesSharedFactIDs(t *testing.T) {
	left := rete.NewToken(1, map[string]rete.Value{"a": rete.Integer(1)})
	right := rete.NewToken(1, map[string]rete.Value{"b": rete.Integer(2)})

	joined := left.Join(right)

	assert.Equal(t, []rete.FactID{1}, joined.FactIDs, "a fact joining with itself stays a one-fact token")
	_, hasA := joined.Fields["a"]
	_, hasB := joined.Fields["b"]
	assert.True(t, hasA && hasB, "both sides' fields still merge")
}
