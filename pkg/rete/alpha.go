package rete

import "strings"

// AlphaNode tests a single Simple condition against each incoming
// fact and, on a match, emits a single-fact token to every downstream
// node. One alpha node exists per unique condition signature — node
// sharing across rules referencing the identical predicate is
// mandatory.
type AlphaNode struct {
	ID NodeID
	Condition *Condition
	Signature PatternSignature
	Downstream []NodeID

	calc *Calculator
}

func newAlphaNode(cond *Condition, calc *Calculator) *AlphaNode {
	return &AlphaNode{
		ID: nextNodeID(),
		Condition: cond,
		Signature: SignatureFromCondition(cond),
		calc: calc,
	}
}

// Test evaluates the node's condition against f's fields. For
// Aggregation/Stream conditions, the alpha layer only performs a
// coarse shape match (the fact carries the source field) — the
// windowed statistic and HAVING predicate are evaluated downstream by
// the Aggregation Engine once a candidate activation exists, since
// they depend on a group's whole candidate set, not a single fact.
func (a *AlphaNode) Test(f *Fact) bool {
	switch a.Condition.Kind {
	case ConditionSimple:
		return evalSimple(a.Condition, f, a.calc)
	case ConditionAggregation, ConditionStream:
		_, ok := f.Field(a.Condition.SourceField)
		return ok
	default:
		return false
	}
}

func evalSimple(c *Condition, f *Fact, calc *Calculator) bool {
	v, ok := f.Field(c.Field)
	if !ok {
		return false
	}
	switch c.Operator {
	case OpEqual:
		return v.Equal(c.Value, calc.epsilon)
	case OpNotEqual:
		return !v.Equal(c.Value, calc.epsilon)
	case OpLessThan, OpLessOrEqual, OpGreaterThan, OpGreaterOrEqual:
		result, ok := v.Compare(c.Value, calc.epsilon)
		if !ok {
			return false
		}
		switch c.Operator {
		case OpLessThan:
			return result < 0
		case OpLessOrEqual:
			return result <= 0
		case OpGreaterThan:
			return result > 0
		case OpGreaterOrEqual:
			return result >= 0
		}
	case OpContains:
		return stringPredicate(v, c.Value, strings.Contains)
	case OpStartsWith:
		return stringPredicate(v, c.Value, strings.HasPrefix)
	case OpEndsWith:
		return stringPredicate(v, c.Value, strings.HasSuffix)
	}
	return false
}

func stringPredicate(v, target Value, pred func(s, sub string) bool) bool {
	vs, ok := v.AsString()
	if !ok {
		return false
	}
	ts, ok := target.AsString()
	if !ok {
		return false
	}
	return pred(vs, ts)
}
