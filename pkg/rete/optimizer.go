package rete

import "sort"

// defaultSelectivity implements the table: estimated
// fraction of facts that pass a condition shape, lower is better
// (more selective, placed earlier in a join cascade).
func defaultSelectivity(c *Condition) float64 {
	switch c.Kind {
	case ConditionSimple:
		switch c.Operator {
		case OpEqual:
			if _, ok := c.Value.AsInteger(); ok {
				return 0.01
			}
			if _, ok := c.Value.AsString(); ok {
				return 0.05
			}
			return 0.05
		case OpLessThan, OpLessOrEqual, OpGreaterThan, OpGreaterOrEqual:
			return 0.30
		case OpContains, OpStartsWith, OpEndsWith:
			return 0.50
		default:
			return 0.30
		}
	case ConditionAggregation, ConditionStream:
		return 0.10
	case ConditionComplex:
		// A nested And/Or/Not is scored by its most selective child so
		// the cascade still orders it sensibly relative to siblings.
		best := 1.0
		for _, child := range c.Conditions {
			if s := defaultSelectivity(child); s < best {
				best = s
			}
		}
		return best
	default:
		return 0.30
	}
}

// predicateCost estimates evaluation microseconds for alpha-layer
// ordering: equality on an integer is cheapest, range
// comparisons cost more, and string pattern predicates scale with the
// pattern's length.
func predicateCost(c *Condition) float64 {
	if c.Kind != ConditionSimple {
		return 2.0
	}
	switch c.Operator {
	case OpEqual, OpNotEqual:
		if _, ok := c.Value.AsInteger(); ok {
			return 1.0
		}
		return 1.5
	case OpLessThan, OpLessOrEqual, OpGreaterThan, OpGreaterOrEqual:
		return 2.0
	case OpContains, OpStartsWith, OpEndsWith:
		s, _ := c.Value.AsString()
		cost := 5.0 + float64(len(s))*0.1
		if cost > 10.0 {
			cost = 10.0
		}
		return cost
	default:
		return 2.0
	}
}

const defaultReorderThreshold = 0.05

// orderingCost scores a condition ordering by selectivity-weighted
// position: a condition run at position i is tested against every fact
// that survived all earlier conditions, so its selectivity is charged
// once for each condition still to come (including itself) — a
// selective condition placed early is cheap because few facts ever
// reach the expensive conditions behind it. Lower is better; it is the
// before/after measure ReorderConditions' callers report via
// OptimizationReport.
func orderingCost(conditions []*Condition) float64 {
	n := len(conditions)
	var cost float64
	for i, c := range conditions {
		cost += defaultSelectivity(c) * float64(n-i)
	}
	return cost
}

// sameOrder reports whether a and b hold the same condition pointers
// in the same positions.
func sameOrder(a, b []*Condition) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// OptimizationRecord is one compiled rule's before/after
// selectivity-ordering report: what ReorderConditions changed, and
// whether it changed anything at all.
type OptimizationRecord struct {
	RuleID RuleID
	RuleName string
	ConditionCount int
	Reordered bool
	SelectivityCostBefore float64
	SelectivityCostAfter float64
}

// OptimizationReport ties the rule optimiser to the pattern cache: one
// OptimizationRecord per rule compiled from scratch (a pattern-cache
// hit reuses the ordering recorded on the original compile, so it is
// not recorded twice).
type OptimizationReport struct {
	Records []OptimizationRecord
}

// TotalReordered counts how many records actually had their sibling
// conditions reordered, as opposed to already being in selectivity
// order.
func (r OptimizationReport) TotalReordered() int {
	n := 0
	for _, rec := range r.Records {
		if rec.Reordered {
			n++
		}
	}
	return n
}

// ReorderConditions sorts conditions by ascending selectivity
// (cheapest-to-filter first), but only moves a condition ahead of
// another when the selectivity delta exceeds threshold — avoiding
// churn from reordering near-identical conditions. A
// threshold of 0 or less uses the default of 0.05.
func ReorderConditions(conditions []*Condition, threshold float64) []*Condition {
	if threshold <= 0 {
		threshold = defaultReorderThreshold
	}
	out := append([]*Condition(nil), conditions...)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := defaultSelectivity(out[i]), defaultSelectivity(out[j])
		if sj-si > threshold {
			return true
		}
		return false
	})
	return out
}
