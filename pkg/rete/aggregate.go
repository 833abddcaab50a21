package rete

import (
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// AggregationStats tracks a single Aggregation/Stream condition's
// evaluation history: early terminations, full computations, and facts
// scanned. The engine keeps no aggregation result cache, so CacheHits
// and CacheMisses are never incremented and stay zero.
type AggregationStats struct {
	CacheHits uint64
	CacheMisses uint64
	EarlyTerminations uint64
	FullComputations uint64
	FactsScanned uint64
}

// AggregationEngine evaluates Aggregation/Stream conditions lazily
// against a candidate set drawn from a FactStore, short-circuiting
// HAVING predicates where possible.
type AggregationEngine struct {
	store *FactStore
	calc *Calculator

	// parallelThreshold is the input size above which a reduction is
	// dispatched across a worker group instead of run inline.
	parallelThreshold int

	Stats AggregationStats
}

// NewAggregationEngine builds an engine reading candidate facts from
// store.
func NewAggregationEngine(store *FactStore, calc *Calculator, parallelThreshold int) *AggregationEngine {
	if parallelThreshold <= 0 {
		parallelThreshold = 1000
	}
	return &AggregationEngine{store: store, calc: calc, parallelThreshold: parallelThreshold}
}

// effectiveWindow returns the Window a condition actually evaluates
// against: Stream conditions always use WindowTime semantics regardless
// of the Window.Kind supplied, since a stream
// predicate's value is inherently point-in-time.
func effectiveWindow(cond *Condition) *Window {
	if cond.Kind != ConditionStream {
		return cond.Window
	}
	duration := time.Duration(0)
	if cond.Window != nil {
		duration = cond.Window.Duration
	}
	return &Window{Kind: WindowTime, Duration: duration}
}

// candidateSet collects the facts a window admits, filtered to those
// carrying cond.SourceField and grouped by cond.GroupBy.
func (e *AggregationEngine) candidateSet(cond *Condition, now time.Time) map[string][]*Fact {
	w := effectiveWindow(cond)
	groups := make(map[string][]*Fact)
	for _, f := range e.store.All() {
		e.Stats.FactsScanned++
		if _, ok := f.Field(cond.SourceField); !ok {
			continue
		}
		if !e.withinWindow(f, w, now) {
			continue
		}
		groups[groupKey(f, cond.GroupBy)] = append(groups[groupKey(f, cond.GroupBy)], f)
	}
	return groups
}

func groupKey(f *Fact, groupBy []string) string {
	if len(groupBy) == 0 {
		return ""
	}
	key := ""
	for i, g := range groupBy {
		if i > 0 {
			key += "|"
		}
		if v, ok := f.Field(g); ok {
			key += v.CanonicalKey()
		} else {
			key += "<absent>"
		}
	}
	return key
}

func (e *AggregationEngine) withinWindow(f *Fact, w *Window, now time.Time) bool {
	if w == nil {
		return true
	}
	switch w.Kind {
	case WindowTime, WindowSession:
		return now.Sub(f.Timestamp) <= w.Duration
	case WindowSliding, WindowTumbling:
		// Size-bounded windows are applied after collection, in
		// Evaluate, since they depend on the full ordered candidate
		// list rather than a per-fact test.
		return true
	default:
		return true
	}
}

func applySizeWindow(facts []*Fact, w *Window) []*Fact {
	if w == nil {
		return facts
	}
	switch w.Kind {
	case WindowSliding:
		sort.Slice(facts, func(i, j int) bool { return facts[i].Timestamp.Before(facts[j].Timestamp) })
		if len(facts) > w.Size {
			facts = facts[len(facts)-w.Size:]
		}
	case WindowTumbling:
		sort.Slice(facts, func(i, j int) bool { return facts[i].Timestamp.Before(facts[j].Timestamp) })
		if w.Size > 0 && len(facts) > w.Size {
			// Most recent complete tumbling batch.
			trailing := len(facts) % w.Size
			facts = facts[len(facts)-w.Size-trailing : len(facts)-trailing]
		}
	}
	return facts
}

// EvaluateHaving decides whether cond's HAVING predicate is satisfied
// for the group trigger belongs to, short-circuiting the well-known
// cheap cases before falling back to full computation:
// - Count = 0 → "exists any matching fact?"
// - Count/Sum > 0 on a positive-only field → short-circuit on first
// positive value encountered.
func (e *AggregationEngine) EvaluateHaving(cond *Condition, trigger *Fact, now time.Time) (bool, error) {
	if cond.Having == nil {
		return true, nil
	}
	if ok, handled := e.tryShortCircuit(cond, trigger, now); handled {
		e.Stats.EarlyTerminations++
		return ok, nil
	}

	value, err := e.Evaluate(cond, trigger, now)
	if err != nil {
		return false, err
	}
	ctx := NewEvalContext(map[string]Value{cond.Alias: value}, nil)
	havingExpr, err := conditionToExpr(cond.Having)
	if err != nil {
		return false, err
	}
	result, cerr := e.calc.Eval(havingExpr, ctx)
	if cerr != nil {
		return false, cerr
	}
	return result.Truthy(), nil
}

// tryShortCircuit implements the two cheap short-circuit rules
// EvaluateHaving documents. It returns handled=false when neither
// applies, in which case the caller must fall back to full
// computation.
func (e *AggregationEngine) tryShortCircuit(cond *Condition, trigger *Fact, now time.Time) (ok bool, handled bool) {
	h := cond.Having
	if h == nil || h.Kind != ConditionSimple || h.Field != cond.Alias {
		return false, false
	}

	if cond.AggKind == AggCount && h.Operator == OpEqual {
		if target, isInt := h.Value.AsInteger(); isInt && target == 0 {
			groups := e.candidateSet(cond, now)
			key := groupKey(trigger, cond.GroupBy)
			exists := len(applySizeWindow(groups[key], effectiveWindow(cond))) > 0
			return !exists, true
		}
	}

	if (cond.AggKind == AggCount || cond.AggKind == AggSum) && h.Operator == OpGreaterThan {
		if target, isNum := h.Value.AsFloat(); isNum && target == 0 {
			groups := e.candidateSet(cond, now)
			key := groupKey(trigger, cond.GroupBy)
			facts := applySizeWindow(groups[key], effectiveWindow(cond))
			for _, f := range facts {
				if cond.AggKind == AggCount {
					return true, true
				}
				if v, ok := f.Field(cond.SourceField); ok {
					if n, ok := v.AsFloat(); ok && n > 0 {
						return true, true
					}
				}
			}
			return false, true
		}
	}

	return false, false
}

// Evaluate computes the full statistic for cond's group, dispatching
// the reduction across a worker pool when the candidate set exceeds
// parallelThreshold.
func (e *AggregationEngine) Evaluate(cond *Condition, trigger *Fact, now time.Time) (Value, error) {
	e.Stats.FullComputations++
	groups := e.candidateSet(cond, now)
	facts := applySizeWindow(groups[groupKey(trigger, cond.GroupBy)], effectiveWindow(cond))

	values := make([]float64, 0, len(facts))
	for _, f := range facts {
		if v, ok := f.Field(cond.SourceField); ok {
			if n, ok := v.AsFloat(); ok {
				values = append(values, n)
			}
		}
	}

	switch cond.AggKind {
	case AggCount:
		return Integer(int64(len(facts))), nil
	case AggSum:
		return Float(reduce(values, e.parallelThreshold, 0, func(a, b float64) float64 { return a + b })), nil
	case AggAvg:
		if len(values) == 0 {
			return Float(0), nil
		}
		sum := reduce(values, e.parallelThreshold, 0, func(a, b float64) float64 { return a + b })
		return Float(sum / float64(len(values))), nil
	case AggMin:
		if len(values) == 0 {
			return Float(math.Inf(1)), nil
		}
		return Float(reduce(values, e.parallelThreshold, math.Inf(1), math.Min)), nil
	case AggMax:
		if len(values) == 0 {
			return Float(math.Inf(-1)), nil
		}
		return Float(reduce(values, e.parallelThreshold, math.Inf(-1), math.Max)), nil
	case AggStdDev:
		return Float(stdDev(values)), nil
	case AggPercentile:
		return Float(percentile(values, cond.Window)), nil
	default:
		return Null, nil
	}
}

// reduce folds values with op, splitting the work across an errgroup
// of workers when len(values) exceeds threshold. op must be
// associative and commutative.
func reduce(values []float64, threshold int, identity float64, op func(a, b float64) float64) float64 {
	if len(values) <= threshold || len(values) < 2 {
		acc := identity
		for _, v := range values {
			acc = op(acc, v)
		}
		return acc
	}

	const workers = 4
	chunkSize := (len(values) + workers - 1) / workers
	partials := make([]float64, workers)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		start := w * chunkSize
		if start >= len(values) {
			partials[w] = identity
			continue
		}
		end := start + chunkSize
		if end > len(values) {
			end = len(values)
		}
		g.Go(func() error {
			acc := identity
			for _, v := range values[start:end] {
				acc = op(acc, v)
			}
			partials[w] = acc
			return nil
		})
	}
	_ = g.Wait()

	acc := identity
	for _, p := range partials {
		acc = op(acc, p)
	}
	return acc
}

func stdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return math.Sqrt(variance)
}

func percentile(values []float64, w *Window) float64 {
	if len(values) == 0 {
		return 0
	}
	p := 50.0
	if w != nil && w.Percentile > 0 {
		p = w.Percentile
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// conditionToExpr lifts a Simple HAVING condition into a calculator
// Expr so the same evaluator that runs Formula actions also runs
// HAVING predicates.
func conditionToExpr(c *Condition) (*Expr, error) {
	left := &Expr{Kind: ExprVar, Name: c.Field}
	right := &Expr{Kind: ExprLiteral, Literal: c.Value}
	op, err := operatorToBinOp(c.Operator)
	if err != nil {
		return nil, err
	}
	return &Expr{Kind: ExprBinary, BinOp: op, Left: left, Right: right}, nil
}

func operatorToBinOp(op Operator) (BinOp, error) {
	switch op {
	case OpEqual:
		return BinEq, nil
	case OpNotEqual:
		return BinNeq, nil
	case OpLessThan:
		return BinLt, nil
	case OpLessOrEqual:
		return BinLe, nil
	case OpGreaterThan:
		return BinGt, nil
	case OpGreaterOrEqual:
		return BinGe, nil
	case OpContains:
		return BinContains, nil
	case OpStartsWith:
		return BinStartsWith, nil
	case OpEndsWith:
		return BinEndsWith, nil
	default:
		return 0, newCalcError(ErrTypeMismatch, "unsupported HAVING operator")
	}
}
