package rete_test

import (
	"context"
	"testing"
	"time"

	"github.com/gitrdm/rulecore/pkg/rete"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *rete.Engine {
	t.Helper()
	cfg := rete.DefaultEngineConfig()
	cfg.AutoCleanup = false
	e, err := rete.NewEngine(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	cfg := rete.DefaultEngineConfig()
	cfg.MaxMemoryBytes = 0
	_, err := rete.NewEngine(cfg, nil)
	assert.Error(t, err)
}

func TestEngineCompileRulesGeneratesSessionIDWhenEmpty(t *testing.T) {
	e := newTestEngine(t)
	result, err := e.CompileRules([]*rete.Rule{}, "")
	require.NoError(t, err)
	assert.NotEmpty(t, result.SessionID)
	assert.True(t, result.Success)
}

func TestEngineCompileRulesSkipsDisabledRules(t *testing.T) {
	e := newTestEngine(t)
	rule := &rete.Rule{
		ID:         1,
		Name:       "disabled_rule",
		Conditions: []*rete.Condition{rete.Simple("x", rete.OpEqual, rete.Integer(1))},
		Actions:    []rete.Action{rete.Log("never")},
		Enabled:    false,
	}
	result, err := e.CompileRules([]*rete.Rule{rule}, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, result.RulesCompiled)
}

func TestEngineProcessFiresSetFieldAction(t *testing.T) {
	e := newTestEngine(t)
	rule := &rete.Rule{
		ID:         1,
		Name:       "mark_hot",
		Conditions: []*rete.Condition{rete.Simple("temp", rete.OpGreaterThan, rete.Integer(90))},
		Actions:    []rete.Action{rete.SetField("status", rete.String("hot"))},
		Enabled:    true,
	}
	_, err := e.CompileRules([]*rete.Rule{rule}, "s1")
	require.NoError(t, err)

	fact := rete.NewFact(map[string]rete.Value{"temp": rete.Integer(95)})
	result, err := e.Process(context.Background(), []*rete.Fact{fact}, time.Time{})
	require.NoError(t, err)

	require.Len(t, result.RuleExecutionResults, 1)
	require.NotNil(t, result.RuleExecutionResults[0].ModifiedFact)
	status, ok := result.RuleExecutionResults[0].ModifiedFact.Field("status")
	require.True(t, ok)
	assert.Equal(t, rete.String("hot"), status)
}

// CreateFact-produced facts must only be visible to the Process cycle
// after the one that produced them, so
// a chain of two dependent rules takes two outer-loop iterations.
func TestEngineProcessCreateFactIsInvisibleToProducingCycle(t *testing.T) {
	e := newTestEngine(t)
	spawner := &rete.Rule{
		ID:         1,
		Name:       "spawn_child",
		Conditions: []*rete.Condition{rete.Simple("kind", rete.OpEqual, rete.String("parent"))},
		Actions:    []rete.Action{rete.CreateFact(map[string]rete.Value{"kind": rete.String("child")})},
		Enabled:    true,
	}
	consumer := &rete.Rule{
		ID:         2,
		Name:       "consume_child",
		Conditions: []*rete.Condition{rete.Simple("kind", rete.OpEqual, rete.String("child"))},
		Actions:    []rete.Action{rete.Log("consumed")},
		Enabled:    true,
	}
	_, err := e.CompileRules([]*rete.Rule{spawner, consumer}, "s1")
	require.NoError(t, err)

	parent := rete.NewFact(map[string]rete.Value{"kind": rete.String("parent")})
	result, err := e.Process(context.Background(), []*rete.Fact{parent}, time.Time{})
	require.NoError(t, err)

	require.Len(t, result.RuleExecutionResults, 2, "both the spawner and the consumer must fire across cycles")
	assert.Equal(t, rete.RuleID(1), result.RuleExecutionResults[0].RuleID)
	assert.Equal(t, rete.RuleID(2), result.RuleExecutionResults[1].RuleID)
	assert.Equal(t, 2, result.FactsProcessed)
}

func TestEngineProcessDeadlineExceededSetsPartialResult(t *testing.T) {
	e := newTestEngine(t)
	rule := &rete.Rule{
		ID:         1,
		Name:       "noop",
		Conditions: []*rete.Condition{rete.Simple("x", rete.OpEqual, rete.Integer(1))},
		Actions:    []rete.Action{rete.Log("noop")},
		Enabled:    true,
	}
	_, err := e.CompileRules([]*rete.Rule{rule}, "s1")
	require.NoError(t, err)

	fact := rete.NewFact(map[string]rete.Value{"x": rete.Integer(1)})
	past := time.Now().Add(-time.Hour)
	result, err := e.Process(context.Background(), []*rete.Fact{fact}, past)
	require.NoError(t, err)
	assert.True(t, result.DeadlineExceeded)
}

func TestEngineProcessContextCancellationStopsImmediately(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fact := rete.NewFact(map[string]rete.Value{"x": rete.Integer(1)})
	result, err := e.Process(ctx, []*rete.Fact{fact}, time.Time{})
	require.NoError(t, err)
	assert.True(t, result.DeadlineExceeded)
	assert.Equal(t, 0, result.FactsProcessed)
}

func TestEngineProcessFormulaActionWritesOutputField(t *testing.T) {
	e := newTestEngine(t)
	expr, perr := rete.Parse("celsius * 9 / 5 + 32")
	require.NoError(t, perr)

	rule := &rete.Rule{
		ID:         1,
		Name:       "convert_temp",
		Conditions: []*rete.Condition{rete.Simple("kind", rete.OpEqual, rete.String("reading"))},
		Actions:    []rete.Action{rete.Formula(expr, "fahrenheit")},
		Enabled:    true,
	}
	_, err := e.CompileRules([]*rete.Rule{rule}, "s1")
	require.NoError(t, err)

	fact := rete.NewFact(map[string]rete.Value{"kind": rete.String("reading"), "celsius": rete.Integer(20)})
	result, err := e.Process(context.Background(), []*rete.Fact{fact}, time.Time{})
	require.NoError(t, err)

	require.Len(t, result.RuleExecutionResults, 1)
	require.Empty(t, result.RuleExecutionResults[0].Errors)
	require.NotNil(t, result.RuleExecutionResults[0].ModifiedFact)
	f, ok := result.RuleExecutionResults[0].ModifiedFact.Field("fahrenheit")
	require.True(t, ok)
	got, _ := f.AsFloat()
	assert.Equal(t, 68.0, got)
}

func TestEngineProcessCallCalculatorInvokesRegisteredFormula(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.RegisterCalculator("double", "n * 2"))

	rule := &rete.Rule{
		ID:         1,
		Name:       "double_it",
		Conditions: []*rete.Condition{rete.Simple("kind", rete.OpEqual, rete.String("item"))},
		Actions:    []rete.Action{rete.CallCalculator("double", map[string]string{"n": "quantity"}, "doubled")},
		Enabled:    true,
	}
	_, err := e.CompileRules([]*rete.Rule{rule}, "s1")
	require.NoError(t, err)

	fact := rete.NewFact(map[string]rete.Value{"kind": rete.String("item"), "quantity": rete.Integer(21)})
	result, err := e.Process(context.Background(), []*rete.Fact{fact}, time.Time{})
	require.NoError(t, err)

	require.Len(t, result.RuleExecutionResults, 1)
	require.NotNil(t, result.RuleExecutionResults[0].ModifiedFact)
	v, ok := result.RuleExecutionResults[0].ModifiedFact.Field("doubled")
	require.True(t, ok)
	got, _ := v.AsInteger()
	assert.Equal(t, int64(42), got)
}

func TestEngineCompileRulesRejectsUnknownCalculator(t *testing.T) {
	e := newTestEngine(t)
	rule := &rete.Rule{
		ID:         1,
		Name:       "bad_calc",
		Conditions: []*rete.Condition{rete.Simple("kind", rete.OpEqual, rete.String("item"))},
		Actions:    []rete.Action{rete.CallCalculator("missing", nil, "out")},
		Enabled:    true,
	}
	_, err := e.CompileRules([]*rete.Rule{rule}, "s1")
	require.Error(t, err)
	var ee *rete.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, rete.CategoryRule, ee.Category)
}

func TestEngineCompileRulesRejectsDegenerateNot(t *testing.T) {
	e := newTestEngine(t)
	rule := &rete.Rule{
		ID:   1,
		Name: "bad_not",
		Conditions: []*rete.Condition{
			rete.Complex(rete.LogicalNot,
				rete.Simple("a", rete.OpEqual, rete.Integer(1)),
				rete.Simple("b", rete.OpEqual, rete.Integer(2))),
		},
		Actions: []rete.Action{rete.Log("never")},
		Enabled: true,
	}
	_, err := e.CompileRules([]*rete.Rule{rule}, "s1")
	require.Error(t, err)
	var ee *rete.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, rete.CategoryCondition, ee.Category)
}

func TestEngineProcessHavingGateFiltersCountZero(t *testing.T) {
	e := newTestEngine(t)
	having := rete.Simple("n", rete.OpEqual, rete.Integer(0))
	rule := &rete.Rule{
		ID:   1,
		Name: "orphans_only",
		Conditions: []*rete.Condition{
			rete.Simple("kind", rete.OpEqual, rete.String("customer")),
			rete.Aggregation(rete.AggCount, "amount", []string{"customer_id"}, nil, having, "n"),
		},
		Actions: []rete.Action{rete.Log("flag")},
		Enabled: true,
	}
	_, err := e.CompileRules([]*rete.Rule{rule}, "s1")
	require.NoError(t, err)

	fact := rete.NewFact(map[string]rete.Value{"kind": rete.String("customer"), "customer_id": rete.String("c1")})
	result, err := e.Process(context.Background(), []*rete.Fact{fact}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, result.RuleExecutionResults, 1, "no orders exist yet, so COUNT = 0 holds and the gate passes")
}

func TestEngineProcessWithRulesStreamEmitsExpectedEventSequence(t *testing.T) {
	e := newTestEngine(t)
	rule := &rete.Rule{
		ID:         1,
		Name:       "high_temp",
		Conditions: []*rete.Condition{rete.Simple("temp", rete.OpGreaterThan, rete.Integer(90))},
		Actions:    []rete.Action{rete.Log("hot")},
		Enabled:    true,
	}
	fact := rete.NewFact(map[string]rete.Value{"temp": rete.Integer(95)})

	events := make(chan rete.StreamEvent, 8)
	err := e.ProcessWithRulesStream(context.Background(), []*rete.Rule{rule}, []*rete.Fact{fact}, "req-1", events)
	require.NoError(t, err)

	var kinds []rete.StreamEventKind
	var final *rete.ProcessResult
	for ev := range events {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == rete.EventFinalResult {
			final = ev.Final
		}
	}

	require.Len(t, kinds, 3)
	assert.Equal(t, rete.EventRulesCompiled, kinds[0])
	assert.Equal(t, rete.EventStatusUpdate, kinds[1])
	assert.Equal(t, rete.EventFinalResult, kinds[2])
	require.NotNil(t, final)
	assert.Len(t, final.RuleExecutionResults, 1)
}

func TestEngineStoreExposesDirectQueryAccess(t *testing.T) {
	e := newTestEngine(t)
	fact := rete.NewFact(map[string]rete.Value{"x": rete.Integer(1)})
	e.Store().Insert(fact)

	got, ok := e.Store().Get(fact.ID)
	require.True(t, ok)
	assert.Equal(t, fact.ID, got.ID)
}

// The memory coordinator's RSS reader must come from the profiler's
// live component self-reports, not the nil-reader default (which would
// always classify Normal pressure and make the Pressure/Critical
// reduction paths unreachable).
func TestEngineMemoryProfileReflectsStoreGrowth(t *testing.T) {
	e := newTestEngine(t)
	for i := 0; i < 50; i++ {
		e.Store().Insert(rete.NewFact(map[string]rete.Value{"i": rete.Integer(int64(i))}))
	}
	e.SampleMemoryPressure()

	snapshot := e.MemoryProfile()
	names := map[string]uint64{}
	for _, c := range snapshot {
		names[c.Name] = c.AllocatedBytes
	}

	require.Contains(t, names, "fact_store")
	require.Contains(t, names, "pattern_cache")
	require.Contains(t, names, "memory_pools")
	assert.Greater(t, names["fact_store"], uint64(0), "50 inserted facts must produce a nonzero self-report")
}

func TestEngineOptimizationReportRecordsReordering(t *testing.T) {
	e := newTestEngine(t)
	rule := &rete.Rule{
		ID:   1,
		Name: "age_then_id",
		Conditions: []*rete.Condition{
			rete.Simple("age", rete.OpGreaterThan, rete.Integer(18)),
			rete.Simple("id", rete.OpEqual, rete.Integer(42)),
		},
		Actions: []rete.Action{rete.Log("matched")},
		Enabled: true,
	}
	_, err := e.CompileRules([]*rete.Rule{rule}, "s1")
	require.NoError(t, err)

	report := e.OptimizationReport()
	require.Len(t, report.Records, 1)
	rec := report.Records[0]
	assert.Equal(t, rete.RuleID(1), rec.RuleID)
	assert.Equal(t, "age_then_id", rec.RuleName)
	assert.Equal(t, 2, rec.ConditionCount)
	assert.True(t, rec.Reordered, "the range comparison should have been moved behind the more selective equality")
	assert.Less(t, rec.SelectivityCostAfter, rec.SelectivityCostBefore)
	assert.Equal(t, 1, report.TotalReordered())
}

func TestEngineProcessReportsPerCycleTiming(t *testing.T) {
	e := newTestEngine(t)
	spawner := &rete.Rule{
		ID:         1,
		Name:       "spawn_child",
		Conditions: []*rete.Condition{rete.Simple("kind", rete.OpEqual, rete.String("parent"))},
		Actions:    []rete.Action{rete.CreateFact(map[string]rete.Value{"kind": rete.String("child")})},
		Enabled:    true,
	}
	consumer := &rete.Rule{
		ID:         2,
		Name:       "consume_child",
		Conditions: []*rete.Condition{rete.Simple("kind", rete.OpEqual, rete.String("child"))},
		Actions:    []rete.Action{rete.Log("consumed")},
		Enabled:    true,
	}
	_, err := e.CompileRules([]*rete.Rule{spawner, consumer}, "s1")
	require.NoError(t, err)

	parent := rete.NewFact(map[string]rete.Value{"kind": rete.String("parent")})
	result, err := e.Process(context.Background(), []*rete.Fact{parent}, time.Time{})
	require.NoError(t, err)

	require.Len(t, result.Cycles, 2, "the spawned child fact is only visible to a second cycle")
	assert.Equal(t, 1, result.Cycles[0].FactsIngested)
	assert.Equal(t, 1, result.Cycles[0].ActivationsFired)
	assert.Equal(t, 1, result.Cycles[1].FactsIngested)
	assert.Equal(t, 1, result.Cycles[1].ActivationsFired)
	for _, c := range result.Cycles {
		assert.GreaterOrEqual(t, c.Timing.Total(), time.Duration(0))
	}
}

// A rule whose CreateFact action retriggers its own condition must not
// loop forever: the fixed-point loop stops at MaxCycleIterations with
// the partial results it already produced.
func TestEngineProcessSelfTriggeringRuleHitsCycleBudget(t *testing.T) {
	cfg := rete.DefaultEngineConfig()
	cfg.AutoCleanup = false
	cfg.MaxCycleIterations = 5
	e, err := rete.NewEngine(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	rule := &rete.Rule{
		ID:         1,
		Name:       "perpetual",
		Conditions: []*rete.Condition{rete.Simple("kind", rete.OpEqual, rete.String("loop"))},
		Actions:    []rete.Action{rete.CreateFact(map[string]rete.Value{"kind": rete.String("loop")})},
		Enabled:    true,
	}
	_, err = e.CompileRules([]*rete.Rule{rule}, "s1")
	require.NoError(t, err)

	seed := rete.NewFact(map[string]rete.Value{"kind": rete.String("loop")})
	result, err := e.Process(context.Background(), []*rete.Fact{seed}, time.Time{})
	require.NoError(t, err)

	assert.True(t, result.CycleBudgetExceeded)
	assert.NotEmpty(t, result.RuleExecutionResults)
	assert.LessOrEqual(t, len(result.Cycles), 5)
}

// A rule whose only condition is an aggregation still activates: a fact
// carrying the source field seeds the token, and the HAVING gate
// decides from the group's windowed statistic.
func TestEngineProcessAggregationOnlyRuleFiresOnHaving(t *testing.T) {
	e := newTestEngine(t)
	having := rete.Simple("total", rete.OpGreaterThan, rete.Integer(100))
	rule := &rete.Rule{
		ID:   1,
		Name: "big_spenders",
		Conditions: []*rete.Condition{
			rete.Aggregation(rete.AggSum, "amount", []string{"account_type"},
				&rete.Window{Kind: rete.WindowSliding, Size: 2}, having, "total"),
		},
		Actions: []rete.Action{rete.Log("threshold crossed")},
		Enabled: true,
	}
	_, err := e.CompileRules([]*rete.Rule{rule}, "s1")
	require.NoError(t, err)

	first := rete.NewFact(map[string]rete.Value{"account_type": rete.String("savings"), "amount": rete.Integer(60)})
	below, err := e.Process(context.Background(), []*rete.Fact{first}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, below.RuleExecutionResults, "a windowed sum of 60 must not clear the HAVING threshold")

	second := rete.NewFact(map[string]rete.Value{"account_type": rete.String("savings"), "amount": rete.Integer(70)})
	above, err := e.Process(context.Background(), []*rete.Fact{second}, time.Time{})
	require.NoError(t, err)
	require.Len(t, above.RuleExecutionResults, 1, "60 + 70 inside the sliding window clears the threshold")
	assert.Equal(t, rete.RuleID(1), above.RuleExecutionResults[0].RuleID)
}

// Re-adding an identical rule must not duplicate network nodes or
// activations: one alpha node stays active and the rule still fires
// exactly once per matching fact.
func TestEngineCompileRulesIdempotentForIdenticalRule(t *testing.T) {
	e := newTestEngine(t)
	overtime := func() *rete.Rule {
		return &rete.Rule{
			ID:         1,
			Name:       "overtime",
			Conditions: []*rete.Condition{rete.Simple("hours_worked", rete.OpGreaterThan, rete.Integer(40))},
			Actions:    []rete.Action{rete.SetField("overtime", rete.Bool(true))},
			Enabled:    true,
		}
	}
	_, err := e.CompileRules([]*rete.Rule{overtime()}, "s1")
	require.NoError(t, err)
	_, err = e.CompileRules([]*rete.Rule{overtime()}, "s1")
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e.NetworkStats().AlphaNodesActive)

	worked := rete.NewFact(map[string]rete.Value{"hours_worked": rete.Integer(45)})
	rested := rete.NewFact(map[string]rete.Value{"hours_worked": rete.Integer(30)})
	result, err := e.Process(context.Background(), []*rete.Fact{worked, rested}, time.Time{})
	require.NoError(t, err)

	require.Len(t, result.RuleExecutionResults, 1, "a twice-added rule must still fire once")
	mod := result.RuleExecutionResults[0].ModifiedFact
	require.NotNil(t, mod)
	v, ok := mod.Field("overtime")
	require.True(t, ok)
	assert.Equal(t, rete.Bool(true), v)
}

// A premium account with a qualifying balance earns a 10% bonus: the
// two-condition rule matches the single fact and the Formula action
// derives the bonus field.
func TestEngineProcessTwoConditionJoinDerivesBonus(t *testing.T) {
	e := newTestEngine(t)
	expr, perr := rete.Parse("account_balance * 0.1")
	require.NoError(t, perr)

	rule := &rete.Rule{
		ID:   1,
		Name: "premium_bonus",
		Conditions: []*rete.Condition{
			rete.Simple("user_type", rete.OpEqual, rete.String("premium")),
			rete.Simple("account_balance", rete.OpGreaterThan, rete.Integer(500)),
		},
		Actions: []rete.Action{rete.Formula(expr, "bonus")},
		Enabled: true,
	}
	_, err := e.CompileRules([]*rete.Rule{rule}, "s1")
	require.NoError(t, err)

	fact := rete.NewFactWithID(10, map[string]rete.Value{
		"user_type":       rete.String("premium"),
		"account_balance": rete.Integer(1200),
	})
	result, err := e.Process(context.Background(), []*rete.Fact{fact}, time.Time{})
	require.NoError(t, err)

	require.Len(t, result.RuleExecutionResults, 1)
	require.Empty(t, result.RuleExecutionResults[0].Errors)
	mod := result.RuleExecutionResults[0].ModifiedFact
	require.NotNil(t, mod)
	bonus, ok := mod.Field("bonus")
	require.True(t, ok)
	got, _ := bonus.AsFloat()
	assert.Equal(t, 120.0, got)
}

// Once a batch exceeds FactBatchParallelThreshold, ingestion goes
// through the worker pool and the engine surfaces its counters.
func TestEngineProcessLargeBatchUsesWorkerPool(t *testing.T) {
	cfg := rete.DefaultEngineConfig()
	cfg.AutoCleanup = false
	cfg.FactBatchParallelThreshold = 2
	e, err := rete.NewEngine(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	rule := &rete.Rule{
		ID:         1,
		Name:       "hot_reading",
		Conditions: []*rete.Condition{rete.Simple("temp", rete.OpGreaterThan, rete.Integer(90))},
		Actions:    []rete.Action{rete.SetField("status", rete.String("hot"))},
		Enabled:    true,
	}
	_, err = e.CompileRules([]*rete.Rule{rule}, "s1")
	require.NoError(t, err)

	var facts []*rete.Fact
	for i := 0; i < 6; i++ {
		facts = append(facts, rete.NewFact(map[string]rete.Value{"temp": rete.Integer(int64(91 + i))}))
	}
	result, err := e.Process(context.Background(), facts, time.Time{})
	require.NoError(t, err)

	assert.Len(t, result.RuleExecutionResults, 6)
	stats := e.FactBatchStats()
	assert.Equal(t, int64(6), stats.FactsSubmitted,
		"every fact of an over-threshold batch goes through the ingestion pool")
	require.Eventually(t, func() bool {
		return e.FactBatchStats().FactsProcessed == 6
	}, time.Second, time.Millisecond)
}
