package rete

import (
	"context"
	"fmt"
	"time"

	"github.com/gitrdm/rulecore/internal/parallel"
	"github.com/gitrdm/rulecore/internal/profiler"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CompileResult is compile_rules' reply shape.
type CompileResult struct {
	Success bool
	RulesCompiled int
	SessionID string
}

// ProcessResult is process's reply shape.
type ProcessResult struct {
	FactsProcessed int
	RuleExecutionResults []RuleExecutionResult
	DeadlineExceeded bool
	// CycleBudgetExceeded is set when the fixed-point loop hit
	// MaxCycleIterations before quiescing (a rule chain kept deriving
	// new facts); the results accumulated so far are still returned.
	CycleBudgetExceeded bool
	Cycles []CycleResult
}

// CycleTiming is a per-cycle breakdown of where Process spent its
// time: alpha matching and beta propagation are sampled from the
// network's cumulative counters, conflict resolution and action
// execution are timed directly around their call sites in Process.
type CycleTiming struct {
	AlphaMatching time.Duration
	BetaPropagation time.Duration
	ConflictResolution time.Duration
	ActionExecution time.Duration
}

// Total sums every phase's duration.
func (t CycleTiming) Total() time.Duration {
	return t.AlphaMatching + t.BetaPropagation + t.ConflictResolution + t.ActionExecution
}

// CycleResult is one iteration of Process's fixed-point loop: the
// facts it ingested, the activations it fired, and CycleResult.Timing,
// the timing breakdown for that iteration alone.
type CycleResult struct {
	FactsIngested int
	ActivationsFired int
	Timing CycleTiming
}

// StreamEventKind discriminates process_with_rules_stream's reply
// union.
type StreamEventKind int

const (
	EventRulesCompiled StreamEventKind = iota
	EventStatusUpdate
	EventFinalResult
)

// StreamEvent is one message of a process_with_rules_stream reply.
type StreamEvent struct {
	Kind StreamEventKind
	Compile *CompileResult
	Status string
	Final *ProcessResult
}

// Engine is the top-level entry point: it owns a FactStore, a compiled
// Network fed by a PatternCache, a ConflictResolver, the shared
// MemoryPools, an AggregationEngine, a UnifiedMemoryCoordinator, and a
// CalculatorRegistry, wiring them together behind the four call
// shapes: CompileRules, Process, ProcessWithRulesStream, and the
// engine-wide RegisterCalculator.
type Engine struct {
	cfg EngineConfig
	logger *zap.Logger

	store *FactStore
	cache *PatternCache
	network *Network
	resolver *ConflictResolver
	pools *MemoryPools
	aggregation *AggregationEngine
	coordinator *UnifiedMemoryCoordinator
	registry *CalculatorRegistry
	calc *Calculator
	profiler *profiler.Profiler

	batchPool *parallel.WorkerPool

	rules map[RuleID]*Rule
}

// NewEngine validates cfg and wires every collaborator together.
// Construction errors are fatal to the instance (`configuration`
// category).
func NewEngine(cfg EngineConfig, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxCycleIterations <= 0 {
		cfg.MaxCycleIterations = defaultMaxCycleIterations
	}

	calc := NewCalculator(cfg.FloatEpsilon)

	store, err := NewFactStore(StoreConfig{
		Strategy: cfg.StoreStrategy,
		IndexedFields: cfg.IndexedFields,
		CacheSize: cfg.FactCacheSize,
		BloomMaxElements: cfg.BloomMaxElements,
		BloomFalsePositive: cfg.BloomFalsePositive,
	}, logger)
	if err != nil {
		return nil, wrapError("CONFIG_STORE", CategoryConfiguration, SeverityError, "building fact store", err)
	}

	cache := NewPatternCache(cfg.MaxPatternCacheEntries)
	network := NewNetwork(cache, calc, logger, cfg.MaxCycleIterations)

	e := &Engine{
		cfg: cfg,
		logger: logger,
		store: store,
		cache: cache,
		network: network,
		pools: NewMemoryPools(cfg.MaxIdlePerPool),
		aggregation: NewAggregationEngine(store, calc, cfg.ParallelThreshold),
		registry: NewCalculatorRegistry(),
		calc: calc,
		profiler: profiler.New(),
		rules: make(map[RuleID]*Rule),
	}
	e.resolver = NewConflictResolver(ConflictResolverConfig{
		Primary: cfg.ConflictStrategy,
		TieBreaker: cfg.TieBreaker,
		MaxConflictSetSize: cfg.MaxConflictSetSize,
		RuleNameOf: e.ruleName,
	}, logger)

	if !cfg.PoolEnabled {
		e.pools.Tokens.Disable()
		e.pools.FactFields.Disable()
		e.pools.FactSlices.Disable()
		e.pools.ResultSlices.Disable()
		e.pools.FactIDSets.Disable()
	}

	coordCfg := CoordinatorConfig{
		MaxMemoryBytes: cfg.MaxMemoryBytes,
		PressureThreshold: cfg.PressureThreshold,
		CriticalThreshold: cfg.CriticalThreshold,
		CacheReductionFactor: 0.7,
		CriticalReductionFactor: 0.5,
		MonitorInterval: cfg.MonitorInterval,
	}
	e.coordinator = NewUnifiedMemoryCoordinator(coordCfg, e.sampleMemory, logger)
	e.coordinator.Register("memory_pools", e.pools)
	if cfg.AutoCleanup {
		e.coordinator.Start()
	}

	workers := cfg.FactBatchWorkers
	e.batchPool = parallel.NewWorkerPool(workers, logger)

	return e, nil
}

func (e *Engine) ruleName(id RuleID) string {
	if r, ok := e.rules[id]; ok {
		return r.Name
	}
	return ""
}

// sampleMemory is the UnifiedMemoryCoordinator's rssReader: it asks
// the fact store, pattern cache, and memory pools for their current
// self-reported footprint, records each with the profiler, and returns
// the aggregate estimate the coordinator classifies pressure against.
func (e *Engine) sampleMemory() uint64 {
	e.profiler.Record("fact_store", e.store.EstimatedBytes(), 0, 0)
	e.profiler.Record("pattern_cache", e.cache.EstimatedBytes(), 0, 0)
	e.profiler.Record("memory_pools", e.pools.MemoryUsageBytes(), 0, 0)
	return e.profiler.TotalBytes()
}

// MemoryProfile exposes the profiler's latest per-component snapshot
// (fact store, pattern cache, memory pools), refreshed on every
// UnifiedMemoryCoordinator sample.
func (e *Engine) MemoryProfile() []profiler.ComponentStats {
	return e.profiler.Snapshot()
}

// SampleMemoryPressure forces an immediate pressure sample and
// consumer notification, independent of MonitorInterval — useful when
// AutoCleanup is disabled, or a caller wants a fresh reading between
// ticks.
func (e *Engine) SampleMemoryPressure() PressureState {
	return e.coordinator.Sample()
}

// Close stops the engine's background collaborators (the memory
// coordinator's sampling goroutine and the fact-batch worker pool).
func (e *Engine) Close() {
	e.coordinator.Stop()
	e.batchPool.Shutdown()
}

// CompileRules compiles rules[] into the network, registering each
// under sessionID (a fresh one is generated when empty), implementing
// `compile_rules` call shape.
func (e *Engine) CompileRules(rules []*Rule, sessionID string) (CompileResult, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	reorderThreshold := e.cfg.ReorderThreshold
	if !e.cfg.OptimisationEnabled {
		reorderThreshold = 0
	}
	compiled := 0
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if err := e.validateRule(rule); err != nil {
			return CompileResult{SessionID: sessionID}, err
		}
		if prev, ok := e.rules[rule.ID]; ok &&
			SignatureFromConditions(prev.Conditions).Hash == SignatureFromConditions(rule.Conditions).Hash {
			// Re-registering an identical rule refreshes its metadata
			// (actions, priority) without growing the network or
			// duplicating its terminal.
			e.rules[rule.ID] = rule
			compiled++
			continue
		}
		if err := e.network.CompileRule(rule, reorderThreshold); err != nil {
			return CompileResult{SessionID: sessionID}, wrapError("RULE_COMPILE", CategoryRule, SeverityError,
				fmt.Sprintf("compiling rule %q", rule.Name), err)
		}
		e.rules[rule.ID] = rule
		compiled++
	}
	return CompileResult{Success: true, RulesCompiled: compiled, SessionID: sessionID}, nil
}

// validateRule rejects a malformed rule before it reaches the network:
// an unknown calculator name, a Formula action with no expression, or a
// degenerate Complex condition (no children, or a Not with other than
// exactly one child).
func (e *Engine) validateRule(rule *Rule) *EngineError {
	for _, a := range rule.Actions {
		switch a.Kind {
		case ActionCallCalculator:
			if _, ok := e.registry.Lookup(a.Calculator); !ok {
				return NewEngineError("RULE_UNKNOWN_CALCULATOR", CategoryRule, SeverityError,
					fmt.Sprintf("rule %q references unregistered calculator %q", rule.Name, a.Calculator))
			}
		case ActionFormula:
			if a.Expr == nil {
				return NewEngineError("RULE_NIL_FORMULA", CategoryRule, SeverityError,
					fmt.Sprintf("rule %q has a Formula action with no expression", rule.Name))
			}
		}
	}
	for _, c := range rule.Conditions {
		if err := validateCondition(rule.Name, c); err != nil {
			return err
		}
	}
	return nil
}

func validateCondition(ruleName string, c *Condition) *EngineError {
	if c == nil {
		return NewEngineError("COND_NIL", CategoryCondition, SeverityError,
			fmt.Sprintf("rule %q contains a nil condition", ruleName))
	}
	if c.Kind != ConditionComplex {
		return nil
	}
	if len(c.Conditions) == 0 {
		return NewEngineError("COND_EMPTY_COMPLEX", CategoryCondition, SeverityError,
			fmt.Sprintf("rule %q has a %s condition with no children", ruleName, c.Logical))
	}
	if c.Logical == LogicalNot && len(c.Conditions) != 1 {
		return NewEngineError("COND_NOT_ARITY", CategoryCondition, SeverityError,
			fmt.Sprintf("rule %q has a not condition with %d children, want 1", ruleName, len(c.Conditions)))
	}
	for _, child := range c.Conditions {
		if err := validateCondition(ruleName, child); err != nil {
			return err
		}
	}
	return nil
}

// Process runs facts[] through the compiled network to quiescence,
// firing every activation's actions in conflict-resolved order,
// looping across cycles so CreateFact-produced facts are only visible
// to the next cycle. deadline is checked at each outer loop iteration;
// on expiry Process returns the partial result with DeadlineExceeded
// set.
func (e *Engine) Process(ctx context.Context, facts []*Fact, deadline time.Time) (ProcessResult, error) {
	result := ProcessResult{}
	pending := facts
	// The first pending batch is the caller's slice; every later one is
	// pool-recycled once its cycle has consumed it.
	pendingPooled := false
	defer func() {
		if pendingPooled {
			e.pools.PutFactSlice(pending)
		}
	}()

	cycles := 0
	for len(pending) > 0 {
		cycles++
		if cycles > e.cfg.MaxCycleIterations {
			e.logger.Warn("cycle budget exceeded, returning partial results",
				zap.Int("max_iterations", e.cfg.MaxCycleIterations))
			result.CycleBudgetExceeded = true
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			result.DeadlineExceeded = true
			break
		}
		select {
		case <-ctx.Done():
			result.DeadlineExceeded = true
			return result, nil
		default:
		}

		now := time.Now().UTC()
		timingBefore := e.network.Timing
		activations := e.processFactBatch(ctx, pending, now)
		timingAfter := e.network.Timing
		result.FactsProcessed += len(pending)

		conflictStart := time.Now()
		gated := make([]Activation, 0, len(activations))
		for _, act := range activations {
			ok, err := e.passesAggregationGate(act, now)
			if err != nil {
				result.RuleExecutionResults = append(result.RuleExecutionResults, RuleExecutionResult{
					RuleID: act.RuleID, Activation: act, Errors: []*EngineError{err},
				})
				continue
			}
			if ok {
				gated = append(gated, act)
			}
		}

		ordered := e.resolver.Resolve(gated)
		conflictDuration := time.Since(conflictStart)

		actionStart := time.Now()
		nextBatch := e.pools.GetFactSlice()
		for _, act := range ordered {
			if !deadline.IsZero() && time.Now().After(deadline) {
				result.DeadlineExceeded = true
				break
			}
			if e.coordinator.State() == PressureCritical {
				result.RuleExecutionResults = append(result.RuleExecutionResults, RuleExecutionResult{
					RuleID: act.RuleID, Activation: act,
					Errors: []*EngineError{NewEngineError("MEMORY_CRITICAL", CategoryMemory, SeverityCritical,
						"coordinator reported critical pressure, cycle aborted")},
				})
				break
			}
			execResult, created := e.fire(act)
			result.RuleExecutionResults = append(result.RuleExecutionResults, execResult)
			nextBatch = append(nextBatch, created...)
		}
		actionDuration := time.Since(actionStart)

		result.Cycles = append(result.Cycles, CycleResult{
			FactsIngested: len(pending),
			ActivationsFired: len(ordered),
			Timing: CycleTiming{
				AlphaMatching: timingAfter.AlphaMatching - timingBefore.AlphaMatching,
				BetaPropagation: timingAfter.BetaPropagation - timingBefore.BetaPropagation,
				ConflictResolution: conflictDuration,
				ActionExecution: actionDuration,
			},
		})
		if pendingPooled {
			e.pools.PutFactSlice(pending)
		}
		pending = nextBatch
		pendingPooled = true
	}
	return result, nil
}

// processFactBatch inserts facts into the store and runs each through
// the network, parallelizing the per-fact work across the bounded
// worker pool once the batch exceeds FactBatchParallelThreshold.
func (e *Engine) processFactBatch(ctx context.Context, facts []*Fact, now time.Time) []Activation {
	if len(facts) <= e.cfg.FactBatchParallelThreshold {
		var out []Activation
		for _, f := range facts {
			e.store.Insert(f)
			out = append(out, e.network.ProcessFact(f, now)...)
		}
		return out
	}

	type partial struct {
		acts []Activation
	}
	results := make([]partial, len(facts))
	var wg int
	done := make(chan int, len(facts))
	for i, f := range facts {
		i, f := i, f
		wg++
		err := e.batchPool.Submit(ctx, func() {
			e.store.Insert(f)
			results[i] = partial{acts: e.network.ProcessFact(f, now)}
			done <- i
		})
		if err != nil {
			// Pool rejected the task (shutdown/cancelled context); fall
			// back to running it inline so no fact is silently dropped.
			e.store.Insert(f)
			results[i] = partial{acts: e.network.ProcessFact(f, now)}
			wg--
		}
	}
	for j := 0; j < wg; j++ {
		<-done
	}

	var out []Activation
	for _, r := range results {
		out = append(out, r.acts...)
	}
	return out
}

// passesAggregationGate evaluates HAVING for every Aggregation/Stream
// leaf condition of act's rule, since the alpha layer only performs a
// coarse shape match for those conditions (see alpha.go's AlphaNode.Test
// comment). Rules with no such condition always pass.
func (e *Engine) passesAggregationGate(act Activation, now time.Time) (bool, *EngineError) {
	rule, ok := e.rules[act.RuleID]
	if !ok {
		return true, nil
	}
	for _, cond := range flattenAnd(rule.Conditions) {
		if cond.Kind != ConditionAggregation && cond.Kind != ConditionStream {
			continue
		}
		trigger := e.triggerFactFor(act.Token, cond.GroupBy)
		if trigger == nil {
			continue
		}
		ok, err := e.aggregation.EvaluateHaving(cond, trigger, now)
		if err != nil {
			if ce, isCalc := err.(*CalcError); isCalc {
				return false, ce.AsEngineError("")
			}
			return false, NewEngineError("AGG_EVAL", CategoryCalculator, SeverityError, err.Error())
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// triggerFactFor returns the first fact in tok carrying every groupBy
// field, so its values identify the aggregation group to evaluate
// HAVING against. An empty groupBy (ungrouped aggregation) matches the
// token's first fact, since there is only one group.
func (e *Engine) triggerFactFor(tok Token, groupBy []string) *Fact {
	for _, id := range tok.FactIDs {
		f, ok := e.store.Get(id)
		if !ok {
			continue
		}
		hasAll := true
		for _, g := range groupBy {
			if _, has := f.Field(g); !has {
				hasAll = false
				break
			}
		}
		if hasAll {
			return f
		}
	}
	return nil
}

// fire executes act's rule's actions in order, returning the result
// plus any facts a CreateFact action produced (visible only to the
// next Process cycle, per the design's ordering guarantee).
func (e *Engine) fire(act Activation) (RuleExecutionResult, []*Fact) {
	rule, ok := e.rules[act.RuleID]
	if !ok {
		return RuleExecutionResult{RuleID: act.RuleID, Activation: act}, nil
	}
	result := RuleExecutionResult{RuleID: act.RuleID, Activation: act}
	var created []*Fact

	for _, action := range rule.Actions {
		switch action.Kind {
		case ActionSetField:
			e.applyFieldUpdate(act.Token, action.Field, action.Value, &result)
		case ActionIncrementField:
			e.applyIncrement(act.Token, action.Field, action.Value, &result)
		case ActionCreateFact:
			nf := NewFact(action.Fields)
			e.store.Insert(nf)
			result.CreatedFacts = append(result.CreatedFacts, nf)
			created = append(created, nf)
		case ActionDeleteFact:
			if len(act.Token.FactIDs) > 0 {
				if f, ok := e.store.Delete(act.Token.FactIDs[0]); ok {
					result.DeletedFact = f.ID
				}
			}
		case ActionLog:
			e.logger.Info("rule fired", zap.String("rule", rule.Name), zap.String("message", action.Message))
		case ActionFormula:
			e.applyFormula(act.Token, action, &result)
		case ActionCallCalculator:
			e.applyCallCalculator(act.Token, action, &result)
		}
	}
	return result, created
}

func (e *Engine) applyFieldUpdate(tok Token, field string, value Value, result *RuleExecutionResult) {
	if len(tok.FactIDs) == 0 {
		return
	}
	f, ok := e.store.Get(tok.FactIDs[0])
	if !ok {
		return
	}
	nf := f.WithField(field, value)
	e.store.Insert(nf)
	result.ModifiedFact = nf
}

func (e *Engine) applyIncrement(tok Token, field string, delta Value, result *RuleExecutionResult) {
	if len(tok.FactIDs) == 0 {
		return
	}
	f, ok := e.store.Get(tok.FactIDs[0])
	if !ok {
		return
	}
	current, _ := f.Field(field)
	sum, cerr := e.calc.arith(current, delta,
		func(a, b int64) int64 { return a + b },
		func(a, b float64) float64 { return a + b },
		stringConcat)
	if cerr != nil {
		result.Errors = append(result.Errors, cerr.AsEngineError(""))
		return
	}
	nf := f.WithField(field, sum)
	e.store.Insert(nf)
	result.ModifiedFact = nf
}

func (e *Engine) applyFormula(tok Token, action Action, result *RuleExecutionResult) {
	ctx := NewEvalContext(tok.Fields, nil)
	value, cerr := e.calc.Eval(action.Expr, ctx)
	if cerr != nil {
		result.Errors = append(result.Errors, cerr.AsEngineError(""))
		return
	}
	if len(tok.FactIDs) == 0 {
		return
	}
	f, ok := e.store.Get(tok.FactIDs[0])
	if !ok {
		return
	}
	nf := f.WithField(action.Output, value)
	e.store.Insert(nf)
	result.ModifiedFact = nf
}

func (e *Engine) applyCallCalculator(tok Token, action Action, result *RuleExecutionResult) {
	expr, ok := e.registry.Lookup(action.Calculator)
	if !ok {
		result.Errors = append(result.Errors, NewEngineError("CALC_NOT_FOUND", CategoryCalculator, SeverityError,
			fmt.Sprintf("calculator %q is not registered", action.Calculator)))
		return
	}
	fields := e.pools.GetFactFields()
	defer e.pools.PutFactFields(fields)
	for param, sourceField := range action.InputMapping {
		if v, ok := tok.Fields[sourceField]; ok {
			fields[param] = v
		}
	}
	ctx := NewEvalContext(fields, nil)
	value, cerr := e.calc.Eval(expr, ctx)
	if cerr != nil {
		result.Errors = append(result.Errors, cerr.AsEngineError(""))
		return
	}
	if len(tok.FactIDs) == 0 {
		return
	}
	f, ok := e.store.Get(tok.FactIDs[0])
	if !ok {
		return
	}
	nf := f.WithField(action.Output, value)
	e.store.Insert(nf)
	result.ModifiedFact = nf
}

// RegisterCalculator compiles and registers a named formula so
// ActionCallCalculator actions can invoke it.
func (e *Engine) RegisterCalculator(name, src string) error {
	return e.registry.Register(name, src)
}

// Store exposes the engine's FactStore for callers that need direct
// query access outside the Process cycle.
func (e *Engine) Store() *FactStore { return e.store }

// NetworkStats exposes node-sharing and propagation statistics.
func (e *Engine) NetworkStats() NetworkStats { return e.network.Stats }

// PatternCacheStats exposes cache hit/miss statistics.
func (e *Engine) PatternCacheStats() PatternCacheStats { return e.cache.Stats }

// AggregationStats exposes the aggregation engine's short-circuit and
// scan counters.
func (e *Engine) AggregationStats() AggregationStats { return e.aggregation.Stats }

// FactBatchStats exposes the ingestion worker pool's counters: facts
// submitted/processed, queue and worker peaks, scaling events, and
// stall warnings.
func (e *Engine) FactBatchStats() parallel.IngestStats { return e.batchPool.Stats() }

// OptimizationReport exposes the rule optimiser's before/after
// selectivity-ordering stats per compiled rule.
func (e *Engine) OptimizationReport() OptimizationReport { return e.network.OptimizationReport() }

// ProcessWithRulesStream compiles rules[], then processes facts[],
// emitting a RulesCompiled event, zero or more StatusUpdate events, and
// a single terminal FinalResult event onto events. events is closed
// before returning.
func (e *Engine) ProcessWithRulesStream(ctx context.Context, rules []*Rule, facts []*Fact, requestID string, events chan<- StreamEvent) error {
	defer close(events)

	compileResult, err := e.CompileRules(rules, requestID)
	if err != nil {
		return err
	}
	events <- StreamEvent{Kind: EventRulesCompiled, Compile: &compileResult}
	events <- StreamEvent{Kind: EventStatusUpdate, Status: fmt.Sprintf("compiled %d rules, processing %d facts", compileResult.RulesCompiled, len(facts))}

	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	result, err := e.Process(ctx, facts, deadline)
	if err != nil {
		return err
	}
	events <- StreamEvent{Kind: EventFinalResult, Final: &result}
	return nil
}
