package rete

import "go.uber.org/zap"

// preferredJoinFields is the allow-list of field names the compiler
// scans for when deriving join predicates between sibling conditions.
var preferredJoinFields = []string{"entity_id", "id", "user_id", "customer_id"}

// CompileRule compiles rule into one or more alpha/beta chains sharing
// a single terminal node, registering the result with n's pattern
// cache. Complex{Or} conditions are expanded into
// separate AND-chains per the "compile each disjunct as a separate
// sub-rule sharing the same terminal"; Complex{Not} conditions compile
// to a Not-beta joined against everything already accumulated in
// their chain.
func (n *Network) CompileRule(rule *Rule, reorderThreshold float64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if plan, ok := n.cache.GetRulePattern(rule.Conditions); ok {
		n.applyPlan(plan, rule)
		return nil
	}

	flat := flattenAnd(rule.Conditions)
	chains := expandDisjunctions(flat)

	term := newTerminalNode(rule)
	n.addTerminalNode(term)

	var allJoins []JoinCondition
	nodeCount := 1 // terminal
	rec := OptimizationRecord{RuleID: rule.ID, RuleName: rule.Name}
	for _, chain := range chains {
		ordered := ReorderConditions(chain, reorderThreshold)
		rec.ConditionCount += len(chain)
		rec.SelectivityCostBefore += orderingCost(chain)
		rec.SelectivityCostAfter += orderingCost(ordered)
		if !sameOrder(chain, ordered) {
			rec.Reordered = true
		}
		// Aggregation/Stream conditions have no per-fact alpha match —
		// their HAVING predicate is a property of a whole group, not of
		// any single incoming fact (see passesAggregationGate) — so they
		// never join the alpha/beta cascade; a rule that pairs one with
		// an ordinary condition (e.g. "kind == customer AND COUNT(...)
		// HAVING n == 0") must still activate when the group is empty.
		matchable := excludeAggregation(ordered)
		if len(matchable) == 0 {
			// An aggregation-only chain still needs a coarse alpha so a
			// fact carrying the source field can seed an activation for
			// the HAVING gate to evaluate.
			matchable = ordered
		}
		head, joins := n.compileChain(matchable)
		if head == 0 {
			continue
		}
		n.link(head, term.ID)
		allJoins = append(allJoins, joins...)
		nodeCount += chainNodeCount(matchable)
	}
	n.optimization = append(n.optimization, rec)

	plan := CompilationPlan{
		JoinConditions: allJoins,
		EstimatedNodeCount: nodeCount,
	}
	n.cache.CacheRulePattern(rule.Conditions, plan)
	return nil
}

// OptimizationReport returns a copy of every from-scratch rule
// compilation's before/after selectivity-ordering record.
func (n *Network) OptimizationReport() OptimizationReport {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]OptimizationRecord, len(n.optimization))
	copy(out, n.optimization)
	return OptimizationReport{Records: out}
}

// applyPlan is invoked on a pattern-cache hit. Alpha nodes are already
// interned by signature and beta/terminal compilation is cheap and
// deterministic, so re-running compileChain naturally reuses the same
// alpha nodes and only (re)builds the rule-specific beta/terminal
// wiring.
func (n *Network) applyPlan(plan CompilationPlan, rule *Rule) {
	flat := flattenAnd(rule.Conditions)
	chains := expandDisjunctions(flat)
	term := newTerminalNode(rule)
	n.addTerminalNode(term)
	for _, chain := range chains {
		matchable := excludeAggregation(chain)
		if len(matchable) == 0 {
			matchable = chain
		}
		head, _ := n.compileChain(matchable)
		if head != 0 {
			n.link(head, term.ID)
		}
	}
}

// excludeAggregation drops top-level Aggregation/Stream conditions from
// a chain before it is compiled into alpha/beta nodes.
func excludeAggregation(conditions []*Condition) []*Condition {
	out := make([]*Condition, 0, len(conditions))
	for _, c := range conditions {
		if c.Kind == ConditionAggregation || c.Kind == ConditionStream {
			continue
		}
		out = append(out, c)
	}
	return out
}

func chainNodeCount(conditions []*Condition) int {
	if len(conditions) == 0 {
		return 0
	}
	return 2*len(conditions) - 1 // one node per condition + one beta per join
}

// flattenAnd recursively flattens nested Complex{And} conditions into
// a single list, since And(And(a,b),c) == And(a,b,c).
func flattenAnd(conditions []*Condition) []*Condition {
	var out []*Condition
	for _, c := range conditions {
		if c.Kind == ConditionComplex && c.Logical == LogicalAnd {
			out = append(out, flattenAnd(c.Conditions)...)
			continue
		}
		out = append(out, c)
	}
	return out
}

// expandDisjunctions distributes any top-level Complex{Or} condition
// into separate flat condition lists (standard DNF expansion),
// recursing until no Or remains in any branch.
func expandDisjunctions(conditions []*Condition) [][]*Condition {
	for i, c := range conditions {
		if c.Kind == ConditionComplex && c.Logical == LogicalOr {
			others := make([]*Condition, 0, len(conditions)-1)
			others = append(others, conditions[:i]...)
			others = append(others, conditions[i+1:]...)
			var out [][]*Condition
			for _, disjunct := range c.Conditions {
				branch := append(append([]*Condition(nil), others...), flattenAnd([]*Condition{disjunct})...)
				out = append(out, expandDisjunctions(branch)...)
			}
			return out
		}
	}
	return [][]*Condition{conditions}
}

// compileChain compiles a flat, Or-free condition list into a single
// AND cascade, returning the id of the final node in the chain (an
// alpha node if the chain has one condition, otherwise the last beta)
// and the join predicates used.
func (n *Network) compileChain(conditions []*Condition) (NodeID, []JoinCondition) {
	var accumNode NodeID
	var accumCond []*Condition
	var joins []JoinCondition

	for _, c := range conditions {
		if c.Kind == ConditionComplex && c.Logical == LogicalNot {
			child := c.Conditions[0]
			childNode := n.compileLeaf(child)
			if accumNode == 0 {
				// A bare Not with nothing accumulated yet has no left
				// context to test absence against; rule validation does
				// not reject it, so skip it here rather than building a
				// malformed beta.
				n.logger.Warn("leading Not condition has no left context, skipping")
				continue
			}
			jf := n.internJoinConditions(accumCond, []*Condition{child})
			b := newBetaNode(accumNode, childNode, jf, true)
			n.link(accumNode, b.ID)
			n.link(childNode, b.ID)
			n.addBetaNode(b)
			accumNode = b.ID
			accumCond = append(accumCond, c)
			joins = append(joins, jf...)
			continue
		}

		leaf := n.compileLeaf(c)
		if accumNode == 0 {
			accumNode = leaf
			accumCond = []*Condition{c}
			continue
		}
		jf := n.internJoinConditions(accumCond, []*Condition{c})
		if len(jf) == 0 {
			n.logger.Warn("no shared join field found, compiling a Cartesian-product beta",
				zap.String("left", describeConditions(accumCond)), zap.String("right", describeCondition(c)))
		}
		b := newBetaNode(accumNode, leaf, jf, false)
		n.link(accumNode, b.ID)
		n.link(leaf, b.ID)
		n.addBetaNode(b)
		accumNode = b.ID
		accumCond = append(accumCond, c)
		joins = append(joins, jf...)
	}
	return accumNode, joins
}

// compileLeaf compiles a single non-Not condition into a node id,
// interning an alpha node for Simple/Aggregation/Stream shapes.
func (n *Network) compileLeaf(c *Condition) NodeID {
	if plan, ok := n.cache.GetAlphaPattern(c); ok {
		if id, exists := n.alphaBySignature[plan.Signature]; exists {
			n.Stats.AlphaSharesFound++
			n.Stats.EstimatedBytesSaved += estimatedAlphaNodeBytes
			return id
		}
	}
	a := n.internAlphaNode(c)
	n.cache.CacheAlphaPattern(c, AlphaNodePlan{Condition: c, Signature: a.Signature, Shareable: c.Shareable()})
	return a.ID
}

// internJoinConditions derives the join predicates between two
// condition sets, consulting the pattern cache's join level so a
// recurring field set (e.g. entity_id = entity_id across many rules)
// resolves to the same deduplicated JoinCondition slice.
func (n *Network) internJoinConditions(left, right []*Condition) []JoinCondition {
	jf := sharedPreferredFields(left, right)
	if len(jf) == 0 {
		return jf
	}
	fields := joinLeftFields(jf)
	if cached, ok := n.cache.GetJoinPattern(fields); ok {
		return cached
	}
	n.cache.CacheJoinPattern(fields, jf)
	return jf
}

// sharedPreferredFields scans left and right condition sets for field
// names they both reference, restricted to preferredJoinFields, and
// builds an equality join predicate for each.
func sharedPreferredFields(left, right []*Condition) []JoinCondition {
	leftFields := collectFieldSet(left)
	rightFields := collectFieldSet(right)
	var joins []JoinCondition
	for _, pf := range preferredJoinFields {
		if leftFields[pf] && rightFields[pf] {
			joins = append(joins, JoinCondition{LeftField: pf, RightField: pf, Operator: OpEqual})
		}
	}
	return joins
}

func collectFieldSet(conditions []*Condition) map[string]bool {
	set := make(map[string]bool)
	for _, c := range conditions {
		collectFields(c, set)
	}
	return set
}

func collectFields(c *Condition, set map[string]bool) {
	if c == nil {
		return
	}
	switch c.Kind {
	case ConditionSimple:
		set[c.Field] = true
	case ConditionComplex:
		for _, child := range c.Conditions {
			collectFields(child, set)
		}
	case ConditionAggregation, ConditionStream:
		set[c.SourceField] = true
		for _, g := range c.GroupBy {
			set[g] = true
		}
	}
}
