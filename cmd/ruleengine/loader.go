package main

import (
	"fmt"
	"os"
	"time"

	"github.com/gitrdm/rulecore/pkg/rete"
	"gopkg.in/yaml.v3"
)

// ruleDoc is the top-level shape of a rules YAML file.
type ruleDoc struct {
	Rules []ruleYAML `yaml:"rules"`
}

type ruleYAML struct {
	ID uint64 `yaml:"id"`
	Name string `yaml:"name"`
	Priority int32 `yaml:"priority"`
	Salience int32 `yaml:"salience"`
	Tags []string `yaml:"tags"`
	Enabled *bool `yaml:"enabled"`
	When []condYAML `yaml:"when"`
	Then []actionYAML `yaml:"then"`
}

// condYAML is a recursive condition node; exactly one of its
// discriminating fields should be populated, mirroring rete.Condition's
// tagged-union shape.
type condYAML struct {
	Field string `yaml:"field"`
	Op string `yaml:"op"`
	Value interface{} `yaml:"value"`

	All []condYAML `yaml:"all"`
	Any []condYAML `yaml:"any"`
	Not *condYAML `yaml:"not"`

	Aggregate *aggYAML `yaml:"aggregate"`
	Stream *aggYAML `yaml:"stream"`
}

type aggYAML struct {
	Kind string `yaml:"kind"`
	Source string `yaml:"source_field"`
	GroupBy []string `yaml:"group_by"`
	Window *windowYAML `yaml:"window"`
	Having *condYAML `yaml:"having"`
	Alias string `yaml:"alias"`
}

type windowYAML struct {
	Kind string `yaml:"kind"`
	Duration string `yaml:"duration"`
	Size int `yaml:"size"`
	Percentile float64 `yaml:"percentile"`
}

type actionYAML struct {
	SetField *fieldValueYAML `yaml:"set_field"`
	IncrementField *fieldValueYAML `yaml:"increment_field"`
	CreateFact map[string]interface{} `yaml:"create_fact"`
	DeleteFact bool `yaml:"delete_fact"`
	Log string `yaml:"log"`
	Formula *formulaYAML `yaml:"formula"`
	CallCalculator *callCalcYAML `yaml:"call_calculator"`
}

type fieldValueYAML struct {
	Field string `yaml:"field"`
	Value interface{} `yaml:"value"`
}

type formulaYAML struct {
	Expr string `yaml:"expr"`
	Output string `yaml:"output"`
}

type callCalcYAML struct {
	Name string `yaml:"name"`
	Inputs map[string]string `yaml:"inputs"`
	Output string `yaml:"output"`
}

// factDoc is the top-level shape of a facts YAML file.
type factDoc struct {
	Facts []factYAML `yaml:"facts"`
}

type factYAML struct {
	ExternalID string `yaml:"external_id"`
	Data map[string]interface{} `yaml:"data"`
}

// LoadRules reads path and compiles each entry into a *rete.Rule.
func LoadRules(path string) ([]*rete.Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	var doc ruleDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing rules file: %w", err)
	}
	rules := make([]*rete.Rule, 0, len(doc.Rules))
	for _, ry := range doc.Rules {
		r, err := buildRule(ry)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", ry.Name, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// LoadFacts reads path and builds one *rete.Fact per entry.
func LoadFacts(path string) ([]*rete.Fact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading facts file: %w", err)
	}
	var doc factDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing facts file: %w", err)
	}
	facts := make([]*rete.Fact, 0, len(doc.Facts))
	for i, fy := range doc.Facts {
		fields := make(map[string]rete.Value, len(fy.Data))
		for k, raw := range fy.Data {
			v, err := toValue(raw)
			if err != nil {
				return nil, fmt.Errorf("fact[%d] field %q: %w", i, k, err)
			}
			fields[k] = v
		}
		f := rete.NewFact(fields)
		if fy.ExternalID != "" {
			f.ExternalID = fy.ExternalID
		}
		facts = append(facts, f)
	}
	return facts, nil
}

func buildRule(ry ruleYAML) (*rete.Rule, error) {
	conds := make([]*rete.Condition, 0, len(ry.When))
	for _, cy := range ry.When {
		c, err := buildCondition(cy)
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}
	actions := make([]rete.Action, 0, len(ry.Then))
	for _, ay := range ry.Then {
		a, err := buildAction(ay)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	enabled := true
	if ry.Enabled != nil {
		enabled = *ry.Enabled
	}
	return &rete.Rule{
		ID: rete.RuleID(ry.ID),
		Name: ry.Name,
		Conditions: conds,
		Actions: actions,
		Priority: ry.Priority,
		Salience: ry.Salience,
		Tags: ry.Tags,
		Enabled: enabled,
	}, nil
}

func buildCondition(cy condYAML) (*rete.Condition, error) {
	switch {
	case len(cy.All) > 0:
		children, err := buildConditions(cy.All)
		if err != nil {
			return nil, err
		}
		return rete.Complex(rete.LogicalAnd, children...), nil
	case len(cy.Any) > 0:
		children, err := buildConditions(cy.Any)
		if err != nil {
			return nil, err
		}
		return rete.Complex(rete.LogicalOr, children...), nil
	case cy.Not != nil:
		child, err := buildCondition(*cy.Not)
		if err != nil {
			return nil, err
		}
		return rete.Complex(rete.LogicalNot, child), nil
	case cy.Aggregate != nil:
		return buildAggregation(cy.Aggregate, false)
	case cy.Stream != nil:
		return buildAggregation(cy.Stream, true)
	default:
		op, err := toOperator(cy.Op)
		if err != nil {
			return nil, err
		}
		val, err := toValue(cy.Value)
		if err != nil {
			return nil, err
		}
		return rete.Simple(cy.Field, op, val), nil
	}
}

func buildConditions(cys []condYAML) ([]*rete.Condition, error) {
	out := make([]*rete.Condition, 0, len(cys))
	for _, cy := range cys {
		c, err := buildCondition(cy)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func buildAggregation(ay *aggYAML, stream bool) (*rete.Condition, error) {
	kind, err := toAggKind(ay.Kind)
	if err != nil {
		return nil, err
	}
	var window *rete.Window
	if ay.Window != nil {
		window, err = toWindow(ay.Window)
		if err != nil {
			return nil, err
		}
	}
	var having *rete.Condition
	if ay.Having != nil {
		having, err = buildCondition(*ay.Having)
		if err != nil {
			return nil, err
		}
	}
	if stream {
		return rete.Stream(kind, ay.Source, ay.GroupBy, window, having, ay.Alias), nil
	}
	return rete.Aggregation(kind, ay.Source, ay.GroupBy, window, having, ay.Alias), nil
}

func buildAction(ay actionYAML) (rete.Action, error) {
	switch {
	case ay.SetField != nil:
		v, err := toValue(ay.SetField.Value)
		if err != nil {
			return rete.Action{}, err
		}
		return rete.SetField(ay.SetField.Field, v), nil
	case ay.IncrementField != nil:
		v, err := toValue(ay.IncrementField.Value)
		if err != nil {
			return rete.Action{}, err
		}
		return rete.IncrementField(ay.IncrementField.Field, v), nil
	case ay.CreateFact != nil:
		fields := make(map[string]rete.Value, len(ay.CreateFact))
		for k, raw := range ay.CreateFact {
			v, err := toValue(raw)
			if err != nil {
				return rete.Action{}, err
			}
			fields[k] = v
		}
		return rete.CreateFact(fields), nil
	case ay.DeleteFact:
		return rete.DeleteFact(), nil
	case ay.Log != "":
		return rete.Log(ay.Log), nil
	case ay.Formula != nil:
		expr, err := rete.Parse(ay.Formula.Expr)
		if err != nil {
			return rete.Action{}, fmt.Errorf("parsing formula %q: %w", ay.Formula.Expr, err)
		}
		return rete.Formula(expr, ay.Formula.Output), nil
	case ay.CallCalculator != nil:
		return rete.CallCalculator(ay.CallCalculator.Name, ay.CallCalculator.Inputs, ay.CallCalculator.Output), nil
	default:
		return rete.Action{}, fmt.Errorf("action has no recognized kind")
	}
}

func toValue(raw interface{}) (rete.Value, error) {
	switch v := raw.(type) {
	case nil:
		return rete.Null, nil
	case bool:
		return rete.Bool(v), nil
	case int:
		return rete.Integer(int64(v)), nil
	case int64:
		return rete.Integer(v), nil
	case float64:
		return rete.Float(v), nil
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return rete.Date(t), nil
		}
		return rete.String(v), nil
	case []interface{}:
		items := make([]rete.Value, 0, len(v))
		for _, raw := range v {
			item, err := toValue(raw)
			if err != nil {
				return rete.Value{}, err
			}
			items = append(items, item)
		}
		return rete.Array(items...), nil
	case map[string]interface{}:
		fields := make(map[string]rete.Value, len(v))
		for k, raw := range v {
			item, err := toValue(raw)
			if err != nil {
				return rete.Value{}, err
			}
			fields[k] = item
		}
		return rete.Object(fields), nil
	default:
		return rete.Value{}, fmt.Errorf("unsupported YAML value type %T", raw)
	}
}

func toOperator(op string) (rete.Operator, error) {
	switch op {
	case "eq", "=", "":
		return rete.OpEqual, nil
	case "neq", "!=":
		return rete.OpNotEqual, nil
	case "lt", "<":
		return rete.OpLessThan, nil
	case "lte", "<=":
		return rete.OpLessOrEqual, nil
	case "gt", ">":
		return rete.OpGreaterThan, nil
	case "gte", ">=":
		return rete.OpGreaterOrEqual, nil
	case "contains":
		return rete.OpContains, nil
	case "starts_with":
		return rete.OpStartsWith, nil
	case "ends_with":
		return rete.OpEndsWith, nil
	default:
		return 0, fmt.Errorf("unknown operator %q", op)
	}
}

func toAggKind(kind string) (rete.AggregationKind, error) {
	switch kind {
	case "sum":
		return rete.AggSum, nil
	case "avg":
		return rete.AggAvg, nil
	case "min":
		return rete.AggMin, nil
	case "max":
		return rete.AggMax, nil
	case "count":
		return rete.AggCount, nil
	case "stddev":
		return rete.AggStdDev, nil
	case "percentile":
		return rete.AggPercentile, nil
	default:
		return 0, fmt.Errorf("unknown aggregation kind %q", kind)
	}
}

func toWindow(wy *windowYAML) (*rete.Window, error) {
	var kind rete.WindowKind
	switch wy.Kind {
	case "time":
		kind = rete.WindowTime
	case "sliding":
		kind = rete.WindowSliding
	case "tumbling":
		kind = rete.WindowTumbling
	case "session":
		kind = rete.WindowSession
	default:
		return nil, fmt.Errorf("unknown window kind %q", wy.Kind)
	}
	var duration time.Duration
	if wy.Duration != "" {
		d, err := time.ParseDuration(wy.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing window duration %q: %w", wy.Duration, err)
		}
		duration = d
	}
	return &rete.Window{Kind: kind, Duration: duration, Size: wy.Size, Percentile: wy.Percentile}, nil
}
