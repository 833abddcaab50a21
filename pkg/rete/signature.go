package rete

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// PatternSignature identifies a cacheable compiled pattern: a
// deterministic 64-bit hash of the pattern's structure plus a
// human-readable description for diagnostics. The hash is built on a
// seeded xxhash digest so it is stable across runs and processes.
type PatternSignature struct {
	Hash        uint64
	Description string
}

// JoinCondition names one equality join key a beta node tests between
// its left and right token fields.
type JoinCondition struct {
	LeftField  string
	RightField string
	Operator   Operator
}

func newSigWriter() *xxhash.Digest {
	// Non-zero seed: distinguishes this cache's hash space from any
	// other xxhash consumer in the process (e.g. Value.Hash64).
	d := xxhash.New()
	_, _ = d.WriteString("rete-pattern-signature-v1")
	return d
}

// SignatureFromConditions builds a signature for a rule's full
// top-level condition list.
func SignatureFromConditions(conditions []*Condition) PatternSignature {
	h := newSigWriter()
	for _, c := range conditions {
		hashCondition(c, h)
	}
	return PatternSignature{Hash: h.Sum64(), Description: describeConditions(conditions)}
}

// SignatureFromCondition builds a signature for a single condition,
// used to key the alpha-node plan cache.
func SignatureFromCondition(c *Condition) PatternSignature {
	h := newSigWriter()
	hashCondition(c, h)
	return PatternSignature{Hash: h.Sum64(), Description: describeCondition(c)}
}

// SignatureFromJoinFields builds a signature for a sorted field-name
// set, used to key the join-condition cache: node sharing keys off the
// sorted join-field set, not insertion order.
func SignatureFromJoinFields(fields []string) PatternSignature {
	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)
	h := newSigWriter()
	for _, f := range sorted {
		_, _ = h.WriteString(f)
	}
	return PatternSignature{Hash: h.Sum64(), Description: fmt.Sprintf("Fields[%s]", strings.Join(sorted, ","))}
}

func hashCondition(c *Condition, h *xxhash.Digest) {
	if c == nil {
		_, _ = h.WriteString("nil")
		return
	}
	switch c.Kind {
	case ConditionSimple:
		_, _ = h.WriteString("Simple")
		_, _ = h.WriteString(c.Field)
		_, _ = h.WriteString(c.Operator.String())
		_, _ = h.WriteString(c.Value.CanonicalKey())
	case ConditionComplex:
		_, _ = h.WriteString("Complex")
		_, _ = h.WriteString(c.Logical.String())
		for _, child := range c.Conditions {
			hashCondition(child, h)
		}
	case ConditionAggregation:
		_, _ = h.WriteString("Aggregation")
		hashAggregationShape(c, h)
	case ConditionStream:
		_, _ = h.WriteString("Stream")
		hashAggregationShape(c, h)
	}
}

func hashAggregationShape(c *Condition, h *xxhash.Digest) {
	_, _ = fmt.Fprintf(h, "%d:%s:%v", c.AggKind, c.SourceField, c.GroupBy)
	if c.Window != nil {
		_, _ = fmt.Fprintf(h, ":%d:%s:%d:%g", c.Window.Kind, c.Window.Duration, c.Window.Size, c.Window.Percentile)
	}
	if c.Having != nil {
		hashCondition(c.Having, h)
	}
}

func describeConditions(conditions []*Condition) string {
	parts := make([]string, len(conditions))
	for i, c := range conditions {
		parts[i] = describeCondition(c)
	}
	return fmt.Sprintf("Pattern[%s]", strings.Join(parts, ","))
}

func describeCondition(c *Condition) string {
	if c == nil {
		return "nil"
	}
	switch c.Kind {
	case ConditionSimple:
		return fmt.Sprintf("%s:%s", c.Field, c.Operator)
	case ConditionComplex:
		return fmt.Sprintf("%s(%d)", c.Logical, len(c.Conditions))
	case ConditionAggregation:
		return "Agg"
	case ConditionStream:
		return "Stream"
	default:
		return "?"
	}
}
