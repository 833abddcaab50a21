// Package rete implements a RETE-algorithm production rules engine: a
// discrimination network over alpha/beta/terminal nodes, a content
// addressable fact store, a small calculator expression language, and
// the supporting conflict-resolution, pooling, and caching subsystems
// that keep matching incremental.
package rete

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Kind identifies which variant of the Value tagged union is populated.
type Kind int

const (
	KindNull Kind = iota
	KindInteger
	KindFloat
	KindBool
	KindString
	KindDate
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindDate:
		return "date"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// DefaultFloatEpsilon is the tolerance used for float equality and
// comparisons when a caller does not override it via EngineConfig.
const DefaultFloatEpsilon = 1e-9

// Value is the tagged-union type every Fact field, calculator literal,
// and calculator result is expressed in. The zero Value is Null.
type Value struct {
	kind Kind
	i    int64
	f    float64
	b    bool
	s    string
	t    time.Time
	arr  []Value
	obj  map[string]Value
}

// Null is the singular null value.
var Null = Value{kind: KindNull}

func Integer(v int64) Value  { return Value{kind: KindInteger, i: v} }
func Float(v float64) Value  { return Value{kind: KindFloat, f: v} }
func Bool(v bool) Value      { return Value{kind: KindBool, b: v} }
func String(v string) Value  { return Value{kind: KindString, s: v} }
func Date(v time.Time) Value { return Value{kind: KindDate, t: v.UTC()} }

func Array(vs ...Value) Value {
	cp := make([]Value, len(vs))
	copy(cp, vs)
	return Value{kind: KindArray, arr: cp}
}

func Object(fields map[string]Value) Value {
	cp := make(map[string]Value, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return Value{kind: KindObject, obj: cp}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsInteger() (int64, bool) {
	if v.kind != KindInteger {
		return 0, false
	}
	return v.i, true
}

func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInteger:
		return float64(v.i), true
	default:
		return 0, false
	}
}

func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

func (v Value) AsDate() (time.Time, bool) {
	if v.kind != KindDate {
		return time.Time{}, false
	}
	return v.t, true
}

func (v Value) AsArray() ([]Value, bool) {
	if v.kind != KindArray {
		return nil, false
	}
	return v.arr, true
}

func (v Value) AsObject() (map[string]Value, bool) {
	if v.kind != KindObject {
		return nil, false
	}
	return v.obj, true
}

// Truthy implements the DSL's notion of "falsy": Null and false are
// falsy, the empty string and zero are falsy, everything else is truthy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNull:
		return false
	case KindBool:
		return v.b
	case KindInteger:
		return v.i != 0
	case KindFloat:
		return v.f != 0
	case KindString:
		return v.s != ""
	case KindArray:
		return len(v.arr) != 0
	case KindObject:
		return len(v.obj) != 0
	default:
		return true
	}
}

// Equal reports structural equality. Integer/Float promote and compare
// within epsilon; Null equals only Null; any other cross-type comparison
// is unequal (never an error — equality is total).
func (v Value) Equal(other Value, epsilon float64) bool {
	if epsilon <= 0 {
		epsilon = DefaultFloatEpsilon
	}
	if v.kind == KindNull || other.kind == KindNull {
		return v.kind == KindNull && other.kind == KindNull
	}
	if isNumeric(v.kind) && isNumeric(other.kind) {
		a, _ := v.AsFloat()
		b, _ := other.AsFloat()
		return math.Abs(a-b) < epsilon
	}
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == other.b
	case KindString:
		return v.s == other.s
	case KindDate:
		return v.t.Equal(other.t)
	case KindArray:
		if len(v.arr) != len(other.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(other.arr[i], epsilon) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.obj) != len(other.obj) {
			return false
		}
		for k, vv := range v.obj {
			ov, ok := other.obj[k]
			if !ok || !vv.Equal(ov, epsilon) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func isNumeric(k Kind) bool { return k == KindInteger || k == KindFloat }

// Compare orders two values of a comparable shape. It returns ok=false
// for cross-type comparisons other than Integer/Float promotion.
func (v Value) Compare(other Value, epsilon float64) (result int, ok bool) {
	if epsilon <= 0 {
		epsilon = DefaultFloatEpsilon
	}
	if isNumeric(v.kind) && isNumeric(other.kind) {
		a, _ := v.AsFloat()
		b, _ := other.AsFloat()
		switch {
		case math.Abs(a-b) < epsilon:
			return 0, true
		case a < b:
			return -1, true
		default:
			return 1, true
		}
	}
	if v.kind != other.kind {
		return 0, false
	}
	switch v.kind {
	case KindString:
		return strings.Compare(v.s, other.s), true
	case KindDate:
		switch {
		case v.t.Equal(other.t):
			return 0, true
		case v.t.Before(other.t):
			return -1, true
		default:
			return 1, true
		}
	case KindBool:
		if v.b == other.b {
			return 0, true
		}
		if !v.b {
			return -1, true
		}
		return 1, true
	default:
		return 0, false
	}
}

// CanonicalKey renders a deterministic, type-discriminating string used
// as the index key inside fieldIndex and as the join key inside
// beta-node memories. It must not collide across kinds, so every
// branch is tag-prefixed.
func (v Value) CanonicalKey() string {
	var b strings.Builder
	v.writeCanonical(&b)
	return b.String()
}

func (v Value) writeCanonical(b *strings.Builder) {
	switch v.kind {
	case KindNull:
		b.WriteString("n:")
	case KindInteger:
		b.WriteString("i:")
		b.WriteString(strconv.FormatInt(v.i, 10))
	case KindFloat:
		b.WriteString("f:")
		b.WriteString(strconv.FormatFloat(v.f, 'g', -1, 64))
	case KindBool:
		b.WriteString("b:")
		b.WriteString(strconv.FormatBool(v.b))
	case KindString:
		b.WriteString("s:")
		b.WriteString(v.s)
	case KindDate:
		b.WriteString("d:")
		b.WriteString(v.t.Format(time.RFC3339Nano))
	case KindArray:
		b.WriteString("a:[")
		for i, e := range v.arr {
			if i > 0 {
				b.WriteByte(',')
			}
			e.writeCanonical(b)
		}
		b.WriteByte(']')
	case KindObject:
		b.WriteString("o:{")
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(k)
			b.WriteByte('=')
			v.obj[k].writeCanonical(b)
		}
		b.WriteByte('}')
	}
}

// Hash64 returns a stable-across-runs 64-bit hash of the value: the
// unseeded xxhash digest of its canonical key.
func (v Value) Hash64() uint64 {
	return xxhash.Sum64String(v.CanonicalKey())
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindString:
		return v.s
	case KindDate:
		return v.t.Format(time.RFC3339Nano)
	case KindArray:
		parts := make([]string, len(v.arr))
		for i, e := range v.arr {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindObject:
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s: %s", k, v.obj[k].String())
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return "<unknown>"
	}
}

// Clone returns a deep copy, never sharing mutable backing storage
// across callers.
func (v Value) Clone() Value {
	switch v.kind {
	case KindArray:
		cp := make([]Value, len(v.arr))
		for i, e := range v.arr {
			cp[i] = e.Clone()
		}
		return Value{kind: KindArray, arr: cp}
	case KindObject:
		cp := make(map[string]Value, len(v.obj))
		for k, e := range v.obj {
			cp[k] = e.Clone()
		}
		return Value{kind: KindObject, obj: cp}
	default:
		return v
	}
}
