package rete

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// EvalContext supplies variable lookup for an Expr evaluation: a
// current fact's fields take precedence over engine-wide globals, and
// an unresolved name is reported as ErrUnknownVariable.
type EvalContext struct {
	Fields map[string]Value
	Globals map[string]Value
}

// NewEvalContext builds an evaluation context from a fact's own field
// map plus a shared globals table (may be nil).
func NewEvalContext(fields map[string]Value, globals map[string]Value) *EvalContext {
	return &EvalContext{Fields: fields, Globals: globals}
}

func (c *EvalContext) lookup(name string) (Value, bool) {
	if c.Fields != nil {
		if v, ok := c.Fields[name]; ok {
			return v, true
		}
	}
	if c.Globals != nil {
		if v, ok := c.Globals[name]; ok {
			return v, true
		}
	}
	return Null, false
}

// Calculator evaluates compiled Expr trees against an EvalContext.
// Evaluation never panics: every failure mode is reported as a
// *CalcError alongside a Null Value, so a single bad formula cannot
// unwind a processing cycle.
type Calculator struct {
	epsilon float64
}

// NewCalculator builds a Calculator using epsilon for float comparisons
// inside case/if conditions (EngineConfig.FloatEpsilon).
func NewCalculator(epsilon float64) *Calculator {
	if epsilon <= 0 {
		epsilon = DefaultFloatEpsilon
	}
	return &Calculator{epsilon: epsilon}
}

// Eval evaluates expr against ctx.
func (c *Calculator) Eval(expr *Expr, ctx *EvalContext) (Value, *CalcError) {
	if expr == nil {
		return Null, newCalcError(ErrTypeMismatch, "nil expression")
	}
	switch expr.Kind {
	case ExprLiteral:
		return expr.Literal, nil

	case ExprVar:
		v, ok := ctx.lookup(expr.Name)
		if !ok {
			return Null, newCalcError(ErrUnknownVariable, "unknown variable %q", expr.Name)
		}
		return v, nil

	case ExprFieldAccess:
		target, cerr := c.Eval(expr.Target, ctx)
		if cerr != nil {
			return Null, cerr
		}
		obj, ok := target.AsObject()
		if !ok {
			return Null, newCalcError(ErrTypeMismatch, "field access %q on non-object value", expr.Name)
		}
		v, ok := obj[expr.Name]
		if !ok {
			return Null, newCalcError(ErrUnknownVariable, "object has no field %q", expr.Name)
		}
		return v, nil

	case ExprIndex:
		return c.evalIndex(expr, ctx)

	case ExprUnary:
		return c.evalUnary(expr, ctx)

	case ExprBinary:
		return c.evalBinary(expr, ctx)

	case ExprIf:
		cond, cerr := c.Eval(expr.Cond, ctx)
		if cerr != nil {
			return Null, cerr
		}
		if cond.Truthy() {
			return c.Eval(expr.Then, ctx)
		}
		return c.Eval(expr.Else, ctx)

	case ExprCase:
		for _, arm := range expr.Arms {
			v, cerr := c.Eval(arm.Cond, ctx)
			if cerr != nil {
				return Null, cerr
			}
			if v.Truthy() {
				return c.Eval(arm.Body, ctx)
			}
		}
		if expr.DefaultArm != nil {
			return c.Eval(expr.DefaultArm, ctx)
		}
		return Null, newCalcError(ErrNoMatchingCase, "no case arm matched and no else clause given")

	case ExprObject:
		obj := make(map[string]Value, len(expr.Fields))
		for k, fe := range expr.Fields {
			v, cerr := c.Eval(fe, ctx)
			if cerr != nil {
				return Null, cerr
			}
			obj[k] = v
		}
		return Object(obj), nil

	case ExprArray:
		arr := make([]Value, len(expr.Elements))
		for i, el := range expr.Elements {
			v, cerr := c.Eval(el, ctx)
			if cerr != nil {
				return Null, cerr
			}
			arr[i] = v
		}
		return Array(arr...), nil

	case ExprCall:
		return c.evalCall(expr, ctx)

	default:
		return Null, newCalcError(ErrTypeMismatch, "unhandled expression kind")
	}
}

func (c *Calculator) evalIndex(expr *Expr, ctx *EvalContext) (Value, *CalcError) {
	target, cerr := c.Eval(expr.Target, ctx)
	if cerr != nil {
		return Null, cerr
	}
	idx, cerr := c.Eval(expr.Index, ctx)
	if cerr != nil {
		return Null, cerr
	}
	arr, ok := target.AsArray()
	if !ok {
		return Null, newCalcError(ErrTypeMismatch, "index applied to non-array value")
	}
	i, ok := idx.AsInteger()
	if !ok {
		return Null, newCalcError(ErrTypeMismatch, "array index must be an integer")
	}
	// Negative indices count from the end.
	if i < 0 {
		i = int64(len(arr)) + i
	}
	if i < 0 || i >= int64(len(arr)) {
		return Null, newCalcError(ErrIndexOutOfRange, "index %d out of range for array of length %d", i, len(arr))
	}
	return arr[i], nil
}

func (c *Calculator) evalUnary(expr *Expr, ctx *EvalContext) (Value, *CalcError) {
	v, cerr := c.Eval(expr.Operand, ctx)
	if cerr != nil {
		return Null, cerr
	}
	switch expr.UnOp {
	case UnNeg:
		if i, ok := v.AsInteger(); ok {
			return Integer(-i), nil
		}
		if f, ok := v.AsFloat(); ok {
			return Float(-f), nil
		}
		return Null, newCalcError(ErrTypeMismatch, "unary - requires a numeric operand")
	case UnNot:
		return Bool(!v.Truthy()), nil
	default:
		return Null, newCalcError(ErrTypeMismatch, "unknown unary operator")
	}
}

func (c *Calculator) evalBinary(expr *Expr, ctx *EvalContext) (Value, *CalcError) {
	left, cerr := c.Eval(expr.Left, ctx)
	if cerr != nil {
		return Null, cerr
	}

	// Short-circuit boolean operators evaluate Right lazily.
	switch expr.BinOp {
	case BinAnd:
		if !left.Truthy() {
			return Bool(false), nil
		}
		right, cerr := c.Eval(expr.Right, ctx)
		if cerr != nil {
			return Null, cerr
		}
		return Bool(right.Truthy()), nil
	case BinOr:
		// On an array left-hand side, || concatenates instead of
		// short-circuiting.
		if arr, ok := left.AsArray(); ok {
			right, cerr := c.Eval(expr.Right, ctx)
			if cerr != nil {
				return Null, cerr
			}
			rarr, rok := right.AsArray()
			if !rok {
				return Null, newCalcError(ErrTypeMismatch, "|| on an array requires an array right-hand side")
			}
			combined := make([]Value, 0, len(arr)+len(rarr))
			combined = append(combined, arr...)
			combined = append(combined, rarr...)
			return Array(combined...), nil
		}
		if left.Truthy() {
			return Bool(true), nil
		}
		right, cerr := c.Eval(expr.Right, ctx)
		if cerr != nil {
			return Null, cerr
		}
		return Bool(right.Truthy()), nil
	}

	right, cerr := c.Eval(expr.Right, ctx)
	if cerr != nil {
		return Null, cerr
	}

	switch expr.BinOp {
	case BinAdd:
		return c.arith(left, right, func(a, b int64) int64 { return a + b }, func(a, b float64) float64 { return a + b }, stringConcat)
	case BinSub:
		return c.arith(left, right, func(a, b int64) int64 { return a - b }, func(a, b float64) float64 { return a - b }, nil)
	case BinMul:
		return c.arith(left, right, func(a, b int64) int64 { return a * b }, func(a, b float64) float64 { return a * b }, nil)
	case BinDiv:
		return c.divide(left, right)
	case BinMod:
		return c.modulo(left, right)
	case BinPow:
		lf, rf, ok := bothFloat(left, right)
		if !ok {
			return Null, newCalcError(ErrTypeMismatch, "^ requires numeric operands")
		}
		return Float(math.Pow(lf, rf)), nil
	case BinEq:
		return Bool(left.Equal(right, c.epsilon)), nil
	case BinNeq:
		return Bool(!left.Equal(right, c.epsilon)), nil
	case BinLt, BinLe, BinGt, BinGe:
		return c.compare(expr.BinOp, left, right)
	case BinContains:
		return c.contains(left, right)
	case BinStartsWith:
		ls, lok := left.AsString()
		rs, rok := right.AsString()
		if !lok || !rok {
			return Null, newCalcError(ErrTypeMismatch, "startswith requires string operands")
		}
		return Bool(strings.HasPrefix(ls, rs)), nil
	case BinEndsWith:
		ls, lok := left.AsString()
		rs, rok := right.AsString()
		if !lok || !rok {
			return Null, newCalcError(ErrTypeMismatch, "endswith requires string operands")
		}
		return Bool(strings.HasSuffix(ls, rs)), nil
	case BinIn:
		arr, ok := right.AsArray()
		if !ok {
			return Null, newCalcError(ErrTypeMismatch, "in requires an array right-hand side")
		}
		for _, el := range arr {
			if left.Equal(el, c.epsilon) {
				return Bool(true), nil
			}
		}
		return Bool(false), nil
	case BinPush:
		arr, ok := left.AsArray()
		if !ok {
			return Null, newCalcError(ErrTypeMismatch, "push requires an array left-hand side")
		}
		out := make([]Value, 0, len(arr)+1)
		out = append(out, arr...)
		out = append(out, right)
		return Array(out...), nil
	default:
		return Null, newCalcError(ErrTypeMismatch, "unknown binary operator")
	}
}

func stringConcat(a, b Value) (Value, bool) {
	as, aok := a.AsString()
	bs, bok := b.AsString()
	if !aok || !bok {
		return Null, false
	}
	return String(as + bs), true
}

func bothFloat(a, b Value) (float64, float64, bool) {
	af, aok := a.AsFloat()
	bf, bok := b.AsFloat()
	return af, bf, aok && bok
}

func (c *Calculator) arith(a, b Value, iop func(a, b int64) int64, fop func(a, b float64) float64, strop func(a, b Value) (Value, bool)) (Value, *CalcError) {
	if ai, aok := a.AsInteger(); aok {
		if bi, bok := b.AsInteger(); bok {
			return Integer(iop(ai, bi)), nil
		}
	}
	if af, bf, ok := bothFloat(a, b); ok {
		return Float(fop(af, bf)), nil
	}
	if strop != nil {
		if v, ok := strop(a, b); ok {
			return v, nil
		}
	}
	return Null, newCalcError(ErrTypeMismatch, "arithmetic operator requires numeric (or string, for +) operands")
}

func (c *Calculator) divide(a, b Value) (Value, *CalcError) {
	if ai, aok := a.AsInteger(); aok {
		if bi, bok := b.AsInteger(); bok {
			if bi == 0 {
				return Null, newCalcError(ErrDivisionByZero, "integer division by zero")
			}
			// Truncates toward zero, like Go's integer division.
			return Integer(ai / bi), nil
		}
	}
	af, bf, ok := bothFloat(a, b)
	if !ok {
		return Null, newCalcError(ErrTypeMismatch, "/ requires numeric operands")
	}
	if bf == 0 {
		return Null, newCalcError(ErrDivisionByZero, "division by zero")
	}
	return Float(af / bf), nil
}

func (c *Calculator) modulo(a, b Value) (Value, *CalcError) {
	ai, aok := a.AsInteger()
	bi, bok := b.AsInteger()
	if !aok || !bok {
		return Null, newCalcError(ErrTypeMismatch, "%% requires integer operands")
	}
	if bi == 0 {
		return Null, newCalcError(ErrDivisionByZero, "modulo by zero")
	}
	return Integer(ai % bi), nil
}

func (c *Calculator) compare(op BinOp, a, b Value) (Value, *CalcError) {
	result, ok := a.Compare(b, c.epsilon)
	if !ok {
		return Null, newCalcError(ErrTypeMismatch, "values are not comparable")
	}
	switch op {
	case BinLt:
		return Bool(result < 0), nil
	case BinLe:
		return Bool(result <= 0), nil
	case BinGt:
		return Bool(result > 0), nil
	case BinGe:
		return Bool(result >= 0), nil
	}
	return Null, newCalcError(ErrTypeMismatch, "unreachable comparison operator")
}

func (c *Calculator) contains(a, b Value) (Value, *CalcError) {
	if as, ok := a.AsString(); ok {
		if bs, ok := b.AsString(); ok {
			return Bool(strings.Contains(as, bs)), nil
		}
	}
	if arr, ok := a.AsArray(); ok {
		for _, el := range arr {
			if el.Equal(b, c.epsilon) {
				return Bool(true), nil
			}
		}
		return Bool(false), nil
	}
	return Null, newCalcError(ErrTypeMismatch, "contains requires a string or array left-hand side")
}

func (c *Calculator) evalCall(expr *Expr, ctx *EvalContext) (Value, *CalcError) {
	args := make([]Value, len(expr.Args))
	for i, a := range expr.Args {
		v, cerr := c.Eval(a, ctx)
		if cerr != nil {
			return Null, cerr
		}
		args[i] = v
	}
	switch expr.Func {
	case "abs":
		if len(args) != 1 {
			return Null, newCalcError(ErrTypeMismatch, "abs takes exactly 1 argument")
		}
		if i, ok := args[0].AsInteger(); ok {
			if i < 0 {
				i = -i
			}
			return Integer(i), nil
		}
		if f, ok := args[0].AsFloat(); ok {
			return Float(math.Abs(f)), nil
		}
		return Null, newCalcError(ErrTypeMismatch, "abs requires a numeric argument")
	case "min", "max":
		return c.minMax(expr.Func, args)
	case "round":
		if len(args) != 1 {
			return Null, newCalcError(ErrTypeMismatch, "round takes exactly 1 argument")
		}
		f, ok := args[0].AsFloat()
		if !ok {
			return Null, newCalcError(ErrTypeMismatch, "round requires a numeric argument")
		}
		return Integer(int64(math.Round(f))), nil
	case "len":
		if len(args) != 1 {
			return Null, newCalcError(ErrTypeMismatch, "len takes exactly 1 argument")
		}
		if s, ok := args[0].AsString(); ok {
			return Integer(int64(len(s))), nil
		}
		if arr, ok := args[0].AsArray(); ok {
			return Integer(int64(len(arr))), nil
		}
		if obj, ok := args[0].AsObject(); ok {
			return Integer(int64(len(obj))), nil
		}
		return Null, newCalcError(ErrTypeMismatch, "len requires a string, array, or object argument")
	case "upper":
		s, ok := requireString(args, 0)
		if !ok {
			return Null, newCalcError(ErrTypeMismatch, "upper requires a string argument")
		}
		return String(strings.ToUpper(s)), nil
	case "lower":
		s, ok := requireString(args, 0)
		if !ok {
			return Null, newCalcError(ErrTypeMismatch, "lower requires a string argument")
		}
		return String(strings.ToLower(s)), nil
	case "concat":
		var sb strings.Builder
		for _, a := range args {
			s, ok := a.AsString()
			if !ok {
				return Null, newCalcError(ErrTypeMismatch, "concat requires string arguments")
			}
			sb.WriteString(s)
		}
		return String(sb.String()), nil
	case "date":
		if len(args) != 1 {
			return Null, newCalcError(ErrTypeMismatch, "date takes exactly 1 argument")
		}
		s, ok := args[0].AsString()
		if !ok {
			return Null, newCalcError(ErrTypeMismatch, "date requires a string argument")
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			t, err = time.Parse("2006-01-02", s)
		}
		if err != nil {
			return Null, newCalcError(ErrInvalidDate, "cannot parse date %q: %v", s, err)
		}
		return Date(t), nil
	default:
		return Null, newCalcError(ErrUnknownFunction, "unknown function %q", expr.Func)
	}
}

func requireString(args []Value, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	return args[i].AsString()
}

// CalculatorRegistry holds named, reusable formulas that
// ActionCallCalculator actions invoke by name.
type CalculatorRegistry struct {
	formulas map[string]*Expr
}

// NewCalculatorRegistry returns an empty registry.
func NewCalculatorRegistry() *CalculatorRegistry {
	return &CalculatorRegistry{formulas: make(map[string]*Expr)}
}

// Register compiles and stores src under name, replacing any prior
// definition.
func (r *CalculatorRegistry) Register(name, src string) error {
	expr, err := Parse(src)
	if err != nil {
		return fmt.Errorf("registering calculator %q: %w", name, err)
	}
	r.formulas[name] = expr
	return nil
}

// RegisterExpr stores a pre-built expression tree under name.
func (r *CalculatorRegistry) RegisterExpr(name string, expr *Expr) {
	r.formulas[name] = expr
}

// Lookup returns the compiled formula registered under name.
func (r *CalculatorRegistry) Lookup(name string) (*Expr, bool) {
	e, ok := r.formulas[name]
	return e, ok
}

func (c *Calculator) minMax(fn string, args []Value) (Value, *CalcError) {
	if len(args) == 0 {
		return Null, newCalcError(ErrTypeMismatch, "%s requires at least 1 argument", fn)
	}
	best := args[0]
	for _, a := range args[1:] {
		result, ok := best.Compare(a, c.epsilon)
		if !ok {
			return Null, newCalcError(ErrTypeMismatch, "%s requires comparable arguments", fn)
		}
		if (fn == "min" && result > 0) || (fn == "max" && result < 0) {
			best = a
		}
	}
	return best, nil
}
