// What: eval.go evaluates scalar Expr nodes against a single Row using
// three-valued logic (true/false/unknown, the latter represented by a null
// Value), an expression evaluator shaped like exec.go's row loop but
// trimmed to this dialect's four scalar types and operator set.
package sql

import (
	"math"
	"strings"

	"github.com/quoradb/quoradb/internal/errs"
)

// Binding resolves a qualified or unqualified column reference to a value
// within the row currently being evaluated. The planner builds one per
// relational operator output.
type Binding interface {
	Resolve(qualifier, name string) (Value, error)
}

type rowBinding struct {
	schema Schema
	row    Row
}

func NewRowBinding(schema Schema, row Row) Binding {
	return &rowBinding{schema: schema, row: row}
}

func (b *rowBinding) Resolve(qualifier, name string) (Value, error) {
	if qualifier != "" {
		full := qualifier + "." + name
		if idx := b.schema.IndexOf(full); idx >= 0 {
			return b.row[idx], nil
		}
		return Value{}, errs.New(errs.Plan, "unknown column %q", full)
	}
	if idx := b.schema.IndexOf(name); idx >= 0 {
		return b.row[idx], nil
	}
	found := -1
	for i, c := range b.schema {
		if strings.HasSuffix(c.Name, "."+name) {
			if found >= 0 {
				return Value{}, errs.New(errs.Plan, "ambiguous column reference %q", name)
			}
			found = i
		}
	}
	if found >= 0 {
		return b.row[found], nil
	}
	return Value{}, errs.New(errs.Plan, "unknown column %q", name)
}

// Eval evaluates e against binding, implementing SQL three-valued logic for
// comparisons and boolean connectives.
func Eval(e Expr, b Binding) (Value, error) {
	switch n := e.(type) {
	case *LiteralExpr:
		return n.Value, nil
	case *ColumnExpr:
		return b.Resolve(n.Qualifier, n.Name)
	case *UnaryExpr:
		return evalUnary(n, b)
	case *BinaryExpr:
		return evalBinary(n, b)
	case *IsNullExpr:
		v, err := Eval(n.X, b)
		if err != nil {
			return Value{}, err
		}
		result := v.IsNull()
		if n.Not {
			result = !result
		}
		return BoolValue(result), nil
	case *InExpr:
		return evalIn(n, b)
	case *FuncCallExpr:
		return Value{}, errs.New(errs.Plan, "aggregate function %s used outside of aggregation context", n.Name)
	default:
		return Value{}, errs.New(errs.Internal, "unhandled expression node %T", e)
	}
}

func evalUnary(n *UnaryExpr, b Binding) (Value, error) {
	v, err := Eval(n.X, b)
	if err != nil {
		return Value{}, err
	}
	switch n.Op {
	case "NOT":
		if v.IsNull() {
			return NullValue(), nil
		}
		return BoolValue(!v.Bool), nil
	case "-":
		if v.IsNull() {
			return NullValue(), nil
		}
		if v.Kind == KindFloat {
			return FloatValue(-v.Float), nil
		}
		return IntValue(-v.Int), nil
	case "+":
		return v, nil
	default:
		return Value{}, errs.New(errs.Internal, "unknown unary operator %q", n.Op)
	}
}

func evalBinary(n *BinaryExpr, b Binding) (Value, error) {
	switch n.Op {
	case "AND":
		return evalAnd(n, b)
	case "OR":
		return evalOr(n, b)
	}
	left, err := Eval(n.Left, b)
	if err != nil {
		return Value{}, err
	}
	right, err := Eval(n.Right, b)
	if err != nil {
		return Value{}, err
	}
	switch n.Op {
	case "+", "-", "*", "/", "%", "^":
		return evalArith(n.Op, left, right)
	case "=", "!=", "<", "<=", ">", ">=":
		return evalCompare(n.Op, left, right)
	case "LIKE":
		return evalLike(left, right)
	default:
		return Value{}, errs.New(errs.Internal, "unknown binary operator %q", n.Op)
	}
}

// evalAnd/evalOr implement the standard SQL truth tables where NULL behaves
// as "unknown": false AND unknown = false; true OR unknown = true.
func evalAnd(n *BinaryExpr, b Binding) (Value, error) {
	left, err := Eval(n.Left, b)
	if err != nil {
		return Value{}, err
	}
	if !left.IsNull() && !left.Bool {
		return BoolValue(false), nil
	}
	right, err := Eval(n.Right, b)
	if err != nil {
		return Value{}, err
	}
	if !right.IsNull() && !right.Bool {
		return BoolValue(false), nil
	}
	if left.IsNull() || right.IsNull() {
		return NullValue(), nil
	}
	return BoolValue(true), nil
}

func evalOr(n *BinaryExpr, b Binding) (Value, error) {
	left, err := Eval(n.Left, b)
	if err != nil {
		return Value{}, err
	}
	if !left.IsNull() && left.Bool {
		return BoolValue(true), nil
	}
	right, err := Eval(n.Right, b)
	if err != nil {
		return Value{}, err
	}
	if !right.IsNull() && right.Bool {
		return BoolValue(true), nil
	}
	if left.IsNull() || right.IsNull() {
		return NullValue(), nil
	}
	return BoolValue(false), nil
}

func evalArith(op string, left, right Value) (Value, error) {
	if left.IsNull() || right.IsNull() {
		return NullValue(), nil
	}
	useFloat := left.Kind == KindFloat || right.Kind == KindFloat || op == "^"
	if useFloat {
		a, b := left.AsFloat(), right.AsFloat()
		switch op {
		case "+":
			return FloatValue(a + b), nil
		case "-":
			return FloatValue(a - b), nil
		case "*":
			return FloatValue(a * b), nil
		case "/":
			if b == 0 {
				return Value{}, errs.New(errs.Value, "division by zero")
			}
			return FloatValue(a / b), nil
		case "%":
			if b == 0 {
				return Value{}, errs.New(errs.Value, "division by zero")
			}
			return FloatValue(floatMod(a, b)), nil
		case "^":
			return FloatValue(floatPow(a, b)), nil
		}
	}
	a, c := left.Int, right.Int
	switch op {
	case "+":
		return IntValue(a + c), nil
	case "-":
		return IntValue(a - c), nil
	case "*":
		return IntValue(a * c), nil
	case "/":
		if c == 0 {
			return Value{}, errs.New(errs.Value, "division by zero")
		}
		return IntValue(a / c), nil
	case "%":
		if c == 0 {
			return Value{}, errs.New(errs.Value, "division by zero")
		}
		return IntValue(a % c), nil
	}
	return Value{}, errs.New(errs.Internal, "unreachable arithmetic operator %q", op)
}

func floatMod(a, b float64) float64 {
	for a >= b {
		a -= b
	}
	return a
}

func floatPow(a, b float64) float64 {
	if b == 0 {
		return 1
	}
	result := 1.0
	neg := b < 0
	n := int(b)
	for i := 0; i < n || (neg && i < -n); i++ {
		result *= a
	}
	if neg {
		return 1 / result
	}
	return result
}

func evalCompare(op string, left, right Value) (Value, error) {
	if left.IsNull() || right.IsNull() {
		return NullValue(), nil
	}
	cmp, err := compareValues(left, right)
	if err != nil {
		return Value{}, err
	}
	switch op {
	case "=":
		return BoolValue(cmp == 0), nil
	case "!=":
		return BoolValue(cmp != 0), nil
	case "<":
		return BoolValue(cmp < 0), nil
	case "<=":
		return BoolValue(cmp <= 0), nil
	case ">":
		return BoolValue(cmp > 0), nil
	case ">=":
		return BoolValue(cmp >= 0), nil
	default:
		return Value{}, errs.New(errs.Internal, "unknown comparison operator %q", op)
	}
}

func compareValues(left, right Value) (int, error) {
	if left.Kind == KindString && right.Kind == KindString {
		return strings.Compare(left.Str, right.Str), nil
	}
	if left.Kind == KindBoolean && right.Kind == KindBoolean {
		if left.Bool == right.Bool {
			return 0, nil
		}
		if !left.Bool {
			return -1, nil
		}
		return 1, nil
	}
	if isNumeric(left.Kind) && isNumeric(right.Kind) {
		a, b := left.AsFloat(), right.AsFloat()
		// NaN is canonicalized the same way keyenc orders it: every NaN
		// compares equal to every other NaN and sorts after +Inf, rather
		// than falling through Go's default both-false "<"/">" behavior
		// (which would make NaN compare equal to everything).
		aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
		switch {
		case aNaN && bNaN:
			return 0, nil
		case aNaN:
			return 1, nil
		case bNaN:
			return -1, nil
		case a < b:
			return -1, nil
		case a > b:
			return 1, nil
		default:
			return 0, nil
		}
	}
	return 0, errs.New(errs.Value, "cannot compare %s with %s", left.Kind, right.Kind)
}

func isNumeric(k Kind) bool { return k == KindInteger || k == KindFloat }

// evalLike implements SQL LIKE with % (any run) and _ (single char)
// wildcards; there is no escape character in this dialect.
func evalLike(left, right Value) (Value, error) {
	if left.IsNull() || right.IsNull() {
		return NullValue(), nil
	}
	if left.Kind != KindString || right.Kind != KindString {
		return Value{}, errs.New(errs.Value, "LIKE requires string operands")
	}
	return BoolValue(likeMatch(left.Str, right.Str)), nil
}

func likeMatch(s, pattern string) bool {
	return likeMatchRunes([]rune(s), []rune(pattern))
}

func likeMatchRunes(s, p []rune) bool {
	if len(p) == 0 {
		return len(s) == 0
	}
	switch p[0] {
	case '%':
		for i := 0; i <= len(s); i++ {
			if likeMatchRunes(s[i:], p[1:]) {
				return true
			}
		}
		return false
	case '_':
		if len(s) == 0 {
			return false
		}
		return likeMatchRunes(s[1:], p[1:])
	default:
		if len(s) == 0 || s[0] != p[0] {
			return false
		}
		return likeMatchRunes(s[1:], p[1:])
	}
}

func evalIn(n *InExpr, b Binding) (Value, error) {
	x, err := Eval(n.X, b)
	if err != nil {
		return Value{}, err
	}
	if x.IsNull() {
		return NullValue(), nil
	}
	sawNull := false
	for _, item := range n.List {
		v, err := Eval(item, b)
		if err != nil {
			return Value{}, err
		}
		if v.IsNull() {
			sawNull = true
			continue
		}
		cmp, err := compareValues(x, v)
		if err != nil {
			return Value{}, err
		}
		if cmp == 0 {
			result := true
			if n.Not {
				result = false
			}
			return BoolValue(result), nil
		}
	}
	if sawNull {
		return NullValue(), nil
	}
	result := false
	if n.Not {
		result = true
	}
	return BoolValue(result), nil
}

// Truth treats a possibly-null boolean Value per SQL WHERE semantics: only
// a definite true keeps a row.
func Truth(v Value) bool {
	return !v.IsNull() && v.Bool
}
