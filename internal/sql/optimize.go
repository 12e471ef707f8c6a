// What: optimize.go rewrites a logical Plan through five ordered passes,
// each a pure tree-to-tree transform, chaining independent rewrite rules
// over the same plan shape rather than one monolithic pass.
package sql

import (
	"context"
	"strings"
)

// Optimize runs the fixed pass pipeline: constant folding, filter
// pushdown, index-lookup substitution, no-op cleanup, and join-strategy
// selection. Each pass is independently idempotent; running the pipeline
// twice is a no-op.
func Optimize(ctx context.Context, st Storage, plan Plan) Plan {
	plan = foldConstants(plan)
	plan = pushDownFilters(plan)
	plan = substituteIndexLookups(ctx, st, plan)
	plan = removeNoops(plan)
	plan = chooseJoinStrategy(plan)
	return plan
}

// ---- Pass 1: constant folding ----
//
// Collapses literal-only subexpressions (e.g. "1 + 1", "TRUE AND TRUE") at
// plan time so Filter/Projection evaluate them once instead of per row.

func foldConstants(plan Plan) Plan {
	return mapPlan(plan, func(p Plan) Plan {
		switch n := p.(type) {
		case *FilterPlan:
			n.Cond = foldExpr(n.Cond)
		case *ProjectionPlan:
			for i := range n.Items {
				n.Items[i].Expr = foldExpr(n.Items[i].Expr)
			}
		case *JoinPlan:
			if n.On != nil {
				n.On = foldExpr(n.On)
			}
		}
		return p
	})
}

func foldExpr(e Expr) Expr {
	switch n := e.(type) {
	case *UnaryExpr:
		n.X = foldExpr(n.X)
		if lit, ok := n.X.(*LiteralExpr); ok {
			if v, err := evalUnary(n, constBinding{}); err == nil {
				_ = lit
				return &LiteralExpr{Value: v}
			}
		}
		return n
	case *BinaryExpr:
		n.Left = foldExpr(n.Left)
		n.Right = foldExpr(n.Right)
		_, leftLit := n.Left.(*LiteralExpr)
		_, rightLit := n.Right.(*LiteralExpr)
		if leftLit && rightLit {
			if v, err := evalBinary(n, constBinding{}); err == nil {
				return &LiteralExpr{Value: v}
			}
		}
		return n
	default:
		return e
	}
}

// constBinding satisfies Binding for expressions known to contain no
// column references, used only by the constant-folding pass.
type constBinding struct{}

func (constBinding) Resolve(qualifier, name string) (Value, error) {
	return Value{}, errNotConstant
}

var errNotConstant = &foldError{}

type foldError struct{}

func (*foldError) Error() string { return "not a constant expression" }

// ---- Pass 2: filter pushdown ----
//
// Splits a Filter's predicate into its top-level AND conjuncts (OR and NOT
// are not rewritten into conjunctive-normal form) and, when its input is a
// join, pushes each conjunct down to whichever side's schema covers it,
// through nested joins, so join-local predicates run before rows cross the
// join.

func pushDownFilters(plan Plan) Plan {
	return mapPlan(plan, func(p Plan) Plan {
		f, ok := p.(*FilterPlan)
		if !ok {
			return p
		}
		join, ok := f.Input.(*JoinPlan)
		if !ok {
			return p
		}
		conjuncts := splitConjuncts(f.Cond)
		var remaining []Expr
		for _, c := range conjuncts {
			cols := collectColumns(c)
			switch {
			case allColumnsIn(cols, join.Left.Schema()):
				join.Left = pushDownFilters(&FilterPlan{Input: join.Left, Cond: c})
			case allColumnsIn(cols, join.Right.Schema()):
				join.Right = pushDownFilters(&FilterPlan{Input: join.Right, Cond: c})
			default:
				remaining = append(remaining, c)
			}
		}
		if len(remaining) == 0 {
			return join
		}
		return &FilterPlan{Input: join, Cond: joinConjuncts(remaining)}
	})
}

func splitConjuncts(e Expr) []Expr {
	if b, ok := e.(*BinaryExpr); ok && b.Op == "AND" {
		return append(splitConjuncts(b.Left), splitConjuncts(b.Right)...)
	}
	return []Expr{e}
}

func joinConjuncts(es []Expr) Expr {
	result := es[0]
	for _, e := range es[1:] {
		result = &BinaryExpr{Op: "AND", Left: result, Right: e}
	}
	return result
}

func collectColumns(e Expr) []string {
	var out []string
	var walk func(Expr)
	walk = func(e Expr) {
		switch n := e.(type) {
		case *ColumnExpr:
			full := n.Name
			if n.Qualifier != "" {
				full = n.Qualifier + "." + n.Name
			}
			out = append(out, full)
		case *UnaryExpr:
			walk(n.X)
		case *BinaryExpr:
			walk(n.Left)
			walk(n.Right)
		case *IsNullExpr:
			walk(n.X)
		case *InExpr:
			walk(n.X)
			for _, item := range n.List {
				walk(item)
			}
		case *FuncCallExpr:
			for _, a := range n.Args {
				walk(a)
			}
		}
	}
	walk(e)
	return out
}

func allColumnsIn(cols []string, schema Schema) bool {
	for _, c := range cols {
		found := false
		for _, sc := range schema {
			if sc.Name == c {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ---- Pass 3: index-lookup substitution ----
//
// Replaces Scan+Filter with IndexLookup when the filter is an equality
// predicate on a column the catalog has an index over.

func substituteIndexLookups(ctx context.Context, st Storage, plan Plan) Plan {
	return mapPlan(plan, func(p Plan) Plan {
		f, ok := p.(*FilterPlan)
		if !ok {
			return p
		}
		scan, ok := f.Input.(*ScanPlan)
		if !ok {
			return p
		}
		def, found, err := st.TableDef(ctx, scan.Table)
		if err != nil || !found {
			return p
		}
		for _, c := range splitConjuncts(f.Cond) {
			bin, ok := c.(*BinaryExpr)
			if !ok || bin.Op != "=" {
				continue
			}
			col, lit, ok := asColumnLiteral(bin, scan.Alias)
			if !ok {
				continue
			}
			if idx := findIndex(def, col); idx != "" {
				return &IndexLookupPlan{Table: scan.Table, Index: idx, Key: lit, Sch: scan.Sch}
			}
		}
		return p
	})
}

func asColumnLiteral(b *BinaryExpr, alias string) (string, Expr, bool) {
	if col, ok := b.Left.(*ColumnExpr); ok {
		if _, ok := b.Right.(*LiteralExpr); ok && (col.Qualifier == "" || col.Qualifier == alias) {
			return col.Name, b.Right, true
		}
	}
	if col, ok := b.Right.(*ColumnExpr); ok {
		if _, ok := b.Left.(*LiteralExpr); ok && (col.Qualifier == "" || col.Qualifier == alias) {
			return col.Name, b.Left, true
		}
	}
	return "", nil, false
}

func findIndex(def TableDef, column string) string {
	if len(def.PrimaryKey) == 1 && def.PrimaryKey[0] == column {
		return "PRIMARY"
	}
	for _, idx := range def.Indexes {
		if len(idx.Columns) == 1 && idx.Columns[0] == column {
			return idx.Name
		}
	}
	for _, u := range def.Unique {
		if len(u) == 1 && u[0] == column {
			return "UNIQUE:" + column
		}
	}
	return ""
}

// ---- Pass 4: no-op cleanup ----
//
// Drops Filter nodes whose condition folded to the literal TRUE, and Offset
// nodes with a zero offset. Limit and Projection nodes are left in place.

func removeNoops(plan Plan) Plan {
	return mapPlan(plan, func(p Plan) Plan {
		switch n := p.(type) {
		case *FilterPlan:
			if lit, ok := n.Cond.(*LiteralExpr); ok && lit.Value.Kind == KindBoolean && lit.Value.Valid && lit.Value.Bool {
				return n.Input
			}
			return n
		case *OffsetPlan:
			if n.Offset == 0 {
				return n.Input
			}
			return n
		default:
			return n
		}
	})
}

// ---- Pass 5: join strategy ----
//
// Converts an equi-join's NestedLoop default to Hash. exec.go's runJoin
// only takes the hash path if equiJoinPairs can also decompose the
// condition into column-pairs one-per-side; isEqui is a coarse screen
// here, equiJoinPairs is the executor's authoritative check.

func chooseJoinStrategy(plan Plan) Plan {
	return mapPlan(plan, func(p Plan) Plan {
		join, ok := p.(*JoinPlan)
		if !ok || join.On == nil {
			return p
		}
		if isEqui(join.On) {
			join.Algorithm = JoinHash
		}
		return join
	})
}

func isEqui(e Expr) bool {
	b, ok := e.(*BinaryExpr)
	if !ok {
		return false
	}
	if b.Op == "AND" {
		return isEqui(b.Left) && isEqui(b.Right)
	}
	if b.Op != "=" {
		return false
	}
	_, lcol := b.Left.(*ColumnExpr)
	_, rcol := b.Right.(*ColumnExpr)
	return lcol && rcol
}

// equiPair is one column=column conjunct of a join condition, resolved to
// positional indexes against the join's two input schemas.
type equiPair struct {
	leftIdx, rightIdx int
}

// equiJoinPairs flattens a top-level AND of column=column equalities into
// index pairs against leftSch/rightSch, requiring every conjunct to
// reference exactly one column from each side. Returns ok=false if e
// doesn't decompose this way, e.g. it mixes in a non-equality predicate or
// compares two columns from the same side.
func equiJoinPairs(e Expr, leftSch, rightSch Schema) ([]equiPair, bool) {
	b, ok := e.(*BinaryExpr)
	if !ok {
		return nil, false
	}
	if b.Op == "AND" {
		lp, ok := equiJoinPairs(b.Left, leftSch, rightSch)
		if !ok {
			return nil, false
		}
		rp, ok := equiJoinPairs(b.Right, leftSch, rightSch)
		if !ok {
			return nil, false
		}
		return append(lp, rp...), true
	}
	if b.Op != "=" {
		return nil, false
	}
	lc, lok := b.Left.(*ColumnExpr)
	rc, rok := b.Right.(*ColumnExpr)
	if !lok || !rok {
		return nil, false
	}
	if li, ri := resolveColumn(leftSch, lc), resolveColumn(rightSch, rc); li >= 0 && ri >= 0 {
		return []equiPair{{li, ri}}, true
	}
	if li, ri := resolveColumn(leftSch, rc), resolveColumn(rightSch, lc); li >= 0 && ri >= 0 {
		return []equiPair{{li, ri}}, true
	}
	return nil, false
}

// resolveColumn finds c's position in sch using the same qualifier-then-
// suffix rule as rowBinding.Resolve in eval.go, returning -1 on no match
// or an ambiguous unqualified suffix match.
func resolveColumn(sch Schema, c *ColumnExpr) int {
	if c.Qualifier != "" {
		return sch.IndexOf(c.Qualifier + "." + c.Name)
	}
	if idx := sch.IndexOf(c.Name); idx >= 0 {
		return idx
	}
	found := -1
	for i, col := range sch {
		if strings.HasSuffix(col.Name, "."+c.Name) {
			if found >= 0 {
				return -1
			}
			found = i
		}
	}
	return found
}

// mapPlan applies fn bottom-up over the plan tree, rewriting children
// before the parent so every pass sees already-rewritten inputs.
func mapPlan(plan Plan, fn func(Plan) Plan) Plan {
	switch n := plan.(type) {
	case *FilterPlan:
		n.Input = mapPlan(n.Input, fn)
	case *ProjectionPlan:
		n.Input = mapPlan(n.Input, fn)
	case *AggregationPlan:
		n.Input = mapPlan(n.Input, fn)
	case *OrderPlan:
		n.Input = mapPlan(n.Input, fn)
	case *LimitPlan:
		n.Input = mapPlan(n.Input, fn)
	case *OffsetPlan:
		n.Input = mapPlan(n.Input, fn)
	case *JoinPlan:
		n.Left = mapPlan(n.Left, fn)
		n.Right = mapPlan(n.Right, fn)
	}
	return fn(plan)
}
