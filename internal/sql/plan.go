// What: plan.go turns a parsed SelectStmt into a tree of logical relational
// operators, resolving every column reference against a scope built from
// the storage catalog. optimize.go rewrites the tree afterward; exec.go
// interprets it.
package sql

import (
	"context"

	"github.com/quoradb/quoradb/internal/errs"
)

// Plan is a logical relational operator. Every Plan knows the Schema of the
// rows it produces; exec.go pattern-matches on the concrete type.
type Plan interface {
	Schema() Schema
}

type ScanPlan struct {
	Table string
	Alias string
	Sch   Schema
}

func (p *ScanPlan) Schema() Schema { return p.Sch }

// OneRowPlan yields exactly one, column-less row: the implicit FROM clause
// of a constant query such as "SELECT 1 + 1".
type OneRowPlan struct{}

func (p *OneRowPlan) Schema() Schema { return Schema{} }

// IndexLookupPlan is substituted for a ScanPlan+FilterPlan pair by the
// optimizer's index-lookup pass when the filter is an equality predicate on
// an indexed column.
type IndexLookupPlan struct {
	Table string
	Index string
	Key   Expr
	Sch   Schema
}

func (p *IndexLookupPlan) Schema() Schema { return p.Sch }

type FilterPlan struct {
	Input Plan
	Cond  Expr
}

func (p *FilterPlan) Schema() Schema { return p.Input.Schema() }

type ProjectItem struct {
	Expr  Expr
	Alias string
}

type ProjectionPlan struct {
	Input Plan
	Items []ProjectItem
	Sch   Schema
}

func (p *ProjectionPlan) Schema() Schema { return p.Sch }

type AggregateCall struct {
	Func   string // COUNT, SUM, AVG, MIN, MAX
	Arg    Expr   // nil for COUNT(*)
	Star   bool
	Alias  string
}

type AggregationPlan struct {
	Input      Plan
	GroupBy    []Expr
	Aggregates []AggregateCall
	Sch        Schema
}

func (p *AggregationPlan) Schema() Schema { return p.Sch }

type OrderPlan struct {
	Input Plan
	Items []OrderItem
}

func (p *OrderPlan) Schema() Schema { return p.Input.Schema() }

type LimitPlan struct {
	Input Plan
	Limit int64
}

func (p *LimitPlan) Schema() Schema { return p.Input.Schema() }

type OffsetPlan struct {
	Input  Plan
	Offset int64
}

func (p *OffsetPlan) Schema() Schema { return p.Input.Schema() }

type JoinAlgorithm int

const (
	JoinNestedLoop JoinAlgorithm = iota
	JoinHash
)

type JoinPlan struct {
	Left, Right Plan
	Type        JoinType
	On          Expr
	Algorithm   JoinAlgorithm
	Sch         Schema
}

func (p *JoinPlan) Schema() Schema { return p.Sch }

// PlanSelect builds the logical plan for stmt, the single entry point
// optimize.go and exec.go both consume.
func PlanSelect(ctx context.Context, st Storage, stmt *SelectStmt) (Plan, error) {
	var plan Plan
	var sc *scope
	if stmt.From != nil {
		var err error
		sc, err = buildScope(ctx, st, stmt.From)
		if err != nil {
			return nil, err
		}
		plan, err = planTableExpr(stmt.From, sc)
		if err != nil {
			return nil, err
		}
	} else {
		sc = newScope()
		plan = &OneRowPlan{}
	}

	if stmt.Where != nil {
		plan = &FilterPlan{Input: plan, Cond: stmt.Where}
	}

	needsAgg := len(stmt.GroupBy) > 0
	if !needsAgg {
		for _, item := range stmt.Columns {
			if item.Expr != nil && containsAggregate(item.Expr) {
				needsAgg = true
				break
			}
		}
	}
	if !needsAgg && stmt.Having != nil && containsAggregate(stmt.Having) {
		needsAgg = true
	}

	if needsAgg {
		agg, outSchema, err := planAggregation(stmt, plan)
		if err != nil {
			return nil, err
		}
		plan = agg
		if stmt.Having != nil {
			plan = &FilterPlan{Input: plan, Cond: rewriteAggRefs(stmt.Having)}
		}
		plan, err = planProjectionOverAggregate(stmt, plan, outSchema)
		if err != nil {
			return nil, err
		}
	} else {
		proj, err := planProjection(stmt, plan)
		if err != nil {
			return nil, err
		}
		plan = proj
	}

	if len(stmt.OrderBy) > 0 {
		plan = &OrderPlan{Input: plan, Items: stmt.OrderBy}
	}
	if stmt.Offset != nil {
		plan = &OffsetPlan{Input: plan, Offset: *stmt.Offset}
	}
	if stmt.Limit != nil {
		plan = &LimitPlan{Input: plan, Limit: *stmt.Limit}
	}
	return plan, nil
}

func planTableExpr(te TableExpr, sc *scope) (Plan, error) {
	switch n := te.(type) {
	case *TableRef:
		alias := n.Alias
		if alias == "" {
			alias = n.Name
		}
		sch := schemaForAlias(sc, alias)
		return &ScanPlan{Table: n.Name, Alias: alias, Sch: sch}, nil
	case *JoinExpr:
		left, err := planTableExpr(n.Left, sc)
		if err != nil {
			return nil, err
		}
		right, err := planTableExpr(n.Right, sc)
		if err != nil {
			return nil, err
		}
		sch := append(append(Schema{}, left.Schema()...), right.Schema()...)
		return &JoinPlan{Left: left, Right: right, Type: n.Type, On: n.On, Sch: sch}, nil
	default:
		return nil, errs.New(errs.Internal, "unhandled table expression %T", te)
	}
}

func schemaForAlias(sc *scope, alias string) Schema {
	var out Schema
	for i, c := range sc.schema {
		if sc.owner[i] == alias {
			out = append(out, c)
		}
	}
	return out
}

func planProjection(stmt *SelectStmt, input Plan) (Plan, error) {
	items, sch, err := resolveSelectItems(stmt.Columns, input.Schema())
	if err != nil {
		return nil, err
	}
	return &ProjectionPlan{Input: input, Items: items, Sch: sch}, nil
}

func resolveSelectItems(cols []SelectItem, inputSchema Schema) ([]ProjectItem, Schema, error) {
	var items []ProjectItem
	var sch Schema
	for _, item := range cols {
		if item.Star {
			for _, c := range inputSchema {
				if item.StarQualifier != "" {
					if !hasQualifier(c.Name, item.StarQualifier) {
						continue
					}
				}
				items = append(items, ProjectItem{Expr: &ColumnExpr{Name: c.Name}, Alias: c.Name})
				sch = append(sch, c)
			}
			continue
		}
		alias := item.Alias
		if alias == "" {
			alias = exprLabel(item.Expr)
		}
		items = append(items, ProjectItem{Expr: item.Expr, Alias: alias})
		sch = append(sch, Column{Name: alias, Kind: inferKind(item.Expr, inputSchema)})
	}
	return items, sch, nil
}

func hasQualifier(schemaName, qualifier string) bool {
	return len(schemaName) > len(qualifier) && schemaName[:len(qualifier)] == qualifier && schemaName[len(qualifier)] == '.'
}

func exprLabel(e Expr) string {
	switch n := e.(type) {
	case *ColumnExpr:
		if n.Qualifier != "" {
			return n.Qualifier + "." + n.Name
		}
		return n.Name
	case *FuncCallExpr:
		return n.Name
	default:
		return "?column?"
	}
}

// inferKind does a best-effort static type inference used only to label the
// projected Schema; exec.go's actual Values carry their authoritative Kind.
func inferKind(e Expr, schema Schema) Kind {
	switch n := e.(type) {
	case *LiteralExpr:
		return n.Value.Kind
	case *ColumnExpr:
		full := n.Name
		if n.Qualifier != "" {
			full = n.Qualifier + "." + n.Name
		}
		if idx := schema.IndexOf(full); idx >= 0 {
			return schema[idx].Kind
		}
		return KindString
	case *BinaryExpr:
		switch n.Op {
		case "+", "-", "*", "/", "%", "^":
			return KindFloat
		default:
			return KindBoolean
		}
	case *UnaryExpr:
		if n.Op == "NOT" {
			return KindBoolean
		}
		return inferKind(n.X, schema)
	case *FuncCallExpr:
		switch n.Name {
		case "COUNT":
			return KindInteger
		default:
			return KindFloat
		}
	default:
		return KindString
	}
}

func planAggregation(stmt *SelectStmt, input Plan) (Plan, Schema, error) {
	var calls []AggregateCall
	var sch Schema
	for _, g := range stmt.GroupBy {
		sch = append(sch, Column{Name: exprLabel(g), Kind: inferKind(g, input.Schema())})
	}
	collectAggregates(stmt.Columns, &calls)
	if stmt.Having != nil {
		collectAggregatesFromExpr(stmt.Having, &calls)
	}
	calls = dedupeAggregates(calls)
	for _, c := range calls {
		kind := KindFloat
		if c.Func == "COUNT" {
			kind = KindInteger
		} else if c.Arg != nil {
			kind = inferKind(c.Arg, input.Schema())
		}
		sch = append(sch, Column{Name: c.Alias, Kind: kind})
	}
	return &AggregationPlan{Input: input, GroupBy: stmt.GroupBy, Aggregates: calls, Sch: sch}, sch, nil
}

// dedupeAggregates collapses aggregate calls that share a generated label
// (the same function applied to the same argument, appearing in both the
// SELECT list and HAVING) down to one evaluation.
func dedupeAggregates(calls []AggregateCall) []AggregateCall {
	seen := map[string]bool{}
	var out []AggregateCall
	for _, c := range calls {
		if seen[c.Alias] {
			continue
		}
		seen[c.Alias] = true
		out = append(out, c)
	}
	return out
}

// rewriteAggRefs replaces every aggregate FuncCallExpr in e with a
// ColumnExpr referencing that aggregate's generated label in the
// Aggregation operator's output schema, so HAVING and the post-aggregation
// Projection can evaluate against rowBinding like any other column.
func rewriteAggRefs(e Expr) Expr {
	switch n := e.(type) {
	case *FuncCallExpr:
		if isAggregateFunc(n.Name) {
			return &ColumnExpr{Name: n.Name + "(" + exprLabelOrStar(n) + ")"}
		}
		return n
	case *UnaryExpr:
		return &UnaryExpr{Op: n.Op, X: rewriteAggRefs(n.X)}
	case *BinaryExpr:
		return &BinaryExpr{Op: n.Op, Left: rewriteAggRefs(n.Left), Right: rewriteAggRefs(n.Right)}
	case *IsNullExpr:
		return &IsNullExpr{X: rewriteAggRefs(n.X), Not: n.Not}
	case *InExpr:
		list := make([]Expr, len(n.List))
		for i, item := range n.List {
			list[i] = rewriteAggRefs(item)
		}
		return &InExpr{X: rewriteAggRefs(n.X), List: list, Not: n.Not}
	default:
		return e
	}
}

func collectAggregates(items []SelectItem, out *[]AggregateCall) {
	for _, item := range items {
		if item.Expr != nil {
			collectAggregatesFromExpr(item.Expr, out)
		}
	}
}

func collectAggregatesFromExpr(e Expr, out *[]AggregateCall) {
	switch n := e.(type) {
	case *FuncCallExpr:
		if isAggregateFunc(n.Name) {
			var arg Expr
			if len(n.Args) > 0 {
				arg = n.Args[0]
			}
			alias := n.Name + "(" + exprLabelOrStar(n) + ")"
			*out = append(*out, AggregateCall{Func: n.Name, Arg: arg, Star: n.Star, Alias: alias})
		}
	case *UnaryExpr:
		collectAggregatesFromExpr(n.X, out)
	case *BinaryExpr:
		collectAggregatesFromExpr(n.Left, out)
		collectAggregatesFromExpr(n.Right, out)
	}
}

func exprLabelOrStar(n *FuncCallExpr) string {
	if n.Star {
		return "*"
	}
	if len(n.Args) > 0 {
		return exprLabel(n.Args[0])
	}
	return ""
}

// planProjectionOverAggregate resolves SELECT items (which may reference
// group-by expressions or aggregate results by their generated label)
// against the aggregation's output schema.
func planProjectionOverAggregate(stmt *SelectStmt, input Plan, aggSchema Schema) (Plan, error) {
	var items []ProjectItem
	var sch Schema
	for _, item := range stmt.Columns {
		if item.Star {
			for _, c := range aggSchema {
				items = append(items, ProjectItem{Expr: &ColumnExpr{Name: c.Name}, Alias: c.Name})
				sch = append(sch, c)
			}
			continue
		}
		rewritten := rewriteAggRefs(item.Expr)
		alias := item.Alias
		if alias == "" {
			alias = aggregateOutputLabel(item.Expr)
		}
		items = append(items, ProjectItem{Expr: rewritten, Alias: alias})
		sch = append(sch, Column{Name: alias, Kind: inferKind(rewritten, aggSchema)})
	}
	return &ProjectionPlan{Input: input, Items: items, Sch: sch}, nil
}

// aggregateOutputLabel maps a SELECT-list expression to the column name the
// Aggregation operator exposes it under: the aggregate's generated label for
// a bare aggregate call, or the expression's own label for a group-by key.
func aggregateOutputLabel(e Expr) string {
	if call, ok := e.(*FuncCallExpr); ok && isAggregateFunc(call.Name) {
		return call.Name + "(" + exprLabelOrStar(call) + ")"
	}
	return exprLabel(e)
}
