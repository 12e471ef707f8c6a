// What: explain.go renders an optimized Plan tree as indented text for
// EXPLAIN, the same shape exec.go walks to run it.
package sql

import (
	"fmt"
	"strings"
)

// describePlan renders p and its inputs as one line per node, indented two
// spaces per level of nesting.
func describePlan(p Plan, depth int) string {
	var b strings.Builder
	writePlan(&b, p, depth)
	return b.String()
}

func writePlan(b *strings.Builder, p Plan, depth int) {
	indent := strings.Repeat("  ", depth)
	switch n := p.(type) {
	case *ScanPlan:
		fmt.Fprintf(b, "%sScan(%s)\n", indent, n.Table)
	case *OneRowPlan:
		fmt.Fprintf(b, "%sOneRow\n", indent)
	case *IndexLookupPlan:
		fmt.Fprintf(b, "%sIndexLookup(%s.%s)\n", indent, n.Table, n.Index)
	case *FilterPlan:
		fmt.Fprintf(b, "%sFilter\n", indent)
		writePlan(b, n.Input, depth+1)
	case *ProjectionPlan:
		fmt.Fprintf(b, "%sProjection(%d cols)\n", indent, len(n.Items))
		writePlan(b, n.Input, depth+1)
	case *AggregationPlan:
		fmt.Fprintf(b, "%sAggregation(%d funcs)\n", indent, len(n.Aggregates))
		writePlan(b, n.Input, depth+1)
	case *OrderPlan:
		fmt.Fprintf(b, "%sOrder(%d keys)\n", indent, len(n.Items))
		writePlan(b, n.Input, depth+1)
	case *LimitPlan:
		fmt.Fprintf(b, "%sLimit(%d)\n", indent, n.Limit)
		writePlan(b, n.Input, depth+1)
	case *OffsetPlan:
		fmt.Fprintf(b, "%sOffset(%d)\n", indent, n.Offset)
		writePlan(b, n.Input, depth+1)
	case *JoinPlan:
		fmt.Fprintf(b, "%sJoin(%s, %s)\n", indent, joinTypeName(n.Type), joinAlgorithmName(n.Algorithm))
		writePlan(b, n.Left, depth+1)
		writePlan(b, n.Right, depth+1)
	default:
		fmt.Fprintf(b, "%s?(%T)\n", indent, p)
	}
}

func joinTypeName(t JoinType) string {
	switch t {
	case JoinLeft:
		return "LEFT"
	case JoinRight:
		return "RIGHT"
	default:
		return "INNER"
	}
}

func joinAlgorithmName(a JoinAlgorithm) string {
	if a == JoinHash {
		return "hash"
	}
	return "nested_loop"
}
