// What: exec.go is the streaming interpreter over the logical Plan tree:
// each operator pulls rows from its input(s), applies its own
// transformation, and threads them through a chain of operator closures.
package sql

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/quoradb/quoradb/internal/errs"
)

// Run executes plan against storage and returns a row iterator over its
// output. Insert/Update/Delete/CreateTable/DropTable are handled by
// ExecStmt instead, since they mutate storage rather than stream rows.
func Run(ctx context.Context, st Storage, plan Plan) (RowIter, error) {
	switch n := plan.(type) {
	case *OneRowPlan:
		return newSliceIter([]Row{{}}), nil
	case *ScanPlan:
		return st.ScanTable(ctx, n.Table)
	case *IndexLookupPlan:
		key, err := Eval(n.Key, constBinding{})
		if err != nil {
			return nil, errs.Wrap(errs.Plan, err, "index lookup key must be constant")
		}
		return st.IndexLookup(ctx, n.Table, n.Index, Row{key})
	case *FilterPlan:
		return runFilter(ctx, st, n)
	case *ProjectionPlan:
		return runProjection(ctx, st, n)
	case *AggregationPlan:
		return runAggregation(ctx, st, n)
	case *OrderPlan:
		return runOrder(ctx, st, n)
	case *LimitPlan:
		return runLimit(ctx, st, n)
	case *OffsetPlan:
		return runOffset(ctx, st, n)
	case *JoinPlan:
		return runJoin(ctx, st, n)
	default:
		return nil, errs.New(errs.Internal, "unhandled plan node %T", plan)
	}
}

type filterIter struct {
	input RowIter
	sch   Schema
	cond  Expr
}

func runFilter(ctx context.Context, st Storage, n *FilterPlan) (RowIter, error) {
	input, err := Run(ctx, st, n.Input)
	if err != nil {
		return nil, err
	}
	return &filterIter{input: input, sch: n.Input.Schema(), cond: n.Cond}, nil
}

func (it *filterIter) Next() (Row, bool, error) {
	for {
		row, ok, err := it.input.Next()
		if err != nil || !ok {
			return nil, ok, err
		}
		v, err := Eval(it.cond, NewRowBinding(it.sch, row))
		if err != nil {
			return nil, false, err
		}
		if Truth(v) {
			return row, true, nil
		}
	}
}

func (it *filterIter) Close() error { return it.input.Close() }

type projectionIter struct {
	input RowIter
	sch   Schema
	items []ProjectItem
}

func runProjection(ctx context.Context, st Storage, n *ProjectionPlan) (RowIter, error) {
	input, err := Run(ctx, st, n.Input)
	if err != nil {
		return nil, err
	}
	return &projectionIter{input: input, sch: n.Input.Schema(), items: n.Items}, nil
}

func (it *projectionIter) Next() (Row, bool, error) {
	row, ok, err := it.input.Next()
	if err != nil || !ok {
		return nil, ok, err
	}
	b := NewRowBinding(it.sch, row)
	out := make(Row, len(it.items))
	for i, item := range it.items {
		v, err := Eval(item.Expr, b)
		if err != nil {
			return nil, false, err
		}
		out[i] = v
	}
	return out, true, nil
}

func (it *projectionIter) Close() error { return it.input.Close() }

func runOrder(ctx context.Context, st Storage, n *OrderPlan) (RowIter, error) {
	input, err := Run(ctx, st, n.Input)
	if err != nil {
		return nil, err
	}
	rows, err := drain(input)
	if err != nil {
		return nil, err
	}
	sch := n.Input.Schema()
	var sortErr error
	sort.SliceStable(rows, func(i, j int) bool {
		if sortErr != nil {
			return false
		}
		less, err := rowLess(rows[i], rows[j], sch, n.Items)
		if err != nil {
			sortErr = err
		}
		return less
	})
	if sortErr != nil {
		return nil, sortErr
	}
	return newSliceIter(rows), nil
}

func rowLess(a, b Row, sch Schema, items []OrderItem) (bool, error) {
	for _, item := range items {
		va, err := Eval(item.Expr, NewRowBinding(sch, a))
		if err != nil {
			return false, err
		}
		vb, err := Eval(item.Expr, NewRowBinding(sch, b))
		if err != nil {
			return false, err
		}
		cmp, err := compareNullable(va, vb)
		if err != nil {
			return false, err
		}
		if cmp == 0 {
			continue
		}
		if item.Desc {
			return cmp > 0, nil
		}
		return cmp < 0, nil
	}
	return false, nil
}

// compareNullable orders NULL last regardless of ASC/DESC, the common SQL
// convention this dialect adopts for a stable total order.
func compareNullable(a, b Value) (int, error) {
	if a.IsNull() && b.IsNull() {
		return 0, nil
	}
	if a.IsNull() {
		return 1, nil
	}
	if b.IsNull() {
		return -1, nil
	}
	return compareValues(a, b)
}

func runLimit(ctx context.Context, st Storage, n *LimitPlan) (RowIter, error) {
	input, err := Run(ctx, st, n.Input)
	if err != nil {
		return nil, err
	}
	var rows []Row
	for int64(len(rows)) < n.Limit {
		row, ok, err := input.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		rows = append(rows, row)
	}
	input.Close()
	return newSliceIter(rows), nil
}

func runOffset(ctx context.Context, st Storage, n *OffsetPlan) (RowIter, error) {
	input, err := Run(ctx, st, n.Input)
	if err != nil {
		return nil, err
	}
	var skipped int64
	for skipped < n.Offset {
		_, ok, err := input.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		skipped++
	}
	return input, nil
}

// runJoin dispatches to the strategy the optimizer tagged n with: a real
// streaming hash join when the condition decomposes into equi-join column
// pairs, a nested-loop join otherwise (including when Algorithm says Hash
// but the condition turns out not to decompose — equiJoinPairs is the
// authoritative check, chooseJoinStrategy's isEqui is only a screen).
func runJoin(ctx context.Context, st Storage, n *JoinPlan) (RowIter, error) {
	leftSch, rightSch := n.Left.Schema(), n.Right.Schema()
	if n.Algorithm == JoinHash && n.On != nil {
		if pairs, ok := equiJoinPairs(n.On, leftSch, rightSch); ok && len(pairs) > 0 {
			return runHashJoin(ctx, st, n, pairs)
		}
	}
	return runNestedLoopJoin(ctx, st, n)
}

// runNestedLoopJoin streams the left input and, for each row, re-scans a
// fully materialized right side — the fallback strategy for non-equi
// conditions (e.g. "a.x < b.y") that a hash table can't serve.
func runNestedLoopJoin(ctx context.Context, st Storage, n *JoinPlan) (RowIter, error) {
	left, err := Run(ctx, st, n.Left)
	if err != nil {
		return nil, err
	}
	rightRows, err := runAndDrain(ctx, st, n.Right)
	if err != nil {
		left.Close()
		return nil, err
	}
	leftSch, rightSch := n.Left.Schema(), n.Right.Schema()
	return &nestedLoopJoinIter{
		left: left, right: rightRows, n: n,
		combinedSch: append(append(Schema{}, leftSch...), rightSch...),
		rightLen:    len(rightSch), leftLen: len(leftSch),
		matched: make([]bool, len(rightRows)),
	}, nil
}

// nestedLoopJoinIter re-scans the (already materialized) right side once
// per left row, pulled lazily so a LIMIT upstream can stop early without
// the left side having been fully drained first.
type nestedLoopJoinIter struct {
	left              RowIter
	right             []Row
	n                 *JoinPlan
	combinedSch       Schema
	rightLen, leftLen int
	matched           []bool
	curLeft           Row
	curLeftMatched    bool
	ri                int
	haveCurLeft       bool
	leftDone          bool
	rightPos          int // separate cursor for the post-left unmatched-right scan
}

func (it *nestedLoopJoinIter) Next() (Row, bool, error) {
	for {
		if it.haveCurLeft {
			for it.ri < len(it.right) {
				rrow := it.right[it.ri]
				combined := append(append(Row{}, it.curLeft...), rrow...)
				ok := true
				if it.n.On != nil {
					v, err := Eval(it.n.On, NewRowBinding(it.combinedSch, combined))
					if err != nil {
						return nil, false, err
					}
					ok = Truth(v)
				}
				ri := it.ri
				it.ri++
				if ok {
					it.curLeftMatched = true
					it.matched[ri] = true
					return combined, true, nil
				}
			}
			it.haveCurLeft = false
			if !it.curLeftMatched && it.n.Type == JoinLeft {
				return append(append(Row{}, it.curLeft...), nullRow(it.rightLen)...), true, nil
			}
		}
		if !it.leftDone {
			lrow, ok, err := it.left.Next()
			if err != nil {
				return nil, false, err
			}
			if !ok {
				it.leftDone = true
				continue
			}
			it.curLeft = lrow
			it.curLeftMatched = false
			it.ri = 0
			it.haveCurLeft = true
			continue
		}
		if it.n.Type == JoinRight {
			for it.rightPos < len(it.right) {
				ri := it.rightPos
				it.rightPos++
				if !it.matched[ri] {
					return append(nullRow(it.leftLen), it.right[ri]...), true, nil
				}
			}
		}
		return nil, false, nil
	}
}

func (it *nestedLoopJoinIter) Close() error { return it.left.Close() }

// runHashJoin fully consumes the right input into a per-key row-index
// list, then streams the left side, probing the hash table one row at a
// time instead of re-scanning the whole right side per left row.
func runHashJoin(ctx context.Context, st Storage, n *JoinPlan, pairs []equiPair) (RowIter, error) {
	rightRows, err := runAndDrain(ctx, st, n.Right)
	if err != nil {
		return nil, err
	}
	left, err := Run(ctx, st, n.Left)
	if err != nil {
		return nil, err
	}
	rightIdxs := make([]int, len(pairs))
	leftIdxs := make([]int, len(pairs))
	for i, p := range pairs {
		rightIdxs[i] = p.rightIdx
		leftIdxs[i] = p.leftIdx
	}
	buckets := make(map[string][]int, len(rightRows))
	for i, rrow := range rightRows {
		if key, ok := joinHashKey(rrow, rightIdxs); ok {
			buckets[key] = append(buckets[key], i)
		}
	}
	return &hashJoinIter{
		left: left, right: rightRows, buckets: buckets, leftIdxs: leftIdxs,
		matched:  make([]bool, len(rightRows)),
		typ:      n.Type,
		rightLen: len(n.Right.Schema()), leftLen: len(n.Left.Schema()),
	}, nil
}

type hashJoinIter struct {
	left     RowIter
	right    []Row
	buckets  map[string][]int
	leftIdxs []int
	matched  []bool
	typ      JoinType
	rightLen int
	leftLen  int

	curLeft  Row
	curIdxs  []int
	curPos   int
	haveCur  bool
	leftDone bool
	rightPos int
}

func (it *hashJoinIter) Next() (Row, bool, error) {
	for {
		if it.haveCur {
			for it.curPos < len(it.curIdxs) {
				ri := it.curIdxs[it.curPos]
				it.curPos++
				it.matched[ri] = true
				return append(append(Row{}, it.curLeft...), it.right[ri]...), true, nil
			}
			it.haveCur = false
		}
		if !it.leftDone {
			lrow, ok, err := it.left.Next()
			if err != nil {
				return nil, false, err
			}
			if !ok {
				it.leftDone = true
				continue
			}
			key, present := joinHashKey(lrow, it.leftIdxs)
			if present {
				if idxs, found := it.buckets[key]; found {
					it.curLeft = lrow
					it.curIdxs = idxs
					it.curPos = 0
					it.haveCur = true
					continue
				}
			}
			if it.typ == JoinLeft {
				return append(append(Row{}, lrow...), nullRow(it.rightLen)...), true, nil
			}
			continue
		}
		if it.typ == JoinRight {
			for it.rightPos < len(it.right) {
				ri := it.rightPos
				it.rightPos++
				if !it.matched[ri] {
					return append(nullRow(it.leftLen), it.right[ri]...), true, nil
				}
			}
		}
		return nil, false, nil
	}
}

func (it *hashJoinIter) Close() error { return it.left.Close() }

// joinHashKey builds a composite lookup key from row's columns at idxs,
// tagging each value with its Kind so e.g. integer 1 and string "1" never
// collide. A NULL component makes the row unable to match anything, per
// SQL equi-join semantics where NULL = NULL is unknown, not true.
func joinHashKey(row Row, idxs []int) (string, bool) {
	var buf strings.Builder
	for _, i := range idxs {
		v := row[i]
		if v.IsNull() {
			return "", false
		}
		switch v.Kind {
		case KindInteger:
			buf.WriteByte('i')
			buf.WriteString(strconv.FormatInt(v.Int, 10))
		case KindFloat:
			buf.WriteByte('f')
			buf.WriteString(strconv.FormatFloat(v.Float, 'g', -1, 64))
		case KindString:
			buf.WriteByte('s')
			buf.WriteString(v.Str)
		case KindBoolean:
			buf.WriteByte('b')
			if v.Bool {
				buf.WriteByte('1')
			} else {
				buf.WriteByte('0')
			}
		}
		buf.WriteByte(0)
	}
	return buf.String(), true
}

func nullRow(n int) Row {
	r := make(Row, n)
	for i := range r {
		r[i] = NullValue()
	}
	return r
}

func runAndDrain(ctx context.Context, st Storage, p Plan) ([]Row, error) {
	it, err := Run(ctx, st, p)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	return drain(it)
}

// ---- Aggregation ----

type aggAccumulator struct {
	count int64
	sum   float64
	min   Value
	max   Value
	seen  bool
}

func runAggregation(ctx context.Context, st Storage, n *AggregationPlan) (RowIter, error) {
	rows, err := runAndDrain(ctx, st, n.Input)
	if err != nil {
		return nil, err
	}
	sch := n.Input.Schema()

	type group struct {
		key   string
		keyV  []Value
		accs  []*aggAccumulator
	}
	groups := map[string]*group{}
	var order []string

	for _, row := range rows {
		b := NewRowBinding(sch, row)
		keyVals := make([]Value, len(n.GroupBy))
		for i, g := range n.GroupBy {
			v, err := Eval(g, b)
			if err != nil {
				return nil, err
			}
			keyVals[i] = v
		}
		key := groupKey(keyVals)
		gr, ok := groups[key]
		if !ok {
			gr = &group{key: key, keyV: keyVals, accs: make([]*aggAccumulator, len(n.Aggregates))}
			for i := range gr.accs {
				gr.accs[i] = &aggAccumulator{}
			}
			groups[key] = gr
			order = append(order, key)
		}
		for i, call := range n.Aggregates {
			var v Value
			if !call.Star {
				v, err = Eval(call.Arg, b)
				if err != nil {
					return nil, err
				}
			}
			accumulate(gr.accs[i], call, v)
		}
	}

	if len(order) == 0 && len(n.GroupBy) == 0 {
		// A bare aggregate over zero rows still yields one row (COUNT=0,
		// SUM/AVG/MIN/MAX=NULL), the standard empty-group rule.
		accs := make([]*aggAccumulator, len(n.Aggregates))
		for i := range accs {
			accs[i] = &aggAccumulator{}
		}
		return newSliceIter([]Row{finalizeGroup(nil, accs, n.Aggregates)}), nil
	}

	var out []Row
	for _, key := range order {
		gr := groups[key]
		out = append(out, finalizeGroup(gr.keyV, gr.accs, n.Aggregates))
	}
	return newSliceIter(out), nil
}

func finalizeGroup(keyVals []Value, accs []*aggAccumulator, calls []AggregateCall) Row {
	row := append(Row{}, keyVals...)
	for i, call := range calls {
		row = append(row, finalizeAcc(accs[i], call))
	}
	return row
}

func groupKey(vals []Value) string {
	var b []byte
	for _, v := range vals {
		b = append(b, []byte(v.String())...)
		b = append(b, 0)
	}
	return string(b)
}

func accumulate(acc *aggAccumulator, call AggregateCall, v Value) {
	if call.Func == "COUNT" {
		if call.Star || !v.IsNull() {
			acc.count++
		}
		return
	}
	if v.IsNull() {
		return
	}
	f := v.AsFloat()
	if !acc.seen {
		acc.min, acc.max = v, v
		acc.seen = true
	} else {
		if cmp, _ := compareValues(v, acc.min); cmp < 0 {
			acc.min = v
		}
		if cmp, _ := compareValues(v, acc.max); cmp > 0 {
			acc.max = v
		}
	}
	acc.sum += f
	acc.count++
}

func finalizeAcc(acc *aggAccumulator, call AggregateCall) Value {
	switch call.Func {
	case "COUNT":
		return IntValue(acc.count)
	case "SUM":
		if !acc.seen {
			return NullValue()
		}
		return FloatValue(acc.sum)
	case "AVG":
		if !acc.seen || acc.count == 0 {
			return NullValue()
		}
		return FloatValue(acc.sum / float64(acc.count))
	case "MIN":
		if !acc.seen {
			return NullValue()
		}
		return acc.min
	case "MAX":
		if !acc.seen {
			return NullValue()
		}
		return acc.max
	default:
		return NullValue()
	}
}
