package sql

import "context"

// RowIter is a forward-only cursor over Rows, implemented by sqlstorage
// scans and by in-memory operators (sort, join buffers) alike.
type RowIter interface {
	Next() (Row, bool, error)
	Close() error
}

// Storage is the contract the planner and executor depend on; both
// sqlstorage.Local (direct MVCC access) and sqlstorage.Replicated (routed
// through consensus) implement it.
type Storage interface {
	TableDef(ctx context.Context, name string) (TableDef, bool, error)
	ListTables(ctx context.Context) ([]string, error)

	ScanTable(ctx context.Context, table string) (RowIter, error)
	IndexLookup(ctx context.Context, table, index string, key Row) (RowIter, error)

	InsertRow(ctx context.Context, table string, row Row) error
	UpdateRow(ctx context.Context, table string, pk Row, row Row) error
	DeleteRow(ctx context.Context, table string, pk Row) error

	CreateTable(ctx context.Context, def TableDef) error
	DropTable(ctx context.Context, name string) error
}

// Txn is an explicit, session-held transaction: every Storage call against
// it shares the same underlying snapshot until Commit or Rollback ends it,
// instead of each call opening and closing its own.
type Txn interface {
	Storage
	ID() uint64
	Commit() error
	Rollback() error
}

// TxnStorage is a Storage that can hand out an explicit Txn — the
// BEGIN/COMMIT/ROLLBACK layer's entry point. sqlstorage.Local and
// sqlstorage.Replicated both implement it.
type TxnStorage interface {
	Storage
	Begin(ctx context.Context) (Txn, error)
}

// sliceIter adapts a pre-materialized []Row (aggregation/sort/join output)
// to RowIter.
type sliceIter struct {
	rows []Row
	pos  int
}

func newSliceIter(rows []Row) *sliceIter { return &sliceIter{rows: rows} }

func (it *sliceIter) Next() (Row, bool, error) {
	if it.pos >= len(it.rows) {
		return nil, false, nil
	}
	r := it.rows[it.pos]
	it.pos++
	return r, true, nil
}

func (it *sliceIter) Close() error { return nil }

func drain(it RowIter) ([]Row, error) {
	var out []Row
	for {
		row, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, row)
	}
}
