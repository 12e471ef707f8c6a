// What: rowSliceIter adapts a materialized []sql.Row to sql.RowIter, the
// same shape sql's own sliceIter gives the executor — local.go always
// drains its MVCC scan into a slice before returning, since a transaction
// closes as soon as the call that opened it is done.
package sqlstorage

import "github.com/quoradb/quoradb/internal/sql"

type rowSliceIter struct {
	rows []sql.Row
	pos  int
}

func newRowSliceIter(rows []sql.Row) *rowSliceIter { return &rowSliceIter{rows: rows} }

func (it *rowSliceIter) Next() (sql.Row, bool, error) {
	if it.pos >= len(it.rows) {
		return nil, false, nil
	}
	r := it.rows[it.pos]
	it.pos++
	return r, true, nil
}

func (it *rowSliceIter) Close() error { return nil }
