// What: local.go is the non-replicated Storage implementation. Local's own
// methods each open (and commit) their own MVCC transaction directly
// against the local engine; LocalTxn instead holds one transaction open
// across many calls, for an explicit BEGIN/COMMIT/ROLLBACK session. Every
// method's real work lives in a *Tx helper shared by both, so neither one
// duplicates the other's logic. internal/consensus.StateMachine wraps
// Local for the replicated path in statemachine.go; a solo node can also
// use it directly without ever touching internal/consensus.
package sqlstorage

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/quoradb/quoradb/internal/bytestore"
	"github.com/quoradb/quoradb/internal/errs"
	"github.com/quoradb/quoradb/internal/mvcc"
	"github.com/quoradb/quoradb/internal/obs"
	"github.com/quoradb/quoradb/internal/sql"
)

// Local is the MVCC-backed implementation of sql.Storage used by a
// standalone node and, wrapped in a StateMachine, by every replica in a
// consensus cluster.
type Local struct {
	engine *mvcc.Engine
	logger zerolog.Logger
}

// NewLocal constructs a Local over store, the table/index/catalog keyspace
// that backs every table this node serves.
func NewLocal(store bytestore.KV) *Local {
	return &Local{
		engine: mvcc.New(store),
		logger: obs.WithComponent("sqlstorage"),
	}
}

var (
	_ sql.Storage    = (*Local)(nil)
	_ sql.TxnStorage = (*Local)(nil)
)

// Begin opens an explicit transaction that the caller (a sql.Session)
// threads across multiple statements until Commit or Rollback.
func (l *Local) Begin(ctx context.Context) (sql.Txn, error) {
	tx, err := l.engine.Begin()
	if err != nil {
		return nil, err
	}
	return &LocalTxn{tx: tx}, nil
}

func (l *Local) TableDef(ctx context.Context, name string) (sql.TableDef, bool, error) {
	tx, err := l.engine.Begin()
	if err != nil {
		return sql.TableDef{}, false, err
	}
	defer tx.Rollback()
	return tableDefTx(tx, name)
}

func (l *Local) ListTables(ctx context.Context) ([]string, error) {
	tx, err := l.engine.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return listTablesTx(tx)
}

func (l *Local) CreateTable(ctx context.Context, def sql.TableDef) error {
	tx, err := l.engine.Begin()
	if err != nil {
		return err
	}
	if err := createTableTx(tx, def); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (l *Local) DropTable(ctx context.Context, name string) error {
	tx, err := l.engine.Begin()
	if err != nil {
		return err
	}
	if err := dropTableTx(tx, name); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (l *Local) ScanTable(ctx context.Context, table string) (sql.RowIter, error) {
	tx, err := l.engine.Begin()
	if err != nil {
		return nil, err
	}
	rows, err := scanTableTx(tx, table)
	tx.Rollback()
	if err != nil {
		return nil, err
	}
	return newRowSliceIter(rows), nil
}

func (l *Local) IndexLookup(ctx context.Context, table, index string, key sql.Row) (sql.RowIter, error) {
	tx, err := l.engine.Begin()
	if err != nil {
		return nil, err
	}
	rows, err := indexLookupTx(tx, table, index, key)
	tx.Rollback()
	if err != nil {
		return nil, err
	}
	return newRowSliceIter(rows), nil
}

func (l *Local) InsertRow(ctx context.Context, table string, row sql.Row) error {
	tx, err := l.engine.Begin()
	if err != nil {
		return err
	}
	if err := insertRowTx(tx, table, row); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (l *Local) UpdateRow(ctx context.Context, table string, pk sql.Row, row sql.Row) error {
	tx, err := l.engine.Begin()
	if err != nil {
		return err
	}
	if err := updateRowTx(tx, table, pk, row); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (l *Local) DeleteRow(ctx context.Context, table string, pk sql.Row) error {
	tx, err := l.engine.Begin()
	if err != nil {
		return err
	}
	if err := deleteRowTx(tx, table, pk); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// LocalTxn is an explicit, session-held transaction over Local: every
// Storage method runs against the same *mvcc.Transaction until Commit or
// Rollback, instead of each call opening and closing its own — the
// counterpart Local itself needs for BEGIN/COMMIT/ROLLBACK sessions.
type LocalTxn struct {
	tx   *mvcc.Transaction
	done bool
}

var _ sql.Txn = (*LocalTxn)(nil)

func (t *LocalTxn) ID() uint64 { return t.tx.ID() }

func (t *LocalTxn) Commit() error {
	if t.done {
		return errs.New(errs.Internal, "transaction already committed or rolled back")
	}
	t.done = true
	return t.tx.Commit()
}

func (t *LocalTxn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

func (t *LocalTxn) TableDef(ctx context.Context, name string) (sql.TableDef, bool, error) {
	return tableDefTx(t.tx, name)
}

func (t *LocalTxn) ListTables(ctx context.Context) ([]string, error) {
	return listTablesTx(t.tx)
}

func (t *LocalTxn) ScanTable(ctx context.Context, table string) (sql.RowIter, error) {
	rows, err := scanTableTx(t.tx, table)
	if err != nil {
		return nil, err
	}
	return newRowSliceIter(rows), nil
}

func (t *LocalTxn) IndexLookup(ctx context.Context, table, index string, key sql.Row) (sql.RowIter, error) {
	rows, err := indexLookupTx(t.tx, table, index, key)
	if err != nil {
		return nil, err
	}
	return newRowSliceIter(rows), nil
}

func (t *LocalTxn) InsertRow(ctx context.Context, table string, row sql.Row) error {
	return insertRowTx(t.tx, table, row)
}

func (t *LocalTxn) UpdateRow(ctx context.Context, table string, pk sql.Row, row sql.Row) error {
	return updateRowTx(t.tx, table, pk, row)
}

func (t *LocalTxn) DeleteRow(ctx context.Context, table string, pk sql.Row) error {
	return deleteRowTx(t.tx, table, pk)
}

func (t *LocalTxn) CreateTable(ctx context.Context, def sql.TableDef) error {
	return createTableTx(t.tx, def)
}

func (t *LocalTxn) DropTable(ctx context.Context, name string) error {
	return dropTableTx(t.tx, name)
}

// ---- tx-scoped operations shared by Local and LocalTxn ----
//
// None of these open, commit, or roll back tx: that lifecycle belongs to
// whichever caller owns the transaction (Local's own wrapper methods, or
// the Session holding a LocalTxn open across statements).

func tableDefTx(tx *mvcc.Transaction, name string) (sql.TableDef, bool, error) {
	b, ok, err := tx.Get(tableDefKey(name))
	if err != nil || !ok {
		return sql.TableDef{}, false, err
	}
	def, err := decodeTableDef(b)
	return def, true, err
}

func listTablesTx(tx *mvcc.Transaction) ([]string, error) {
	prefix := catalogPrefix()
	results, err := tx.Scan(prefix, mvcc.PrefixUpperBound(prefix))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, r := range results {
		def, err := decodeTableDef(r.Value)
		if err != nil {
			return nil, err
		}
		names = append(names, def.Name)
	}
	return names, nil
}

func createTableTx(tx *mvcc.Transaction, def sql.TableDef) error {
	if _, ok, err := tx.Get(tableDefKey(def.Name)); err != nil {
		return err
	} else if ok {
		return errs.New(errs.Plan, "table %q already exists", def.Name)
	}
	b, err := encodeTableDef(def)
	if err != nil {
		return err
	}
	return tx.Set(tableDefKey(def.Name), b)
}

func dropTableTx(tx *mvcc.Transaction, name string) error {
	def, ok, err := tableDefTx(tx, name)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.Plan, "unknown table %q", name)
	}
	prefix := rowPrefix(name)
	rows, err := tx.Scan(prefix, mvcc.PrefixUpperBound(prefix))
	if err != nil {
		return err
	}
	for _, r := range rows {
		if err := tx.Delete(r.Key); err != nil {
			return err
		}
	}
	for _, idx := range def.Indexes {
		ip := indexPrefix(name, idx.Name)
		entries, err := tx.Scan(ip, mvcc.PrefixUpperBound(ip))
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := tx.Delete(e.Key); err != nil {
				return err
			}
		}
	}
	return tx.Delete(tableDefKey(name))
}

func scanTableTx(tx *mvcc.Transaction, table string) ([]sql.Row, error) {
	prefix := rowPrefix(table)
	results, err := tx.Scan(prefix, mvcc.PrefixUpperBound(prefix))
	if err != nil {
		return nil, err
	}
	rows := make([]sql.Row, 0, len(results))
	for _, r := range results {
		row, err := decodeRow(r.Value)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func indexLookupTx(tx *mvcc.Transaction, table, index string, key sql.Row) ([]sql.Row, error) {
	if index == "PRIMARY" {
		b, ok, err := tx.Get(rowKey(table, key))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		row, err := decodeRow(b)
		if err != nil {
			return nil, err
		}
		return []sql.Row{row}, nil
	}
	prefix := indexLookupPrefix(table, index, key)
	entries, err := tx.Scan(prefix, mvcc.PrefixUpperBound(prefix))
	if err != nil {
		return nil, err
	}
	var rows []sql.Row
	for _, e := range entries {
		b, ok, err := tx.Get(e.Value)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		row, err := decodeRow(b)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func insertRowTx(tx *mvcc.Transaction, table string, row sql.Row) error {
	def, ok, err := tableDefTx(tx, table)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.Plan, "unknown table %q", table)
	}
	sch := tableSchema(def)
	pk := primaryKey(def, sch, row)
	key := rowKey(table, pk)
	if _, exists, err := tx.Get(key); err != nil {
		return err
	} else if exists {
		return errs.New(errs.Value, "duplicate primary key in table %q", table)
	}
	if err := checkUniqueAndForeignKeys(tx, def, sch, row, nil); err != nil {
		return err
	}
	b, err := encodeRow(row)
	if err != nil {
		return err
	}
	if err := tx.Set(key, b); err != nil {
		return err
	}
	return writeIndexEntries(tx, def, sch, row, pk)
}

func updateRowTx(tx *mvcc.Transaction, table string, pk sql.Row, row sql.Row) error {
	def, ok, err := tableDefTx(tx, table)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.Plan, "unknown table %q", table)
	}
	sch := tableSchema(def)
	oldKey := rowKey(table, pk)
	oldB, exists, err := tx.Get(oldKey)
	if err != nil {
		return err
	}
	if !exists {
		return errs.New(errs.Value, "row not found in table %q", table)
	}
	oldRow, err := decodeRow(oldB)
	if err != nil {
		return err
	}
	if err := checkUniqueAndForeignKeys(tx, def, sch, row, oldRow); err != nil {
		return err
	}
	newPK := primaryKey(def, sch, row)
	if err := removeIndexEntries(tx, def, sch, oldRow, pk); err != nil {
		return err
	}
	if !rowsEqual(pk, newPK) {
		if err := tx.Delete(oldKey); err != nil {
			return err
		}
	}
	b, err := encodeRow(row)
	if err != nil {
		return err
	}
	if err := tx.Set(rowKey(table, newPK), b); err != nil {
		return err
	}
	return writeIndexEntries(tx, def, sch, row, newPK)
}

func deleteRowTx(tx *mvcc.Transaction, table string, pk sql.Row) error {
	def, ok, err := tableDefTx(tx, table)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.Plan, "unknown table %q", table)
	}
	sch := tableSchema(def)
	key := rowKey(table, pk)
	b, exists, err := tx.Get(key)
	if err != nil {
		return err
	}
	if !exists {
		return nil // deleting an absent row is a no-op, not an error
	}
	row, err := decodeRow(b)
	if err != nil {
		return err
	}
	if err := removeIndexEntries(tx, def, sch, row, pk); err != nil {
		return err
	}
	return tx.Delete(key)
}

func tableSchema(def sql.TableDef) sql.Schema {
	sch := make(sql.Schema, len(def.Columns))
	for i, c := range def.Columns {
		sch[i] = sql.Column{Name: c.Name, Kind: c.Kind}
	}
	return sch
}

func primaryKey(def sql.TableDef, sch sql.Schema, row sql.Row) sql.Row {
	pk := make(sql.Row, len(def.PrimaryKey))
	for i, col := range def.PrimaryKey {
		if idx := sch.IndexOf(col); idx >= 0 {
			pk[i] = row[idx]
		}
	}
	return pk
}

func rowsEqual(a, b sql.Row) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ae, be := a[i], b[i]
		if ae.IsNull() != be.IsNull() {
			return false
		}
		if ae.IsNull() {
			continue
		}
		if ae.Kind != be.Kind {
			return false
		}
		if ae != be {
			return false
		}
	}
	return true
}

// checkUniqueAndForeignKeys enforces UNIQUE constraints and referenced-row
// existence for every declared foreign key before a row is written.
// oldRow is non-nil only for UPDATE, letting a row's own prior values be
// excluded from its own uniqueness check.
func checkUniqueAndForeignKeys(tx *mvcc.Transaction, def sql.TableDef, sch sql.Schema, row sql.Row, oldRow sql.Row) error {
	for _, fk := range def.ForeignKeys {
		refDef, ok, err := tableDefTx(tx, fk.RefTable)
		if err != nil {
			return err
		}
		if !ok {
			return errs.New(errs.Plan, "foreign key references unknown table %q", fk.RefTable)
		}
		fkVals := make(sql.Row, len(fk.Columns))
		allNull := true
		for i, col := range fk.Columns {
			idx := sch.IndexOf(col)
			fkVals[i] = row[idx]
			if !fkVals[i].IsNull() {
				allNull = false
			}
		}
		if allNull {
			continue // a NULL foreign key is unconstrained, the usual SQL rule
		}
		refKey := rowKey(fk.RefTable, fkVals)
		if len(fk.RefColumns) != len(refDef.PrimaryKey) {
			// Non-primary-key references aren't indexed in this dialect;
			// only primary-key foreign keys are supported.
			return errs.New(errs.Plan, "foreign key on %q must reference the primary key of %q", fk.Columns, fk.RefTable)
		}
		if _, exists, err := tx.Get(refKey); err != nil {
			return err
		} else if !exists {
			return errs.New(errs.Value, "foreign key constraint violation: no row in %q matches %v", fk.RefTable, fkVals)
		}
	}
	for _, uniqueCols := range def.Unique {
		vals := make(sql.Row, len(uniqueCols))
		for i, col := range uniqueCols {
			vals[i] = row[sch.IndexOf(col)]
		}
		prefix := indexLookupPrefix(def.Name, "UNIQUE:"+joinCols(uniqueCols), vals)
		entries, err := tx.Scan(prefix, mvcc.PrefixUpperBound(prefix))
		if err != nil {
			return err
		}
		for _, e := range entries {
			if oldRow != nil && sameRowValue(oldRow, sch, uniqueCols, row) {
				continue
			}
			_ = e
			return errs.New(errs.Value, "UNIQUE constraint violated on columns %v", uniqueCols)
		}
	}
	return nil
}

func sameRowValue(oldRow sql.Row, sch sql.Schema, cols []string, newRow sql.Row) bool {
	for _, c := range cols {
		idx := sch.IndexOf(c)
		if oldRow[idx] != newRow[idx] {
			return false
		}
	}
	return true
}

func joinCols(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ","
		}
		out += c
	}
	return out
}

func writeIndexEntries(tx *mvcc.Transaction, def sql.TableDef, sch sql.Schema, row sql.Row, pk sql.Row) error {
	for _, idx := range def.Indexes {
		vals := columnValues(sch, row, idx.Columns)
		if err := tx.Set(indexKey(def.Name, idx.Name, vals, pk), rowKey(def.Name, pk)); err != nil {
			return err
		}
	}
	for _, u := range def.Unique {
		vals := columnValues(sch, row, u)
		name := "UNIQUE:" + joinCols(u)
		if err := tx.Set(indexKey(def.Name, name, vals, pk), rowKey(def.Name, pk)); err != nil {
			return err
		}
	}
	return nil
}

func removeIndexEntries(tx *mvcc.Transaction, def sql.TableDef, sch sql.Schema, row sql.Row, pk sql.Row) error {
	for _, idx := range def.Indexes {
		vals := columnValues(sch, row, idx.Columns)
		if err := tx.Delete(indexKey(def.Name, idx.Name, vals, pk)); err != nil {
			return err
		}
	}
	for _, u := range def.Unique {
		vals := columnValues(sch, row, u)
		name := "UNIQUE:" + joinCols(u)
		if err := tx.Delete(indexKey(def.Name, name, vals, pk)); err != nil {
			return err
		}
	}
	return nil
}

func columnValues(sch sql.Schema, row sql.Row, cols []string) sql.Row {
	vals := make(sql.Row, len(cols))
	for i, c := range cols {
		vals[i] = row[sch.IndexOf(c)]
	}
	return vals
}
