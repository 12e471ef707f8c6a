// What: execute.go is the single public entry point that turns a parsed
// Stmt into effects against Storage: a statement-kind switch dispatches
// DML/DDL directly and hands SELECT off to the plan/optimize/exec
// pipeline.
package sql

import (
	"context"

	"github.com/quoradb/quoradb/internal/errs"
)

// ResultKind discriminates the shape of a Result, one value per statement
// kind Execute/Session.Execute can produce.
type ResultKind int

const (
	ResultQuery ResultKind = iota
	ResultInsert
	ResultUpdate
	ResultDelete
	ResultCreateTable
	ResultDropTable
	ResultBegin
	ResultCommit
	ResultRollback
	ResultExplain
)

// Result is the uniform outcome of executing one statement: a row set
// (Query), an affected-row count (Insert/Update/Delete), a bare
// acknowledgement (CreateTable/DropTable/Begin/Commit/Rollback), or a plan
// description (Explain).
type Result struct {
	Kind         ResultKind
	Schema       Schema
	Rows         []Row
	RowsAffected int64
	Plan         string
}

// Execute parses nothing itself; callers run Parse first. It plans and
// optimizes SELECT statements and applies DML/DDL directly to st.
// BEGIN/COMMIT/ROLLBACK/EXPLAIN have no meaning against a bare Storage —
// they require the transaction state a Session holds, and are rejected
// here with an internal error if handed to Execute directly.
func Execute(ctx context.Context, st Storage, stmt Stmt) (*Result, error) {
	switch n := stmt.(type) {
	case *SelectStmt:
		return executeSelect(ctx, st, n)
	case *InsertStmt:
		return executeInsert(ctx, st, n)
	case *UpdateStmt:
		return executeUpdate(ctx, st, n)
	case *DeleteStmt:
		return executeDelete(ctx, st, n)
	case *CreateTableStmt:
		return executeCreateTable(ctx, st, n)
	case *DropTableStmt:
		return executeDropTable(ctx, st, n)
	case *BeginStmt, *CommitStmt, *RollbackStmt, *ExplainStmt:
		return nil, errs.New(errs.Internal, "%T requires a Session, not a bare Execute call", stmt)
	default:
		return nil, errs.New(errs.Internal, "unhandled statement %T", stmt)
	}
}

func executeSelect(ctx context.Context, st Storage, stmt *SelectStmt) (*Result, error) {
	plan, err := PlanSelect(ctx, st, stmt)
	if err != nil {
		return nil, err
	}
	plan = Optimize(ctx, st, plan)
	it, err := Run(ctx, st, plan)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	rows, err := drain(it)
	if err != nil {
		return nil, err
	}
	return &Result{Kind: ResultQuery, Schema: plan.Schema(), Rows: rows}, nil
}

func executeInsert(ctx context.Context, st Storage, stmt *InsertStmt) (*Result, error) {
	def, ok, err := st.TableDef(ctx, stmt.Table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.Plan, "unknown table %q", stmt.Table)
	}
	targetCols := stmt.Columns
	if len(targetCols) == 0 {
		for _, c := range def.Columns {
			targetCols = append(targetCols, c.Name)
		}
	}
	var affected int64
	for _, values := range stmt.Rows {
		if len(values) != len(targetCols) {
			return nil, errs.New(errs.Plan, "INSERT has %d values for %d columns", len(values), len(targetCols))
		}
		row, err := buildInsertRow(def, targetCols, values)
		if err != nil {
			return nil, err
		}
		if err := st.InsertRow(ctx, stmt.Table, row); err != nil {
			return nil, err
		}
		affected++
	}
	return &Result{Kind: ResultInsert, RowsAffected: affected}, nil
}

// buildInsertRow evaluates each supplied expression as a constant, fills
// unspecified columns from their DEFAULT (or NULL), and enforces NOT NULL
// before the row ever reaches storage — defaults are applied first so a
// DEFAULT value can itself satisfy a NOT NULL constraint.
func buildInsertRow(def TableDef, targetCols []string, values []Expr) (Row, error) {
	supplied := map[string]Value{}
	for i, col := range targetCols {
		v, err := Eval(values[i], constBinding{})
		if err != nil {
			return nil, errs.Wrap(errs.Plan, err, "INSERT values must be constant expressions")
		}
		supplied[col] = v
	}
	row := make(Row, len(def.Columns))
	for i, c := range def.Columns {
		v, ok := supplied[c.Name]
		if !ok {
			if c.Default != nil {
				v = *c.Default
			} else {
				v = NullValue()
			}
		}
		if c.NotNull && v.IsNull() {
			return nil, errs.New(errs.Value, "column %q may not be NULL", c.Name)
		}
		row[i] = v
	}
	return row, nil
}

func tableSchema(def TableDef) Schema {
	sch := make(Schema, len(def.Columns))
	for i, c := range def.Columns {
		sch[i] = Column{Name: c.Name, Kind: c.Kind}
	}
	return sch
}

func primaryKeyOf(def TableDef, sch Schema, row Row) Row {
	pk := make(Row, len(def.PrimaryKey))
	for i, col := range def.PrimaryKey {
		if idx := sch.IndexOf(col); idx >= 0 {
			pk[i] = row[idx]
		}
	}
	return pk
}

func executeUpdate(ctx context.Context, st Storage, stmt *UpdateStmt) (*Result, error) {
	def, ok, err := st.TableDef(ctx, stmt.Table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.Plan, "unknown table %q", stmt.Table)
	}
	sch := tableSchema(def)
	it, err := st.ScanTable(ctx, stmt.Table)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var affected int64
	for {
		row, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		b := NewRowBinding(sch, row)
		if stmt.Where != nil {
			v, err := Eval(stmt.Where, b)
			if err != nil {
				return nil, err
			}
			if !Truth(v) {
				continue
			}
		}
		pk := primaryKeyOf(def, sch, row)
		newRow := append(Row{}, row...)
		for _, assign := range stmt.Sets {
			idx := sch.IndexOf(assign.Column)
			if idx < 0 {
				return nil, errs.New(errs.Plan, "unknown column %q", assign.Column)
			}
			v, err := Eval(assign.Value, b)
			if err != nil {
				return nil, err
			}
			col := def.Columns[idx]
			if col.NotNull && v.IsNull() {
				return nil, errs.New(errs.Value, "column %q may not be NULL", col.Name)
			}
			newRow[idx] = v
		}
		if err := st.UpdateRow(ctx, stmt.Table, pk, newRow); err != nil {
			return nil, err
		}
		affected++
	}
	return &Result{Kind: ResultUpdate, RowsAffected: affected}, nil
}

func executeDelete(ctx context.Context, st Storage, stmt *DeleteStmt) (*Result, error) {
	def, ok, err := st.TableDef(ctx, stmt.Table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.Plan, "unknown table %q", stmt.Table)
	}
	sch := tableSchema(def)
	it, err := st.ScanTable(ctx, stmt.Table)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var affected int64
	for {
		row, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if stmt.Where != nil {
			v, err := Eval(stmt.Where, NewRowBinding(sch, row))
			if err != nil {
				return nil, err
			}
			if !Truth(v) {
				continue
			}
		}
		pk := primaryKeyOf(def, sch, row)
		if err := st.DeleteRow(ctx, stmt.Table, pk); err != nil {
			return nil, err
		}
		affected++
	}
	return &Result{Kind: ResultDelete, RowsAffected: affected}, nil
}

func executeCreateTable(ctx context.Context, st Storage, stmt *CreateTableStmt) (*Result, error) {
	if stmt.IfNotExists {
		if _, ok, err := st.TableDef(ctx, stmt.Name); err != nil {
			return nil, err
		} else if ok {
			return &Result{Kind: ResultCreateTable}, nil
		}
	}
	def := TableDef{
		Name:        stmt.Name,
		Columns:     stmt.Columns,
		PrimaryKey:  stmt.PrimaryKey,
		ForeignKeys: stmt.ForeignKeys,
		Unique:      stmt.Unique,
	}
	if err := st.CreateTable(ctx, def); err != nil {
		return nil, err
	}
	return &Result{Kind: ResultCreateTable}, nil
}

func executeDropTable(ctx context.Context, st Storage, stmt *DropTableStmt) (*Result, error) {
	if stmt.IfExists {
		if _, ok, err := st.TableDef(ctx, stmt.Name); err != nil {
			return nil, err
		} else if !ok {
			return &Result{Kind: ResultDropTable}, nil
		}
	}
	if err := st.DropTable(ctx, stmt.Name); err != nil {
		return nil, err
	}
	return &Result{Kind: ResultDropTable}, nil
}

// Session threads at most one open Txn across multiple Execute calls,
// implementing BEGIN/COMMIT/ROLLBACK/EXPLAIN — statement kinds the
// stateless package-level Execute can't handle on its own since it only
// ever sees one statement at a time. internal/server.Session holds one of
// these per client connection.
type Session struct {
	base TxnStorage
	txn  Txn
}

// NewSession wraps base, the Storage a connection falls back to when no
// explicit transaction is open.
func NewSession(base TxnStorage) *Session {
	return &Session{base: base}
}

// Resume attaches an already-open Txn (e.g. one recovered through a
// Replicated-specific Resume after a reconnect) instead of starting fresh.
func (s *Session) Resume(txn Txn) { s.txn = txn }

// InTxn reports whether an explicit transaction is currently open.
func (s *Session) InTxn() bool { return s.txn != nil }

// Storage exposes the Storage this session currently reads and writes
// through — the open transaction if one exists, else the session's base —
// for callers (e.g. a connection's status/introspection requests) that
// need a consistent view without going through Execute.
func (s *Session) Storage() Storage { return s.storage() }

func (s *Session) storage() Storage {
	if s.txn != nil {
		return s.txn
	}
	return s.base
}

// Execute runs one parsed statement against this session's current
// transaction (or the base storage, if none is open), intercepting
// BEGIN/COMMIT/ROLLBACK/EXPLAIN itself and delegating everything else to
// the package-level Execute.
func (s *Session) Execute(ctx context.Context, stmt Stmt) (*Result, error) {
	switch n := stmt.(type) {
	case *BeginStmt:
		if s.txn != nil {
			return nil, errs.New(errs.Plan, "a transaction is already open on this session")
		}
		txn, err := s.base.Begin(ctx)
		if err != nil {
			return nil, err
		}
		s.txn = txn
		return &Result{Kind: ResultBegin}, nil
	case *CommitStmt:
		if s.txn == nil {
			return nil, errs.New(errs.Plan, "no transaction is open on this session")
		}
		txn := s.txn
		s.txn = nil
		if err := txn.Commit(); err != nil {
			return nil, err
		}
		return &Result{Kind: ResultCommit}, nil
	case *RollbackStmt:
		if s.txn == nil {
			return nil, errs.New(errs.Plan, "no transaction is open on this session")
		}
		txn := s.txn
		s.txn = nil
		if err := txn.Rollback(); err != nil {
			return nil, err
		}
		return &Result{Kind: ResultRollback}, nil
	case *ExplainStmt:
		return s.executeExplain(ctx, n)
	default:
		return Execute(ctx, s.storage(), stmt)
	}
}

func (s *Session) executeExplain(ctx context.Context, n *ExplainStmt) (*Result, error) {
	sel, ok := n.Stmt.(*SelectStmt)
	if !ok {
		return nil, errs.New(errs.Plan, "EXPLAIN only supports SELECT statements")
	}
	st := s.storage()
	plan, err := PlanSelect(ctx, st, sel)
	if err != nil {
		return nil, err
	}
	plan = Optimize(ctx, st, plan)
	return &Result{Kind: ResultExplain, Plan: describePlan(plan, 0)}, nil
}
