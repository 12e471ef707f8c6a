package sql

import (
	"context"
	"testing"
)

// memStorage is a minimal in-memory Storage used only to exercise the
// lexer/parser/plan/optimize/exec pipeline in isolation from
// internal/sqlstorage and internal/mvcc.
type memStorage struct {
	tables map[string]TableDef
	rows   map[string][]Row
}

func newMemStorage() *memStorage {
	return &memStorage{tables: map[string]TableDef{}, rows: map[string][]Row{}}
}

func (m *memStorage) TableDef(ctx context.Context, name string) (TableDef, bool, error) {
	def, ok := m.tables[name]
	return def, ok, nil
}

func (m *memStorage) ListTables(ctx context.Context) ([]string, error) {
	var out []string
	for name := range m.tables {
		out = append(out, name)
	}
	return out, nil
}

func (m *memStorage) ScanTable(ctx context.Context, table string) (RowIter, error) {
	rows := append([]Row{}, m.rows[table]...)
	return newSliceIter(rows), nil
}

func (m *memStorage) IndexLookup(ctx context.Context, table, index string, key Row) (RowIter, error) {
	def := m.tables[table]
	sch := tableSchema(def)
	var out []Row
	for _, row := range m.rows[table] {
		pk := primaryKeyOf(def, sch, row)
		if len(pk) == len(key) {
			match := true
			for i := range pk {
				cmp, err := compareValues(pk[i], key[i])
				if err != nil || cmp != 0 {
					match = false
					break
				}
			}
			if match {
				out = append(out, row)
			}
		}
	}
	return newSliceIter(out), nil
}

func (m *memStorage) InsertRow(ctx context.Context, table string, row Row) error {
	m.rows[table] = append(m.rows[table], row)
	return nil
}

func (m *memStorage) UpdateRow(ctx context.Context, table string, pk Row, row Row) error {
	def := m.tables[table]
	sch := tableSchema(def)
	for i, existing := range m.rows[table] {
		existingPK := primaryKeyOf(def, sch, existing)
		if rowEqual(existingPK, pk) {
			m.rows[table][i] = row
			return nil
		}
	}
	return nil
}

func (m *memStorage) DeleteRow(ctx context.Context, table string, pk Row) error {
	def := m.tables[table]
	sch := tableSchema(def)
	filtered := m.rows[table][:0]
	for _, existing := range m.rows[table] {
		existingPK := primaryKeyOf(def, sch, existing)
		if !rowEqual(existingPK, pk) {
			filtered = append(filtered, existing)
		}
	}
	m.rows[table] = filtered
	return nil
}

func (m *memStorage) CreateTable(ctx context.Context, def TableDef) error {
	m.tables[def.Name] = def
	return nil
}

func (m *memStorage) DropTable(ctx context.Context, name string) error {
	delete(m.tables, name)
	delete(m.rows, name)
	return nil
}

// memTxn is memStorage's Txn: the test double has no real isolation, so
// Commit/Rollback are both no-ops — only Session's own open/closed state
// machine and statement routing are under test here, not transaction
// semantics (those are exercised against sqlstorage.Local instead).
type memTxn struct {
	*memStorage
	id uint64
}

func (t *memTxn) ID() uint64      { return t.id }
func (t *memTxn) Commit() error   { return nil }
func (t *memTxn) Rollback() error { return nil }

func (m *memStorage) Begin(ctx context.Context) (Txn, error) {
	return &memTxn{memStorage: m, id: 1}, nil
}

var _ TxnStorage = (*memStorage)(nil)

func rowEqual(a, b Row) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if cmp, err := compareValues(a[i], b[i]); err != nil || cmp != 0 {
			return false
		}
	}
	return true
}

func mustExec(t *testing.T, st Storage, sqlText string) *Result {
	t.Helper()
	stmt, err := Parse(sqlText)
	if err != nil {
		t.Fatalf("Parse(%q): %v", sqlText, err)
	}
	res, err := Execute(context.Background(), st, stmt)
	if err != nil {
		t.Fatalf("Execute(%q): %v", sqlText, err)
	}
	return res
}

func setupUsers(t *testing.T) Storage {
	st := newMemStorage()
	mustExec(t, st, `CREATE TABLE users (id INTEGER NOT NULL, name STRING, age INTEGER, PRIMARY KEY (id))`)
	mustExec(t, st, `INSERT INTO users (id, name, age) VALUES (1, 'alice', 30)`)
	mustExec(t, st, `INSERT INTO users (id, name, age) VALUES (2, 'bob', 25)`)
	mustExec(t, st, `INSERT INTO users (id, name, age) VALUES (3, 'carol', 35)`)
	return st
}

func TestLexerTokenizesBasicStatement(t *testing.T) {
	toks, err := newLexer("SELECT a, b FROM t WHERE a = 1").tokenize()
	if err != nil {
		t.Fatalf("tokenize: %v", err)
	}
	if toks[0].typ != tKeyword || toks[0].val != "SELECT" {
		t.Fatalf("first token = %+v", toks[0])
	}
	if toks[len(toks)-1].typ != tEOF {
		t.Fatalf("last token not EOF: %+v", toks[len(toks)-1])
	}
}

func TestParseSelectBasic(t *testing.T) {
	stmt, err := Parse("SELECT id, name FROM users WHERE age >= 30 ORDER BY id DESC LIMIT 10")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sel, ok := stmt.(*SelectStmt)
	if !ok {
		t.Fatalf("got %T, want *SelectStmt", stmt)
	}
	if len(sel.Columns) != 2 || sel.Limit == nil || *sel.Limit != 10 {
		t.Fatalf("unexpected statement: %+v", sel)
	}
}

func TestOperatorPrecedence(t *testing.T) {
	// "1 + 2 * 3" must parse as "1 + (2 * 3)".
	stmt, err := Parse("SELECT 1 + 2 * 3")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sel := stmt.(*SelectStmt)
	top, ok := sel.Columns[0].Expr.(*BinaryExpr)
	if !ok || top.Op != "+" {
		t.Fatalf("top-level op = %+v", sel.Columns[0].Expr)
	}
	right, ok := top.Right.(*BinaryExpr)
	if !ok || right.Op != "*" {
		t.Fatalf("right operand = %+v", top.Right)
	}
}

func TestPowerIsRightAssociative(t *testing.T) {
	// "2 ^ 3 ^ 2" must parse as "2 ^ (3 ^ 2)".
	stmt, err := Parse("SELECT 2 ^ 3 ^ 2")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sel := stmt.(*SelectStmt)
	top := sel.Columns[0].Expr.(*BinaryExpr)
	if top.Op != "^" {
		t.Fatalf("top op = %s", top.Op)
	}
	if _, ok := top.Left.(*LiteralExpr); !ok {
		t.Fatalf("left should be a literal, got %T", top.Left)
	}
	if _, ok := top.Right.(*BinaryExpr); !ok {
		t.Fatalf("right should be nested ^, got %T", top.Right)
	}
}

func TestInsertSelectRoundTrip(t *testing.T) {
	st := setupUsers(t)
	res := mustExec(t, st, `SELECT name FROM users WHERE age > 28 ORDER BY name`)
	if len(res.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d: %v", len(res.Rows), res.Rows)
	}
	if res.Rows[0][0].Str != "alice" || res.Rows[1][0].Str != "carol" {
		t.Fatalf("unexpected rows: %v", res.Rows)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	st := setupUsers(t)
	res := mustExec(t, st, `UPDATE users SET age = 31 WHERE id = 1`)
	if res.RowsAffected != 1 {
		t.Fatalf("UPDATE affected %d rows, want 1", res.RowsAffected)
	}
	sel := mustExec(t, st, `SELECT age FROM users WHERE id = 1`)
	if len(sel.Rows) != 1 || sel.Rows[0][0].Int != 31 {
		t.Fatalf("unexpected rows after update: %v", sel.Rows)
	}

	del := mustExec(t, st, `DELETE FROM users WHERE id = 2`)
	if del.RowsAffected != 1 {
		t.Fatalf("DELETE affected %d rows, want 1", del.RowsAffected)
	}
	all := mustExec(t, st, `SELECT id FROM users`)
	if len(all.Rows) != 2 {
		t.Fatalf("expected 2 remaining rows, got %d", len(all.Rows))
	}
}

func TestAggregationGroupByHaving(t *testing.T) {
	st := newMemStorage()
	mustExec(t, st, `CREATE TABLE orders (customer STRING, amount FLOAT, PRIMARY KEY (customer))`)
	mustExec(t, st, `INSERT INTO orders (customer, amount) VALUES ('a', 10.0)`)
	mustExec(t, st, `INSERT INTO orders (customer, amount) VALUES ('a', 20.0)`)
	mustExec(t, st, `INSERT INTO orders (customer, amount) VALUES ('b', 5.0)`)

	res := mustExec(t, st, `SELECT customer, SUM(amount) FROM orders GROUP BY customer HAVING SUM(amount) > 15 ORDER BY customer`)
	if len(res.Rows) != 1 {
		t.Fatalf("expected 1 group to survive HAVING, got %d: %v", len(res.Rows), res.Rows)
	}
	if res.Rows[0][0].Str != "a" || res.Rows[0][1].Float != 30.0 {
		t.Fatalf("unexpected aggregation result: %v", res.Rows[0])
	}
}

func TestHashInnerJoin(t *testing.T) {
	st := newMemStorage()
	mustExec(t, st, `CREATE TABLE a (id INTEGER, PRIMARY KEY (id))`)
	mustExec(t, st, `CREATE TABLE b (a_id INTEGER, label STRING, PRIMARY KEY (a_id))`)
	mustExec(t, st, `INSERT INTO a (id) VALUES (1)`)
	mustExec(t, st, `INSERT INTO a (id) VALUES (2)`)
	mustExec(t, st, `INSERT INTO b (a_id, label) VALUES (1, 'one')`)

	res := mustExec(t, st, `SELECT a.id, b.label FROM a JOIN b ON a.id = b.a_id`)
	if len(res.Rows) != 1 {
		t.Fatalf("expected 1 matching row, got %d: %v", len(res.Rows), res.Rows)
	}
	if res.Rows[0][0].Int != 1 || res.Rows[0][1].Str != "one" {
		t.Fatalf("unexpected join result: %v", res.Rows[0])
	}
}

func TestThreeValuedLogicAndNullOrdering(t *testing.T) {
	st := newMemStorage()
	mustExec(t, st, `CREATE TABLE t (x INTEGER, PRIMARY KEY (x))`)
	mustExec(t, st, `INSERT INTO t (x) VALUES (1)`)
	mustExec(t, st, `INSERT INTO t (x) VALUES (NULL)`)
	mustExec(t, st, `INSERT INTO t (x) VALUES (2)`)

	res := mustExec(t, st, `SELECT x FROM t WHERE x > 0`)
	if len(res.Rows) != 2 {
		t.Fatalf("NULL should never satisfy a comparison, got %d rows: %v", len(res.Rows), res.Rows)
	}

	ordered := mustExec(t, st, `SELECT x FROM t ORDER BY x`)
	if len(ordered.Rows) != 3 || !ordered.Rows[2][0].IsNull() {
		t.Fatalf("NULL should sort last, got %v", ordered.Rows)
	}
}

func TestDivisionByZeroIsValueError(t *testing.T) {
	stmt, err := Parse("SELECT 1 / 0")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	_, err = Execute(context.Background(), newMemStorage(), stmt)
	if err == nil {
		t.Fatal("expected division-by-zero error")
	}
}

func TestLikeWildcards(t *testing.T) {
	if !likeMatch("hello", "h%o") {
		t.Errorf("%s should match hello", "h%o")
	}
	if !likeMatch("hello", "h_llo") {
		t.Error("h_llo should match hello")
	}
	if likeMatch("hello", "world") {
		t.Error("world should not match hello")
	}
}

func mustSessionExec(t *testing.T, s *Session, sqlText string) *Result {
	t.Helper()
	stmt, err := Parse(sqlText)
	if err != nil {
		t.Fatalf("Parse(%q): %v", sqlText, err)
	}
	res, err := s.Execute(context.Background(), stmt)
	if err != nil {
		t.Fatalf("Session.Execute(%q): %v", sqlText, err)
	}
	return res
}

func TestSessionBeginCommitTogglesInTxn(t *testing.T) {
	st := newMemStorage()
	s := NewSession(st)
	if s.InTxn() {
		t.Fatal("new session should not start in a transaction")
	}

	res := mustSessionExec(t, s, "BEGIN")
	if res.Kind != ResultBegin || !s.InTxn() {
		t.Fatal("BEGIN should open a transaction")
	}

	res = mustSessionExec(t, s, "COMMIT")
	if res.Kind != ResultCommit || s.InTxn() {
		t.Fatal("COMMIT should close the transaction")
	}
}

func TestSessionDoubleBeginFails(t *testing.T) {
	s := NewSession(newMemStorage())
	mustSessionExec(t, s, "BEGIN")
	if _, err := s.Execute(context.Background(), &BeginStmt{}); err == nil {
		t.Fatal("BEGIN while a transaction is already open should fail")
	}
}

func TestSessionCommitWithoutBeginFails(t *testing.T) {
	s := NewSession(newMemStorage())
	if _, err := s.Execute(context.Background(), &CommitStmt{}); err == nil {
		t.Fatal("COMMIT with no open transaction should fail")
	}
}

func TestSessionRollbackClearsTxn(t *testing.T) {
	s := NewSession(newMemStorage())
	mustSessionExec(t, s, "BEGIN")
	res := mustSessionExec(t, s, "ROLLBACK")
	if res.Kind != ResultRollback || s.InTxn() {
		t.Fatal("ROLLBACK should close the transaction")
	}
}

func TestSessionExplainRendersPlanWithoutRunning(t *testing.T) {
	st := newMemStorage()
	s := NewSession(st)
	mustSessionExec(t, s, `CREATE TABLE t (x INTEGER NOT NULL, PRIMARY KEY (x))`)

	res := mustSessionExec(t, s, "EXPLAIN SELECT x FROM t WHERE x = 1")
	if res.Kind != ResultExplain {
		t.Fatalf("expected ResultExplain, got %v", res.Kind)
	}
	if res.Plan == "" {
		t.Fatal("EXPLAIN should produce a non-empty plan description")
	}
}

func TestSessionExplainRejectsNonSelect(t *testing.T) {
	s := NewSession(newMemStorage())
	stmt, err := Parse("EXPLAIN CREATE TABLE t (x INTEGER NOT NULL, PRIMARY KEY (x))")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := s.Execute(context.Background(), stmt); err == nil {
		t.Fatal("EXPLAIN on a non-SELECT statement should fail")
	}
}

func TestBareExecuteRejectsTransactionStatements(t *testing.T) {
	st := newMemStorage()
	if _, err := Execute(context.Background(), st, &BeginStmt{}); err == nil {
		t.Fatal("bare Execute should reject BEGIN")
	}
}
