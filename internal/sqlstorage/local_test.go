package sqlstorage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quoradb/quoradb/internal/bytestore"
	"github.com/quoradb/quoradb/internal/sql"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	return NewLocal(bytestore.OpenMemory())
}

func usersTableDef() sql.TableDef {
	return sql.TableDef{
		Name: "users",
		Columns: []sql.ColumnDef{
			{Name: "id", Kind: sql.KindInteger, NotNull: true},
			{Name: "email", Kind: sql.KindString, NotNull: true},
		},
		PrimaryKey: []string{"id"},
		Unique:     [][]string{{"email"}},
	}
}

func TestCreateTableAndListTables(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)

	require.NoError(t, l.CreateTable(ctx, usersTableDef()))

	tables, err := l.ListTables(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"users"}, tables)

	def, ok, err := l.TableDef(ctx, "users")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "users", def.Name)
}

func TestCreateTableDuplicateFails(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)

	require.NoError(t, l.CreateTable(ctx, usersTableDef()))
	err := l.CreateTable(ctx, usersTableDef())
	require.Error(t, err)
}

func TestInsertAndScanRow(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)
	require.NoError(t, l.CreateTable(ctx, usersTableDef()))

	row := sql.Row{sql.IntValue(1), sql.StringValue("a@example.com")}
	require.NoError(t, l.InsertRow(ctx, "users", row))

	it, err := l.ScanTable(ctx, "users")
	require.NoError(t, err)
	defer it.Close()

	got, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, row, got)

	_, ok, err = it.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInsertDuplicatePrimaryKeyFails(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)
	require.NoError(t, l.CreateTable(ctx, usersTableDef()))

	row := sql.Row{sql.IntValue(1), sql.StringValue("a@example.com")}
	require.NoError(t, l.InsertRow(ctx, "users", row))

	dup := sql.Row{sql.IntValue(1), sql.StringValue("b@example.com")}
	require.Error(t, l.InsertRow(ctx, "users", dup))
}

func TestInsertUniqueConstraintViolation(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)
	require.NoError(t, l.CreateTable(ctx, usersTableDef()))

	require.NoError(t, l.InsertRow(ctx, "users", sql.Row{sql.IntValue(1), sql.StringValue("a@example.com")}))
	err := l.InsertRow(ctx, "users", sql.Row{sql.IntValue(2), sql.StringValue("a@example.com")})
	require.Error(t, err)
}

func TestUpdateRowChangesIndexedValue(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)
	require.NoError(t, l.CreateTable(ctx, usersTableDef()))

	pk := sql.Row{sql.IntValue(1)}
	require.NoError(t, l.InsertRow(ctx, "users", sql.Row{sql.IntValue(1), sql.StringValue("a@example.com")}))
	require.NoError(t, l.UpdateRow(ctx, "users", pk, sql.Row{sql.IntValue(1), sql.StringValue("b@example.com")}))

	it, err := l.IndexLookup(ctx, "users", "PRIMARY", pk)
	require.NoError(t, err)
	defer it.Close()
	row, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b@example.com", row[1].Str)
}

func TestDeleteRowThenScanEmpty(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)
	require.NoError(t, l.CreateTable(ctx, usersTableDef()))

	pk := sql.Row{sql.IntValue(1)}
	require.NoError(t, l.InsertRow(ctx, "users", sql.Row{sql.IntValue(1), sql.StringValue("a@example.com")}))
	require.NoError(t, l.DeleteRow(ctx, "users", pk))

	it, err := l.ScanTable(ctx, "users")
	require.NoError(t, err)
	defer it.Close()
	_, ok, err := it.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLocalTxnIsolatesUntilCommit(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)
	require.NoError(t, l.CreateTable(ctx, usersTableDef()))

	txn, err := l.Begin(ctx)
	require.NoError(t, err)

	row := sql.Row{sql.IntValue(1), sql.StringValue("a@example.com")}
	require.NoError(t, txn.InsertRow(ctx, "users", row))

	it, err := l.ScanTable(ctx, "users")
	require.NoError(t, err)
	_, ok, err := it.Next()
	require.NoError(t, err)
	require.False(t, ok, "a row inserted inside an open transaction must not be visible outside it")
	it.Close()

	require.NoError(t, txn.Commit())

	it, err = l.ScanTable(ctx, "users")
	require.NoError(t, err)
	defer it.Close()
	got, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, row, got)
}

func TestLocalTxnRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)
	require.NoError(t, l.CreateTable(ctx, usersTableDef()))

	txn, err := l.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.InsertRow(ctx, "users", sql.Row{sql.IntValue(1), sql.StringValue("a@example.com")}))
	require.NoError(t, txn.Rollback())

	it, err := l.ScanTable(ctx, "users")
	require.NoError(t, err)
	defer it.Close()
	_, ok, err := it.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLocalTxnDoubleCommitFails(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)
	txn, err := l.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())
	require.Error(t, txn.Commit())
}

func TestDropTableRemovesCatalogEntry(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)
	require.NoError(t, l.CreateTable(ctx, usersTableDef()))
	require.NoError(t, l.DropTable(ctx, "users"))

	_, ok, err := l.TableDef(ctx, "users")
	require.NoError(t, err)
	require.False(t, ok)

	tables, err := l.ListTables(ctx)
	require.NoError(t, err)
	require.Empty(t, tables)
}
