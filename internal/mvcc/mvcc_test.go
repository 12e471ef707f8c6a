package mvcc

import (
	"testing"

	"github.com/quoradb/quoradb/internal/bytestore"
	"github.com/quoradb/quoradb/internal/errs"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	return New(bytestore.OpenMemory())
}

func TestBeginCommitVisibility(t *testing.T) {
	e := newEngine(t)

	tx1, err := e.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx1.Set([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := tx1.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2, err := e.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	v, ok, err := tx2.Get([]byte("a"))
	if err != nil || !ok || string(v) != "1" {
		t.Fatalf("Get = %q, %v, %v", v, ok, err)
	}
}

func TestSnapshotIsolationHidesUncommittedWrite(t *testing.T) {
	e := newEngine(t)

	base, _ := e.Begin()
	if err := base.Set([]byte("k"), []byte("orig")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := base.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	t1, _ := e.Begin()
	if err := t1.Set([]byte("k"), []byte("from-t1")); err != nil {
		t.Fatalf("t1 Set: %v", err)
	}

	t2, _ := e.Begin()
	v, ok, err := t2.Get([]byte("k"))
	if err != nil || !ok || string(v) != "orig" {
		t.Fatalf("t2 should not see t1's uncommitted write: got %q, %v, %v", v, ok, err)
	}

	if err := t1.Commit(); err != nil {
		t.Fatalf("t1 commit: %v", err)
	}

	v, ok, err = t2.Get([]byte("k"))
	if err != nil || !ok || string(v) != "orig" {
		t.Fatalf("t2 repeatable read must stay stable: got %q, %v, %v", v, ok, err)
	}
}

func TestConcurrentWriteConflictFailsSerialization(t *testing.T) {
	e := newEngine(t)

	seed, _ := e.Begin()
	if err := seed.Set([]byte("row"), []byte("v0")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := seed.Commit(); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	t1, _ := e.Begin()
	t2, _ := e.Begin()

	if err := t1.Set([]byte("row"), []byte("from-t1")); err != nil {
		t.Fatalf("t1 Set: %v", err)
	}
	if err := t1.Commit(); err != nil {
		t.Fatalf("t1 commit: %v", err)
	}

	err := t2.Set([]byte("row"), []byte("from-t2"))
	if err == nil {
		t.Fatal("expected Serialization conflict, got nil")
	}
	if !errs.Is(err, errs.Serialization) {
		t.Fatalf("expected Serialization error, got %v", err)
	}
}

func TestRollbackUndoesWrites(t *testing.T) {
	e := newEngine(t)

	tx, _ := e.Begin()
	if err := tx.Set([]byte("x"), []byte("y")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	after, _ := e.Begin()
	_, ok, err := after.Get([]byte("x"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("rolled-back write is still visible")
	}
}

func TestReadOnlyTransactionRejectsWrites(t *testing.T) {
	e := newEngine(t)
	tx, _ := e.Begin()
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	ro, err := e.BeginReadOnly(tx.ID())
	if err != nil {
		t.Fatalf("BeginReadOnly: %v", err)
	}
	err = ro.Set([]byte("k"), []byte("v"))
	if !errs.Is(err, errs.ReadOnly) {
		t.Fatalf("expected ReadOnly error, got %v", err)
	}
}

func TestScanSkipsTombstonesAndRespectsBounds(t *testing.T) {
	e := newEngine(t)

	tx, _ := e.Begin()
	for _, k := range []string{"a", "b", "c", "d"} {
		if err := tx.Set([]byte(k), []byte(k)); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2, _ := e.Begin()
	if err := tx2.Delete([]byte("b")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx3, _ := e.Begin()
	results, err := tx3.Scan([]byte("a"), []byte("d"))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Scan [a,d) = %d results, want 2 (a, c)", len(results))
	}
	if string(results[0].Key) != "a" || string(results[1].Key) != "c" {
		t.Fatalf("unexpected scan result order: %+v", results)
	}
}
