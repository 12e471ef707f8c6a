// What: Replicated implements sql.Storage by routing every call through a
// consensus.Client instead of touching MVCC directly, so the SQL layer
// above it is unaware whether it is talking to a standalone Local or a
// replicated cluster. ReplicatedTxn is its explicit-transaction
// counterpart, threading one TxnID through every call until Commit or
// Rollback, mirroring the Local/LocalTxn split.
package sqlstorage

import (
	"context"

	"github.com/quoradb/quoradb/internal/consensus"
	"github.com/quoradb/quoradb/internal/errs"
	"github.com/quoradb/quoradb/internal/sql"
)

// Replicated is the Storage a SQL session talks to when this node
// participates in a consensus cluster: mutations go through the replicated
// log, queries go through a linearizable read.
type Replicated struct {
	client consensus.Client
}

// NewReplicated constructs a Replicated storage over client, a
// *consensus.Node running in this process (the only consensus.Client
// implementation).
func NewReplicated(client consensus.Client) *Replicated {
	return &Replicated{client: client}
}

var (
	_ sql.Storage    = (*Replicated)(nil)
	_ sql.TxnStorage = (*Replicated)(nil)
)

func (r *Replicated) submitMutationReply(ctx context.Context, cmd mutationCmd) (mutationReply, error) {
	b, err := encodeCmd(cmd)
	if err != nil {
		return mutationReply{}, err
	}
	resp, err := r.client.SubmitMutation(ctx, b)
	if err != nil {
		return mutationReply{}, err
	}
	var reply mutationReply
	if err := decodeCmd(resp, &reply); err != nil {
		return mutationReply{}, err
	}
	if reply.Err != "" {
		return mutationReply{}, errs.New(errs.Value, "%s", reply.Err)
	}
	return reply, nil
}

func (r *Replicated) submitMutation(ctx context.Context, cmd mutationCmd) error {
	_, err := r.submitMutationReply(ctx, cmd)
	return err
}

func (r *Replicated) submitQuery(ctx context.Context, cmd queryCmd) (queryReply, error) {
	b, err := encodeCmd(cmd)
	if err != nil {
		return queryReply{}, err
	}
	resp, err := r.client.SubmitQuery(ctx, b)
	if err != nil {
		return queryReply{}, err
	}
	var reply queryReply
	if err := decodeCmd(resp, &reply); err != nil {
		return queryReply{}, err
	}
	if reply.Err != "" {
		return queryReply{}, errs.New(errs.Value, "%s", reply.Err)
	}
	return reply, nil
}

// Begin opens a transaction on the state machine every replica keeps in
// lockstep: the BeginTxn command is itself replicated, so every replica
// ends up with a registry entry under the identical assigned id, which
// only the leader's reply reports back to this caller.
func (r *Replicated) Begin(ctx context.Context) (sql.Txn, error) {
	reply, err := r.submitMutationReply(ctx, mutationCmd{Op: opBeginTxn})
	if err != nil {
		return nil, err
	}
	return &ReplicatedTxn{r: r, id: reply.TxnID}, nil
}

// Resume reattaches to a transaction id previously returned by Begin, for
// a session recovering after a reconnect: the state machine on the leader
// still holds the underlying transaction open in its registry regardless
// of whether this client process restarted.
func (r *Replicated) Resume(ctx context.Context, id uint64) (sql.Txn, error) {
	return &ReplicatedTxn{r: r, id: id}, nil
}

func (r *Replicated) tableDef(ctx context.Context, name string, txnID uint64) (sql.TableDef, bool, error) {
	reply, err := r.submitQuery(ctx, queryCmd{Op: opTableDef, Table: name, TxnID: txnID})
	if err != nil {
		return sql.TableDef{}, false, err
	}
	return reply.Def, reply.Found, nil
}

func (r *Replicated) listTables(ctx context.Context, txnID uint64) ([]string, error) {
	reply, err := r.submitQuery(ctx, queryCmd{Op: opListTables, TxnID: txnID})
	if err != nil {
		return nil, err
	}
	return reply.Tables, nil
}

func (r *Replicated) scanTable(ctx context.Context, table string, txnID uint64) (sql.RowIter, error) {
	reply, err := r.submitQuery(ctx, queryCmd{Op: opScanTable, Table: table, TxnID: txnID})
	if err != nil {
		return nil, err
	}
	return newRowSliceIter(reply.Rows), nil
}

func (r *Replicated) indexLookup(ctx context.Context, table, index string, key sql.Row, txnID uint64) (sql.RowIter, error) {
	reply, err := r.submitQuery(ctx, queryCmd{Op: opIndexLookup, Table: table, Index: index, Key: key, TxnID: txnID})
	if err != nil {
		return nil, err
	}
	return newRowSliceIter(reply.Rows), nil
}

func (r *Replicated) insertRow(ctx context.Context, table string, row sql.Row, txnID uint64) error {
	return r.submitMutation(ctx, mutationCmd{Op: opInsertRow, Table: table, Row: row, TxnID: txnID})
}

func (r *Replicated) updateRow(ctx context.Context, table string, pk sql.Row, row sql.Row, txnID uint64) error {
	return r.submitMutation(ctx, mutationCmd{Op: opUpdateRow, Table: table, PK: pk, Row: row, TxnID: txnID})
}

func (r *Replicated) deleteRow(ctx context.Context, table string, pk sql.Row, txnID uint64) error {
	return r.submitMutation(ctx, mutationCmd{Op: opDeleteRow, Table: table, PK: pk, TxnID: txnID})
}

func (r *Replicated) createTable(ctx context.Context, def sql.TableDef, txnID uint64) error {
	return r.submitMutation(ctx, mutationCmd{Op: opCreateTable, Def: def, TxnID: txnID})
}

func (r *Replicated) dropTable(ctx context.Context, name string, txnID uint64) error {
	return r.submitMutation(ctx, mutationCmd{Op: opDropTable, Table: name, TxnID: txnID})
}

func (r *Replicated) TableDef(ctx context.Context, name string) (sql.TableDef, bool, error) {
	return r.tableDef(ctx, name, 0)
}

func (r *Replicated) ListTables(ctx context.Context) ([]string, error) {
	return r.listTables(ctx, 0)
}

func (r *Replicated) ScanTable(ctx context.Context, table string) (sql.RowIter, error) {
	return r.scanTable(ctx, table, 0)
}

func (r *Replicated) IndexLookup(ctx context.Context, table, index string, key sql.Row) (sql.RowIter, error) {
	return r.indexLookup(ctx, table, index, key, 0)
}

func (r *Replicated) InsertRow(ctx context.Context, table string, row sql.Row) error {
	return r.insertRow(ctx, table, row, 0)
}

func (r *Replicated) UpdateRow(ctx context.Context, table string, pk sql.Row, row sql.Row) error {
	return r.updateRow(ctx, table, pk, row, 0)
}

func (r *Replicated) DeleteRow(ctx context.Context, table string, pk sql.Row) error {
	return r.deleteRow(ctx, table, pk, 0)
}

func (r *Replicated) CreateTable(ctx context.Context, def sql.TableDef) error {
	return r.createTable(ctx, def, 0)
}

func (r *Replicated) DropTable(ctx context.Context, name string) error {
	return r.dropTable(ctx, name, 0)
}

// ReplicatedTxn is an explicit, session-held transaction over Replicated:
// every call carries the same TxnID until Commit or Rollback ends it on
// every replica's StateMachine registry.
type ReplicatedTxn struct {
	r    *Replicated
	id   uint64
	done bool
}

var _ sql.Txn = (*ReplicatedTxn)(nil)

func (t *ReplicatedTxn) ID() uint64 { return t.id }

func (t *ReplicatedTxn) Commit() error {
	if t.done {
		return errs.New(errs.Internal, "transaction already committed or rolled back")
	}
	t.done = true
	return t.r.submitMutation(context.Background(), mutationCmd{Op: opCommitTxn, TxnID: t.id})
}

func (t *ReplicatedTxn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.r.submitMutation(context.Background(), mutationCmd{Op: opRollbackTxn, TxnID: t.id})
}

func (t *ReplicatedTxn) TableDef(ctx context.Context, name string) (sql.TableDef, bool, error) {
	return t.r.tableDef(ctx, name, t.id)
}

func (t *ReplicatedTxn) ListTables(ctx context.Context) ([]string, error) {
	return t.r.listTables(ctx, t.id)
}

func (t *ReplicatedTxn) ScanTable(ctx context.Context, table string) (sql.RowIter, error) {
	return t.r.scanTable(ctx, table, t.id)
}

func (t *ReplicatedTxn) IndexLookup(ctx context.Context, table, index string, key sql.Row) (sql.RowIter, error) {
	return t.r.indexLookup(ctx, table, index, key, t.id)
}

func (t *ReplicatedTxn) InsertRow(ctx context.Context, table string, row sql.Row) error {
	return t.r.insertRow(ctx, table, row, t.id)
}

func (t *ReplicatedTxn) UpdateRow(ctx context.Context, table string, pk sql.Row, row sql.Row) error {
	return t.r.updateRow(ctx, table, pk, row, t.id)
}

func (t *ReplicatedTxn) DeleteRow(ctx context.Context, table string, pk sql.Row) error {
	return t.r.deleteRow(ctx, table, pk, t.id)
}

func (t *ReplicatedTxn) CreateTable(ctx context.Context, def sql.TableDef) error {
	return t.r.createTable(ctx, def, t.id)
}

func (t *ReplicatedTxn) DropTable(ctx context.Context, name string) error {
	return t.r.dropTable(ctx, name, t.id)
}
