// What: StateMachine adapts Local to consensus.StateMachine, so a single
// Local instance can be driven by a consensus.Node as the application state
// every replica converges on, instead of being called directly. It also
// holds the registry of transactions opened by BEGIN on this replica,
// keyed by the id every replica assigns identically since all of them
// apply the same command sequence in the same order.
package sqlstorage

import (
	"context"
	"sync"

	"github.com/quoradb/quoradb/internal/errs"
	"github.com/quoradb/quoradb/internal/obs"
	"github.com/quoradb/quoradb/internal/sql"
)

// StateMachine is the consensus-replicated wrapper around Local. Every
// mutation the cluster agrees on is applied here, on every replica, in log
// order; queries run against whichever replica's log has caught up far
// enough to answer linearizably.
type StateMachine struct {
	local *Local

	mu   sync.Mutex
	txns map[uint64]sql.Txn
}

// NewStateMachine wraps local for use as a consensus.Node's StateMachine.
func NewStateMachine(local *Local) *StateMachine {
	return &StateMachine{local: local, txns: make(map[uint64]sql.Txn)}
}

func (s *StateMachine) beginTxn(ctx context.Context) (uint64, error) {
	txn, err := s.local.Begin(ctx)
	if err != nil {
		return 0, err
	}
	id := txn.ID()
	s.mu.Lock()
	s.txns[id] = txn
	s.mu.Unlock()
	return id, nil
}

func (s *StateMachine) getTxn(id uint64) (sql.Txn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.txns[id]
	return txn, ok
}

func (s *StateMachine) endTxn(id uint64, commit bool) error {
	s.mu.Lock()
	txn, ok := s.txns[id]
	delete(s.txns, id)
	s.mu.Unlock()
	if !ok {
		return errs.New(errs.Internal, "no open transaction %d on this replica", id)
	}
	if commit {
		return txn.Commit()
	}
	return txn.Rollback()
}

// storageFor resolves the sql.Storage a command targets: the transaction
// registered under txnID, if nonzero, else s.local directly.
func (s *StateMachine) storageFor(txnID uint64) (sql.Storage, error) {
	if txnID == 0 {
		return s.local, nil
	}
	txn, ok := s.getTxn(txnID)
	if !ok {
		return nil, errs.New(errs.Internal, "no open transaction %d on this replica", txnID)
	}
	return txn, nil
}

// Apply decodes and executes one committed mutation command. A constraint
// violation or missing table is encoded into the reply, not returned as an
// error, so that every replica applies the same outcome deterministically;
// Apply itself only errors on an undecodable command, which indicates a
// corrupt log rather than a legitimate application-level failure.
func (s *StateMachine) Apply(command []byte) ([]byte, error) {
	timer := obs.NewTimer()
	defer timer.ObserveDuration(obs.ConsensusApplyDuration)

	var cmd mutationCmd
	if err := decodeCmd(command, &cmd); err != nil {
		return nil, err
	}
	ctx := context.Background()
	reply := mutationReply{}

	switch cmd.Op {
	case opBeginTxn:
		id, err := s.beginTxn(ctx)
		if err != nil {
			reply.Err = err.Error()
		}
		reply.TxnID = id
		return encodeCmd(reply)
	case opCommitTxn:
		if err := s.endTxn(cmd.TxnID, true); err != nil {
			reply.Err = err.Error()
		}
		return encodeCmd(reply)
	case opRollbackTxn:
		if err := s.endTxn(cmd.TxnID, false); err != nil {
			reply.Err = err.Error()
		}
		return encodeCmd(reply)
	}

	st, err := s.storageFor(cmd.TxnID)
	if err != nil {
		reply.Err = err.Error()
		return encodeCmd(reply)
	}
	var appErr error
	switch cmd.Op {
	case opInsertRow:
		appErr = st.InsertRow(ctx, cmd.Table, cmd.Row)
	case opUpdateRow:
		appErr = st.UpdateRow(ctx, cmd.Table, cmd.PK, cmd.Row)
	case opDeleteRow:
		appErr = st.DeleteRow(ctx, cmd.Table, cmd.PK)
	case opCreateTable:
		appErr = st.CreateTable(ctx, cmd.Def)
	case opDropTable:
		appErr = st.DropTable(ctx, cmd.Table)
	}
	if appErr != nil {
		reply.Err = appErr.Error()
	}
	return encodeCmd(reply)
}

// ApplyQuery decodes and executes one read-only command against current
// state, without appending anything to the replicated log.
func (s *StateMachine) ApplyQuery(command []byte) ([]byte, error) {
	var cmd queryCmd
	if err := decodeCmd(command, &cmd); err != nil {
		return nil, err
	}
	ctx := context.Background()
	reply := queryReply{}

	st, err := s.storageFor(cmd.TxnID)
	if err != nil {
		reply.Err = err.Error()
		return encodeCmd(reply)
	}

	switch cmd.Op {
	case opTableDef:
		def, found, err := st.TableDef(ctx, cmd.Table)
		if err != nil {
			reply.Err = err.Error()
		}
		reply.Def, reply.Found = def, found
	case opListTables:
		tables, err := st.ListTables(ctx)
		if err != nil {
			reply.Err = err.Error()
		}
		reply.Tables = tables
	case opScanTable:
		rows, err := drainQuery(st.ScanTable(ctx, cmd.Table))
		if err != nil {
			reply.Err = err.Error()
		}
		reply.Rows = rows
	case opIndexLookup:
		rows, err := drainQuery(st.IndexLookup(ctx, cmd.Table, cmd.Index, cmd.Key))
		if err != nil {
			reply.Err = err.Error()
		}
		reply.Rows = rows
	}
	return encodeCmd(reply)
}

func drainQuery(it sql.RowIter, err error) ([]sql.Row, error) {
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var rows []sql.Row
	for {
		row, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return rows, nil
		}
		rows = append(rows, row)
	}
}
