// What: command.go defines the opaque commands StateMachine and Replicated
// exchange through consensus.Client/Node.Apply — every call Local exposes,
// flattened into one gob-tagged struct per direction, so Apply/ApplyQuery
// can dispatch a single decoded command onto Local's method set.
package sqlstorage

import (
	"bytes"
	"encoding/gob"

	"github.com/quoradb/quoradb/internal/sql"
)

// mutationOp tags which Local method a mutation command invokes.
type mutationOp int

const (
	opInsertRow mutationOp = iota
	opUpdateRow
	opDeleteRow
	opCreateTable
	opDropTable
	opBeginTxn
	opCommitTxn
	opRollbackTxn
)

// mutationCmd is the payload carried by consensus.Client.SubmitMutation.
// TxnID is 0 for a one-shot call against Local directly; a nonzero TxnID
// routes the op through StateMachine's open-transaction registry instead
// (opBeginTxn itself always carries TxnID 0 — the id it's assigned comes
// back in the reply).
type mutationCmd struct {
	Op    mutationOp
	Table string
	Row   sql.Row
	PK    sql.Row
	Def   sql.TableDef
	TxnID uint64
}

// mutationReply carries the result of a mutation. Err holds an
// application-level error (a constraint violation, a missing table, an
// unknown transaction id) as a string; such a command is still a successful
// Apply that replicates the rejection. When Apply itself returns a non-nil
// error (an undecodable command), no reply is produced.
// TxnID is set only in reply to opBeginTxn, carrying the id assigned to
// the new transaction.
type mutationReply struct {
	Err   string
	TxnID uint64
}

// queryOp tags which Local method a read-only query command invokes.
type queryOp int

const (
	opTableDef queryOp = iota
	opListTables
	opScanTable
	opIndexLookup
)

// queryCmd is the payload carried by consensus.Client.SubmitQuery. A
// nonzero TxnID routes the read through StateMachine's open-transaction
// registry instead of reading Local's committed state directly.
type queryCmd struct {
	Op    queryOp
	Table string
	Index string
	Key   sql.Row
	TxnID uint64
}

// queryReply carries every shape a queryCmd might answer with; only the
// field matching Op is meaningful.
type queryReply struct {
	Def    sql.TableDef
	Found  bool
	Tables []string
	Rows   []sql.Row
	Err    string
}

func encodeCmd(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeCmd(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
