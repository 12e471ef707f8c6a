package sqlstorage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quoradb/quoradb/internal/bytestore"
	"github.com/quoradb/quoradb/internal/sql"
)

func TestStateMachineApplyCreateTableAndInsert(t *testing.T) {
	local := NewLocal(bytestore.OpenMemory())
	sm := NewStateMachine(local)

	createCmd, err := encodeCmd(mutationCmd{Op: opCreateTable, Def: usersTableDef()})
	require.NoError(t, err)
	replyBytes, err := sm.Apply(createCmd)
	require.NoError(t, err)
	var reply mutationReply
	require.NoError(t, decodeCmd(replyBytes, &reply))
	require.Empty(t, reply.Err)

	insertCmd, err := encodeCmd(mutationCmd{
		Op:    opInsertRow,
		Table: "users",
		Row:   sql.Row{sql.IntValue(1), sql.StringValue("a@example.com")},
	})
	require.NoError(t, err)
	replyBytes, err = sm.Apply(insertCmd)
	require.NoError(t, err)
	require.NoError(t, decodeCmd(replyBytes, &reply))
	require.Empty(t, reply.Err)
}

func TestStateMachineApplyEncodesApplicationErrorInReply(t *testing.T) {
	local := NewLocal(bytestore.OpenMemory())
	sm := NewStateMachine(local)

	insertCmd, err := encodeCmd(mutationCmd{
		Op:    opInsertRow,
		Table: "nonexistent",
		Row:   sql.Row{sql.IntValue(1)},
	})
	require.NoError(t, err)

	replyBytes, err := sm.Apply(insertCmd)
	require.NoError(t, err, "application errors surface via reply.Err, not Apply's own error")

	var reply mutationReply
	require.NoError(t, decodeCmd(replyBytes, &reply))
	require.NotEmpty(t, reply.Err)
}

func TestStateMachineApplyQueryListTables(t *testing.T) {
	local := NewLocal(bytestore.OpenMemory())
	sm := NewStateMachine(local)

	createCmd, err := encodeCmd(mutationCmd{Op: opCreateTable, Def: usersTableDef()})
	require.NoError(t, err)
	_, err = sm.Apply(createCmd)
	require.NoError(t, err)

	queryCmdBytes, err := encodeCmd(queryCmd{Op: opListTables})
	require.NoError(t, err)
	replyBytes, err := sm.ApplyQuery(queryCmdBytes)
	require.NoError(t, err)

	var reply queryReply
	require.NoError(t, decodeCmd(replyBytes, &reply))
	require.Equal(t, []string{"users"}, reply.Tables)
}
