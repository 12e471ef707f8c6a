package consensus

import "context"

// Client is what internal/sqlstorage.Replicated depends on: something that
// can submit an opaque Mutation or Query command and hand back the state
// machine's result. *Node satisfies it directly and is its only
// implementation, so a Client always runs in the same process as the Node
// it submits to.
type Client interface {
	SubmitMutation(ctx context.Context, payload []byte) ([]byte, error)
	SubmitQuery(ctx context.Context, payload []byte) ([]byte, error)
}

var _ Client = (*Node)(nil)
