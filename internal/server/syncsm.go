// What: syncingStateMachine wraps a consensus.StateMachine to flush the
// backing byte stores after every applied mutation when Config.Sync is
// SyncAlways, the per-entry durability default DESIGN.md settles on.
package server

import "github.com/quoradb/quoradb/internal/consensus"

type syncingStateMachine struct {
	inner  consensus.StateMachine
	stores []interface{ Flush() error }
}

func (s *syncingStateMachine) Apply(command []byte) ([]byte, error) {
	result, err := s.inner.Apply(command)
	for _, store := range s.stores {
		if ferr := store.Flush(); ferr != nil && err == nil {
			err = ferr
		}
	}
	return result, err
}

func (s *syncingStateMachine) ApplyQuery(command []byte) ([]byte, error) {
	return s.inner.ApplyQuery(command)
}

var _ consensus.StateMachine = (*syncingStateMachine)(nil)
