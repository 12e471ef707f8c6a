// Package server wires the SQL pipeline and the consensus engine to the
// network: two TCP listeners, one per-peer outbound transport goroutine per
// cluster member, and the single goroutine that drives the local
// consensus.Node.
package server

import (
	"github.com/rs/zerolog"

	"github.com/quoradb/quoradb/internal/consensus"
)

// StorageKind selects the byte store backend a Config.DataDir-rooted store
// uses, the way a DSN picks mem:// vs a file path.
type StorageKind int

const (
	StorageBitcask StorageKind = iota
	StorageMemory
)

// SyncPolicy controls how aggressively a node flushes its byte stores to
// disk. Durability past process crash is the caller's call to make, per
// internal/mvcc's own "Flush is explicit" contract.
type SyncPolicy int

const (
	// SyncAlways flushes the raft log and application store after every
	// consensus commit — safest, slowest, and the default.
	SyncAlways SyncPolicy = iota
	// SyncNone never flushes explicitly, relying on periodic/manual Flush
	// calls and whatever Close()-time flush the process performs on a
	// clean exit.
	SyncNone
)

// Config is a plain struct with defaults, not a file/flag loader: settings
// come from flag.String at startup and get handed straight to a
// constructor.
type Config struct {
	ID          consensus.NodeID
	Peers       map[consensus.NodeID]string // peer id -> raft-wire address
	ListenSQL   string
	ListenRaft  string
	DataDir     string
	StorageRaft StorageKind
	StorageSQL  StorageKind
	Sync        SyncPolicy
	LogLevel    zerolog.Level
}
