// Package consensus implements a leader/follower/candidate replication
// engine over a persistent command log and a generic state machine,
// patterned after the Raft protocol family.
//
// What: a role-tagged Node driven by two external entry points, Step(msg)
// and Tick(), that replicates an opaque command log to a quorum of peers
// and applies committed entries to a caller-supplied StateMachine.
// How: Follower/Candidate/Leader are three concrete types behind a role
// interface (a tagged union, not inheritance - see DESIGN.md); transitions
// construct a new sub-state from the fields that survive the transition.
// All interaction with peers and clients is message-passing over channels;
// the Node itself is single-goroutine and never touches its log store from
// more than one goroutine at a time.
// Why: this is the part of the system that turns a single local state
// machine into a replicated one; everything above it (SQL storage) is
// written against the StateMachine interface and does not know whether it
// is running locally or across a cluster.
package consensus

import "github.com/google/uuid"

// NodeID identifies one replica in the cluster's configuration.
type NodeID string

// Term is a monotonically increasing election epoch.
type Term uint64

// Index is a 1-based, dense position in the replicated log.
type Index uint64

// ReadSeq is a leader-local monotonic counter binding a pending read to a
// heartbeat confirmation round.
type ReadSeq uint64

// Entry is one position in the replicated log.
type Entry struct {
	Term    Term
	Index   Index
	Command []byte
}

// EventKind tags the payload carried by a Message.
type EventKind int

const (
	EventHeartbeat EventKind = iota
	EventConfirmLeader
	EventSolicitVote
	EventGrantVote
	EventReplicate
	EventAcceptEntries
	EventRejectEntries
	EventClientRequest
	EventClientResponse
)

// Heartbeat is sent by the leader to followers to assert leadership and
// advance their knowledge of the committed prefix; it optionally carries a
// pending read sequence number the follower should echo back.
type Heartbeat struct {
	CommitIndex Index
	CommitTerm  Term
	ReadSeq     ReadSeq
}

// ConfirmLeader is a follower's reply to a Heartbeat, confirming the sender
// is still recognized as leader for the given read sequence.
type ConfirmLeader struct {
	ReadSeq      ReadSeq
	HasCommitted bool
}

// SolicitVote is a candidate's request for votes.
type SolicitVote struct {
	LastIndex Index
	LastTerm  Term
}

// GrantVote is empty: its meaning is entirely carried by Message.Term/From.
type GrantVote struct{}

// Replicate carries a batch of entries the leader wants a follower to
// append, anchored at the entry immediately preceding the batch.
type Replicate struct {
	BaseIndex Index
	BaseTerm  Term
	Entries   []Entry
	CommitIndex Index
}

// AcceptEntries is a follower's positive reply to Replicate.
type AcceptEntries struct {
	LastIndex Index
}

// RejectEntries is a follower's negative reply to Replicate; the leader
// responds by decrementing nextIndex for that peer and retrying.
type RejectEntries struct {
	// ConflictIndex is the BaseIndex of the rejected Replicate, the entry
	// the follower could not match. It carries no term information, so the
	// leader backs up one entry per rejection.
	ConflictIndex Index
}

// RequestKind distinguishes a replicated mutation from a linearizable
// read-only query.
type RequestKind int

const (
	RequestMutation RequestKind = iota
	RequestQuery
)

// ClientRequest wraps an opaque command with a correlation id the engine
// uses to route the eventual ClientResponse back to the submitting client,
// regardless of which connection or goroutine receives it.
type ClientRequest struct {
	ID      uuid.UUID
	Kind    RequestKind
	Payload []byte
}

// ClientResponse carries the result (or error) of a previously submitted
// ClientRequest, matched by ID.
type ClientResponse struct {
	ID      uuid.UUID
	Payload []byte
	Err     string
}

// Message is the single envelope type exchanged between nodes and between a
// node and its locally-attached clients.
type Message struct {
	Term Term
	From NodeID
	To   NodeID
	Kind EventKind

	Heartbeat      Heartbeat
	ConfirmLeader  ConfirmLeader
	SolicitVote    SolicitVote
	Replicate      Replicate
	AcceptEntries  AcceptEntries
	RejectEntries  RejectEntries
	ClientRequest  ClientRequest
	ClientResponse ClientResponse
}
