package consensus

import (
	"math/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quoradb/quoradb/internal/bytestore"
	"github.com/quoradb/quoradb/internal/obs"
)

// StateMachine is the generic trait the consensus engine replicates.
// Implementations (internal/sqlstorage.Local, wrapped as the application
// state machine) must be deterministic: applying the same sequence of
// commands on every replica must produce the same state.
type StateMachine interface {
	// Apply executes a mutation command and returns its result, to be
	// shipped back to the originating client. Called only for entries that
	// have been committed to a quorum.
	Apply(command []byte) ([]byte, error)
	// ApplyQuery executes a read-only command against current state without
	// appending to the log. Only called after a read-confirmation quorum.
	ApplyQuery(command []byte) ([]byte, error)
}

// RoleKind tags which concrete role sub-state a Node currently holds.
type RoleKind int

const (
	RoleFollower RoleKind = iota
	RoleCandidate
	RoleLeader
)

func (k RoleKind) String() string {
	switch k {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// role is the tagged-union interface implemented by followerState,
// candidateState, and leaderState. Transitions never mutate a role value in
// place; they construct a fresh sub-state and replace Node.role wholesale.
type role interface {
	kind() RoleKind
}

type followerState struct {
	leader           NodeID // "" if unknown
	electionDeadline int
}

func (followerState) kind() RoleKind { return RoleFollower }

type candidateState struct {
	votes            map[NodeID]bool
	electionDeadline int
}

func (candidateState) kind() RoleKind { return RoleCandidate }

type pendingRead struct {
	readSeq  ReadSeq
	confirms map[NodeID]bool
	query    []byte
	clientID uuid.UUID
}

type leaderState struct {
	nextIndex  map[NodeID]Index
	matchIndex map[NodeID]Index

	heartbeatDeadline int
	nextReadSeq       ReadSeq
	pendingReads      map[ReadSeq]*pendingRead
}

func (leaderState) kind() RoleKind { return RoleLeader }

// Config tunes election/heartbeat timing and identifies the cluster.
type Config struct {
	ID    NodeID
	Peers []NodeID // cluster members excluding self

	// Timeouts are expressed in ticks of the caller's clock, not wall time,
	// so tests can drive the engine deterministically.
	ElectionTicksBase int // followers wait rand[base, 2*base) ticks
	HeartbeatTicks    int // leader sends a heartbeat every N ticks
}

// DefaultConfig returns sane tick-based timeouts.
func DefaultConfig(id NodeID, peers []NodeID) Config {
	return Config{
		ID:                id,
		Peers:             peers,
		ElectionTicksBase: 10,
		HeartbeatTicks:    3,
	}
}

func (c Config) quorum() int { return (len(c.Peers)+1)/2 + 1 }

// Node is a single cluster replica. It is driven exclusively by Step and
// Tick; every other accessor is safe to call concurrently only insofar as
// it takes the internal mutex (used for read-only status introspection from
// other goroutines, e.g. metrics).
type Node struct {
	cfg Config
	log *raftLog
	sm  StateMachine

	mu          sync.Mutex
	role        role
	commitIndex Index
	lastApplied Index

	outbox  chan Message
	pending sync.Map // uuid.UUID -> chan ClientResponse
	corr    sync.Map // Index -> uuid.UUID, for entries not yet applied

	logger zerolog.Logger
}

// NewNode constructs a Node over store (the replicated command log) and sm
// (the local application state machine). The node starts as a follower with
// no known leader.
func NewNode(cfg Config, store bytestore.KV, sm StateMachine) (*Node, error) {
	rl, err := openRaftLog(store)
	if err != nil {
		return nil, err
	}
	term, err := rl.CurrentTerm()
	if err != nil {
		return nil, err
	}
	_ = term
	n := &Node{
		cfg:    cfg,
		log:    rl,
		sm:     sm,
		role:   followerState{electionDeadline: randomElectionDeadline(cfg)},
		outbox: make(chan Message, 256),
		logger: obs.WithNode("consensus", string(cfg.ID)),
	}
	return n, nil
}

func randomElectionDeadline(cfg Config) int {
	base := cfg.ElectionTicksBase
	if base <= 0 {
		base = 10
	}
	return base + rand.Intn(base)
}

// Outbox is the channel transport goroutines drain to deliver outbound
// messages to peers and clients.
func (n *Node) Outbox() <-chan Message { return n.outbox }

func (n *Node) send(msg Message) {
	msg.From = n.cfg.ID
	select {
	case n.outbox <- msg:
	default:
		n.logger.Warn().Msg("outbox full, dropping message")
	}
}

// Status is a point-in-time snapshot for introspection/metrics.
type Status struct {
	ID          NodeID
	Role        RoleKind
	Term        Term
	CommitIndex Index
	LastApplied Index
	Leader      NodeID
}

func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	term, _ := n.log.CurrentTerm()
	st := Status{ID: n.cfg.ID, Role: n.role.kind(), Term: term, CommitIndex: n.commitIndex, LastApplied: n.lastApplied}
	if f, ok := n.role.(followerState); ok {
		st.Leader = f.leader
	}
	if n.role.kind() == RoleLeader {
		st.Leader = n.cfg.ID
	}
	return st
}
