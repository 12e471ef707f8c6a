package consensus

import (
	"context"

	"github.com/google/uuid"

	"github.com/quoradb/quoradb/internal/errs"
)

// Step delivers one message to the node. It takes the node's internal
// mutex, so calls from several goroutines (inbound raft connections,
// Submit* callers, a test harness) are serialized against each other and
// against Tick and status introspection.
func (n *Node) Step(msg Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stepLocked(msg)
}

func (n *Node) stepLocked(msg Message) {
	if msg.Kind == EventClientRequest {
		n.handleClientRequestLocked(msg)
		return
	}

	currentTerm, err := n.log.CurrentTerm()
	if err != nil {
		n.logger.Error().Err(err).Msg("read current term")
		return
	}
	if msg.Term > currentTerm {
		if err := n.log.SetCurrentTerm(msg.Term); err != nil {
			n.logger.Error().Err(err).Msg("persist current term")
			return
		}
		if err := n.log.SetVotedFor(""); err != nil {
			n.logger.Error().Err(err).Msg("clear vote")
			return
		}
		currentTerm = msg.Term
		n.role = followerState{electionDeadline: randomElectionDeadline(n.cfg)}
	}

	switch msg.Kind {
	case EventSolicitVote:
		n.handleSolicitVoteLocked(msg, currentTerm)
	case EventGrantVote:
		n.handleGrantVoteLocked(msg, currentTerm)
	case EventReplicate:
		n.handleReplicateLocked(msg, currentTerm)
	case EventAcceptEntries:
		n.handleAcceptEntriesLocked(msg, currentTerm)
	case EventRejectEntries:
		n.handleRejectEntriesLocked(msg, currentTerm)
	case EventHeartbeat:
		n.handleHeartbeatLocked(msg, currentTerm)
	case EventConfirmLeader:
		n.handleConfirmLeaderLocked(msg, currentTerm)
	}
}

func (n *Node) handleSolicitVoteLocked(msg Message, currentTerm Term) {
	if msg.Term < currentTerm {
		n.send(Message{Term: currentTerm, To: msg.From, Kind: EventRejectEntries})
		return
	}
	votedFor, hasVoted, err := n.log.VotedFor()
	if err != nil {
		n.logger.Error().Err(err).Msg("read voted-for")
		return
	}
	upToDate := msg.SolicitVote.LastTerm > n.log.LastTerm() ||
		(msg.SolicitVote.LastTerm == n.log.LastTerm() && msg.SolicitVote.LastIndex >= n.log.LastIndex())
	if (!hasVoted || votedFor == msg.From) && upToDate {
		if err := n.log.SetVotedFor(msg.From); err != nil {
			n.logger.Error().Err(err).Msg("persist vote")
			return
		}
		n.send(Message{Term: currentTerm, To: msg.From, Kind: EventGrantVote})
	}
}

func (n *Node) handleGrantVoteLocked(msg Message, currentTerm Term) {
	cand, ok := n.role.(candidateState)
	if !ok || msg.Term != currentTerm {
		return
	}
	cand.votes[msg.From] = true
	n.role = cand
	if len(cand.votes) >= n.cfg.quorum() {
		n.becomeLeaderLocked(currentTerm)
	}
}

func (n *Node) handleReplicateLocked(msg Message, currentTerm Term) {
	if msg.Term < currentTerm {
		n.send(Message{Term: currentTerm, To: msg.From, Kind: EventRejectEntries})
		return
	}
	// A valid leader for our term: reset election timer and remember it.
	n.role = followerState{leader: msg.From, electionDeadline: randomElectionDeadline(n.cfg)}

	r := msg.Replicate
	baseTerm, err := n.log.TermAt(r.BaseIndex)
	if err != nil || baseTerm != r.BaseTerm {
		conflict := r.BaseIndex
		n.send(Message{Term: currentTerm, To: msg.From, Kind: EventRejectEntries, RejectEntries: RejectEntries{ConflictIndex: conflict}})
		return
	}
	if err := n.log.Append(r.Entries); err != nil {
		n.logger.Error().Err(err).Msg("append replicated entries")
		return
	}
	if r.CommitIndex > n.commitIndex {
		n.commitIndex = min(r.CommitIndex, n.log.LastIndex())
		n.applyCommittedLocked()
	}
	n.send(Message{Term: currentTerm, To: msg.From, Kind: EventAcceptEntries, AcceptEntries: AcceptEntries{LastIndex: n.log.LastIndex()}})
}

func (n *Node) handleAcceptEntriesLocked(msg Message, currentTerm Term) {
	ls, ok := n.role.(leaderState)
	if !ok || msg.Term != currentTerm {
		return
	}
	ls.matchIndex[msg.From] = msg.AcceptEntries.LastIndex
	ls.nextIndex[msg.From] = msg.AcceptEntries.LastIndex + 1
	n.role = ls
	n.advanceCommitIndexLocked(&ls)
	n.role = ls
}

func (n *Node) handleRejectEntriesLocked(msg Message, currentTerm Term) {
	ls, ok := n.role.(leaderState)
	if !ok || msg.Term != currentTerm {
		return
	}
	next := ls.nextIndex[msg.From]
	if next > 1 {
		next--
	}
	if msg.RejectEntries.ConflictIndex > 0 && msg.RejectEntries.ConflictIndex < next {
		next = msg.RejectEntries.ConflictIndex
	}
	ls.nextIndex[msg.From] = next
	n.role = ls
	n.replicateToLocked(currentTerm, msg.From, &ls)
	n.role = ls
}

// advanceCommitIndexLocked recomputes commitIndex as the highest index
// replicated on a quorum whose entry belongs to the current term, per the
// leader-completeness safety rule.
func (n *Node) advanceCommitIndexLocked(ls *leaderState) {
	term, _ := n.log.CurrentTerm()
	for idx := n.log.LastIndex(); idx > n.commitIndex; idx-- {
		e, ok, err := n.log.Get(idx)
		if err != nil || !ok || e.Term != term {
			continue
		}
		count := 1 // self
		for _, peer := range n.cfg.Peers {
			if ls.matchIndex[peer] >= idx {
				count++
			}
		}
		if count >= n.cfg.quorum() {
			n.commitIndex = idx
			n.applyCommittedLocked()
			return
		}
	}
}

func (n *Node) handleHeartbeatLocked(msg Message, currentTerm Term) {
	if msg.Term < currentTerm {
		return
	}
	n.role = followerState{leader: msg.From, electionDeadline: randomElectionDeadline(n.cfg)}
	n.send(Message{
		Term: currentTerm,
		To:   msg.From,
		Kind: EventConfirmLeader,
		ConfirmLeader: ConfirmLeader{
			ReadSeq:      msg.Heartbeat.ReadSeq,
			HasCommitted: n.lastApplied >= msg.Heartbeat.CommitIndex,
		},
	})
}

func (n *Node) handleConfirmLeaderLocked(msg Message, currentTerm Term) {
	ls, ok := n.role.(leaderState)
	if !ok || msg.Term != currentTerm {
		return
	}
	pr, ok := ls.pendingReads[msg.ConfirmLeader.ReadSeq]
	if !ok {
		return
	}
	pr.confirms[msg.From] = true
	if len(pr.confirms) >= n.cfg.quorum() {
		n.completeReadLocked(pr)
		delete(ls.pendingReads, msg.ConfirmLeader.ReadSeq)
	}
	n.role = ls
}

func (n *Node) completeReadLocked(pr *pendingRead) {
	result, err := n.sm.ApplyQuery(pr.query)
	n.respondLocked(pr.clientID, result, err)
}

// handleClientRequestLocked is the entry point for locally submitted
// Mutation/Query commands, reached either directly from Submit* or via a
// ClientRequest message delivered by the server glue's event loop.
func (n *Node) handleClientRequestLocked(msg Message) {
	req := msg.ClientRequest
	ls, isLeader := n.role.(leaderState)
	if !isLeader {
		n.respondLocked(req.ID, nil, errs.New(errs.Internal, "consensus: not leader"))
		return
	}
	currentTerm, err := n.log.CurrentTerm()
	if err != nil {
		n.respondLocked(req.ID, nil, err)
		return
	}

	switch req.Kind {
	case RequestMutation:
		idx := n.log.LastIndex() + 1
		entry := Entry{Term: currentTerm, Index: idx, Command: req.Payload}
		if err := n.log.Append([]Entry{entry}); err != nil {
			n.respondLocked(req.ID, nil, err)
			return
		}
		n.correlate(idx, req.ID)
		if len(n.cfg.Peers) == 0 {
			n.commitIndex = idx
			n.applyCommittedLocked()
		} else {
			for _, peer := range n.cfg.Peers {
				n.replicateToLocked(currentTerm, peer, &ls)
			}
			n.role = ls
		}
	case RequestQuery:
		ls.nextReadSeq++
		seq := ls.nextReadSeq
		pr := &pendingRead{readSeq: seq, confirms: map[NodeID]bool{n.cfg.ID: true}, query: req.Payload, clientID: req.ID}
		ls.pendingReads[seq] = pr
		n.role = ls
		if len(pr.confirms) >= n.cfg.quorum() {
			n.completeReadLocked(pr)
			delete(ls.pendingReads, seq)
			n.role = ls
			return
		}
		for _, peer := range n.cfg.Peers {
			n.send(Message{
				Term: currentTerm,
				To:   peer,
				Kind: EventHeartbeat,
				Heartbeat: Heartbeat{
					CommitIndex: n.commitIndex,
					CommitTerm:  currentTerm,
					ReadSeq:     seq,
				},
			})
		}
	}
}

// correlate remembers that idx's eventual apply result belongs to the
// client identified by id, so applyCommittedLocked can route it back.
func (n *Node) correlate(idx Index, id uuid.UUID) {
	n.corr.Store(idx, id)
}

func (n *Node) applyCommittedLocked() {
	for n.lastApplied < n.commitIndex {
		idx := n.lastApplied + 1
		e, ok, err := n.log.Get(idx)
		if err != nil || !ok {
			return
		}
		result, applyErr := n.sm.Apply(e.Command)
		n.lastApplied = idx
		if idVal, found := n.corr.Load(idx); found {
			n.corr.Delete(idx)
			n.respondLocked(idVal.(uuid.UUID), result, applyErr)
		}
	}
}

func (n *Node) respondLocked(id uuid.UUID, payload []byte, err error) {
	v, ok := n.pending.Load(id)
	if !ok {
		return
	}
	ch := v.(chan ClientResponse)
	resp := ClientResponse{ID: id, Payload: payload}
	if err != nil {
		resp.Err = err.Error()
	}
	select {
	case ch <- resp:
	default:
	}
}

// SubmitMutation appends payload as a new log entry (if this node is
// leader) and blocks until it has been applied or ctx is canceled.
func (n *Node) SubmitMutation(ctx context.Context, payload []byte) ([]byte, error) {
	return n.submit(ctx, RequestMutation, payload)
}

// SubmitQuery runs payload as a linearizable read (if this node is leader)
// and blocks until a heartbeat quorum has confirmed leadership.
func (n *Node) SubmitQuery(ctx context.Context, payload []byte) ([]byte, error) {
	return n.submit(ctx, RequestQuery, payload)
}

func (n *Node) submit(ctx context.Context, kind RequestKind, payload []byte) ([]byte, error) {
	id := uuid.New()
	ch := make(chan ClientResponse, 1)
	n.pending.Store(id, ch)
	defer n.pending.Delete(id)

	n.Step(Message{Kind: EventClientRequest, ClientRequest: ClientRequest{ID: id, Kind: kind, Payload: payload}})

	select {
	case resp := <-ch:
		if resp.Err != "" {
			return nil, errs.New(errs.Internal, "%s", resp.Err)
		}
		return resp.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func min(a, b Index) Index {
	if a < b {
		return a
	}
	return b
}
