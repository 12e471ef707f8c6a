package consensus

// Tick advances the node's logical clock by one quantum. Followers and
// candidates count down an election deadline; leaders count down a
// heartbeat deadline. Both may emit outbound messages.
func (n *Node) Tick() {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch r := n.role.(type) {
	case followerState:
		r.electionDeadline--
		if r.electionDeadline <= 0 {
			n.becomeCandidateLocked()
			return
		}
		n.role = r
	case candidateState:
		r.electionDeadline--
		if r.electionDeadline <= 0 {
			n.becomeCandidateLocked() // restart the election with a new term
			return
		}
		n.role = r
	case leaderState:
		r.heartbeatDeadline--
		if r.heartbeatDeadline <= 0 {
			n.sendHeartbeatsLocked(&r)
			r.heartbeatDeadline = n.cfg.HeartbeatTicks
		}
		n.role = r
	}
}

func (n *Node) becomeCandidateLocked() {
	term, err := n.log.CurrentTerm()
	if err != nil {
		n.logger.Error().Err(err).Msg("read current term")
		return
	}
	term++
	if err := n.log.SetCurrentTerm(term); err != nil {
		n.logger.Error().Err(err).Msg("persist current term")
		return
	}
	if err := n.log.SetVotedFor(n.cfg.ID); err != nil {
		n.logger.Error().Err(err).Msg("persist vote for self")
		return
	}
	n.role = candidateState{
		votes:            map[NodeID]bool{n.cfg.ID: true},
		electionDeadline: randomElectionDeadline(n.cfg),
	}
	n.logger.Info().Uint64("term", uint64(term)).Msg("starting election")

	for _, peer := range n.cfg.Peers {
		n.send(Message{
			Term: term,
			To:   peer,
			Kind: EventSolicitVote,
			SolicitVote: SolicitVote{
				LastIndex: n.log.LastIndex(),
				LastTerm:  n.log.LastTerm(),
			},
		})
	}
	// A lone node (no peers) wins immediately.
	if n.cfg.quorum() <= 1 {
		n.becomeLeaderLocked(term)
	}
}

func (n *Node) becomeLeaderLocked(term Term) {
	ls := leaderState{
		nextIndex:         make(map[NodeID]Index),
		matchIndex:        make(map[NodeID]Index),
		heartbeatDeadline: n.cfg.HeartbeatTicks,
		pendingReads:      make(map[ReadSeq]*pendingRead),
	}
	for _, peer := range n.cfg.Peers {
		ls.nextIndex[peer] = n.log.LastIndex() + 1
		ls.matchIndex[peer] = 0
	}
	n.role = ls
	n.logger.Info().Uint64("term", uint64(term)).Msg("became leader")
	n.sendHeartbeatsLocked(&ls)
	n.role = ls
}

func (n *Node) sendHeartbeatsLocked(ls *leaderState) {
	term, _ := n.log.CurrentTerm()
	for _, peer := range n.cfg.Peers {
		n.replicateToLocked(term, peer, ls)
	}
	if len(n.cfg.Peers) == 0 {
		// No peers to confirm against: heartbeats are vacuously quorate.
	}
}

func (n *Node) replicateToLocked(term Term, peer NodeID, ls *leaderState) {
	next := ls.nextIndex[peer]
	if next < 1 {
		next = 1
	}
	baseIndex := next - 1
	baseTerm, err := n.log.TermAt(baseIndex)
	if err != nil {
		n.logger.Error().Err(err).Msg("read base term for replication")
		return
	}
	var entries []Entry
	for i := next; i <= n.log.LastIndex(); i++ {
		e, ok, err := n.log.Get(i)
		if err != nil || !ok {
			break
		}
		entries = append(entries, e)
	}
	n.send(Message{
		Term: term,
		To:   peer,
		Kind: EventReplicate,
		Replicate: Replicate{
			BaseIndex:   baseIndex,
			BaseTerm:    baseTerm,
			Entries:     entries,
			CommitIndex: n.commitIndex,
		},
	})
}
