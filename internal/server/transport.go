// What: transport.go owns the outbound side of the consensus wire protocol:
// one goroutine per configured peer, each holding a single TCP connection
// it reconnects with exponential backoff, forwarding whatever the local
// Node's outbox addresses to that peer.
package server

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/quoradb/quoradb/internal/consensus"
	"github.com/quoradb/quoradb/internal/obs"
)

const (
	backoffInitial = 100 * time.Millisecond
	backoffMax     = 5 * time.Second
)

// peerTransport owns one outbound connection to a single peer, redialing
// with exponential backoff (hand-rolled rather than pulled from a backoff
// library, since nothing in the pack imports one — see DESIGN.md) whenever
// the connection drops.
type peerTransport struct {
	id     consensus.NodeID
	addr   string
	send   chan consensus.Message
	logger zerolog.Logger
}

func newPeerTransport(id consensus.NodeID, addr string, logger zerolog.Logger) *peerTransport {
	return &peerTransport{
		id:     id,
		addr:   addr,
		send:   make(chan consensus.Message, 256),
		logger: logger.With().Str("peer", string(id)).Logger(),
	}
}

// run owns this peer's connection for the transport's lifetime, redialing
// on every disconnect until ctx is canceled. Messages enqueued while no
// connection is live are dropped once send's buffer fills, the same
// best-effort delivery the consensus engine's own outbox already assumes
// (a dropped heartbeat is recovered by the next tick).
func (t *peerTransport) run(ctx context.Context) {
	delay := backoffInitial
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := net.Dial("tcp", t.addr)
		if err != nil {
			t.logger.Debug().Err(err).Dur("retry_in", delay).Msg("peer dial failed")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay *= 2
			if delay > backoffMax {
				delay = backoffMax
			}
			continue
		}
		delay = backoffInitial
		t.drain(ctx, conn)
		conn.Close()
	}
}

// drain forwards messages from t.send to conn until it errors or ctx ends.
func (t *peerTransport) drain(ctx context.Context, conn net.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-t.send:
			if err := writeFrame(conn, msg); err != nil {
				t.logger.Debug().Err(err).Msg("peer write failed")
				return
			}
		}
	}
}

func (t *peerTransport) enqueue(msg consensus.Message) {
	select {
	case t.send <- msg:
	default:
		t.logger.Warn().Msg("peer send buffer full, dropping message")
	}
}

// Driver owns the goroutine that ticks a consensus.Node and routes its
// outbox to per-peer transports. It is not the node's only caller:
// handleRaftConn and SQL sessions call into the node from their own
// goroutines, and the node's internal mutex serializes all of them.
type Driver struct {
	node       *consensus.Node
	transports map[consensus.NodeID]*peerTransport
	tick       time.Duration
	logger     zerolog.Logger
}

// NewDriver builds a Driver over node and one peerTransport per entry in
// peers (peer id -> raft-wire address).
func NewDriver(node *consensus.Node, peers map[consensus.NodeID]string, tick time.Duration, logger zerolog.Logger) *Driver {
	d := &Driver{node: node, transports: make(map[consensus.NodeID]*peerTransport), tick: tick, logger: logger}
	for id, addr := range peers {
		d.transports[id] = newPeerTransport(id, addr, logger)
	}
	return d
}

// Run starts every peer transport and then owns the node's tick/outbox loop
// until ctx is canceled.
func (d *Driver) Run(ctx context.Context) {
	for _, t := range d.transports {
		go t.run(ctx)
	}
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()
	outbox := d.node.Outbox()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.node.Tick()
			st := d.node.Status()
			obs.SetConsensusRole(string(st.ID), st.Role.String(), uint64(st.Term), uint64(st.CommitIndex), uint64(st.LastApplied))
		case msg, ok := <-outbox:
			if !ok {
				return
			}
			if t, found := d.transports[msg.To]; found {
				t.enqueue(msg)
			}
		}
	}
}
