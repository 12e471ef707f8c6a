package consensus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/quoradb/quoradb/internal/bytestore"
)

// echoSM is a trivial deterministic state machine used only to exercise
// replication and application, not SQL semantics.
type echoSM struct {
	applied []string
}

func (s *echoSM) Apply(cmd []byte) ([]byte, error) {
	s.applied = append(s.applied, string(cmd))
	return cmd, nil
}

func (s *echoSM) ApplyQuery(cmd []byte) ([]byte, error) {
	return []byte(fmt.Sprintf("seen:%d", len(s.applied))), nil
}

// cluster wires three nodes together with an in-process router standing in
// for the TCP transport: each node's outbox is drained by a goroutine that
// calls the addressed peer's Step directly.
type cluster struct {
	nodes map[NodeID]*Node
	sms   map[NodeID]*echoSM
	stop  chan struct{}
}

func newCluster(t *testing.T, ids []NodeID) *cluster {
	t.Helper()
	c := &cluster{nodes: map[NodeID]*Node{}, sms: map[NodeID]*echoSM{}, stop: make(chan struct{})}
	for _, id := range ids {
		var peers []NodeID
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		sm := &echoSM{}
		n, err := NewNode(DefaultConfig(id, peers), bytestore.OpenMemory(), sm)
		if err != nil {
			t.Fatalf("NewNode(%s): %v", id, err)
		}
		c.nodes[id] = n
		c.sms[id] = sm
	}
	for _, n := range c.nodes {
		go c.route(n)
	}
	return c
}

func (c *cluster) route(n *Node) {
	for {
		select {
		case msg := <-n.Outbox():
			if target, ok := c.nodes[msg.To]; ok {
				target.Step(msg)
			}
		case <-c.stop:
			return
		}
	}
}

func (c *cluster) tickAll() {
	for _, n := range c.nodes {
		n.Tick()
	}
}

func (c *cluster) leader() *Node {
	for _, n := range c.nodes {
		if n.Status().Role == RoleLeader {
			return n
		}
	}
	return nil
}

func (c *cluster) close() { close(c.stop) }

func TestElectionProducesExactlyOneLeader(t *testing.T) {
	c := newCluster(t, []NodeID{"a", "b", "c"})
	defer c.close()

	var leader *Node
	for i := 0; i < 50 && leader == nil; i++ {
		c.tickAll()
		time.Sleep(time.Millisecond)
		leader = c.leader()
	}
	if leader == nil {
		t.Fatal("no leader elected within tick budget")
	}

	leaders := 0
	for _, n := range c.nodes {
		if n.Status().Role == RoleLeader {
			leaders++
		}
	}
	if leaders != 1 {
		t.Fatalf("expected exactly one leader, got %d", leaders)
	}
}

func TestMutationReplicatesAndApplies(t *testing.T) {
	c := newCluster(t, []NodeID{"a", "b", "c"})
	defer c.close()

	var leader *Node
	for i := 0; i < 50 && leader == nil; i++ {
		c.tickAll()
		time.Sleep(time.Millisecond)
		leader = c.leader()
	}
	if leader == nil {
		t.Fatal("no leader elected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := leader.SubmitMutation(ctx, []byte("hello"))
	if err != nil {
		t.Fatalf("SubmitMutation: %v", err)
	}
	if string(result) != "hello" {
		t.Fatalf("result = %q, want %q", result, "hello")
	}

	for i := 0; i < 20; i++ {
		c.tickAll()
		time.Sleep(time.Millisecond)
	}
	for id, sm := range c.sms {
		found := false
		for _, applied := range sm.applied {
			if applied == "hello" {
				found = true
			}
		}
		if !found {
			t.Errorf("node %s never applied the committed entry", id)
		}
	}
}

func TestSingleNodeClusterElectsSelfImmediately(t *testing.T) {
	n, err := NewNode(DefaultConfig("solo", nil), bytestore.OpenMemory(), &echoSM{})
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	n.Tick() // the election deadline is randomized within [base, 2*base) ticks; the loop below ticks past it
	for i := 0; i < 20 && n.Status().Role != RoleLeader; i++ {
		n.Tick()
	}
	if n.Status().Role != RoleLeader {
		t.Fatalf("solo node never became leader: %+v", n.Status())
	}
}
