// What: raftwire.go is the inbound half of the consensus wire protocol:
// every accepted connection, from a peer or from this cluster's own
// peerTransport dialing back in, is read as a stream of length-prefixed
// consensus.Message frames and fed straight into Node.Step.
package server

import (
	"errors"
	"io"
	"net"

	"github.com/rs/zerolog"

	"github.com/quoradb/quoradb/internal/consensus"
)

func handleRaftConn(conn net.Conn, node *consensus.Node, logger zerolog.Logger) {
	defer conn.Close()
	for {
		var msg consensus.Message
		if err := readFrame(conn, &msg); err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug().Err(err).Msg("raft connection closed")
			}
			return
		}
		node.Step(msg)
	}
}
