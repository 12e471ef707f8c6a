// What: server.go is the top-level wiring: given a Config it opens the
// persistent layout, builds the replicated storage stack, and starts the
// two listeners plus the consensus driver goroutine.
package server

import (
	"context"
	"net"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/quoradb/quoradb/internal/bytestore"
	"github.com/quoradb/quoradb/internal/consensus"
	"github.com/quoradb/quoradb/internal/errs"
	"github.com/quoradb/quoradb/internal/obs"
	"github.com/quoradb/quoradb/internal/sql"
	"github.com/quoradb/quoradb/internal/sqlstorage"
)

// Server owns one node's full stack: its byte stores, its consensus Node,
// the storage the SQL layer talks to, and the two listeners.
type Server struct {
	cfg     Config
	node    *consensus.Node
	driver  *Driver
	storage sql.TxnStorage
	logger  zerolog.Logger

	sqlLis  net.Listener
	raftLis net.Listener
}

// New opens cfg's persistent layout and wires the full stack, but does not
// yet listen on the network — call Run for that.
func New(cfg Config) (*Server, error) {
	obs.Init(cfg.LogLevel, false)
	logger := obs.WithNode("server", string(cfg.ID))

	raftStore, err := openStore(cfg.StorageRaft, filepath.Join(cfg.DataDir, "log"))
	if err != nil {
		return nil, err
	}
	sqlStore, err := openStore(cfg.StorageSQL, filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return nil, err
	}

	local := sqlstorage.NewLocal(sqlStore)
	var sm consensus.StateMachine = sqlstorage.NewStateMachine(local)
	if cfg.Sync == SyncAlways {
		sm = &syncingStateMachine{inner: sm, stores: []interface{ Flush() error }{raftStore, sqlStore}}
	}

	peerIDs := make([]consensus.NodeID, 0, len(cfg.Peers))
	for id := range cfg.Peers {
		peerIDs = append(peerIDs, id)
	}
	node, err := consensus.NewNode(consensus.DefaultConfig(cfg.ID, peerIDs), raftStore, sm)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:     cfg,
		node:    node,
		driver:  NewDriver(node, cfg.Peers, 50*time.Millisecond, logger),
		storage: sqlstorage.NewReplicated(node),
		logger:  logger,
	}, nil
}

func openStore(kind StorageKind, path string) (bytestore.KV, error) {
	if kind == StorageMemory {
		return bytestore.OpenMemory(), nil
	}
	return bytestore.Open(path)
}

// Run starts both listeners and the consensus driver, blocking until ctx is
// canceled or a listener fails unrecoverably.
func (s *Server) Run(ctx context.Context) error {
	var err error
	s.sqlLis, err = net.Listen("tcp", s.cfg.ListenSQL)
	if err != nil {
		return errs.Wrap(errs.Io, err, "server: listen SQL on %s", s.cfg.ListenSQL)
	}
	s.raftLis, err = net.Listen("tcp", s.cfg.ListenRaft)
	if err != nil {
		s.sqlLis.Close()
		return errs.Wrap(errs.Io, err, "server: listen raft on %s", s.cfg.ListenRaft)
	}

	go s.driver.Run(ctx)
	go s.acceptLoop(ctx, s.raftLis, s.serveRaftConn)
	go s.acceptLoop(ctx, s.sqlLis, s.serveSQLConn)

	<-ctx.Done()
	s.sqlLis.Close()
	s.raftLis.Close()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, lis net.Listener, handle func(net.Conn)) {
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			return
		}
		go handle(conn)
	}
}

func (s *Server) serveRaftConn(conn net.Conn) {
	handleRaftConn(conn, s.node, s.logger)
}

func (s *Server) serveSQLConn(conn net.Conn) {
	status := func() StatusInfo {
		st := s.node.Status()
		tables, _ := s.storage.ListTables(context.Background())
		return StatusInfo{
			NodeID:      string(st.ID),
			Role:        st.Role.String(),
			Term:        uint64(st.Term),
			CommitIndex: uint64(st.CommitIndex),
			TableCount:  len(tables),
		}
	}
	newSession(conn, s.storage, status, s.logger).Run(context.Background())
}
