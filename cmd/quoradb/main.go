// Command quoradb starts one node of a replicated SQL cluster: a SQL
// listener for clients and a raft listener for peers, sharing one
// consensus-replicated storage engine.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/quoradb/quoradb/internal/consensus"
	"github.com/quoradb/quoradb/internal/server"
)

var (
	flagID         = flag.String("id", "node1", "this node's id")
	flagPeers      = flag.String("peers", "", "comma-separated peer-id=host:port pairs, e.g. node2=10.0.0.2:7100,node3=10.0.0.3:7100")
	flagListenSQL  = flag.String("listen-sql", ":7000", "SQL listener address")
	flagListenRaft = flag.String("listen-raft", ":7100", "raft listener address")
	flagDataDir    = flag.String("data-dir", "./data", "directory for the raft log and application state byte stores")
	flagMemory     = flag.Bool("memory", false, "use in-memory byte stores instead of on-disk ones (no persistence across restarts)")
	flagSyncNone   = flag.Bool("sync-none", false, "disable per-commit fsync (default flushes after every applied mutation)")
	flagVerbose    = flag.Bool("v", false, "debug-level logging")
)

func parsePeers(s string) map[consensus.NodeID]string {
	peers := map[consensus.NodeID]string{}
	s = strings.TrimSpace(s)
	if s == "" {
		return peers
	}
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) != 2 {
			continue
		}
		peers[consensus.NodeID(kv[0])] = kv[1]
	}
	return peers
}

func main() {
	flag.Parse()

	level := zerolog.InfoLevel
	if *flagVerbose {
		level = zerolog.DebugLevel
	}

	storageKind := server.StorageBitcask
	if *flagMemory {
		storageKind = server.StorageMemory
	}
	sync := server.SyncAlways
	if *flagSyncNone {
		sync = server.SyncNone
	}

	cfg := server.Config{
		ID:          consensus.NodeID(*flagID),
		Peers:       parsePeers(*flagPeers),
		ListenSQL:   *flagListenSQL,
		ListenRaft:  *flagListenRaft,
		DataDir:     *flagDataDir,
		StorageRaft: storageKind,
		StorageSQL:  storageKind,
		Sync:        sync,
		LogLevel:    level,
	}

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("quoradb: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Printf("quoradb node %s: sql=%s raft=%s peers=%v", *flagID, *flagListenSQL, *flagListenRaft, cfg.Peers)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("quoradb: %v", err)
	}
}
