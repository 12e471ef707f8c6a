// What: sqlwire.go defines the SQL wire protocol frames and the per-session
// goroutine that speaks them over one accepted connection.
package server

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/rs/zerolog"

	"github.com/quoradb/quoradb/internal/errs"
	"github.com/quoradb/quoradb/internal/sql"
)

// sqlFrameKind tags the single envelope type carried over a SQL connection,
// the same tagged-union-over-one-struct shape consensus.Message uses.
type sqlFrameKind int

const (
	frameExecute sqlFrameKind = iota
	frameGetTable
	frameListTables
	frameStatus

	frameResultHeader
	frameRow
	frameTable
	frameTables
	frameStatusInfo
	frameError
)

// resultKindWire mirrors sql.ResultKind on the wire, keeping the protocol
// independent of the internal enum's exact values.
type resultKindWire int

const (
	wireResultQuery resultKindWire = iota
	wireResultInsert
	wireResultUpdate
	wireResultDelete
	wireResultCreateTable
	wireResultDropTable
	wireResultBegin
	wireResultCommit
	wireResultRollback
	wireResultExplain
)

func toWireResultKind(k sql.ResultKind) resultKindWire {
	switch k {
	case sql.ResultInsert:
		return wireResultInsert
	case sql.ResultUpdate:
		return wireResultUpdate
	case sql.ResultDelete:
		return wireResultDelete
	case sql.ResultCreateTable:
		return wireResultCreateTable
	case sql.ResultDropTable:
		return wireResultDropTable
	case sql.ResultBegin:
		return wireResultBegin
	case sql.ResultCommit:
		return wireResultCommit
	case sql.ResultRollback:
		return wireResultRollback
	case sql.ResultExplain:
		return wireResultExplain
	default:
		return wireResultQuery
	}
}

// StatusInfo answers a Status request with a point-in-time snapshot of this
// node's consensus role and table count.
type StatusInfo struct {
	NodeID      string
	Role        string
	Term        uint64
	CommitIndex uint64
	TableCount  int
}

// sqlFrame is the single struct every SQL-wire frame gob-encodes as; only
// the fields relevant to Kind are populated.
type sqlFrame struct {
	Kind sqlFrameKind

	SQL   string // frameExecute
	Table string // frameGetTable

	ResultKind   resultKindWire // frameResultHeader
	Schema       sql.Schema     // frameResultHeader
	Row          sql.Row        // frameRow; nil Row + Done marks end of stream
	Done         bool
	RowsAffected int64
	Plan         string // frameResultHeader, only set when ResultKind is Explain

	Def   sql.TableDef // frameTable
	Found bool

	Tables []string // frameTables

	Status StatusInfo // frameStatusInfo

	ErrKind    string // frameError
	ErrMessage string
}

// Session runs the request/response loop for one accepted SQL connection.
// Each request blocks the session goroutine until its response (and, for
// Execute, its row stream) has been fully written — this dialect has no
// pipelining, one request in flight per connection at a time.
type Session struct {
	conn   net.Conn
	sess   *sql.Session
	status func() StatusInfo
	logger zerolog.Logger
}

func newSession(conn net.Conn, storage sql.TxnStorage, status func() StatusInfo, logger zerolog.Logger) *Session {
	return &Session{conn: conn, sess: sql.NewSession(storage), status: status, logger: logger}
}

// Run reads requests until the connection closes or ctx is done.
func (s *Session) Run(ctx context.Context) {
	defer s.conn.Close()
	for {
		if ctx.Err() != nil {
			return
		}
		var req sqlFrame
		if err := readFrame(s.conn, &req); err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug().Err(err).Msg("sql session closed")
			}
			return
		}
		if err := s.handle(ctx, req); err != nil {
			s.logger.Warn().Err(err).Msg("sql session handler error")
			return
		}
	}
}

func (s *Session) handle(ctx context.Context, req sqlFrame) error {
	switch req.Kind {
	case frameExecute:
		return s.handleExecute(ctx, req.SQL)
	case frameGetTable:
		def, found, err := s.sess.Storage().TableDef(ctx, req.Table)
		if err != nil {
			return s.writeError(err)
		}
		return writeFrame(s.conn, sqlFrame{Kind: frameTable, Def: def, Found: found})
	case frameListTables:
		tables, err := s.sess.Storage().ListTables(ctx)
		if err != nil {
			return s.writeError(err)
		}
		return writeFrame(s.conn, sqlFrame{Kind: frameTables, Tables: tables})
	case frameStatus:
		return writeFrame(s.conn, sqlFrame{Kind: frameStatusInfo, Status: s.status()})
	default:
		return s.writeError(errs.New(errs.Internal, "unknown request frame kind %d", req.Kind))
	}
}

func (s *Session) handleExecute(ctx context.Context, sqlText string) error {
	stmt, err := sql.Parse(sqlText)
	if err != nil {
		return s.writeError(err)
	}
	result, err := s.sess.Execute(ctx, stmt)
	if err != nil {
		return s.writeError(err)
	}
	header := sqlFrame{
		Kind:         frameResultHeader,
		ResultKind:   toWireResultKind(result.Kind),
		Schema:       result.Schema,
		RowsAffected: result.RowsAffected,
		Plan:         result.Plan,
	}
	if err := writeFrame(s.conn, header); err != nil {
		return err
	}
	for _, row := range result.Rows {
		if err := writeFrame(s.conn, sqlFrame{Kind: frameRow, Row: row}); err != nil {
			return err
		}
	}
	return writeFrame(s.conn, sqlFrame{Kind: frameRow, Done: true})
}

func (s *Session) writeError(err error) error {
	kind := errs.Internal
	if e, ok := errs.As(err); ok {
		kind = e.Kind
	}
	return writeFrame(s.conn, sqlFrame{Kind: frameError, ErrKind: kind.String(), ErrMessage: err.Error()})
}
