// Package session implements the pipelined connection contract over a single
// pgconn connection.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"pipebench/config"
	"pipebench/pipeline"
)

// errBatchAborted is carried by the replies synthesized for requests the
// server discarded after an earlier failure in the same batch.
var errBatchAborted = errors.New("request discarded after earlier failure in the batch")

// pipelineResults is the one pgconn.Pipeline method the reply mapping reads
// from; narrowed so the mapping can be driven without a server.
type pipelineResults interface {
	GetResults() (results any, err error)
}

// PG is a pipeline.Session over one pgconn connection. Not safe for
// concurrent use; each worker owns exactly one PG for its whole lifetime.
type PG struct {
	conn    *pgconn.PgConn
	pl      *pgconn.Pipeline
	results pipelineResults
	// midItem is set after a request reply was handed out: the next
	// NextReply call owes the end-of-item sentinel, since pgconn yields
	// at most one result per request.
	midItem bool
	// outstanding is how many synced requests still owe their reply.
	// pending counts sends not yet covered by a SyncBatch.
	outstanding int
	pending     int
	// aborted is set after a per-request server error: the server discards
	// the batch's remaining requests until the sync point and pgconn yields
	// nothing for them, so their replies are synthesized here.
	aborted bool
	closed  bool
}

// Open connects to the target described by cfg.
func Open(ctx context.Context, cfg *config.Config) (*PG, error) {
	conn, err := pgconn.Connect(ctx, cfg.ConnString())
	if err != nil {
		return nil, err
	}
	return &PG{conn: conn}, nil
}

// Prepare registers the statement on the connection. Must run before
// EnterPipeline; registering inside pipelined mode is rejected.
func (s *PG) Prepare(ctx context.Context, name, sql string) error {
	if s.pl != nil {
		return fmt.Errorf("prepare after entering pipeline mode")
	}
	if _, err := s.conn.Prepare(ctx, name, sql, nil); err != nil {
		return err
	}
	return nil
}

func (s *PG) EnterPipeline(ctx context.Context) error {
	if s.pl != nil {
		return fmt.Errorf("pipeline mode already entered")
	}
	s.pl = s.conn.StartPipeline(ctx)
	s.results = s.pl
	return nil
}

// SendPrepared enqueues one execution of the prepared statement with
// text-format parameters. pgconn buffers the request; nothing is transmitted
// or awaited here. Write failures surface on SyncBatch.
func (s *PG) SendPrepared(name string, args []string) error {
	params := make([][]byte, len(args))
	for i, a := range args {
		params[i] = []byte(a)
	}
	s.pl.SendQueryPrepared(name, params, nil, nil)
	s.pending++
	return nil
}

// SyncBatch queues the pipeline synchronization point and flushes everything
// buffered since the last flush. May block until the bytes are transmitted.
func (s *PG) SyncBatch() error {
	if err := s.pl.Sync(); err != nil {
		return err
	}
	s.outstanding += s.pending
	s.pending = 0
	return nil
}

// NextReply maps the pipeline's next item into the session contract. A
// request's result reader becomes a rows or command reply and a per-request
// server error becomes an error reply, both followed by a synthesized
// end-of-item sentinel. The sync point acknowledgment is passed through as
// a single reply with no trailing sentinel.
//
// After a per-request error the server discards the rest of the batch and
// acknowledges the sync point with no replies for the discarded requests;
// one error reply per request still owed is synthesized so the drain stays
// aligned, and the sync point is handed out only once every request was
// answered.
func (s *PG) NextReply() (pipeline.Reply, error) {
	if s.midItem {
		s.midItem = false
		return nil, nil
	}

	if s.aborted && s.outstanding > 0 {
		s.outstanding--
		s.midItem = true
		return &errorReply{err: errBatchAborted}, nil
	}

	res, err := s.results.GetResults()
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			// the server rejected one request; the stream itself is intact
			s.aborted = true
			if s.outstanding > 0 {
				s.outstanding--
			}
			s.midItem = true
			return &errorReply{err: pgErr}, nil
		}
		return nil, err
	}

	switch r := res.(type) {
	case *pgconn.ResultReader:
		if s.outstanding > 0 {
			s.outstanding--
		}
		s.midItem = true
		return &readerReply{rr: r}, nil
	case *pgconn.PipelineSync:
		s.aborted = false
		s.outstanding = 0
		s.midItem = false
		return syncReply{}, nil
	case *pgconn.StatementDescription:
		// prepares are not pipelined here, but drain defensively
		if s.outstanding > 0 {
			s.outstanding--
		}
		s.midItem = true
		return &errorReply{err: fmt.Errorf("unexpected statement description in reply stream")}, nil
	default:
		return nil, fmt.Errorf("unexpected pipeline result %T", r)
	}
}

// ExitPipeline leaves pipelined mode. Idempotent.
func (s *PG) ExitPipeline() error {
	if s.pl == nil {
		return nil
	}
	pl := s.pl
	s.pl = nil
	s.results = nil
	s.outstanding = 0
	s.pending = 0
	s.aborted = false
	s.midItem = false
	return pl.Close()
}

// Close tears the connection down. Idempotent.
func (s *PG) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.ExitPipeline()
	return s.conn.Close(ctx)
}

// readerReply adapts one pgconn result reader. Whether rows are available is
// decided by the row description: a result set carries field descriptions,
// a bare command tag does not.
type readerReply struct {
	rr     *pgconn.ResultReader
	closed bool
}

func (r *readerReply) Kind() pipeline.ReplyKind {
	if len(r.rr.FieldDescriptions()) > 0 {
		return pipeline.ReplyRows
	}
	return pipeline.ReplyCommand
}

func (r *readerReply) Next() bool {
	return r.rr.NextRow()
}

func (r *readerReply) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	_, err := r.rr.Close()
	return err
}

type errorReply struct {
	err error
}

func (r *errorReply) Kind() pipeline.ReplyKind { return pipeline.ReplyError }
func (r *errorReply) Next() bool               { return false }
func (r *errorReply) Close() error             { return r.err }

type syncReply struct{}

func (syncReply) Kind() pipeline.ReplyKind { return pipeline.ReplySyncPoint }
func (syncReply) Next() bool               { return false }
func (syncReply) Close() error             { return nil }
