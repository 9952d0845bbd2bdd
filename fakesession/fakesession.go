// Package fakesession provides an in-memory pipeline.Session with scripted
// replies, used to test the protocol core without a server.
package fakesession

import (
	"context"
	"fmt"
	"sync"

	"pipebench/pipeline"
)

// DefaultRows is how many rows an unscripted request serves.
const DefaultRows = 3

// Reply is one scripted reply. Use the constructors below; zero values are
// not meaningful.
type Reply struct {
	kind   pipeline.ReplyKind
	rows   int
	err    error
	served int
	closes int
}

// RowsReply scripts a result set with n discardable rows.
func RowsReply(n int) *Reply { return &Reply{kind: pipeline.ReplyRows, rows: n} }

// BrokenRowsReply scripts a result set that serves n rows and then fails on
// Close, as when a transfer breaks off mid-result.
func BrokenRowsReply(n int, err error) *Reply {
	return &Reply{kind: pipeline.ReplyRows, rows: n, err: err}
}

// CommandReply scripts a statement that finished without returning rows.
func CommandReply() *Reply { return &Reply{kind: pipeline.ReplyCommand} }

// ErrorReply scripts a server-side failure of one request.
func ErrorReply(err error) *Reply { return &Reply{kind: pipeline.ReplyError, err: err} }

// BoundaryReply scripts a misplaced boundary acknowledgment, to exercise
// desynchronization handling.
func BoundaryReply() *Reply { return &Reply{kind: pipeline.ReplySyncPoint} }

func (r *Reply) Kind() pipeline.ReplyKind { return r.kind }

func (r *Reply) Next() bool {
	if r.served < r.rows {
		r.served++
		return true
	}
	return false
}

func (r *Reply) Close() error {
	r.closes++
	return r.err
}

func (r *Reply) clone() *Reply {
	return &Reply{kind: r.kind, rows: r.rows, err: r.err}
}

// Session is a scriptable pipeline.Session. Sends are buffered until
// SyncBatch, which materializes the reply stream: for every successfully
// sent request, its scripted replies (one rows reply of DefaultRows rows
// when unscripted) followed by the end-of-item sentinel, then one boundary
// acknowledgment. NextReply serves that stream and fails when read past its
// end, so tests catch over-draining.
type Session struct {
	mu sync.Mutex

	// Failure injection. FailSendAt is the 1-based ordinal of the send that
	// fails (counted across batches); 0 never fails.
	FailPrepare    error
	FailPipeline   error
	FailSendAt     int
	OmitBoundary   bool // serve nothing in place of the boundary ack
	SentinelForAck bool // serve a bare sentinel in place of the boundary ack

	script map[int][]*Reply

	prepared  bool
	pipelined bool
	exited    bool
	closed    bool

	sends    int
	sentArgs []string
	batchPos int
	pending  []int
	queue    []*Reply // nil entry = end-of-item sentinel
	all      []*Reply
	syncs    int
}

func New() *Session {
	return &Session{script: map[int][]*Reply{}}
}

// ScriptRequest sets the replies served for the given batch-local request
// position (0-based) in every batch.
func (s *Session) ScriptRequest(pos int, replies ...*Reply) {
	s.script[pos] = replies
}

func (s *Session) Prepare(ctx context.Context, name, sql string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPrepare != nil {
		return s.FailPrepare
	}
	if s.pipelined {
		return fmt.Errorf("prepare after entering pipeline mode")
	}
	s.prepared = true
	return nil
}

func (s *Session) EnterPipeline(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPipeline != nil {
		return s.FailPipeline
	}
	if !s.prepared {
		return fmt.Errorf("pipeline mode before prepare")
	}
	s.pipelined = true
	return nil
}

func (s *Session) SendPrepared(name string, args []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pipelined {
		return fmt.Errorf("send outside pipeline mode")
	}
	s.sends++
	if s.FailSendAt != 0 && s.sends == s.FailSendAt {
		s.batchPos++
		return fmt.Errorf("wire send failed")
	}
	s.sentArgs = append(s.sentArgs, args...)
	s.pending = append(s.pending, s.batchPos)
	s.batchPos++
	return nil
}

func (s *Session) SyncBatch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pipelined {
		return fmt.Errorf("sync outside pipeline mode")
	}

	for _, pos := range s.pending {
		replies, ok := s.script[pos]
		if !ok {
			replies = []*Reply{RowsReply(DefaultRows)}
		}
		for _, r := range replies {
			c := r.clone()
			s.queue = append(s.queue, c)
			s.all = append(s.all, c)
		}
		s.queue = append(s.queue, nil)
	}
	s.pending = s.pending[:0]
	s.batchPos = 0

	switch {
	case s.OmitBoundary:
	case s.SentinelForAck:
		s.queue = append(s.queue, nil)
	default:
		ack := &Reply{kind: pipeline.ReplySyncPoint}
		s.queue = append(s.queue, ack)
		s.all = append(s.all, ack)
	}
	s.syncs++
	return nil
}

func (s *Session) NextReply() (pipeline.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, fmt.Errorf("read past the end of the reply stream")
	}
	head := s.queue[0]
	s.queue = s.queue[1:]
	if head == nil {
		return nil, nil
	}
	return head, nil
}

func (s *Session) ExitPipeline() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exited = true
	return nil
}

func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Inspection helpers for assertions.

// Drained reports whether every buffered reply was read.
func (s *Session) Drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0
}

// ConsumedOnce reports whether every served reply was closed exactly once.
func (s *Session) ConsumedOnce() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.all {
		if r.closes != 1 {
			return false
		}
	}
	return true
}

// SentArgs returns the parameters of every successful send, in order.
func (s *Session) SentArgs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.sentArgs...)
}

func (s *Session) Syncs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncs
}

func (s *Session) Sends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends
}

func (s *Session) Exited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
