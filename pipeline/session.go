package pipeline

import (
	"context"
	"errors"
)

// Failures that abort the owning worker. None of them are retried and none
// of them terminate sibling workers.
var (
	ErrConnect      = errors.New("connect failed")
	ErrPrepare      = errors.New("prepare failed")
	ErrPipelineMode = errors.New("pipeline mode unavailable")
	ErrSend         = errors.New("send failed")
	ErrDesync       = errors.New("reply stream desynchronized")
)

// ReplyKind classifies one item drained from the session's reply stream.
type ReplyKind int

const (
	// ReplyRows is a result set whose rows can be iterated.
	ReplyRows ReplyKind = iota
	// ReplyCommand is a statement that finished without returning rows.
	ReplyCommand
	// ReplyError is a server-side failure of one request.
	ReplyError
	// ReplySyncPoint is the acknowledgment of a batch boundary.
	ReplySyncPoint
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyRows:
		return "rows"
	case ReplyCommand:
		return "command"
	case ReplyError:
		return "error"
	case ReplySyncPoint:
		return "sync point"
	default:
		return "unknown"
	}
}

// Reply is a single reply drained from the session. Each reply is consumed
// exactly once: iterate rows with Next (ReplyRows only), then Close.
type Reply interface {
	Kind() ReplyKind
	// Next advances to the next row of a ReplyRows reply. Row content is
	// discarded; only completion is accounted.
	Next() bool
	// Close releases the reply and surfaces any deferred per-request error.
	Close() error
}

// Session is one pipelined connection with one registered prepared
// statement, owned by exactly one worker for its whole lifetime. Calls must
// follow the protocol order: Prepare, EnterPipeline, then any number of
// SendPrepared/SyncBatch/NextReply cycles, then ExitPipeline and Close.
type Session interface {
	// Prepare registers the statement. Valid only before EnterPipeline.
	Prepare(ctx context.Context, name, sql string) error
	EnterPipeline(ctx context.Context) error
	// SendPrepared enqueues one execution of the prepared statement without
	// waiting for its reply.
	SendPrepared(name string, args []string) error
	// SyncBatch queues the batch boundary marker and flushes everything
	// enqueued since the last flush. This call may block on transmission.
	SyncBatch() error
	// NextReply blocks until the next item of the reply stream is available.
	// A nil reply marks the end of the current request's replies; the call
	// after a nil reply moves to the next request. Boundary acknowledgments
	// arrive as a single ReplySyncPoint with no trailing sentinel.
	NextReply() (Reply, error)
	// ExitPipeline leaves pipelined mode. Idempotent.
	ExitPipeline() error
	// Close tears the connection down. Idempotent.
	Close(ctx context.Context) error
}
