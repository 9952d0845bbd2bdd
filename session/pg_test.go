package session

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipebench/pipeline"
)

// stubResults replays a fixed sequence of pgconn pipeline items.
type stubResults struct {
	items []any
	errs  []error
	calls int
}

func (s *stubResults) GetResults() (any, error) {
	if s.calls >= len(s.items) {
		return nil, fmt.Errorf("GetResults called %d times, only %d items scripted", s.calls+1, len(s.items))
	}
	item, err := s.items[s.calls], s.errs[s.calls]
	s.calls++
	return item, err
}

func (s *stubResults) add(item any, err error) {
	s.items = append(s.items, item)
	s.errs = append(s.errs, err)
}

// drainKinds pulls n items from the session, recording reply kinds and
// sentinels ("-") the way the pipeliner would see them.
func drainKinds(t *testing.T, s *PG, n int) []string {
	t.Helper()
	out := []string{}
	for i := 0; i < n; i++ {
		reply, err := s.NextReply()
		require.NoError(t, err)
		if reply == nil {
			out = append(out, "-")
			continue
		}
		out = append(out, reply.Kind().String())
		_ = reply.Close()
	}
	return out
}

func TestNextReplySynthesizesRepliesForAbortedBatch(t *testing.T) {
	// three requests synced; the server rejects the first and, as Postgres
	// does in pipeline mode, discards the other two and answers with the
	// sync point directly
	stub := &stubResults{}
	stub.add(nil, &pgconn.PgError{Code: "42601", Message: "syntax error"})
	stub.add(&pgconn.PipelineSync{}, nil)

	s := &PG{results: stub, outstanding: 3}

	got := drainKinds(t, s, 7)
	assert.Equal(t, []string{
		"error", "-", // the rejected request
		"error", "-", // first discarded request, synthesized
		"error", "-", // second discarded request, synthesized
		"sync point", // boundary handed out only after every request was answered
	}, got)

	assert.Equal(t, 2, stub.calls, "the sync point is not consumed early")
	assert.False(t, s.aborted, "the sync point clears the aborted state")
	assert.Equal(t, 0, s.outstanding)
}

func TestNextReplyCarriesTheServerErrorThenTheAbortMarker(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "22012", Message: "division by zero"}
	stub := &stubResults{}
	stub.add(nil, pgErr)
	stub.add(&pgconn.PipelineSync{}, nil)

	s := &PG{results: stub, outstanding: 2}

	reply, err := s.NextReply()
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, pipeline.ReplyError, reply.Kind())
	assert.ErrorIs(t, reply.Close(), pgErr)

	reply, err = s.NextReply() // sentinel
	require.NoError(t, err)
	require.Nil(t, reply)

	reply, err = s.NextReply() // synthesized for the discarded request
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, pipeline.ReplyError, reply.Kind())
	assert.ErrorIs(t, reply.Close(), errBatchAborted)
}

func TestNextReplyErrorOnLastRequestStillAlignsTheBoundary(t *testing.T) {
	stub := &stubResults{}
	stub.add(&pgconn.PipelineSync{}, nil) // rows replies cannot be fabricated; start at the failure
	s := &PG{results: stub, outstanding: 0, aborted: true}

	reply, err := s.NextReply()
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, pipeline.ReplySyncPoint, reply.Kind())
}

func TestNextReplyPassesTransportErrorsThrough(t *testing.T) {
	stub := &stubResults{}
	stub.add(nil, errors.New("unexpected EOF"))
	s := &PG{results: stub, outstanding: 1}

	reply, err := s.NextReply()
	require.Error(t, err)
	assert.Nil(t, reply)
	assert.False(t, s.aborted, "only server errors start an aborted batch")
}
