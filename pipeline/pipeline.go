package pipeline

import (
	"fmt"
	"strconv"
	"sync/atomic"
)

// Pipeliner drives one session through repeated batch cycles: fill a batch
// of outstanding requests, mark the boundary, drain exactly as many result
// groups as were sent plus the boundary acknowledgment. It never waits for
// an individual request's reply before the batch's remaining sends; the only
// blocking points are SyncBatch and NextReply.
type Pipeliner struct {
	session   Session
	statement string
	batchSize int
	// args[i] is the pre-rendered parameter of request i of every batch,
	// cycling through 1..paramDomain.
	args [][]string
}

func New(session Session, statement string, batchSize, paramDomain int) *Pipeliner {
	args := make([][]string, batchSize)
	for i := range args {
		args[i] = []string{strconv.Itoa((i % paramDomain) + 1)}
	}
	return &Pipeliner{
		session:   session,
		statement: statement,
		batchSize: batchSize,
		args:      args,
	}
}

// RunBatch executes one batch cycle and returns the number of requests that
// completed with a readable result set. The same count is added to counter,
// one increment per completed request, as the batch drains.
//
// When a send fails mid-batch, the requests that were already sent are still
// owed results: the pipeliner syncs and drains them (counting completions as
// usual) along with the boundary acknowledgment, so the connection's reply
// stream stays aligned, then reports the send failure. Drain errors after a
// send failure are subordinate to it.
func (p *Pipeliner) RunBatch(counter *atomic.Int64) (int, error) {
	sent, sendErr := p.fill()

	if err := p.session.SyncBatch(); err != nil {
		if sendErr != nil {
			return 0, sendErr
		}
		return 0, fmt.Errorf("%w: sync: %v", ErrSend, err)
	}

	completed, drainErr := p.drain(sent, counter)
	if sendErr != nil {
		return completed, sendErr
	}
	return completed, drainErr
}

// fill enqueues up to batchSize executions of the prepared statement, never
// waiting for replies. Returns how many sends succeeded.
func (p *Pipeliner) fill() (int, error) {
	for i := 0; i < p.batchSize; i++ {
		if err := p.session.SendPrepared(p.statement, p.args[i]); err != nil {
			return i, fmt.Errorf("%w: request %d: %v", ErrSend, i, err)
		}
	}
	return p.batchSize, nil
}

// drain consumes the replies of the sent requests, in send order, followed
// by exactly one boundary acknowledgment. Every reply is consumed exactly
// once; error and command replies are drained but not counted.
func (p *Pipeliner) drain(sent int, counter *atomic.Int64) (int, error) {
	completed := 0

	for q := 0; q < sent; q++ {
		counted := false
		for {
			reply, err := p.session.NextReply()
			if err != nil {
				return completed, fmt.Errorf("%w: request %d: %v", ErrDesync, q, err)
			}
			if reply == nil {
				break
			}

			kind := reply.Kind()
			if kind == ReplySyncPoint {
				_ = reply.Close()
				return completed, fmt.Errorf("%w: boundary arrived before request %d was drained", ErrDesync, q)
			}

			if kind == ReplyRows {
				for reply.Next() {
					// row content is irrelevant, only completion counts
				}
				// a result set that breaks off mid-transfer is drained but
				// does not count as a completion
				if reply.Close() == nil && !counted {
					counter.Add(1)
					completed++
					counted = true
				}
				continue
			}
			// per-request errors stay with the reply; the stream is aligned
			_ = reply.Close()
		}
	}

	reply, err := p.session.NextReply()
	if err != nil {
		return completed, fmt.Errorf("%w: boundary: %v", ErrDesync, err)
	}
	if reply == nil {
		return completed, fmt.Errorf("%w: boundary acknowledgment missing", ErrDesync)
	}
	kind := reply.Kind()
	_ = reply.Close()
	if kind != ReplySyncPoint {
		return completed, fmt.Errorf("%w: expected boundary acknowledgment, drained %v", ErrDesync, kind)
	}
	return completed, nil
}
