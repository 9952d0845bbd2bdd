package worker

import (
	"context"
	"fmt"
	"sync/atomic"

	zlog "github.com/rs/zerolog/log"

	"pipebench/pipeline"
	"pipebench/util"
)

// StatementName is the prepared statement registered on every session. One
// statement per connection, registered before pipelined mode is entered.
const StatementName = "bench_select"

// Worker drives one session through a fixed number of batch cycles. The
// session is owned by this worker for its whole lifetime and is torn down on
// every exit path. A failed worker never affects its siblings.
type Worker struct {
	id        int
	session   pipeline.Session
	statement string
	batchSize int
	domain    int
	batches   int
	warmup    int
}

// Result is one worker's outcome, collected by the harness after join.
type Result struct {
	Worker    int
	Completed int64     // result groups this worker added to the shared counter
	Batches   int       // batch cycles fully drained
	BatchRts  []float64 // per-batch response times, in seconds
	Err       error     // nil on a clean run
}

func NewWorker(id int, session pipeline.Session, statement string, batchSize int, paramDomain int, batches int, warmupBatches int) *Worker {
	worker := new(Worker)
	worker.id = id
	worker.session = session
	worker.statement = statement
	worker.batchSize = batchSize
	worker.domain = paramDomain
	worker.batches = batches
	worker.warmup = warmupBatches
	return worker
}

func (w *Worker) log(msg string) {
	zlog.Info().Int("worker", w.id).Msg(msg)
}

// Run executes the worker's assignment and sends exactly one Result on c.
// Completed result groups are accounted into counter as they drain.
func (w *Worker) Run(ctx context.Context, counter *atomic.Int64, c chan<- *Result) {
	res := &Result{Worker: w.id}

	defer func() { c <- res }()
	defer w.teardown(ctx)

	res.Err = w.run(ctx, counter, res)
	if res.Err != nil {
		zlog.Error().Int("worker", w.id).Err(res.Err).Msg("Worker aborted")
	}
}

func (w *Worker) run(ctx context.Context, counter *atomic.Int64, res *Result) error {
	w.log("Preparing")
	if err := w.session.Prepare(ctx, StatementName, w.statement); err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrPrepare, err)
	}
	if err := w.session.EnterPipeline(ctx); err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrPipelineMode, err)
	}

	p := pipeline.New(w.session, StatementName, w.batchSize, w.domain)

	// warmup batches reach the server but never the shared counter
	var discard atomic.Int64
	for b := 0; b < w.warmup; b++ {
		if _, err := p.RunBatch(&discard); err != nil {
			return err
		}
	}

	w.log("Running")
	for b := 0; b < w.batches; b++ {
		start := util.EpochSeconds()
		completed, err := p.RunBatch(counter)
		res.Completed += int64(completed)
		if err != nil {
			return err
		}
		res.Batches++
		res.BatchRts = append(res.BatchRts, util.EpochSeconds()-start)
	}

	w.log("Done")
	return nil
}

// teardown releases the session regardless of how the run ended.
func (w *Worker) teardown(ctx context.Context) {
	if err := w.session.ExitPipeline(); err != nil {
		zlog.Debug().Int("worker", w.id).Err(err).Msg("Exit pipeline mode failed")
	}
	if err := w.session.Close(ctx); err != nil {
		zlog.Debug().Int("worker", w.id).Err(err).Msg("Close failed")
	}
}
