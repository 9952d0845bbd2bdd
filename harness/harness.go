package harness

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"pipebench/config"
	"pipebench/pipeline"
	"pipebench/util"
	"pipebench/worker"
)

// SessionFactory opens the session for one worker. The harness calls it once
// per worker; sessions are never shared or handed between workers.
type SessionFactory func(ctx context.Context, workerID int) (pipeline.Session, error)

// Report is the outcome of one full run.
type Report struct {
	Run           uuid.UUID
	Elapsed       float64 // seconds, spawn to join
	Completed     int64   // shared counter, read once after all workers joined
	Workers       int
	PoolSize      int
	BatchSize     int
	FailedWorkers int
	BatchRtP95    float64 // p95 of per-batch response times, seconds
	Results       []*worker.Result
}

// Throughput returns completed queries per second, exact division.
func (r *Report) Throughput() float64 {
	return float64(r.Completed) / r.Elapsed
}

// BatchesPerWorker splits the configured total evenly: each worker runs
// floor(total / workers / batchSize) batch cycles.
func BatchesPerWorker(totalQueries, workers, batchSize int) int {
	return totalQueries / workers / batchSize
}

// Run spawns the configured workers with disjoint identities, one session
// each, blocks until all of them terminated, and aggregates their results.
// The shared completion counter is owned here and handed to workers at spawn;
// it is read exactly once, after the join.
func Run(ctx context.Context, cfg *config.Config, open SessionFactory) *Report {
	batches := BatchesPerWorker(cfg.TotalQueries, cfg.Workers, cfg.BatchSize)
	report := &Report{
		Run:       uuid.New(),
		Workers:   cfg.Workers,
		PoolSize:  cfg.PoolSize,
		BatchSize: cfg.BatchSize,
	}

	zlog.Info().Str("run", report.Run.String()).Int("workers", cfg.Workers).
		Int("batchSize", cfg.BatchSize).Int("batchesPerWorker", batches).Msg("Run started")

	var counter atomic.Int64
	c := make(chan *worker.Result, cfg.Workers)

	start := time.Now()
	stopProgress := progressLoop(&counter, cfg, start)

	for id := 0; id < cfg.Workers; id++ {
		go func(id int) {
			session, err := open(ctx, id)
			if err != nil {
				err = fmt.Errorf("%w: %v", pipeline.ErrConnect, err)
				zlog.Error().Int("worker", id).Err(err).Msg("Worker aborted")
				c <- &worker.Result{Worker: id, Err: err}
				return
			}
			worker.NewWorker(id, session, cfg.Statement, cfg.BatchSize,
				cfg.ParamDomain, batches, cfg.WarmupBatches).Run(ctx, &counter, c)
		}(id)
	}

	for i := 0; i < cfg.Workers; i++ {
		report.Results = append(report.Results, <-c)
	}
	report.Elapsed = time.Since(start).Seconds()
	stopProgress()

	report.Completed = counter.Load()

	rts := []float64{}
	for _, res := range report.Results {
		if res.Err != nil {
			report.FailedWorkers++
		}
		rts = append(rts, res.BatchRts...)
	}
	report.BatchRtP95 = util.Percentile(rts, 95)

	zlog.Info().Str("run", report.Run.String()).Int64("completed", report.Completed).
		Int("failedWorkers", report.FailedWorkers).Float64("elapsed", report.Elapsed).Msg("Run ended")

	return report
}

// progressLoop periodically logs the running completion count, the current
// rate, and the estimated time to finish. The returned function stops it.
func progressLoop(counter *atomic.Int64, cfg *config.Config, start time.Time) func() {
	if cfg.ProgressSeconds <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.ProgressSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				count := counter.Load()
				elapsed := time.Since(start).Seconds()
				if count == 0 || elapsed <= 0 {
					continue
				}
				qps := float64(count) / elapsed
				eta := float64(int64(cfg.TotalQueries)-count) / qps
				zlog.Info().Int64("completed", count).Float64("qps", qps).
					Float64("etaSeconds", eta).Msg("Progress")
			}
		}
	}()
	return func() { close(done) }
}
