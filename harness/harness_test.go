package harness_test

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipebench/config"
	"pipebench/fakesession"
	"pipebench/harness"
	"pipebench/pipeline"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Workers = 4
	cfg.BatchSize = 5
	cfg.TotalQueries = 4 * 5 * 3 // 3 batches per worker
	cfg.ProgressSeconds = 0
	cfg.Populate = false
	return cfg
}

func TestThroughputIsExactDivision(t *testing.T) {
	r := &harness.Report{Completed: 500_000, Elapsed: 10.0}
	assert.Equal(t, 50_000.0, r.Throughput())
}

func TestBatchesPerWorkerIsFloorDivision(t *testing.T) {
	assert.Equal(t, 150_000, harness.BatchesPerWorker(150_000_000, 10, 100))
	assert.Equal(t, 3, harness.BatchesPerWorker(4*5*3, 4, 5))
	assert.Equal(t, 0, harness.BatchesPerWorker(99, 10, 100))
	// remainders are dropped, not redistributed
	assert.Equal(t, 1, harness.BatchesPerWorker(1999, 10, 100))
}

func TestRunAggregatesAllWorkers(t *testing.T) {
	cfg := testConfig()

	sessions := map[int]*fakesession.Session{}
	report := harness.Run(context.Background(), cfg, func(ctx context.Context, workerID int) (pipeline.Session, error) {
		s := fakesession.New()
		sessions[workerID] = s
		return s, nil
	})

	require.Len(t, report.Results, cfg.Workers)
	assert.Equal(t, int64(60), report.Completed)
	assert.Equal(t, 0, report.FailedWorkers)
	assert.Greater(t, report.Elapsed, 0.0)

	var shadowSum int64
	for _, res := range report.Results {
		require.NoError(t, res.Err)
		shadowSum += res.Completed
	}
	assert.Equal(t, report.Completed, shadowSum)

	for id, s := range sessions {
		assert.True(t, s.Closed(), "worker %d session closed", id)
		assert.True(t, s.Drained(), "worker %d stream drained", id)
	}
}

func TestFailedWorkerDoesNotAbortTheRun(t *testing.T) {
	cfg := testConfig()

	report := harness.Run(context.Background(), cfg, func(ctx context.Context, workerID int) (pipeline.Session, error) {
		if workerID == 0 {
			return nil, fmt.Errorf("connection refused")
		}
		return fakesession.New(), nil
	})

	require.Len(t, report.Results, cfg.Workers)
	assert.Equal(t, 1, report.FailedWorkers)
	// throughput is computed from whatever the surviving workers completed
	assert.Equal(t, int64(45), report.Completed)

	for _, res := range report.Results {
		if res.Worker == 0 {
			assert.ErrorIs(t, res.Err, pipeline.ErrConnect)
		} else {
			assert.NoError(t, res.Err)
		}
	}
}

func TestWorkerFailureMidRunIsIsolated(t *testing.T) {
	cfg := testConfig()

	report := harness.Run(context.Background(), cfg, func(ctx context.Context, workerID int) (pipeline.Session, error) {
		s := fakesession.New()
		if workerID == 2 {
			s.FailSendAt = 6 // dies at the start of its second batch
		}
		return s, nil
	})

	assert.Equal(t, 1, report.FailedWorkers)
	// 3 workers * 15 queries, plus the failed worker's 5 from its clean batch
	assert.Equal(t, int64(50), report.Completed)
}

func TestPrintSummary(t *testing.T) {
	cfg := testConfig()
	report := harness.Run(context.Background(), cfg, func(ctx context.Context, workerID int) (pipeline.Session, error) {
		return fakesession.New(), nil
	})

	var buf bytes.Buffer
	harness.PrintSummary(&buf, report)
	out := buf.String()

	assert.Contains(t, out, "PIPELINED BATCH BENCHMARK")
	assert.Contains(t, out, "Queries/Second:")
	assert.Contains(t, out, "Queries Completed:")
	assert.Contains(t, out, "60")
	assert.Contains(t, out, "Csv:run,workers,poolSize,batchSize,completed,failedWorkers,elapsed,qps,batchRtP95")
	assert.NotContains(t, out, "Failed Workers:")

	// every box line is equally wide
	var widths []int
	for _, line := range bytes.Split(buf.Bytes(), []byte("\n")) {
		if bytes.HasPrefix(line, []byte("│")) || bytes.HasPrefix(line, []byte("┌")) ||
			bytes.HasPrefix(line, []byte("├")) || bytes.HasPrefix(line, []byte("└")) {
			widths = append(widths, len(bytes.Runes(line)))
		}
	}
	require.NotEmpty(t, widths)
	for _, w := range widths {
		assert.Equal(t, widths[0], w)
	}
}
