package harness

import (
	"fmt"
	"io"
	"math"
	"strings"
)

const boxWidth = 50

// PrintSummary writes the fixed-width results block followed by
// machine-readable Csv: lines, one per worker plus one aggregate.
func PrintSummary(out io.Writer, r *Report) {
	line := func(label, value string) {
		fmt.Fprintf(out, "│ %-24s%24s │\n", label, value)
	}

	fmt.Fprintf(out, "┌%s┐\n", strings.Repeat("─", boxWidth))
	fmt.Fprintf(out, "│ %-*s│\n", boxWidth-1, "PIPELINED BATCH BENCHMARK")
	fmt.Fprintf(out, "├%s┤\n", strings.Repeat("─", boxWidth))
	line("Total Time:", fmt.Sprintf("%.1fs", r.Elapsed))
	line("Queries/Second:", fmt.Sprintf("%.0f", r.Throughput()))
	line("Workers:", fmt.Sprintf("%d", r.Workers))
	line("Pool Size:", fmt.Sprintf("%d", r.PoolSize))
	line("Queries Completed:", fmt.Sprintf("%d", r.Completed))
	if r.FailedWorkers > 0 {
		line("Failed Workers:", fmt.Sprintf("%d", r.FailedWorkers))
	}
	if !math.IsNaN(r.BatchRtP95) {
		line("Batch RT p95:", fmt.Sprintf("%.6fs", r.BatchRtP95))
	}
	fmt.Fprintf(out, "└%s┘\n", strings.Repeat("─", boxWidth))

	fmt.Fprintln(out, "CsvOps:run,worker,batches,completed,failed")
	for _, res := range r.Results {
		failed := 0
		if res.Err != nil {
			failed = 1
		}
		fmt.Fprintf(out, "CsvOps:%s,%d,%d,%d,%d\n", r.Run, res.Worker, res.Batches, res.Completed, failed)
	}
	fmt.Fprintln(out, "Csv:run,workers,poolSize,batchSize,completed,failedWorkers,elapsed,qps,batchRtP95")
	fmt.Fprintf(out, "Csv:%s,%d,%d,%d,%d,%d,%.3f,%.3f,%.6f\n",
		r.Run, r.Workers, r.PoolSize, r.BatchSize, r.Completed, r.FailedWorkers,
		r.Elapsed, r.Throughput(), r.BatchRtP95)
}
