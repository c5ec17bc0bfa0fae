package main

import (
	"fmt"

	"github.com/docker/go-units"

	"github.com/ethpandaops/stressoor/pkg/registry"
	"github.com/ethpandaops/stressoor/pkg/sink"
)

// printSummary writes a human-readable digest of one finished run to
// stdout.
func printSummary(name string, run *registry.TestRun, result *sink.Result) {
	fmt.Printf("\nRun %q: %s\n", name, run.Status)

	if run.Status == registry.StatusFailed && run.Error != "" {
		fmt.Printf("  error:       %s\n", run.Error)
	}

	stats := result.Statistics
	if stats == nil {
		return
	}

	successPct := float64(0)
	if stats.Requests > 0 {
		successPct = 100 * float64(stats.Successes) / float64(stats.Requests)
	}

	fmt.Printf("  elapsed:     %s\n", units.HumanDuration(stats.Elapsed))
	fmt.Printf("  requests:    %d (%.1f%% ok, %d failed)\n",
		stats.Requests, successPct, stats.Failures)
	fmt.Printf("  throughput:  %.1f req/s\n", stats.RequestsPerS)
	fmt.Printf("  latency:     min %s / mean %s / max %s\n",
		stats.Min, stats.Mean, stats.Max)
	fmt.Printf("  percentiles: p50 %s  p90 %s  p95 %s  p99 %s\n",
		stats.P50, stats.P90, stats.P95, stats.P99)
	fmt.Printf("  data read:   %s\n",
		units.HumanSize(float64(stats.BytesRead)))

	if stats.LateDropped > 0 {
		fmt.Printf("  dropped:     %d samples arrived after finalization\n",
			stats.LateDropped)
	}

	if usage := result.Resources; usage != nil {
		fmt.Printf("  generator:   cpu %.1f%% avg / %.1f%% max, mem %.1f%% avg\n",
			usage.CPUPercentAvg, usage.CPUPercentMax, usage.MemoryPercentAvg)
	}

	if result.Degraded {
		fmt.Printf("  note:        result stored locally but export failed\n")
	}
}
