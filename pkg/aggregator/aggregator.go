// Package aggregator folds a stream of per-request samples into run
// statistics. Counts are plain atomics and latencies go into HdrHistograms,
// so aggregation is commutative: the same multiset of samples produces the
// same statistics no matter the arrival order. Percentiles are approximate
// (3 significant figures, the histogram's documented error bound).
package aggregator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Sample is the outcome of one virtual-user operation. Immutable once
// created.
type Sample struct {
	RunID     string
	Operation string
	Timestamp time.Time
	Latency   time.Duration
	Bytes     int64
	Success   bool
	Error     string
}

// OperationStats summarises latencies for a single operation name.
type OperationStats struct {
	Count     int64         `json:"count"`
	Failures  int64         `json:"failures"`
	Min       time.Duration `json:"min"`
	Max       time.Duration `json:"max"`
	Mean      time.Duration `json:"mean"`
	P50       time.Duration `json:"p50"`
	P95       time.Duration `json:"p95"`
	P99       time.Duration `json:"p99"`
}

// RunStatistics is the aggregated view of a run, live or final.
type RunStatistics struct {
	RunID        string                    `json:"run_id"`
	Requests     int64                     `json:"requests"`
	Successes    int64                     `json:"successes"`
	Failures     int64                     `json:"failures"`
	BytesRead    int64                     `json:"bytes_read"`
	LateDropped  int64                     `json:"late_dropped"`
	Min          time.Duration             `json:"min"`
	Max          time.Duration             `json:"max"`
	Mean         time.Duration             `json:"mean"`
	P50          time.Duration             `json:"p50"`
	P90          time.Duration             `json:"p90"`
	P95          time.Duration             `json:"p95"`
	P99          time.Duration             `json:"p99"`
	RequestsPerS float64                   `json:"requests_per_sec"`
	Elapsed      time.Duration             `json:"elapsed"`
	Operations   map[string]OperationStats `json:"operations,omitempty"`
	Fatal        bool                      `json:"fatal,omitempty"`
	Final        bool                      `json:"final"`
}

// Aggregator accumulates samples for one run.
type Aggregator interface {
	// Record folds a sample into the statistics. Safe for concurrent use.
	// Samples arriving after Finalize are dropped and counted.
	Record(sample *Sample)

	// Snapshot returns a best-effort point-in-time view. Counts between
	// successive snapshots never decrease.
	Snapshot() *RunStatistics

	// Finalize seals the aggregate and returns the final statistics. It is
	// idempotent: repeat calls return the same result without
	// double-counting.
	Finalize() *RunStatistics

	// MarkFatal flags the statistics as produced by a fatally aborted run.
	MarkFatal()
}

// Compile-time interface check.
var _ Aggregator = (*aggregator)(nil)

type aggregator struct {
	log   logrus.FieldLogger
	runID string
	start time.Time
	now   func() time.Time

	requests    atomic.Int64
	successes   atomic.Int64
	failures    atomic.Int64
	bytesRead   atomic.Int64
	lateDropped atomic.Int64
	fatal       atomic.Bool

	latency *safeHistogram

	opMu sync.Mutex
	ops  map[string]*opAccumulator

	// finalMu orders in-flight records against finalization: once Finalize
	// holds the write lock, every sample is either fully counted or takes
	// the late-dropped path.
	finalMu   sync.RWMutex
	finalized atomic.Bool
	finalOnce sync.Once
	final     *RunStatistics
}

type opAccumulator struct {
	failures  atomic.Int64
	histogram *safeHistogram
}

// NewAggregator creates an aggregator for the given run.
func NewAggregator(log logrus.FieldLogger, runID string) Aggregator {
	return newAggregator(log, runID, time.Now)
}

func newAggregator(log logrus.FieldLogger, runID string, now func() time.Time) *aggregator {
	return &aggregator{
		log:     log.WithField("component", "aggregator").WithField("run_id", runID),
		runID:   runID,
		start:   now(),
		now:     now,
		latency: newSafeHistogram(),
		ops:     make(map[string]*opAccumulator),
	}
}

// Record folds a sample into the statistics.
func (a *aggregator) Record(sample *Sample) {
	a.finalMu.RLock()
	defer a.finalMu.RUnlock()

	if a.finalized.Load() {
		a.lateDropped.Add(1)

		return
	}

	a.requests.Add(1)

	if sample.Success {
		a.successes.Add(1)
	} else {
		a.failures.Add(1)
	}

	a.bytesRead.Add(sample.Bytes)
	a.latency.Record(sample.Latency)

	op := a.operationFor(sample.Operation)
	op.histogram.Record(sample.Latency)

	if !sample.Success {
		op.failures.Add(1)
	}
}

// operationFor returns the per-operation accumulator, creating it on first
// use.
func (a *aggregator) operationFor(name string) *opAccumulator {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	op, ok := a.ops[name]
	if !ok {
		op = &opAccumulator{histogram: newSafeHistogram()}
		a.ops[name] = op
	}

	return op
}

// Snapshot returns a best-effort point-in-time view. After Finalize, the
// sealed statistics are returned with an up-to-date late-dropped count.
func (a *aggregator) Snapshot() *RunStatistics {
	if a.finalized.Load() && a.final != nil {
		out := *a.final
		out.LateDropped = a.lateDropped.Load()

		return &out
	}

	return a.collect(false)
}

// Finalize seals the aggregate and returns the final statistics.
func (a *aggregator) Finalize() *RunStatistics {
	a.finalOnce.Do(func() {
		// Taking the write lock flushes in-flight records before the flag
		// flips, so none can land between the flag check and the final
		// collect.
		a.finalMu.Lock()
		a.finalized.Store(true)
		a.finalMu.Unlock()

		a.final = a.collect(true)

		a.log.WithFields(logrus.Fields{
			"requests": a.final.Requests,
			"failures": a.final.Failures,
			"p99":      a.final.P99,
		}).Debug("Statistics finalized")
	})

	return a.final
}

// MarkFatal flags the statistics as produced by a fatally aborted run.
func (a *aggregator) MarkFatal() {
	a.fatal.Store(true)
}

// collect assembles a RunStatistics from the current accumulator state.
func (a *aggregator) collect(final bool) *RunStatistics {
	elapsed := a.now().Sub(a.start)

	stats := &RunStatistics{
		RunID:       a.runID,
		Requests:    a.requests.Load(),
		Successes:   a.successes.Load(),
		Failures:    a.failures.Load(),
		BytesRead:   a.bytesRead.Load(),
		LateDropped: a.lateDropped.Load(),
		Elapsed:     elapsed,
		Fatal:       a.fatal.Load(),
		Final:       final,
	}

	if stats.Requests > 0 {
		stats.Min = a.latency.Min()
		stats.Max = a.latency.Max()
		stats.Mean = a.latency.Mean()
		stats.P50 = a.latency.ValueAtQuantile(50)
		stats.P90 = a.latency.ValueAtQuantile(90)
		stats.P95 = a.latency.ValueAtQuantile(95)
		stats.P99 = a.latency.ValueAtQuantile(99)
	}

	if seconds := elapsed.Seconds(); seconds > 0 {
		stats.RequestsPerS = float64(stats.Requests) / seconds
	}

	a.opMu.Lock()
	if len(a.ops) > 0 {
		stats.Operations = make(map[string]OperationStats, len(a.ops))

		for name, op := range a.ops {
			count := op.histogram.TotalCount()
			if count == 0 {
				continue
			}

			stats.Operations[name] = OperationStats{
				Count:    count,
				Failures: op.failures.Load(),
				Min:      op.histogram.Min(),
				Max:      op.histogram.Max(),
				Mean:     op.histogram.Mean(),
				P50:      op.histogram.ValueAtQuantile(50),
				P95:      op.histogram.ValueAtQuantile(95),
				P99:      op.histogram.ValueAtQuantile(99),
			}
		}
	}
	a.opMu.Unlock()

	return stats
}
