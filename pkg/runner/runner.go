package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/stressoor/pkg/aggregator"
	"github.com/ethpandaops/stressoor/pkg/config"
	"github.com/ethpandaops/stressoor/pkg/executor"
	"github.com/ethpandaops/stressoor/pkg/monitor"
	"github.com/ethpandaops/stressoor/pkg/registry"
	"github.com/ethpandaops/stressoor/pkg/scenario"
	"github.com/ethpandaops/stressoor/pkg/sink"
)

// Runner owns the lifecycle of test runs: it creates them in the registry,
// drives the executor and aggregator, and hands finalized results to the
// sink.
type Runner interface {
	Start(ctx context.Context) error
	Stop() error

	// CreateRun registers a run and starts executing it immediately. When
	// scenarioFile is non-empty the scenario is loaded from it, replacing
	// any inline scenario in the definition.
	CreateRun(def registry.Definition, scenarioFile string) (*registry.TestRun, error)

	// GetRun returns the run with the given ID or registry.ErrRunNotFound.
	GetRun(id string) (*registry.TestRun, error)

	// ListRuns returns all known runs, newest first.
	ListRuns() []*registry.TestRun

	// CancelRun requests graceful cancellation. In-flight requests drain
	// and partial statistics are persisted.
	CancelRun(id string) (*registry.TestRun, error)

	// GetResult returns live statistics while a run executes and the
	// stored final result once it has ended.
	GetResult(ctx context.Context, id string) (*sink.Result, error)

	// WaitForRun blocks until the run with the given ID has ended.
	WaitForRun(id string)
}

// Compile-time interface check.
var _ Runner = (*runner)(nil)

type runner struct {
	log      logrus.FieldLogger
	cfg      *config.ExecutorConfig
	registry registry.Registry
	sink     sink.Sink

	ctx    context.Context //nolint:containedctx // run lifetime outlives callers.
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup
}

// activeRun is the in-flight machinery behind a running test.
type activeRun struct {
	exec      executor.Executor
	agg       aggregator.Aggregator
	cancelled atomic.Bool
	done      chan struct{}
}

// NewRunner creates a runner on top of the given registry and sink.
func NewRunner(
	log logrus.FieldLogger,
	cfg *config.ExecutorConfig,
	reg registry.Registry,
	snk sink.Sink,
) Runner {
	return &runner{
		log:      log.WithField("component", "runner"),
		cfg:      cfg,
		registry: reg,
		sink:     snk,
		active:   make(map[string]*activeRun),
	}
}

// Start opens the sink and prepares the runner for new runs.
func (r *runner) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	if err := r.sink.Start(ctx); err != nil {
		return fmt.Errorf("starting sink: %w", err)
	}

	return nil
}

// Stop cancels all active runs, waits for them to drain, and closes the
// sink.
func (r *runner) Stop() error {
	r.mu.Lock()
	for _, ar := range r.active {
		ar.cancelled.Store(true)
		ar.exec.Stop()
	}
	r.mu.Unlock()

	r.wg.Wait()

	if r.cancel != nil {
		r.cancel()
	}

	return r.sink.Stop()
}

func (r *runner) CreateRun(
	def registry.Definition, scenarioFile string,
) (*registry.TestRun, error) {
	if scenarioFile != "" {
		loaded, err := scenario.LoadFile(scenarioFile)
		if err != nil {
			return nil, err
		}

		def.Scenario = *loaded
	}

	run, err := r.registry.Create(def)
	if err != nil {
		return nil, err
	}

	ar := &activeRun{
		exec: executor.NewExecutor(r.log, r.executorConfig(), run),
		agg:  aggregator.NewAggregator(r.log, run.ID),
		done: make(chan struct{}),
	}

	r.mu.Lock()
	r.active[run.ID] = ar
	r.mu.Unlock()

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		r.execute(ar, run)
	}()

	return run, nil
}

func (r *runner) GetRun(id string) (*registry.TestRun, error) {
	return r.registry.Get(id)
}

func (r *runner) ListRuns() []*registry.TestRun {
	return r.registry.List()
}

func (r *runner) CancelRun(id string) (*registry.TestRun, error) {
	run, err := r.registry.Get(id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	ar := r.active[id]
	r.mu.Unlock()

	if ar == nil {
		// Not executing anymore; only legal for non-terminal states, which
		// the registry enforces.
		return r.registry.Transition(id, registry.StatusCancelled, "cancelled by user")
	}

	ar.cancelled.Store(true)
	ar.exec.Stop()

	return run, nil
}

func (r *runner) GetResult(ctx context.Context, id string) (*sink.Result, error) {
	run, err := r.registry.Get(id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	ar := r.active[id]
	r.mu.Unlock()

	if ar != nil {
		return &sink.Result{
			RunID:      run.ID,
			Target:     run.Definition.Target,
			Status:     string(run.Status),
			Statistics: ar.agg.Snapshot(),
			StartedAt:  run.StartedAt,
		}, nil
	}

	return r.sink.Get(ctx, id)
}

func (r *runner) WaitForRun(id string) {
	r.mu.Lock()
	ar := r.active[id]
	r.mu.Unlock()

	if ar == nil {
		return
	}

	<-ar.done
}

// execute drives one run from pending to a terminal state.
func (r *runner) execute(ar *activeRun, run *registry.TestRun) {
	defer close(ar.done)

	defer func() {
		r.mu.Lock()
		delete(r.active, run.ID)
		r.mu.Unlock()
	}()

	if _, err := r.registry.Transition(run.ID, registry.StatusRunning, ""); err != nil {
		// Cancelled before it ever started.
		r.log.WithError(err).WithField("run_id", run.ID).
			Debug("Run not started")

		return
	}

	mon := monitor.NewMonitor(r.log, 0)
	mon.Start(r.ctx)

	samples, err := ar.exec.Start(r.ctx)
	if err != nil {
		ar.agg.MarkFatal()
		r.finish(run, registry.StatusFailed, err.Error(), ar.agg.Finalize(), mon.Stop())

		return
	}

	for sample := range samples {
		ar.agg.Record(sample)
	}

	werr := ar.exec.Wait()
	usage := mon.Stop()

	status := registry.StatusCompleted

	var reason string

	switch {
	case werr != nil:
		ar.agg.MarkFatal()

		status = registry.StatusFailed
		reason = werr.Error()
	case ar.cancelled.Load():
		status = registry.StatusCancelled
		reason = "cancelled by user"
	}

	r.finish(run, status, reason, ar.agg.Finalize(), usage)
}

// finish records the terminal state and persists the finalized result.
func (r *runner) finish(
	run *registry.TestRun,
	status registry.Status,
	reason string,
	stats *aggregator.RunStatistics,
	usage *monitor.Usage,
) {
	updated, err := r.registry.Transition(run.ID, status, reason)
	if err != nil {
		r.log.WithError(err).WithField("run_id", run.ID).
			Error("Failed to record terminal state")

		updated = run
	}

	result := &sink.Result{
		RunID:      run.ID,
		Target:     run.Definition.Target,
		Status:     string(updated.Status),
		Error:      updated.Error,
		Statistics: stats,
		Resources:  usage,
		StartedAt:  updated.StartedAt,
		EndedAt:    updated.EndedAt,
	}

	// Persistence runs on a fresh context: the run is already over and its
	// result should survive runner shutdown.
	if err := r.sink.Persist(context.Background(), result, run.Definition.Export); err != nil {
		var exportErr *sink.ExportError
		if errors.As(err, &exportErr) {
			r.log.WithError(err).WithField("run_id", run.ID).
				Warn("Result stored but export failed")

			return
		}

		r.log.WithError(err).WithField("run_id", run.ID).
			Error("Failed to persist result")

		return
	}

	r.log.WithFields(logrus.Fields{
		"run_id":   run.ID,
		"status":   updated.Status,
		"requests": stats.Requests,
	}).Info("Run finished")
}

// executorConfig translates the runner's configuration for the executor.
func (r *runner) executorConfig() *executor.Config {
	if r.cfg == nil {
		return nil
	}

	return &executor.Config{
		RequestTimeout: r.cfg.RequestTimeout,
		ProbeTimeout:   r.cfg.ProbeTimeout,
		FatalThreshold: r.cfg.FatalThreshold,
	}
}
