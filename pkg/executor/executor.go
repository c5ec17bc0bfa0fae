// Package executor drives the virtual users of one test run and emits a
// sample per completed request. It owns nothing beyond the run it was built
// for: the runner wires its sample stream into an aggregator.
package executor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ethpandaops/stressoor/pkg/aggregator"
	"github.com/ethpandaops/stressoor/pkg/registry"
	"github.com/ethpandaops/stressoor/pkg/scenario"
	"github.com/ethpandaops/stressoor/pkg/shape"
)

const (
	// DefaultRequestTimeout bounds a single request round-trip.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultProbeTimeout bounds the pre-start connectivity probe.
	DefaultProbeTimeout = 5 * time.Second

	// DefaultFatalThreshold is the number of consecutive transport-level
	// failures that aborts the run as unreachable.
	DefaultFatalThreshold = 25

	// controlInterval is how often the user pool is resized against the
	// load shape.
	controlInterval = 100 * time.Millisecond

	// sampleBuffer decouples virtual users from the aggregation consumer.
	sampleBuffer = 1024
)

// FatalError aborts a run: the target is wholly unreachable, as opposed to
// individual requests failing.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal execution error: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Config for the executor.
type Config struct {
	RequestTimeout time.Duration
	ProbeTimeout   time.Duration
	FatalThreshold int
	SkipProbe      bool
}

// Executor produces the sample stream for one run.
type Executor interface {
	// Start probes the target and launches the virtual-user pool. The
	// returned channel closes once all users have stopped and in-flight
	// requests have drained.
	Start(ctx context.Context) (<-chan *aggregator.Sample, error)

	// Stop requests graceful cancellation. When it returns, no new
	// requests will be issued; in-flight requests still complete and are
	// recorded.
	Stop()

	// Wait blocks until the sample stream has closed and returns a
	// *FatalError if the run aborted.
	Wait() error
}

// Compile-time interface check.
var _ Executor = (*executor)(nil)

type executor struct {
	log      logrus.FieldLogger
	cfg      *Config
	run      *registry.TestRun
	scenario scenario.Scenario
	shape    *shape.Shape
	client   *http.Client

	samples chan *aggregator.Sample

	// issueCtx gates the issuing of new requests; cancelled by Stop.
	issueCtx    context.Context
	issueCancel context.CancelFunc

	// stopMu orders Stop against request starts: once Stop holds the
	// write lock, no request can take its start timestamp anymore.
	stopMu  sync.RWMutex
	stopped bool

	stopOnce sync.Once
	done     chan struct{}

	issued      atomic.Int64
	consecFails atomic.Int64
	fatal       atomic.Pointer[FatalError]

	wg sync.WaitGroup
}

// NewExecutor creates an executor for one run. The scenario and shape are
// derived from the run's definition.
func NewExecutor(log logrus.FieldLogger, cfg *Config, run *registry.TestRun) Executor {
	if cfg == nil {
		cfg = &Config{}
	}

	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	if cfg.FatalThreshold == 0 {
		cfg.FatalThreshold = DefaultFatalThreshold
	}

	// Tune the transport for hundreds of concurrent in-flight requests to
	// a single host.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 1024
	transport.MaxIdleConnsPerHost = 1024
	transport.MaxConnsPerHost = 0

	return &executor{
		log: log.WithField("component", "executor").
			WithField("run_id", run.ID),
		cfg:      cfg,
		run:      run,
		scenario: scenario.FromDefinition(&run.Definition.Scenario),
		shape:    shape.FromDefinition(&run.Definition),
		client: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
		samples: make(chan *aggregator.Sample, sampleBuffer),
		done:    make(chan struct{}),
	}
}

// Start probes the target and launches the virtual-user pool.
func (e *executor) Start(ctx context.Context) (<-chan *aggregator.Sample, error) {
	if !e.cfg.SkipProbe {
		if err := e.probe(ctx); err != nil {
			return nil, &FatalError{Err: err}
		}
	}

	// The issue gate is created under the stop lock so a Stop racing with
	// (or preceding) Start still cancels it.
	e.stopMu.Lock()
	e.issueCtx, e.issueCancel = context.WithCancel(context.Background())

	if e.stopped {
		e.issueCancel()
	}
	e.stopMu.Unlock()

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		e.control(ctx)
	}()

	go func() {
		e.wg.Wait()
		close(e.samples)
		close(e.done)
	}()

	e.log.WithFields(logrus.Fields{
		"target":   e.run.Definition.Target,
		"peak":     e.shape.PeakUsers(),
		"duration": e.shape.TotalDuration(),
		"scenario": e.scenario.Name(),
	}).Info("Executor started")

	return e.samples, nil
}

// Stop requests graceful cancellation. No new requests are issued after it
// returns.
func (e *executor) Stop() {
	e.stopOnce.Do(func() {
		e.stopMu.Lock()
		e.stopped = true

		if e.issueCancel != nil {
			e.issueCancel()
		}
		e.stopMu.Unlock()

		e.log.Info("Executor stopping, draining in-flight requests")
	})
}

// Wait blocks until the sample stream has closed.
func (e *executor) Wait() error {
	<-e.done

	if fatal := e.fatal.Load(); fatal != nil {
		return fatal
	}

	return nil
}

// probe verifies the target accepts connections at all before any virtual
// user is spawned.
func (e *executor) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(
		probeCtx, http.MethodGet, e.run.Definition.Target, nil,
	)
	if err != nil {
		return fmt.Errorf("building probe request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("target unreachable: %w", err)
	}

	// Any HTTP response at all means the target is reachable.
	_ = resp.Body.Close()

	return nil
}

// control resizes the virtual-user pool against the load shape until the
// profile ends, the request limit is hit, or the run is stopped.
func (e *executor) control(ctx context.Context) {
	start := time.Now()
	limiter := rate.NewLimiter(rate.Limit(e.run.Definition.SpawnRate), 1)

	group, userCtx := errgroup.WithContext(context.Background())

	// cancels[i] stops virtual user i; the pool scales down from the tail.
	var cancels []context.CancelFunc

	defer func() {
		for _, cancel := range cancels {
			cancel()
		}

		_ = group.Wait()
	}()

	ticker := time.NewTicker(controlInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.issueCtx.Done():
			return
		case <-ticker.C:
		}

		if e.fatal.Load() != nil {
			return
		}

		if limit := e.run.Definition.RequestLimit; limit > 0 && e.issued.Load() >= limit {
			e.log.WithField("issued", e.issued.Load()).
				Info("Request limit reached")

			return
		}

		target, spawnRate, ok := e.shape.Tick(time.Since(start))
		if !ok {
			return
		}

		if spawnRate > 0 {
			limiter.SetLimit(rate.Limit(spawnRate))
		}

		// Scale up, paced by the spawn-rate limiter.
		for len(cancels) < target {
			if err := limiter.Wait(e.issueCtx); err != nil {
				return
			}

			vuCtx, cancel := context.WithCancel(userCtx)
			cancels = append(cancels, cancel)
			id := len(cancels)

			group.Go(func() error {
				e.runUser(vuCtx, id)

				return nil
			})
		}

		// Scale down from the tail.
		for len(cancels) > target {
			last := len(cancels) - 1
			cancels[last]()
			cancels = cancels[:last]
		}
	}
}
