package executor

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/ethpandaops/stressoor/pkg/aggregator"
	"github.com/ethpandaops/stressoor/pkg/scenario"
)

// runUser is one virtual user: pick an operation, execute it, record the
// sample, think, repeat. The loop exits when the user's context or the
// issue gate is cancelled; the request in flight at that moment still
// completes and is recorded.
func (e *executor) runUser(ctx context.Context, id int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.issueCtx.Done():
			return
		default:
		}

		if limit := e.run.Definition.RequestLimit; limit > 0 && e.issued.Load() >= limit {
			return
		}

		op := e.scenario.NextOperation(rng)
		e.issued.Add(1)

		sample := e.execute(op)
		if sample == nil {
			// Stopped before the request could start.
			return
		}

		// The consumer drains until the channel closes, so this send
		// never loses a sample.
		e.samples <- sample

		if think := e.scenario.ThinkTime(rng); think > 0 {
			select {
			case <-ctx.Done():
				return
			case <-e.issueCtx.Done():
				return
			case <-time.After(think):
			}
		}
	}
}

// execute performs one operation against the target. Transport-level
// failures feed the consecutive-failure counter that triggers the fatal
// abort; HTTP error statuses are just failed samples. Returns nil when the
// executor was stopped before the request could start.
func (e *executor) execute(op scenario.Operation) *aggregator.Sample {
	// Taking the start timestamp under the read lock guarantees that no
	// sample carries a timestamp later than Stop's return.
	e.stopMu.RLock()

	if e.stopped {
		e.stopMu.RUnlock()

		return nil
	}

	start := time.Now()
	e.stopMu.RUnlock()

	sample := &aggregator.Sample{
		RunID:     e.run.ID,
		Operation: op.Name,
		Timestamp: start,
	}

	// In-flight requests drain after Stop, so the request context is
	// bounded by the client timeout only.
	reqCtx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()

	var body io.Reader
	if op.Body != "" {
		body = strings.NewReader(op.Body)
	}

	req, err := http.NewRequestWithContext(
		reqCtx, op.Method, e.run.Definition.Target+op.Path, body,
	)
	if err != nil {
		sample.Latency = time.Since(start)
		sample.Error = err.Error()

		return sample
	}

	for k, v := range op.Headers {
		req.Header.Set(k, v)
	}

	if op.Body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	sample.Latency = time.Since(start)

	if err != nil {
		sample.Error = err.Error()
		e.recordTransportFailure(err)

		return sample
	}

	e.consecFails.Store(0)

	n, _ := io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	sample.Bytes = n

	expected := op.ExpectedStatus

	switch {
	case expected > 0:
		sample.Success = resp.StatusCode == expected
	default:
		sample.Success = resp.StatusCode >= 200 && resp.StatusCode < 400
	}

	if !sample.Success {
		sample.Error = resp.Status
	}

	return sample
}

// recordTransportFailure counts consecutive connection-level failures and
// aborts the run once the threshold is crossed.
func (e *executor) recordTransportFailure(err error) {
	fails := e.consecFails.Add(1)

	if int(fails) < e.cfg.FatalThreshold {
		return
	}

	fatal := &FatalError{Err: err}
	if e.fatal.CompareAndSwap(nil, fatal) {
		e.log.WithError(err).
			WithField("consecutive_failures", fails).
			Error("Target unreachable, aborting run")

		e.Stop()
	}
}
