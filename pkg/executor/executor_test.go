package executor_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/stressoor/pkg/aggregator"
	"github.com/ethpandaops/stressoor/pkg/executor"
	"github.com/ethpandaops/stressoor/pkg/registry"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func testRun(target string, mutate ...func(*registry.Definition)) *registry.TestRun {
	def := registry.Definition{
		Target:    target,
		Users:     10,
		SpawnRate: 5,
		Duration:  2 * time.Second,
	}

	for _, m := range mutate {
		m(&def)
	}

	return &registry.TestRun{
		ID:         "run-exec-test",
		Definition: def,
		Status:     registry.StatusRunning,
	}
}

func drain(t *testing.T, samples <-chan *aggregator.Sample) []*aggregator.Sample {
	t.Helper()

	var out []*aggregator.Sample

	timeout := time.After(30 * time.Second)

	for {
		select {
		case s, ok := <-samples:
			if !ok {
				return out
			}

			out = append(out, s)
		case <-timeout:
			t.Fatal("timed out draining samples")
		}
	}
}

func TestExecutor_HealthyTarget(t *testing.T) {
	const delay = 50 * time.Millisecond

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exec := executor.NewExecutor(testLogger(), nil, testRun(srv.URL))

	samples, err := exec.Start(context.Background())
	require.NoError(t, err)

	collected := drain(t, samples)
	require.NoError(t, exec.Wait())

	require.NotEmpty(t, collected)

	var failures int

	var totalLatency time.Duration

	for _, s := range collected {
		if !s.Success {
			failures++
		}

		totalLatency += s.Latency
	}

	assert.Zero(t, failures)

	mean := totalLatency / time.Duration(len(collected))
	assert.InDelta(t, float64(delay), float64(mean), float64(40*time.Millisecond))
}

func TestExecutor_UnreachableTargetProbeFails(t *testing.T) {
	// Port 1 on loopback refuses connections immediately.
	exec := executor.NewExecutor(testLogger(), nil, testRun("http://127.0.0.1:1"))

	_, err := exec.Start(context.Background())
	require.Error(t, err)

	var fatal *executor.FatalError
	assert.ErrorAs(t, err, &fatal)
}

func TestExecutor_UnreachableMidRunAborts(t *testing.T) {
	cfg := &executor.Config{
		SkipProbe:      true,
		FatalThreshold: 5,
		RequestTimeout: time.Second,
	}

	exec := executor.NewExecutor(testLogger(), cfg, testRun("http://127.0.0.1:1"))

	samples, err := exec.Start(context.Background())
	require.NoError(t, err)

	collected := drain(t, samples)

	err = exec.Wait()
	require.Error(t, err)

	var fatal *executor.FatalError
	assert.ErrorAs(t, err, &fatal)

	// Every sample produced before the abort is a recorded failure.
	for _, s := range collected {
		assert.False(t, s.Success)
	}
}

func TestExecutor_HTTPErrorsAreNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	run := testRun(srv.URL, func(d *registry.Definition) {
		d.Users = 4
		d.Duration = time.Second
	})

	exec := executor.NewExecutor(testLogger(), nil, run)

	samples, err := exec.Start(context.Background())
	require.NoError(t, err)

	collected := drain(t, samples)
	require.NoError(t, exec.Wait(), "server errors must not abort the run")

	require.NotEmpty(t, collected)

	for _, s := range collected {
		assert.False(t, s.Success)
		assert.NotEmpty(t, s.Error)
	}
}

func TestExecutor_StopMidRun(t *testing.T) {
	var inflight atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inflight.Add(1)
		defer inflight.Add(-1)

		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	run := testRun(srv.URL, func(d *registry.Definition) {
		d.Users = 8
		d.SpawnRate = 50
		d.Duration = time.Minute
	})

	exec := executor.NewExecutor(testLogger(), nil, run)

	samples, err := exec.Start(context.Background())
	require.NoError(t, err)

	// Let some users spin up and issue requests.
	time.Sleep(500 * time.Millisecond)

	exec.Stop()
	stoppedAt := time.Now()

	collected := drain(t, samples)
	require.NoError(t, exec.Wait())

	require.NotEmpty(t, collected)

	for _, s := range collected {
		assert.False(t, s.Timestamp.After(stoppedAt),
			"no request may start after Stop returned")
	}
}

func TestExecutor_RequestLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	run := testRun(srv.URL, func(d *registry.Definition) {
		d.Users = 2
		d.SpawnRate = 10
		d.Duration = time.Minute
		d.RequestLimit = 20
	})

	exec := executor.NewExecutor(testLogger(), nil, run)

	samples, err := exec.Start(context.Background())
	require.NoError(t, err)

	collected := drain(t, samples)
	require.NoError(t, exec.Wait())

	// A user already past the limit check may add one extra request each.
	assert.GreaterOrEqual(t, len(collected), 20)
	assert.LessOrEqual(t, len(collected), 22)
}
