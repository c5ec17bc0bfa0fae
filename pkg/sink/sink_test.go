package sink_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/stressoor/pkg/aggregator"
	"github.com/ethpandaops/stressoor/pkg/config"
	"github.com/ethpandaops/stressoor/pkg/sink"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func setupSink(t *testing.T, exporter sink.Exporter) sink.Sink {
	t.Helper()

	store := sink.NewStore(testLogger(), &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})

	s := sink.NewSink(testLogger(), store, exporter)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() {
		require.NoError(t, s.Stop())
	})

	return s
}

func testResult(runID string) *sink.Result {
	started := time.Now().UTC().Add(-time.Minute)
	ended := time.Now().UTC()

	return &sink.Result{
		RunID:  runID,
		Target: "http://localhost:8080",
		Status: "completed",
		Statistics: &aggregator.RunStatistics{
			Requests:  100,
			Successes: 98,
			Failures:  2,
			Mean:      25 * time.Millisecond,
			P99:       80 * time.Millisecond,
			Final:     true,
		},
		StartedAt: &started,
		EndedAt:   &ended,
	}
}

// capturingExporter records exported payloads by run ID.
type capturingExporter struct {
	mu       sync.Mutex
	payloads map[string][]byte
}

func (e *capturingExporter) Export(
	_ context.Context, runID string, payload []byte,
) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.payloads == nil {
		e.payloads = make(map[string][]byte)
	}

	e.payloads[runID] = payload

	return nil
}

// failingExporter fails every delivery and counts attempts.
type failingExporter struct {
	attempts int
}

func (e *failingExporter) Export(
	_ context.Context, _ string, _ []byte,
) error {
	e.attempts++

	return errors.New("connection refused")
}

func TestSink_PersistAndGet(t *testing.T) {
	s := setupSink(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Persist(ctx, testResult("run-1"), true))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)

	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "completed", got.Status)
	require.NotNil(t, got.Statistics)
	assert.Equal(t, int64(100), got.Statistics.Requests)
	assert.Equal(t, 25*time.Millisecond, got.Statistics.Mean)
	assert.True(t, got.Statistics.Final)
}

func TestSink_PersistIsIdempotent(t *testing.T) {
	s := setupSink(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Persist(ctx, testResult("run-1"), true))

	updated := testResult("run-1")
	updated.Status = "failed"
	updated.Error = "target unreachable"
	require.NoError(t, s.Persist(ctx, updated, true))

	results, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, "failed", results[0].Status)
	assert.Equal(t, "target unreachable", results[0].Error)
}

func TestSink_GetMissing(t *testing.T) {
	s := setupSink(t, nil)

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, sink.ErrResultNotFound)
}

func TestSink_Export(t *testing.T) {
	exporter := &capturingExporter{}
	s := setupSink(t, exporter)
	ctx := context.Background()

	require.NoError(t, s.Persist(ctx, testResult("run-1"), true))

	payload, ok := exporter.payloads["run-1"]
	require.True(t, ok)

	var doc sink.Result
	require.NoError(t, json.Unmarshal(payload, &doc))
	assert.Equal(t, "run-1", doc.RunID)
	require.NotNil(t, doc.Statistics)
	assert.Equal(t, int64(100), doc.Statistics.Requests)
}

func TestSink_ExportFailureDegradesResult(t *testing.T) {
	exporter := &failingExporter{}
	s := setupSink(t, exporter)
	ctx := context.Background()

	err := s.Persist(ctx, testResult("run-1"), true)
	require.Error(t, err)

	var exportErr *sink.ExportError
	require.ErrorAs(t, err, &exportErr)
	assert.Equal(t, "run-1", exportErr.RunID)
	assert.Equal(t, 3, exporter.attempts)

	// The result itself survives, flagged as degraded.
	got, getErr := s.Get(ctx, "run-1")
	require.NoError(t, getErr)
	assert.True(t, got.Degraded)
	require.NotNil(t, got.Statistics)
}
