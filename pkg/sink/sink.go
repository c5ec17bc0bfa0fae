package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/stressoor/pkg/aggregator"
	"github.com/ethpandaops/stressoor/pkg/monitor"
)

const (
	// exportAttempts bounds retries of a failed export delivery.
	exportAttempts = 3

	// exportRetryDelay is the base delay between export attempts.
	exportRetryDelay = 500 * time.Millisecond
)

// ExportError indicates a finalized result was persisted locally but could
// not be delivered to the external store. It never fails the run.
type ExportError struct {
	RunID string
	Err   error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("exporting run %s: %v", e.RunID, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}

// Result is the finalized outcome of a run as handed to the sink.
type Result struct {
	RunID      string                    `json:"run_id"`
	Target     string                    `json:"target"`
	Status     string                    `json:"status"`
	Error      string                    `json:"error,omitempty"`
	Degraded   bool                      `json:"degraded"`
	Statistics *aggregator.RunStatistics `json:"statistics,omitempty"`
	Resources  *monitor.Usage            `json:"resources,omitempty"`
	StartedAt  *time.Time                `json:"started_at,omitempty"`
	EndedAt    *time.Time                `json:"ended_at,omitempty"`
}

// Sink persists finalized run results and optionally exports them to an
// external object store.
type Sink interface {
	Start(ctx context.Context) error
	Stop() error

	// Persist writes the result durably. Persisting the same run ID again
	// replaces the stored result. When export is set and an exporter is
	// configured the result is also delivered externally; a returned
	// *ExportError means the local write succeeded but the delivery did
	// not.
	Persist(ctx context.Context, result *Result, export bool) error
	Get(ctx context.Context, runID string) (*Result, error)
	List(ctx context.Context) ([]*Result, error)
}

// Compile-time interface check.
var _ Sink = (*sink)(nil)

type sink struct {
	log      logrus.FieldLogger
	store    Store
	exporter Exporter
}

// NewSink creates a new Sink. The exporter may be nil, in which case
// results are only stored locally.
func NewSink(
	log logrus.FieldLogger,
	store Store,
	exporter Exporter,
) Sink {
	return &sink{
		log:      log.WithField("component", "sink"),
		store:    store,
		exporter: exporter,
	}
}

func (s *sink) Start(ctx context.Context) error {
	return s.store.Start(ctx)
}

func (s *sink) Stop() error {
	return s.store.Stop()
}

func (s *sink) Persist(ctx context.Context, result *Result, export bool) error {
	record, err := encodeResult(result)
	if err != nil {
		return err
	}

	if err := s.store.Upsert(ctx, record); err != nil {
		return fmt.Errorf("persisting run %s: %w", result.RunID, err)
	}

	s.log.WithFields(logrus.Fields{
		"run_id": result.RunID,
		"status": result.Status,
	}).Info("Result persisted")

	if !export || s.exporter == nil {
		return nil
	}

	if err := s.export(ctx, result); err != nil {
		// The run itself is intact; mark the stored result degraded so the
		// missing export is visible to readers.
		result.Degraded = true
		record.Degraded = true

		if uerr := s.store.Upsert(ctx, record); uerr != nil {
			s.log.WithError(uerr).WithField("run_id", result.RunID).
				Error("Failed to mark result degraded")
		}

		return &ExportError{RunID: result.RunID, Err: err}
	}

	return nil
}

func (s *sink) Get(ctx context.Context, runID string) (*Result, error) {
	record, err := s.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}

	return decodeResult(record)
}

func (s *sink) List(ctx context.Context) ([]*Result, error) {
	records, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]*Result, 0, len(records))

	for i := range records {
		result, err := decodeResult(&records[i])
		if err != nil {
			return nil, err
		}

		results = append(results, result)
	}

	return results, nil
}

// export delivers the result document with bounded retries.
func (s *sink) export(ctx context.Context, result *Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}

	return retry.Do(
		func() error {
			return s.exporter.Export(ctx, result.RunID, payload)
		},
		retry.Context(ctx),
		retry.Attempts(exportAttempts),
		retry.Delay(exportRetryDelay),
		retry.LastErrorOnly(true),
	)
}

func encodeResult(result *Result) (*RunResult, error) {
	record := &RunResult{
		RunID:     result.RunID,
		Target:    result.Target,
		Status:    result.Status,
		Error:     result.Error,
		Degraded:  result.Degraded,
		StartedAt: result.StartedAt,
		EndedAt:   result.EndedAt,
	}

	if result.Statistics != nil {
		data, err := json.Marshal(result.Statistics)
		if err != nil {
			return nil, fmt.Errorf("encoding statistics: %w", err)
		}

		record.Statistics = string(data)
	}

	if result.Resources != nil {
		data, err := json.Marshal(result.Resources)
		if err != nil {
			return nil, fmt.Errorf("encoding resource usage: %w", err)
		}

		record.Resources = string(data)
	}

	return record, nil
}

func decodeResult(record *RunResult) (*Result, error) {
	result := &Result{
		RunID:     record.RunID,
		Target:    record.Target,
		Status:    record.Status,
		Error:     record.Error,
		Degraded:  record.Degraded,
		StartedAt: record.StartedAt,
		EndedAt:   record.EndedAt,
	}

	if record.Statistics != "" {
		var stats aggregator.RunStatistics
		if err := json.Unmarshal([]byte(record.Statistics), &stats); err != nil {
			return nil, fmt.Errorf("decoding statistics: %w", err)
		}

		result.Statistics = &stats
	}

	if record.Resources != "" {
		var usage monitor.Usage
		if err := json.Unmarshal([]byte(record.Resources), &usage); err != nil {
			return nil, fmt.Errorf("decoding resource usage: %w", err)
		}

		result.Resources = &usage
	}

	return result, nil
}
