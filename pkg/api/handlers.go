package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ethpandaops/stressoor/pkg/config"
	"github.com/ethpandaops/stressoor/pkg/registry"
	"github.com/ethpandaops/stressoor/pkg/sink"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var (
		validationErr *registry.ValidationError
		stateErr      *registry.InvalidStateError
	)

	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
	case errors.As(err, &stateErr):
		writeJSON(w, http.StatusConflict, errorResponse{err.Error()})
	case errors.Is(err, registry.ErrRunNotFound),
		errors.Is(err, sink.ErrResultNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateRun registers a new test run and starts executing it. The
// body is a run definition; durations are strings such as "30s". An
// optional scenario_file key loads the scenario from disk instead of the
// inline definition.
func (s *server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	scenarioFile, _ := body["scenario_file"].(string)

	var def registry.Definition
	if err := config.Decode(body, &def); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	run, err := s.runner.CreateRun(def, scenarioFile)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, run)
}

// handleListRuns returns all known runs, newest first.
func (s *server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.runner.ListRuns())
}

// handleGetRun returns one run by ID.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runner.GetRun(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleGetResult returns live statistics for a running test and the
// stored final result once it has ended.
func (s *server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.runner.GetResult(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleCancelRun requests graceful cancellation of a run.
func (s *server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runner.CancelRun(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusAccepted, run)
}
