package registry_test

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/stressoor/pkg/registry"
)

func setupTestRegistry(t *testing.T) registry.Registry {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return registry.NewRegistry(log)
}

func validDefinition() registry.Definition {
	return registry.Definition{
		Target:    "http://localhost:8080",
		Users:     10,
		SpawnRate: 2,
		Duration:  5 * time.Second,
	}
}

func TestRegistry_CreateAndGet(t *testing.T) {
	r := setupTestRegistry(t)

	run, err := r.Create(validDefinition())
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	assert.Equal(t, registry.StatusPending, run.Status)
	assert.False(t, run.CreatedAt.IsZero())
	assert.Nil(t, run.StartedAt)

	got, err := r.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, 10, got.Definition.Users)
}

func TestRegistry_CreateValidation(t *testing.T) {
	r := setupTestRegistry(t)

	tests := []struct {
		name   string
		mutate func(*registry.Definition)
	}{
		{"missing target", func(d *registry.Definition) { d.Target = "" }},
		{"zero users", func(d *registry.Definition) { d.Users = 0 }},
		{"negative users", func(d *registry.Definition) { d.Users = -3 }},
		{"zero spawn rate", func(d *registry.Definition) { d.SpawnRate = 0 }},
		{"no stop condition", func(d *registry.Definition) {
			d.Duration = 0
			d.RequestLimit = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(&def)

			_, err := r.Create(def)
			require.Error(t, err)

			var verr *registry.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := setupTestRegistry(t)

	_, err := r.Get("nope")
	assert.ErrorIs(t, err, registry.ErrRunNotFound)
}

func TestRegistry_TransitionLifecycle(t *testing.T) {
	r := setupTestRegistry(t)

	run, err := r.Create(validDefinition())
	require.NoError(t, err)

	running, err := r.Transition(run.ID, registry.StatusRunning, "")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusRunning, running.Status)
	require.NotNil(t, running.StartedAt)

	done, err := r.Transition(run.ID, registry.StatusCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCompleted, done.Status)
	require.NotNil(t, done.EndedAt)
	assert.True(t, done.Terminal())
}

func TestRegistry_IllegalTransitions(t *testing.T) {
	r := setupTestRegistry(t)

	run, err := r.Create(validDefinition())
	require.NoError(t, err)

	// pending -> completed skips running.
	_, err = r.Transition(run.ID, registry.StatusCompleted, "")

	var serr *registry.InvalidStateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, registry.StatusPending, serr.From)

	// Cancelled is terminal: a second cancel must fail.
	_, err = r.Transition(run.ID, registry.StatusCancelled, "")
	require.NoError(t, err)

	_, err = r.Transition(run.ID, registry.StatusCancelled, "")
	require.Error(t, err)
	assert.True(t, errors.As(err, &serr))
}

func TestRegistry_FailureReasonRecorded(t *testing.T) {
	r := setupTestRegistry(t)

	run, err := r.Create(validDefinition())
	require.NoError(t, err)

	_, err = r.Transition(run.ID, registry.StatusRunning, "")
	require.NoError(t, err)

	failed, err := r.Transition(run.ID, registry.StatusFailed, "target unreachable")
	require.NoError(t, err)
	assert.Equal(t, "target unreachable", failed.Error)
}

func TestRegistry_SubscribeObservesTransitions(t *testing.T) {
	r := setupTestRegistry(t)

	sub := r.Subscribe()

	run, err := r.Create(validDefinition())
	require.NoError(t, err)

	_, err = r.Transition(run.ID, registry.StatusRunning, "")
	require.NoError(t, err)

	select {
	case event := <-sub:
		assert.Equal(t, run.ID, event.RunID)
		assert.Equal(t, registry.StatusPending, event.From)
		assert.Equal(t, registry.StatusRunning, event.To)
	case <-time.After(time.Second):
		t.Fatal("expected a transition event")
	}
}

func TestRegistry_ListNewestFirst(t *testing.T) {
	r := setupTestRegistry(t)

	first, err := r.Create(validDefinition())
	require.NoError(t, err)

	second, err := r.Create(validDefinition())
	require.NoError(t, err)

	runs := r.List()
	require.Len(t, runs, 2)

	ids := []string{runs[0].ID, runs[1].ID}
	assert.Contains(t, ids, first.ID)
	assert.Contains(t, ids, second.ID)
}

func TestValidateDefinition_StepDefaults(t *testing.T) {
	def := validDefinition()
	def.Scenario.Steps = []registry.StepDefinition{
		{Name: "home", Path: "/"},
	}

	require.NoError(t, registry.ValidateDefinition(&def))
	assert.Equal(t, "GET", def.Scenario.Steps[0].Method)
	assert.Equal(t, 1, def.Scenario.Steps[0].Weight)
}
