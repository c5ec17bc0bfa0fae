package shape_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/stressoor/pkg/registry"
	"github.com/ethpandaops/stressoor/pkg/shape"
)

func TestPhase_UserCountInterpolation(t *testing.T) {
	p := shape.Phase{
		Start:     0,
		Duration:  10 * time.Second,
		UserStart: 0,
		UserEnd:   20,
		SpawnRate: 2,
	}

	count, ok := p.UserCountAt(0)
	require.True(t, ok)
	assert.Equal(t, 0, count)

	count, ok = p.UserCountAt(5 * time.Second)
	require.True(t, ok)
	assert.Equal(t, 10, count)

	count, ok = p.UserCountAt(10 * time.Second)
	require.True(t, ok)
	assert.Equal(t, 20, count)

	_, ok = p.UserCountAt(11 * time.Second)
	assert.False(t, ok)
}

func TestBuilder_PhaseChaining(t *testing.T) {
	s := shape.NewBuilder().
		Spike(10).
		RampUp(20, 10*time.Second).
		Steady(5, 5*time.Second).
		StressRamp(5, 15, 10*time.Second).
		Build()

	assert.Equal(t, 20, s.PeakUsers())

	// Mid ramp-up: between the spike's 10 and the ramp target of 20.
	users, rate, ok := s.Tick(5 * time.Second)
	require.True(t, ok)
	assert.Greater(t, users, 10)
	assert.Less(t, users, 20)
	assert.Greater(t, rate, 0.0)

	// Steady plateau.
	users, _, ok = s.Tick(13 * time.Second)
	require.True(t, ok)
	assert.Equal(t, 5, users)

	// Past the end.
	_, _, ok = s.Tick(s.TotalDuration() + time.Second)
	assert.False(t, ok)
}

func TestFlat_RampThenHold(t *testing.T) {
	s := shape.Flat(10, 2, 20*time.Second)

	// Ramping at 2 users/s reaches 10 users after 5s.
	users, _, ok := s.Tick(5 * time.Second)
	require.True(t, ok)
	assert.Equal(t, 10, users)

	users, _, ok = s.Tick(15 * time.Second)
	require.True(t, ok)
	assert.Equal(t, 10, users)

	assert.Equal(t, 20*time.Second, s.TotalDuration())
}

func TestFromDefinition(t *testing.T) {
	flat := shape.FromDefinition(&registry.Definition{
		Target:    "http://x",
		Users:     4,
		SpawnRate: 4,
		Duration:  3 * time.Second,
	})
	assert.Equal(t, 4, flat.PeakUsers())
	assert.Equal(t, 3*time.Second, flat.TotalDuration())

	shaped := shape.FromDefinition(&registry.Definition{
		Target:    "http://x",
		Users:     1,
		SpawnRate: 1,
		Shape: []registry.PhaseDefinition{
			{Kind: "spike", Users: 8},
			{Kind: "steady", Users: 8, Duration: 4 * time.Second},
		},
	})
	assert.Equal(t, 8, shaped.PeakUsers())
	assert.Greater(t, shaped.TotalDuration(), 4*time.Second)
}
