package scenario_test

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/stressoor/pkg/registry"
	"github.com/ethpandaops/stressoor/pkg/scenario"
)

func TestFromDefinition_DefaultScenario(t *testing.T) {
	s := scenario.FromDefinition(&registry.ScenarioDefinition{})
	rng := rand.New(rand.NewSource(1))

	assert.Equal(t, "default", s.Name())

	op := s.NextOperation(rng)
	assert.Equal(t, "GET", op.Method)
	assert.Equal(t, "/", op.Path)

	assert.Zero(t, s.ThinkTime(rng))
}

func TestFromDefinition_WeightedSelection(t *testing.T) {
	s := scenario.FromDefinition(&registry.ScenarioDefinition{
		Name: "browse",
		Steps: []registry.StepDefinition{
			{Name: "home", Method: "GET", Path: "/", Weight: 9},
			{Name: "checkout", Method: "POST", Path: "/checkout", Weight: 1},
		},
	})

	rng := rand.New(rand.NewSource(42))
	counts := map[string]int{}

	for i := 0; i < 10000; i++ {
		counts[s.NextOperation(rng).Name]++
	}

	assert.Equal(t, 10000, counts["home"]+counts["checkout"])

	// 9:1 weighting; allow generous slack on the sampled ratio.
	assert.Greater(t, counts["home"], 8*counts["checkout"])
}

func TestThinkTime_WithinBounds(t *testing.T) {
	s := scenario.FromDefinition(&registry.ScenarioDefinition{
		ThinkTimeMin: 100 * time.Millisecond,
		ThinkTimeMax: 300 * time.Millisecond,
	})

	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 1000; i++ {
		tt := s.ThinkTime(rng)
		assert.GreaterOrEqual(t, tt, 100*time.Millisecond)
		assert.LessOrEqual(t, tt, 300*time.Millisecond)
	}
}

func TestLoadFile(t *testing.T) {
	content := `
name: api-browse
think_time_min: 1s
think_time_max: 3s
steps:
  - name: list-users
    method: GET
    path: /api/users
    weight: 3
  - name: create-user
    method: POST
    path: /api/users
    body: '{"name":"test"}'
    expected_status: 201
`

	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	def, err := scenario.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "api-browse", def.Name)
	assert.Equal(t, time.Second, def.ThinkTimeMin)
	require.Len(t, def.Steps, 2)
	assert.Equal(t, 3, def.Steps[0].Weight)
	assert.Equal(t, 201, def.Steps[1].ExpectedStatus)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := scenario.LoadFile("/does/not/exist.yaml")
	assert.Error(t, err)
}
