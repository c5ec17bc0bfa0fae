// Package scenario defines what a virtual user does between think times.
// Scenarios are data driven: a weighted list of HTTP operations plus a
// think-time interval, built from a run definition or a YAML file.
package scenario

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/stressoor/pkg/registry"
)

// Operation is one request a virtual user performs.
type Operation struct {
	Name           string
	Method         string
	Path           string
	Headers        map[string]string
	Body           string
	ExpectedStatus int
}

// Scenario is the behaviour of a virtual user.
type Scenario interface {
	Name() string

	// NextOperation picks the operation to perform next. The rng is owned
	// by the calling virtual user, so implementations need no locking.
	NextOperation(rng *rand.Rand) Operation

	// ThinkTime returns the pause before the next operation.
	ThinkTime(rng *rand.Rand) time.Duration
}

// Compile-time interface check.
var _ Scenario = (*httpScenario)(nil)

type httpScenario struct {
	name        string
	ops         []Operation
	weights     []int
	totalWeight int
	thinkMin    time.Duration
	thinkMax    time.Duration
}

// FromDefinition builds a scenario from the run definition. A definition
// without steps yields the default single-GET scenario against the target
// root.
func FromDefinition(def *registry.ScenarioDefinition) Scenario {
	name := def.Name
	if name == "" {
		name = "default"
	}

	s := &httpScenario{
		name:     name,
		thinkMin: def.ThinkTimeMin,
		thinkMax: def.ThinkTimeMax,
	}

	if len(def.Steps) == 0 {
		s.ops = []Operation{{
			Name:           "GET /",
			Method:         "GET",
			Path:           "/",
			ExpectedStatus: 0,
		}}
		s.weights = []int{1}
		s.totalWeight = 1

		return s
	}

	for _, step := range def.Steps {
		opName := step.Name
		if opName == "" {
			opName = step.Method + " " + step.Path
		}

		weight := step.Weight
		if weight <= 0 {
			weight = 1
		}

		s.ops = append(s.ops, Operation{
			Name:           opName,
			Method:         step.Method,
			Path:           step.Path,
			Headers:        step.Headers,
			Body:           step.Body,
			ExpectedStatus: step.ExpectedStatus,
		})
		s.weights = append(s.weights, weight)
		s.totalWeight += weight
	}

	return s
}

// LoadFile reads a scenario definition from a YAML file. Durations are
// given as strings ("1s", "250ms"), so the raw document goes through a
// mapstructure hook rather than straight into the struct.
func LoadFile(path string) (*registry.ScenarioDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing scenario file: %w", err)
	}

	var def registry.ScenarioDefinition

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     &def,
		TagName:    "yaml",
	})
	if err != nil {
		return nil, fmt.Errorf("building decoder: %w", err)
	}

	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("decoding scenario file: %w", err)
	}

	return &def, nil
}

// Name returns the scenario name.
func (s *httpScenario) Name() string {
	return s.name
}

// NextOperation picks a step by weight.
func (s *httpScenario) NextOperation(rng *rand.Rand) Operation {
	if len(s.ops) == 1 {
		return s.ops[0]
	}

	pick := rng.Intn(s.totalWeight)

	for i, weight := range s.weights {
		pick -= weight
		if pick < 0 {
			return s.ops[i]
		}
	}

	return s.ops[len(s.ops)-1]
}

// ThinkTime returns a uniform pause in [min, max].
func (s *httpScenario) ThinkTime(rng *rand.Rand) time.Duration {
	if s.thinkMax <= 0 {
		return 0
	}

	if s.thinkMax == s.thinkMin {
		return s.thinkMin
	}

	return s.thinkMin + time.Duration(rng.Int63n(int64(s.thinkMax-s.thinkMin)))
}
