package registry

import (
	"errors"
	"fmt"
)

// ErrRunNotFound is returned when a run ID is unknown to the registry.
var ErrRunNotFound = errors.New("run not found")

// ValidationError rejects a malformed run definition before execution.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid definition: %s: %s", e.Field, e.Reason)
}

// InvalidStateError rejects an illegal run-lifecycle transition.
type InvalidStateError struct {
	RunID string
	From  Status
	To    Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("run %s: illegal transition %s -> %s", e.RunID, e.From, e.To)
}

// ValidateDefinition checks a run definition for errors and applies step
// defaults. Weight defaults to 1 and method to GET so sparse YAML scenarios
// stay short.
func ValidateDefinition(def *Definition) error {
	if def.Target == "" {
		return &ValidationError{Field: "target", Reason: "is required"}
	}

	if def.Users <= 0 {
		return &ValidationError{Field: "users", Reason: "must be positive"}
	}

	if def.SpawnRate <= 0 {
		return &ValidationError{Field: "spawn_rate", Reason: "must be positive"}
	}

	if def.Duration <= 0 && def.RequestLimit <= 0 && len(def.Shape) == 0 {
		return &ValidationError{
			Field:  "duration",
			Reason: "one of duration, request_limit or shape is required",
		}
	}

	if def.Scenario.ThinkTimeMin < 0 || def.Scenario.ThinkTimeMax < def.Scenario.ThinkTimeMin {
		return &ValidationError{
			Field:  "scenario.think_time",
			Reason: "max must be >= min and both non-negative",
		}
	}

	for i := range def.Scenario.Steps {
		step := &def.Scenario.Steps[i]

		if step.Path == "" {
			return &ValidationError{
				Field:  fmt.Sprintf("scenario.steps[%d].path", i),
				Reason: "is required",
			}
		}

		if step.Weight < 0 {
			return &ValidationError{
				Field:  fmt.Sprintf("scenario.steps[%d].weight", i),
				Reason: "must be non-negative",
			}
		}

		if step.Weight == 0 {
			step.Weight = 1
		}

		if step.Method == "" {
			step.Method = "GET"
		}
	}

	for i, phase := range def.Shape {
		switch phase.Kind {
		case "spike", "steady":
			if phase.Users <= 0 {
				return &ValidationError{
					Field:  fmt.Sprintf("shape[%d].users", i),
					Reason: "must be positive",
				}
			}
		case "ramp":
			if phase.ToUsers <= 0 {
				return &ValidationError{
					Field:  fmt.Sprintf("shape[%d].to_users", i),
					Reason: "must be positive",
				}
			}
		case "stress":
			if phase.FromUsers < 0 || phase.ToUsers <= 0 {
				return &ValidationError{
					Field:  fmt.Sprintf("shape[%d]", i),
					Reason: "from_users must be non-negative and to_users positive",
				}
			}
		default:
			return &ValidationError{
				Field:  fmt.Sprintf("shape[%d].kind", i),
				Reason: fmt.Sprintf("unknown kind %q", phase.Kind),
			}
		}

		if phase.Kind != "spike" && phase.Duration <= 0 {
			return &ValidationError{
				Field:  fmt.Sprintf("shape[%d].duration", i),
				Reason: "must be positive",
			}
		}
	}

	return nil
}
