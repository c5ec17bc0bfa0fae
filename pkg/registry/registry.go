package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Status is the lifecycle state of a test run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// validTransitions encodes the run state machine. Terminal states have no
// outgoing edges.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// Definition describes one test run: what to hit and how hard.
type Definition struct {
	Target       string             `yaml:"target" json:"target"`
	Users        int                `yaml:"users" json:"users"`
	SpawnRate    float64            `yaml:"spawn_rate" json:"spawn_rate"`
	Duration     time.Duration      `yaml:"duration" json:"duration"`
	RequestLimit int64              `yaml:"request_limit,omitempty" json:"request_limit,omitempty"`
	Scenario     ScenarioDefinition `yaml:"scenario,omitempty" json:"scenario,omitempty"`
	Shape        []PhaseDefinition  `yaml:"shape,omitempty" json:"shape,omitempty"`
	Export       bool               `yaml:"export" json:"export"`
	Labels       map[string]string  `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// ScenarioDefinition is the data-driven description of virtual user behaviour.
type ScenarioDefinition struct {
	Name         string           `yaml:"name,omitempty" json:"name,omitempty"`
	ThinkTimeMin time.Duration    `yaml:"think_time_min,omitempty" json:"think_time_min,omitempty"`
	ThinkTimeMax time.Duration    `yaml:"think_time_max,omitempty" json:"think_time_max,omitempty"`
	Steps        []StepDefinition `yaml:"steps,omitempty" json:"steps,omitempty"`
}

// StepDefinition is one weighted operation a virtual user can perform.
type StepDefinition struct {
	Name           string            `yaml:"name" json:"name"`
	Method         string            `yaml:"method,omitempty" json:"method,omitempty"`
	Path           string            `yaml:"path" json:"path"`
	Headers        map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body           string            `yaml:"body,omitempty" json:"body,omitempty"`
	ExpectedStatus int               `yaml:"expected_status,omitempty" json:"expected_status,omitempty"`
	Weight         int               `yaml:"weight,omitempty" json:"weight,omitempty"`
}

// PhaseDefinition is one segment of a load shape.
type PhaseDefinition struct {
	Kind      string        `yaml:"kind" json:"kind"` // spike, ramp, steady, stress
	Users     int           `yaml:"users,omitempty" json:"users,omitempty"`
	FromUsers int           `yaml:"from_users,omitempty" json:"from_users,omitempty"`
	ToUsers   int           `yaml:"to_users,omitempty" json:"to_users,omitempty"`
	Duration  time.Duration `yaml:"duration,omitempty" json:"duration,omitempty"`
}

// TestRun is one execution instance of a definition.
type TestRun struct {
	ID         string     `json:"id"`
	Definition Definition `json:"definition"`
	Status     Status     `json:"status"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// Transition is published to subscribers on every state change.
type Transition struct {
	RunID string
	From  Status
	To    Status
	At    time.Time
}

// Registry tracks active and completed test runs.
type Registry interface {
	// Create validates the definition and registers a pending run.
	Create(def Definition) (*TestRun, error)

	// Get returns the run with the given ID or ErrRunNotFound.
	Get(id string) (*TestRun, error)

	// List returns all known runs, newest first.
	List() []*TestRun

	// Transition moves a run through its state machine. Illegal transitions
	// return an InvalidStateError. The optional reason is recorded on the
	// run for failed transitions.
	Transition(id string, to Status, reason string) (*TestRun, error)

	// Subscribe returns a channel receiving state transitions. Slow
	// subscribers miss events rather than blocking the registry.
	Subscribe() <-chan Transition
}

// Compile-time interface check.
var _ Registry = (*registry)(nil)

type registry struct {
	log  logrus.FieldLogger
	mu   sync.RWMutex
	runs map[string]*TestRun
	subs []chan Transition
	now  func() time.Time
}

// NewRegistry creates an empty in-memory run registry.
func NewRegistry(log logrus.FieldLogger) Registry {
	return &registry{
		log:  log.WithField("component", "registry"),
		runs: make(map[string]*TestRun),
		now:  time.Now,
	}
}

// Create validates the definition and registers a pending run.
func (r *registry) Create(def Definition) (*TestRun, error) {
	if err := ValidateDefinition(&def); err != nil {
		return nil, err
	}

	run := &TestRun{
		ID:         uuid.NewString(),
		Definition: def,
		Status:     StatusPending,
		CreatedAt:  r.now().UTC(),
	}

	r.mu.Lock()
	r.runs[run.ID] = run
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"run_id": run.ID,
		"target": def.Target,
		"users":  def.Users,
	}).Info("Run registered")

	return run.clone(), nil
}

// Get returns the run with the given ID.
func (r *registry) Get(id string) (*TestRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrRunNotFound)
	}

	return run.clone(), nil
}

// List returns all known runs, newest first.
func (r *registry) List() []*TestRun {
	r.mu.RLock()
	runs := make([]*TestRun, 0, len(r.runs))

	for _, run := range r.runs {
		runs = append(runs, run.clone())
	}
	r.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	return runs
}

// Transition moves a run through its state machine.
func (r *registry) Transition(id string, to Status, reason string) (*TestRun, error) {
	r.mu.Lock()

	run, ok := r.runs[id]
	if !ok {
		r.mu.Unlock()

		return nil, fmt.Errorf("run %s: %w", id, ErrRunNotFound)
	}

	from := run.Status
	if !transitionAllowed(from, to) {
		r.mu.Unlock()

		return nil, &InvalidStateError{RunID: id, From: from, To: to}
	}

	now := r.now().UTC()
	run.Status = to

	switch to {
	case StatusRunning:
		run.StartedAt = &now
	case StatusCompleted, StatusFailed, StatusCancelled:
		run.EndedAt = &now
	}

	if to == StatusFailed && reason != "" {
		run.Error = reason
	}

	snapshot := run.clone()
	subs := make([]chan Transition, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()

	event := Transition{RunID: id, From: from, To: to, At: now}

	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			// Subscriber is not keeping up, drop the event.
		}
	}

	r.log.WithFields(logrus.Fields{
		"run_id": id,
		"from":   from,
		"to":     to,
	}).Debug("Run transitioned")

	return snapshot, nil
}

// Subscribe returns a channel receiving state transitions.
func (r *registry) Subscribe() <-chan Transition {
	ch := make(chan Transition, 16)

	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()

	return ch
}

// transitionAllowed reports whether from → to is a legal edge.
func transitionAllowed(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}

	return false
}

// clone returns a deep-enough copy so callers cannot mutate registry state.
func (t *TestRun) clone() *TestRun {
	out := *t

	if t.StartedAt != nil {
		started := *t.StartedAt
		out.StartedAt = &started
	}

	if t.EndedAt != nil {
		ended := *t.EndedAt
		out.EndedAt = &ended
	}

	return &out
}

// Terminal reports whether the run is in a terminal state.
func (t *TestRun) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}
