package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status tracks a task's position in its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// validTransitions defines allowed state transitions. Terminal states
// (completed, failed, cancelled) have no outgoing edges; re-enqueueing a
// failed task for another attempt goes through Task.Retry, not Transition.
var validTransitions = map[Status][]Status{
	StatusPending:  {StatusAssigned, StatusCancelled},
	StatusAssigned: {StatusRunning, StatusCancelled},
	StatusRunning:  {StatusCompleted, StatusFailed, StatusCancelled},
}

// Transition returns nil if from→to is a legal transition.
func Transition(from, to Status) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from terminal status %q", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %q → %q", from, to)
}

// Terminal reports whether a status has no outgoing transitions.
func Terminal(s Status) bool {
	_, ok := validTransitions[s]
	return !ok
}

// Task is a unit of work routed to a single agent.
type Task struct {
	ID            string         `json:"id"`
	Kind          string         `json:"kind"`
	Description   string         `json:"description"`
	Params        map[string]any `json:"params"`
	Priority      int            `json:"priority"`
	DependsOn     []string       `json:"depends_on,omitempty"`
	AssignedAgent string         `json:"assigned_agent,omitempty"`
	Status        Status         `json:"status"`
	Attempt       int            `json:"attempt"`
	CreatedAt     time.Time      `json:"created_at"`
	Deadline      *time.Time     `json:"deadline,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`

	// NotBefore gates re-dispatch while retry backoff elapses.
	NotBefore time.Time `json:"not_before,omitempty"`
}

// Option mutates a Task under construction.
type Option func(*Task)

// WithID sets a caller-assigned id instead of a generated one.
func WithID(id string) Option { return func(t *Task) { t.ID = id } }

// WithDescription sets the human-readable description.
func WithDescription(d string) Option { return func(t *Task) { t.Description = d } }

// WithParams sets the task parameter mapping.
func WithParams(p map[string]any) Option { return func(t *Task) { t.Params = p } }

// WithPriority sets the task priority (higher = more urgent).
func WithPriority(p int) Option { return func(t *Task) { t.Priority = p } }

// WithDependencies sets the ordered dependency task ids.
func WithDependencies(ids ...string) Option {
	return func(t *Task) { t.DependsOn = append([]string{}, ids...) }
}

// WithDeadline sets an absolute deadline.
func WithDeadline(d time.Time) Option { return func(t *Task) { t.Deadline = &d } }

// WithAgent pins the task to a named agent, bypassing capability matching
// when that agent is available.
func WithAgent(name string) Option { return func(t *Task) { t.AssignedAgent = name } }

// New constructs a pending task of the given kind. Every task gets its own
// parameter map and dependency slice; none are shared between records.
func New(kind string, opts ...Option) *Task {
	t := &Task{
		Kind:      kind,
		Params:    make(map[string]any),
		Status:    StatusPending,
		Attempt:   1,
		CreatedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	return t
}

// Retry resets a failed task to pending for its next attempt, keeping the
// same id. notBefore delays re-dispatch until backoff has elapsed.
func (t *Task) Retry(notBefore time.Time) {
	t.Status = StatusPending
	t.Attempt++
	t.AssignedAgent = ""
	t.StartedAt = nil
	t.CompletedAt = nil
	t.NotBefore = notBefore
}

// Result is the immutable outcome of one task attempt.
type Result struct {
	TaskID     string         `json:"task_id"`
	Attempt    int            `json:"attempt"`
	Success    bool           `json:"success"`
	Data       map[string]any `json:"data,omitempty"`
	Err        *Error         `json:"error,omitempty"`
	AgentName  string         `json:"agent_name"`
	Duration   time.Duration  `json:"duration"`
	FinishedAt time.Time      `json:"finished_at"`
}
