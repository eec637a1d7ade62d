package workflow

import (
	"time"

	"github.com/google/uuid"
)

// Mode orders step execution within a phase.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

// Step is one unit of work inside a phase, submitted as a task.
type Step struct {
	Name     string         `json:"name"`
	Agent    string         `json:"agent,omitempty"` // explicit target, else capability routing
	Kind     string         `json:"kind"`
	Params   map[string]any `json:"params,omitempty"`
	Optional bool           `json:"optional,omitempty"`
}

// Phase is an ordered group of steps sharing one execution mode.
type Phase struct {
	Name  string `json:"name"`
	Mode  Mode   `json:"mode"`
	Steps []Step `json:"steps"`
}

// Workflow is an ordered list of phases executed as one run.
type Workflow struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Phases  []Phase       `json:"phases"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// NewWorkflow builds a workflow with a generated id.
func NewWorkflow(name string, phases ...Phase) *Workflow {
	return &Workflow{
		ID:     uuid.NewString(),
		Name:   name,
		Phases: phases,
	}
}

// StepOutcome is the terminal state of one step's task.
type StepOutcome struct {
	Step      string        `json:"step"`
	TaskID    string        `json:"task_id"`
	Agent     string        `json:"agent,omitempty"`
	Completed bool          `json:"completed"`
	Skipped   bool          `json:"skipped,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// PhaseOutcome summarizes one phase.
type PhaseOutcome struct {
	Phase     string        `json:"phase"`
	Completed bool          `json:"completed"`
	Steps     []StepOutcome `json:"steps"`
}

// Result is the overall outcome of one workflow run.
type Result struct {
	WorkflowID string         `json:"workflow_id"`
	Name       string         `json:"name"`
	Completed  bool           `json:"completed"`
	Reason     string         `json:"reason,omitempty"`
	Phases     []PhaseOutcome `json:"phases"`
	Duration   time.Duration  `json:"duration"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// FirstFailure returns the earliest failed required step, if any.
func (r *Result) FirstFailure() *StepOutcome {
	for pi := range r.Phases {
		for si := range r.Phases[pi].Steps {
			s := &r.Phases[pi].Steps[si]
			if !s.Completed && !s.Skipped {
				return s
			}
		}
	}
	return nil
}
