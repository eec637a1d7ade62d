package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fenrir/convoy/internal/notify"
	"github.com/fenrir/convoy/internal/task"
)

var ErrWorkflowNotFound = errors.New("workflow not found")

// TaskRunner is the orchestrator surface the engine drives. Submission is
// non-blocking; the engine observes completion by polling results.
type TaskRunner interface {
	SubmitTask(t *task.Task, conversationID string) (string, error)
	GetTaskResult(id string) (*task.Result, error)
	CancelTask(id string) error
}

const pollInterval = 20 * time.Millisecond

// Engine decomposes workflows into phase-ordered task submissions.
type Engine struct {
	runner  TaskRunner
	events  *notify.Fanout
	timeout time.Duration
	slots   chan struct{}
	logger  *zap.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewEngine creates an engine. maxConcurrent bounds simultaneously
// executing workflows; defaultTimeout bounds a run when the workflow
// declares none.
func NewEngine(runner TaskRunner, events *notify.Fanout, maxConcurrent int,
	defaultTimeout time.Duration, logger *zap.Logger) *Engine {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Minute
	}
	return &Engine{
		runner:  runner,
		events:  events,
		timeout: defaultTimeout,
		slots:   make(chan struct{}, maxConcurrent),
		logger:  logger,
		running: make(map[string]context.CancelFunc),
	}
}

// Cancel aborts a running workflow. Non-terminal steps of the current
// phase are cancelled and later phases never start.
func (e *Engine) Cancel(workflowID string) error {
	e.mu.Lock()
	cancel, ok := e.running[workflowID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	cancel()
	return nil
}

// Execute runs the workflow to completion and returns its result. Phases
// run strictly in order; the call blocks the caller, not the
// orchestrator.
func (e *Engine) Execute(ctx context.Context, wf *Workflow, conversationID string) (*Result, error) {
	if wf == nil || len(wf.Phases) == 0 {
		return nil, fmt.Errorf("workflow has no phases")
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}

	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-e.slots }()

	timeout := wf.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.mu.Lock()
	e.running[wf.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, wf.ID)
		e.mu.Unlock()
	}()

	e.logger.Info("workflow started",
		zap.String("workflow", wf.ID),
		zap.String("name", wf.Name),
		zap.Int("phases", len(wf.Phases)))

	res := &Result{
		WorkflowID: wf.ID,
		Name:       wf.Name,
		StartedAt:  time.Now(),
	}
	failed := false
	for _, phase := range wf.Phases {
		if failed || runCtx.Err() != nil {
			break
		}
		var outcome PhaseOutcome
		switch phase.Mode {
		case ModeParallel:
			outcome = e.runParallel(runCtx, phase, conversationID)
		default:
			outcome = e.runSequential(runCtx, phase, conversationID)
		}
		res.Phases = append(res.Phases, outcome)
		if !outcome.Completed {
			failed = true
		}
	}

	res.FinishedAt = time.Now()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)
	res.Completed = !failed && runCtx.Err() == nil

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.Reason = "workflow_timeout"
	case runCtx.Err() != nil:
		res.Reason = "cancelled"
	case failed:
		if f := res.FirstFailure(); f != nil {
			res.Reason = fmt.Sprintf("step %s failed: %s", f.Step, f.Error)
		} else {
			res.Reason = "phase failed"
		}
	}

	eventType := notify.EventWorkflowCompleted
	if !res.Completed {
		eventType = notify.EventWorkflowFailed
	}
	if e.events != nil {
		e.events.Publish(notify.Event{
			Type:     eventType,
			Subject:  wf.ID,
			Detail:   res.Reason,
			Duration: res.Duration,
		})
	}
	e.logger.Info("workflow finished",
		zap.String("workflow", wf.ID),
		zap.Bool("completed", res.Completed),
		zap.String("reason", res.Reason),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// runSequential submits each step only after the previous one completed.
// A failed required step ends the phase; optional failures are tolerated.
func (e *Engine) runSequential(ctx context.Context, phase Phase, conv string) PhaseOutcome {
	out := PhaseOutcome{Phase: phase.Name, Completed: true}
	for _, step := range phase.Steps {
		if ctx.Err() != nil {
			out.Completed = false
			return out
		}
		so := e.runStep(ctx, step, conv)
		out.Steps = append(out.Steps, so)
		if !so.Completed {
			if step.Optional {
				out.Steps[len(out.Steps)-1].Skipped = true
				continue
			}
			out.Completed = false
			return out
		}
	}
	return out
}

// runParallel submits every step at once and joins on all of them. A
// required failure fails the phase, but siblings run to completion.
func (e *Engine) runParallel(ctx context.Context, phase Phase, conv string) PhaseOutcome {
	out := PhaseOutcome{Phase: phase.Name, Completed: true}
	type pending struct {
		step   Step
		taskID string
		err    error
	}
	subs := make([]pending, 0, len(phase.Steps))
	for _, step := range phase.Steps {
		id, err := e.submitStep(step, conv)
		subs = append(subs, pending{step: step, taskID: id, err: err})
	}

	for _, p := range subs {
		so := StepOutcome{Step: p.step.Name, TaskID: p.taskID}
		if p.err != nil {
			so.Error = p.err.Error()
		} else {
			so = e.awaitStep(ctx, p.step, p.taskID)
		}
		if !so.Completed && p.step.Optional {
			so.Skipped = true
		}
		if !so.Completed && !so.Skipped {
			out.Completed = false
		}
		out.Steps = append(out.Steps, so)
	}
	if ctx.Err() != nil {
		out.Completed = false
	}
	return out
}

func (e *Engine) runStep(ctx context.Context, step Step, conv string) StepOutcome {
	id, err := e.submitStep(step, conv)
	if err != nil {
		return StepOutcome{Step: step.Name, Error: err.Error()}
	}
	return e.awaitStep(ctx, step, id)
}

func (e *Engine) submitStep(step Step, conv string) (string, error) {
	opts := []task.Option{
		task.WithDescription(step.Name),
		task.WithParams(step.Params),
	}
	if step.Agent != "" {
		opts = append(opts, task.WithAgent(step.Agent))
	}
	t := task.New(step.Kind, opts...)
	if t.Params == nil {
		t.Params = map[string]any{}
	}
	return e.runner.SubmitTask(t, conv)
}

// awaitStep polls the step's task to a terminal result. On workflow
// timeout or cancellation the task is cancelled and reported failed.
func (e *Engine) awaitStep(ctx context.Context, step Step, taskID string) StepOutcome {
	so := StepOutcome{Step: step.Name, TaskID: taskID}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = e.runner.CancelTask(taskID)
			so.Error = ctx.Err().Error()
			return so
		case <-ticker.C:
			res, err := e.runner.GetTaskResult(taskID)
			if err != nil {
				so.Error = err.Error()
				return so
			}
			if res == nil {
				continue
			}
			so.Agent = res.AgentName
			so.Duration = res.Duration
			so.Completed = res.Success
			if res.Err != nil {
				so.Error = res.Err.Message
			}
			return so
		}
	}
}
