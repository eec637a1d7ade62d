package agent

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fenrir/convoy/internal/ctxstore"
	"github.com/fenrir/convoy/internal/task"
)

// Handler executes one task kind. It receives the task parameters and the
// conversation context snapshot and returns the result payload.
type Handler func(ctx context.Context, params map[string]any, conv *ctxstore.Context) (map[string]any, error)

// LocalAgent is an in-process Executor backed by registered kind handlers.
type LocalAgent struct {
	name string

	mu       sync.RWMutex
	specs    map[string]KindSpec
	handlers map[string]Handler
	healthy  bool

	caps   Capabilities
	logger *zap.Logger
}

// NewLocal creates a healthy local agent with no handlers.
func NewLocal(name string, caps Capabilities, logger *zap.Logger) *LocalAgent {
	if caps.MaxConcurrent <= 0 {
		caps.MaxConcurrent = 1
	}
	return &LocalAgent{
		name:     name,
		specs:    make(map[string]KindSpec),
		handlers: make(map[string]Handler),
		healthy:  true,
		caps:     caps,
		logger:   logger,
	}
}

// Name returns the agent's registered name.
func (a *LocalAgent) Name() string { return a.name }

// Handle registers a handler for one task kind. The kind is added to the
// agent's declared kinds if missing.
func (a *LocalAgent) Handle(spec KindSpec, h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.specs[spec.Kind] = spec
	a.handlers[spec.Kind] = h
	for _, k := range a.caps.TaskKinds {
		if k == spec.Kind {
			return
		}
	}
	a.caps.TaskKinds = append(a.caps.TaskKinds, spec.Kind)
}

// SetHealthy flips the health-check outcome, letting tests and operators
// drive failover.
func (a *LocalAgent) SetHealthy(ok bool) {
	a.mu.Lock()
	a.healthy = ok
	a.mu.Unlock()
}

func (a *LocalAgent) HealthCheck(context.Context) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.healthy
}

func (a *LocalAgent) Describe() Capabilities {
	a.mu.RLock()
	defer a.mu.RUnlock()
	caps := a.caps
	caps.TaskKinds = append([]string(nil), a.caps.TaskKinds...)
	caps.Tags = append([]string(nil), a.caps.Tags...)
	return caps
}

// Execute validates the task against the kind's schema and runs its
// handler. The error return carries only infrastructure failures; handler
// failures come back inside the result so the orchestrator can apply retry
// policy uniformly.
func (a *LocalAgent) Execute(ctx context.Context, t *task.Task, conv *ctxstore.Context) (*task.Result, error) {
	a.mu.RLock()
	h, ok := a.handlers[t.Kind]
	spec := a.specs[t.Kind]
	a.mu.RUnlock()

	started := time.Now()
	res := &task.Result{
		TaskID:    t.ID,
		Attempt:   t.Attempt,
		AgentName: a.name,
	}
	fail := func(err *task.Error) (*task.Result, error) {
		res.Err = err
		res.Duration = time.Since(started)
		res.FinishedAt = time.Now()
		return res, nil
	}

	if !ok {
		return fail(task.NewError(task.ErrKindCapability,
			"agent %s has no handler for kind %q", a.name, t.Kind))
	}
	if err := spec.Validate(t.Params); err != nil {
		return fail(task.AsError(err))
	}

	data, err := h(ctx, t.Params, conv)
	res.Duration = time.Since(started)
	res.FinishedAt = time.Now()
	if err != nil {
		if ctx.Err() != nil {
			res.Err = task.NewError(task.ErrKindTimeout, "kind %s: %v", t.Kind, ctx.Err())
		} else {
			res.Err = task.AsError(err)
		}
		a.logger.Debug("handler failed",
			zap.String("agent", a.name),
			zap.String("task", t.ID),
			zap.Error(err))
		return res, nil
	}
	res.Success = true
	res.Data = data
	return res, nil
}
