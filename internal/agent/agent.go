package agent

import (
	"context"

	"github.com/fenrir/convoy/internal/ctxstore"
	"github.com/fenrir/convoy/internal/task"
)

// Capabilities is an agent's self-description, used to build its
// registry entry.
type Capabilities struct {
	Tags          []string `json:"tags"`
	TaskKinds     []string `json:"task_kinds"`
	MaxConcurrent int      `json:"max_concurrent"`
	Profile       string   `json:"profile,omitempty"`
}

// Executor is the execution interface an agent exposes to the
// orchestrator. Execute must honor ctx cancellation; the orchestrator
// applies per-task timeouts and abort signals through it.
type Executor interface {
	Execute(ctx context.Context, t *task.Task, conv *ctxstore.Context) (*task.Result, error)
	HealthCheck(ctx context.Context) bool
	Describe() Capabilities
}
