package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fenrir/convoy/internal/agent"
	"github.com/fenrir/convoy/internal/notify"
	"github.com/fenrir/convoy/internal/registry"
	"github.com/fenrir/convoy/internal/task"
)

const healthCheckTimeout = 5 * time.Second

func (o *Orchestrator) healthLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.healthTick(ctx)
			o.cleanupOldTasks(time.Now())
		}
	}
}

// healthTick polls every agent that exposes a health check and reports the
// outcome. An agent crossing the unhealthy threshold has its in-flight
// tasks requeued.
func (o *Orchestrator) healthTick(ctx context.Context) {
	o.mu.RLock()
	execs := make(map[string]agent.Executor, len(o.executors))
	for name, e := range o.executors {
		execs[name] = e
	}
	o.mu.RUnlock()

	for name, exec := range execs {
		info, ok := o.registry.Get(name)
		if !ok {
			continue
		}
		wasAvailable := info.Health == registry.HealthAvailable

		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		healthy := exec.HealthCheck(checkCtx)
		cancel()

		if err := o.registry.ReportHealth(name, healthy); err != nil {
			continue
		}
		info, ok = o.registry.Get(name)
		if !ok {
			continue
		}
		if wasAvailable && info.Health == registry.HealthUnavailable {
			o.publish(notify.Event{
				Type:    notify.EventAgentUnavailable,
				Subject: name,
				Detail:  "failed consecutive health checks",
			})
			orphans := make([]string, 0, len(info.RunningTasks))
			for id := range info.RunningTasks {
				orphans = append(orphans, id)
			}
			o.requeueOrphans(name, orphans, "agent became unavailable")
		}
	}
}

// requeueOrphans records a failed attempt for each stranded task and
// returns it to pending for rerouting under the same id.
func (o *Orchestrator) requeueOrphans(agentName string, ids []string, reason string) {
	for _, id := range ids {
		o.mu.Lock()
		t, ok := o.tasks[id]
		if !ok || task.Terminal(t.Status) {
			o.mu.Unlock()
			continue
		}
		if cancel := o.cancels[id]; cancel != nil {
			cancel()
			delete(o.cancels, id)
		}
		res := &task.Result{
			TaskID:    id,
			Attempt:   t.Attempt,
			AgentName: agentName,
			Err: task.NewError(task.ErrKindCommunication,
				"orphaned: %s", reason),
			FinishedAt: time.Now(),
		}
		o.history[id] = append(o.history[id], res)

		if t.Attempt <= o.cfg.MaxRetries {
			t.Retry(time.Now().Add(backoffFor(t.Attempt)))
		} else {
			t.Status = task.StatusFailed
			now := time.Now()
			t.CompletedAt = &now
			o.results[id] = res
		}
		status := t.Status
		o.mu.Unlock()

		o.registry.Release(agentName, id, false)
		o.snapshotTask(t)
		o.snapshotResult(res)
		if status == task.StatusFailed {
			o.publish(notify.Event{
				Type:    notify.EventTaskFailed,
				Subject: id,
				Agent:   agentName,
				Detail:  res.Err.Message,
			})
		}
		o.logger.Warn("orphaned task requeued",
			zap.String("task", id),
			zap.String("agent", agentName),
			zap.String("reason", reason),
			zap.String("status", string(status)))
	}
}

// cleanupOldTasks drops terminal tasks past the retention window along
// with their in-memory results and history. Persisted snapshots stay in
// the store so completed work remains auditable after eviction.
func (o *Orchestrator) cleanupOldTasks(now time.Time) {
	cutoff := now.Add(-o.cfg.TaskRetention)

	o.mu.Lock()
	var expired []string
	for id, t := range o.tasks {
		if !task.Terminal(t.Status) || t.CompletedAt == nil {
			continue
		}
		if t.CompletedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		conv := o.convOf[id]
		delete(o.tasks, id)
		delete(o.results, id)
		delete(o.history, id)
		delete(o.convOf, id)
		if conv != "" && o.contexts != nil {
			go func(conv, id string) { _ = o.contexts.DetachTask(conv, id) }(conv, id)
		}
	}
	o.mu.Unlock()

	if len(expired) > 0 {
		o.logger.Info("expired old tasks", zap.Int("removed", len(expired)))
	}
}
