package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fenrir/convoy/internal/agent"
	"github.com/fenrir/convoy/internal/ctxstore"
	"github.com/fenrir/convoy/internal/notify"
	"github.com/fenrir/convoy/internal/registry"
	"github.com/fenrir/convoy/internal/task"
)

// Backoff policy for retried attempts.
const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
)

// backoffFor returns the delay before the next attempt after attempt n
// failed: 1s, 2s, 4s, ... capped at a minute.
func backoffFor(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

func (o *Orchestrator) dispatchLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.DispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.dispatchTick(ctx)
		}
	}
}

// dispatchTick routes every ready pending task and hands it to its
// agent's executor on a pooled goroutine.
func (o *Orchestrator) dispatchTick(ctx context.Context) {
	now := time.Now()
	for _, t := range o.readyTasks(now) {
		o.dispatchOne(ctx, t)
	}
}

// readyTasks snapshots pending tasks whose dependencies are complete and
// whose backoff gate has passed, highest priority first. Tasks whose
// dependency reached a terminal non-completed state are failed instead;
// they can never become ready.
func (o *Orchestrator) readyTasks(now time.Time) []*task.Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	var ready []*task.Task
	for _, t := range o.tasks {
		if t.Status != task.StatusPending || now.Before(t.NotBefore) {
			continue
		}
		depsDone := true
		for _, dep := range t.DependsOn {
			d := o.tasks[dep]
			if d == nil || d.Status == task.StatusCompleted {
				continue
			}
			if task.Terminal(d.Status) {
				o.failDependentLocked(t, dep, d.Status)
				depsDone = false
				break
			}
			depsDone = false
			break
		}
		if depsDone {
			ready = append(ready, t)
		}
	}
	sortByPriority(ready)
	return ready
}

func sortByPriority(tasks []*task.Task) {
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0 && higherPriority(tasks[j], tasks[j-1]); j-- {
			tasks[j], tasks[j-1] = tasks[j-1], tasks[j]
		}
	}
}

func higherPriority(a, b *task.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// failDependentLocked terminally fails a task whose dependency failed or
// was cancelled. Caller holds o.mu.
func (o *Orchestrator) failDependentLocked(t *task.Task, dep string, depStatus task.Status) {
	t.Status = task.StatusFailed
	now := time.Now()
	t.CompletedAt = &now
	res := &task.Result{
		TaskID:  t.ID,
		Attempt: t.Attempt,
		Err: task.NewError(task.ErrKindExecution,
			"dependency %s is %s", dep, depStatus),
		FinishedAt: now,
	}
	o.results[t.ID] = res
	o.history[t.ID] = append(o.history[t.ID], res)
	o.logger.Warn("task failed on dead dependency",
		zap.String("task", t.ID),
		zap.String("dependency", dep),
		zap.String("dependency_status", string(depStatus)))
	go func() {
		o.snapshotTask(t)
		o.snapshotResult(res)
		o.publish(notify.Event{
			Type:    notify.EventTaskFailed,
			Subject: t.ID,
			Detail:  res.Err.Message,
			Attempt: t.Attempt,
		})
	}()
}

// dispatchOne routes one pending task and starts its execution.
func (o *Orchestrator) dispatchOne(ctx context.Context, t *task.Task) {
	agentName, err := o.pickAgent(t)
	if err != nil {
		// No capable agent right now. The task stays pending; routing is
		// retried every tick so late-registering agents pick it up.
		o.logger.Debug("routing deferred",
			zap.String("task", t.ID),
			zap.String("kind", t.Kind),
			zap.Error(err))
		return
	}
	if err := o.registry.Acquire(agentName, t.ID); err != nil {
		o.logger.Debug("agent slot unavailable",
			zap.String("task", t.ID),
			zap.String("agent", agentName),
			zap.Error(err))
		return
	}

	o.mu.Lock()
	if t.Status != task.StatusPending {
		o.mu.Unlock()
		o.registry.Release(agentName, t.ID, false)
		return
	}
	t.Status = task.StatusAssigned
	t.AssignedAgent = agentName
	exec := o.executors[agentName]
	o.mu.Unlock()

	o.logger.Info("task assigned",
		zap.String("task", t.ID),
		zap.String("agent", agentName),
		zap.Int("attempt", t.Attempt))
	o.notifyAgent(agentName, "task_assigned", t)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		select {
		case o.pool <- struct{}{}:
		case <-ctx.Done():
			o.registry.Release(agentName, t.ID, false)
			return
		}
		defer func() { <-o.pool }()
		o.execute(ctx, t, agentName, exec)
	}()
}

// pickAgent honors an explicit agent pin when that agent has capacity,
// otherwise asks the router.
func (o *Orchestrator) pickAgent(t *task.Task) (string, error) {
	if t.AssignedAgent != "" {
		if info, ok := o.registry.Get(t.AssignedAgent); ok &&
			info.Health == registry.HealthAvailable &&
			info.InFlight < info.Registration.MaxConcurrent {
			return t.AssignedAgent, nil
		}
		// Pinned agent gone or saturated; fall back to normal routing.
	}
	return o.router.Route(t)
}

// execute runs one attempt against the agent under the task timeout.
func (o *Orchestrator) execute(parent context.Context, t *task.Task, agentName string, exec agent.Executor) {
	timeout := o.cfg.TaskTimeout
	if t.Deadline != nil {
		if until := time.Until(*t.Deadline); until < timeout {
			timeout = until
		}
	}
	runCtx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	o.mu.Lock()
	if t.Status != task.StatusAssigned {
		o.mu.Unlock()
		o.registry.Release(agentName, t.ID, false)
		return
	}
	t.Status = task.StatusRunning
	now := time.Now()
	t.StartedAt = &now
	o.cancels[t.ID] = cancel
	conv := o.convOf[t.ID]
	o.mu.Unlock()

	var convCtx *ctxstore.Context
	if conv != "" && o.contexts != nil {
		convCtx, _ = o.contexts.Get(conv)
	}

	var res *task.Result
	if exec == nil {
		res = &task.Result{
			TaskID:    t.ID,
			Attempt:   t.Attempt,
			AgentName: agentName,
			Err: task.NewError(task.ErrKindCommunication,
				"agent %s has no reachable executor", agentName),
			FinishedAt: time.Now(),
		}
	} else {
		started := time.Now()
		var err error
		res, err = exec.Execute(runCtx, t, convCtx)
		if err != nil {
			res = &task.Result{
				TaskID:     t.ID,
				Attempt:    t.Attempt,
				AgentName:  agentName,
				Err:        task.AsError(err),
				Duration:   time.Since(started),
				FinishedAt: time.Now(),
			}
		}
		if runCtx.Err() != nil && res.Err == nil && !res.Success {
			res.Err = task.NewError(task.ErrKindTimeout, "attempt aborted: %v", runCtx.Err())
		}
	}
	o.recordAttempt(t, agentName, res)
}

// recordAttempt settles one finished attempt: releases the agent slot,
// stores history, and either completes, retries, or terminally fails the
// task.
func (o *Orchestrator) recordAttempt(t *task.Task, agentName string, res *task.Result) {
	o.registry.Release(agentName, t.ID, res.Success)
	if o.graph != nil {
		o.graph.RecordAttempt(context.Background(), res)
	}

	o.mu.Lock()
	delete(o.cancels, t.ID)
	o.history[t.ID] = append(o.history[t.ID], res)

	if t.Status != task.StatusRunning {
		// Cancelled (or forcibly settled) while executing; the attempt's
		// outcome is history only.
		o.mu.Unlock()
		o.snapshotResult(res)
		return
	}

	if res.Success {
		t.Status = task.StatusCompleted
		now := time.Now()
		t.CompletedAt = &now
		o.results[t.ID] = res
		o.mu.Unlock()

		o.snapshotTask(t)
		o.snapshotResult(res)
		o.publish(notify.Event{
			Type:     notify.EventTaskCompleted,
			Subject:  t.ID,
			Agent:    agentName,
			Attempt:  res.Attempt,
			Duration: res.Duration,
		})
		o.logger.Info("task completed",
			zap.String("task", t.ID),
			zap.String("agent", agentName),
			zap.Int("attempt", res.Attempt),
			zap.Duration("duration", res.Duration))
		return
	}

	if t.Attempt <= o.cfg.MaxRetries {
		delay := backoffFor(t.Attempt)
		t.Retry(time.Now().Add(delay))
		o.mu.Unlock()

		o.snapshotTask(t)
		o.snapshotResult(res)
		o.logger.Warn("attempt failed, retrying",
			zap.String("task", t.ID),
			zap.String("agent", agentName),
			zap.Int("failed_attempt", res.Attempt),
			zap.Duration("backoff", delay),
			zap.Error(res.Err))
		return
	}

	t.Status = task.StatusFailed
	now := time.Now()
	t.CompletedAt = &now
	o.results[t.ID] = res
	o.mu.Unlock()

	o.snapshotTask(t)
	o.snapshotResult(res)
	o.publish(notify.Event{
		Type:    notify.EventTaskFailed,
		Subject: t.ID,
		Agent:   agentName,
		Attempt: res.Attempt,
		Detail:  res.Err.Message,
	})
	o.logger.Error("task failed terminally",
		zap.String("task", t.ID),
		zap.String("agent", agentName),
		zap.Int("attempts", res.Attempt),
		zap.Error(res.Err))
}
