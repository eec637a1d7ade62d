package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fenrir/convoy/internal/store"
	"github.com/fenrir/convoy/internal/task"
)

const snapshotTimeout = 5 * time.Second

// snapshotTask persists the task record. Best-effort; orchestration never
// fails on a persistence error.
func (o *Orchestrator) snapshotTask(t *task.Task) {
	if o.kv == nil {
		return
	}
	o.mu.RLock()
	data, err := json.Marshal(t)
	o.mu.RUnlock()
	if err != nil {
		o.logger.Warn("encode task snapshot failed",
			zap.String("task", t.ID), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	if err := o.kv.Put(ctx, store.BucketTasks, t.ID, data); err != nil {
		o.logger.Warn("persist task snapshot failed",
			zap.String("task", t.ID), zap.Error(err))
	}
}

// snapshotResult appends one attempt to the task's persisted result
// history, keyed by task id and attempt.
func (o *Orchestrator) snapshotResult(res *task.Result) {
	if o.kv == nil {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		o.logger.Warn("encode result snapshot failed",
			zap.String("task", res.TaskID), zap.Error(err))
		return
	}
	key := fmt.Sprintf("%s/%d", res.TaskID, res.Attempt)
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	if err := o.kv.Put(ctx, store.BucketResults, key, data); err != nil {
		o.logger.Warn("persist result snapshot failed",
			zap.String("task", res.TaskID), zap.Error(err))
	}
}
