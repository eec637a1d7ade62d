package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fenrir/convoy/internal/agent"
	"github.com/fenrir/convoy/internal/bus"
	"github.com/fenrir/convoy/internal/ctxstore"
	"github.com/fenrir/convoy/internal/lineage"
	"github.com/fenrir/convoy/internal/notify"
	"github.com/fenrir/convoy/internal/registry"
	"github.com/fenrir/convoy/internal/router"
	"github.com/fenrir/convoy/internal/store"
	"github.com/fenrir/convoy/internal/task"
)

var ErrTaskNotFound = errors.New("task not found")

// Config tunes the orchestrator's loops and retry policy.
type Config struct {
	DispatchInterval time.Duration
	HealthInterval   time.Duration
	TaskTimeout      time.Duration
	MaxRetries       int
	MaxConcurrent    int
	CancelGrace      time.Duration
	TaskRetention    time.Duration
}

func (c *Config) applyDefaults() {
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = 50 * time.Millisecond
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 5 * time.Minute
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 16
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 5 * time.Second
	}
	if c.TaskRetention <= 0 {
		c.TaskRetention = 24 * time.Hour
	}
}

// Indexer keeps the semantic capability index in sync with agent
// registrations. Optional.
type Indexer interface {
	IndexAgent(ctx context.Context, name, profile string) error
	Remove(ctx context.Context, name string) error
}

// Orchestrator accepts task submissions, routes them to agents, and
// drives execution with retry, timeout, and failover policy. The public
// API never blocks on task execution.
type Orchestrator struct {
	registry *registry.Registry
	router   *router.Router
	contexts *ctxstore.Store
	msgBus   *bus.Bus
	kv       store.KV
	graph    *lineage.Graph
	events   *notify.Fanout
	indexer  Indexer
	cfg      Config
	logger   *zap.Logger

	mu        sync.RWMutex
	tasks     map[string]*task.Task
	results   map[string]*task.Result
	history   map[string][]*task.Result
	convOf    map[string]string
	executors map[string]agent.Executor
	cancels   map[string]context.CancelFunc

	pool chan struct{}
	wg   sync.WaitGroup
	stop context.CancelFunc
}

// New wires an orchestrator. kv, graph, and events may be nil; the
// orchestrator runs without persistence, lineage, or notifications.
func New(reg *registry.Registry, rt *router.Router, contexts *ctxstore.Store,
	msgBus *bus.Bus, kv store.KV, graph *lineage.Graph, events *notify.Fanout,
	cfg Config, logger *zap.Logger) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		registry:  reg,
		router:    rt,
		contexts:  contexts,
		msgBus:    msgBus,
		kv:        kv,
		graph:     graph,
		events:    events,
		cfg:       cfg,
		logger:    logger,
		tasks:     make(map[string]*task.Task),
		results:   make(map[string]*task.Result),
		history:   make(map[string][]*task.Result),
		convOf:    make(map[string]string),
		executors: make(map[string]agent.Executor),
		cancels:   make(map[string]context.CancelFunc),
		pool:      make(chan struct{}, cfg.MaxConcurrent),
	}
}

// SetIndexer attaches a capability indexer for semantic routing.
func (o *Orchestrator) SetIndexer(ix Indexer) { o.indexer = ix }

// Start launches the dispatch and health loops. Close stops them.
func (o *Orchestrator) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	o.stop = cancel
	o.wg.Add(2)
	go o.dispatchLoop(loopCtx)
	go o.healthLoop(loopCtx)
	o.logger.Info("orchestrator started",
		zap.Int("max_concurrent", o.cfg.MaxConcurrent),
		zap.Int("max_retries", o.cfg.MaxRetries),
		zap.Duration("task_timeout", o.cfg.TaskTimeout))
}

// Close stops the loops and waits for in-flight executions to settle.
func (o *Orchestrator) Close() {
	if o.stop != nil {
		o.stop()
	}
	o.wg.Wait()
}

// SubmitTask validates and stores a task for asynchronous dispatch.
// Resubmitting a non-terminal id is rejected; resubmitting a terminal id
// re-enqueues the same id as a fresh attempt, preserving history.
func (o *Orchestrator) SubmitTask(t *task.Task, conversationID string) (string, error) {
	if t == nil || t.Kind == "" {
		return "", task.NewError(task.ErrKindExecution, "task kind is required")
	}

	o.mu.Lock()
	if existing, ok := o.tasks[t.ID]; ok {
		if !task.Terminal(existing.Status) {
			o.mu.Unlock()
			return "", task.NewError(task.ErrKindDuplicateTask,
				"task %s already exists with status %s", t.ID, existing.Status)
		}
		existing.Retry(time.Now())
		delete(o.results, t.ID)
		o.mu.Unlock()
		o.logger.Info("terminal task resubmitted",
			zap.String("task", t.ID),
			zap.Int("attempt", existing.Attempt))
		o.snapshotTask(existing)
		return t.ID, nil
	}
	for _, dep := range t.DependsOn {
		if _, ok := o.tasks[dep]; !ok {
			o.mu.Unlock()
			return "", task.NewError(task.ErrKindExecution,
				"task %s depends on unknown task %s", t.ID, dep)
		}
	}
	t.Status = task.StatusPending
	o.tasks[t.ID] = t
	if conversationID != "" {
		o.convOf[t.ID] = conversationID
	}
	o.mu.Unlock()

	if conversationID != "" && o.contexts != nil {
		if err := o.contexts.AttachTask(conversationID, t.ID); err != nil {
			o.logger.Warn("attach task to context failed",
				zap.String("task", t.ID),
				zap.String("conversation", conversationID),
				zap.Error(err))
		}
	}
	o.snapshotTask(t)
	if o.graph != nil {
		o.graph.RecordTask(context.Background(), t)
	}
	o.logger.Info("task submitted",
		zap.String("task", t.ID),
		zap.String("kind", t.Kind),
		zap.Int("priority", t.Priority),
		zap.Strings("depends_on", t.DependsOn))
	return t.ID, nil
}

// GetTask returns a copy of the task record.
func (o *Orchestrator) GetTask(id string) (*task.Task, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	t, ok := o.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	cp := *t
	return &cp, nil
}

// GetTaskResult returns the terminal result, or nil while the task is
// still in flight.
func (o *Orchestrator) GetTaskResult(id string) (*task.Result, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if _, ok := o.tasks[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return o.results[id], nil
}

// History returns every recorded attempt for a task, oldest first.
func (o *Orchestrator) History(id string) []*task.Result {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]*task.Result(nil), o.history[id]...)
}

// ListTasks returns copies of all task records, newest submissions first.
func (o *Orchestrator) ListTasks() []*task.Task {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*task.Task, 0, len(o.tasks))
	for _, t := range o.tasks {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// CancelTask moves a non-terminal task to cancelled. A running task's
// agent is signaled through its execution context; after the grace period
// the terminal state holds regardless of acknowledgment.
func (o *Orchestrator) CancelTask(id string) error {
	o.mu.Lock()
	t, ok := o.tasks[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if task.Terminal(t.Status) {
		o.mu.Unlock()
		return task.NewError(task.ErrKindConflict,
			"task %s is already %s", id, t.Status)
	}
	wasRunning := t.Status == task.StatusRunning
	if err := task.Transition(t.Status, task.StatusCancelled); err != nil {
		o.mu.Unlock()
		return err
	}
	t.Status = task.StatusCancelled
	now := time.Now()
	t.CompletedAt = &now
	agentName := t.AssignedAgent
	cancel := o.cancels[id]
	o.results[id] = &task.Result{
		TaskID:     id,
		Attempt:    t.Attempt,
		AgentName:  agentName,
		Err:        task.NewError(task.ErrKindConflict, "cancelled by caller"),
		FinishedAt: now,
	}
	o.mu.Unlock()

	if wasRunning && cancel != nil {
		cancel()
		// The execution goroutine normally frees the agent slot when it
		// observes the abort. A stuck agent forfeits the slot after the
		// grace period.
		go func() {
			time.Sleep(o.cfg.CancelGrace)
			o.mu.Lock()
			stillHeld := o.cancels[id] != nil
			delete(o.cancels, id)
			o.mu.Unlock()
			if stillHeld && agentName != "" {
				o.registry.Release(agentName, id, false)
				o.logger.Warn("agent missed cancellation grace period",
					zap.String("task", id),
					zap.String("agent", agentName))
			}
		}()
	}

	o.snapshotTask(t)
	if agentName != "" {
		o.notifyAgent(agentName, "task_cancelled", t)
	}
	o.publish(notify.Event{
		Type:    notify.EventTaskCancelled,
		Subject: id,
		Agent:   agentName,
		Attempt: t.Attempt,
	})
	o.logger.Info("task cancelled", zap.String("task", id))
	return nil
}

// RegisterAgent stores the registration and its executor. exec may be nil
// for external agents that only hold a registry entry.
func (o *Orchestrator) RegisterAgent(reg registry.Registration, exec agent.Executor) error {
	if exec != nil {
		caps := exec.Describe()
		if len(reg.Capabilities) == 0 {
			reg.Capabilities = caps.Tags
		}
		if len(reg.TaskKinds) == 0 {
			reg.TaskKinds = caps.TaskKinds
		}
		if reg.MaxConcurrent == 0 {
			reg.MaxConcurrent = caps.MaxConcurrent
		}
		if reg.Profile == "" {
			reg.Profile = caps.Profile
		}
	}
	if err := o.registry.Register(reg); err != nil {
		return err
	}
	o.mu.Lock()
	if exec != nil {
		o.executors[reg.Name] = exec
	}
	o.mu.Unlock()

	if o.indexer != nil && reg.Profile != "" {
		if err := o.indexer.IndexAgent(context.Background(), reg.Name, reg.Profile); err != nil {
			o.logger.Warn("capability indexing failed",
				zap.String("agent", reg.Name), zap.Error(err))
		}
	}
	return nil
}

// DeregisterAgent removes the agent and requeues any tasks it held.
func (o *Orchestrator) DeregisterAgent(name string) error {
	orphans, err := o.registry.Deregister(name)
	if err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.executors, name)
	o.mu.Unlock()

	if o.indexer != nil {
		if err := o.indexer.Remove(context.Background(), name); err != nil {
			o.logger.Warn("capability index removal failed",
				zap.String("agent", name), zap.Error(err))
		}
	}
	o.requeueOrphans(name, orphans, "agent deregistered")
	return nil
}

// Stats summarizes orchestrator state for the status surface.
type Stats struct {
	Tasks         map[task.Status]int      `json:"tasks"`
	Agents        map[registry.Health]int  `json:"agents"`
	Routing       router.Stats             `json:"routing"`
	Contexts      int                      `json:"contexts"`
	InFlight      int                      `json:"in_flight"`
	ResultsStored int                      `json:"results_stored"`
}

// Status reports current task, agent, and routing counters.
func (o *Orchestrator) Status() Stats {
	o.mu.RLock()
	byStatus := make(map[task.Status]int)
	for _, t := range o.tasks {
		byStatus[t.Status]++
	}
	inFlight := len(o.cancels)
	results := len(o.results)
	o.mu.RUnlock()

	st := Stats{
		Tasks:         byStatus,
		Agents:        o.registry.Counts(),
		Routing:       o.router.Stats(),
		InFlight:      inFlight,
		ResultsStored: results,
	}
	if o.contexts != nil {
		st.Contexts = o.contexts.Len()
	}
	return st
}

func (o *Orchestrator) publish(ev notify.Event) {
	if o.events != nil {
		o.events.Publish(ev)
	}
}

// notifyAgent drops a lifecycle message into the agent's inbox. Delivery
// is best-effort; an unregistered inbox or full queue is not an error
// the task flow cares about.
func (o *Orchestrator) notifyAgent(agentName, event string, t *task.Task) {
	if o.msgBus == nil {
		return
	}
	_, _ = o.msgBus.Send("orchestrator", agentName, map[string]any{
		"event":   event,
		"task_id": t.ID,
		"kind":    t.Kind,
		"attempt": t.Attempt,
	})
}
