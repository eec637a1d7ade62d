package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fenrir/convoy/internal/agent"
	"github.com/fenrir/convoy/internal/bus"
	"github.com/fenrir/convoy/internal/ctxstore"
	"github.com/fenrir/convoy/internal/registry"
	"github.com/fenrir/convoy/internal/router"
	"github.com/fenrir/convoy/internal/store"
	"github.com/fenrir/convoy/internal/task"
)

type fixture struct {
	orch     *Orchestrator
	registry *registry.Registry
	contexts *ctxstore.Store
	kv       *store.Memory
	bus      *bus.Bus
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := zap.NewNop()
	reg := registry.New(0, logger)
	rt := router.New(reg, router.StrategyCapabilityMatch, router.FallbackNone, nil, logger)
	contexts := ctxstore.New(time.Hour, 0, logger)
	msgBus := bus.New(100, logger)
	kv := store.NewMemory()

	if cfg.DispatchInterval == 0 {
		cfg.DispatchInterval = 10 * time.Millisecond
	}
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = time.Hour
	}
	if cfg.TaskTimeout == 0 {
		cfg.TaskTimeout = 2 * time.Second
	}
	if cfg.CancelGrace == 0 {
		cfg.CancelGrace = 100 * time.Millisecond
	}

	o := New(reg, rt, contexts, msgBus, kv, nil, nil, cfg, logger)
	o.Start(context.Background())
	t.Cleanup(o.Close)
	return &fixture{orch: o, registry: reg, contexts: contexts, kv: kv, bus: msgBus}
}

func (f *fixture) addAgent(t *testing.T, name string, kind string, h agent.Handler) *agent.LocalAgent {
	t.Helper()
	a := agent.NewLocal(name, agent.Capabilities{MaxConcurrent: 4}, zap.NewNop())
	a.Handle(agent.KindSpec{Kind: kind}, h)
	if err := f.orch.RegisterAgent(registry.Registration{Name: name}, a); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return a
}

func okHandler(context.Context, map[string]any, *ctxstore.Context) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}

func waitTerminal(t *testing.T, o *Orchestrator, id string, within time.Duration) *task.Result {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		res, err := o.GetTaskResult(id)
		if err != nil {
			t.Fatalf("get result: %v", err)
		}
		if res != nil {
			return res
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s not terminal within %v", id, within)
	return nil
}

func TestSubmitAndComplete(t *testing.T) {
	f := newFixture(t, Config{})
	f.addAgent(t, "worker", "echo", okHandler)

	tk := task.New("echo")
	id, err := f.orch.SubmitTask(tk, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	res := waitTerminal(t, f.orch, id, 2*time.Second)
	if !res.Success || res.AgentName != "worker" {
		t.Fatalf("unexpected result: %+v", res)
	}
	got, _ := f.orch.GetTask(id)
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}

	// The completed snapshot landed in the store.
	if _, err := f.kv.Get(context.Background(), store.BucketTasks, id); err != nil {
		t.Fatalf("task snapshot missing: %v", err)
	}
}

func TestSubmitDuplicateRejected(t *testing.T) {
	f := newFixture(t, Config{DispatchInterval: time.Hour})

	tk := task.New("echo", task.WithID("fixed"))
	if _, err := f.orch.SubmitTask(tk, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err := f.orch.SubmitTask(task.New("echo", task.WithID("fixed")), "")
	var terr *task.Error
	if !errors.As(err, &terr) || terr.Kind != task.ErrKindDuplicateTask {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestTerminalResubmitIsFreshAttempt(t *testing.T) {
	f := newFixture(t, Config{})
	f.addAgent(t, "worker", "echo", okHandler)

	id, _ := f.orch.SubmitTask(task.New("echo", task.WithID("again")), "")
	waitTerminal(t, f.orch, id, 2*time.Second)

	if _, err := f.orch.SubmitTask(task.New("echo", task.WithID("again")), ""); err != nil {
		t.Fatalf("terminal resubmit rejected: %v", err)
	}
	res := waitTerminal(t, f.orch, id, 2*time.Second)
	if res.Attempt != 2 {
		t.Fatalf("attempt = %d, want 2", res.Attempt)
	}
	if got := f.orch.History(id); len(got) != 2 {
		t.Fatalf("history = %d attempts, want 2", len(got))
	}
}

func TestSubmitUnknownDependency(t *testing.T) {
	f := newFixture(t, Config{DispatchInterval: time.Hour})
	_, err := f.orch.SubmitTask(task.New("echo", task.WithDependencies("ghost")), "")
	if err == nil {
		t.Fatal("expected rejection for unknown dependency")
	}
}

func TestDependencyOrdering(t *testing.T) {
	f := newFixture(t, Config{})
	var order atomic.Int32
	var firstDone, secondStart int32
	f.addAgent(t, "worker", "step", func(_ context.Context, params map[string]any, _ *ctxstore.Context) (map[string]any, error) {
		n := order.Add(1)
		if params["name"] == "first" {
			atomic.StoreInt32(&firstDone, n)
		} else {
			atomic.StoreInt32(&secondStart, n)
		}
		return nil, nil
	})

	first := task.New("step", task.WithParams(map[string]any{"name": "first"}))
	id1, _ := f.orch.SubmitTask(first, "")
	second := task.New("step",
		task.WithParams(map[string]any{"name": "second"}),
		task.WithDependencies(id1))
	id2, _ := f.orch.SubmitTask(second, "")

	waitTerminal(t, f.orch, id2, 3*time.Second)
	if atomic.LoadInt32(&firstDone) >= atomic.LoadInt32(&secondStart) {
		t.Fatal("dependent ran before its dependency completed")
	}
}

func TestRetryThenSucceed(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 2})
	var calls atomic.Int32
	f.addAgent(t, "worker", "flaky", func(context.Context, map[string]any, *ctxstore.Context) (map[string]any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return map[string]any{"ok": true}, nil
	})

	id, _ := f.orch.SubmitTask(task.New("flaky"), "")
	// First retry backs off one second.
	res := waitTerminal(t, f.orch, id, 4*time.Second)
	if !res.Success || res.Attempt != 2 {
		t.Fatalf("result: %+v", res)
	}
	hist := f.orch.History(id)
	if len(hist) != 2 || hist[0].Success || !hist[1].Success {
		t.Fatalf("history wrong: %+v", hist)
	}
}

func TestRetriesExhausted(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: -1}) // no retries
	f.addAgent(t, "worker", "doomed", func(context.Context, map[string]any, *ctxstore.Context) (map[string]any, error) {
		return nil, errors.New("permanent")
	})

	id, _ := f.orch.SubmitTask(task.New("doomed"), "")
	res := waitTerminal(t, f.orch, id, 2*time.Second)
	if res.Success || res.Err == nil {
		t.Fatalf("result: %+v", res)
	}
	got, _ := f.orch.GetTask(id)
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestTaskTimeoutTreatedAsFailure(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: -1, TaskTimeout: 50 * time.Millisecond})
	f.addAgent(t, "worker", "slow", func(ctx context.Context, _ map[string]any, _ *ctxstore.Context) (map[string]any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, nil
		}
	})

	id, _ := f.orch.SubmitTask(task.New("slow"), "")
	res := waitTerminal(t, f.orch, id, 2*time.Second)
	if res.Success || res.Err.Kind != task.ErrKindTimeout {
		t.Fatalf("result: %+v", res)
	}
}

func TestCancelPendingTask(t *testing.T) {
	f := newFixture(t, Config{DispatchInterval: time.Hour})
	id, _ := f.orch.SubmitTask(task.New("echo"), "")

	if err := f.orch.CancelTask(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := f.orch.GetTask(id)
	if got.Status != task.StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	// Cancelling again is a conflict.
	if err := f.orch.CancelTask(id); err == nil {
		t.Fatal("second cancel succeeded")
	}
}

func TestCancelRunningTask(t *testing.T) {
	f := newFixture(t, Config{})
	started := make(chan struct{})
	f.addAgent(t, "worker", "hang", func(ctx context.Context, _ map[string]any, _ *ctxstore.Context) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	id, _ := f.orch.SubmitTask(task.New("hang"), "")
	<-started
	if err := f.orch.CancelTask(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := f.orch.GetTask(id)
	if got.Status != task.StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}

	// The agent's slot frees once the abort is observed.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		info, _ := f.registry.Get("worker")
		if info.InFlight == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("agent slot not released after cancel")
}

func TestNoCapableAgentStaysPending(t *testing.T) {
	f := newFixture(t, Config{})
	id, _ := f.orch.SubmitTask(task.New("nobody-does-this"), "")

	time.Sleep(50 * time.Millisecond)
	got, _ := f.orch.GetTask(id)
	if got.Status != task.StatusPending {
		t.Fatalf("status = %s, want pending while unroutable", got.Status)
	}

	// A late-registering agent picks it up.
	f.addAgent(t, "late", "nobody-does-this", okHandler)
	res := waitTerminal(t, f.orch, id, 2*time.Second)
	if !res.Success {
		t.Fatalf("result: %+v", res)
	}
}

func TestDeregisterRequeuesOrphans(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 2})
	blocked := make(chan struct{})
	released := make(chan struct{})
	var calls atomic.Int32
	f.addAgent(t, "doomed-agent", "work", func(ctx context.Context, _ map[string]any, _ *ctxstore.Context) (map[string]any, error) {
		if calls.Add(1) == 1 {
			close(blocked)
			<-released
			return nil, ctx.Err()
		}
		return map[string]any{}, nil
	})

	id, _ := f.orch.SubmitTask(task.New("work"), "")
	<-blocked

	if err := f.orch.DeregisterAgent("doomed-agent"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	close(released)

	got, _ := f.orch.GetTask(id)
	if task.Terminal(got.Status) {
		t.Fatalf("orphan terminal too early: %s", got.Status)
	}
	if got.Attempt != 2 {
		t.Fatalf("attempt = %d, want 2 after orphan requeue", got.Attempt)
	}

	// A replacement agent finishes the requeued attempt after backoff.
	f.addAgent(t, "replacement", "work", okHandler)
	res := waitTerminal(t, f.orch, id, 4*time.Second)
	if !res.Success || res.AgentName != "replacement" {
		t.Fatalf("result: %+v", res)
	}
}

func TestDependencyFailurePropagates(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: -1})
	f.addAgent(t, "worker", "fail", func(context.Context, map[string]any, *ctxstore.Context) (map[string]any, error) {
		return nil, errors.New("nope")
	})

	dep := task.New("fail")
	depID, _ := f.orch.SubmitTask(dep, "")
	child := task.New("fail", task.WithDependencies(depID))
	childID, _ := f.orch.SubmitTask(child, "")

	res := waitTerminal(t, f.orch, childID, 2*time.Second)
	if res.Success || res.Err == nil {
		t.Fatalf("result: %+v", res)
	}
	if res.AgentName != "" {
		t.Fatal("dependent executed despite dead dependency")
	}
}

func TestHealthFailureOrphansTasks(t *testing.T) {
	f := newFixture(t, Config{HealthInterval: 20 * time.Millisecond, MaxRetries: 3})
	blocked := make(chan struct{})
	var once atomic.Bool
	a := f.addAgent(t, "sick", "work", func(ctx context.Context, _ map[string]any, _ *ctxstore.Context) (map[string]any, error) {
		if once.CompareAndSwap(false, true) {
			close(blocked)
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	id, _ := f.orch.SubmitTask(task.New("work"), "")
	<-blocked
	a.SetHealthy(false)

	// Three failed checks mark the agent unavailable and orphan the task.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		info, ok := f.registry.Get("sick")
		if ok && info.Health == registry.HealthUnavailable {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	info, _ := f.registry.Get("sick")
	if info.Health != registry.HealthUnavailable {
		t.Fatal("agent never marked unavailable")
	}

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, _ := f.orch.GetTask(id)
		if got.Status == task.StatusPending && got.Attempt == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, _ := f.orch.GetTask(id)
	t.Fatalf("task not orphaned: status=%s attempt=%d", got.Status, got.Attempt)
}

func TestContextAttachment(t *testing.T) {
	f := newFixture(t, Config{})
	f.contexts.Create("conv-1", "alice")
	f.addAgent(t, "worker", "echo", func(_ context.Context, _ map[string]any, conv *ctxstore.Context) (map[string]any, error) {
		return map[string]any{"user": conv.UserID}, nil
	})

	id, _ := f.orch.SubmitTask(task.New("echo"), "conv-1")
	res := waitTerminal(t, f.orch, id, 2*time.Second)
	if res.Data["user"] != "alice" {
		t.Fatalf("agent did not see conversation context: %+v", res)
	}
	c, _ := f.contexts.Get("conv-1")
	if len(c.TaskIDs) != 1 || c.TaskIDs[0] != id {
		t.Fatalf("task not attached: %v", c.TaskIDs)
	}
}

func TestCleanupOldTasks(t *testing.T) {
	f := newFixture(t, Config{TaskRetention: time.Minute})
	f.addAgent(t, "worker", "echo", okHandler)

	id, _ := f.orch.SubmitTask(task.New("echo"), "")
	waitTerminal(t, f.orch, id, 2*time.Second)

	// Wait for the terminal snapshot to land before evicting.
	deadline := time.Now().Add(time.Second)
	for {
		if _, err := f.kv.Get(context.Background(), store.BucketTasks, id); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task snapshot never persisted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.orch.cleanupOldTasks(time.Now().Add(2 * time.Minute))
	if _, err := f.orch.GetTask(id); !errors.Is(err, ErrTaskNotFound) {
		t.Fatal("expired task still present")
	}

	// Eviction trims memory only. The persisted record stays readable.
	if _, err := f.kv.Get(context.Background(), store.BucketTasks, id); err != nil {
		t.Fatalf("persisted task snapshot gone after cleanup: %v", err)
	}
	if _, err := f.kv.Get(context.Background(), store.BucketResults, id+"/1"); err != nil {
		t.Fatalf("persisted result snapshot gone after cleanup: %v", err)
	}
}

func TestAssignmentNotifiesAgentInbox(t *testing.T) {
	f := newFixture(t, Config{})
	f.addAgent(t, "worker", "echo", okHandler)

	id, _ := f.orch.SubmitTask(task.New("echo"), "")
	waitTerminal(t, f.orch, id, 2*time.Second)

	msgs := f.bus.Drain("worker")
	if len(msgs) == 0 {
		t.Fatal("no lifecycle message delivered to agent inbox")
	}
	msg := msgs[0]
	if msg.From != "orchestrator" {
		t.Fatalf("sender = %q", msg.From)
	}
	if msg.Payload["event"] != "task_assigned" || msg.Payload["task_id"] != id {
		t.Fatalf("unexpected payload: %+v", msg.Payload)
	}
}

func TestCancelNotifiesAgentInbox(t *testing.T) {
	f := newFixture(t, Config{})
	started := make(chan struct{})
	f.addAgent(t, "worker", "sleep", func(ctx context.Context, _ map[string]any, _ *ctxstore.Context) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	id, _ := f.orch.SubmitTask(task.New("sleep"), "")
	<-started
	if err := f.orch.CancelTask(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	var sawCancel bool
	for _, msg := range f.bus.Drain("worker") {
		if msg.Payload["event"] == "task_cancelled" {
			sawCancel = true
		}
	}
	if !sawCancel {
		t.Fatal("cancellation message not delivered to agent inbox")
	}
}

func TestStatusCounters(t *testing.T) {
	f := newFixture(t, Config{})
	f.addAgent(t, "worker", "echo", okHandler)
	id, _ := f.orch.SubmitTask(task.New("echo"), "")
	waitTerminal(t, f.orch, id, 2*time.Second)

	st := f.orch.Status()
	if st.Tasks[task.StatusCompleted] != 1 {
		t.Fatalf("status: %+v", st)
	}
	if st.Agents[registry.HealthAvailable] != 1 {
		t.Fatalf("agents: %+v", st.Agents)
	}
}

func TestBackoffSchedule(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{7, 60 * time.Second},
		{20, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffFor(tc.attempt); got != tc.want {
			t.Fatalf("backoffFor(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
