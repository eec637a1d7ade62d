//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fenrir/convoy/internal/agent"
	"github.com/fenrir/convoy/internal/bus"
	"github.com/fenrir/convoy/internal/ctxstore"
	"github.com/fenrir/convoy/internal/lineage"
	"github.com/fenrir/convoy/internal/orchestrator"
	"github.com/fenrir/convoy/internal/registry"
	"github.com/fenrir/convoy/internal/router"
	"github.com/fenrir/convoy/internal/store"
	"github.com/fenrir/convoy/internal/task"
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	neo4jURI, neo4jCleanup, err := startNeo4j(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "neo4j: %v\n", err)
		os.Exit(1)
	}
	defer neo4jCleanup()
	testNeo4jURI = neo4jURI

	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}
	defer pgCleanup()
	testPGDSN = pgDSN

	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer redisCleanup()
	testRedisURL = redisURL

	os.Exit(m.Run())
}

// exerciseKV runs the shared contract against one backend.
func exerciseKV(t *testing.T, kv store.KV) {
	t.Helper()
	ctx := context.Background()

	if err := kv.Put(ctx, store.BucketTasks, "t1", []byte(`{"id":"t1"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := kv.Put(ctx, store.BucketResults, "t1/1", []byte(`{"attempt":1}`)); err != nil {
		t.Fatalf("put result: %v", err)
	}

	got, err := kv.Get(ctx, store.BucketTasks, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"id":"t1"}` {
		t.Errorf("unexpected value %q", got)
	}

	// Buckets are isolated
	if _, err := kv.Get(ctx, store.BucketTasks, "t1/1"); err == nil {
		t.Error("result key leaked into tasks bucket")
	}

	all, err := kv.List(ctx, store.BucketTasks)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 task entry, got %d", len(all))
	}

	if err := kv.Delete(ctx, store.BucketTasks, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := kv.Get(ctx, store.BucketTasks, "t1"); err != store.ErrKeyNotFound {
		t.Errorf("expected ErrKeyNotFound after delete, got %v", err)
	}
}

func TestRedisKV(t *testing.T) {
	kv, err := store.NewRedis(testRedisURL, testLogger)
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	defer kv.Close()
	exerciseKV(t, kv)
}

func TestPostgresKV(t *testing.T) {
	kv, err := store.NewPostgres(testPGDSN, testLogger)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	defer kv.Close()
	exerciseKV(t, kv)
}

func TestPostgresUpsert(t *testing.T) {
	kv, err := store.NewPostgres(testPGDSN, testLogger)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	defer kv.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		val := []byte(fmt.Sprintf(`{"rev":%d}`, i))
		if err := kv.Put(ctx, store.BucketContexts, "conv-1", val); err != nil {
			t.Fatalf("put rev %d: %v", i, err)
		}
	}
	got, err := kv.Get(ctx, store.BucketContexts, "conv-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"rev":2}` {
		t.Errorf("expected last write to win, got %q", got)
	}
}

func TestLineageGraph(t *testing.T) {
	graph, err := lineage.New(testNeo4jURI, "", "", testLogger)
	if err != nil {
		t.Fatalf("connect neo4j: %v", err)
	}
	ctx := context.Background()
	defer graph.Close(ctx)

	parent := task.New("extract")
	child := task.New("transform", task.WithDependencies(parent.ID))
	graph.RecordTask(ctx, parent)
	graph.RecordTask(ctx, child)

	graph.RecordAttempt(ctx, &task.Result{
		TaskID: child.ID, Attempt: 1, Success: false,
		AgentName: "worker-1", Duration: 120 * time.Millisecond,
		FinishedAt: time.Now(),
	})
	graph.RecordAttempt(ctx, &task.Result{
		TaskID: child.ID, Attempt: 2, Success: true,
		AgentName: "worker-2", Duration: 80 * time.Millisecond,
		FinishedAt: time.Now(),
	})

	attempts, err := graph.Attempts(ctx, child.ID)
	if err != nil {
		t.Fatalf("attempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if attempts[0].Attempt != 1 || attempts[0].Success {
		t.Errorf("unexpected first attempt %+v", attempts[0])
	}
	if attempts[1].Agent != "worker-2" || !attempts[1].Success {
		t.Errorf("unexpected second attempt %+v", attempts[1])
	}
}

// TestOrchestratorWithBackends drives a full task through an orchestrator
// snapshotting to Redis and recording lineage to Neo4j.
func TestOrchestratorWithBackends(t *testing.T) {
	logger := zap.NewNop()
	kv, err := store.NewRedis(testRedisURL, logger)
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	defer kv.Close()
	graph, err := lineage.New(testNeo4jURI, "", "", logger)
	if err != nil {
		t.Fatalf("connect neo4j: %v", err)
	}
	ctx := context.Background()
	defer graph.Close(ctx)

	reg := registry.New(0, logger)
	rt := router.New(reg, router.StrategyCapabilityMatch, router.FallbackNone, nil, logger)
	contexts := ctxstore.New(time.Hour, 0, logger)
	msgBus := bus.New(10, logger)

	orch := orchestrator.New(reg, rt, contexts, msgBus, kv, graph, nil, orchestrator.Config{
		DispatchInterval: 10 * time.Millisecond,
		HealthInterval:   time.Hour,
		TaskTimeout:      5 * time.Second,
	}, logger)
	orch.Start(ctx)
	defer orch.Close()

	worker := agent.NewLocal("worker", agent.Capabilities{MaxConcurrent: 2}, logger)
	worker.Handle(agent.KindSpec{Kind: "greet"}, func(ctx context.Context, params map[string]any, conv *ctxstore.Context) (map[string]any, error) {
		return map[string]any{"greeting": "hello"}, nil
	})
	if err := orch.RegisterAgent(registry.Registration{Name: "worker"}, worker); err != nil {
		t.Fatalf("register: %v", err)
	}

	id, err := orch.SubmitTask(task.New("greet"), "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		res, _ := orch.GetTaskResult(id)
		if res != nil {
			if !res.Success {
				t.Fatalf("task failed: %+v", res.Err)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task never completed")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Snapshots land in Redis shortly after the result settles.
	awaitKey := func(bucket, key string) {
		t.Helper()
		d := time.Now().Add(2 * time.Second)
		for {
			if _, err := kv.Get(ctx, bucket, key); err == nil {
				return
			}
			if time.Now().After(d) {
				t.Fatalf("snapshot %s/%s never appeared", bucket, key)
			}
			time.Sleep(20 * time.Millisecond)
		}
	}
	awaitKey(store.BucketTasks, id)
	awaitKey(store.BucketResults, id+"/1")

	// Attempt is in the lineage graph
	attempts, err := graph.Attempts(ctx, id)
	if err != nil {
		t.Fatalf("lineage attempts: %v", err)
	}
	if len(attempts) != 1 || !attempts[0].Success {
		t.Errorf("expected 1 successful attempt, got %+v", attempts)
	}
}
