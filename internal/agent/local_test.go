package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fenrir/convoy/internal/ctxstore"
	"github.com/fenrir/convoy/internal/task"
)

func testAgent(t *testing.T) *LocalAgent {
	t.Helper()
	return NewLocal("worker", Capabilities{Tags: []string{"test"}, MaxConcurrent: 2}, zap.NewNop())
}

func TestExecuteSuccess(t *testing.T) {
	a := testAgent(t)
	a.Handle(KindSpec{Kind: "echo"}, func(_ context.Context, params map[string]any, _ *ctxstore.Context) (map[string]any, error) {
		return map[string]any{"echo": params["msg"]}, nil
	})

	tk := task.New("echo", task.WithParams(map[string]any{"msg": "hi"}))
	res, err := a.Execute(context.Background(), tk, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success || res.Data["echo"] != "hi" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.TaskID != tk.ID || res.AgentName != "worker" || res.Attempt != 1 {
		t.Fatalf("bad attribution: %+v", res)
	}
}

func TestExecuteUnknownKind(t *testing.T) {
	a := testAgent(t)
	res, err := a.Execute(context.Background(), task.New("mystery"), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success || res.Err == nil || res.Err.Kind != task.ErrKindCapability {
		t.Fatalf("expected capability failure, got %+v", res)
	}
}

func TestExecuteHandlerError(t *testing.T) {
	a := testAgent(t)
	a.Handle(KindSpec{Kind: "boom"}, func(context.Context, map[string]any, *ctxstore.Context) (map[string]any, error) {
		return nil, errors.New("kaboom")
	})

	res, err := a.Execute(context.Background(), task.New("boom"), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success || res.Err == nil {
		t.Fatalf("expected failure result, got %+v", res)
	}
	if res.Err.Kind != task.ErrKindExecution {
		t.Fatalf("kind = %s, want execution", res.Err.Kind)
	}
}

func TestExecuteContextCancelled(t *testing.T) {
	a := testAgent(t)
	a.Handle(KindSpec{Kind: "slow"}, func(ctx context.Context, _ map[string]any, _ *ctxstore.Context) (map[string]any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return map[string]any{}, nil
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := a.Execute(ctx, task.New("slow"), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success || res.Err == nil || res.Err.Kind != task.ErrKindTimeout {
		t.Fatalf("expected timeout failure, got %+v", res)
	}
}

func TestSchemaValidation(t *testing.T) {
	spec := KindSpec{Kind: "shell", Params: []ParamSpec{
		{Name: "cmd", Type: "string", Required: true},
		{Name: "timeout", Type: "number"},
	}}

	cases := []struct {
		name   string
		params map[string]any
		ok     bool
	}{
		{"valid", map[string]any{"cmd": "ls"}, true},
		{"valid with optional", map[string]any{"cmd": "ls", "timeout": 5}, true},
		{"missing required", map[string]any{"timeout": 5}, false},
		{"wrong type", map[string]any{"cmd": 42}, false},
		{"wrong optional type", map[string]any{"cmd": "ls", "timeout": "soon"}, false},
		{"extra params allowed", map[string]any{"cmd": "ls", "verbose": true}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := spec.Validate(tc.params)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok {
				var terr *task.Error
				if !errors.As(err, &terr) || terr.Kind != task.ErrKindCapability {
					t.Fatalf("expected capability error, got %v", err)
				}
			}
		})
	}
}

func TestHandleExtendsDeclaredKinds(t *testing.T) {
	a := testAgent(t)
	a.Handle(KindSpec{Kind: "echo"}, func(context.Context, map[string]any, *ctxstore.Context) (map[string]any, error) {
		return nil, nil
	})
	a.Handle(KindSpec{Kind: "echo"}, func(context.Context, map[string]any, *ctxstore.Context) (map[string]any, error) {
		return nil, nil
	})

	caps := a.Describe()
	if len(caps.TaskKinds) != 1 || caps.TaskKinds[0] != "echo" {
		t.Fatalf("kinds = %v", caps.TaskKinds)
	}
}

func TestHealthToggle(t *testing.T) {
	a := testAgent(t)
	if !a.HealthCheck(context.Background()) {
		t.Fatal("new agent unhealthy")
	}
	a.SetHealthy(false)
	if a.HealthCheck(context.Background()) {
		t.Fatal("agent healthy after SetHealthy(false)")
	}
}
