package lineage

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/fenrir/convoy/internal/task"
)

// Graph records task lineage in Neo4j: task nodes, their dependency
// edges, and which agent attempted them. All writes are best-effort; the
// orchestrator runs without lineage when no graph is configured.
type Graph struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// New connects a Neo4j driver and verifies connectivity.
func New(uri, user, password string, logger *zap.Logger) (*Graph, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(context.Background()); err != nil {
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	logger.Info("Neo4j connected", zap.String("uri", uri))
	return &Graph{driver: driver, logger: logger}, nil
}

// Close shuts down the driver.
func (g *Graph) Close(ctx context.Context) error {
	if g == nil {
		return nil
	}
	return g.driver.Close(ctx)
}

// RecordTask upserts the task node and its dependency edges.
func (g *Graph) RecordTask(ctx context.Context, t *task.Task) {
	if g == nil {
		return
	}
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (t:Task {id: $id})
		 SET t.kind = $kind, t.priority = $priority, t.created_at = $createdAt`,
		map[string]any{
			"id":        t.ID,
			"kind":      t.Kind,
			"priority":  t.Priority,
			"createdAt": t.CreatedAt.Format(time.RFC3339Nano),
		})
	if err != nil {
		g.logger.Warn("lineage: record task failed",
			zap.String("task", t.ID), zap.Error(err))
		return
	}

	for _, dep := range t.DependsOn {
		_, err := session.Run(ctx,
			`MATCH (t:Task {id: $id})
			 MERGE (d:Task {id: $dep})
			 MERGE (t)-[:DEPENDS_ON]->(d)`,
			map[string]any{"id": t.ID, "dep": dep})
		if err != nil {
			g.logger.Warn("lineage: record dependency failed",
				zap.String("task", t.ID), zap.String("dep", dep), zap.Error(err))
		}
	}
}

// RecordAttempt links a task to the agent that executed one attempt.
func (g *Graph) RecordAttempt(ctx context.Context, res *task.Result) {
	if g == nil || res.AgentName == "" {
		return
	}
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (t:Task {id: $id})
		 MERGE (a:Agent {name: $agent})
		 CREATE (t)-[:ATTEMPTED_BY {
			attempt: $attempt, success: $success,
			duration_ms: $durationMs, finished_at: $finishedAt
		 }]->(a)`,
		map[string]any{
			"id":         res.TaskID,
			"agent":      res.AgentName,
			"attempt":    res.Attempt,
			"success":    res.Success,
			"durationMs": res.Duration.Milliseconds(),
			"finishedAt": res.FinishedAt.Format(time.RFC3339Nano),
		})
	if err != nil {
		g.logger.Warn("lineage: record attempt failed",
			zap.String("task", res.TaskID), zap.Error(err))
	}
}

// Attempts returns the attempt history of one task, oldest first.
func (g *Graph) Attempts(ctx context.Context, taskID string) ([]Attempt, error) {
	if g == nil {
		return nil, nil
	}
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (t:Task {id: $id})-[r:ATTEMPTED_BY]->(a:Agent)
		 RETURN a.name, r.attempt, r.success, r.duration_ms
		 ORDER BY r.attempt ASC`,
		map[string]any{"id": taskID})
	if err != nil {
		return nil, fmt.Errorf("lineage attempts for %s: %w", taskID, err)
	}

	var out []Attempt
	for result.Next(ctx) {
		rec := result.Record()
		agent, _ := rec.Get("a.name")
		attempt, _ := rec.Get("r.attempt")
		success, _ := rec.Get("r.success")
		durMs, _ := rec.Get("r.duration_ms")
		out = append(out, Attempt{
			Agent:    agent.(string),
			Attempt:  int(attempt.(int64)),
			Success:  success.(bool),
			Duration: time.Duration(durMs.(int64)) * time.Millisecond,
		})
	}
	return out, result.Err()
}

// Attempt is one recorded execution of a task by an agent.
type Attempt struct {
	Agent    string        `json:"agent"`
	Attempt  int           `json:"attempt"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
}
