package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fenrir/convoy/internal/agent"
	"github.com/fenrir/convoy/internal/api"
	"github.com/fenrir/convoy/internal/bus"
	"github.com/fenrir/convoy/internal/config"
	"github.com/fenrir/convoy/internal/ctxstore"
	"github.com/fenrir/convoy/internal/embedding"
	"github.com/fenrir/convoy/internal/lineage"
	"github.com/fenrir/convoy/internal/notify"
	"github.com/fenrir/convoy/internal/orchestrator"
	"github.com/fenrir/convoy/internal/registry"
	"github.com/fenrir/convoy/internal/router"
	"github.com/fenrir/convoy/internal/store"
	"github.com/fenrir/convoy/internal/vectorstore"
	"github.com/fenrir/convoy/internal/workflow"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/convoy.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		// Missing config falls back to defaults; a malformed one is fatal.
		if !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "load config %s: %v\n", cfgPath, err)
			os.Exit(1)
		}
		cfg = config.Default()
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()

	logger.Info("Starting convoy", zap.String("config", cfgPath))

	// Persistence backend
	var kv store.KV
	switch cfg.Persistence.Backend {
	case "redis":
		kv, err = store.NewRedis(cfg.Persistence.RedisURL, logger)
	case "postgres":
		kv, err = store.NewPostgres(cfg.Persistence.Postgres, logger)
	default:
		kv = store.NewMemory()
	}
	if err != nil {
		logger.Warn("persistence backend unavailable, snapshots disabled",
			zap.String("backend", cfg.Persistence.Backend), zap.Error(err))
		kv = nil
	}

	// Lineage graph (optional)
	var graph *lineage.Graph
	if cfg.Lineage.Enabled {
		graph, err = lineage.New(cfg.Lineage.URI, cfg.Lineage.User, cfg.Lineage.Password, logger)
		if err != nil {
			logger.Warn("Neo4j unavailable, running without lineage", zap.Error(err))
		}
	}

	// Notification sinks
	sinks := []notify.Notifier{notify.NewLog(logger)}
	if cfg.Notify.Slack.Enabled && cfg.Notify.Slack.BotToken != "" {
		sinks = append(sinks, notify.NewSlack(cfg.Notify.Slack.BotToken, cfg.Notify.Slack.Channel, logger))
	}
	if cfg.Notify.Discord.Enabled && cfg.Notify.Discord.BotToken != "" {
		dn, dErr := notify.NewDiscord(cfg.Notify.Discord.BotToken, cfg.Notify.Discord.ChannelID, logger)
		if dErr != nil {
			logger.Warn("Discord unavailable", zap.Error(dErr))
		} else {
			sinks = append(sinks, dn)
		}
	}
	events := notify.NewFanout(logger, sinks...)

	// Semantic matcher (optional, needs Qdrant)
	reg := registry.New(cfg.AgentRegistry.MaxUnhealthyCount, logger)
	var matcher router.Matcher
	var index *vectorstore.Index
	if cfg.TaskRouting.Algorithm == router.StrategySemantic {
		embedder := embedding.FromConfig(cfg.Embedding)
		index, err = vectorstore.New(cfg.Qdrant, embedder, logger)
		if err != nil {
			logger.Warn("Qdrant unavailable, falling back to capability matching", zap.Error(err))
			cfg.TaskRouting.Algorithm = router.StrategyCapabilityMatch
		} else {
			matcher = index
		}
	}

	rt := router.New(reg, cfg.TaskRouting.Algorithm, cfg.TaskRouting.FallbackStrategy, matcher, logger)

	contexts := ctxstore.New(
		time.Duration(cfg.ContextMgmt.TTLMinutes)*time.Minute,
		cfg.ContextMgmt.MaxContexts, logger)
	msgBus := bus.New(cfg.Messaging.InboxSize, logger)

	orch := orchestrator.New(reg, rt, contexts, msgBus, kv, graph, events, orchestrator.Config{
		HealthInterval: time.Duration(cfg.AgentRegistry.HealthCheckInterval) * time.Second,
		TaskTimeout:    time.Duration(cfg.TaskRouting.TimeoutSeconds) * time.Second,
		MaxRetries:     *cfg.TaskRouting.MaxRetries,
		MaxConcurrent:  cfg.Orchestration.MaxConcurrentTasks,
		TaskRetention:  time.Duration(cfg.Orchestration.TaskRetentionHours) * time.Hour,
	}, logger)
	if index != nil {
		orch.SetIndexer(index)
	}

	engine := workflow.NewEngine(orch, events,
		cfg.Orchestration.MaxConcurrentWorkflows,
		time.Duration(cfg.Orchestration.WorkflowTimeoutMinutes)*time.Minute, logger)

	registerDemoAgents(orch, logger)

	rootCtx, cancel := context.WithCancel(context.Background())
	orch.Start(rootCtx)

	go contexts.Run(rootCtx, time.Duration(cfg.ContextMgmt.CleanupInterval)*time.Second)

	go func() {
		idle := time.Duration(cfg.Messaging.ChannelIdleMinutes) * time.Minute
		ticker := time.NewTicker(time.Duration(cfg.Messaging.PruneIntervalSecond) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case now := <-ticker.C:
				msgBus.PruneIdle(now, idle)
			}
		}
	}()

	handler := api.NewHandler(orch, engine, reg, contexts, msgBus, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("convoy listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down convoy...")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	srv.Shutdown(shutCtx)
	cancel()
	orch.Close()
	if kv != nil {
		kv.Close()
	}
	if graph != nil {
		graph.Close(shutCtx)
	}
	if index != nil {
		index.Close()
	}
}

func newLogger(level string) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		logger, _ = zap.NewDevelopment()
	}
	return logger
}

// registerDemoAgents wires a few built-in local agents so a fresh daemon
// can execute tasks out of the box.
func registerDemoAgents(orch *orchestrator.Orchestrator, logger *zap.Logger) {
	echo := agent.NewLocal("echo", agent.Capabilities{
		Tags:          []string{"diagnostics"},
		MaxConcurrent: 8,
		Profile:       "echoes request parameters back, useful for connectivity checks",
	}, logger)
	echo.Handle(agent.KindSpec{Kind: "echo"}, func(ctx context.Context, params map[string]any, conv *ctxstore.Context) (map[string]any, error) {
		return params, nil
	})

	sleeper := agent.NewLocal("sleeper", agent.Capabilities{
		Tags:          []string{"diagnostics"},
		MaxConcurrent: 4,
		Profile:       "waits a configurable duration, useful for timeout and cancellation drills",
	}, logger)
	sleeper.Handle(agent.KindSpec{
		Kind:   "sleep",
		Params: []agent.ParamSpec{{Name: "seconds", Type: "number", Required: true}},
	}, func(ctx context.Context, params map[string]any, conv *ctxstore.Context) (map[string]any, error) {
		secs, _ := params["seconds"].(float64)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(secs * float64(time.Second))):
			return map[string]any{"slept_seconds": secs}, nil
		}
	})

	for _, a := range []*agent.LocalAgent{echo, sleeper} {
		if err := orch.RegisterAgent(registry.Registration{Name: a.Name()}, a); err != nil {
			logger.Warn("demo agent registration failed", zap.String("agent", a.Name()), zap.Error(err))
		}
	}
	logger.Info("demo agents registered", zap.Strings("agents", []string{"echo", "sleeper"}))
}
