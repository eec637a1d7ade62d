package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/fenrir/convoy/internal/embedding"
	"github.com/fenrir/convoy/internal/vectorstore"
)

// Config is the top-level configuration structure.
type Config struct {
	Server        ServerConfig        `json:"server"`
	TaskRouting   TaskRoutingConfig   `json:"task_routing"`
	ContextMgmt   ContextConfig       `json:"context_management"`
	AgentRegistry RegistryConfig      `json:"agent_registry"`
	Orchestration OrchestrationConfig `json:"orchestration"`
	Messaging     MessagingConfig     `json:"messaging"`
	Persistence   PersistenceConfig   `json:"persistence"`
	Lineage       LineageConfig       `json:"lineage"`
	Embedding     embedding.Config    `json:"embedding"`
	Qdrant        vectorstore.Config  `json:"qdrant"`
	Notify        NotifyConfig        `json:"notify"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type TaskRoutingConfig struct {
	Algorithm        string `json:"algorithm"`
	FallbackStrategy string `json:"fallback_strategy"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
	// MaxRetries is a pointer so an explicit zero in the file disables
	// retries instead of being replaced by the default.
	MaxRetries *int `json:"max_retries"`
}

type ContextConfig struct {
	MaxContexts     int `json:"max_contexts"`
	TTLMinutes      int `json:"ttl_minutes"`
	CleanupInterval int `json:"cleanup_interval_seconds"`
}

type RegistryConfig struct {
	HealthCheckInterval int `json:"health_check_interval_seconds"`
	MaxUnhealthyCount   int `json:"max_unhealthy_count"`
}

type OrchestrationConfig struct {
	MaxConcurrentTasks     int `json:"max_concurrent_tasks"`
	MaxConcurrentWorkflows int `json:"max_concurrent_workflows"`
	WorkflowTimeoutMinutes int `json:"workflow_timeout_minutes"`
	TaskRetentionHours     int `json:"task_retention_hours"`
}

type MessagingConfig struct {
	InboxSize           int `json:"inbox_size"`
	ChannelIdleMinutes  int `json:"channel_idle_minutes"`
	PruneIntervalSecond int `json:"prune_interval_seconds"`
}

type PersistenceConfig struct {
	// Backend is "memory", "redis", or "postgres".
	Backend  string `json:"backend"`
	RedisURL string `json:"redis_url"`
	Postgres string `json:"postgres_dsn"`
}

type LineageConfig struct {
	Enabled  bool   `json:"enabled"`
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type NotifyConfig struct {
	Slack   SlackNotifyConfig   `json:"slack"`
	Discord DiscordNotifyConfig `json:"discord"`
}

type SlackNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DiscordNotifyConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references, and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a config with every default filled, used when no
// config file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.TaskRouting.Algorithm == "" {
		c.TaskRouting.Algorithm = "capability_match"
	}
	if c.TaskRouting.FallbackStrategy == "" {
		c.TaskRouting.FallbackStrategy = "round_robin"
	}
	if c.TaskRouting.TimeoutSeconds == 0 {
		c.TaskRouting.TimeoutSeconds = 300
	}
	if c.TaskRouting.MaxRetries == nil {
		retries := 3
		c.TaskRouting.MaxRetries = &retries
	}
	if c.ContextMgmt.MaxContexts == 0 {
		c.ContextMgmt.MaxContexts = 1000
	}
	if c.ContextMgmt.TTLMinutes == 0 {
		c.ContextMgmt.TTLMinutes = 60
	}
	if c.ContextMgmt.CleanupInterval == 0 {
		c.ContextMgmt.CleanupInterval = 60
	}
	if c.AgentRegistry.HealthCheckInterval == 0 {
		c.AgentRegistry.HealthCheckInterval = 30
	}
	if c.AgentRegistry.MaxUnhealthyCount == 0 {
		c.AgentRegistry.MaxUnhealthyCount = 3
	}
	if c.Orchestration.MaxConcurrentTasks == 0 {
		c.Orchestration.MaxConcurrentTasks = 16
	}
	if c.Orchestration.MaxConcurrentWorkflows == 0 {
		c.Orchestration.MaxConcurrentWorkflows = 4
	}
	if c.Orchestration.WorkflowTimeoutMinutes == 0 {
		c.Orchestration.WorkflowTimeoutMinutes = 30
	}
	if c.Orchestration.TaskRetentionHours == 0 {
		c.Orchestration.TaskRetentionHours = 24
	}
	if c.Messaging.InboxSize == 0 {
		c.Messaging.InboxSize = 100
	}
	if c.Messaging.ChannelIdleMinutes == 0 {
		c.Messaging.ChannelIdleMinutes = 30
	}
	if c.Messaging.PruneIntervalSecond == 0 {
		c.Messaging.PruneIntervalSecond = 60
	}
	if c.Persistence.Backend == "" {
		c.Persistence.Backend = "memory"
	}
}
