package config

import (
	"fmt"
	"slices"

	"github.com/soyeahso/tutorchat/internal/logging"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue
	add := func(path, format string, args ...any) {
		issues = append(issues, ValidationIssue{Path: path, Message: fmt.Sprintf(format, args...)})
	}
	oneOf := func(path, value string, valid []string) {
		if value != "" && !slices.Contains(valid, value) {
			add(path, "must be one of %v, got %q", valid, value)
		}
	}

	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		add("gateway.port", "port must be 0-65535, got %d", cfg.Gateway.Port)
	}
	oneOf("gateway.bind", cfg.Gateway.Bind, []string{"loopback", "lan", "custom"})
	oneOf("gateway.auth.mode", cfg.Gateway.Auth.Mode, []string{"token", "password"})

	oneOf("store.backend", cfg.Store.Backend, []string{"memory", "redis"})
	oneOf("store.memory", cfg.Store.Memory, []string{"memory", "sqlite"})
	oneOf("push.mode", cfg.Push.Mode, []string{"local", "redis"})
	oneOf("queue.deadLetter", cfg.Queue.DeadLetter, []string{"broker", "sqlite", "postgres"})
	oneOf("generation.provider", cfg.Generation.Provider, []string{"ollama", "mock"})

	needsRedis := cfg.Store.Backend == "redis" || cfg.Push.Mode == "redis"
	if needsRedis && cfg.Redis.URL == "" {
		add("redis.url", "required when store.backend or push.mode is redis")
	}
	if cfg.Push.Mode == "redis" && cfg.Store.Backend != "redis" {
		add("push.mode", "redis push requires store.backend: redis")
	}
	if cfg.Queue.DeadLetter == "postgres" && cfg.Store.PostgresURL == "" {
		add("store.postgresUrl", "required when queue.deadLetter is postgres")
	}

	if cfg.Queue.MaxRetries < 0 {
		add("queue.maxRetries", "must be >= 0, got %d", cfg.Queue.MaxRetries)
	}
	if cfg.Queue.BaseDelay < 0 || cfg.Queue.MaxDelay < cfg.Queue.BaseDelay {
		add("queue.maxDelay", "must be >= queue.baseDelay (%s), got %s", cfg.Queue.BaseDelay, cfg.Queue.MaxDelay)
	}
	if cfg.Queue.BatchSize < 1 {
		add("queue.batchSize", "must be >= 1, got %d", cfg.Queue.BatchSize)
	}
	if cfg.Queue.Concurrency < 1 {
		add("queue.concurrency", "must be >= 1, got %d", cfg.Queue.Concurrency)
	}

	if cfg.RateLimit.Messages < 1 {
		add("rateLimit.messages", "must be >= 1, got %d", cfg.RateLimit.Messages)
	}
	if cfg.Chat.MaxMessageBytes < 1 {
		add("chat.maxMessageBytes", "must be >= 1, got %d", cfg.Chat.MaxMessageBytes)
	}
	if cfg.Generation.Provider == "ollama" && cfg.Generation.Model == "" {
		add("generation.model", "required for the ollama provider")
	}

	if lvl := cfg.Logging.Level; lvl != "" && !logging.ValidLevel(lvl) {
		add("logging.level", "unknown level %q", lvl)
	}
	oneOf("logging.consoleStyle", cfg.Logging.ConsoleStyle, []string{"pretty", "json"})

	return issues
}
