package config

import "time"

// Config is the root configuration for tutorchat.
type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway,omitempty"`
	Redis      RedisConfig      `yaml:"redis,omitempty"`
	Store      StoreConfig      `yaml:"store,omitempty"`
	Queue      QueueConfig      `yaml:"queue,omitempty"`
	Push       PushConfig       `yaml:"push,omitempty"`
	RateLimit  RateLimitConfig  `yaml:"rateLimit,omitempty"`
	Generation GenerationConfig `yaml:"generation,omitempty"`
	Chat       ChatConfig       `yaml:"chat,omitempty"`
	Logging    LoggingConfig    `yaml:"logging,omitempty"`
}

// GatewayConfig controls the HTTP/WebSocket server.
type GatewayConfig struct {
	Port           int         `yaml:"port,omitempty"`
	Bind           string      `yaml:"bind,omitempty"` // "loopback" | "lan" | "custom"
	CustomBindHost string      `yaml:"customBindHost,omitempty"`
	Auth           GatewayAuth `yaml:"auth,omitempty"`
	AllowedOrigins []string    `yaml:"allowedOrigins,omitempty"`
}

// GatewayAuth configures the connect handshake.
type GatewayAuth struct {
	Mode     string `yaml:"mode,omitempty"` // "token" | "password"
	Token    string `yaml:"token,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// RedisConfig points at the shared Redis used by every instance.
type RedisConfig struct {
	URL string `yaml:"url,omitempty"`
}

// StoreConfig selects where shared state lives.
type StoreConfig struct {
	Backend     string `yaml:"backend,omitempty"` // "memory" | "redis"
	Memory      string `yaml:"memory,omitempty"`  // conversation memory: "memory" | "sqlite"
	SQLitePath  string `yaml:"sqlitePath,omitempty"`
	PostgresURL string `yaml:"postgresUrl,omitempty"`
}

// QueueConfig tunes the processing queue and its consumer.
type QueueConfig struct {
	Name              string        `yaml:"name,omitempty"`
	MaxRetries        int           `yaml:"maxRetries,omitempty"`
	BaseDelay         time.Duration `yaml:"baseDelay,omitempty"`
	MaxDelay          time.Duration `yaml:"maxDelay,omitempty"`
	BatchSize         int           `yaml:"batchSize,omitempty"`
	Concurrency       int           `yaml:"concurrency,omitempty"`
	PollInterval      time.Duration `yaml:"pollInterval,omitempty"`
	VisibilityTimeout time.Duration `yaml:"visibilityTimeout,omitempty"`
	DedupWindow       time.Duration `yaml:"dedupWindow,omitempty"`
	DeadLetter        string        `yaml:"deadLetter,omitempty"` // "broker" | "sqlite" | "postgres"
}

// PushConfig selects how bytes reach live connections.
type PushConfig struct {
	Mode string `yaml:"mode,omitempty"` // "local" | "redis"
}

// RateLimitConfig bounds per-user message sends and handshake failures.
type RateLimitConfig struct {
	Messages          int           `yaml:"messages,omitempty"`
	Window            time.Duration `yaml:"window,omitempty"`
	HandshakeFailures int           `yaml:"handshakeFailures,omitempty"`
	HandshakeWindow   time.Duration `yaml:"handshakeWindow,omitempty"`
}

// GenerationConfig configures the AI generation collaborator.
type GenerationConfig struct {
	Provider     string        `yaml:"provider,omitempty"` // "ollama" | "mock"
	Endpoint     string        `yaml:"endpoint,omitempty"`
	Model        string        `yaml:"model,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	HistoryTurns int           `yaml:"historyTurns,omitempty"`
	Temperature  *float64      `yaml:"temperature,omitempty"`
}

// ChatConfig holds limits applied to inbound client actions.
type ChatConfig struct {
	MaxMessageBytes int `yaml:"maxMessageBytes,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"`        // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "json"
}
