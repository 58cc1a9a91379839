package config

import (
	"fmt"
	"time"
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	return Config{
		Gateway: GatewayConfig{
			Port: 8470,
			Bind: "loopback",
			Auth: GatewayAuth{Mode: "token"},
		},
		Store: StoreConfig{
			Backend: "memory",
			Memory:  "sqlite",
		},
		Queue: QueueConfig{
			Name:              "chat",
			MaxRetries:        3,
			BaseDelay:         10 * time.Second,
			MaxDelay:          300 * time.Second,
			BatchSize:         10,
			Concurrency:       4,
			PollInterval:      time.Second,
			VisibilityTimeout: 2 * time.Minute,
			DedupWindow:       5 * time.Minute,
			DeadLetter:        "broker",
		},
		Push: PushConfig{
			Mode: "local",
		},
		RateLimit: RateLimitConfig{
			Messages:          30,
			Window:            time.Minute,
			HandshakeFailures: 10,
			HandshakeWindow:   5 * time.Minute,
		},
		Generation: GenerationConfig{
			Provider:     "ollama",
			Endpoint:     "http://localhost:11434",
			Model:        "llama3.1",
			Timeout:      60 * time.Second,
			HistoryTurns: 20,
		},
		Chat: ChatConfig{
			MaxMessageBytes: 4000,
		},
		Logging: LoggingConfig{
			Level:        "info",
			ConsoleStyle: "pretty",
		},
	}
}
