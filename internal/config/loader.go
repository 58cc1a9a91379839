package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// expandSensitiveFields processes environment variable references in
// credential and connection-string fields.
func expandSensitiveFields(cfg *Config) {
	cfg.Gateway.Auth.Token = expandEnvVars(cfg.Gateway.Auth.Token)
	cfg.Gateway.Auth.Password = expandEnvVars(cfg.Gateway.Auth.Password)
	cfg.Redis.URL = expandEnvVars(cfg.Redis.URL)
	cfg.Store.PostgresURL = expandEnvVars(cfg.Store.PostgresURL)
}

// Load reads the config file, applies environment overrides, and returns
// a merged Config. Missing files produce defaults only. A .env file in the
// working directory is loaded first when present.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	expandSensitiveFields(&cfg)
	return cfg, nil
}

// LoadRaw reads the config file into a generic map for path-based access.
func LoadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}
	return raw, nil
}

// applyDefaults fills zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	d := Defaults()

	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = d.Gateway.Port
	}
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = d.Gateway.Bind
	}
	if cfg.Gateway.Auth.Mode == "" {
		cfg.Gateway.Auth.Mode = d.Gateway.Auth.Mode
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = d.Store.Backend
	}
	if cfg.Store.Memory == "" {
		cfg.Store.Memory = d.Store.Memory
	}

	q := &cfg.Queue
	if q.Name == "" {
		q.Name = d.Queue.Name
	}
	if q.MaxRetries == 0 {
		q.MaxRetries = d.Queue.MaxRetries
	}
	if q.BaseDelay == 0 {
		q.BaseDelay = d.Queue.BaseDelay
	}
	if q.MaxDelay == 0 {
		q.MaxDelay = d.Queue.MaxDelay
	}
	if q.BatchSize == 0 {
		q.BatchSize = d.Queue.BatchSize
	}
	if q.Concurrency == 0 {
		q.Concurrency = d.Queue.Concurrency
	}
	if q.PollInterval == 0 {
		q.PollInterval = d.Queue.PollInterval
	}
	if q.VisibilityTimeout == 0 {
		q.VisibilityTimeout = d.Queue.VisibilityTimeout
	}
	if q.DedupWindow == 0 {
		q.DedupWindow = d.Queue.DedupWindow
	}
	if q.DeadLetter == "" {
		q.DeadLetter = d.Queue.DeadLetter
	}

	if cfg.Push.Mode == "" {
		cfg.Push.Mode = d.Push.Mode
	}

	rl := &cfg.RateLimit
	if rl.Messages == 0 {
		rl.Messages = d.RateLimit.Messages
	}
	if rl.Window == 0 {
		rl.Window = d.RateLimit.Window
	}
	if rl.HandshakeFailures == 0 {
		rl.HandshakeFailures = d.RateLimit.HandshakeFailures
	}
	if rl.HandshakeWindow == 0 {
		rl.HandshakeWindow = d.RateLimit.HandshakeWindow
	}

	g := &cfg.Generation
	if g.Provider == "" {
		g.Provider = d.Generation.Provider
	}
	if g.Endpoint == "" && g.Provider == "ollama" {
		g.Endpoint = d.Generation.Endpoint
	}
	if g.Model == "" {
		g.Model = d.Generation.Model
	}
	if g.Timeout == 0 {
		g.Timeout = d.Generation.Timeout
	}
	if g.HistoryTurns == 0 {
		g.HistoryTurns = d.Generation.HistoryTurns
	}

	if cfg.Chat.MaxMessageBytes == 0 {
		cfg.Chat.MaxMessageBytes = d.Chat.MaxMessageBytes
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Logging.ConsoleStyle == "" {
		cfg.Logging.ConsoleStyle = d.Logging.ConsoleStyle
	}
}

// applyEnvOverrides reads TUTORCHAT_* environment variables and overrides config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TUTORCHAT_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("TUTORCHAT_GATEWAY_BIND"); v != "" {
		cfg.Gateway.Bind = v
	}
	if v := os.Getenv("TUTORCHAT_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Token = v
	}
	if v := os.Getenv("TUTORCHAT_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("TUTORCHAT_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("TUTORCHAT_POSTGRES_URL"); v != "" {
		cfg.Store.PostgresURL = v
	}
	if v := os.Getenv("TUTORCHAT_PUSH_MODE"); v != "" {
		cfg.Push.Mode = v
	}
	if v := os.Getenv("TUTORCHAT_GENERATION_MODEL"); v != "" {
		cfg.Generation.Model = v
	}
	if v := os.Getenv("TUTORCHAT_GENERATION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Generation.Timeout = d
		}
	}
	if v := os.Getenv("TUTORCHAT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
}
