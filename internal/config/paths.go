package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const defaultBaseDir = ".tutorchat"

// Paths are the on-disk locations used by the CLI. Everything lives under
// Base, which is $TUTORCHAT_HOME or ~/.tutorchat.
type Paths struct {
	Base   string
	Config string
	Data   string
}

// ResolvePaths computes Paths for the current user.
func ResolvePaths() (Paths, error) {
	base := os.Getenv("TUTORCHAT_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, err
		}
		base = filepath.Join(home, defaultBaseDir)
	}

	return Paths{
		Base:   base,
		Config: filepath.Join(base, "config.yaml"),
		Data:   filepath.Join(base, "data"),
	}, nil
}

// SQLitePath returns the configured SQLite file, defaulting into the data dir.
func (p Paths) SQLitePath(cfg StoreConfig) string {
	if cfg.SQLitePath != "" {
		return cfg.SQLitePath
	}
	return filepath.Join(p.Data, "tutorchat.db")
}

// ParseConfigPath splits a dotted key such as "queue.maxRetries" or
// "gateway.allowedOrigins.0" into segments.
func ParseConfigPath(raw string) ([]string, error) {
	if raw == "" {
		return nil, &ConfigError{Message: "empty config path"}
	}
	parts := strings.Split(raw, ".")
	if slices.Contains(parts, "") {
		return nil, &ConfigError{Message: fmt.Sprintf("config path %q contains empty segment", raw)}
	}
	return parts, nil
}

// GetValueAtPath walks a decoded YAML tree. Numeric segments index into
// sequences.
func GetValueAtPath(root map[string]any, path []string) (any, bool) {
	var node any = root
	for _, seg := range path {
		switch n := node.(type) {
		case map[string]any:
			v, ok := n[seg]
			if !ok {
				return nil, false
			}
			node = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(n) {
				return nil, false
			}
			node = n[i]
		default:
			return nil, false
		}
	}
	return node, true
}
