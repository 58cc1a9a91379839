package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/tutorchat/internal/config"
)

func withConfigFile(t *testing.T, body string) {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(body), 0o600))
	orig := paths
	t.Cleanup(func() { paths = orig })
	paths.Config = file
}

func TestConfigTreeEffective(t *testing.T) {
	withConfigFile(t, "queue:\n  batchSize: 5\n")

	tree, err := configTree(false)
	require.NoError(t, err)

	v, ok := config.GetValueAtPath(tree, []string{"queue", "batchSize"})
	require.True(t, ok)
	assert.Equal(t, 5, v)

	v, ok = config.GetValueAtPath(tree, []string{"queue", "maxRetries"})
	require.True(t, ok, "defaults are visible")
	assert.Equal(t, 3, v)
}

func TestConfigTreeRaw(t *testing.T) {
	withConfigFile(t, "queue:\n  batchSize: 5\n")

	tree, err := configTree(true)
	require.NoError(t, err)

	_, ok := config.GetValueAtPath(tree, []string{"queue", "maxRetries"})
	assert.False(t, ok)
}

func TestApplyLogFlags(t *testing.T) {
	origLevel, origStyle := logLevel, logStyle
	t.Cleanup(func() { logLevel, logStyle = origLevel, origStyle })

	cfg := config.LoggingConfig{Level: "info", ConsoleStyle: "pretty"}
	logLevel, logStyle = "", "json"
	applyLogFlags(&cfg)
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.ConsoleStyle)

	logLevel = "debug"
	applyLogFlags(&cfg)
	assert.Equal(t, "debug", cfg.Level)
}

func TestPrintValue(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printValue(&buf, 3))
	assert.Equal(t, "3\n", buf.String())

	buf.Reset()
	require.NoError(t, printValue(&buf, map[string]any{"maxRetries": 3}))
	assert.Equal(t, "maxRetries: 3\n", buf.String())
}
