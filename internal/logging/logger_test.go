package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "info")
	require.NotNil(t, log)

	log.Info().Msg("connection registered")
	assert.Contains(t, buf.String(), "connection registered")
}

func TestNewStyled(t *testing.T) {
	assert.NotNil(t, NewStyled("json", "info"))
	assert.NotNil(t, NewStyled("pretty", "info"))
}

func TestSub(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "debug")
	sub := log.Sub("registry")

	sub.Info().Msg("sub message")
	output := buf.String()
	assert.Contains(t, output, "sub message")
	assert.Contains(t, output, `"subsystem":"registry"`)
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "debug").Sub("session").With("connId", "c-42")

	log.Warn().Msg("not in a session")
	output := buf.String()
	assert.Contains(t, output, `"connId":"c-42"`)
	assert.Contains(t, output, `"subsystem":"session"`)
}

func TestNop(t *testing.T) {
	log := Nop()
	log.Error().Msg("dropped")
	assert.Equal(t, zerolog.Disabled, log.Zerolog().GetLevel())
}

func TestLogLevels(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn")

	log.Debug().Msg("debug msg")
	log.Info().Msg("info msg")
	assert.Empty(t, buf.String(), "debug and info should be filtered at warn level")

	log.Warn().Msg("warn msg")
	assert.Contains(t, buf.String(), "warn msg")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"silent", zerolog.Disabled},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.input))
		})
	}
}

func TestValidLevel(t *testing.T) {
	assert.True(t, ValidLevel("silent"))
	assert.True(t, ValidLevel("debug"))
	assert.False(t, ValidLevel("verbose"))
	assert.False(t, ValidLevel(""))
}

func TestConnAndMessage(t *testing.T) {
	var buf bytes.Buffer
	root := New(&buf, "debug")

	root.Conn("c-1", "alice").Info().Msg("connected")
	assert.Contains(t, buf.String(), `"connId":"c-1"`)
	assert.Contains(t, buf.String(), `"userId":"alice"`)

	buf.Reset()
	root.Conn("c-2", "").Info().Msg("anonymous")
	assert.NotContains(t, buf.String(), "userId")

	buf.Reset()
	root.Message("m-1", "S1").Info().Msg("queued")
	assert.Contains(t, buf.String(), `"messageId":"m-1"`)
	assert.Contains(t, buf.String(), `"sessionId":"S1"`)
}
