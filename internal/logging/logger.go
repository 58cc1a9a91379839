// Package logging wraps zerolog with subsystem-scoped child loggers.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog to provide subsystem-scoped child loggers.
type Logger struct {
	zl zerolog.Logger
}

// New creates a root logger writing to the given writer at the specified level.
// If w is nil, defaults to pretty console output on stderr.
func New(w io.Writer, level string) *Logger {
	if w == nil {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	zl := zerolog.New(w).With().Timestamp().Logger()
	zl = zl.Level(parseLevel(level))
	return &Logger{zl: zl}
}

// NewStyled creates a root logger on stderr using the configured console style.
// "json" emits one JSON object per line, anything else uses the console writer.
func NewStyled(style, level string) *Logger {
	if style == "json" {
		return New(os.Stderr, level)
	}
	return New(nil, level)
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// Sub returns a child logger tagged with a subsystem name.
func (l *Logger) Sub(subsystem string) *Logger {
	return &Logger{zl: l.zl.With().Str("subsystem", subsystem).Logger()}
}

// With returns a child logger carrying an extra string field on every event.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{zl: l.zl.With().Str(key, value).Logger()}
}

// Conn returns a child logger scoped to one socket connection. An empty
// userID is left out.
func (l *Logger) Conn(connID, userID string) *Logger {
	c := l.zl.With().Str("connId", connID)
	if userID != "" {
		c = c.Str("userId", userID)
	}
	return &Logger{zl: c.Logger()}
}

// Message returns a child logger scoped to one chat message.
func (l *Logger) Message(messageID, sessionID string) *Logger {
	return &Logger{zl: l.zl.With().
		Str("messageId", messageID).
		Str("sessionId", sessionID).
		Logger()}
}

// Debug logs at debug level.
func (l *Logger) Debug() *zerolog.Event { return l.zl.Debug() }

// Info logs at info level.
func (l *Logger) Info() *zerolog.Event { return l.zl.Info() }

// Warn logs at warn level.
func (l *Logger) Warn() *zerolog.Event { return l.zl.Warn() }

// Error logs at error level.
func (l *Logger) Error() *zerolog.Event { return l.zl.Error() }

// Fatal logs at fatal level and exits.
func (l *Logger) Fatal() *zerolog.Event { return l.zl.Fatal() }

// Zerolog returns the underlying zerolog.Logger for advanced use.
func (l *Logger) Zerolog() zerolog.Logger { return l.zl }

// ValidLevel reports whether s names a level understood by New.
func ValidLevel(s string) bool {
	_, ok := levels[s]
	return ok
}

var levels = map[string]zerolog.Level{
	"trace":  zerolog.TraceLevel,
	"debug":  zerolog.DebugLevel,
	"info":   zerolog.InfoLevel,
	"warn":   zerolog.WarnLevel,
	"error":  zerolog.ErrorLevel,
	"fatal":  zerolog.FatalLevel,
	"silent": zerolog.Disabled,
}

func parseLevel(s string) zerolog.Level {
	if lvl, ok := levels[s]; ok {
		return lvl
	}
	return zerolog.InfoLevel
}
