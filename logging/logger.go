// Package logging provides a tiny abstraction over slog so the orchestration
// core can depend on a minimal interface (Logger) while callers plug any
// structured logger. It also offers a richer MeshLogger with contextual
// helpers (component, execution, worker).
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger is the minimal logging interface used throughout TaskMesh.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NoOpLogger discards all log messages. It is the default everywhere a
// Logger is optional.
type NoOpLogger struct{}

// Debug discards the message.
func (NoOpLogger) Debug(string, ...any) {}

// Info discards the message.
func (NoOpLogger) Info(string, ...any) {}

// Warn discards the message.
func (NoOpLogger) Warn(string, ...any) {}

// Error discards the message.
func (NoOpLogger) Error(string, ...any) {}

// OrNoOp returns l, or a NoOpLogger when l is nil.
func OrNoOp(l Logger) Logger {
	if l == nil {
		return NoOpLogger{}
	}
	return l
}

// SlogAdapter wraps *slog.Logger to implement Logger.
type SlogAdapter struct {
	*slog.Logger
}

// NewSlogAdapter creates a Logger from *slog.Logger.
func NewSlogAdapter(logger *slog.Logger) Logger { return &SlogAdapter{Logger: logger} }

// Config configures construction of a MeshLogger.
type Config struct {
	Level     slog.Level
	Format    string // "json" or "text"
	Output    io.Writer
	AddSource bool
	Component string
}

// DefaultConfig returns a baseline JSON info-level configuration.
func DefaultConfig() *Config {
	return &Config{Level: slog.LevelInfo, Format: "json", Output: os.Stdout}
}

// MeshLogger wraps slog.Logger adding contextual cloning helpers and domain
// convenience methods. With* methods are cheap and return copies.
type MeshLogger struct {
	logger      *slog.Logger
	component   string
	executionID string
	workerID    string
	attrs       map[string]any
}

// New builds a MeshLogger from a config (or defaults when nil).
func New(cfg *Config) *MeshLogger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	opts := &slog.HandlerOptions{Level: cfg.Level, AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}
	return &MeshLogger{logger: slog.New(handler), component: cfg.Component, attrs: map[string]any{}}
}

func (l *MeshLogger) clone() *MeshLogger {
	nl := *l
	nl.attrs = make(map[string]any, len(l.attrs))
	for k, v := range l.attrs {
		nl.attrs[k] = v
	}
	return &nl
}

// WithComponent sets the logical component (broker, reconciler, session).
func (l *MeshLogger) WithComponent(c string) *MeshLogger {
	nl := l.clone()
	nl.component = c
	return nl
}

// WithExecution attaches a task execution id to every entry.
func (l *MeshLogger) WithExecution(executionID string) *MeshLogger {
	nl := l.clone()
	nl.executionID = executionID
	return nl
}

// WithWorker attaches a worker id to every entry.
func (l *MeshLogger) WithWorker(workerID string) *MeshLogger {
	nl := l.clone()
	nl.workerID = workerID
	return nl
}

// WithAttr attaches an arbitrary attribute to every entry.
func (l *MeshLogger) WithAttr(key string, value any) *MeshLogger {
	nl := l.clone()
	nl.attrs[key] = value
	return nl
}

func (l *MeshLogger) buildAttrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, len(l.attrs)+3)
	if l.component != "" {
		attrs = append(attrs, slog.String("component", l.component))
	}
	if l.executionID != "" {
		attrs = append(attrs, slog.String("execution_id", l.executionID))
	}
	if l.workerID != "" {
		attrs = append(attrs, slog.String("worker_id", l.workerID))
	}
	for k, v := range l.attrs {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}

func (l *MeshLogger) log(level slog.Level, msg string, args ...any) {
	attrs := l.buildAttrs()
	l.logger.LogAttrs(context.Background(), level, msg, append(attrs, argsToAttrs(args)...)...)
}

func argsToAttrs(args []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, slog.Any(key, args[i+1]))
	}
	return attrs
}

// Debug logs at debug level.
func (l *MeshLogger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }

// Info logs at info level.
func (l *MeshLogger) Info(msg string, args ...any) { l.log(slog.LevelInfo, msg, args...) }

// Warn logs at warn level.
func (l *MeshLogger) Warn(msg string, args ...any) { l.log(slog.LevelWarn, msg, args...) }

// Error logs at error level.
func (l *MeshLogger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }
