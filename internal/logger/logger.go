// Package logger provides the structured logger used across every eyeflow
// component.
package logger

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Logger wraps slog.Logger with the contextual helpers components expect.
type Logger struct {
	*slog.Logger
}

// New creates a logger. format "json" uses slog's JSON handler (production);
// anything else uses tint for colored console output (development).
func New(level, format string) *Logger {
	var handler slog.Handler
	lvl := parseLevel(level)

	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      lvl,
			TimeFormat: time.TimeOnly,
		})
	}

	return &Logger{Logger: slog.New(handler)}
}

type traceIDKey struct{}

// WithTraceID attaches a trace id to a context for WithContext to pick up.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// WithContext returns a logger carrying the trace id found in ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if traceID, ok := ctx.Value(traceIDKey{}).(string); ok && traceID != "" {
		return &Logger{Logger: l.With("trace_id", traceID)}
	}
	return l
}

// WithNodeID returns a logger with node_id bound.
func (l *Logger) WithNodeID(nodeID string) *Logger {
	return &Logger{Logger: l.With("node_id", nodeID)}
}

// WithWorkflow returns a logger with workflow id/version bound.
func (l *Logger) WithWorkflow(workflowID, workflowVersion string) *Logger {
	return &Logger{Logger: l.With("workflow_id", workflowID, "workflow_version", workflowVersion)}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
