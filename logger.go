package quiver

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with quiver-specific helpers so every operation
// logs the same field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler. A nil handler falls
// back to a text handler on stderr at info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{Logger: slog.New(handler)}
}

// LogBuild logs one index build.
func (l *Logger) LogBuild(ctx context.Context, name, uuid string, rows int, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "index build failed",
			"index", name,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "index build completed",
		"index", name,
		"uuid", uuid,
		"rows", rows,
		"elapsed", elapsed,
	)
}

// LogSearch logs one search.
func (l *Logger) LogSearch(ctx context.Context, column string, k, found int, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"column", column,
			"k", k,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "search completed",
		"column", column,
		"k", k,
		"results", found,
		"elapsed", elapsed,
	)
}

// LogOptimize logs one optimize pass.
func (l *Logger) LogOptimize(ctx context.Context, name string, deltas, merged int, retrain bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "optimize failed",
			"index", name,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "optimize completed",
		"index", name,
		"deltas_built", deltas,
		"generations_merged", merged,
		"retrain", retrain,
	)
}

// LogDrop logs an index drop.
func (l *Logger) LogDrop(ctx context.Context, name string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "drop index failed",
			"index", name,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "index dropped",
		"index", name,
	)
}
