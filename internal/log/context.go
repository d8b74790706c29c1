package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	runIDKey  ctxKey = "run_id"
	taskIDKey ctxKey = "task"
)

// ContextWithRunID stores the run id in the context.
func ContextWithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// ContextWithTask stores the task key in the context.
func ContextWithTask(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, taskIDKey, key)
}

// RunIDFromContext extracts the run id from context if present.
func RunIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey).(string); ok {
		return v
	}
	return ""
}

// TaskFromContext extracts the task key from context if present.
func TaskFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey).(string); ok {
		return v
	}
	return ""
}

// WithContext enriches the supplied logger with run and task fields from
// the context.
func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	builder := logger.With()
	added := false
	if rid := RunIDFromContext(ctx); rid != "" {
		builder = builder.Str("run_id", rid)
		added = true
	}
	if task := TaskFromContext(ctx); task != "" {
		builder = builder.Str("task", task)
		added = true
	}
	if !added {
		return logger
	}
	return builder.Logger()
}
