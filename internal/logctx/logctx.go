package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey    contextKey = "logger"
	runIDKey     contextKey = "run_id"
	accessionKey contextKey = "accession"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// WithRun tags every record logged with ctx by a TraceHandler with the given run id.
func WithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunID returns the run id stored in ctx, or an empty string.
func RunID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok {
		return id
	}
	return ""
}

// WithAccession tags every record logged with ctx by a TraceHandler with the project accession.
func WithAccession(ctx context.Context, accession string) context.Context {
	return context.WithValue(ctx, accessionKey, accession)
}

// Accession returns the project accession stored in ctx, or an empty string.
func Accession(ctx context.Context) string {
	if a, ok := ctx.Value(accessionKey).(string); ok {
		return a
	}
	return ""
}
