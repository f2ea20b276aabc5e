// Package logging provides structured logging helpers built on log/slog,
// plus context plumbing so request- and run-scoped loggers flow through
// the pipeline.
package logging

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
)

type contextKey struct{}

var loggerKey = contextKey{}

// WithLogger returns a context carrying the given logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored in the context, or slog.Default()
// when none was attached.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// LogOperation logs a named operation at info level with optional attributes.
func LogOperation(logger *slog.Logger, operation string, attrs ...slog.Attr) {
	logger.LogAttrs(context.Background(), slog.LevelInfo, operation, attrs...)
}

// LogError logs an error with its message and optional attributes.
func LogError(logger *slog.Logger, msg string, err error, attrs ...slog.Attr) {
	all := make([]slog.Attr, 0, len(attrs)+1)
	all = append(all, slog.Any("error", err))
	all = append(all, attrs...)
	logger.LogAttrs(context.Background(), slog.LevelError, msg, all...)
}

// LogHTTPRequest logs a completed HTTP request with method, path, status
// and duration in milliseconds.
func LogHTTPRequest(logger *slog.Logger, method, path string, status int, durationMs float64, attrs ...slog.Attr) {
	all := make([]slog.Attr, 0, len(attrs)+4)
	all = append(all,
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Float64("duration_ms", durationMs),
	)
	all = append(all, attrs...)
	logger.LogAttrs(context.Background(), slog.LevelInfo, "http_request", all...)
}

// SafeRollbackWithLogging rolls back a transaction, logging any rollback
// failure other than sql.ErrTxDone (which means the tx already committed).
// Intended for use in defer statements.
func SafeRollbackWithLogging(tx *sql.Tx, logger *slog.Logger, operation string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		LogError(logger, "transaction rollback failed", err,
			slog.String("operation", operation))
	}
}

// SafeCloseWithLogging closes an io.Closer, logging close failures instead
// of discarding them. Intended for use in defer statements.
func SafeCloseWithLogging(c io.Closer, logger *slog.Logger, name string) {
	if err := c.Close(); err != nil {
		LogError(logger, "close failed", err, slog.String("resource", name))
	}
}
