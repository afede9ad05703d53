package activity

import (
	"context"
	"log/slog"
)

// ErrorSink receives failures from best-effort writes.
type ErrorSink interface {
	Report(ctx context.Context, rec Record, err error)
}

// ErrorSinkFunc adapts a function to ErrorSink.
type ErrorSinkFunc func(ctx context.Context, rec Record, err error)

// Report implements ErrorSink.
func (f ErrorSinkFunc) Report(ctx context.Context, rec Record, err error) {
	f(ctx, rec, err)
}

// LogSink reports failures as warnings on a logger.
type LogSink struct {
	Logger *slog.Logger
}

// Report implements ErrorSink.
func (s LogSink) Report(ctx context.Context, rec Record, err error) {
	s.Logger.WarnContext(ctx, "dropped activity record",
		"session_id", rec.SessionID,
		"operation", rec.Operation,
		"error", err)
}
