package cocytus

import (
	"context"
	"log/slog"
)

// LogSink is a simple Dead Letter Sink that logs failed audit calls to the standard logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a new LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{
		logger: logger,
	}
}

// Write logs the dead letter record at ERROR level.
func (s *LogSink) Write(ctx context.Context, rec *Record) error {
	s.logger.ErrorContext(ctx, "Audit dead letter",
		"channel", rec.Channel,
		"operation", rec.Operation,
		"request_id", rec.RequestID,
		"kind", rec.Kind,
		"reason", rec.Reason,
		"created_at", rec.CreatedAt,
	)
	return nil
}
