package hermes

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the JSON slog logger used by every binary.
func NewLogger(level string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// ParseLevel maps a config string to a slog level, defaulting to INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type SlogAdapter struct {
	logger *slog.Logger
}

func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return &SlogAdapter{
		logger: logger,
	}
}

func (l *SlogAdapter) Info(ctx context.Context, msg string, fields map[string]any) {
	l.logger.InfoContext(ctx, msg, attrs(fields)...)
}

func (l *SlogAdapter) Warn(ctx context.Context, msg string, fields map[string]any) {
	l.logger.WarnContext(ctx, msg, attrs(fields)...)
}

func (l *SlogAdapter) Error(ctx context.Context, msg string, fields map[string]any) {
	l.logger.ErrorContext(ctx, msg, attrs(fields)...)
}

// Slog exposes the underlying logger for components that take *slog.Logger.
func (l *SlogAdapter) Slog() *slog.Logger {
	return l.logger
}

func attrs(fields map[string]any) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

type NoopLogger struct{}

func (NoopLogger) Info(ctx context.Context, msg string, fields map[string]any)  {}
func (NoopLogger) Warn(ctx context.Context, msg string, fields map[string]any)  {}
func (NoopLogger) Error(ctx context.Context, msg string, fields map[string]any) {}

type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics {
	return &NoopMetrics{}
}

func (m *NoopMetrics) IncCounter(name string, value float64, labels ...Label)       {}
func (m *NoopMetrics) ObserveHistogram(name string, value float64, labels ...Label) {}
func (m *NoopMetrics) SetGauge(name string, value float64, labels ...Label)         {}
