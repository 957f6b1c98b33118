package audit

import (
	"context"
	"time"

	"github.com/mnemosyne-audit/mnemosyne/pkg/cocytus"
	"github.com/mnemosyne-audit/mnemosyne/pkg/domain"
	"github.com/mnemosyne-audit/mnemosyne/pkg/hermes"
	"github.com/mnemosyne-audit/mnemosyne/pkg/hermes/perf"
	"github.com/mnemosyne-audit/mnemosyne/pkg/requestcontext"
	"github.com/mnemosyne-audit/mnemosyne/pkg/themis"
)

// Escalator makes a failed log call visible to operators. It must never
// block or fail the caller.
type Escalator interface {
	Escalate(ctx context.Context, rec *cocytus.Record)
}

// Logger is the audit logger. One instance is built at startup and injected
// into callers; it owns the per-chain locks through its ChainHasher.
type Logger struct {
	serializer *Serializer
	hasher     *ChainHasher
	escalator  Escalator
	log        hermes.Logger
	metrics    hermes.Metrics
	now        func() time.Time
}

type Option func(*Logger)

func WithEscalator(e Escalator) Option {
	return func(l *Logger) { l.escalator = e }
}

func WithLogger(lg hermes.Logger) Option {
	return func(l *Logger) { l.log = lg }
}

func WithMetrics(m hermes.Metrics) Option {
	return func(l *Logger) { l.metrics = m }
}

func NewLogger(serializer *Serializer, hasher *ChainHasher, opts ...Option) *Logger {
	l := &Logger{
		serializer: serializer,
		hasher:     hasher,
		log:        hermes.NoopLogger{},
		metrics:    hermes.NewNoopMetrics(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Log builds, redacts, chains and durably appends one entry. Any failure
// fails the whole call and is escalated; nothing partial is written.
func (l *Logger) Log(ctx context.Context, channel domain.Channel, op domain.Operation, ev Event) (*domain.LogEntry, error) {
	entry, err := l.Prepare(ctx, channel, op, ev)
	if err != nil {
		return nil, err
	}
	return l.Commit(ctx, entry)
}

// Prepare runs everything up to chaining: validation, identifier hashing,
// redaction and timestamping. The result contains no PHI and may be queued.
func (l *Logger) Prepare(ctx context.Context, channel domain.Channel, op domain.Operation, ev Event) (*domain.LogEntry, error) {
	entry, err := l.serializer.Build(ctx, channel, op, ev)
	if err != nil {
		requestID := ev.RequestID
		if requestID == "" {
			requestID = requestcontext.RequestID(ctx)
		}
		l.fail(ctx, channel, op, requestID, err)
		return nil, err
	}
	return entry, nil
}

// Commit chains and appends a prepared entry.
func (l *Logger) Commit(ctx context.Context, entry *domain.LogEntry) (*domain.LogEntry, error) {
	out, err := l.hasher.Append(ctx, entry)
	if err != nil {
		l.fail(ctx, entry.Channel, entry.Operation, entry.RequestID, err)
		return nil, err
	}
	return out, nil
}

// TryLog is Log for business code that must not fail because auditing did.
// The failure is still escalated; the return value only reports it.
func (l *Logger) TryLog(ctx context.Context, channel domain.Channel, op domain.Operation, ev Event) bool {
	_, err := l.Log(ctx, channel, op, ev)
	return err == nil
}

// LogPerformance writes the request's performance summary to the
// performance channel. Caller details are merged over the summary.
func (l *Logger) LogPerformance(ctx context.Context, c *perf.Collector, ev Event) (*domain.LogEntry, error) {
	if c == nil {
		c = requestcontext.Performance(ctx)
	}
	if c == nil {
		return nil, NewSerializationError("performance", "no collector in context", nil)
	}

	s := c.Summary()
	op := themis.OpRequestComplete
	if s.Slow() {
		op = themis.OpSlowRequest
	}

	details := s.Details()
	for k, v := range ev.Details {
		details[k] = v
	}
	ev.Details = details
	if ev.DurationMS == nil {
		ev.DurationMS = Float64(s.DurationMS())
	}
	return l.Log(ctx, themis.ChannelPerformance, op, ev)
}

// Serializer exposes the entry builder, e.g. for dry-run redaction.
func (l *Logger) Serializer() *Serializer {
	return l.serializer
}

// Close flushes and closes every open chain.
func (l *Logger) Close() error {
	return l.hasher.Close()
}

func (l *Logger) fail(ctx context.Context, channel domain.Channel, op domain.Operation, requestID string, err error) {
	kind := ErrorKind(err)
	l.metrics.IncCounter(hermes.MetricFailures, 1,
		hermes.Label{Key: "channel", Value: string(channel)},
		hermes.Label{Key: "kind", Value: kind},
	)
	if l.escalator == nil {
		l.log.Error(ctx, "Audit log call failed", map[string]any{
			"channel":    channel,
			"operation":  op,
			"request_id": requestID,
			"kind":       kind,
			"error":      err.Error(),
		})
		return
	}
	l.escalator.Escalate(ctx, &cocytus.Record{
		Channel:   string(channel),
		Operation: string(op),
		RequestID: requestID,
		Kind:      kind,
		Reason:    err.Error(),
		CreatedAt: l.now().UTC(),
	})
}
