package cocytus

import (
	"context"
	"sync"
	"time"

	"github.com/mnemosyne-audit/mnemosyne/pkg/hermes"
	"golang.org/x/time/rate"
)

const criticalMessage = "CRITICAL: audit logging degraded"

// Escalator makes audit failures loud. Every failure reaches the sink and the
// escalation counter; the CRITICAL operator alert is rate limited per channel,
// and the first failure of a channel always alerts immediately.
type Escalator struct {
	sink    Sink
	logger  hermes.Logger
	metrics hermes.Metrics
	every   time.Duration
	burst   int

	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	suppressed map[string]int
}

// NewEscalator alerts at most burst times per every, per channel.
func NewEscalator(sink Sink, logger hermes.Logger, metrics hermes.Metrics, every time.Duration, burst int) *Escalator {
	if every <= 0 {
		every = time.Minute
	}
	if burst <= 0 {
		burst = 1
	}
	if logger == nil {
		logger = hermes.NoopLogger{}
	}
	if metrics == nil {
		metrics = hermes.NewNoopMetrics()
	}
	return &Escalator{
		sink:       sink,
		logger:     logger,
		metrics:    metrics,
		every:      every,
		burst:      burst,
		limiters:   make(map[string]*rate.Limiter),
		suppressed: make(map[string]int),
	}
}

func (e *Escalator) Escalate(ctx context.Context, rec *Record) {
	e.metrics.IncCounter(hermes.MetricEscalations, 1,
		hermes.Label{Key: "channel", Value: rec.Channel},
		hermes.Label{Key: "kind", Value: rec.Kind},
	)

	if e.sink != nil {
		if err := e.sink.Write(ctx, rec); err != nil {
			e.logger.Error(ctx, "Failed to write audit dead letter", map[string]any{
				"channel": rec.Channel,
				"error":   err.Error(),
			})
		}
	}

	alert, suppressed := e.allow(rec.Channel)
	if !alert {
		return
	}
	e.logger.Error(ctx, criticalMessage, map[string]any{
		"channel":    rec.Channel,
		"operation":  rec.Operation,
		"request_id": rec.RequestID,
		"kind":       rec.Kind,
		"reason":     rec.Reason,
		"suppressed": suppressed,
	})
}

// allow reports whether an alert may be sent now and how many were
// suppressed since the previous one.
func (e *Escalator) allow(channel string) (bool, int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	lim, ok := e.limiters[channel]
	if !ok {
		lim = rate.NewLimiter(rate.Every(e.every), e.burst)
		e.limiters[channel] = lim
	}
	if !lim.Allow() {
		e.suppressed[channel]++
		return false, 0
	}
	n := e.suppressed[channel]
	e.suppressed[channel] = 0
	return true, n
}
