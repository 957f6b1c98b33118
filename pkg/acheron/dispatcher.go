package acheron

import (
	"context"
	"time"

	"github.com/mnemosyne-audit/mnemosyne/pkg/domain"
	"github.com/mnemosyne-audit/mnemosyne/pkg/hermes"
	"github.com/mnemosyne-audit/mnemosyne/pkg/hermes/audit"
	"golang.org/x/sync/errgroup"
)

// Committer chains and appends a prepared entry. *audit.Logger implements it.
type Committer interface {
	Commit(ctx context.Context, entry *domain.LogEntry) (*domain.LogEntry, error)
}

// Preparer validates, redacts and stamps an entry without writing it.
// *audit.Logger implements it.
type Preparer interface {
	Prepare(ctx context.Context, channel domain.Channel, op domain.Operation, ev audit.Event) (*domain.LogEntry, error)
}

// Dispatcher drains a Queue with exactly one consumer per channel, so each
// (channel, date) chain sees its entries in queue order.
type Dispatcher struct {
	queue     Queue
	committer Committer
	channels  []domain.Channel
	logger    hermes.Logger
	metrics   hermes.Metrics
	backoff   time.Duration
}

type DispatcherOption func(*Dispatcher)

func WithDispatcherLogger(l hermes.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

func WithDispatcherMetrics(m hermes.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithBackoff sets the pause after a failed dequeue.
func WithBackoff(b time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.backoff = b }
}

func NewDispatcher(q Queue, c Committer, channels []domain.Channel, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		queue:     q,
		committer: c,
		channels:  channels,
		logger:    hermes.NoopLogger{},
		metrics:   hermes.NewNoopMetrics(),
		backoff:   time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run consumes until ctx is cancelled. An entry already dequeued is
// committed even if ctx is cancelled meanwhile.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range d.channels {
		g.Go(func() error {
			d.consume(gctx, ch)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) consume(ctx context.Context, channel domain.Channel) {
	d.logger.Info(ctx, "Ingest consumer started", map[string]any{"channel": channel})
	for {
		entry, receipt, err := d.queue.Dequeue(ctx, channel)
		if err != nil {
			if ctx.Err() != nil {
				d.logger.Info(ctx, "Ingest consumer stopped", map[string]any{"channel": channel})
				return
			}
			d.logger.Error(ctx, "Failed to dequeue audit entry", map[string]any{
				"channel": channel,
				"error":   err.Error(),
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.backoff):
			}
			continue
		}
		d.process(context.WithoutCancel(ctx), entry, receipt)
		d.reportDepth(ctx, channel)
	}
}

func (d *Dispatcher) process(ctx context.Context, entry *domain.LogEntry, r Receipt) {
	if _, err := d.committer.Commit(ctx, entry); err != nil {
		kind := audit.ErrorKind(err)
		if nackErr := d.queue.Nack(ctx, r, kind); nackErr != nil {
			d.logger.Error(ctx, "Failed to dead-letter audit entry", map[string]any{
				"channel":    r.Channel,
				"request_id": entry.RequestID,
				"error":      nackErr.Error(),
			})
		}
		return
	}
	if err := d.queue.Ack(ctx, r); err != nil {
		d.logger.Warn(ctx, "Failed to ack audit entry", map[string]any{
			"channel":    r.Channel,
			"request_id": entry.RequestID,
			"error":      err.Error(),
		})
	}
}

func (d *Dispatcher) reportDepth(ctx context.Context, channel domain.Channel) {
	n, err := d.queue.Len(ctx, channel)
	if err != nil {
		return
	}
	d.metrics.SetGauge(hermes.MetricQueueDepth, float64(n), hermes.Label{Key: "channel", Value: string(channel)})
}

// Producer prepares entries on the caller's goroutine and queues them, so
// only redacted entries ever leave the process.
type Producer struct {
	preparer Preparer
	queue    Queue
}

func NewProducer(p Preparer, q Queue) *Producer {
	return &Producer{preparer: p, queue: q}
}

// Log returns the queued entry. Its hash is assigned later by the consumer.
func (p *Producer) Log(ctx context.Context, channel domain.Channel, op domain.Operation, ev audit.Event) (*domain.LogEntry, error) {
	entry, err := p.preparer.Prepare(ctx, channel, op, ev)
	if err != nil {
		return nil, err
	}
	if err := p.queue.Enqueue(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}
