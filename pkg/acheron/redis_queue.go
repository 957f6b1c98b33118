package acheron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mnemosyne-audit/mnemosyne/pkg/cocytus"
	"github.com/mnemosyne-audit/mnemosyne/pkg/domain"
	"github.com/mnemosyne-audit/mnemosyne/pkg/hermes"
	"github.com/redis/go-redis/v9"
)

// DefaultGroup is the consumer group shared by ingest daemons.
const DefaultGroup = "mnemosyne-ingest"

// DefaultClaimIdle is how long a delivered entry may stay unacknowledged
// before another consumer takes it over.
const DefaultClaimIdle = 5 * time.Minute

// newOnly is the XREADGROUP id for entries never delivered to the group.
const newOnly = ">"

// Dead-letter reasons for payloads that never reach the committer.
const (
	ReasonUnmarshal       = "json_unmarshal_error"
	ReasonInvalidPayload  = "invalid_payload"
	ReasonChannelMismatch = "channel_mismatch"
)

// RedisQueue keeps one Redis stream per channel, read through a consumer
// group so an entry stays pending until it is acknowledged.
//
// Delivery is at least once. Per channel, a queue first re-reads what is
// still pending for its own consumer name, then claims entries another
// consumer left idle for longer than the claim idle time, and only then
// reads new entries.
type RedisQueue struct {
	client    *redis.Client
	prefix    string
	group     string
	consumer  string
	block     time.Duration
	claimIdle time.Duration
	metrics   hermes.Metrics
	sink      cocytus.Sink

	mu sync.Mutex
	// cursors holds the last pending id re-read per channel, newOnly once
	// the consumer's own backlog is drained.
	cursors map[domain.Channel]string
	// claimed is when a channel last found nothing to claim.
	claimed map[domain.Channel]time.Time
}

// RedisQueueOption configures a RedisQueue.
type RedisQueueOption func(*RedisQueue)

// WithClaimIdle sets the idle time after which unacknowledged entries of any
// consumer are claimed. Non-positive values are ignored.
func WithClaimIdle(d time.Duration) RedisQueueOption {
	return func(q *RedisQueue) {
		if d > 0 {
			q.claimIdle = d
		}
	}
}

func NewRedisQueue(addr string, db int, prefix, group, consumer string, metrics hermes.Metrics, sink cocytus.Sink, opts ...RedisQueueOption) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisQueueFromClient(client, prefix, group, consumer, metrics, sink, opts...), nil
}

func NewRedisQueueFromClient(client *redis.Client, prefix, group, consumer string, metrics hermes.Metrics, sink cocytus.Sink, opts ...RedisQueueOption) *RedisQueue {
	if group == "" {
		group = DefaultGroup
	}
	if metrics == nil {
		metrics = hermes.NewNoopMetrics()
	}
	q := &RedisQueue{
		client:    client,
		prefix:    prefix,
		group:     group,
		consumer:  consumer,
		block:     time.Second,
		claimIdle: DefaultClaimIdle,
		metrics:   metrics,
		sink:      sink,
		cursors:   make(map[domain.Channel]string),
		claimed:   make(map[domain.Channel]time.Time),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisQueue) stream(channel domain.Channel) string {
	return q.prefix + ":" + string(channel)
}

func (q *RedisQueue) dlq(channel domain.Channel) string {
	return q.stream(channel) + ":dlq"
}

func (q *RedisQueue) ensureGroup(ctx context.Context, stream string) error {
	err := q.client.XGroupCreateMkStream(ctx, stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, entry *domain.LogEntry) error {
	if entry.Hash != "" {
		return ErrAlreadyHashed
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: q.stream(entry.Channel),
		Values: map[string]any{
			"data":       data,
			"request_id": entry.RequestID,
		},
	}
	if err := q.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to enqueue entry: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, channel domain.Channel) (*domain.LogEntry, Receipt, error) {
	stream := q.stream(channel)
	if err := q.ensureGroup(ctx, stream); err != nil {
		return nil, Receipt{}, err
	}

	for {
		if ctx.Err() != nil {
			return nil, Receipt{}, ctx.Err()
		}

		msg, ok, err := q.next(ctx, channel, stream)
		if err != nil {
			if ctx.Err() != nil {
				return nil, Receipt{}, ctx.Err()
			}
			return nil, Receipt{}, fmt.Errorf("failed to dequeue: %w", err)
		}
		if !ok {
			continue
		}
		if len(msg.Values) == 0 {
			// Deleted from the stream while still pending.
			if err := q.client.XAck(ctx, stream, q.group, msg.ID).Err(); err != nil {
				return nil, Receipt{}, fmt.Errorf("failed to ack deleted entry %s: %w", msg.ID, err)
			}
			continue
		}

		entry, reason := decode(channel, msg)
		if reason != "" {
			if err := q.poisonPill(ctx, channel, msg, reason); err != nil {
				return nil, Receipt{}, err
			}
			continue
		}
		return entry, Receipt{Channel: channel, ID: msg.ID}, nil
	}
}

// next returns the next message to hand out for channel: the consumer's own
// pending backlog first, then idle entries claimed from any consumer, then
// new entries. ok is false when a blocking read timed out.
func (q *RedisQueue) next(ctx context.Context, channel domain.Channel, stream string) (redis.XMessage, bool, error) {
	if cursor := q.cursor(channel); cursor != newOnly {
		msgs, err := q.read(ctx, stream, cursor, -1)
		if err != nil {
			return redis.XMessage{}, false, err
		}
		if len(msgs) > 0 {
			q.setCursor(channel, msgs[0].ID)
			return msgs[0], true, nil
		}
		q.setCursor(channel, newOnly)
	}

	if q.claimDue(channel) {
		msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    q.group,
			Consumer: q.consumer,
			MinIdle:  q.claimIdle,
			Start:    "0-0",
			Count:    1,
		}).Result()
		if err != nil {
			return redis.XMessage{}, false, fmt.Errorf("failed to claim idle entries: %w", err)
		}
		if len(msgs) > 0 {
			return msgs[0], true, nil
		}
		q.markClaimed(channel)
	}

	// A short block so cancellation is noticed between reads.
	msgs, err := q.read(ctx, stream, newOnly, q.block)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return redis.XMessage{}, false, nil
		}
		return redis.XMessage{}, false, err
	}
	if len(msgs) == 0 {
		return redis.XMessage{}, false, nil
	}
	return msgs[0], true, nil
}

// read issues one XREADGROUP. A negative block does not block at all.
func (q *RedisQueue) read(ctx context.Context, stream, id string, block time.Duration) ([]redis.XMessage, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{stream, id},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		return nil, err
	}
	for _, s := range streams {
		if len(s.Messages) > 0 {
			return s.Messages, nil
		}
	}
	return nil, nil
}

func (q *RedisQueue) cursor(channel domain.Channel) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if c, ok := q.cursors[channel]; ok {
		return c
	}
	return "0"
}

func (q *RedisQueue) setCursor(channel domain.Channel, id string) {
	q.mu.Lock()
	q.cursors[channel] = id
	q.mu.Unlock()
}

// claimDue reports whether channel should look for idle entries again. A
// channel that claimed something keeps claiming until nothing is left.
func (q *RedisQueue) claimDue(channel domain.Channel) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	last, ok := q.claimed[channel]
	return !ok || time.Since(last) >= q.claimIdle/2
}

func (q *RedisQueue) markClaimed(channel domain.Channel) {
	q.mu.Lock()
	q.claimed[channel] = time.Now()
	q.mu.Unlock()
}

func decode(channel domain.Channel, msg redis.XMessage) (*domain.LogEntry, string) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, ReasonInvalidPayload
	}
	var entry domain.LogEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, ReasonUnmarshal
	}
	if entry.Channel != channel {
		return nil, ReasonChannelMismatch
	}
	return &entry, ""
}

// poisonPill dead-letters a message that cannot be decoded and reports it.
// When the dead-letter write fails the message stays pending for a later
// claim, the sink is told so, and the error is returned.
func (q *RedisQueue) poisonPill(ctx context.Context, channel domain.Channel, msg redis.XMessage, reason string) error {
	data, _ := msg.Values["data"].(string)
	dlErr := q.deadLetter(ctx, channel, msg.ID, data, reason)

	if q.sink != nil {
		requestID, _ := msg.Values["request_id"].(string)
		rec := &cocytus.Record{
			Channel:   string(channel),
			RequestID: requestID,
			Kind:      "poison_pill",
			Reason:    "poison_pill: " + reason,
			CreatedAt: time.Now().UTC(),
		}
		if dlErr != nil {
			rec.Kind = "dead_letter_failed"
			rec.Reason = fmt.Sprintf("poison_pill: %s: %v", reason, dlErr)
		}
		if err := q.sink.Write(ctx, rec); err != nil && dlErr != nil {
			return errors.Join(dlErr, err)
		}
	}
	return dlErr
}

// deadLetter copies a message to the dead-letter stream and retires it from
// the main stream in one transaction.
func (q *RedisQueue) deadLetter(ctx context.Context, channel domain.Channel, id, data, reason string) error {
	stream := q.stream(channel)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: q.dlq(channel),
			Values: map[string]any{
				"data":          data,
				"error_reason":  reason,
				"original_id":   id,
				"dlq_timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			},
		})
		pipe.XAck(ctx, stream, q.group, id)
		pipe.XDel(ctx, stream, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to dead-letter %s: %w", id, err)
	}
	q.metrics.IncCounter(hermes.MetricDeadLetters, 1, hermes.Label{Key: "channel", Value: string(channel)})
	return nil
}

// Ack acknowledges and deletes the message so the stream only holds
// unfinished work.
func (q *RedisQueue) Ack(ctx context.Context, r Receipt) error {
	stream := q.stream(r.Channel)
	var acked *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		acked = pipe.XAck(ctx, stream, q.group, r.ID)
		pipe.XDel(ctx, stream, r.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack %s: %w", r.ID, err)
	}
	if acked.Val() == 0 {
		return ErrUnknownReceipt
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, r Receipt, reason string) error {
	msgs, err := q.client.XRange(ctx, q.stream(r.Channel), r.ID, r.ID).Result()
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", r.ID, err)
	}
	if len(msgs) == 0 {
		return ErrUnknownReceipt
	}
	data, _ := msgs[0].Values["data"].(string)
	return q.deadLetter(ctx, r.Channel, r.ID, data, reason)
}

func (q *RedisQueue) Len(ctx context.Context, channel domain.Channel) (int64, error) {
	n, err := q.client.XLen(ctx, q.stream(channel)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return n, nil
}

// DeadLetters lists the dead-letter stream of channel, oldest first.
func (q *RedisQueue) DeadLetters(ctx context.Context, channel domain.Channel) ([]DeadLetter, error) {
	msgs, err := q.client.XRange(ctx, q.dlq(channel), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		data, _ := m.Values["data"].(string)
		reason, _ := m.Values["error_reason"].(string)
		id, _ := m.Values["original_id"].(string)
		out = append(out, DeadLetter{Channel: channel, ID: id, Reason: reason, Data: []byte(data)})
	}
	return out, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
