package acheron

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mnemosyne-audit/mnemosyne/pkg/domain"
)

// MemoryQueue is an in-process Queue. Dequeue honours context cancellation;
// waiters are woken by closing the channel's wake channel.
type MemoryQueue struct {
	mu         sync.Mutex
	channels   map[domain.Channel]*memoryChannel
	processing map[Receipt]*domain.LogEntry
	dead       []DeadLetter
	nextID     int
}

type memoryChannel struct {
	items []*domain.LogEntry
	wake  chan struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		channels:   make(map[domain.Channel]*memoryChannel),
		processing: make(map[Receipt]*domain.LogEntry),
	}
}

func (q *MemoryQueue) channel(ch domain.Channel) *memoryChannel {
	c, ok := q.channels[ch]
	if !ok {
		c = &memoryChannel{wake: make(chan struct{})}
		q.channels[ch] = c
	}
	return c
}

func (q *MemoryQueue) Enqueue(ctx context.Context, entry *domain.LogEntry) error {
	if entry.Hash != "" {
		return ErrAlreadyHashed
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	c := q.channel(entry.Channel)
	c.items = append(c.items, entry)
	close(c.wake)
	c.wake = make(chan struct{})
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, channel domain.Channel) (*domain.LogEntry, Receipt, error) {
	for {
		q.mu.Lock()
		c := q.channel(channel)
		if len(c.items) > 0 {
			entry := c.items[0]
			c.items[0] = nil
			c.items = c.items[1:]

			q.nextID++
			r := Receipt{Channel: channel, ID: fmt.Sprintf("receipt-%d", q.nextID)}
			q.processing[r] = entry
			q.mu.Unlock()
			return entry, r, nil
		}
		wake := c.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, Receipt{}, ctx.Err()
		case <-wake:
		}
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, r Receipt) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.processing[r]; !ok {
		return ErrUnknownReceipt
	}
	delete(q.processing, r)
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, r Receipt, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.processing[r]
	if !ok {
		return ErrUnknownReceipt
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	q.dead = append(q.dead, DeadLetter{Channel: r.Channel, ID: r.ID, Reason: reason, Data: data})
	delete(q.processing, r)
	return nil
}

// Len counts pending and in-flight entries of channel.
func (q *MemoryQueue) Len(ctx context.Context, channel domain.Channel) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := int64(len(q.channel(channel).items))
	for r := range q.processing {
		if r.Channel == channel {
			n++
		}
	}
	return n, nil
}

// DeadLetters returns every nacked entry.
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}
