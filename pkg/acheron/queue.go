package acheron

import (
	"context"
	"errors"

	"github.com/mnemosyne-audit/mnemosyne/pkg/domain"
)

// Queue is Acheron: the river prepared audit entries cross on their way to
// the chain. Entries are queued per channel and must already be redacted.
type Queue interface {
	Enqueue(ctx context.Context, entry *domain.LogEntry) error
	// Dequeue blocks until an entry of channel is available.
	Dequeue(ctx context.Context, channel domain.Channel) (*domain.LogEntry, Receipt, error)
	Ack(ctx context.Context, r Receipt) error
	// Nack moves the entry to the channel's dead-letter list.
	Nack(ctx context.Context, r Receipt, reason string) error
	// Len is the number of entries not yet acknowledged.
	Len(ctx context.Context, channel domain.Channel) (int64, error)
}

// Receipt identifies one delivery for Ack or Nack.
type Receipt struct {
	Channel domain.Channel
	ID      string
}

// DeadLetter is an entry that could not be committed.
type DeadLetter struct {
	Channel domain.Channel
	ID      string
	Reason  string
	Data    []byte
}

var (
	ErrUnknownReceipt = errors.New("unknown receipt")
	ErrAlreadyHashed  = errors.New("queued entries must not be hashed")
)
