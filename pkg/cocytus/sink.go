package cocytus

import (
	"context"
	"errors"
	"time"
)

// Record describes a failed audit log call. It never carries entry details,
// patient identifiers or anything else that could hold PHI.
type Record struct {
	Channel   string    `json:"channel"`
	Operation string    `json:"operation"`
	RequestID string    `json:"request_id"`
	Kind      string    `json:"kind"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Sink is the interface for Cocytus.
type Sink interface {
	Write(ctx context.Context, rec *Record) error
}

// MultiSink writes to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, rec *Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
