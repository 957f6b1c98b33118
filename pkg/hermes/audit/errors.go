package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/mnemosyne-audit/mnemosyne/pkg/domain"
	"github.com/mnemosyne-audit/mnemosyne/pkg/lethe"
	"github.com/mnemosyne-audit/mnemosyne/pkg/themis"
)

// SerializationError indicates malformed input to a log call.
type SerializationError struct {
	Field  string
	Reason string
	Cause  error
}

func (e *SerializationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid audit entry field %s: %s: %v", e.Field, e.Reason, e.Cause)
	}
	return fmt.Sprintf("invalid audit entry field %s: %s", e.Field, e.Reason)
}

func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// NewSerializationError creates a new serialization error.
func NewSerializationError(field, reason string, cause error) *SerializationError {
	return &SerializationError{
		Field:  field,
		Reason: reason,
		Cause:  cause,
	}
}

// Chain write failure kinds.
const (
	KindLockTimeout = "lock_timeout"
	KindCanceled    = "canceled"
	KindOpen        = "open"
	KindWrite       = "write"
)

// ChainWriteError indicates the entry could not be appended to its chain.
// The chain's in-memory state is unchanged when this is returned.
type ChainWriteError struct {
	Kind  string
	Key   domain.ChainKey
	Cause error
}

func (e *ChainWriteError) Error() string {
	return fmt.Sprintf("audit chain %s: %s: %v", e.Key, e.Kind, e.Cause)
}

func (e *ChainWriteError) Unwrap() error {
	return e.Cause
}

var (
	// ErrLockTimeout is the cause of a ChainWriteError of kind lock_timeout.
	ErrLockTimeout = errors.New("timed out waiting for chain lock")
	// ErrMissingSalt is returned when no patient hash salt is configured.
	ErrMissingSalt = errors.New("patient hash salt is required")
)

// ErrorKind classifies a log failure for metrics and diagnostics.
func ErrorKind(err error) string {
	var (
		redErr   *lethe.RedactionError
		serErr   *SerializationError
		chainErr *ChainWriteError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &redErr):
		return "redaction"
	case errors.As(err, &serErr):
		return "serialization"
	case errors.Is(err, themis.ErrUnknownChannelOrOperation):
		return "unknown_channel_or_operation"
	case errors.As(err, &chainErr):
		return "chain_" + chainErr.Kind
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "chain_" + KindCanceled
	}
	return "unknown"
}
