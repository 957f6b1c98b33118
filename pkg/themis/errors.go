package themis

import (
	"errors"
	"fmt"

	"github.com/mnemosyne-audit/mnemosyne/pkg/domain"
)

// ErrUnknownChannelOrOperation matches both UnknownChannelError and
// UnknownOperationError. It is a programmer error and is never retried.
var ErrUnknownChannelOrOperation = errors.New("unknown channel or operation")

// UnknownChannelError is returned for a channel that is not registered.
type UnknownChannelError struct {
	Channel domain.Channel
}

func (e *UnknownChannelError) Error() string {
	return fmt.Sprintf("unknown audit channel %q", e.Channel)
}

func (e *UnknownChannelError) Unwrap() error {
	return ErrUnknownChannelOrOperation
}

// UnknownOperationError is returned for an operation not registered on a channel.
type UnknownOperationError struct {
	Channel   domain.Channel
	Operation domain.Operation
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("unknown operation %q on audit channel %q", e.Operation, e.Channel)
}

func (e *UnknownOperationError) Unwrap() error {
	return ErrUnknownChannelOrOperation
}
