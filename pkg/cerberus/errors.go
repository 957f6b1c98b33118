package cerberus

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedRef is returned by a provider that does not handle the
	// reference's scheme. CompositeSecretProvider moves on to the next one.
	ErrUnsupportedRef = errors.New("unsupported secret reference format")
	// ErrSecretNotFound is returned when the reference is well formed but
	// names nothing.
	ErrSecretNotFound = errors.New("secret not found")
)

// SecretError indicates a secret reference could not be resolved.
type SecretError struct {
	Ref     string
	Message string
	Cause   error
}

func (e *SecretError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("secret %s: %s: %v", e.Ref, e.Message, e.Cause)
	}
	return fmt.Sprintf("secret %s: %s", e.Ref, e.Message)
}

func (e *SecretError) Unwrap() error {
	return e.Cause
}

// NewSecretError creates a new secret error.
func NewSecretError(ref, message string, cause error) *SecretError {
	return &SecretError{
		Ref:     ref,
		Message: message,
		Cause:   cause,
	}
}

func unsupported(ref string) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedRef, scheme(ref))
}
