package lethe

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedValue is returned for values the redactor cannot scan.
	ErrUnsupportedValue = errors.New("unsupported value type")
	// ErrTooDeep is returned when nesting exceeds the ruleset's maximum depth.
	ErrTooDeep = errors.New("maximum nesting depth exceeded")
)

// RedactionError means a value could not be safely redacted. The whole log
// call must fail; nothing partially redacted is ever returned. Path locates
// the offending key and never contains the value itself.
type RedactionError struct {
	Path  string
	Cause error
}

func (e *RedactionError) Error() string {
	return fmt.Sprintf("redaction failed at %s: %v", e.Path, e.Cause)
}

func (e *RedactionError) Unwrap() error {
	return e.Cause
}

// NewRedactionError creates a new redaction error.
func NewRedactionError(path string, cause error) *RedactionError {
	return &RedactionError{
		Path:  path,
		Cause: cause,
	}
}
