package usercontext

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidContext indicates a malformed or missing execution identity.
	// The caller must abort the request.
	ErrInvalidContext = errors.New("invalid user context")

	// ErrIsolationViolation indicates cross-context contamination. This is
	// fatal: halt the run and alert.
	ErrIsolationViolation = errors.New("user context isolation violation")

	// ErrNotFound indicates no context is registered under the given key.
	ErrNotFound = errors.New("user context not found")
)

// InvalidContextError carries the field that failed validation.
type InvalidContextError struct {
	Field  string
	Reason string
}

func (e *InvalidContextError) Error() string {
	return fmt.Sprintf("invalid user context: %s %s", e.Field, e.Reason)
}

func (e *InvalidContextError) Unwrap() error { return ErrInvalidContext }
