// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrLeaseHeld is returned when another invocation currently holds the
// checkpoint lease.
var ErrLeaseHeld = errors.New("checkpoint lease is held by another invocation")

// AuthError is returned when the GitHub credential is missing, rejected, or
// not authorized for the search endpoint. Never retried.
type AuthError struct {
	Status int
	Msg    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("github auth rejected (status %d): %s", e.Status, e.Msg)
}

// CursorError is returned when the search layer rejects the stored pagination
// cursor. Non-retryable: the checkpoint cursor for the current unit is
// presumed invalid and requires operator intervention.
type CursorError struct {
	Cursor string
	Msg    string
}

func (e *CursorError) Error() string {
	return fmt.Sprintf("search cursor %q rejected: %s", e.Cursor, e.Msg)
}

// UnavailableError is returned when the search API cannot be reached at all
// (DNS failure, connection refused). Never retried within an invocation.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("github search unreachable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }
