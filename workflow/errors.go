package workflow

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine's error taxonomy. Callers branch on these
// with errors.Is; the structured types below carry detail and unwrap to
// their sentinel.
var (
	// ErrValidation indicates malformed input or a definition-level rule
	// violation.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates a referenced ID does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotAuthorized indicates the caller is not the designated approver.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrInvalidState indicates the object is already in a terminal or
	// non-pending state. Race losers and duplicate submissions see this.
	ErrInvalidState = errors.New("invalid state")

	// ErrStale indicates a conditional store update did not apply because
	// another caller transitioned the row first. Store implementations
	// return it; the engine translates or no-ops as appropriate.
	ErrStale = errors.New("stale update")
)

// ValidationError reports the specific rule that was violated.
type ValidationError struct {
	Rule string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Rule)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NotFoundError identifies the missing object.
type NotFoundError struct {
	Kind string // "workflow", "instance", "approval"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// AuthorizationError reports a decision attempt by a non-designated approver.
type AuthorizationError struct {
	ApprovalID string
	ApproverID string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("user %s is not the designated approver for approval %s", e.ApproverID, e.ApprovalID)
}

func (e *AuthorizationError) Unwrap() error {
	return ErrNotAuthorized
}

// InvalidStateError reports an operation against an object that has
// already left the state the operation requires.
type InvalidStateError struct {
	Kind   string // "instance" or "approval"
	ID     string
	Status string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s is %s, operation requires a different state", e.Kind, e.ID, e.Status)
}

func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}

// StaleUpdateError reports a conditional update whose precondition no
// longer held when the store applied it.
type StaleUpdateError struct {
	Kind string // "instance" or "approval"
	ID   string
}

func (e *StaleUpdateError) Error() string {
	return fmt.Sprintf("conditional update of %s %s did not apply", e.Kind, e.ID)
}

func (e *StaleUpdateError) Unwrap() error {
	return ErrStale
}
