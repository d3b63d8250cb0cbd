package errors

import (
	"fmt"
	"net/http"
)

// AuthError reports a failed authorization decision at ingress. It carries
// the HTTP-equivalent status the Ambassador mirrors back to the caller.
type AuthError struct {
	Status  int
	Reason  string
	UserRef string
}

// Error implements the error interface
func (e *AuthError) Error() string {
	return fmt.Sprintf("authorization failed (%d): %s", e.Status, e.Reason)
}

// NewAuthError creates an AuthError for the given HTTP-equivalent status
func NewAuthError(status int, userRef, reason string) *AuthError {
	return &AuthError{Status: status, Reason: reason, UserRef: userRef}
}

// ShapeError reports an envelope that fails structural validation at
// ingress. Shape failures are surfaced as 400 and never retried.
type ShapeError struct {
	Violations []string
}

// Error implements the error interface
func (e *ShapeError) Error() string {
	if len(e.Violations) == 0 {
		return "event does not conform to the envelope schema"
	}
	return fmt.Sprintf("event does not conform to the envelope schema: %v", e.Violations)
}

// Status returns the HTTP-equivalent status for a shape failure
func (e *ShapeError) Status() int { return http.StatusBadRequest }

// SchemaError reports a payload that fails validation against its
// registered schema. The event is quarantined and the resource marked
// failed; the message is acknowledged, not retried.
type SchemaError struct {
	SchemaRef  string
	Violations []string
}

// Error implements the error interface
func (e *SchemaError) Error() string {
	return fmt.Sprintf("payload failed schema %s: %v", e.SchemaRef, e.Violations)
}

// NoRouteError reports an envelope whose service domain has no registered
// route. The message is dropped deliberately: an unroutable message will
// never become routable.
type NoRouteError struct {
	Domain string
}

// Error implements the error interface
func (e *NoRouteError) Error() string {
	return fmt.Sprintf("no route to service domain %q", e.Domain)
}

// UnsupportedActionError reports an action suffix a manager does not
// recognize for its domain.
type UnsupportedActionError struct {
	Domain string
	Action string
}

// Error implements the error interface
func (e *UnsupportedActionError) Error() string {
	return fmt.Sprintf("unsupported action %q for domain %q", e.Action, e.Domain)
}

// CollisionError reports an id collision on conditional insert. Collisions
// on freshly generated ids are terminal and statistically negligible.
type CollisionError struct {
	Table string
	Key   string
}

// Error implements the error interface
func (e *CollisionError) Error() string {
	return fmt.Sprintf("id collision in %s: %s already exists", e.Table, e.Key)
}

// StorageError reports a backend read/write failure. Partial reports
// whether state was already mutated when the failure occurred: a failure
// before any mutation is retryable, a failure after requires manual
// reconciliation since no transactional rollback exists across
// queue, store, and blob backends.
type StorageError struct {
	Op      string
	Partial bool
	Err     error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Partial {
		return fmt.Sprintf("storage failure after partial mutation in %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage failure in %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error { return e.Err }

// Retryable reports whether redoing the operation is safe
func (e *StorageError) Retryable() bool { return !e.Partial }
