// Package errors provides standardized error handling for the registration
// pipeline.
//
// # Overview
//
// The package implements a three-class error classification system:
// Transient (temporary, retryable), Invalid (bad input, non-retryable), and
// Fatal (unrecoverable, stop processing). Classification drives retry
// decisions at every stage without hardcoded error string matching.
//
// On top of the generic classes, the package defines the pipeline failure
// taxonomy. Each failure type records the stage that owns it and the
// HTTP-equivalent status surfaced to the caller where one applies:
//
//   - AuthError: bad, missing, or expired credentials (surfaced, not retried)
//   - ShapeError: malformed envelope (surfaced, not retried)
//   - SchemaError: payload fails its registered schema (quarantined, not retried)
//   - NoRouteError: unrecognized service domain (dropped, not retried)
//   - StorageError: backend read/write failure (retryable only before any
//     partial state mutation)
//   - CollisionError: generated id already exists (terminal)
//
// No error crosses a queue boundary: every terminal failure path writes an
// observable result (response envelope, quarantine object, or failed
// resource record) before its input message is acknowledged.
//
// # Error Wrapping Pattern
//
// All wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// Three wrapper functions provide classification-aware wrapping:
//
//	errors.WrapTransient(err, "Component", "Method", "action")
//	errors.WrapInvalid(err, "Component", "Method", "action")
//	errors.WrapFatal(err, "Component", "Method", "action")
//
// All error types support errors.Is, errors.As, and wrapping chains;
// classification is preserved through the chain.
package errors
