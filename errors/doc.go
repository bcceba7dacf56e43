// Package errors provides the structured error taxonomy used across stepkit.
//
// Two kinds of errors flow through the engine. Definition, time-parsing and
// storage errors are returned to the caller. Errors raised by task methods are
// not returned from a run at all: the run loop captures their code, data,
// message and stack into the instance status and routes them through the step
// state machine. Both kinds use the same Error type so a method can attach a
// code and payload that survive persistence.
//
// # Error Categories
//
//   - Transient: Temporary failures where retry may succeed
//   - Permanent: Failures where retry will not help
//   - Resource: Resource exhaustion or contention
//   - Internal: Bugs or corrupted state, such as a stuck run loop
//
// # Usage
//
// Create a new error:
//
//	err := errors.New(errors.ErrCodeUnavailable, "payment gateway down",
//	    errors.WithData(map[string]any{"status": 503}))
//
// Wrap an existing error with context:
//
//	wrapped := errors.Wrap(err, "charging card")
//
// Check the code of an error anywhere in a chain:
//
//	if errors.Is(err, errors.ErrCodeStaleRevision) {
//	    // another runner saved the record first
//	}
package errors
