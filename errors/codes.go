package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: network timeouts, an interrupted sub-step, a remote 5xx.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: invalid definitions, unknown methods, unparseable times.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates resource exhaustion or contention.
	// Examples: rate limiting, a lock held by another runner.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or corrupted state.
	// Examples: a stuck run loop, a step index past the definition.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Generic error codes.
const (
	// Transient errors
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // Operation timed out
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // Service temporarily unavailable
	ErrCodeNetworkErr  ErrorCode = "NETWORK_ERR" // Network connectivity issue
	ErrCodeRetryLater  ErrorCode = "RETRY_LATER" // Server requested retry

	// Permanent errors
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"      // Resource does not exist
	ErrCodeConflict      ErrorCode = "CONFLICT"       // Conflicting operation or state
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"  // Malformed or invalid input
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS" // Resource already exists
	ErrCodeUnsupported   ErrorCode = "UNSUPPORTED"    // Operation not supported
	ErrCodeCanceled      ErrorCode = "CANCELED"       // Operation was canceled

	// Resource errors
	ErrCodeRateLimit    ErrorCode = "RATE_LIMITED"  // Rate limit exceeded
	ErrCodeResourceBusy ErrorCode = "RESOURCE_BUSY" // Resource is busy/locked

	// Internal errors
	ErrCodeInternal   ErrorCode = "INTERNAL"   // Unexpected internal error
	ErrCodeCorruption ErrorCode = "CORRUPTION" // Data corruption detected
	ErrCodeAssertion  ErrorCode = "ASSERTION"  // Assertion/invariant violation
	ErrCodePanic      ErrorCode = "PANIC"      // Recovered from panic
)

// Task engine error codes.
const (
	ErrCodeInvalidDefinition ErrorCode = "INVALID_DEFINITION" // Task definition failed validation
	ErrCodeMethodNotDefined  ErrorCode = "METHOD_NOT_DEFINED" // Method name does not resolve
	ErrCodeTaskNotDefined    ErrorCode = "TASK_NOT_DEFINED"   // No definition for name or id
	ErrCodeStepNotDefined    ErrorCode = "STEP_NOT_DEFINED"   // Step index past the definition
	ErrCodeInvalidTime       ErrorCode = "INVALID_TIME"       // Unparseable time or duration
	ErrCodeInvalidTimeType   ErrorCode = "INVALID_TIME_TYPE"  // Time value of unsupported type
	ErrCodeInvalidRetryType  ErrorCode = "INVALID_RETRY_TYPE" // Unknown retry policy kind
	ErrCodeRunLoop           ErrorCode = "RUN_LOOP"           // Same sub-step selected twice in a row
	ErrCodeInterrupted       ErrorCode = "INTERRUPTED"        // Sub-step was running when the process stopped
	ErrCodeStaleRevision     ErrorCode = "STALE_REVISION"     // Record changed since it was read
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeNetworkErr, ErrCodeRetryLater,
		ErrCodeInterrupted:
		return CategoryTransient

	case ErrCodeNotFound, ErrCodeConflict, ErrCodeInvalidInput, ErrCodeAlreadyExists,
		ErrCodeUnsupported, ErrCodeCanceled, ErrCodeInvalidDefinition, ErrCodeMethodNotDefined,
		ErrCodeTaskNotDefined, ErrCodeInvalidTime, ErrCodeInvalidTimeType, ErrCodeInvalidRetryType,
		ErrCodeStaleRevision:
		return CategoryPermanent

	case ErrCodeRateLimit, ErrCodeResourceBusy:
		return CategoryResource

	case ErrCodeInternal, ErrCodeCorruption, ErrCodeAssertion, ErrCodePanic,
		ErrCodeRunLoop, ErrCodeStepNotDefined:
		return CategoryInternal

	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:           "operation timed out",
	ErrCodeUnavailable:       "service temporarily unavailable",
	ErrCodeNetworkErr:        "network connectivity error",
	ErrCodeRetryLater:        "server requested retry later",
	ErrCodeNotFound:          "resource not found",
	ErrCodeConflict:          "conflicting operation",
	ErrCodeInvalidInput:      "invalid input provided",
	ErrCodeAlreadyExists:     "resource already exists",
	ErrCodeUnsupported:       "operation not supported",
	ErrCodeCanceled:          "operation canceled",
	ErrCodeRateLimit:         "rate limit exceeded",
	ErrCodeResourceBusy:      "resource is busy",
	ErrCodeInternal:          "internal error",
	ErrCodeCorruption:        "data corruption detected",
	ErrCodeAssertion:         "assertion failed",
	ErrCodePanic:             "recovered from panic",
	ErrCodeInvalidDefinition: "invalid task definition",
	ErrCodeMethodNotDefined:  "method not defined",
	ErrCodeTaskNotDefined:    "task not defined",
	ErrCodeStepNotDefined:    "step not defined",
	ErrCodeInvalidTime:       "invalid time",
	ErrCodeInvalidTimeType:   "invalid time type",
	ErrCodeInvalidRetryType:  "invalid retry type",
	ErrCodeRunLoop:           "run loop",
	ErrCodeInterrupted:       "sub-step interrupted",
	ErrCodeStaleRevision:     "stale record revision",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
