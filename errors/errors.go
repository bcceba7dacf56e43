package errors

import "fmt"

// CodedError is the interface for all structured errors in stepkit.
// It extends the standard error interface with the context the run loop
// needs to record a failed sub-step and route it.
type CodedError interface {
	error

	// Code returns the specific error code identifying the failure type.
	Code() ErrorCode

	// Category returns the error category for retry/handling decisions.
	Category() ErrorCategory

	// Retryable returns true if the operation may succeed on retry.
	Retryable() bool

	// Metadata returns additional context as key-value pairs.
	Metadata() map[string]string

	// Data returns the structured payload attached to the error, if any.
	Data() any

	// Unwrap returns the underlying error, if any.
	Unwrap() error
}

// Error is the concrete implementation of CodedError.
type Error struct {
	code       ErrorCode
	category   ErrorCategory
	message    string
	cause      error
	metadata   map[string]string
	data       any
	stack      string
	retryable  *bool // nil means use default based on category
	instanceID string
	taskName   string
}

var _ CodedError = (*Error)(nil)

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Retryable returns whether this error is retryable.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	if e.metadata == nil {
		return make(map[string]string)
	}
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Data returns the attached payload.
func (e *Error) Data() any {
	return e.data
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// InstanceID returns the related task instance ID, if set.
func (e *Error) InstanceID() string {
	return e.instanceID
}

// TaskName returns the related task name, if set.
func (e *Error) TaskName() string {
	return e.taskName
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithCategory overrides the default category.
func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) {
		e.category = cat
	}
}

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithData attaches a structured payload. It is persisted with a failed
// sub-step, so it must be JSON-encodable.
func WithData(data any) Option {
	return func(e *Error) {
		e.data = data
	}
}

// WithStack records a stack trace.
func WithStack(stack string) Option {
	return func(e *Error) {
		e.stack = stack
	}
}

// WithInstanceID sets the related task instance ID.
func WithInstanceID(id string) Option {
	return func(e *Error) {
		e.instanceID = id
	}
}

// WithTaskName sets the related task name.
func WithTaskName(name string) Option {
	return func(e *Error) {
		e.taskName = name
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:     code,
		category: code.DefaultCategory(),
		message:  message,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// NotFound creates a not found error.
func NotFound(message string, opts ...Option) *Error {
	return New(ErrCodeNotFound, message, opts...)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// Conflict creates a conflict error.
func Conflict(message string, opts ...Option) *Error {
	return New(ErrCodeConflict, message, opts...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}

// InvalidDefinition creates a task definition validation error.
func InvalidDefinition(task, reason string, opts ...Option) *Error {
	opts = append([]Option{WithTaskName(task)}, opts...)
	return New(ErrCodeInvalidDefinition, fmt.Sprintf("%s: %s", task, reason), opts...)
}

// MethodNotDefined creates an error for a method name that does not resolve.
func MethodNotDefined(method string, opts ...Option) *Error {
	opts = append([]Option{WithMetadata("method", method)}, opts...)
	return New(ErrCodeMethodNotDefined, fmt.Sprintf("%s method not defined", method), opts...)
}

// TaskNotDefined creates an error for an unknown task name or id.
func TaskNotDefined(ref string, opts ...Option) *Error {
	return New(ErrCodeTaskNotDefined, fmt.Sprintf("%s task not defined", ref), opts...)
}

// InvalidTime creates an error for an unparseable time expression.
func InvalidTime(value string, opts ...Option) *Error {
	return New(ErrCodeInvalidTime, fmt.Sprintf("invalid time %s", value), opts...)
}
