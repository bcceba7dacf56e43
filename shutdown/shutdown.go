package shutdown

import (
	"context"
	stderrors "errors"
	"time"
)

// Phases of a stepkit process. Lower phases shut down first.
const (
	// PhaseDispatcher stops picking up due instances and waits for the
	// runs in flight, so no sub-step is cut off mid execution.
	PhaseDispatcher = 10
	// PhaseServer stops accepting API requests.
	PhaseServer = 20
	// PhaseStore closes the state store once nothing writes to it.
	PhaseStore = 30
	// PhaseTelemetry flushes spans and audit events last.
	PhaseTelemetry = 40
)

var (
	// ErrAlreadyShutdown is returned by Shutdown while a shutdown is in
	// progress in another goroutine.
	ErrAlreadyShutdown = stderrors.New("shutdown already initiated")

	// ErrTimeout means the deadline passed before every phase ran.
	ErrTimeout = stderrors.New("shutdown timeout exceeded")

	// ErrHandlerFailed means at least one handler returned an error.
	ErrHandlerFailed = stderrors.New("one or more handlers failed")
)

// Handler is implemented by components that need to stop cleanly. The
// context carries the shutdown deadline.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) error

// OnShutdown calls f.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a shutdown.
type Result struct {
	Duration time.Duration
	Handlers []HandlerResult
	Err      error
}

// Failed reports whether the shutdown was incomplete.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that returned an error.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Handlers {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures a Coordinator.
type Config struct {
	// Timeout bounds a signal-triggered shutdown. Default: 30s.
	Timeout time.Duration

	// ContinueOnError runs later phases after a handler fails.
	ContinueOnError bool
}

// DefaultConfig returns the configuration used by the stepkit server.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
