package instance

import (
	"github.com/vinayprograms/stepkit/errors"
)

// SubStep names the unit of execution within a step.
type SubStep string

const (
	SubStepNone         SubStep = "none"
	SubStepMethod       SubStep = "method"
	SubStepCheck        SubStep = "check"
	SubStepError        SubStep = "error"
	SubStepErrorCheck   SubStep = "errorCheck"
	SubStepReverse      SubStep = "reverse"
	SubStepReverseCheck SubStep = "reverseCheck"
)

// Valid reports whether s is a known sub-step.
func (s SubStep) Valid() bool {
	switch s {
	case SubStepNone, SubStepMethod, SubStepCheck, SubStepError,
		SubStepErrorCheck, SubStepReverse, SubStepReverseCheck:
		return true
	}
	return false
}

// IsCheck reports whether s is one of the verification sub-steps.
func (s SubStep) IsCheck() bool {
	return s == SubStepCheck || s == SubStepErrorCheck || s == SubStepReverseCheck
}

// StepError is a sub-step failure captured as data.
type StepError struct {
	Code    string `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Error implements error.
func (e *StepError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// NewStepError captures err's code, payload, message and stack.
func NewStepError(err error) *StepError {
	if err == nil {
		return nil
	}
	se := &StepError{Message: err.Error()}
	if coded := errors.AsCodedError(err); coded != nil {
		se.Code = string(coded.Code())
		se.Data = coded.Data()
	}
	se.Stack = errors.StackOf(err)
	return se
}

// Status is the resumable execution state of an instance. It is persisted
// with the record after every transition and dropped once the instance
// completes.
type Status struct {
	// StepNum indexes the definition's steps; -1 before the first step.
	StepNum int     `json:"stepNum"`
	SubStep SubStep `json:"subStep"`

	// Try counts attempts per sub-step. It is reset to {method: 0} when a
	// new forward step begins and to {reverse: 0} for each rollback step.
	Try map[SubStep]int `json:"try,omitempty"`

	// Error holds the last failure per sub-step. A present entry for the
	// sub-step that last ran means it failed.
	Error map[SubStep]*StepError `json:"error,omitempty"`

	// Retry is set when a retry has been scheduled. The next run consumes
	// it instead of deciding again.
	Retry bool `json:"retry,omitempty"`

	// Reverse is set once rollback has begun; SuccessOrig is the
	// disposition to report when rollback finishes.
	Reverse     bool `json:"reverse,omitempty"`
	SuccessOrig bool `json:"successOrig,omitempty"`

	// Check outcomes, consumed by the next transition.
	CheckResult        *bool `json:"checkResult,omitempty"`
	ErrorCheckResult   *bool `json:"errorCheckResult,omitempty"`
	ReverseCheckResult *bool `json:"reverseCheckResult,omitempty"`

	// Running is set while a sub-step executes. A record loaded with it
	// set was interrupted mid sub-step.
	Running bool `json:"running,omitempty"`

	// Failure is the error that started a failing rollback.
	Failure *StepError `json:"failure,omitempty"`
}

func newStatus() *Status {
	return &Status{
		StepNum: -1,
		SubStep: SubStepNone,
		Try:     make(map[SubStep]int),
	}
}

// failed reports whether sub has a recorded error.
func (s *Status) failed(sub SubStep) bool {
	return s.Error != nil && s.Error[sub] != nil
}

func (s *Status) setError(sub SubStep, err *StepError) {
	if s.Error == nil {
		s.Error = make(map[SubStep]*StepError)
	}
	s.Error[sub] = err
}

func (s *Status) clearError(sub SubStep) {
	if s.Error == nil {
		return
	}
	delete(s.Error, sub)
	if len(s.Error) == 0 {
		s.Error = nil
	}
}

// setCheckResult records the outcome of a check sub-step.
func (s *Status) setCheckResult(sub SubStep, ok bool) {
	switch sub {
	case SubStepCheck:
		s.CheckResult = &ok
	case SubStepErrorCheck:
		s.ErrorCheckResult = &ok
	case SubStepReverseCheck:
		s.ReverseCheckResult = &ok
	}
}

// takeCheckResult returns and clears the outcome of a check sub-step. A
// missing outcome counts as not verified.
func (s *Status) takeCheckResult(sub SubStep) bool {
	var p **bool
	switch sub {
	case SubStepCheck:
		p = &s.CheckResult
	case SubStepErrorCheck:
		p = &s.ErrorCheckResult
	case SubStepReverseCheck:
		p = &s.ReverseCheckResult
	default:
		return false
	}
	ok := *p != nil && **p
	*p = nil
	return ok
}
