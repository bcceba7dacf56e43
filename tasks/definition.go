package tasks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vinayprograms/stepkit/errors"
	"github.com/vinayprograms/stepkit/schedule"
)

// Definition is a validated, immutable task definition.
type Definition struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Steps           []*Step        `json:"steps"`
	ContinueOnError bool           `json:"continueOnError,omitempty"`
	Data            map[string]any `json:"data,omitempty"`

	spec       Spec
	hasReverse bool
}

// NumSteps returns the number of steps.
func (d *Definition) NumSteps() int {
	return len(d.Steps)
}

// HasReverse reports whether any step declares a reverse action.
func (d *Definition) HasReverse() bool {
	return d.hasReverse
}

// Step returns step n, or nil when n is out of range.
func (d *Definition) Step(n int) *Step {
	if n < 0 || n >= len(d.Steps) {
		return nil
	}
	return d.Steps[n]
}

// Spec returns the spec the definition was built from.
func (d *Definition) Spec() Spec {
	return d.spec
}

// Step is one step or sub-step. Check, Error and Reverse are themselves
// steps; Build limits how deeply they nest.
type Step struct {
	Method      string                `json:"method"`
	Input       map[string]string     `json:"input,omitempty"`
	Output      map[string]string     `json:"output,omitempty"`
	Retry       *schedule.RetryPolicy `json:"retry,omitempty"`
	Check       *Step                 `json:"check,omitempty"`
	Error       *Step                 `json:"error,omitempty"`
	Reverse     *Step                 `json:"reverse,omitempty"`
	IgnoreError bool                  `json:"ignoreError,omitempty"`

	fn Method
}

// Call invokes the step's resolved method.
func (s *Step) Call(ctx context.Context, input map[string]any) (any, error) {
	if s.fn == nil {
		return nil, errors.MethodNotDefined(s.Method)
	}
	return s.fn(ctx, input)
}

// stepKind controls which nested sub-steps a spec may carry.
type stepKind struct {
	label      string
	allowCheck bool
	allowError bool
	allowRev   bool
	allowFlags bool
}

var (
	kindStep    = stepKind{label: "step", allowCheck: true, allowError: true, allowRev: true, allowFlags: true}
	kindCheck   = stepKind{label: "check"}
	kindError   = stepKind{label: "error", allowCheck: true, allowFlags: true}
	kindReverse = stepKind{label: "reverse", allowCheck: true}
)

type builder struct {
	name    string
	methods Resolver
}

// Build validates spec and resolves its methods.
//
// A method name without a dot that is not registered as-is is also looked
// up as "<task>.<name>", so task-local methods can be registered under a
// qualified name and referenced briefly.
func Build(spec Spec, methods Resolver) (*Definition, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, errors.InvalidDefinition("task", "name must be string")
	}
	if methods == nil {
		methods = Methods{}
	}
	if len(spec.Steps) == 0 {
		return nil, errors.InvalidDefinition(name, "task must have at least one step")
	}

	continueOnError, err := flag(spec.ContinueOnError)
	if err != nil {
		return nil, errors.InvalidDefinition(name, "continueOnError must be boolean")
	}

	b := &builder{name: name, methods: methods}
	def := &Definition{
		Name:            name,
		ContinueOnError: continueOnError,
		Data:            spec.Data,
		spec:            spec,
	}

	for i := range spec.Steps {
		raw := &spec.Steps[i]
		step, err := b.step(raw, kindStep, fmt.Sprintf("step %d", i))
		if err != nil {
			return nil, err
		}
		ignore, err := b.ignoreError(raw, continueOnError, i)
		if err != nil {
			return nil, err
		}
		step.IgnoreError = ignore
		if step.Reverse != nil {
			def.hasReverse = true
		}
		def.Steps = append(def.Steps, step)
	}

	id, err := specID(spec)
	if err != nil {
		return nil, errors.InvalidDefinition(name, err.Error())
	}
	def.ID = id
	return def, nil
}

// ignoreError folds the step's ignoreError and continueOnError flags, the
// error handler's ignoreError flag and the task-level default into one.
func (b *builder) ignoreError(raw *StepSpec, taskDefault bool, i int) (bool, error) {
	ignore, err := flag(raw.IgnoreError)
	if err != nil {
		return false, errors.InvalidDefinition(b.name, fmt.Sprintf("step %d ignoreError must be boolean", i))
	}
	cont, err := flag(raw.ContinueOnError)
	if err != nil {
		return false, errors.InvalidDefinition(b.name, fmt.Sprintf("step %d continueOnError must be boolean", i))
	}

	result := ignore || cont
	if raw.IgnoreError == nil && raw.ContinueOnError == nil {
		result = taskDefault
	}
	if raw.Error != nil {
		errIgnore, err := flag(raw.Error.IgnoreError)
		if err != nil {
			return false, errors.InvalidDefinition(b.name, fmt.Sprintf("step %d error ignoreError must be boolean", i))
		}
		result = result || errIgnore
	}
	return result, nil
}

func (b *builder) step(raw *StepSpec, kind stepKind, where string) (*Step, error) {
	invalid := func(format string, args ...any) error {
		return errors.InvalidDefinition(b.name, where+" "+fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(raw.Method) == "" {
		return nil, invalid("method must be string")
	}
	method, fn, err := b.resolve(raw.Method)
	if err != nil {
		return nil, err
	}

	retry, err := schedule.ParseRetry(raw.Retry)
	if err != nil {
		return nil, invalid("retry must be boolean")
	}

	input, err := fieldMap(raw.Input)
	if err != nil {
		return nil, invalid("input %s", err)
	}
	output, err := fieldMap(raw.Output)
	if err != nil {
		return nil, invalid("output %s", err)
	}

	if !kind.allowFlags && (raw.IgnoreError != nil || raw.ContinueOnError != nil) {
		return nil, invalid("%s cannot set ignoreError or continueOnError", kind.label)
	}

	step := &Step{
		Method: method,
		Input:  input,
		Output: output,
		Retry:  retry,
		fn:     fn,
	}

	if raw.Check != nil {
		if !kind.allowCheck {
			return nil, invalid("%s cannot have check", kind.label)
		}
		if retry == nil {
			return nil, invalid("retry must be true when check method set")
		}
		if step.Check, err = b.step(raw.Check, kindCheck, where+" check"); err != nil {
			return nil, err
		}
	}
	if raw.Error != nil {
		if !kind.allowError {
			return nil, invalid("%s cannot have error", kind.label)
		}
		if step.Error, err = b.step(raw.Error, kindError, where+" error"); err != nil {
			return nil, err
		}
	}
	if raw.Reverse != nil {
		if !kind.allowRev {
			return nil, invalid("%s cannot have reverse", kind.label)
		}
		if step.Reverse, err = b.step(raw.Reverse, kindReverse, where+" reverse"); err != nil {
			return nil, err
		}
	}
	return step, nil
}

func (b *builder) resolve(name string) (string, Method, error) {
	if fn, ok := b.methods.Lookup(name); ok {
		return name, fn, nil
	}
	if !strings.Contains(name, ".") {
		qualified := b.name + "." + name
		if fn, ok := b.methods.Lookup(qualified); ok {
			return qualified, fn, nil
		}
		return "", nil, errors.MethodNotDefined(qualified, errors.WithTaskName(b.name))
	}
	return "", nil, errors.MethodNotDefined(name, errors.WithTaskName(b.name))
}

func fieldMap(raw map[string]any) (map[string]string, error) {
	if raw == nil {
		return nil, nil
	}
	out := make(map[string]string, len(raw))
	for from, to := range raw {
		s, ok := to.(string)
		if !ok || s == "" || from == "" {
			return nil, fmt.Errorf("map value must be string")
		}
		out[from] = s
	}
	return out, nil
}

func flag(v any) (bool, error) {
	switch b := v.(type) {
	case nil:
		return false, nil
	case bool:
		return b, nil
	case *bool:
		return b != nil && *b, nil
	default:
		return false, fmt.Errorf("flag must be boolean, got %T", v)
	}
}

// specID derives a definition ID from the spec's canonical JSON encoding.
// encoding/json orders struct fields by declaration and map keys
// lexically, so equal specs hash equally.
func specID(spec Spec) (string, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16]), nil
}
