package instance

import (
	"context"
	"fmt"

	"github.com/vinayprograms/stepkit/errors"
	"github.com/vinayprograms/stepkit/logging"
	"github.com/vinayprograms/stepkit/schedule"
	"github.com/vinayprograms/stepkit/tasks"
	"github.com/vinayprograms/stepkit/telemetry"
)

// Instance is one execution of a task definition. An Instance is not safe
// for concurrent use; a dispatcher must ensure a single runner per ID.
type Instance struct {
	engine *Engine
	def    *tasks.Definition
	rec    *Record
	log    *logging.Logger

	// status aliases rec.Data.Status while a run is in progress and is
	// nil once the run has suspended or completed.
	status *Status
	step   *tasks.Step

	lastStepNum int
	lastSubStep SubStep
}

func newInstance(e *Engine, def *tasks.Definition, rec *Record) *Instance {
	return &Instance{
		engine:      e,
		def:         def,
		rec:         rec,
		log:         e.logger,
		lastStepNum: -1,
	}
}

// ID returns the instance ID.
func (i *Instance) ID() string { return i.rec.ID }

// Definition returns the definition the instance runs against.
func (i *Instance) Definition() *tasks.Definition { return i.def }

// Record returns the instance's current record. Callers must not modify it.
func (i *Instance) Record() *Record { return i.rec }

// Data returns the task payload.
func (i *Instance) Data() map[string]any { return i.rec.Data.Data }

// Complete reports whether the instance has reached a terminal state.
func (i *Instance) Complete() bool { return i.rec.Data.Complete }

// Success reports the terminal outcome; ok is false until complete.
func (i *Instance) Success() (success, ok bool) {
	if i.rec.Data.Success == nil {
		return false, false
	}
	return *i.rec.Data.Success, true
}

// NextRunTime returns when the instance may next run.
func (i *Instance) NextRunTime() string { return i.rec.Data.NextRunTime }

// Status returns the persisted execution state, nil when complete or not
// yet started.
func (i *Instance) Status() *Status { return i.rec.Data.Status }

// Run drives the instance until it completes or suspends awaiting a
// retry. A completed instance, or one whose nextRunTime is in the future,
// is left untouched. Sub-step failures are recorded on the instance, not
// returned; the returned error reports storage failures and broken
// invariants.
func (i *Instance) Run(ctx context.Context) error {
	return i.run(ctx, false)
}

// RunNow is Run without the nextRunTime check.
func (i *Instance) RunNow(ctx context.Context) error {
	return i.run(ctx, true)
}

// Reload replaces the in-memory record with the stored one.
func (i *Instance) Reload(ctx context.Context) error {
	rec, err := i.engine.store.Get(ctx, i.rec.ID)
	if err != nil {
		return err
	}
	def, err := i.engine.registry.Resolve(rec.TaskName, rec.TaskID)
	if err != nil {
		return err
	}
	i.def = def
	i.rec = rec
	i.status = nil
	i.step = nil
	i.lastStepNum = -1
	i.lastSubStep = ""
	return nil
}

func (i *Instance) run(ctx context.Context, force bool) (err error) {
	if len(i.rec.Trace) > 0 {
		ctx = telemetry.ExtractContext(ctx, i.rec.Trace)
	}
	ctx, span := i.engine.tracer.StartRunSpan(ctx, telemetry.RunSpanOptions{
		TaskName:   i.rec.TaskName,
		TaskID:     i.rec.TaskID,
		InstanceID: i.rec.ID,
	})
	var outcome telemetry.RunOutcome
	defer func() {
		outcome.Complete = i.rec.Data.Complete
		outcome.Success = i.rec.Data.Success
		outcome.NextRunTime = i.rec.Data.NextRunTime
		i.engine.tracer.EndRunSpan(span, outcome, err)
	}()

	if i.rec.Data.Complete {
		outcome.Skipped = true
		return nil
	}
	if !force && !schedule.Due(i.rec.Data.NextRunTime, i.engine.clock.Now()) {
		outcome.Skipped = true
		return nil
	}

	if err := i.resume(); err != nil {
		return err
	}
	return i.loop(ctx)
}

// resume restores in-memory state from the record at the start of a run.
func (i *Instance) resume() error {
	i.status = i.rec.Data.Status
	i.step = nil
	i.lastStepNum = -1
	i.lastSubStep = ""
	if i.status == nil {
		return nil
	}
	if i.status.SubStep != "" && i.status.SubStep != SubStepNone {
		if err := i.setStep(); err != nil {
			return err
		}
	}
	if i.status.Running {
		// The process stopped while the sub-step was executing. Whether it
		// took effect is unknown, so treat it as failed and let the usual
		// retry, handler or failure routing decide.
		i.log.Warn("substep_interrupted", map[string]interface{}{
			"instance": i.rec.ID,
			"step":     i.status.StepNum,
			"substep":  string(i.status.SubStep),
		})
		i.status.Running = false
		i.status.setError(i.status.SubStep, &StepError{
			Code:    string(errors.ErrCodeInterrupted),
			Message: fmt.Sprintf("%s interrupted", i.status.SubStep),
		})
	}
	return nil
}

// loop runs transitions and sub-steps until the instance suspends or
// completes.
func (i *Instance) loop(ctx context.Context) error {
	for {
		if err := i.next(ctx); err != nil {
			return err
		}
		if i.status == nil || i.step == nil {
			return nil
		}

		if i.status.StepNum == i.lastStepNum && i.status.SubStep == i.lastSubStep {
			return errors.New(errors.ErrCodeRunLoop,
				fmt.Sprintf("step %d %s selected twice in a row", i.status.StepNum, i.status.SubStep),
				i.errOpts()...)
		}
		i.lastStepNum = i.status.StepNum
		i.lastSubStep = i.status.SubStep

		// Stop between sub-steps; the state saved so far resumes cleanly.
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "run interrupted", i.errOpts()...)
		}

		i.status.Running = true
		if err := i.save(ctx); err != nil {
			return err
		}
		if err := i.execute(ctx); err != nil {
			return err
		}
		i.status.Running = false
		if err := i.save(ctx); err != nil {
			return err
		}
	}
}

// target returns the descriptor for the current sub-step and the input
// maps to try, most specific first.
func (i *Instance) target() (*tasks.Step, []map[string]string) {
	step := i.step
	switch i.status.SubStep {
	case SubStepMethod:
		return step, []map[string]string{step.Input}
	case SubStepCheck:
		if step.Check != nil {
			return step.Check, []map[string]string{step.Check.Input, step.Input}
		}
	case SubStepError:
		if step.Error != nil {
			return step.Error, []map[string]string{step.Error.Input, step.Input}
		}
	case SubStepErrorCheck:
		if step.Error != nil && step.Error.Check != nil {
			return step.Error.Check, []map[string]string{step.Error.Check.Input, step.Error.Input, step.Input}
		}
	case SubStepReverse:
		if step.Reverse != nil {
			return step.Reverse, []map[string]string{step.Reverse.Input, step.Input}
		}
	case SubStepReverseCheck:
		if step.Reverse != nil && step.Reverse.Check != nil {
			return step.Reverse.Check, []map[string]string{step.Reverse.Check.Input, step.Reverse.Input, step.Input}
		}
	}
	return nil, nil
}

// input builds method input from the first input map present, or hands
// over a copy of all data when there is none.
func (i *Instance) input(maps []map[string]string) map[string]any {
	for _, m := range maps {
		if m != nil {
			return mapInput(i.rec.Data.Data, m)
		}
	}
	return cloneData(i.rec.Data.Data)
}

// execute runs the current sub-step and records its outcome in the
// status. Only a sub-step the definition does not have is returned as
// an error.
func (i *Instance) execute(ctx context.Context) error {
	sub := i.status.SubStep
	desc, maps := i.target()
	if desc == nil {
		return errors.New(errors.ErrCodeStepNotDefined,
			fmt.Sprintf("step %d has no %s", i.status.StepNum, sub), i.errOpts()...)
	}

	input := i.input(maps)
	attempt := i.status.Try[sub]
	i.log.SubStepStart(i.rec.ID, i.status.StepNum, string(sub), attempt)

	spanCtx, span := i.engine.tracer.StartSubStepSpan(ctx, telemetry.SubStepSpanOptions{
		TaskName:   i.rec.TaskName,
		InstanceID: i.rec.ID,
		StepNum:    i.status.StepNum,
		SubStep:    string(sub),
		Method:     desc.Method,
		Attempt:    attempt,
	})
	started := i.engine.clock.Now()

	result, err := call(spanCtx, desc, input)
	if err == nil {
		result, err = normalize(result)
	}
	if err == nil {
		i.apply(sub, desc, result)
	}

	duration := i.engine.clock.Now().Sub(started)
	i.engine.tracer.EndSubStepSpan(span, telemetry.SubStepResult{Input: input, Output: result}, err)
	i.log.SubStepComplete(i.rec.ID, i.status.StepNum, string(sub), duration, err)

	event := map[string]any{"method": desc.Method, "duration": duration.String()}
	if err != nil {
		i.status.setError(sub, NewStepError(err))
		event["error"] = err.Error()
	}
	i.emit(telemetry.EventSubStepComplete, event)
	return nil
}

// apply folds a successful result into the instance.
func (i *Instance) apply(sub SubStep, desc *tasks.Step, result any) {
	data := i.rec.Data.Data
	if sub == SubStepMethod {
		if desc.Output != nil {
			mergeInto(data, mapOutput(result, desc.Output))
			return
		}
		if obj, ok := result.(map[string]any); ok {
			mergeInto(data, obj)
		}
		return
	}

	// A check verifies by returning anything at all.
	if sub.IsCheck() {
		i.status.setCheckResult(sub, result != nil)
	}
	if desc.Output != nil {
		mergeInto(data, mapOutput(result, desc.Output))
	}
}

// call invokes a method, converting a panic into an error.
func call(ctx context.Context, step *tasks.Step, input map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = errors.RecoverPanic(r)
		}
	}()
	return step.Call(ctx, input)
}

func (i *Instance) save(ctx context.Context) error {
	return i.engine.store.Save(ctx, i.rec)
}

func (i *Instance) emit(name string, data map[string]any) {
	ev := telemetry.Event{
		Name:       name,
		TaskName:   i.rec.TaskName,
		InstanceID: i.rec.ID,
		Data:       data,
	}
	if i.status != nil {
		stepNum := i.status.StepNum
		ev.StepNum = &stepNum
		ev.SubStep = string(i.status.SubStep)
		ev.Attempt = i.status.Try[i.status.SubStep]
	}
	ev.Timestamp = i.engine.clock.Now().UTC()
	i.engine.events.Emit(ev)
}

func (i *Instance) errOpts() []errors.Option {
	return []errors.Option{
		errors.WithInstanceID(i.rec.ID),
		errors.WithTaskName(i.rec.TaskName),
	}
}
