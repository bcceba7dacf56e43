package instance

import (
	"context"
	"fmt"

	"github.com/vinayprograms/stepkit/errors"
	"github.com/vinayprograms/stepkit/schedule"
	"github.com/vinayprograms/stepkit/tasks"
	"github.com/vinayprograms/stepkit/telemetry"
)

// transitionKey selects a handler: the sub-step that ran last and whether
// it failed.
type transitionKey struct {
	last   SubStep
	failed bool
}

type transition func(*Instance, context.Context) error

// transitions is the step state machine. Each handler either points the
// status at the next sub-step to execute, suspends the instance awaiting
// a retry, or completes it.
var transitions = map[transitionKey]transition{
	{SubStepNone, false}: (*Instance).nextNone,

	{SubStepMethod, false}: (*Instance).nextMethod,
	{SubStepMethod, true}:  (*Instance).nextMethodError,

	{SubStepCheck, false}: (*Instance).nextCheck,
	{SubStepCheck, true}:  (*Instance).nextCheckError,

	{SubStepError, false}: (*Instance).nextError,
	{SubStepError, true}:  (*Instance).nextErrorError,

	{SubStepErrorCheck, false}: (*Instance).nextErrorCheck,
	{SubStepErrorCheck, true}:  (*Instance).nextErrorCheckError,

	{SubStepReverse, false}: (*Instance).nextReverse,
	{SubStepReverse, true}:  (*Instance).nextReverseError,

	{SubStepReverseCheck, false}: (*Instance).nextReverseCheck,
	{SubStepReverseCheck, true}:  (*Instance).nextReverseCheckError,
}

// next advances the state machine by one transition.
func (i *Instance) next(ctx context.Context) error {
	if i.status == nil {
		i.status = newStatus()
		i.rec.Data.Status = i.status
	}
	if i.status.Try == nil {
		i.status.Try = make(map[SubStep]int)
	}

	last := i.status.SubStep
	if last == "" {
		last = SubStepNone
	}
	// none never fails; a stray error entry under it is ignored.
	key := transitionKey{last: last, failed: last != SubStepNone && i.status.failed(last)}
	handler, ok := transitions[key]
	if !ok {
		return errors.New(errors.ErrCodeCorruption,
			fmt.Sprintf("unknown sub-step %q", last), i.errOpts()...)
	}
	return handler(i, ctx)
}

// setStep points the instance at status.StepNum.
func (i *Instance) setStep() error {
	i.step = i.def.Step(i.status.StepNum)
	if i.step == nil {
		return errors.New(errors.ErrCodeStepNotDefined,
			fmt.Sprintf("step %d not defined", i.status.StepNum), i.errOpts()...)
	}
	return nil
}

func (i *Instance) nextNone(ctx context.Context) error {
	i.status.StepNum = 0
	i.status.Try[SubStepMethod] = 0
	if err := i.setStep(); err != nil {
		return err
	}
	i.status.SubStep = SubStepMethod
	return nil
}

// nextMethod moves past a successful step.
func (i *Instance) nextMethod(ctx context.Context) error {
	if i.status.StepNum+1 >= i.def.NumSteps() {
		return i.completeSuccess(ctx)
	}
	i.status.Error = nil
	i.status.Try = map[SubStep]int{SubStepMethod: 0}
	i.status.StepNum++
	if err := i.setStep(); err != nil {
		return err
	}
	i.status.SubStep = SubStepMethod
	return nil
}

func (i *Instance) nextMethodError(ctx context.Context) error {
	step := i.step
	if i.status.Retry {
		i.status.Retry = false
		i.status.Error = nil
		// A check decides whether the failed attempt took effect before
		// the method runs again.
		if step.Check != nil {
			i.status.SubStep = SubStepCheck
			i.status.Try[SubStepCheck] = 0
		} else {
			i.status.Try[SubStepMethod]++
		}
		return nil
	}

	scheduled, err := i.retry(step.Retry)
	if err != nil {
		return err
	}
	switch {
	case scheduled:
		return i.suspend(ctx)
	case step.Error != nil:
		i.status.Try[SubStepError] = 0
		i.status.SubStep = SubStepError
		return nil
	case step.IgnoreError:
		return i.nextMethod(ctx)
	default:
		return i.completeFailure(ctx)
	}
}

func (i *Instance) nextCheck(ctx context.Context) error {
	verified := i.status.takeCheckResult(SubStepCheck)
	delete(i.status.Try, SubStepCheck)
	if verified {
		return i.nextMethod(ctx)
	}
	i.status.SubStep = SubStepMethod
	i.status.Try[SubStepMethod]++
	return nil
}

func (i *Instance) nextCheckError(ctx context.Context) error {
	return i.checkFailed(ctx, SubStepCheck, i.step.Check)
}

// nextError completes an instance whose error handler succeeded.
func (i *Instance) nextError(ctx context.Context) error {
	return i.completeError(ctx)
}

func (i *Instance) nextErrorError(ctx context.Context) error {
	handler := i.step.Error
	if i.status.Retry {
		i.status.Retry = false
		i.status.Error = nil
		if handler.Check != nil {
			i.status.SubStep = SubStepErrorCheck
			i.status.Try[SubStepErrorCheck] = 0
		} else {
			i.status.Try[SubStepError]++
		}
		return nil
	}

	scheduled, err := i.retry(handler.Retry)
	if err != nil {
		return err
	}
	switch {
	case scheduled:
		return i.suspend(ctx)
	case i.step.IgnoreError:
		return i.nextMethod(ctx)
	default:
		return i.completeFailure(ctx)
	}
}

func (i *Instance) nextErrorCheck(ctx context.Context) error {
	verified := i.status.takeCheckResult(SubStepErrorCheck)
	delete(i.status.Try, SubStepErrorCheck)
	if verified {
		return i.nextError(ctx)
	}
	i.status.SubStep = SubStepError
	i.status.Try[SubStepError]++
	return nil
}

func (i *Instance) nextErrorCheckError(ctx context.Context) error {
	return i.checkFailed(ctx, SubStepErrorCheck, i.step.Error.Check)
}

// nextReverse moves rollback to the closest earlier step with a reverse
// action. The step that was current when rollback began is never reversed.
func (i *Instance) nextReverse(ctx context.Context) error {
	n := i.status.StepNum - 1
	for ; n >= 0; n-- {
		if s := i.def.Step(n); s != nil && s.Reverse != nil {
			break
		}
	}
	i.status.StepNum = n

	if n < 0 {
		if i.status.SuccessOrig {
			return i.completeError(ctx)
		}
		return i.completeFailure(ctx)
	}

	if err := i.setStep(); err != nil {
		return err
	}
	i.status.Error = nil
	i.status.Try = map[SubStep]int{SubStepReverse: 0}
	i.status.SubStep = SubStepReverse
	return nil
}

func (i *Instance) nextReverseError(ctx context.Context) error {
	reverse := i.step.Reverse
	if i.status.Retry {
		i.status.Retry = false
		i.status.Error = nil
		if reverse.Check != nil {
			i.status.SubStep = SubStepReverseCheck
			i.status.Try[SubStepReverseCheck] = 0
		} else {
			i.status.Try[SubStepReverse]++
		}
		return nil
	}

	scheduled, err := i.retry(reverse.Retry)
	if err != nil {
		return err
	}
	if scheduled {
		return i.suspend(ctx)
	}
	return i.completeFailure(ctx)
}

func (i *Instance) nextReverseCheck(ctx context.Context) error {
	verified := i.status.takeCheckResult(SubStepReverseCheck)
	delete(i.status.Try, SubStepReverseCheck)
	if verified {
		return i.nextReverse(ctx)
	}
	i.status.SubStep = SubStepReverse
	i.status.Try[SubStepReverse]++
	return nil
}

func (i *Instance) nextReverseCheckError(ctx context.Context) error {
	return i.checkFailed(ctx, SubStepReverseCheck, i.step.Reverse.Check)
}

// checkFailed handles a check sub-step that itself failed: run it again
// if a retry was scheduled, schedule one if allowed, or fail the instance.
func (i *Instance) checkFailed(ctx context.Context, sub SubStep, check *tasks.Step) error {
	if i.status.Retry {
		i.status.Retry = false
		i.status.clearError(sub)
		i.status.Try[sub]++
		return nil
	}

	scheduled, err := i.retry(check.Retry)
	if err != nil {
		return err
	}
	if scheduled {
		return i.suspend(ctx)
	}
	return i.completeFailure(ctx)
}

// retry asks the policy whether the current sub-step may run again. When
// it may, the status is flagged and nextRunTime moved out by the delay;
// the caller then suspends.
func (i *Instance) retry(policy *schedule.RetryPolicy) (bool, error) {
	sub := i.status.SubStep
	attempt := i.status.Try[sub]
	decision, err := schedule.Decide(policy, attempt)
	if err != nil {
		return false, errors.Wrap(err, "decide retry", i.errOpts()...)
	}
	if !decision.Retry {
		return false, nil
	}

	next := schedule.Format(i.engine.clock.Now().Add(decision.Delay))
	i.status.Retry = true
	i.rec.Data.NextRunTime = next
	i.rec.Data.Complete = false

	i.log.RetryScheduled(i.rec.ID, i.status.StepNum, string(sub), attempt, decision.Delay, next)
	i.emit(telemetry.EventRetryScheduled, map[string]any{
		"delay":       decision.Delay.String(),
		"nextRunTime": next,
	})
	return true, nil
}

// suspend persists a scheduled retry and stops the current run. The
// status stays on the record for the next run to resume.
func (i *Instance) suspend(ctx context.Context) error {
	if err := i.save(ctx); err != nil {
		return err
	}
	i.status = nil
	return nil
}

// completeSuccess finishes an instance whose steps all succeeded.
func (i *Instance) completeSuccess(ctx context.Context) error {
	return i.finish(ctx, true)
}

// completeError finishes an instance whose failure was handled. Completed
// steps are rolled back first when the task can reverse them.
func (i *Instance) completeError(ctx context.Context) error {
	if i.def.HasReverse() && !i.status.Reverse {
		return i.startRollback(ctx, true)
	}
	return i.finish(ctx, true)
}

// completeFailure finishes an instance with an unhandled failure, rolling
// back completed steps first when the task can reverse them.
func (i *Instance) completeFailure(ctx context.Context) error {
	if i.def.HasReverse() && !i.status.Reverse {
		return i.startRollback(ctx, false)
	}
	return i.finish(ctx, false)
}

func (i *Instance) startRollback(ctx context.Context, successOrig bool) error {
	i.status.Reverse = true
	i.status.SuccessOrig = successOrig
	if !successOrig {
		i.status.Failure = i.currentError()
	}
	i.log.RollbackStarted(i.rec.ID, i.status.StepNum, successOrig)
	i.emit(telemetry.EventRollbackStarted, map[string]any{"successOrig": successOrig})
	return i.nextReverse(ctx)
}

// finish records a terminal disposition. The status is dropped; only the
// data, the outcome and, on failure, the error survive.
func (i *Instance) finish(ctx context.Context, success bool) error {
	var failure *StepError
	if !success {
		failure = i.currentError()
		if failure == nil {
			failure = i.status.Failure
		}
	}

	d := &i.rec.Data
	prior, status := *d, i.status
	d.Status = nil
	d.NextRunTime = ""
	d.Complete = true
	d.Success = &success
	d.Error = failure
	i.status = nil

	if err := i.save(ctx); err != nil {
		// The stored record is still mid-run; keep the handle matching it.
		*d = prior
		i.status = status
		return err
	}
	i.log.InstanceComplete(i.rec.TaskName, i.rec.ID, success)
	data := map[string]any{"success": success}
	if failure != nil {
		data["error"] = failure.Error()
	}
	i.emit(telemetry.EventInstanceComplete, data)
	return nil
}

// currentError returns the failure recorded for the sub-step that last ran.
func (i *Instance) currentError() *StepError {
	if i.status == nil || i.status.Error == nil {
		return nil
	}
	return i.status.Error[i.status.SubStep]
}
