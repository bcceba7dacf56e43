package instance

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/stepkit/errors"
	"github.com/vinayprograms/stepkit/schedule"
	"github.com/vinayprograms/stepkit/state"
	"github.com/vinayprograms/stepkit/tasks"
	"github.com/vinayprograms/stepkit/telemetry"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// =============================================================================
// Fixture
// =============================================================================

type fixture struct {
	t        *testing.T
	store    *state.MemoryStore
	clock    *schedule.ManualClock
	registry *tasks.Registry
	engine   *Engine
	events   *telemetry.Recorder

	mu     sync.Mutex
	calls  []string
	inputs map[string][]map[string]any
	seq    int
}

// newFixture wraps methods so every call and its input is recorded.
func newFixture(t *testing.T, methods tasks.Methods) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		store:  state.NewMemoryStore(),
		clock:  schedule.NewManualClock(epoch),
		events: telemetry.NewRecorder(),
		inputs: make(map[string][]map[string]any),
	}
	t.Cleanup(func() { f.store.Close() })

	f.registry = tasks.NewRegistry(f.store, f.wrap(methods))
	f.engine = f.newEngine(f.registry)
	return f
}

func (f *fixture) wrap(methods tasks.Methods) tasks.Methods {
	wrapped := make(tasks.Methods, len(methods))
	for name, fn := range methods {
		name, fn := name, fn
		wrapped[name] = func(ctx context.Context, input map[string]any) (any, error) {
			f.mu.Lock()
			f.calls = append(f.calls, name)
			f.inputs[name] = append(f.inputs[name], input)
			f.mu.Unlock()
			return fn(ctx, input)
		}
	}
	return wrapped
}

func (f *fixture) newEngine(registry *tasks.Registry) *Engine {
	return New(f.store, registry,
		WithClock(f.clock),
		WithEvents(f.events),
		WithIDGenerator(func() string {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.seq++
			return fmt.Sprintf("inst-%d", f.seq)
		}),
	)
}

func (f *fixture) define(spec tasks.Spec) *tasks.Definition {
	f.t.Helper()
	def, err := f.registry.Define(spec)
	if err != nil {
		f.t.Fatalf("Define failed: %v", err)
	}
	return def
}

func (f *fixture) create(def *tasks.Definition, data map[string]any) *Instance {
	f.t.Helper()
	inst, err := f.engine.Create(context.Background(), def, data, nil)
	if err != nil {
		f.t.Fatalf("Create failed: %v", err)
	}
	return inst
}

func (f *fixture) run(inst *Instance) {
	f.t.Helper()
	if err := inst.Run(context.Background()); err != nil {
		f.t.Fatalf("Run failed: %v", err)
	}
}

// runToEnd runs inst, moving the clock to each scheduled retry, until it
// completes. It returns the number of suspensions it ran into.
func (f *fixture) runToEnd(inst *Instance) int {
	f.t.Helper()
	suspensions := 0
	for n := 0; n < 20; n++ {
		next, err := schedule.Parse(inst.NextRunTime())
		if err != nil {
			f.t.Fatalf("bad nextRunTime %q: %v", inst.NextRunTime(), err)
		}
		if next.After(f.clock.Now()) {
			f.clock.Set(next)
		}
		f.run(inst)
		if inst.Complete() {
			return suspensions
		}
		suspensions++
	}
	f.t.Fatal("instance never completed")
	return suspensions
}

func (f *fixture) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fixture) count(name string) int {
	n := 0
	for _, c := range f.callLog() {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fixture) stored(id string) *Record {
	f.t.Helper()
	rec, err := f.engine.Store().Get(context.Background(), id)
	if err != nil {
		f.t.Fatalf("Get failed: %v", err)
	}
	return rec
}

func returns(v any) tasks.Method {
	return func(ctx context.Context, input map[string]any) (any, error) {
		return v, nil
	}
}

func fails(msg string) tasks.Method {
	return func(ctx context.Context, input map[string]any) (any, error) {
		return nil, errors.New(errors.ErrCodeConflict, msg)
	}
}

// failsTimes fails n times, then returns v.
func failsTimes(n int, v any) tasks.Method {
	var mu sync.Mutex
	return func(ctx context.Context, input map[string]any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		if n > 0 {
			n--
			return nil, fmt.Errorf("transient failure")
		}
		return v, nil
	}
}

func assertOutcome(t *testing.T, inst *Instance, want bool) {
	t.Helper()
	if !inst.Complete() {
		t.Fatalf("instance not complete, status %+v", inst.Status())
	}
	got, ok := inst.Success()
	if !ok || got != want {
		t.Fatalf("success = %v (set %v), want %v", got, ok, want)
	}
	if inst.Status() != nil {
		t.Errorf("status should be discarded on completion, got %+v", inst.Status())
	}
	if inst.NextRunTime() != "" {
		t.Errorf("nextRunTime = %q after completion", inst.NextRunTime())
	}
}

// =============================================================================
// Forward execution
// =============================================================================

func TestRun_AllStepsSucceed(t *testing.T) {
	f := newFixture(t, tasks.Methods{
		"reserve": returns(map[string]any{"x": 1}),
		"charge":  returns(map[string]any{"receipt": "r-1"}),
	})
	def := f.define(tasks.Spec{
		Name: "checkout",
		Steps: []tasks.StepSpec{
			{Method: "reserve", Output: map[string]any{"x": "stock.reserved"}},
			{Method: "charge"},
		},
	})
	inst := f.create(def, map[string]any{"order": "o-1"})

	f.run(inst)

	assertOutcome(t, inst, true)
	if got := f.callLog(); !reflect.DeepEqual(got, []string{"reserve", "charge"}) {
		t.Errorf("calls = %v", got)
	}
	want := map[string]any{
		"order":   "o-1",
		"stock":   map[string]any{"reserved": 1.0},
		"receipt": "r-1",
	}
	if !reflect.DeepEqual(inst.Data(), want) {
		t.Errorf("data = %v, want %v", inst.Data(), want)
	}

	rec := f.stored(inst.ID())
	if !rec.Data.Complete || rec.Data.Status != nil || !reflect.DeepEqual(rec.Data.Data, want) {
		t.Errorf("stored record = %+v", rec.Data)
	}
	if rec.Data.Error != nil {
		t.Errorf("successful record carries error %+v", rec.Data.Error)
	}

	names := f.events.Names()
	wantNames := []string{
		telemetry.EventInstanceCreated,
		telemetry.EventSubStepComplete,
		telemetry.EventSubStepComplete,
		telemetry.EventInstanceComplete,
	}
	if !reflect.DeepEqual(names, wantNames) {
		t.Errorf("events = %v", names)
	}
}

func TestRun_MethodInputFallsBackToAllData(t *testing.T) {
	var seen map[string]any
	f := newFixture(t, tasks.Methods{
		"mutate": func(ctx context.Context, input map[string]any) (any, error) {
			seen = input
			input["order"] = "tampered"
			return nil, nil
		},
	})
	def := f.define(tasks.Spec{Name: "t", Steps: []tasks.StepSpec{{Method: "mutate"}}})
	inst := f.create(def, map[string]any{"order": "o-1", "session": "s"})

	f.run(inst)

	if seen["session"] != "s" {
		t.Errorf("input = %v", seen)
	}
	if inst.Data()["order"] != "o-1" {
		t.Errorf("method mutated instance data through its input: %v", inst.Data())
	}
}

func TestRun_MappedInputIsACopy(t *testing.T) {
	f := newFixture(t, tasks.Methods{
		"mutate": func(ctx context.Context, input map[string]any) (any, error) {
			input["o"].(map[string]any)["id"] = "tampered"
			return nil, nil
		},
	})
	def := f.define(tasks.Spec{Name: "t", Steps: []tasks.StepSpec{{
		Method: "mutate",
		Input:  map[string]any{"order": "o"},
	}}})
	inst := f.create(def, map[string]any{"order": map[string]any{"id": "o-1"}})

	f.run(inst)

	if got := inst.Data()["order"].(map[string]any)["id"]; got != "o-1" {
		t.Errorf("method mutated instance data through mapped input: id = %v", got)
	}
	if got := f.stored(inst.ID()).Data.Data["order"].(map[string]any)["id"]; got != "o-1" {
		t.Errorf("stored id = %v", got)
	}
}

func TestRun_MethodErrorWithoutHandlerFails(t *testing.T) {
	f := newFixture(t, tasks.Methods{
		"reserve": fails("out of stock"),
		"charge":  returns(nil),
	})
	def := f.define(tasks.Spec{
		Name:  "checkout",
		Steps: []tasks.StepSpec{{Method: "reserve"}, {Method: "charge"}},
	})
	inst := f.create(def, nil)

	f.run(inst)

	assertOutcome(t, inst, false)
	if f.count("charge") != 0 {
		t.Error("charge should not run after reserve failed")
	}
	rec := f.stored(inst.ID())
	if rec.Data.Error == nil || rec.Data.Error.Code != "CONFLICT" {
		t.Errorf("record error = %+v", rec.Data.Error)
	}
}

func TestRun_ErrorHandlerSuccessCompletesTask(t *testing.T) {
	f := newFixture(t, tasks.Methods{
		"method1": fails("nope"),
		"error1":  returns(nil),
		"method2": returns(nil),
	})
	def := f.define(tasks.Spec{
		Name: "e2e",
		Steps: []tasks.StepSpec{
			{Method: "method1", Error: &tasks.StepSpec{Method: "error1"}},
			{Method: "method2"},
		},
	})
	inst := f.create(def, map[string]any{"foo": "bar"})

	f.run(inst)

	assertOutcome(t, inst, true)
	if f.count("error1") != 1 {
		t.Errorf("error1 called %d times", f.count("error1"))
	}
	if f.count("method2") != 0 {
		t.Error("a handled error completes the task")
	}
	if !reflect.DeepEqual(inst.Data(), map[string]any{"foo": "bar"}) {
		t.Errorf("data = %v", inst.Data())
	}
}

func TestRun_ErrorHandlerFailureFails(t *testing.T) {
	f := newFixture(t, tasks.Methods{
		"method1": fails("nope"),
		"error1":  fails("handler broke"),
	})
	def := f.define(tasks.Spec{
		Name:  "e2e",
		Steps: []tasks.StepSpec{{Method: "method1", Error: &tasks.StepSpec{Method: "error1"}}},
	})
	inst := f.create(def, nil)

	f.run(inst)

	assertOutcome(t, inst, false)
	if e := f.stored(inst.ID()).Data.Error; e == nil || e.Message == "" {
		t.Errorf("record error = %+v", e)
	}
}

func TestRun_IgnoreError(t *testing.T) {
	f := newFixture(t, tasks.Methods{
		"optional": fails("never works"),
		"next":     returns(map[string]any{"done": true}),
	})
	def := f.define(tasks.Spec{
		Name: "t",
		Steps: []tasks.StepSpec{
			{Method: "optional", IgnoreError: true},
			{Method: "next"},
		},
	})
	inst := f.create(def, nil)

	f.run(inst)

	assertOutcome(t, inst, true)
	if inst.Data()["done"] != true {
		t.Errorf("data = %v", inst.Data())
	}
}

func TestRun_IgnoreErrorAfterHandlerFails(t *testing.T) {
	f := newFixture(t, tasks.Methods{
		"optional": fails("never works"),
		"cleanup":  fails("cleanup failed too"),
		"next":     returns(nil),
	})
	def := f.define(tasks.Spec{
		Name: "t",
		Steps: []tasks.StepSpec{
			{Method: "optional", IgnoreError: true, Error: &tasks.StepSpec{Method: "cleanup"}},
			{Method: "next"},
		},
	})
	inst := f.create(def, nil)

	f.run(inst)

	assertOutcome(t, inst, true)
	if got := f.callLog(); !reflect.DeepEqual(got, []string{"optional", "cleanup", "next"}) {
		t.Errorf("calls = %v", got)
	}
}

// =============================================================================
// Retries
// =============================================================================

func TestRun_RetryThenSucceed(t *testing.T) {
	f := newFixture(t, tasks.Methods{
		"method2": returns(nil),
		"method3": failsTimes(1, map[string]any{"ok": true}),
	})
	def := f.define(tasks.Spec{
		Name: "e2e",
		Steps: []tasks.StepSpec{
			{Method: "method2"},
			{Method: "method3", Retry: true},
		},
	})
	inst := f.create(def, nil)
	created := inst.NextRunTime()

	f.run(inst)

	if inst.Complete() {
		t.Fatal("instance should be suspended awaiting retry")
	}
	if _, ok := inst.Success(); ok {
		t.Error("success should be unset while suspended")
	}
	if inst.NextRunTime() == created {
		t.Error("nextRunTime should move out")
	}
	if want := schedule.Format(epoch.Add(schedule.AutoDelays[0])); inst.NextRunTime() != want {
		t.Errorf("nextRunTime = %s, want %s", inst.NextRunTime(), want)
	}
	rec := f.stored(inst.ID())
	if rec.Data.Status == nil || !rec.Data.Status.Retry || rec.Data.Status.StepNum != 1 {
		t.Errorf("stored status = %+v", rec.Data.Status)
	}

	suspensions := f.runToEnd(inst)

	assertOutcome(t, inst, true)
	if suspensions != 0 {
		t.Errorf("extra suspensions: %d", suspensions)
	}
	if f.count("method3") != 2 || f.count("method2") != 1 {
		t.Errorf("calls = %v", f.callLog())
	}
	if inst.Data()["ok"] != true {
		t.Errorf("data = %v", inst.Data())
	}
}

func TestRun_IdempotentBeforeNextRunTime(t *testing.T) {
	f := newFixture(t, tasks.Methods{"flaky": failsTimes(1, nil)})
	def := f.define(tasks.Spec{Name: "t", Steps: []tasks.StepSpec{{Method: "flaky", Retry: true}}})
	inst := f.create(def, nil)

	f.run(inst)
	rev := f.stored(inst.ID()).Revision

	f.clock.Advance(schedule.AutoDelays[0] - time.Second)
	for n := 0; n < 3; n++ {
		f.run(inst)
	}

	if f.count("flaky") != 1 {
		t.Errorf("flaky called %d times before its retry was due", f.count("flaky"))
	}
	if got := f.stored(inst.ID()).Revision; got != rev {
		t.Errorf("record rewritten while waiting: revision %d -> %d", rev, got)
	}

	if err := inst.RunNow(context.Background()); err != nil {
		t.Fatalf("RunNow failed: %v", err)
	}
	assertOutcome(t, inst, true)
}

func TestRun_RetryBound(t *testing.T) {
	f := newFixture(t, tasks.Methods{"always": fails("down")})
	def := f.define(tasks.Spec{Name: "t", Steps: []tasks.StepSpec{{Method: "always", Retry: true}}})
	inst := f.create(def, nil)

	suspensions := f.runToEnd(inst)

	assertOutcome(t, inst, false)
	if got := f.count("always"); got != len(schedule.AutoDelays)+1 {
		t.Errorf("attempts = %d, want %d", got, len(schedule.AutoDelays)+1)
	}
	if suspensions != len(schedule.AutoDelays) {
		t.Errorf("suspensions = %d, want %d", suspensions, len(schedule.AutoDelays))
	}

	var delays []string
	for _, ev := range f.events.Events() {
		if ev.Name == telemetry.EventRetryScheduled {
			delays = append(delays, ev.Data["delay"].(string))
		}
	}
	for i, d := range schedule.AutoDelays {
		if i >= len(delays) || delays[i] != d.String() {
			t.Errorf("delays = %v", delays)
			break
		}
	}
}

func TestRun_RetryExhaustedRunsErrorHandler(t *testing.T) {
	f := newFixture(t, tasks.Methods{
		"always":  fails("down"),
		"fallback": returns(nil),
	})
	def := f.define(tasks.Spec{
		Name:  "t",
		Steps: []tasks.StepSpec{{Method: "always", Retry: true, Error: &tasks.StepSpec{Method: "fallback"}}},
	})
	inst := f.create(def, nil)

	f.runToEnd(inst)

	assertOutcome(t, inst, true)
	if f.count("always") != 9 || f.count("fallback") != 1 {
		t.Errorf("calls = %v", f.callLog())
	}
	calls := f.callLog()
	if calls[len(calls)-1] != "fallback" {
		t.Errorf("handler should run after retries, calls = %v", calls)
	}
}

func TestRun_ErrorHandlerRetry(t *testing.T) {
	f := newFixture(t, tasks.Methods{
		"method":  fails("down"),
		"handler": failsTimes(2, nil),
	})
	def := f.define(tasks.Spec{
		Name: "t",
		Steps: []tasks.StepSpec{{
			Method: "method",
			Error:  &tasks.StepSpec{Method: "handler", Retry: true},
		}},
	})
	inst := f.create(def, nil)

	suspensions := f.runToEnd(inst)

	assertOutcome(t, inst, true)
	if suspensions != 2 || f.count("handler") != 3 || f.count("method") != 1 {
		t.Errorf("suspensions %d, calls %v", suspensions, f.callLog())
	}
}

// =============================================================================
// Checks
// =============================================================================

func TestRun_CheckGate_NotVerified(t *testing.T) {
	f := newFixture(t, tasks.Methods{
		"charge": failsTimes(1, nil),
		"verify": returns(nil),
	})
	def := f.define(tasks.Spec{
		Name: "t",
		Steps: []tasks.StepSpec{{
			Method: "charge",
			Retry:  true,
			Check: &tasks.StepSpec{
				Method: "verify",
				Input:  map[string]any{"foo": "bar"},
				Output: map[string]any{"bar": "foo"},
			},
		}},
	})
	inst := f.create(def, map[string]any{"foo": 1, "session": "s-1"})

	f.run(inst)
	if inst.Complete() {
		t.Fatal("should suspend after the first failure")
	}
	if f.count("verify") != 0 {
		t.Error("check must not run before the method was attempted")
	}

	f.runToEnd(inst)

	assertOutcome(t, inst, true)
	if got := f.callLog(); !reflect.DeepEqual(got, []string{"charge", "verify", "charge"}) {
		t.Errorf("calls = %v", got)
	}
	wantInput := map[string]any{"bar": 1.0, "session": "s-1"}
	if got := f.inputs["verify"][0]; !reflect.DeepEqual(got, wantInput) {
		t.Errorf("check input = %v, want %v", got, wantInput)
	}
	if inst.Data()["foo"] != 1.0 {
		t.Errorf("nil check result must not touch data, foo = %v", inst.Data()["foo"])
	}
}

func TestRun_CheckGate_Verified(t *testing.T) {
	f := newFixture(t, tasks.Methods{
		"charge": fails("timeout after charge"),
		"verify": returns(map[string]any{"bar": 2}),
	})
	def := f.define(tasks.Spec{
		Name: "t",
		Steps: []tasks.StepSpec{{
			Method: "charge",
			Retry:  true,
			Check: &tasks.StepSpec{
				Method: "verify",
				Input:  map[string]any{"foo": "bar"},
				Output: map[string]any{"bar": "foo"},
			},
		}},
	})
	inst := f.create(def, map[string]any{"foo": 1})

	f.runToEnd(inst)

	assertOutcome(t, inst, true)
	if f.count("charge") != 1 {
		t.Errorf("a verified check skips the method, calls = %v", f.callLog())
	}
	if inst.Data()["foo"] != 2.0 {
		t.Errorf("foo = %v, want 2", inst.Data()["foo"])
	}
}

func TestRun_CheckFailureFails(t *testing.T) {
	f := newFixture(t, tasks.Methods{
		"charge": fails("down"),
		"verify": fails("cannot verify"),
	})
	def := f.define(tasks.Spec{
		Name: "t",
		Steps: []tasks.StepSpec{{
			Method: "charge",
			Retry:  true,
			Check:  &tasks.StepSpec{Method: "verify"},
		}},
	})
	inst := f.create(def, nil)

	f.runToEnd(inst)

	assertOutcome(t, inst, false)
	if f.count("verify") != 1 || f.count("charge") != 1 {
		t.Errorf("calls = %v", f.callLog())
	}
	if e := f.stored(inst.ID()).Data.Error; e == nil || e.Code != "CONFLICT" {
		t.Errorf("record error = %+v", e)
	}
}

func errorCheckSpec(check tasks.StepSpec) tasks.Spec {
	return tasks.Spec{
		Name: "t",
		Steps: []tasks.StepSpec{{
			Method: "method1",
			Error: &tasks.StepSpec{
				Method: "error1",
				Retry:  true,
				Check:  &check,
			},
		}},
	}
}

func TestRun_ErrorCheck_NotVerifiedRetriesHandler(t *testing.T) {
	f := newFixture(t, tasks.Methods{
		"method1":     fails("down"),
		"error1":      failsTimes(1, nil),
		"errorCheck1": returns(nil),
	})
	def := f.define(errorCheckSpec(tasks.StepSpec{Method: "errorCheck1"}))
	inst := f.create(def, map[string]any{"foo": 1})

	suspensions := f.runToEnd(inst)

	assertOutcome(t, inst, true)
	want := []string{"method1", "error1", "errorCheck1", "error1"}
	if got := f.callLog(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	if suspensions != 1 {
		t.Errorf("suspensions = %d, want 1", suspensions)
	}
	if inst.Data()["foo"] != 1.0 {
		t.Errorf("foo = %v, want 1", inst.Data()["foo"])
	}
}

func TestRun_ErrorCheck_VerifiedSkipsHandler(t *testing.T) {
	f := newFixture(t, tasks.Methods{
		"method1":     fails("down"),
		"error1":      fails("handler timed out"),
		"errorCheck1": returns(map[string]any{"bar": 2}),
	})
	def := f.define(errorCheckSpec(tasks.StepSpec{
		Method: "errorCheck1",
		Output: map[string]any{"bar": "foo"},
	}))
	inst := f.create(def, map[string]any{"foo": 1})

	f.runToEnd(inst)

	assertOutcome(t, inst, true)
	want := []string{"method1", "error1", "errorCheck1"}
	if got := f.callLog(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	if inst.Data()["foo"] != 2.0 {
		t.Errorf("foo = %v, want 2", inst.Data()["foo"])
	}
	if e := f.stored(inst.ID()).Data.Error; e != nil {
		t.Errorf("handled failure should leave no error, got %+v", e)
	}
}

func TestRun_ErrorCheck_FailureRetried(t *testing.T) {
	f := newFixture(t, tasks.Methods{
		"method1":     fails("down"),
		"error1":      failsTimes(1, nil),
		"errorCheck1": failsTimes(1, nil),
	})
	def := f.define(errorCheckSpec(tasks.StepSpec{Method: "errorCheck1", Retry: true}))
	inst := f.create(def, nil)

	suspensions := f.runToEnd(inst)

	assertOutcome(t, inst, true)
	want := []string{"method1", "error1", "errorCheck1", "errorCheck1", "error1"}
	if got := f.callLog(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	if suspensions != 2 {
		t.Errorf("suspensions = %d, want 2", suspensions)
	}
}

func TestRun_ErrorCheck_FailureWithoutRetryFails(t *testing.T) {
	f := newFixture(t, tasks.Methods{
		"method1":     fails("down"),
		"error1":      failsTimes(1, nil),
		"errorCheck1": fails("cannot verify"),
	})
	def := f.define(errorCheckSpec(tasks.StepSpec{Method: "errorCheck1"}))
	inst := f.create(def, nil)

	f.runToEnd(inst)

	assertOutcome(t, inst, false)
	if f.count("error1") != 1 || f.count("errorCheck1") != 1 {
		t.Errorf("calls = %v", f.callLog())
	}
	if e := f.stored(inst.ID()).Data.Error; e == nil || e.Message != "cannot verify" {
		t.Errorf("record error = %+v", e)
	}
}

// =============================================================================
// Rollback
// =============================================================================

func rollbackSpec(last tasks.StepSpec) tasks.Spec {
	return tasks.Spec{
		Name: "rollback",
		Steps: []tasks.StepSpec{
			{Method: "A", Reverse: &tasks.StepSpec{Method: "Ra"}},
			{Method: "B", Reverse: &tasks.StepSpec{Method: "Rb"}},
			{Method: "noop"},
			last,
		},
	}
}

func TestRun_RollbackOrder(t *testing.T) {
	f := newFixture(t, tasks.Methods{
		"A": returns(nil), "B": returns(nil), "C": fails("C broke"),
		"Ra": returns(nil), "Rb": returns(nil), "noop": returns(nil),
	})
	def := f.define(rollbackSpec(tasks.StepSpec{Method: "C"}))
	inst := f.create(def, nil)

	f.run(inst)

	assertOutcome(t, inst, false)
	want := []string{"A", "B", "noop", "C", "Rb", "Ra"}
	if got := f.callLog(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	e := f.stored(inst.ID()).Data.Error
	if e == nil || e.Code != "CONFLICT" {
		t.Errorf("record should keep the error that started rollback, got %+v", e)
	}
}

func TestRun_RollbackAfterHandledError(t *testing.T) {
	f := newFixture(t, tasks.Methods{
		"A": returns(nil), "B": returns(nil), "C": fails("C broke"), "handle": returns(nil),
		"Ra": returns(nil), "Rb": returns(nil), "noop": returns(nil),
	})
	def := f.define(rollbackSpec(tasks.StepSpec{Method: "C", Error: &tasks.StepSpec{Method: "handle"}}))
	inst := f.create(def, nil)

	f.run(inst)

	assertOutcome(t, inst, true)
	want := []string{"A", "B", "noop", "C", "handle", "Rb", "Ra"}
	if got := f.callLog(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestRun_ReverseFailureFails(t *testing.T) {
	f := newFixture(t, tasks.Methods{
		"A": returns(nil), "B": returns(nil), "C": fails("C broke"),
		"Ra": returns(nil), "Rb": fails("Rb broke"), "noop": returns(nil),
	})
	def := f.define(rollbackSpec(tasks.StepSpec{Method: "C"}))
	inst := f.create(def, nil)

	f.run(inst)

	assertOutcome(t, inst, false)
	if f.count("Ra") != 0 {
		t.Error("rollback stops at the failed reverse action")
	}
	e := f.stored(inst.ID()).Data.Error
	if e == nil || e.Message == "" || e.Code != "CONFLICT" {
		t.Errorf("record error = %+v", e)
	}
}

func TestRun_ReverseRetry(t *testing.T) {
	f := newFixture(t, tasks.Methods{
		"A": returns(nil), "B": fails("B broke"),
		"Ra": failsTimes(1, nil), "verifyRa": returns(nil),
	})
	def := f.define(tasks.Spec{
		Name: "t",
		Steps: []tasks.StepSpec{
			{Method: "A", Reverse: &tasks.StepSpec{
				Method: "Ra",
				Retry:  true,
				Check:  &tasks.StepSpec{Method: "verifyRa"},
			}},
			{Method: "B"},
		},
	})
	inst := f.create(def, nil)

	f.run(inst)
	st := f.stored(inst.ID()).Data.Status
	if inst.Complete() || st == nil || !st.Reverse || st.SubStep != SubStepReverse {
		t.Fatalf("should suspend mid rollback, status %+v", st)
	}

	suspensions := f.runToEnd(inst)

	assertOutcome(t, inst, false)
	if suspensions != 0 {
		t.Errorf("suspensions = %d", suspensions)
	}
	want := []string{"A", "B", "Ra", "verifyRa", "Ra"}
	if got := f.callLog(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}

	var names []string
	for _, n := range f.events.Names() {
		if n == telemetry.EventRollbackStarted {
			names = append(names, n)
		}
	}
	if len(names) != 1 {
		t.Errorf("rollback started %d times", len(names))
	}
}

func TestRun_ReverseCheck_FailureRetried(t *testing.T) {
	f := newFixture(t, tasks.Methods{
		"A": returns(nil), "B": fails("B broke"),
		"Ra": failsTimes(1, nil), "verifyRa": failsTimes(1, nil),
	})
	def := f.define(tasks.Spec{
		Name: "t",
		Steps: []tasks.StepSpec{
			{Method: "A", Reverse: &tasks.StepSpec{
				Method: "Ra",
				Retry:  true,
				Check:  &tasks.StepSpec{Method: "verifyRa", Retry: true},
			}},
			{Method: "B"},
		},
	})
	inst := f.create(def, nil)

	suspensions := f.runToEnd(inst)

	assertOutcome(t, inst, false)
	want := []string{"A", "B", "Ra", "verifyRa", "verifyRa", "Ra"}
	if got := f.callLog(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	if suspensions != 2 {
		t.Errorf("suspensions = %d, want 2", suspensions)
	}
	if e := f.stored(inst.ID()).Data.Error; e == nil || e.Message != "B broke" {
		t.Errorf("record should keep the error that started rollback, got %+v", e)
	}
}

// =============================================================================
// Recovery and invariants
// =============================================================================

func TestRun_InterruptedSubStep(t *testing.T) {
	tests := []struct {
		name        string
		retry       any
		wantDone    bool
		wantSuccess bool
	}{
		{name: "retried", retry: true, wantDone: false},
		{name: "fails without retry", retry: nil, wantDone: true, wantSuccess: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tasks.Methods{"charge": returns(nil)})
			def := f.define(tasks.Spec{Name: "t", Steps: []tasks.StepSpec{{Method: "charge", Retry: tt.retry}}})
			inst := f.create(def, nil)

			// A worker died while charge was executing.
			rec := f.stored(inst.ID())
			rec.Data.Status = &Status{
				StepNum: 0,
				SubStep: SubStepMethod,
				Try:     map[SubStep]int{SubStepMethod: 0},
				Running: true,
			}
			if err := f.engine.Store().Save(context.Background(), rec); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			resumed, err := f.engine.LoadByID(context.Background(), inst.ID())
			if err != nil {
				t.Fatalf("LoadByID failed: %v", err)
			}
			f.run(resumed)

			if f.count("charge") != 0 {
				t.Error("interrupted sub-step must not be re-run without routing")
			}
			if resumed.Complete() != tt.wantDone {
				t.Fatalf("complete = %v, want %v", resumed.Complete(), tt.wantDone)
			}
			stored := f.stored(inst.ID())
			if tt.wantDone {
				assertOutcome(t, resumed, tt.wantSuccess)
				if stored.Data.Error == nil || stored.Data.Error.Code != string(errors.ErrCodeInterrupted) {
					t.Errorf("record error = %+v", stored.Data.Error)
				}
				return
			}
			st := stored.Data.Status
			if st == nil || st.Running || !st.Retry || st.Error[SubStepMethod] == nil ||
				st.Error[SubStepMethod].Code != string(errors.ErrCodeInterrupted) {
				t.Errorf("stored status = %+v", st)
			}
		})
	}
}

func TestRun_PanicCaptured(t *testing.T) {
	f := newFixture(t, tasks.Methods{
		"explode": func(ctx context.Context, input map[string]any) (any, error) {
			panic("kaboom")
		},
	})
	def := f.define(tasks.Spec{Name: "t", Steps: []tasks.StepSpec{{Method: "explode"}}})
	inst := f.create(def, nil)

	f.run(inst)

	assertOutcome(t, inst, false)
	e := f.stored(inst.ID()).Data.Error
	if e == nil || e.Code != string(errors.ErrCodePanic) || e.Stack == "" {
		t.Errorf("record error = %+v", e)
	}
}

func TestRun_RunLoopDetected(t *testing.T) {
	f := newFixture(t, tasks.Methods{"charge": returns(nil)})
	def := f.define(tasks.Spec{Name: "t", Steps: []tasks.StepSpec{{Method: "charge", Retry: true}}})
	inst := f.create(def, nil)

	// The last iteration selected step 0's method; consuming a retry
	// selects it again.
	inst.status = &Status{
		StepNum: 0,
		SubStep: SubStepMethod,
		Try:     map[SubStep]int{SubStepMethod: 0},
		Error:   map[SubStep]*StepError{SubStepMethod: {Message: "x"}},
		Retry:   true,
	}
	inst.rec.Data.Status = inst.status
	inst.step = def.Step(0)
	inst.lastStepNum = 0
	inst.lastSubStep = SubStepMethod

	err := inst.loop(context.Background())
	if !errors.Is(err, errors.ErrCodeRunLoop) {
		t.Fatalf("expected RUN_LOOP, got %v", err)
	}
	if f.count("charge") != 0 {
		t.Error("nothing should execute once a loop is detected")
	}
}

func TestRun_StepNotDefined(t *testing.T) {
	f := newFixture(t, tasks.Methods{"charge": returns(nil)})
	def := f.define(tasks.Spec{Name: "t", Steps: []tasks.StepSpec{{Method: "charge"}}})
	inst := f.create(def, nil)

	rec := f.stored(inst.ID())
	rec.Data.Status = &Status{StepNum: 5, SubStep: SubStepMethod}
	if err := f.engine.Store().Save(context.Background(), rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := f.engine.Load(context.Background(), rec)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if err := loaded.Run(context.Background()); !errors.Is(err, errors.ErrCodeStepNotDefined) {
		t.Errorf("expected STEP_NOT_DEFINED, got %v", err)
	}
}

func TestRun_CompletedIsNoop(t *testing.T) {
	f := newFixture(t, tasks.Methods{"charge": returns(nil)})
	def := f.define(tasks.Spec{Name: "t", Steps: []tasks.StepSpec{{Method: "charge"}}})
	inst := f.create(def, nil)
	f.run(inst)

	if err := inst.RunNow(context.Background()); err != nil {
		t.Fatalf("RunNow failed: %v", err)
	}
	if f.count("charge") != 1 {
		t.Errorf("completed instance ran again: %v", f.callLog())
	}
}

func TestRun_StaleRecord(t *testing.T) {
	f := newFixture(t, tasks.Methods{"charge": returns(nil)})
	def := f.define(tasks.Spec{Name: "t", Steps: []tasks.StepSpec{{Method: "charge"}}})
	inst := f.create(def, nil)

	other, err := f.engine.LoadByID(context.Background(), inst.ID())
	if err != nil {
		t.Fatalf("LoadByID failed: %v", err)
	}
	f.run(inst)

	if err := other.Run(context.Background()); !errors.Is(err, errors.ErrCodeStaleRevision) {
		t.Errorf("expected STALE_REVISION, got %v", err)
	}
	if f.count("charge") != 1 {
		t.Errorf("stale runner executed a sub-step: %v", f.callLog())
	}

	if err := other.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if !other.Complete() {
		t.Error("reloaded instance should see the completed record")
	}
}

// refuseComplete fails any write that would mark an instance complete.
type refuseComplete struct {
	*state.MemoryStore
}

func (s refuseComplete) Update(key string, value []byte, revision uint64) (uint64, error) {
	if bytes.Contains(value, []byte(`"complete":true`)) {
		return 0, state.ErrClosed
	}
	return s.MemoryStore.Update(key, value, revision)
}

func TestRun_FinishSaveFailureKeepsHandle(t *testing.T) {
	f := newFixture(t, tasks.Methods{"charge": returns(nil)})
	def := f.define(tasks.Spec{Name: "t", Steps: []tasks.StepSpec{{Method: "charge"}}})
	engine := New(refuseComplete{f.store}, f.registry, WithClock(f.clock))
	inst, err := engine.Create(context.Background(), def, nil, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := inst.Run(context.Background()); err == nil {
		t.Fatal("expected the final save to fail")
	}
	if inst.Complete() {
		t.Error("handle reports complete although the record was not saved")
	}
	if _, ok := inst.Success(); ok {
		t.Error("success set although the record was not saved")
	}
	if st := inst.Status(); st == nil || st.SubStep != SubStepMethod {
		t.Errorf("status = %+v, want the last saved status", st)
	}

	rec, err := engine.Store().Get(context.Background(), inst.ID())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Data.Complete || rec.Revision != inst.Record().Revision {
		t.Errorf("stored record %+v does not match the handle", rec.Data)
	}
}

func TestRun_ContextCanceled(t *testing.T) {
	f := newFixture(t, tasks.Methods{"charge": returns(nil)})
	def := f.define(tasks.Spec{Name: "t", Steps: []tasks.StepSpec{{Method: "charge"}}})
	inst := f.create(def, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := inst.Run(ctx); !errors.Is(err, errors.ErrCodeCanceled) {
		t.Errorf("expected CANCELED, got %v", err)
	}
	if f.count("charge") != 0 {
		t.Error("canceled run executed a sub-step")
	}
}

// =============================================================================
// Engine
// =============================================================================

func TestEngine_CreateDefaults(t *testing.T) {
	f := newFixture(t, tasks.Methods{"charge": returns(nil)})
	def := f.define(tasks.Spec{
		Name:  "t",
		Steps: []tasks.StepSpec{{Method: "charge"}},
		Data:  map[string]any{"region": "eu", "n": 1},
	})

	inst, err := f.engine.Create(context.Background(), def, map[string]any{"n": 2}, "1h")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if inst.ID() != "inst-1" {
		t.Errorf("ID = %q", inst.ID())
	}
	want := map[string]any{"region": "eu", "n": 2.0}
	if !reflect.DeepEqual(inst.Data(), want) {
		t.Errorf("data = %v, want %v", inst.Data(), want)
	}
	if inst.NextRunTime() != "2024-01-01 01:00:00" {
		t.Errorf("nextRunTime = %q", inst.NextRunTime())
	}
	if def.Data["n"] != 1 {
		t.Error("Create modified the definition's default data")
	}

	f.run(inst)
	if f.count("charge") != 0 {
		t.Error("instance ran before its nextRunTime")
	}
}

func TestEngine_CreateErrors(t *testing.T) {
	f := newFixture(t, tasks.Methods{"charge": returns(nil)})
	def := f.define(tasks.Spec{Name: "t", Steps: []tasks.StepSpec{{Method: "charge"}}})
	ctx := context.Background()

	if _, err := f.engine.Create(ctx, def, nil, "not-a-time"); !errors.Is(err, errors.ErrCodeInvalidTime) {
		t.Errorf("expected INVALID_TIME, got %v", err)
	}
	if _, err := f.engine.Create(ctx, def, nil, 42); !errors.Is(err, errors.ErrCodeInvalidTimeType) {
		t.Errorf("expected INVALID_TIME_TYPE, got %v", err)
	}
	if _, err := f.engine.CreateByName(ctx, "missing", nil, nil); !errors.Is(err, errors.ErrCodeTaskNotDefined) {
		t.Errorf("expected TASK_NOT_DEFINED, got %v", err)
	}
	if _, err := f.engine.LoadByID(ctx, "missing"); !errors.Is(err, errors.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestEngine_UnregisteredDefinition(t *testing.T) {
	f := newFixture(t, tasks.Methods{"charge": returns(nil)})
	def, err := tasks.Build(tasks.Spec{Name: "adhoc", Steps: []tasks.StepSpec{{Method: "charge"}}},
		f.wrap(tasks.Methods{"charge": returns(nil)}))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	inst := f.create(def, nil)

	loaded, err := f.engine.LoadByID(context.Background(), inst.ID())
	if err != nil {
		t.Fatalf("LoadByID failed: %v", err)
	}
	if loaded.Definition().ID != def.ID {
		t.Errorf("definition = %s, want %s", loaded.Definition().ID, def.ID)
	}
	f.run(loaded)
	assertOutcome(t, loaded, true)
}

func TestEngine_DefinitionDrift(t *testing.T) {
	methods := tasks.Methods{
		"reserve": returns(nil),
		"charge":  returns(nil),
		"ship":    returns(nil),
	}
	f := newFixture(t, methods)
	v1 := f.define(tasks.Spec{
		Name:  "checkout",
		Steps: []tasks.StepSpec{{Method: "reserve"}, {Method: "charge"}},
	})
	inst, err := f.engine.Create(context.Background(), v1, nil, "1h")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// A new process starts with a redefined task.
	registry := tasks.NewRegistry(f.store, f.wrap(methods))
	v2, err := registry.Define(tasks.Spec{
		Name:  "checkout",
		Steps: []tasks.StepSpec{{Method: "reserve"}, {Method: "charge"}, {Method: "ship"}},
	})
	if err != nil {
		t.Fatalf("Define v2 failed: %v", err)
	}
	engine := f.newEngine(registry)

	loaded, err := engine.LoadByID(context.Background(), inst.ID())
	if err != nil {
		t.Fatalf("LoadByID failed: %v", err)
	}
	if loaded.Definition().ID != v1.ID || loaded.Definition().ID == v2.ID {
		t.Fatalf("loaded against %s, want the original %s", loaded.Definition().ID, v1.ID)
	}

	f.clock.Advance(time.Hour)
	f.run(loaded)

	assertOutcome(t, loaded, true)
	if f.count("ship") != 0 {
		t.Errorf("in-flight instance picked up the new definition: %v", f.callLog())
	}
}
