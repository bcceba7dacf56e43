package instance

import (
	"context"

	"github.com/google/uuid"

	"github.com/vinayprograms/stepkit/errors"
	"github.com/vinayprograms/stepkit/logging"
	"github.com/vinayprograms/stepkit/schedule"
	"github.com/vinayprograms/stepkit/state"
	"github.com/vinayprograms/stepkit/tasks"
	"github.com/vinayprograms/stepkit/telemetry"
)

// Engine creates and loads instances. It holds the collaborators every
// instance needs: record storage, the definition registry, a clock and
// the observability sinks.
type Engine struct {
	store    *Store
	registry *tasks.Registry
	clock    schedule.Clock
	resolver *schedule.Resolver
	logger   *logging.Logger
	tracer   *telemetry.Tracer
	events   telemetry.Exporter
	newID    func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for nextRunTime and retry delays.
func WithClock(c schedule.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithEvents sets the exporter that receives lifecycle events.
func WithEvents(x telemetry.Exporter) Option {
	return func(e *Engine) {
		if x != nil {
			e.events = x
		}
	}
}

// WithIDGenerator overrides instance ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// New creates an engine storing records in kv.
func New(kv state.StateStore, registry *tasks.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:    NewStore(kv),
		registry: registry,
		clock:    schedule.RealClock{},
		logger:   logging.Discard(),
		tracer:   telemetry.NoopTracer(),
		events:   telemetry.NewNoopExporter(),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.resolver = schedule.NewResolver(e.clock)
	e.logger = e.logger.WithComponent("instance")
	return e
}

// Store returns the record store.
func (e *Engine) Store() *Store { return e.store }

// Registry returns the definition registry.
func (e *Engine) Registry() *tasks.Registry { return e.registry }

// Clock returns the engine clock.
func (e *Engine) Clock() schedule.Clock { return e.clock }

// Create persists a new instance of def. data is deep-copied over the
// definition's default data; nextRunTime is any expression
// schedule.Resolver accepts, nil meaning now.
func (e *Engine) Create(ctx context.Context, def *tasks.Definition, data map[string]any, nextRunTime any) (*Instance, error) {
	if def == nil {
		return nil, errors.InvalidInput("definition required")
	}
	nrt, err := e.resolver.Resolve(nextRunTime)
	if err != nil {
		return nil, err
	}
	// Instances created from an ad hoc definition still need it to be
	// resolvable by ID when loaded later.
	if err := e.registry.Sync(def); err != nil {
		return nil, err
	}

	payload, err := normalizeMap(def.Data)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "encode default data",
			errors.WithTaskName(def.Name))
	}
	initial, err := normalizeMap(data)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "encode instance data",
			errors.WithTaskName(def.Name))
	}
	mergeInto(payload, initial)

	rec := &Record{
		ID:       e.newID(),
		TaskID:   def.ID,
		TaskName: def.Name,
		Data: Payload{
			Data:        payload,
			NextRunTime: nrt,
		},
		Created: e.clock.Now().UTC(),
		Trace:   telemetry.MapCarrier{},
	}
	telemetry.InjectContext(ctx, rec.Trace)

	if err := e.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	inst := newInstance(e, def, rec)
	e.logger.InstanceCreated(def.Name, rec.ID, nrt)
	inst.emit(telemetry.EventInstanceCreated, map[string]any{"nextRunTime": nrt})
	return inst, nil
}

// CreateByName is Create for the definition currently registered as name.
func (e *Engine) CreateByName(ctx context.Context, name string, data map[string]any, nextRunTime any) (*Instance, error) {
	def, err := e.registry.ByName(name)
	if err != nil {
		return nil, err
	}
	return e.Create(ctx, def, data, nextRunTime)
}

// Load rehydrates an instance from a stored record. The record runs
// against the definition it was created from, even if its task has been
// redefined since.
func (e *Engine) Load(ctx context.Context, rec *Record) (*Instance, error) {
	if rec == nil {
		return nil, errors.InvalidInput("record required")
	}
	def, err := e.registry.Resolve(rec.TaskName, rec.TaskID)
	if err != nil {
		return nil, errors.Wrap(err, "resolve definition",
			errors.WithInstanceID(rec.ID), errors.WithTaskName(rec.TaskName))
	}
	if rec.Data.Data == nil {
		rec.Data.Data = make(map[string]any)
	}
	return newInstance(e, def, rec), nil
}

// LoadByID reads the current record for id and loads it.
func (e *Engine) LoadByID(ctx context.Context, id string) (*Instance, error) {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.Load(ctx, rec)
}
