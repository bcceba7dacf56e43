// Package dispatch drives stored instances: it submits new ones and runs
// every incomplete instance once its nextRunTime has passed.
//
// Any number of dispatchers may share a store. A per-instance lock in the
// store keeps to one runner per instance; the record's revision check in
// instance.Store catches a runner whose lock lapsed.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/stepkit/errors"
	"github.com/vinayprograms/stepkit/instance"
	"github.com/vinayprograms/stepkit/logging"
	"github.com/vinayprograms/stepkit/schedule"
	"github.com/vinayprograms/stepkit/state"
)

const (
	idemPrefix = "dispatch.idem."
	lockPrefix = "dispatch.run."
)

// Submission asks for a new instance of a registered task.
type Submission struct {
	Task string         `json:"task"`
	Data map[string]any `json:"data,omitempty"`

	// NextRunTime is any expression schedule.Resolver accepts. Empty
	// means now.
	NextRunTime any `json:"nextRunTime,omitempty"`

	// IdempotencyKey makes resubmission return the instance the first
	// submission created. Keys are scoped to the task.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// Config tunes a Dispatcher.
type Config struct {
	WorkerID     string
	PollInterval time.Duration
	LockTTL      time.Duration
	BatchSize    int
}

// DefaultConfig returns the defaults used when fields are zero.
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		LockTTL:      5 * time.Minute,
		BatchSize:    100,
	}
}

// Dispatcher submits and runs instances.
type Dispatcher struct {
	engine *instance.Engine
	kv     state.StateStore
	config Config
	log    *logging.Logger

	submitMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a dispatcher. kv must be the store the engine writes to.
func New(engine *instance.Engine, kv state.StateStore, config Config, logger *logging.Logger) *Dispatcher {
	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.LockTTL <= 0 {
		config.LockTTL = defaults.LockTTL
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.WorkerID == "" {
		config.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{
		engine: engine,
		kv:     kv,
		config: config,
		log:    logger.WithComponent("dispatch"),
	}
}

// WorkerID returns the dispatcher's worker ID.
func (d *Dispatcher) WorkerID() string {
	return d.config.WorkerID
}

// Submit creates an instance. With an idempotency key that was seen
// before, the existing instance ID is returned and created is false.
func (d *Dispatcher) Submit(ctx context.Context, s Submission) (id string, created bool, err error) {
	if s.Task == "" {
		return "", false, errors.InvalidInput("task required")
	}
	if s.IdempotencyKey == "" {
		inst, err := d.engine.CreateByName(ctx, s.Task, s.Data, s.NextRunTime)
		if err != nil {
			return "", false, err
		}
		return inst.ID(), true, nil
	}

	d.submitMu.Lock()
	defer d.submitMu.Unlock()

	key := idemKey(s.Task, s.IdempotencyKey)
	if existing, err := d.kv.Get(key); err == nil {
		return string(existing), false, nil
	} else if !stderrors.Is(err, state.ErrNotFound) {
		return "", false, errors.Wrap(err, "read idempotency key", errors.WithTaskName(s.Task))
	}

	inst, err := d.engine.CreateByName(ctx, s.Task, s.Data, s.NextRunTime)
	if err != nil {
		return "", false, err
	}
	if _, err := d.kv.Create(key, []byte(inst.ID())); err != nil {
		if !stderrors.Is(err, state.ErrExists) {
			return "", false, errors.Wrap(err, "store idempotency key", errors.WithTaskName(s.Task))
		}
		// Another process submitted the same key first.
		existing, getErr := d.kv.Get(key)
		if getErr != nil {
			return "", false, errors.Wrap(getErr, "read idempotency key", errors.WithTaskName(s.Task))
		}
		if delErr := d.engine.Store().Delete(ctx, inst.ID()); delErr != nil {
			d.log.Warn("orphan_instance", map[string]interface{}{"instance": inst.ID(), "error": delErr.Error()})
		}
		return string(existing), false, nil
	}
	return inst.ID(), true, nil
}

func idemKey(task, key string) string {
	sum := sha256.Sum256([]byte(task + "\x00" + key))
	return idemPrefix + hex.EncodeToString(sum[:16])
}

// Due returns the incomplete records whose nextRunTime has passed, oldest
// first, at most BatchSize of them.
func (d *Dispatcher) Due(ctx context.Context) ([]*instance.Record, error) {
	records, err := d.engine.Store().List(ctx)
	if err != nil {
		return nil, err
	}
	now := d.engine.Clock().Now()
	due := records[:0]
	for _, rec := range records {
		if !rec.Data.Complete && schedule.Due(rec.Data.NextRunTime, now) {
			due = append(due, rec)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].Data.NextRunTime < due[j].Data.NextRunTime
	})
	if len(due) > d.config.BatchSize {
		due = due[:d.config.BatchSize]
	}
	return due, nil
}

// RunDue runs every due instance once and returns how many it ran.
// Instances held by another runner are skipped. Failures of individual
// instances are logged; only failing to list records is returned.
func (d *Dispatcher) RunDue(ctx context.Context) (int, error) {
	due, err := d.Due(ctx)
	if err != nil {
		return 0, err
	}
	ran := 0
	for _, rec := range due {
		if ctx.Err() != nil {
			break
		}
		_, err := d.RunOne(ctx, rec.ID)
		switch {
		case err == nil:
			ran++
		case errors.Is(err, errors.ErrCodeResourceBusy):
			d.log.Debug("instance_busy", map[string]interface{}{"instance": rec.ID})
		case errors.Is(err, errors.ErrCodeStaleRevision):
			d.log.Info("instance_moved_on", map[string]interface{}{"instance": rec.ID})
		default:
			d.log.Error("run_failed", map[string]interface{}{
				"instance": rec.ID,
				"task":     rec.TaskName,
				"error":    err.Error(),
			})
		}
	}
	return ran, nil
}

// RunOne locks and runs one instance, returning it in its new state. A
// locked instance fails with RESOURCE_BUSY.
func (d *Dispatcher) RunOne(ctx context.Context, id string) (*instance.Instance, error) {
	lock, err := d.kv.Lock(lockPrefix+id, d.config.LockTTL)
	if err != nil {
		if stderrors.Is(err, state.ErrLockHeld) {
			return nil, errors.New(errors.ErrCodeResourceBusy,
				fmt.Sprintf("instance %s is being run elsewhere", id), errors.WithInstanceID(id))
		}
		return nil, errors.Wrap(err, "lock instance", errors.WithInstanceID(id))
	}
	defer lock.Unlock()

	stop := d.keepAlive(lock, id)
	defer stop()

	// Read after locking so the run starts from the latest record.
	inst, err := d.engine.LoadByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := inst.Run(ctx); err != nil {
		return inst, err
	}
	return inst, nil
}

// keepAlive refreshes lock until the returned function is called.
func (d *Dispatcher) keepAlive(lock state.Lock, id string) func() {
	quit := make(chan struct{})
	interval := d.config.LockTTL / 2
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				if err := lock.Refresh(); err != nil {
					d.log.Warn("lock_lost", map[string]interface{}{"instance": id, "error": err.Error()})
					return
				}
			}
		}
	}()
	return func() { close(quit) }
}

// Start runs due instances every PollInterval and whenever an instance
// record is written, until Stop is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return errors.Conflict("dispatcher already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	writes, err := d.engine.Store().Watch(loopCtx)
	if err != nil {
		cancel()
		return err
	}
	d.cancel = cancel
	d.done = make(chan struct{})

	kick := make(chan struct{}, 1)
	go func() {
		for range writes {
			select {
			case kick <- struct{}{}:
			default:
			}
		}
	}()
	go d.loop(loopCtx, kick)

	d.log.Info("dispatcher_started", map[string]interface{}{
		"worker":        d.config.WorkerID,
		"poll_interval": d.config.PollInterval.String(),
	})
	return nil
}

func (d *Dispatcher) loop(ctx context.Context, kick <-chan struct{}) {
	defer close(d.done)
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	// Runs are not cut short by Stop: a run that has started goes on to
	// its next suspension so that no sub-step is abandoned midway.
	runCtx := context.WithoutCancel(ctx)
	for {
		if _, err := d.RunDue(runCtx); err != nil {
			d.log.Error("list_due_failed", map[string]interface{}{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-kick:
		}
	}
}

// Stop ends the loop and waits for the current batch to finish or ctx to
// end.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel = nil
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		d.log.Info("dispatcher_stopped", map[string]interface{}{"worker": d.config.WorkerID})
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "dispatcher stop")
	}
}
