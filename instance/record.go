package instance

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/vinayprograms/stepkit/errors"
	"github.com/vinayprograms/stepkit/state"
	"github.com/vinayprograms/stepkit/telemetry"
)

const recordPrefix = "instance."

// Record is the persisted form of an instance.
type Record struct {
	ID       string    `json:"id"`
	TaskID   string    `json:"taskId"`
	TaskName string    `json:"taskName"`
	Data     Payload   `json:"data"`
	Created  time.Time `json:"created"`

	// Trace links later runs to the trace of the creating request.
	Trace telemetry.MapCarrier `json:"trace,omitempty"`

	// Revision is the store revision the record was read at. Saving
	// fails if the stored record has moved on.
	Revision uint64 `json:"-"`
}

// Payload is the mutable part of a record.
type Payload struct {
	Data        map[string]any `json:"data"`
	Status      *Status        `json:"status,omitempty"`
	NextRunTime string         `json:"nextRunTime,omitempty"`
	Complete    bool           `json:"complete"`
	Success     *bool          `json:"success,omitempty"`

	// Error is the failure that ended an unsuccessful instance.
	Error *StepError `json:"error,omitempty"`
}

// Store persists instance records in a state store. Every save replaces
// the whole record, so fields cleared in memory are cleared in storage.
type Store struct {
	kv state.StateStore
}

// NewStore wraps a state store.
func NewStore(kv state.StateStore) *Store {
	return &Store{kv: kv}
}

func recordKey(id string) string {
	return recordPrefix + id
}

// Create stores a new record and sets its revision.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode instance", errors.WithInstanceID(rec.ID))
	}
	rev, err := s.kv.Create(recordKey(rec.ID), data)
	if err != nil {
		if stderrors.Is(err, state.ErrExists) {
			return errors.New(errors.ErrCodeAlreadyExists,
				fmt.Sprintf("instance %s already exists", rec.ID), errors.WithInstanceID(rec.ID))
		}
		return errors.Wrap(err, "create instance", errors.WithInstanceID(rec.ID))
	}
	rec.Revision = rev
	return nil
}

// Save replaces the stored record, provided it has not changed since rec
// was read. A stale record fails with STALE_REVISION.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode instance", errors.WithInstanceID(rec.ID))
	}
	rev, err := s.kv.Update(recordKey(rec.ID), data, rec.Revision)
	if err != nil {
		if stderrors.Is(err, state.ErrRevisionMismatch) {
			return errors.New(errors.ErrCodeStaleRevision,
				fmt.Sprintf("instance %s changed since revision %d", rec.ID, rec.Revision),
				errors.WithInstanceID(rec.ID), errors.WithCause(err))
		}
		return errors.Wrap(err, "save instance", errors.WithInstanceID(rec.ID))
	}
	rec.Revision = rev
	return nil
}

// Get returns the current record for id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	kv, err := s.kv.GetKeyValue(recordKey(id))
	if err != nil {
		if stderrors.Is(err, state.ErrNotFound) {
			return nil, errors.NotFound(fmt.Sprintf("instance %s not found", id), errors.WithInstanceID(id))
		}
		if stderrors.Is(err, state.ErrInvalidKey) {
			return nil, errors.InvalidInput(fmt.Sprintf("invalid instance id %q", id))
		}
		return nil, errors.Wrap(err, "load instance", errors.WithInstanceID(id))
	}
	return decodeRecord(kv)
}

// List returns every stored record, ordered by ID.
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	keys, err := s.kv.Keys(recordPrefix + "*")
	if err != nil {
		return nil, errors.Wrap(err, "list instances")
	}
	records := make([]*Record, 0, len(keys))
	for _, key := range keys {
		kv, err := s.kv.GetKeyValue(key)
		if err != nil {
			// Deleted between listing and reading.
			if stderrors.Is(err, state.ErrNotFound) {
				continue
			}
			return nil, errors.Wrap(err, "load instance")
		}
		rec, err := decodeRecord(kv)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.kv.Delete(recordKey(id)); err != nil && !stderrors.Is(err, state.ErrNotFound) {
		return errors.Wrap(err, "delete instance", errors.WithInstanceID(id))
	}
	return nil
}

// Watch reports the IDs of records as they are written. The channel
// closes when ctx is done or the underlying store closes.
func (s *Store) Watch(ctx context.Context) (<-chan string, error) {
	updates, err := s.kv.Watch(ctx, recordPrefix+"*")
	if err != nil {
		return nil, errors.Wrap(err, "watch instances")
	}
	ids := make(chan string, 16)
	go func() {
		defer close(ids)
		for {
			select {
			case <-ctx.Done():
				return
			case kv, ok := <-updates:
				if !ok {
					return
				}
				if kv.Operation != state.OpPut {
					continue
				}
				select {
				case ids <- strings.TrimPrefix(kv.Key, recordPrefix):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ids, nil
}

func decodeRecord(kv *state.KeyValue) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(kv.Value, &rec); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeCorruption, "decode instance "+kv.Key)
	}
	if rec.Data.Data == nil {
		rec.Data.Data = make(map[string]any)
	}
	rec.Revision = kv.Revision
	return &rec, nil
}
