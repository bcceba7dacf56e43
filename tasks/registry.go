package tasks

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/vinayprograms/stepkit/errors"
	"github.com/vinayprograms/stepkit/state"
)

const (
	// Key prefixes for state store.
	defPrefix  = "tasks.def."
	namePrefix = "tasks.name."
)

// Registry holds the task definitions known to a process. Definitions are
// looked up by name for new instances and by ID for existing ones.
type Registry struct {
	mu      sync.RWMutex
	store   state.StateStore
	methods Resolver
	byName  map[string]*Definition
	byID    map[string]*Definition
}

// NewRegistry creates a registry. store may be nil, in which case
// definitions live only in memory and historical IDs cannot be rebuilt.
// methods resolves names when a historical definition is rebuilt.
func NewRegistry(store state.StateStore, methods Resolver) *Registry {
	if methods == nil {
		methods = Methods{}
	}
	return &Registry{
		store:   store,
		methods: methods,
		byName:  make(map[string]*Definition),
		byID:    make(map[string]*Definition),
	}
}

// Define builds spec against the registry's methods and registers it.
func (r *Registry) Define(spec Spec) (*Definition, error) {
	def, err := Build(spec, r.methods)
	if err != nil {
		return nil, err
	}
	if err := r.Register(def); err != nil {
		return nil, err
	}
	return def, nil
}

// Register makes def the current definition for its name and persists its
// spec. Registering the same definition twice is a no-op; registering a
// different definition under a taken name fails.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return errors.InvalidInput("definition required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[def.Name]; ok {
		if existing.ID == def.ID {
			return nil
		}
		return errors.New(errors.ErrCodeAlreadyExists,
			fmt.Sprintf("%s task already defined", def.Name), errors.WithTaskName(def.Name))
	}

	if err := r.persist(def); err != nil {
		return err
	}
	if r.store != nil {
		if err := r.store.Put(namePrefix+def.Name, []byte(def.ID), 0); err != nil {
			return errors.Wrap(err, "store task name", errors.WithTaskName(def.Name))
		}
	}
	r.byName[def.Name] = def
	r.byID[def.ID] = def
	return nil
}

// Sync persists def's spec under its ID and makes it resolvable by ID
// without making it current for its name.
func (r *Registry) Sync(def *Definition) error {
	if def == nil {
		return errors.InvalidInput("definition required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[def.ID]; ok {
		return nil
	}
	if err := r.persist(def); err != nil {
		return err
	}
	r.byID[def.ID] = def
	return nil
}

// persist stores the spec under the definition ID. Must be called with
// the lock held.
func (r *Registry) persist(def *Definition) error {
	if r.store == nil {
		return nil
	}
	data, err := json.Marshal(def.spec)
	if err != nil {
		return errors.Wrap(err, "encode task spec", errors.WithTaskName(def.Name))
	}
	if _, err := r.store.Create(defPrefix+def.ID, data); err != nil && !stderrors.Is(err, state.ErrExists) {
		return errors.Wrap(err, "store task definition", errors.WithTaskName(def.Name))
	}
	return nil
}

// ByName returns the current definition registered under name.
func (r *Registry) ByName(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byName[name]
	if !ok {
		return nil, errors.TaskNotDefined(name)
	}
	return def, nil
}

// ByID returns the definition with the given ID. If it is not loaded, the
// persisted spec is rebuilt against the registry's methods; the rebuilt
// definition is cached but does not replace the current one for its name.
func (r *Registry) ByID(id string) (*Definition, error) {
	r.mu.RLock()
	def, ok := r.byID[id]
	r.mu.RUnlock()
	if ok {
		return def, nil
	}
	if r.store == nil {
		return nil, errors.TaskNotDefined("#" + id)
	}

	data, err := r.store.Get(defPrefix + id)
	if err != nil {
		if stderrors.Is(err, state.ErrNotFound) {
			return nil, errors.TaskNotDefined("#" + id)
		}
		return nil, errors.Wrap(err, "load task definition")
	}

	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeCorruption, "decode task definition "+id)
	}
	def, err = Build(spec, r.methods)
	if err != nil {
		return nil, err
	}
	if def.ID != id {
		return nil, errors.New(errors.ErrCodeCorruption,
			fmt.Sprintf("task definition %s rebuilt with id %s", id, def.ID))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.byID[id]; ok {
		return cached, nil
	}
	r.byID[id] = def
	return def, nil
}

// Resolve finds the definition an instance was created from. The current
// definition for name is used when its ID matches; otherwise the one with
// the given ID is loaded, which covers both historical and unnamed
// definitions.
func (r *Registry) Resolve(name, id string) (*Definition, error) {
	current, err := r.ByName(name)
	if err == nil && (id == "" || current.ID == id) {
		return current, nil
	}
	if id == "" {
		return nil, err
	}
	return r.ByID(id)
}

// Names returns the registered task names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StoredIDs lists the IDs of every persisted definition.
func (r *Registry) StoredIDs() ([]string, error) {
	if r.store == nil {
		return nil, nil
	}
	keys, err := r.store.Keys(defPrefix + "*")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, defPrefix))
	}
	return ids, nil
}

// Reset forgets every loaded definition. Persisted specs are kept.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName = make(map[string]*Definition)
	r.byID = make(map[string]*Definition)
}
