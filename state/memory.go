package state

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore implements StateStore in process memory.
// Expired entries and locks are dropped lazily on access.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]*entry
	locks    map[string]*memoryLock
	watchers []chan *KeyValue
	revision uint64
	closed   atomic.Bool
	now      func() time.Time
}

type entry struct {
	value    []byte
	revision uint64
	created  time.Time
	modified time.Time
	expires  time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

func (e *entry) keyValue(key string) *KeyValue {
	return &KeyValue{
		Key:       key,
		Value:     cloneBytes(e.value),
		Revision:  e.revision,
		Operation: OpPut,
		Created:   e.created,
		Modified:  e.modified,
	}
}

// NewMemoryStore creates a new in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]*entry),
		locks: make(map[string]*memoryLock),
		now:   time.Now,
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// lookup returns a live entry. Must be called with the lock held.
func (s *MemoryStore) lookup(key string) (*entry, bool) {
	e, ok := s.data[key]
	if !ok || e.expired(s.now()) {
		return nil, false
	}
	return e, true
}

func (s *MemoryStore) check(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Get retrieves a value by key.
func (s *MemoryStore) Get(key string) ([]byte, error) {
	kv, err := s.GetKeyValue(key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// GetKeyValue retrieves the value and its revision.
func (s *MemoryStore) GetKeyValue(key string) (*KeyValue, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	return e.keyValue(key), nil
}

// write stores value under key. Must be called with the lock held.
func (s *MemoryStore) write(key string, value []byte, ttl time.Duration) uint64 {
	now := s.now()
	s.revision++

	created := now
	if existing, ok := s.lookup(key); ok {
		created = existing.created
	}
	e := &entry{
		value:    cloneBytes(value),
		revision: s.revision,
		created:  created,
		modified: now,
	}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	s.data[key] = e
	s.notify(e.keyValue(key))
	return e.revision
}

// Put stores a value unconditionally.
func (s *MemoryStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := s.check(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.write(key, value, ttl)
	return nil
}

// Create stores a value only if the key does not exist.
func (s *MemoryStore) Create(key string, value []byte) (uint64, error) {
	if err := s.check(key); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lookup(key); ok {
		return 0, ErrExists
	}
	return s.write(key, value, 0), nil
}

// Update replaces a value only if the stored revision matches.
func (s *MemoryStore) Update(key string, value []byte, revision uint64) (uint64, error) {
	if err := s.check(key); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok || e.revision != revision {
		return 0, ErrRevisionMismatch
	}
	return s.write(key, value, 0), nil
}

// Delete removes a key.
func (s *MemoryStore) Delete(key string) error {
	if err := s.check(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; ok {
		delete(s.data, key)
		s.revision++
		s.notify(&KeyValue{Key: key, Revision: s.revision, Operation: OpDelete, Modified: s.now()})
	}
	return nil
}

// Keys returns all live keys matching a pattern, sorted.
func (s *MemoryStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for key := range s.data {
		if _, ok := s.lookup(key); ok && MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch streams changes to keys matching pattern until ctx ends or the
// store closes. Slow consumers miss notifications rather than block writers.
func (s *MemoryStore) Watch(ctx context.Context, pattern string) (<-chan *KeyValue, error) {
	in := make(chan *KeyValue, 64)
	out := make(chan *KeyValue, 64)

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.watchers = append(s.watchers, in)
	s.mu.Unlock()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				s.unwatch(in)
				return
			case kv, ok := <-in:
				if !ok {
					return
				}
				if !MatchPattern(pattern, kv.Key) {
					continue
				}
				select {
				case out <- kv:
				default:
				}
			}
		}
	}()
	return out, nil
}

func (s *MemoryStore) unwatch(ch chan *KeyValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.watchers {
		if w == ch {
			s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
			return
		}
	}
}

// notify fans a change out to watchers. Must be called with the lock held.
func (s *MemoryStore) notify(kv *KeyValue) {
	for _, ch := range s.watchers {
		select {
		case ch <- kv:
		default:
		}
	}
}

// Lock acquires an exclusive lock.
func (s *MemoryStore) Lock(key string, ttl time.Duration) (Lock, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := lockKey(key)
	now := s.now()
	if held, ok := s.locks[k]; ok && !held.released.Load() && now.Before(held.expires) {
		return nil, ErrLockHeld
	}

	l := &memoryLock{store: s, key: k, ttl: ttl, expires: now.Add(ttl)}
	s.locks[k] = l
	return l, nil
}

// Close shuts down the store and closes all watch channels.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.watchers {
		close(ch)
	}
	s.watchers = nil
	for _, l := range s.locks {
		l.released.Store(true)
	}
	s.locks = make(map[string]*memoryLock)
	return nil
}

// memoryLock implements Lock for MemoryStore.
type memoryLock struct {
	store    *MemoryStore
	key      string
	ttl      time.Duration
	expires  time.Time
	released atomic.Bool
}

// Unlock releases the lock.
func (l *memoryLock) Unlock() error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}

	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	if l.store.locks[l.key] == l {
		delete(l.store.locks, l.key)
	}
	return nil
}

// Refresh extends the lock TTL.
func (l *memoryLock) Refresh() error {
	if l.released.Load() {
		return ErrLockNotHeld
	}

	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	now := l.store.now()
	if now.After(l.expires) || l.store.locks[l.key] != l {
		l.released.Store(true)
		return ErrLockExpired
	}
	l.expires = now.Add(l.ttl)
	return nil
}

// Key returns the lock key.
func (l *memoryLock) Key() string {
	return l.key
}
