package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const natsOpTimeout = 5 * time.Second

// NATSStore implements StateStore on a NATS JetStream KV bucket.
type NATSStore struct {
	conn   *nats.Conn
	kv     jetstream.KeyValue
	config NATSStoreConfig
	closed atomic.Bool

	// ctx is cancelled on Close and ends all watches.
	ctx    context.Context
	cancel context.CancelFunc

	lockMu sync.Mutex
	locks  map[string]*natsLock
}

// NATSStoreConfig holds NATS KV store configuration.
type NATSStoreConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// History is the number of revisions to keep per key.
	History int

	// MaxValueSize is the maximum value size in bytes.
	MaxValueSize int32

	// Replicas is the bucket replication factor.
	Replicas int
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "stepkit",
		History:      1,
		MaxValueSize: 1024 * 1024,
		Replicas:     1,
	}
}

// NewNATSStore binds to (creating if needed) a JetStream KV bucket.
func NewNATSStore(cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	defaults := DefaultNATSStoreConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = defaults.Bucket
	}
	if cfg.History <= 0 {
		cfg.History = defaults.History
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = defaults.MaxValueSize
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = defaults.Replicas
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		Description:  "stepkit task definitions and instance records",
		History:      uint8(cfg.History),
		MaxValueSize: cfg.MaxValueSize,
		Replicas:     cfg.Replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	storeCtx, storeCancel := context.WithCancel(context.Background())
	return &NATSStore{
		conn:   cfg.Conn,
		kv:     kv,
		config: cfg,
		ctx:    storeCtx,
		cancel: storeCancel,
		locks:  make(map[string]*natsLock),
	}, nil
}

func (s *NATSStore) check(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func opFromNATS(op jetstream.KeyValueOp) Operation {
	switch op {
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		return OpDelete
	default:
		return OpPut
	}
}

func fromEntry(entry jetstream.KeyValueEntry) *KeyValue {
	return &KeyValue{
		Key:       entry.Key(),
		Value:     entry.Value(),
		Revision:  entry.Revision(),
		Operation: opFromNATS(entry.Operation()),
		Created:   entry.Created(),
		Modified:  entry.Created(),
	}
}

// isWrongRevision reports a failed compare-and-set on the KV stream.
func isWrongRevision(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// Get retrieves a value by key.
func (s *NATSStore) Get(key string) ([]byte, error) {
	kv, err := s.GetKeyValue(key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// GetKeyValue retrieves the value and its revision.
func (s *NATSStore) GetKeyValue(key string) (*KeyValue, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), natsOpTimeout)
	defer cancel()

	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}
	return fromEntry(entry), nil
}

// Put stores a value unconditionally. JetStream KV expiry is bucket-wide,
// so a non-zero ttl is validated but not applied per key.
func (s *NATSStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := s.check(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), natsOpTimeout)
	defer cancel()

	if _, err := s.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// Create stores a value only if the key does not exist.
func (s *NATSStore) Create(key string, value []byte) (uint64, error) {
	if err := s.check(key); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), natsOpTimeout)
	defer cancel()

	rev, err := s.kv.Create(ctx, key, value)
	if err != nil {
		if isWrongRevision(err) {
			return 0, ErrExists
		}
		return 0, fmt.Errorf("kv create: %w", err)
	}
	return rev, nil
}

// Update replaces a value only if the stored revision matches.
func (s *NATSStore) Update(key string, value []byte, revision uint64) (uint64, error) {
	if err := s.check(key); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), natsOpTimeout)
	defer cancel()

	rev, err := s.kv.Update(ctx, key, value, revision)
	if err != nil {
		if isWrongRevision(err) {
			return 0, ErrRevisionMismatch
		}
		return 0, fmt.Errorf("kv update: %w", err)
	}
	return rev, nil
}

// Delete removes a key.
func (s *NATSStore) Delete(key string) error {
	if err := s.check(key); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), natsOpTimeout)
	defer cancel()

	if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// natsPattern converts a trailing-* pattern to a NATS subject wildcard.
func natsPattern(pattern string) string {
	if pattern == "*" || pattern == ">" {
		return ">"
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.TrimSuffix(pattern, "*") + ">"
	}
	if strings.HasSuffix(pattern, "*") {
		// Partial-token prefix; watch everything and filter locally.
		return ">"
	}
	return pattern
}

// Keys returns all keys matching a pattern, sorted.
func (s *NATSStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv list keys: %w", err)
	}

	var keys []string
	for key := range lister.Keys() {
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch streams changes to keys matching a pattern until ctx ends or the
// store closes. Only updates after the call are delivered.
func (s *NATSStore) Watch(ctx context.Context, pattern string) (<-chan *KeyValue, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	opts := []jetstream.WatchOpt{jetstream.UpdatesOnly()}
	var (
		watcher jetstream.KeyWatcher
		err     error
	)
	if subject := natsPattern(pattern); subject == ">" {
		watcher, err = s.kv.WatchAll(s.ctx, opts...)
	} else {
		watcher, err = s.kv.Watch(s.ctx, subject, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("kv watch: %w", err)
	}

	ch := make(chan *KeyValue, 64)
	go s.watchLoop(ctx, watcher, ch, pattern)
	return ch, nil
}

func (s *NATSStore) watchLoop(ctx context.Context, watcher jetstream.KeyWatcher, ch chan *KeyValue, pattern string) {
	defer close(ch)
	defer watcher.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil || !MatchPattern(pattern, entry.Key()) {
				continue
			}
			select {
			case ch <- fromEntry(entry):
			default:
			}
		}
	}
}

// Lock acquires an exclusive lock. The lock entry holds its expiry time, so
// a lock abandoned by a crashed process can be taken over once it lapses.
func (s *NATSStore) Lock(key string, ttl time.Duration) (Lock, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}

	k := lockKey(key)
	ctx, cancel := context.WithTimeout(context.Background(), natsOpTimeout)
	defer cancel()

	expires := time.Now().Add(ttl)
	rev, err := s.kv.Create(ctx, k, []byte(expires.UTC().Format(time.RFC3339Nano)))
	if err != nil {
		if !isWrongRevision(err) {
			return nil, fmt.Errorf("acquire lock: %w", err)
		}
		entry, getErr := s.kv.Get(ctx, k)
		if getErr != nil {
			return nil, ErrLockHeld
		}
		held, parseErr := time.Parse(time.RFC3339Nano, string(entry.Value()))
		if parseErr == nil && time.Now().Before(held) {
			return nil, ErrLockHeld
		}
		rev, err = s.kv.Update(ctx, k, []byte(expires.UTC().Format(time.RFC3339Nano)), entry.Revision())
		if err != nil {
			return nil, ErrLockHeld
		}
	}

	l := &natsLock{store: s, key: k, ttl: ttl, revision: rev, expires: expires}
	s.lockMu.Lock()
	s.locks[k] = l
	s.lockMu.Unlock()
	return l, nil
}

// Close ends watches and forgets held locks. The connection belongs to the
// caller and is left open.
func (s *NATSStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()

	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	for _, l := range s.locks {
		l.released.Store(true)
	}
	s.locks = nil
	return nil
}

// natsLock implements Lock for NATSStore.
type natsLock struct {
	mu       sync.Mutex
	store    *NATSStore
	key      string
	ttl      time.Duration
	revision uint64
	expires  time.Time
	released atomic.Bool
}

// Unlock releases the lock, deleting the entry only if it is still ours.
func (l *natsLock) Unlock() error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}

	l.store.lockMu.Lock()
	delete(l.store.locks, l.key)
	l.store.lockMu.Unlock()

	l.mu.Lock()
	rev := l.revision
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), natsOpTimeout)
	defer cancel()

	err := l.store.kv.Delete(ctx, l.key, jetstream.LastRevision(rev))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) && !isWrongRevision(err) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Refresh extends the lock TTL.
func (l *natsLock) Refresh() error {
	if l.released.Load() {
		return ErrLockNotHeld
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Now().After(l.expires) {
		l.released.Store(true)
		return ErrLockExpired
	}

	ctx, cancel := context.WithTimeout(context.Background(), natsOpTimeout)
	defer cancel()

	expires := time.Now().Add(l.ttl)
	rev, err := l.store.kv.Update(ctx, l.key, []byte(expires.UTC().Format(time.RFC3339Nano)), l.revision)
	if err != nil {
		if isWrongRevision(err) {
			l.released.Store(true)
			return ErrLockExpired
		}
		return fmt.Errorf("refresh lock: %w", err)
	}
	l.revision = rev
	l.expires = expires
	return nil
}

// Key returns the lock key.
func (l *natsLock) Key() string {
	return l.key
}
