package state

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound         = errors.New("key not found")
	ErrExists           = errors.New("key already exists")
	ErrRevisionMismatch = errors.New("revision mismatch")
	ErrClosed           = errors.New("store closed")
	ErrLockHeld         = errors.New("lock already held")
	ErrLockNotHeld      = errors.New("lock not held")
	ErrLockExpired      = errors.New("lock expired")
	ErrInvalidKey       = errors.New("invalid key")
	ErrInvalidTTL       = errors.New("invalid TTL")
)

// Operation represents the type of change to a key.
type Operation int

const (
	// OpPut indicates a key was created or updated.
	OpPut Operation = iota
	// OpDelete indicates a key was deleted.
	OpDelete
)

// String returns the operation name.
func (o Operation) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// KeyValue is a stored entry together with its revision.
type KeyValue struct {
	Key       string
	Value     []byte
	Revision  uint64
	Operation Operation
	Created   time.Time
	Modified  time.Time
}

// StateStore is a revisioned key-value store with watches and locks.
//
// Values are always replaced wholesale; a store never merges a new value
// into the old one. Instance records rely on this: a field absent from the
// new value must be absent after the write.
type StateStore interface {
	// Get retrieves a value by key.
	// Returns ErrNotFound if the key does not exist.
	Get(key string) ([]byte, error)

	// GetKeyValue retrieves the value and its revision.
	// Returns ErrNotFound if the key does not exist.
	GetKeyValue(key string) (*KeyValue, error)

	// Put stores a value unconditionally. ttl of 0 means no expiry.
	Put(key string, value []byte, ttl time.Duration) error

	// Create stores a value only if the key does not exist.
	// Returns ErrExists otherwise.
	Create(key string, value []byte) (uint64, error)

	// Update replaces a value only if its current revision equals revision.
	// Returns ErrRevisionMismatch otherwise.
	Update(key string, value []byte, revision uint64) (uint64, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(key string) error

	// Keys returns all keys matching a pattern ("instance.*").
	Keys(pattern string) ([]string, error)

	// Watch streams changes to keys matching a pattern until ctx ends or
	// the store closes. The channel is closed then.
	Watch(ctx context.Context, pattern string) (<-chan *KeyValue, error)

	// Lock acquires an exclusive lock that expires after ttl.
	// Returns ErrLockHeld if someone else holds it.
	Lock(key string, ttl time.Duration) (Lock, error)

	// Close shuts down the store and releases resources.
	Close() error
}

// Lock is an exclusive, expiring lock.
type Lock interface {
	// Unlock releases the lock.
	// Returns ErrLockNotHeld if already released.
	Unlock() error

	// Refresh extends the lock TTL.
	// Returns ErrLockExpired if the lock has expired.
	Refresh() error

	// Key returns the lock key.
	Key() string
}

// ValidateKey checks if a key is valid.
func ValidateKey(key string) error {
	if key == "" || len(key) > 1024 {
		return ErrInvalidKey
	}
	if strings.ContainsAny(key, " \t\n") {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") || strings.Contains(key, "..") {
		return ErrInvalidKey
	}
	return nil
}

// ValidateTTL checks if a TTL is valid.
func ValidateTTL(ttl time.Duration) error {
	if ttl < 0 {
		return ErrInvalidTTL
	}
	return nil
}

// MatchPattern checks if a key matches a pattern.
// Supports * wildcard at the end (e.g., "instance.*" matches "instance.abc").
func MatchPattern(pattern, key string) bool {
	if pattern == "*" || pattern == ">" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == key
}

// lockKey namespaces lock entries away from data keys.
func lockKey(key string) string {
	return "_lock." + key
}
