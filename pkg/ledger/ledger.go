package ledger

import (
	"context"
	"time"
)

// Ledger is the minimal persistence contract the billing engine depends on.
// Implementations must make every mutating operation atomic with respect to
// concurrent callers; two goroutines operating on the same key must never
// produce a lost update.
type Ledger interface {
	// Get returns the value stored at key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put unconditionally stores value at key. Reserved for keys that have a
	// single logical writer (e.g. append-only history entries with unique
	// keys); shared records must use CompareAndSwap.
	Put(ctx context.Context, key string, value []byte) error

	// CompareAndSwap replaces the value at key only if the stored value equals
	// old. A nil old means "create only if absent". Returns ErrConflict when
	// the stored value differs (or the key already exists for a create).
	CompareAndSwap(ctx context.Context, key string, old, new []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Increment atomically adds delta to the counter at key, creating it at
	// zero if absent, and returns the new value.
	Increment(ctx context.Context, key string, delta int64) (int64, error)

	// IncrementIfBelow atomically adds delta to the counter at key only if the
	// result would not exceed limit. Returns the new value on success or
	// ErrGuardFailed without modifying the counter. This is the single-step
	// check-and-debit used for access-gating quota dimensions.
	IncrementIfBelow(ctx context.Context, key string, delta, limit int64) (int64, error)

	// SetNX stores value at key only if the key is absent, returning true if
	// the claim succeeded. A positive ttl bounds retention; zero means no
	// expiry. Used for idempotency keys, dedupe claims and period markers.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// GetCounter returns the counter value at key, or 0 if absent. Counters
	// and blob values live in separate namespaces by convention; callers must
	// not mix Get and GetCounter on the same key.
	GetCounter(ctx context.Context, key string) (int64, error)

	// List returns all key/value pairs whose key starts with prefix. Intended
	// for bounded secondary-index scans (customer -> subscriptions), not for
	// unbounded table walks.
	List(ctx context.Context, prefix string) (map[string][]byte, error)
}
