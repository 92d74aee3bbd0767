package ledger

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	counter   int64
	isCounter bool
	expiresAt time.Time // zero means no expiry
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is an in-process Ledger implementation guarded by a single mutex.
// It is the reference implementation for the Ledger contract and the store
// used by the engine's integration tests.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// get returns a live entry or nil, lazily dropping expired ones.
// Callers must hold mu.
func (m *Memory) get(key string) *memoryEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if e.expired(m.now()) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.get(key)
	if e == nil || e.isCounter {
		return nil, ErrKeyNotFound
	}
	return bytes.Clone(e.value), nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = &memoryEntry{value: bytes.Clone(value)}
	return nil
}

func (m *Memory) CompareAndSwap(ctx context.Context, key string, old, new []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.get(key)
	if old == nil {
		if e != nil {
			return ErrConflict
		}
		m.entries[key] = &memoryEntry{value: bytes.Clone(new)}
		return nil
	}

	if e == nil || e.isCounter || !bytes.Equal(e.value, old) {
		return ErrConflict
	}
	e.value = bytes.Clone(new)
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

func (m *Memory) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.get(key)
	if e == nil {
		e = &memoryEntry{isCounter: true}
		m.entries[key] = e
	}
	e.counter += delta
	return e.counter, nil
}

func (m *Memory) IncrementIfBelow(ctx context.Context, key string, delta, limit int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.get(key)
	current := int64(0)
	if e != nil {
		current = e.counter
	}
	if current+delta > limit {
		return current, ErrGuardFailed
	}
	if e == nil {
		e = &memoryEntry{isCounter: true}
		m.entries[key] = e
	}
	e.counter += delta
	return e.counter, nil
}

func (m *Memory) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.get(key) != nil {
		return false, nil
	}

	e := &memoryEntry{value: bytes.Clone(value)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return true, nil
}

func (m *Memory) GetCounter(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.get(key)
	if e == nil {
		return 0, nil
	}
	return e.counter, nil
}

func (m *Memory) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]byte)
	now := m.now()
	for k, e := range m.entries {
		if !strings.HasPrefix(k, prefix) || e.expired(now) || e.isCounter {
			continue
		}
		out[k] = bytes.Clone(e.value)
	}
	return out, nil
}
