package lookup

import (
	"context"
	"sync"
	"time"

	"github.com/EliRibble/stalwart-mail-server/internal/store"
)

type memoryEntry struct {
	value   []byte
	expires uint64
}

// MemoryStore is a process-local lookup store. Expired values are dropped
// lazily on read and in bulk by Purge.
type MemoryStore struct {
	mu       sync.Mutex
	values   map[string]memoryEntry
	counters map[string]int64
	now      func() uint64
}

// NewMemoryStore creates an empty in-memory lookup store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:   make(map[string]memoryEntry),
		counters: make(map[string]int64),
		now:      store.Now,
	}
}

// Get implements Backend.
func (m *MemoryStore) Get(ctx context.Context, key store.LookupKey) (store.LookupValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key.IsCounter() {
		num, ok := m.counters[string(key.Bytes)]
		if !ok {
			return store.NoneValue(), nil
		}
		return store.CounterValue(num), nil
	}

	entry, ok := m.values[string(key.Bytes)]
	if !ok {
		return store.NoneValue(), nil
	}
	if store.IsExpired(entry.expires, m.now()) {
		delete(m.values, string(key.Bytes))
		return store.NoneValue(), nil
	}
	return store.DataValue(append([]byte(nil), entry.value...), entry.expires), nil
}

// Set implements Backend.
func (m *MemoryStore) Set(ctx context.Context, key, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[string(key)] = memoryEntry{
		value:   append([]byte(nil), value...),
		expires: store.ExpiresAt(ttl, m.now()),
	}
	return nil
}

// Increment implements Backend.
func (m *MemoryStore) Increment(ctx context.Context, key []byte, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[string(key)] += delta
	return m.counters[string(key)], nil
}

// Exists implements Backend.
func (m *MemoryStore) Exists(ctx context.Context, key []byte) (bool, error) {
	value, err := m.Get(ctx, store.LookupKey{Kind: store.LookupKeyValue, Bytes: key})
	return !value.IsNone(), err
}

// Purge drops every expired value and returns how many were removed.
func (m *MemoryStore) Purge() int {
	return m.PurgeAt(m.now())
}

// PurgeAt drops every value expired at now (epoch seconds).
func (m *MemoryStore) PurgeAt(now uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, e := range m.values {
		if store.IsExpired(e.expires, now) {
			delete(m.values, k)
			removed++
		}
	}
	return removed
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

var _ Backend = (*MemoryStore)(nil)
