package metadata

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/EliRibble/stalwart-mail-server/internal/store"
)

// MemoryStore is a non-persistent store.Backend used for tests and
// single-process deployments. Iteration sorts the selected keys on demand.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// Get implements store.Backend.
func (m *MemoryStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.data[string(key)]
	if !exists {
		return nil, store.ErrNotFound
	}
	return copyBytes(value), nil
}

func (m *MemoryStore) getLocked(key []byte) ([]byte, error) {
	value, exists := m.data[string(key)]
	if !exists {
		return nil, store.ErrNotFound
	}
	return value, nil
}

// Write implements store.Backend.
func (m *MemoryStore) Write(ctx context.Context, b *store.Batch) error {
	if b.IsEmpty() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := b.CheckAssertions(m.getLocked); err != nil {
		return err
	}
	for _, op := range b.Ops {
		switch op.Kind {
		case store.OpSet:
			stored := make([]byte, len(op.Value))
			copy(stored, op.Value)
			m.data[string(op.Key)] = stored
		case store.OpDelete:
			delete(m.data, string(op.Key))
		}
	}
	return nil
}

// Iterate implements store.Backend. Matching entries are snapshotted before
// fn runs, so fn may write to the store.
func (m *MemoryStore) Iterate(ctx context.Context, params store.IterateParams, fn func(key, value []byte) (bool, error)) error {
	lower, upper := params.Bounds()

	type entry struct {
		key, value []byte
	}

	m.mu.RLock()
	entries := make([]entry, 0)
	for k, v := range m.data {
		key := []byte(k)
		if bytes.Compare(key, lower) < 0 || (upper != nil && bytes.Compare(key, upper) >= 0) {
			continue
		}
		e := entry{key: key}
		if params.Values {
			e.value = copyBytes(v)
		}
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		c := bytes.Compare(entries[i].key, entries[j].key)
		if params.Ascending {
			return c < 0
		}
		return c > 0
	})

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return store.Internal(err, "memory iteration cancelled")
		}
		cont, err := fn(e.key, e.value)
		if err != nil {
			return err
		}
		if !cont || params.First {
			break
		}
	}
	return nil
}

// Increment implements store.Backend.
func (m *MemoryStore) Increment(ctx context.Context, key []byte, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	num, err := store.DecodeCounter(m.data[string(key)])
	if err != nil {
		return 0, err
	}
	num += delta
	m.data[string(key)] = store.EncodeCounter(num)
	return num, nil
}

// Len returns the number of stored keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) IsReady() bool { return true }

func (m *MemoryStore) Compact(ctx context.Context) error { return nil }

func (m *MemoryStore) Backup(ctx context.Context, path string) error {
	return store.NewInternalError("memory store does not support backups")
}

var _ Engine = (*MemoryStore)(nil)
