// Package lookup implements the lookup store contract (get, set with TTL
// and atomic counters) over key-value engines, process memory and Redis.
package lookup

import (
	"context"
	"errors"
	"time"

	"github.com/EliRibble/stalwart-mail-server/internal/store"
)

// Backend is a lookup store implementation. Get reports absent or expired
// keys as store.NoneValue; backend failures are *store.InternalError.
type Backend interface {
	Get(ctx context.Context, key store.LookupKey) (store.LookupValue, error)
	// Set upserts a plain value. A zero ttl never expires.
	Set(ctx context.Context, key, value []byte, ttl time.Duration) error
	// Increment atomically adds delta to a counter and returns the result.
	Increment(ctx context.Context, key []byte, delta int64) (int64, error)
	Exists(ctx context.Context, key []byte) (bool, error)
	Close() error
}

// KVStore emulates the lookup contract on a store.Backend. Values are
// msgpack records carrying their expiry; counters use the engine's atomic
// increment.
type KVStore struct {
	backend store.Backend
	now     func() uint64
}

// NewKVStore wraps backend. The backend is shared and not closed by the
// lookup store.
func NewKVStore(backend store.Backend) *KVStore {
	return &KVStore{backend: backend, now: store.Now}
}

// Get implements Backend.
func (s *KVStore) Get(ctx context.Context, key store.LookupKey) (store.LookupValue, error) {
	data, err := s.backend.Get(ctx, key.Physical())
	if errors.Is(err, store.ErrNotFound) {
		return store.NoneValue(), nil
	}
	if err != nil {
		return store.NoneValue(), store.Internal(err, "lookup get failed")
	}
	if key.IsCounter() {
		num, err := store.DecodeCounter(data)
		if err != nil {
			return store.NoneValue(), err
		}
		return store.CounterValue(num), nil
	}
	return store.DecodeLookupRecord(data, s.now())
}

// Set implements Backend.
func (s *KVStore) Set(ctx context.Context, key, value []byte, ttl time.Duration) error {
	record, err := store.EncodeLookupRecord(value, store.ExpiresAt(ttl, s.now()))
	if err != nil {
		return store.Internal(err, "lookup set failed")
	}
	batch := store.NewBatch().Set(store.LookupValueKey{Key: key}, record)
	return store.Internal(s.backend.Write(ctx, batch), "lookup set failed")
}

// Increment implements Backend.
func (s *KVStore) Increment(ctx context.Context, key []byte, delta int64) (int64, error) {
	num, err := s.backend.Increment(ctx, store.CounterKey{Key: key}.Serialize(store.WithSubspace), delta)
	if err != nil {
		return 0, store.Internal(err, "lookup increment failed")
	}
	return num, nil
}

// Exists implements Backend.
func (s *KVStore) Exists(ctx context.Context, key []byte) (bool, error) {
	value, err := s.Get(ctx, store.LookupKey{Kind: store.LookupKeyValue, Bytes: key})
	if err != nil {
		return false, err
	}
	return !value.IsNone(), nil
}

// Close is a no-op; the wrapped engine is owned by the store registry.
func (s *KVStore) Close() error {
	return nil
}

var _ Backend = (*KVStore)(nil)
