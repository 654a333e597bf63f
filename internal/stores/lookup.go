package stores

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/EliRibble/stalwart-mail-server/internal/lookup"
	"github.com/EliRibble/stalwart-mail-server/internal/metrics"
	"github.com/EliRibble/stalwart-mail-server/internal/store"
)

// LookupKind identifies the implementation of a LookupStore.
type LookupKind uint8

const (
	LookupKindStore LookupKind = iota + 1
	LookupKindQuery
	LookupKindMemory
	LookupKindRedis
)

func (k LookupKind) String() string {
	switch k {
	case LookupKindStore:
		return "store"
	case LookupKindQuery:
		return "query"
	case LookupKindMemory:
		return "memory"
	case LookupKindRedis:
		return "redis"
	default:
		return "unknown"
	}
}

// QueryStore answers lookups with a fixed query run on a nested store. The
// key is the single query parameter and the first column of the first row
// is the value. Query stores are read-only.
type QueryStore struct {
	Store *LookupStore
	Query string
}

// LookupStore is a handle on a key/value lookup backend.
type LookupStore struct {
	name    string
	kind    LookupKind
	metrics metrics.Manager

	store  *Store
	kv     *lookup.KVStore
	query  *QueryStore
	memory *lookup.MemoryStore
	redis  *lookup.RedisStore
}

// NewStoreLookupStore emulates the lookup contract on a data store.
func NewStoreLookupStore(name string, s *Store, m metrics.Manager) *LookupStore {
	return &LookupStore{
		name:    name,
		kind:    LookupKindStore,
		metrics: orNoop(m),
		store:   s,
		kv:      lookup.NewKVStore(s.Backend()),
	}
}

// NewQueryLookupStore wraps a QueryStore.
func NewQueryLookupStore(name string, q *QueryStore, m metrics.Manager) *LookupStore {
	return &LookupStore{name: name, kind: LookupKindQuery, metrics: orNoop(m), query: q}
}

// NewMemoryLookupStore keeps lookups in process memory.
func NewMemoryLookupStore(name string, mem *lookup.MemoryStore, m metrics.Manager) *LookupStore {
	return &LookupStore{name: name, kind: LookupKindMemory, metrics: orNoop(m), memory: mem}
}

// NewRedisLookupStore keeps lookups in Redis.
func NewRedisLookupStore(name string, r *lookup.RedisStore, m metrics.Manager) *LookupStore {
	return &LookupStore{name: name, kind: LookupKindRedis, metrics: orNoop(m), redis: r}
}

// Name returns the configured store name.
func (l *LookupStore) Name() string { return l.name }

// Kind returns the implementation kind.
func (l *LookupStore) Kind() LookupKind { return l.kind }

func (l *LookupStore) backend() lookup.Backend {
	switch l.kind {
	case LookupKindStore:
		return l.kv
	case LookupKindQuery:
		return l.query
	case LookupKindMemory:
		return l.memory
	case LookupKindRedis:
		return l.redis
	}
	panic(fmt.Sprintf("lookup store %q has no backend", l.name))
}

// PurgeExpired drops values expired at now from stores that never expire
// them on their own. Only in-memory stores hold such values; Redis expires
// keys itself and store-backed values are replaced on write.
func (l *LookupStore) PurgeExpired(now uint64) int {
	if l.kind != LookupKindMemory {
		return 0
	}
	return l.memory.PurgeAt(now)
}

// querier returns the query engine of a store-backed lookup store.
func (l *LookupStore) querier() (store.Querier, error) {
	if l.kind != LookupKindStore {
		return nil, store.Internal(store.ErrQueryUnsupported, fmt.Sprintf("lookup store %q (%s) cannot run queries", l.name, l.kind))
	}
	return l.store, nil
}

func (l *LookupStore) observe(operation string, start time.Time, err error) {
	l.metrics.RecordStoreOperation(l.name, operation, err, time.Since(start))
}

// Get reads key. Absent and expired keys are store.NoneValue.
func (l *LookupStore) Get(ctx context.Context, key store.LookupKey) (value store.LookupValue, err error) {
	start := time.Now()
	defer func() { l.observe("lookup_get", start, err) }()
	return l.backend().Get(ctx, key)
}

// Set upserts a value. A zero ttl never expires.
func (l *LookupStore) Set(ctx context.Context, key, value []byte, ttl time.Duration) (err error) {
	start := time.Now()
	defer func() { l.observe("lookup_set", start, err) }()
	return l.backend().Set(ctx, key, value, ttl)
}

// Increment atomically adds delta to the counter key.
func (l *LookupStore) Increment(ctx context.Context, key []byte, delta int64) (n int64, err error) {
	start := time.Now()
	defer func() { l.observe("lookup_increment", start, err) }()
	return l.backend().Increment(ctx, key, delta)
}

// Exists reports whether key holds a live value.
func (l *LookupStore) Exists(ctx context.Context, key []byte) (exists bool, err error) {
	start := time.Now()
	defer func() { l.observe("lookup_exists", start, err) }()
	return l.backend().Exists(ctx, key)
}

// Close releases lookup-only backends. Store-backed lookups leave the data
// store open.
func (l *LookupStore) Close() error {
	return l.backend().Close()
}

// ==================== Query lookups ====================

// Get implements lookup.Backend.
func (q *QueryStore) Get(ctx context.Context, key store.LookupKey) (store.LookupValue, error) {
	querier, err := q.Store.querier()
	if err != nil {
		return store.NoneValue(), err
	}
	row, err := store.Query[*store.Row](ctx, querier, q.Query, store.TextValue(key.String()))
	if err != nil {
		return store.NoneValue(), err
	}
	if row == nil || len(row.Values) == 0 || row.Values[0].IsNull() {
		return store.NoneValue(), nil
	}
	return lookupValueOf(key, row.Values[0])
}

// lookupValueOf converts the first column of a query row into a lookup
// value of the shape key asks for.
func lookupValueOf(key store.LookupKey, v store.Value) (store.LookupValue, error) {
	if !key.IsCounter() {
		if b, ok := v.Blob(); ok {
			return store.DataValue(b, 0), nil
		}
		return store.DataValue([]byte(v.String()), 0), nil
	}
	if n, ok := v.Integer(); ok {
		return store.CounterValue(n), nil
	}
	n, err := strconv.ParseInt(v.String(), 10, 64)
	if err != nil {
		return store.NoneValue(), store.NewInternalError("lookup query returned non-numeric counter %q", v.String())
	}
	return store.CounterValue(n), nil
}

// Exists implements lookup.Backend.
func (q *QueryStore) Exists(ctx context.Context, key []byte) (bool, error) {
	querier, err := q.Store.querier()
	if err != nil {
		return false, err
	}
	return store.Query[bool](ctx, querier, q.Query, store.TextValue(store.LookupKey{Bytes: key}.String()))
}

// Set implements lookup.Backend. Query stores are read-only.
func (q *QueryStore) Set(ctx context.Context, key, value []byte, ttl time.Duration) error {
	return store.NewInternalError("lookup store is read-only: query lookups cannot be written")
}

// Increment implements lookup.Backend. Query stores are read-only.
func (q *QueryStore) Increment(ctx context.Context, key []byte, delta int64) (int64, error) {
	return 0, store.NewInternalError("lookup store is read-only: query lookups cannot be incremented")
}

// Close is a no-op; the nested store is closed through its own handle.
func (q *QueryStore) Close() error {
	return nil
}

var _ lookup.Backend = (*QueryStore)(nil)
