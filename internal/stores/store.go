// Package stores dispatches storage requests to the backend chosen at
// startup. Each handle is a closed variant over the engines the server can
// run on; the variant is fixed on construction and never changes.
package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/EliRibble/stalwart-mail-server/internal/db"
	"github.com/EliRibble/stalwart-mail-server/internal/db/migrations"
	"github.com/EliRibble/stalwart-mail-server/internal/metadata"
	"github.com/EliRibble/stalwart-mail-server/internal/metrics"
	"github.com/EliRibble/stalwart-mail-server/internal/store"
)

// StoreKind identifies the engine behind a Store.
type StoreKind uint8

const (
	KindSQLite StoreKind = iota + 1
	KindPostgreSQL
	KindMySQL
	KindPebble
	KindBadger
	KindBolt
	KindMemory
)

func (k StoreKind) String() string {
	switch k {
	case KindSQLite:
		return "sqlite"
	case KindPostgreSQL:
		return "postgresql"
	case KindMySQL:
		return "mysql"
	case KindPebble:
		return "pebble"
	case KindBadger:
		return "badger"
	case KindBolt:
		return "bolt"
	case KindMemory:
		return "memory"
	default:
		return "unknown"
	}
}

// IsSQL reports whether the kind can run query intents.
func (k StoreKind) IsSQL() bool {
	return k == KindSQLite || k == KindPostgreSQL || k == KindMySQL
}

// Store is a handle on a data store. Only the field matching kind is set.
// Handles are shared by pointer; the engine is closed once through Close.
type Store struct {
	name    string
	kind    StoreKind
	metrics metrics.Manager

	sql    *db.SQLStore
	pebble *metadata.PebbleStore
	badger *metadata.BadgerStore
	bolt   *metadata.BoltStore
	memory *metadata.MemoryStore
}

// NewStore wraps an opened engine. The kind is derived from the engine's
// concrete type. A nil metrics manager disables instrumentation.
func NewStore(name string, engine metadata.Engine, m metrics.Manager) (*Store, error) {
	if m == nil {
		m = metrics.Noop()
	}
	s := &Store{name: name, metrics: m}
	switch e := engine.(type) {
	case *db.SQLStore:
		s.sql = e
		switch e.Dialect().Name {
		case migrations.SQLite.Name:
			s.kind = KindSQLite
		case migrations.Postgres.Name:
			s.kind = KindPostgreSQL
		case migrations.MySQL.Name:
			s.kind = KindMySQL
		default:
			return nil, fmt.Errorf("store %q: unsupported SQL dialect %q", name, e.Dialect().Name)
		}
	case *metadata.PebbleStore:
		s.kind, s.pebble = KindPebble, e
	case *metadata.BadgerStore:
		s.kind, s.badger = KindBadger, e
	case *metadata.BoltStore:
		s.kind, s.bolt = KindBolt, e
	case *metadata.MemoryStore:
		s.kind, s.memory = KindMemory, e
	default:
		return nil, fmt.Errorf("store %q: unsupported engine %T", name, engine)
	}
	return s, nil
}

// Name returns the configured store name.
func (s *Store) Name() string { return s.name }

// Kind returns the engine kind.
func (s *Store) Kind() StoreKind { return s.kind }

// engine is the single dispatch point of the variant.
func (s *Store) engine() metadata.Engine {
	switch s.kind {
	case KindSQLite, KindPostgreSQL, KindMySQL:
		return s.sql
	case KindPebble:
		return s.pebble
	case KindBadger:
		return s.badger
	case KindBolt:
		return s.bolt
	case KindMemory:
		return s.memory
	}
	panic(fmt.Sprintf("store %q has no engine", s.name))
}

// Backend exposes the engine as a plain key-value backend, for components
// such as the full-text index that build on top of a data store.
func (s *Store) Backend() store.Backend {
	return s.engine()
}

// SQL returns the SQL engine, or nil for key-value kinds.
func (s *Store) SQL() *db.SQLStore {
	return s.sql
}

func (s *Store) observe(operation string, start time.Time, err error) {
	s.metrics.RecordStoreOperation(s.name, operation, err, time.Since(start))
}

// Get returns the value stored at key or store.ErrNotFound.
func (s *Store) Get(ctx context.Context, key store.Key) (value []byte, err error) {
	start := time.Now()
	defer func() { s.observe("get", start, err) }()
	return s.engine().Get(ctx, key.Serialize(store.WithSubspace))
}

// Set upserts a single key.
func (s *Store) Set(ctx context.Context, key store.Key, value []byte) error {
	return s.Write(ctx, store.NewBatch().Set(key, value))
}

// Delete removes a single key. Deleting an absent key succeeds.
func (s *Store) Delete(ctx context.Context, key store.Key) error {
	return s.Write(ctx, store.NewBatch().Delete(key))
}

// Write applies batch atomically.
func (s *Store) Write(ctx context.Context, batch *store.Batch) (err error) {
	if batch.IsEmpty() {
		return nil
	}
	start := time.Now()
	defer func() { s.observe("write", start, err) }()
	return s.engine().Write(ctx, batch)
}

// Iterate visits the keys selected by params.
func (s *Store) Iterate(ctx context.Context, params store.IterateParams, fn func(key, value []byte) (bool, error)) (err error) {
	start := time.Now()
	defer func() { s.observe("iterate", start, err) }()
	return s.engine().Iterate(ctx, params, fn)
}

// Increment atomically adds delta to the counter at key.
func (s *Store) Increment(ctx context.Context, key store.Key, delta int64) (n int64, err error) {
	start := time.Now()
	defer func() { s.observe("increment", start, err) }()
	return s.engine().Increment(ctx, key.Serialize(store.WithSubspace), delta)
}

// ==================== Query intents ====================

func (s *Store) querier() (store.Querier, error) {
	if !s.kind.IsSQL() {
		return nil, store.Internal(store.ErrQueryUnsupported, fmt.Sprintf("store %q (%s) cannot run queries", s.name, s.kind))
	}
	return s.sql, nil
}

// Execute implements store.Querier.
func (s *Store) Execute(ctx context.Context, query string, params ...store.Value) (affected uint64, err error) {
	start := time.Now()
	defer func() { s.observe("execute", start, err) }()
	q, err := s.querier()
	if err != nil {
		return 0, err
	}
	return q.Execute(ctx, query, params...)
}

// Exists implements store.Querier.
func (s *Store) Exists(ctx context.Context, query string, params ...store.Value) (exists bool, err error) {
	start := time.Now()
	defer func() { s.observe("exists", start, err) }()
	q, err := s.querier()
	if err != nil {
		return false, err
	}
	return q.Exists(ctx, query, params...)
}

// QueryOne implements store.Querier.
func (s *Store) QueryOne(ctx context.Context, query string, params ...store.Value) (row *store.Row, err error) {
	start := time.Now()
	defer func() { s.observe("query_one", start, err) }()
	q, err := s.querier()
	if err != nil {
		return nil, err
	}
	return q.QueryOne(ctx, query, params...)
}

// QueryAll implements store.Querier.
func (s *Store) QueryAll(ctx context.Context, query string, params ...store.Value) (rows store.IntoRows, err error) {
	start := time.Now()
	defer func() { s.observe("query_all", start, err) }()
	q, err := s.querier()
	if err != nil {
		return nil, err
	}
	return q.QueryAll(ctx, query, params...)
}

var _ store.Querier = (*Store)(nil)

// ==================== Maintenance ====================

// IsReady reports whether the engine accepts requests.
func (s *Store) IsReady() bool {
	return s.engine().IsReady()
}

// Compact runs the engine's compaction or garbage collection.
func (s *Store) Compact(ctx context.Context) error {
	if err := s.engine().Compact(ctx); err != nil {
		return fmt.Errorf("failed to compact store %q: %w", s.name, err)
	}
	return nil
}

// Backup writes a consistent snapshot of the store to path.
func (s *Store) Backup(ctx context.Context, path string) error {
	if err := s.engine().Backup(ctx, path); err != nil {
		return fmt.Errorf("failed to back up store %q: %w", s.name, err)
	}
	return nil
}

// Close releases the engine.
func (s *Store) Close() error {
	return s.engine().Close()
}
