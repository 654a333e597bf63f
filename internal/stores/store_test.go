package stores

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EliRibble/stalwart-mail-server/internal/db"
	"github.com/EliRibble/stalwart-mail-server/internal/metadata"
	"github.com/EliRibble/stalwart-mail-server/internal/metrics"
	"github.com/EliRibble/stalwart-mail-server/internal/store"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

// recordingMetrics embeds the noop manager and keeps store operations.
type recordingMetrics struct {
	metrics.Manager
	mu  sync.Mutex
	ops []string
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{Manager: metrics.Noop()}
}

func (r *recordingMetrics) RecordStoreOperation(storeName, operation string, err error, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, storeName+"/"+operation+"/"+metrics.StatusOf(err))
}

func (r *recordingMetrics) operations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

func setupMemoryTestStore(t *testing.T, m metrics.Manager) *Store {
	t.Helper()
	s, err := NewStore("mem", metadata.NewMemoryStore(), m)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func setupSQLiteTestStore(t *testing.T) *Store {
	t.Helper()
	engine, err := db.Open(db.Options{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "store.db"),
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	s, err := NewStore("sql", engine, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewStore_Kinds(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		engine string
		kind   StoreKind
	}{
		{metadata.EnginePebble, KindPebble},
		{metadata.EngineBadger, KindBadger},
		{metadata.EngineBolt, KindBolt},
		{metadata.EngineMemory, KindMemory},
	}
	for _, tt := range tests {
		t.Run(tt.engine, func(t *testing.T) {
			engine, err := metadata.Open(tt.engine, metadata.Options{DataDir: filepath.Join(dir, tt.engine), Logger: quietLogger()})
			require.NoError(t, err)
			s, err := NewStore(tt.engine, engine, nil)
			require.NoError(t, err)
			defer s.Close()

			assert.Equal(t, tt.kind, s.Kind())
			assert.Equal(t, tt.engine, s.Kind().String())
			assert.False(t, s.Kind().IsSQL())
			assert.True(t, s.IsReady())
		})
	}

	t.Run("sqlite", func(t *testing.T) {
		s := setupSQLiteTestStore(t)
		assert.Equal(t, KindSQLite, s.Kind())
		assert.True(t, s.Kind().IsSQL())
		assert.NotNil(t, s.SQL())
	})
}

func TestStore_ReadWrite(t *testing.T) {
	for name, setup := range map[string]func(t *testing.T) *Store{
		"memory": func(t *testing.T) *Store { return setupMemoryTestStore(t, nil) },
		"sqlite": setupSQLiteTestStore,
	} {
		t.Run(name, func(t *testing.T) {
			s := setup(t)
			ctx := context.Background()
			key := store.ValueKey{AccountID: 1, Collection: 2, DocumentID: 3, Class: store.Property{Field: 4}}

			_, err := s.Get(ctx, key)
			assert.ErrorIs(t, err, store.ErrNotFound)

			require.NoError(t, s.Set(ctx, key, []byte("subject")))
			got, err := s.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, []byte("subject"), got)

			n, err := s.Increment(ctx, store.CounterKey{Key: []byte("quota")}, 42)
			require.NoError(t, err)
			assert.Equal(t, int64(42), n)

			var seen int
			err = s.Iterate(ctx, store.SubspaceParams(store.SubspaceValues), func(key, value []byte) (bool, error) {
				seen++
				return true, nil
			})
			require.NoError(t, err)
			assert.Equal(t, 1, seen)

			require.NoError(t, s.Delete(ctx, key))
			_, err = s.Get(ctx, key)
			assert.ErrorIs(t, err, store.ErrNotFound)

			require.NoError(t, s.Write(ctx, store.NewBatch()), "empty batches are accepted")
		})
	}
}

func TestStore_QueryUnsupported(t *testing.T) {
	s := setupMemoryTestStore(t, nil)
	ctx := context.Background()

	_, err := s.Execute(ctx, "DELETE FROM x")
	assert.True(t, store.IsInternal(err))
	assert.ErrorIs(t, err, store.ErrQueryUnsupported)

	_, err = store.Query[*store.Row](ctx, s, "SELECT 1")
	assert.True(t, store.IsInternal(err))
	assert.ErrorIs(t, err, store.ErrQueryUnsupported)

	_, err = store.Query[store.Rows](ctx, s, "SELECT 1")
	assert.ErrorIs(t, err, store.ErrQueryUnsupported)
}

func TestStore_Query(t *testing.T) {
	s := setupSQLiteTestStore(t)
	ctx := context.Background()

	_, err := store.Query[uint64](ctx, s, "CREATE TABLE accounts (address TEXT PRIMARY KEY, quota INTEGER)")
	require.NoError(t, err)
	affected, err := store.Query[uint64](ctx, s, "INSERT INTO accounts VALUES (?, ?), (?, ?)",
		store.TextValue("jdoe@example.org"), store.IntegerValue(100),
		store.TextValue("admin@example.org"), store.IntegerValue(200))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), affected)

	exists, err := store.Query[bool](ctx, s, "SELECT 1 FROM accounts WHERE address = ?", store.TextValue("jdoe@example.org"))
	require.NoError(t, err)
	assert.True(t, exists)

	row, err := store.Query[*store.Row](ctx, s, "SELECT quota FROM accounts WHERE address = ?", store.TextValue("admin@example.org"))
	require.NoError(t, err)
	require.NotNil(t, row)
	quota, ok := row.Values[0].Integer()
	assert.True(t, ok)
	assert.Equal(t, int64(200), quota)

	named, err := store.Query[store.NamedRows](ctx, s, "SELECT address, quota FROM accounts ORDER BY address")
	require.NoError(t, err)
	assert.Equal(t, []string{"address", "quota"}, named.Names)
	require.Len(t, named.Rows, 2)
	assert.Equal(t, "admin@example.org", named.Rows[0].Values[named.Column("address")].String())
}

func TestStore_RecordsMetrics(t *testing.T) {
	m := newRecordingMetrics()
	s := setupMemoryTestStore(t, m)
	ctx := context.Background()
	key := store.CounterKey{Key: []byte("x")}

	_, _ = s.Get(ctx, key)
	require.NoError(t, s.Set(ctx, key, store.EncodeCounter(1)))
	_, _ = s.QueryOne(ctx, "SELECT 1")

	assert.Equal(t, []string{
		"mem/get/not_found",
		"mem/write/success",
		"mem/query_one/error",
	}, m.operations())
}

func TestNewStore_UnsupportedEngine(t *testing.T) {
	_, err := NewStore("x", nil, nil)
	assert.Error(t, err)
}
