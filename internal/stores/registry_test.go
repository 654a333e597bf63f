package stores

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EliRibble/stalwart-mail-server/internal/config"
	"github.com/EliRibble/stalwart-mail-server/internal/fts"
	"github.com/EliRibble/stalwart-mail-server/internal/store"
)

func buildTestStores(t *testing.T, cfg *config.Config) *Stores {
	t.Helper()
	s, err := Build(context.Background(), cfg, quietLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBuild_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		DataDir: dir,
		Storage: config.StorageConfig{Data: "pebble", Blob: "blobs", Fts: "pebble", Lookup: "pebble"},
		Stores: map[string]config.StoreConfig{
			"pebble": {Type: config.TypePebble, Path: filepath.Join(dir, "data")},
			"blobs":  {Type: config.TypeFilesystem, Path: filepath.Join(dir, "blobs")},
		},
		Blob: config.BlobConfig{ChunkSize: 1024},
	}
	s := buildTestStores(t, cfg)

	data, err := s.Store("")
	require.NoError(t, err)
	assert.Equal(t, KindPebble, data.Kind())

	blob, err := s.BlobStore("")
	require.NoError(t, err)
	assert.Equal(t, BlobStoreKindFs, blob.Kind())

	index, err := s.FtsStore("")
	require.NoError(t, err)
	assert.Equal(t, FtsStoreKindStore, index.Kind())

	lookups, err := s.LookupStore("")
	require.NoError(t, err)
	assert.Equal(t, LookupKindStore, lookups.Kind())

	// The data store also serves the blob role when asked by name.
	inStore, err := s.BlobStore("pebble")
	require.NoError(t, err)
	assert.Equal(t, BlobStoreKindStore, inStore.Kind())

	_, err = s.Store("blobs")
	assert.ErrorIs(t, err, ErrStoreNotFound)
	_, err = s.LookupStore("missing")
	assert.ErrorIs(t, err, ErrStoreNotFound)

	assert.True(t, s.IsReady())
}

func TestBuild_MixedBackends(t *testing.T) {
	dir := t.TempDir()
	mr := miniredis.RunT(t)
	cfg := &config.Config{
		DataDir: dir,
		Storage: config.StorageConfig{Data: "sql", Blob: "sql", Fts: "sql", Lookup: "redis"},
		Stores: map[string]config.StoreConfig{
			"sql":      {Type: config.TypeSQLite, Path: filepath.Join(dir, "sql", "store.db"), FtsEngine: "fts5"},
			"redis":    {Type: config.TypeRedis, URL: "redis://" + mr.Addr()},
			"cache":    {Type: config.TypeLookupMemory},
			"accounts": {Type: config.TypeQuery, Store: "sql", Query: "SELECT 1 FROM sqlite_master WHERE name = ?"},
		},
		Blob: config.BlobConfig{ChunkSize: 1024},
	}
	s := buildTestStores(t, cfg)
	ctx := context.Background()

	assert.Len(t, s.Stores, 1)
	assert.Len(t, s.LookupStores, 4)

	index, err := s.FtsStore("")
	require.NoError(t, err)
	assert.Equal(t, FtsStoreKindSQLite, index.Kind())
	require.NoError(t, index.Index(ctx, fts.Document{
		AccountID: 1, Collection: 1, DocumentID: 7,
		Fields: []fts.Field{{ID: 1, Text: "Quarterly report attached"}},
	}))
	ids, err := index.Query(ctx, 1, 1, 1, "report")
	require.NoError(t, err)
	assert.Equal(t, []uint32{7}, ids)

	lookups, err := s.LookupStore("")
	require.NoError(t, err)
	assert.Equal(t, LookupKindRedis, lookups.Kind())
	require.NoError(t, lookups.Set(ctx, []byte("k"), []byte("v"), 0))
	assert.True(t, mr.Exists(string(store.KeyOf("k").Physical())))

	accounts, err := s.LookupStore("accounts")
	require.NoError(t, err)
	exists, err := accounts.Exists(ctx, []byte("schema_version"))
	require.NoError(t, err)
	assert.True(t, exists, "queries run against the migrated database")

	cache, err := s.LookupStore("cache")
	require.NoError(t, err)
	assert.Equal(t, LookupKindMemory, cache.Kind())
}

func TestBuild_FailureClosesOpenedStores(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		DataDir: dir,
		Storage: config.StorageConfig{Data: "a"},
		Stores: map[string]config.StoreConfig{
			"a": {Type: config.TypeBolt, Path: filepath.Join(dir, "a")},
			"b": {Type: config.TypeRedis, URL: "redis://127.0.0.1:1"},
		},
		Blob: config.BlobConfig{ChunkSize: 1024},
	}
	_, err := Build(context.Background(), cfg, quietLogger(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"b"`)

	// The bolt file lock was released, so the store can be opened again.
	cfg.Stores = map[string]config.StoreConfig{"a": cfg.Stores["a"]}
	s := buildTestStores(t, cfg)
	st, err := s.Store("a")
	require.NoError(t, err)
	require.NoError(t, st.Set(context.Background(), store.CounterKey{Key: []byte("x")}, store.EncodeCounter(1)))
}
