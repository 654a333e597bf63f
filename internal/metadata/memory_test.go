package metadata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EliRibble/stalwart-mail-server/internal/store"
	"github.com/EliRibble/stalwart-mail-server/internal/store/storetest"
)

func TestMemoryStoreContract(t *testing.T) {
	storetest.RunBackendTests(t, func(t *testing.T) store.Backend {
		return NewMemoryStore()
	})
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := store.LookupValueKey{Key: []byte("k")}

	value := []byte("abc")
	require.NoError(t, s.Write(ctx, store.NewBatch().Set(key, value)))
	value[0] = 'z'

	got, err := s.Get(ctx, key.Serialize(store.WithSubspace))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
	assert.Equal(t, 1, s.Len())
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	for _, engine := range []string{EngineBolt, EngineMemory} {
		t.Run(engine, func(t *testing.T) {
			e, err := Open(engine, Options{DataDir: dir, Logger: quietLogger()})
			require.NoError(t, err)
			assert.True(t, e.IsReady())
			require.NoError(t, e.Close())
		})
	}

	_, err := Open("leveldb", Options{DataDir: dir})
	assert.Error(t, err)
}

func TestKeyLocksOrdering(t *testing.T) {
	var l keyLocks
	keys := [][]byte{[]byte("b"), []byte("a"), []byte("b")}
	unlock := l.lock(keys)
	unlock()
	// Re-acquiring after unlock must not block.
	l.lock(keys)()
}
