// Package storetest holds the behavioral test suite every store.Backend
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EliRibble/stalwart-mail-server/internal/store"
)

// Opener returns a fresh, empty backend. Cleanup is the caller's business,
// typically via t.Cleanup.
type Opener func(t *testing.T) store.Backend

// RunBackendTests runs the full contract suite against backends produced by
// open.
func RunBackendTests(t *testing.T, open Opener) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, open(t)) })
	t.Run("SetGetDelete", func(t *testing.T) { testSetGetDelete(t, open(t)) })
	t.Run("AssertValue", func(t *testing.T) { testAssertValue(t, open(t)) })
	t.Run("IterateOrder", func(t *testing.T) { testIterateOrder(t, open(t)) })
	t.Run("IteratePrefix", func(t *testing.T) { testIteratePrefix(t, open(t)) })
	t.Run("IterateWriteInCallback", func(t *testing.T) { testIterateWriteInCallback(t, open(t)) })
	t.Run("Increment", func(t *testing.T) { testIncrement(t, open(t)) })
	t.Run("ConcurrentIncrement", func(t *testing.T) { testConcurrentIncrement(t, open(t)) })
	t.Run("LookupSpacesIndependent", func(t *testing.T) { testLookupSpaces(t, open(t)) })
}

func valueKey(doc uint32, field uint8) store.Key {
	return store.ValueKey{AccountID: 1, Collection: 2, DocumentID: doc, Class: store.Property{Field: field}}
}

func testGetMissing(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, err := b.Get(ctx, valueKey(1, 1).Serialize(store.WithSubspace))
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.False(t, store.IsInternal(err))
}

func testSetGetDelete(t *testing.T, b store.Backend) {
	ctx := context.Background()
	key := valueKey(7, 3)

	require.NoError(t, b.Write(ctx, store.NewBatch().Set(key, []byte("hello"))))
	got, err := b.Get(ctx, key.Serialize(store.WithSubspace))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	require.NoError(t, b.Write(ctx, store.NewBatch().Set(key, []byte("world"))))
	got, err = b.Get(ctx, key.Serialize(store.WithSubspace))
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), got)

	require.NoError(t, b.Write(ctx, store.NewBatch().Delete(key)))
	_, err = b.Get(ctx, key.Serialize(store.WithSubspace))
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Deleting again is not an error.
	require.NoError(t, b.Write(ctx, store.NewBatch().Delete(key)))
	require.NoError(t, b.Write(ctx, store.NewBatch()))
}

func testAssertValue(t *testing.T, b store.Backend) {
	ctx := context.Background()
	key := valueKey(1, 9)
	other := valueKey(2, 9)

	t.Run("absent assertion holds", func(t *testing.T) {
		batch := store.NewBatch().AssertValue(key, nil).Set(key, []byte("v1"))
		require.NoError(t, b.Write(ctx, batch))
	})

	t.Run("absent assertion fails once present", func(t *testing.T) {
		batch := store.NewBatch().AssertValue(key, nil).Set(key, []byte("v2")).Set(other, []byte("x"))
		err := b.Write(ctx, batch)
		assert.ErrorIs(t, err, store.ErrAssertValueFailed)
		assert.False(t, store.IsInternal(err))

		got, err := b.Get(ctx, key.Serialize(store.WithSubspace))
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)
		_, err = b.Get(ctx, other.Serialize(store.WithSubspace))
		assert.ErrorIs(t, err, store.ErrNotFound, "failed batch must not apply partially")
	})

	t.Run("matching value", func(t *testing.T) {
		batch := store.NewBatch().AssertValue(key, []byte("v1")).Set(key, []byte("v2"))
		require.NoError(t, b.Write(ctx, batch))
	})

	t.Run("stale value", func(t *testing.T) {
		batch := store.NewBatch().AssertValue(key, []byte("v1")).Set(key, []byte("v3"))
		assert.ErrorIs(t, b.Write(ctx, batch), store.ErrAssertValueFailed)
	})
}

func seedDocuments(t *testing.T, b store.Backend, docs ...uint32) {
	t.Helper()
	batch := store.NewBatch()
	for _, d := range docs {
		batch.Set(valueKey(d, 1), []byte(fmt.Sprintf("doc-%d", d)))
	}
	require.NoError(t, b.Write(context.Background(), batch))
}

func collect(t *testing.T, b store.Backend, params store.IterateParams) []string {
	t.Helper()
	var out []string
	err := b.Iterate(context.Background(), params, func(key, value []byte) (bool, error) {
		out = append(out, string(value))
		return true, nil
	})
	require.NoError(t, err)
	return out
}

func testIterateOrder(t *testing.T, b store.Backend) {
	seedDocuments(t, b, 5, 1, 300, 2, 70000)
	begin, end := valueKey(1, 1), valueKey(300, 1)

	t.Run("ascending with inclusive end", func(t *testing.T) {
		got := collect(t, b, store.NewIterateParams(begin, end))
		assert.Equal(t, []string{"doc-1", "doc-2", "doc-5", "doc-300"}, got)
	})

	t.Run("descending", func(t *testing.T) {
		got := collect(t, b, store.NewIterateParams(begin, end).Descending())
		assert.Equal(t, []string{"doc-300", "doc-5", "doc-2", "doc-1"}, got)
	})

	t.Run("first only", func(t *testing.T) {
		got := collect(t, b, store.NewIterateParams(begin, end).Descending().OnlyFirst())
		assert.Equal(t, []string{"doc-300"}, got)
	})

	t.Run("keys only", func(t *testing.T) {
		var keys [][]byte
		err := b.Iterate(context.Background(), store.NewIterateParams(begin, end).NoValues(), func(key, value []byte) (bool, error) {
			assert.Empty(t, value)
			keys = append(keys, key)
			return true, nil
		})
		require.NoError(t, err)
		require.Len(t, keys, 4)
		assert.Equal(t, valueKey(1, 1).Serialize(store.WithSubspace), keys[0])
	})

	t.Run("stop early", func(t *testing.T) {
		n := 0
		err := b.Iterate(context.Background(), store.NewIterateParams(begin, end), func(key, value []byte) (bool, error) {
			n++
			return n < 2, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("callback error", func(t *testing.T) {
		boom := errors.New("boom")
		err := b.Iterate(context.Background(), store.NewIterateParams(begin, end), func(key, value []byte) (bool, error) {
			return false, boom
		})
		assert.ErrorIs(t, err, boom)
	})
}

func testIteratePrefix(t *testing.T, b store.Backend) {
	ctx := context.Background()
	batch := store.NewBatch()
	for doc := uint32(0); doc < 3; doc++ {
		batch.Set(store.LogKey{AccountID: 4, Collection: 1, ChangeID: uint64(doc)}, []byte{byte(doc)})
		batch.Set(store.LogKey{AccountID: 5, Collection: 1, ChangeID: uint64(doc)}, []byte{byte(doc)})
	}
	batch.Set(valueKey(1, 1), []byte("value"))
	require.NoError(t, b.Write(ctx, batch))

	prefix := store.RawKey(store.LogKey{AccountID: 4, Collection: 1}.Serialize(store.WithSubspace)[:1+store.U32Len+1])
	got := collect(t, b, store.NewPrefixParams(prefix))
	assert.Equal(t, []string{"\x00", "\x01", "\x02"}, got)

	all := collect(t, b, store.SubspaceParams(store.SubspaceLogs))
	assert.Len(t, all, 6)
}

func testIterateWriteInCallback(t *testing.T, b store.Backend) {
	ctx := context.Background()
	seedDocuments(t, b, 1, 2, 3)

	params := store.NewIterateParams(valueKey(0, 0), valueKey(10, 255)).NoValues()
	err := b.Iterate(ctx, params, func(key, _ []byte) (bool, error) {
		return true, b.Write(ctx, store.NewBatch().Delete(store.RawKey(key)))
	})
	require.NoError(t, err)
	assert.Empty(t, collect(t, b, params))
}

func testIncrement(t *testing.T, b store.Backend) {
	ctx := context.Background()
	key := store.CounterKey{Key: []byte("quota")}.Serialize(store.WithSubspace)

	n, err := b.Increment(ctx, key, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = b.Increment(ctx, key, -7)
	require.NoError(t, err)
	assert.Equal(t, int64(-2), n)

	raw, err := b.Get(ctx, key)
	require.NoError(t, err)
	decoded, err := store.DecodeCounter(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(-2), decoded)
}

func testConcurrentIncrement(t *testing.T, b store.Backend) {
	ctx := context.Background()
	key := store.CounterKey{Key: []byte("hits")}.Serialize(store.WithSubspace)

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := b.Increment(ctx, key, 1); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	n, err := b.Increment(ctx, key, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker), n)
}

func testLookupSpaces(t *testing.T, b store.Backend) {
	ctx := context.Background()
	value := store.KeyOf("x")
	counter := store.CounterOf("x")

	require.NoError(t, b.Write(ctx, store.NewBatch().Set(store.RawKey(value.Physical()), []byte("data"))))
	n, err := b.Increment(ctx, counter.Physical(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	got, err := b.Get(ctx, value.Physical())
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)
}
