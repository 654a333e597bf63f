package stores

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EliRibble/stalwart-mail-server/internal/storage"
	"github.com/EliRibble/stalwart-mail-server/internal/store"
)

// memoryS3 is an in-process S3Client.
type memoryS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryS3() *memoryS3 {
	return &memoryS3{objects: make(map[string][]byte)}
}

func (m *memoryS3) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = append([]byte(nil), data...)
	return nil
}

func (m *memoryS3) GetObject(ctx context.Context, bucket, key string, offset, length int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return storage.SliceRange(data, offset, length)
}

func (m *memoryS3) DeleteObject(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, bucket+"/"+key)
	return nil
}

func (m *memoryS3) TestConnection(ctx context.Context, bucket string) error {
	return nil
}

func newS3TestStore() *storage.S3Store {
	return storage.NewS3StoreWithClient(newMemoryS3(), storage.S3Options{Bucket: "mail", Logger: quietLogger()})
}

func blobStores(t *testing.T) map[string]func(t *testing.T) *BlobStore {
	return map[string]func(t *testing.T) *BlobStore{
		"store": func(t *testing.T) *BlobStore {
			// A tiny chunk size exercises reads spanning chunks.
			return NewStoreBlobStore("mem", setupMemoryTestStore(t, nil), 4, nil)
		},
		"fs": func(t *testing.T) *BlobStore {
			fs, err := storage.NewFilesystemStore(storage.FilesystemOptions{Root: t.TempDir(), Logger: quietLogger()})
			require.NoError(t, err)
			return NewFsBlobStore("fs", fs, nil)
		},
		"s3": func(t *testing.T) *BlobStore {
			return NewS3BlobStore("s3", newS3TestStore(), nil)
		},
	}
}

func TestBlobStoreContract(t *testing.T) {
	for name, setup := range blobStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := setup(t)
			data := []byte("Subject: hello world\r\n\r\nbody")
			hash := store.NewBlobHash(data)

			t.Run("absent", func(t *testing.T) {
				_, err := b.GetBlob(ctx, hash, 0, -1)
				assert.ErrorIs(t, err, store.ErrNotFound)
				assert.False(t, store.IsInternal(err))
			})

			require.NoError(t, b.PutBlob(ctx, hash, data))
			require.NoError(t, b.PutBlob(ctx, hash, data), "putting the same blob twice is a no-op")

			ranges := []struct {
				name           string
				offset, length int64
				want           []byte
			}{
				{"whole", 0, -1, data},
				{"prefix", 0, 7, data[:7]},
				{"spanning chunks", 3, 10, data[3:13]},
				{"to end", 9, -1, data[9:]},
				{"clamped", 20, 1000, data[20:]},
				{"past end", 1000, 10, []byte{}},
				{"zero length", 5, 0, []byte{}},
			}
			for _, r := range ranges {
				t.Run(r.name, func(t *testing.T) {
					got, err := b.GetBlob(ctx, hash, r.offset, r.length)
					require.NoError(t, err)
					assert.Equal(t, r.want, got)
				})
			}

			_, err := b.GetBlob(ctx, hash, -1, 3)
			assert.ErrorIs(t, err, storage.ErrInvalidRange)

			require.NoError(t, b.DeleteBlob(ctx, hash))
			_, err = b.GetBlob(ctx, hash, 0, -1)
			assert.ErrorIs(t, err, store.ErrNotFound)
			require.NoError(t, b.DeleteBlob(ctx, hash), "deleting twice is not an error")
		})
	}
}

func TestStoreBlobStore_Chunks(t *testing.T) {
	ctx := context.Background()
	s := setupMemoryTestStore(t, nil)
	b := NewStoreBlobStore("mem", s, 4, nil)
	assert.Equal(t, BlobStoreKindStore, b.Kind())

	data := bytes.Repeat([]byte("abcdefghij"), 3)
	hash := store.NewBlobHash(data)
	require.NoError(t, b.PutBlob(ctx, hash, data))

	chunks := 0
	err := s.Iterate(ctx, store.SubspaceParams(store.SubspaceBlobs), func(key, value []byte) (bool, error) {
		chunks++
		assert.LessOrEqual(t, len(value), 4)
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 8, chunks)

	require.NoError(t, b.DeleteBlob(ctx, hash))
	assert.Equal(t, 0, s.engine().(interface{ Len() int }).Len())
}

func TestStoreBlobStore_EmptyBlob(t *testing.T) {
	ctx := context.Background()
	b := NewStoreBlobStore("mem", setupMemoryTestStore(t, nil), 0, nil)
	hash := store.NewBlobHash(nil)

	require.NoError(t, b.PutBlob(ctx, hash, nil))
	got, err := b.GetBlob(ctx, hash, 0, -1)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = b.GetBlob(ctx, hash, DefaultChunkSize*3, -1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStoreBlobStore_LeavesStoreOpen(t *testing.T) {
	ctx := context.Background()
	s := setupMemoryTestStore(t, nil)
	b := NewStoreBlobStore("mem", s, 0, nil)

	require.NoError(t, b.Close())
	require.NoError(t, s.Set(ctx, store.CounterKey{Key: []byte("x")}, store.EncodeCounter(1)))
}

func TestBlobStoreKind_String(t *testing.T) {
	assert.Equal(t, "store", BlobStoreKindStore.String())
	assert.Equal(t, "fs", BlobStoreKindFs.String())
	assert.Equal(t, "s3", BlobStoreKindS3.String())
}
