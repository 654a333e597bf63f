package stores

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/EliRibble/stalwart-mail-server/internal/metrics"
	"github.com/EliRibble/stalwart-mail-server/internal/storage"
	"github.com/EliRibble/stalwart-mail-server/internal/store"
)

// DefaultChunkSize is the size of the value chunks a blob is split into
// when it is kept inside a data store.
const DefaultChunkSize = 64 * 1024

// BlobStoreKind identifies where blob bytes are kept.
type BlobStoreKind uint8

const (
	BlobStoreKindStore BlobStoreKind = iota + 1
	BlobStoreKindFs
	BlobStoreKindS3
)

func (k BlobStoreKind) String() string {
	switch k {
	case BlobStoreKindStore:
		return "store"
	case BlobStoreKindFs:
		return "fs"
	case BlobStoreKindS3:
		return "s3"
	default:
		return "unknown"
	}
}

// BlobStore is a handle on a blob backend.
type BlobStore struct {
	name    string
	kind    BlobStoreKind
	metrics metrics.Manager

	store *kvBlobStore
	fs    *storage.FilesystemStore
	s3    *storage.S3Store
}

// NewStoreBlobStore keeps blobs as chunks inside s. chunkSize must stay the
// same for the lifetime of the data.
func NewStoreBlobStore(name string, s *Store, chunkSize int, m metrics.Manager) *BlobStore {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &BlobStore{
		name:    name,
		kind:    BlobStoreKindStore,
		metrics: orNoop(m),
		store:   &kvBlobStore{store: s, chunkSize: int64(chunkSize)},
	}
}

// NewFsBlobStore keeps blobs as files.
func NewFsBlobStore(name string, fs *storage.FilesystemStore, m metrics.Manager) *BlobStore {
	return &BlobStore{name: name, kind: BlobStoreKindFs, metrics: orNoop(m), fs: fs}
}

// NewS3BlobStore keeps blobs as S3 objects.
func NewS3BlobStore(name string, s3 *storage.S3Store, m metrics.Manager) *BlobStore {
	return &BlobStore{name: name, kind: BlobStoreKindS3, metrics: orNoop(m), s3: s3}
}

func orNoop(m metrics.Manager) metrics.Manager {
	if m == nil {
		return metrics.Noop()
	}
	return m
}

// Name returns the configured blob store name.
func (b *BlobStore) Name() string { return b.name }

// Kind returns the backend kind.
func (b *BlobStore) Kind() BlobStoreKind { return b.kind }

// Filesystem returns the filesystem backend, nil for other kinds.
func (b *BlobStore) Filesystem() *storage.FilesystemStore { return b.fs }

func (b *BlobStore) backend() storage.Backend {
	switch b.kind {
	case BlobStoreKindStore:
		return b.store
	case BlobStoreKindFs:
		return b.fs
	case BlobStoreKindS3:
		return b.s3
	}
	panic(fmt.Sprintf("blob store %q has no backend", b.name))
}

func (b *BlobStore) observe(operation string, start time.Time, err error) {
	b.metrics.RecordStoreOperation(b.name, operation, err, time.Since(start))
}

// PutBlob stores data under hash. Storing the same hash twice is a no-op.
func (b *BlobStore) PutBlob(ctx context.Context, hash store.BlobHash, data []byte) (err error) {
	start := time.Now()
	defer func() { b.observe("put_blob", start, err) }()
	return b.backend().PutBlob(ctx, hash, data)
}

// GetBlob reads length bytes of the blob starting at offset; a negative
// length reads to the end. Absent blobs return store.ErrNotFound.
func (b *BlobStore) GetBlob(ctx context.Context, hash store.BlobHash, offset, length int64) (data []byte, err error) {
	start := time.Now()
	defer func() { b.observe("get_blob", start, err) }()
	return b.backend().GetBlob(ctx, hash, offset, length)
}

// DeleteBlob removes the blob bytes. Link records are not touched.
func (b *BlobStore) DeleteBlob(ctx context.Context, hash store.BlobHash) (err error) {
	start := time.Now()
	defer func() { b.observe("delete_blob", start, err) }()
	return b.backend().DeleteBlob(ctx, hash)
}

// Close releases the backend. Store-backed blob stores leave the data
// store open; it is closed through its own handle.
func (b *BlobStore) Close() error {
	return b.backend().Close()
}

// ==================== Chunked blobs ====================

// kvBlobStore splits blobs into fixed-size chunks under BlobDataKey. An
// empty blob is a single empty chunk so that it can be told apart from an
// absent one.
type kvBlobStore struct {
	store     *Store
	chunkSize int64
}

func chunkRange(hash store.BlobHash, from uint32) store.IterateParams {
	return store.NewIterateParams(
		store.BlobDataKey{Hash: hash, Chunk: from},
		store.BlobDataKey{Hash: hash, Chunk: math.MaxUint32},
	)
}

func chunkOf(key []byte) uint32 {
	return binary.BigEndian.Uint32(key[len(key)-store.U32Len:])
}

func (k *kvBlobStore) PutBlob(ctx context.Context, hash store.BlobHash, data []byte) error {
	batch := store.NewBatch()
	if len(data) == 0 {
		batch.Set(store.BlobDataKey{Hash: hash}, []byte{})
	}
	for chunk := uint32(0); int64(chunk)*k.chunkSize < int64(len(data)); chunk++ {
		begin := int64(chunk) * k.chunkSize
		end := min(begin+k.chunkSize, int64(len(data)))
		batch.Set(store.BlobDataKey{Hash: hash, Chunk: chunk}, data[begin:end])
	}
	if err := k.store.Write(ctx, batch); err != nil {
		return store.Internal(err, "failed to store blob chunks")
	}
	return nil
}

func (k *kvBlobStore) GetBlob(ctx context.Context, hash store.BlobHash, offset, length int64) ([]byte, error) {
	if offset < 0 {
		return nil, storage.ErrInvalidRange
	}
	end := int64(math.MaxInt64)
	if length >= 0 {
		end = offset + length
	}
	first := uint32(min(offset/k.chunkSize, math.MaxUint32))

	found := false
	out := []byte{}
	err := k.store.Iterate(ctx, chunkRange(hash, first), func(key, value []byte) (bool, error) {
		found = true
		pos := int64(chunkOf(key)) * k.chunkSize
		lo := max(offset-pos, 0)
		hi := min(end-pos, int64(len(value)))
		if lo < hi {
			out = append(out, value[lo:hi]...)
		}
		return pos+int64(len(value)) < end, nil
	})
	if err != nil {
		return nil, store.Internal(err, "failed to read blob chunks")
	}
	if found {
		return out, nil
	}

	// Either the blob is absent or offset lies past its last chunk.
	if first > 0 {
		_, err := k.store.Get(ctx, store.BlobDataKey{Hash: hash})
		switch {
		case err == nil:
			return []byte{}, nil
		case store.IsInternal(err):
			return nil, err
		}
	}
	return nil, store.ErrNotFound
}

func (k *kvBlobStore) DeleteBlob(ctx context.Context, hash store.BlobHash) error {
	batch := store.NewBatch()
	err := k.store.Iterate(ctx, chunkRange(hash, 0).NoValues(), func(key, _ []byte) (bool, error) {
		batch.Delete(store.RawKey(key))
		return true, nil
	})
	if err != nil {
		return store.Internal(err, "failed to list blob chunks")
	}
	if err := k.store.Write(ctx, batch); err != nil {
		return store.Internal(err, "failed to delete blob chunks")
	}
	return nil
}

func (k *kvBlobStore) Close() error {
	return nil
}

var _ storage.Backend = (*kvBlobStore)(nil)
