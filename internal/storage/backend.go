package storage

import (
	"context"

	"github.com/EliRibble/stalwart-mail-server/internal/store"
)

// Backend stores immutable blobs addressed by content hash.
type Backend interface {
	// PutBlob stores data under hash. Storing an existing hash is a no-op.
	PutBlob(ctx context.Context, hash store.BlobHash, data []byte) error

	// GetBlob reads length bytes starting at offset. A negative length reads
	// to the end. Absent blobs return store.ErrNotFound.
	GetBlob(ctx context.Context, hash store.BlobHash, offset, length int64) ([]byte, error)

	// DeleteBlob removes the blob. Deleting an absent blob is not an error.
	DeleteBlob(ctx context.Context, hash store.BlobHash) error

	// Close releases the backend.
	Close() error
}

// SliceRange returns the [offset, offset+length) window of data, clamped to
// its bounds.
func SliceRange(data []byte, offset, length int64) ([]byte, error) {
	if offset < 0 {
		return nil, ErrInvalidRange
	}
	size := int64(len(data))
	if offset >= size {
		return []byte{}, nil
	}
	end := size
	if length >= 0 && offset+length < size {
		end = offset + length
	}
	return data[offset:end], nil
}
