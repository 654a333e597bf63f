package store

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// BlobHashLen is the size in bytes of a BlobHash.
const BlobHashLen = 32

// BlobHash identifies a blob by content, independent of where it is stored.
type BlobHash [BlobHashLen]byte

// NewBlobHash hashes data with BLAKE2b-256.
func NewBlobHash(data []byte) BlobHash {
	return BlobHash(blake2b.Sum256(data))
}

// ParseBlobHash decodes the hex form produced by BlobHash.String.
func ParseBlobHash(s string) (BlobHash, error) {
	var h BlobHash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid blob hash: %w", err)
	}
	if len(raw) != BlobHashLen {
		return h, fmt.Errorf("invalid blob hash length %d", len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

func (h BlobHash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero hash.
func (h BlobHash) IsZero() bool {
	return h == BlobHash{}
}

// BlobClass is the retention state of a blob: either a provisional
// reservation or a permanent link to a document.
type BlobClass interface {
	// IsExpired reports whether the blob may be reclaimed at now (epoch seconds).
	IsExpired(now uint64) bool
	Account() uint32
	appendTo(buf []byte) []byte
}

// Blob class markers inside the blob subspace.
const (
	blobMarkerData     byte = 'd'
	blobMarkerLinked   byte = 'l'
	blobMarkerReserved byte = 'r'
)

// BlobReserved is a provisional blob that expires unless linked before Expires.
type BlobReserved struct {
	AccountID uint32
	Expires   uint64
}

// BlobLinked is a blob permanently owned by a document.
type BlobLinked struct {
	AccountID  uint32
	Collection uint8
	DocumentID uint32
}

func (c BlobReserved) IsExpired(now uint64) bool { return c.Expires <= now }

func (c BlobReserved) Account() uint32 { return c.AccountID }

func (c BlobReserved) appendTo(buf []byte) []byte {
	return (&keyBuilder{buf: append(buf, blobMarkerReserved)}).
		u32(c.AccountID).
		u64(c.Expires).
		bytes()
}

func (c BlobLinked) IsExpired(uint64) bool { return false }

func (c BlobLinked) Account() uint32 { return c.AccountID }

func (c BlobLinked) appendTo(buf []byte) []byte {
	return (&keyBuilder{buf: append(buf, blobMarkerLinked)}).
		u32(c.AccountID).
		u8(c.Collection).
		u32(c.DocumentID).
		bytes()
}

// BlobKey is a link record of a blob. A nil Class serializes only the
// hash, which is the prefix of every record of that blob.
type BlobKey struct {
	Hash  BlobHash
	Class BlobClass
}

func (k BlobKey) Subspace() Subspace { return SubspaceBlobs }

func (k BlobKey) Serialize(flags uint32) []byte {
	kb := newKeyBuilder(SubspaceBlobs, flags, BlobHashLen+1+U32Len+U64Len)
	kb.raw(k.Hash[:])
	if k.Class != nil {
		kb.buf = k.Class.appendTo(kb.buf)
	}
	return kb.bytes()
}

// BlobDataKey addresses one chunk of a blob kept inside a key-value store.
type BlobDataKey struct {
	Hash  BlobHash
	Chunk uint32
}

func (k BlobDataKey) Subspace() Subspace { return SubspaceBlobs }

func (k BlobDataKey) Serialize(flags uint32) []byte {
	return newKeyBuilder(SubspaceBlobs, flags, BlobHashLen+1+U32Len).
		raw(k.Hash[:]).
		u8(blobMarkerData).
		u32(k.Chunk).
		bytes()
}

// DecodeBlobKey parses a key from the blob subspace serialized without
// the subspace tag. ok is false for data chunks and malformed keys.
func DecodeBlobKey(key []byte) (hash BlobHash, class BlobClass, ok bool) {
	if len(key) < BlobHashLen+1 {
		return hash, nil, false
	}
	copy(hash[:], key[:BlobHashLen])
	rest := key[BlobHashLen+1:]
	switch key[BlobHashLen] {
	case blobMarkerReserved:
		if len(rest) != U32Len+U64Len {
			return hash, nil, false
		}
		return hash, BlobReserved{
			AccountID: beUint32(rest),
			Expires:   beUint64(rest[U32Len:]),
		}, true
	case blobMarkerLinked:
		if len(rest) != U32Len+1+U32Len {
			return hash, nil, false
		}
		return hash, BlobLinked{
			AccountID:  beUint32(rest),
			Collection: rest[U32Len],
			DocumentID: beUint32(rest[U32Len+1:]),
		}, true
	}
	return hash, nil, false
}
