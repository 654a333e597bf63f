package stores

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/EliRibble/stalwart-mail-server/internal/store"
)

// ErrBlobNotReserved is returned by LinkBlob when the account holds no
// reservation for the blob and nobody has linked it yet.
var ErrBlobNotReserved = errors.New("blob is not reserved by account")

// maxLinkRetries bounds optimistic retries of link updates.
const maxLinkRetries = 16

// blobRecord is the value of every blob link record.
type blobRecord struct {
	Created uint64 `msgpack:"c"`
}

func encodeBlobRecord(now uint64) []byte {
	data, err := msgpack.Marshal(&blobRecord{Created: now})
	if err != nil {
		// A struct of one integer always encodes.
		panic(err)
	}
	return data
}

// BlobLink is one link record of a blob.
type BlobLink struct {
	Class   store.BlobClass
	Created uint64
}

type linkEntry struct {
	key   []byte
	value []byte
	class store.BlobClass
}

// linkRange covers every link record of hash. Data chunks sort before
// linked records, which sort before reservations.
func linkRange(hash store.BlobHash) store.IterateParams {
	return store.NewIterateParams(
		store.BlobKey{Hash: hash, Class: store.BlobLinked{}},
		store.BlobKey{Hash: hash, Class: store.BlobReserved{AccountID: math.MaxUint32, Expires: math.MaxUint64}},
	)
}

// readLinks returns every link record of hash.
func (s *Store) readLinks(ctx context.Context, hash store.BlobHash) ([]linkEntry, error) {
	var entries []linkEntry
	err := s.Iterate(ctx, linkRange(hash), func(key, value []byte) (bool, error) {
		_, rest := store.SplitSubspace(key)
		if _, class, ok := store.DecodeBlobKey(rest); ok {
			entries = append(entries, linkEntry{key: key, value: value, class: class})
		}
		return true, nil
	})
	if err != nil {
		return nil, store.Internal(err, "failed to read blob links")
	}
	return entries, nil
}

// ReserveBlob records a provisional claim of accountID on hash that lapses
// at expires (epoch seconds) unless the blob is linked first.
func (s *Store) ReserveBlob(ctx context.Context, hash store.BlobHash, accountID uint32, expires uint64) error {
	key := store.BlobKey{Hash: hash, Class: store.BlobReserved{AccountID: accountID, Expires: expires}}
	return s.Set(ctx, key, encodeBlobRecord(store.Now()))
}

// LinkBlob makes hash permanently owned by a document and drops the
// reservations the same account held on it. Linking an already linked
// document is a no-op.
func (s *Store) LinkBlob(ctx context.Context, hash store.BlobHash, link store.BlobLinked) error {
	linkedKey := store.BlobKey{Hash: hash, Class: link}

	for attempt := 0; attempt < maxLinkRetries; attempt++ {
		entries, err := s.readLinks(ctx, hash)
		if err != nil {
			return err
		}

		batch := store.NewBatch()
		reserved, known := false, false
		for _, e := range entries {
			switch c := e.class.(type) {
			case store.BlobLinked:
				if c == link {
					return nil
				}
				known = true
			case store.BlobReserved:
				if c.AccountID == link.AccountID {
					reserved = true
					batch.AssertValue(store.RawKey(e.key), e.value).Delete(store.RawKey(e.key))
				}
			}
		}
		if !reserved && !known {
			return ErrBlobNotReserved
		}
		batch.AssertValue(linkedKey, nil).Set(linkedKey, encodeBlobRecord(store.Now()))

		err = s.Write(ctx, batch)
		if !errors.Is(err, store.ErrAssertValueFailed) {
			return err
		}
	}
	return store.NewInternalError("too many conflicts linking blob %s", hash)
}

// UnlinkBlob removes a document link. The blob becomes eligible for purging
// once no link or live reservation remains.
func (s *Store) UnlinkBlob(ctx context.Context, hash store.BlobHash, link store.BlobLinked) error {
	return s.Delete(ctx, store.BlobKey{Hash: hash, Class: link})
}

// BlobLinks lists the link records of hash.
func (s *Store) BlobLinks(ctx context.Context, hash store.BlobHash) ([]BlobLink, error) {
	entries, err := s.readLinks(ctx, hash)
	if err != nil {
		return nil, err
	}
	links := make([]BlobLink, 0, len(entries))
	for _, e := range entries {
		var rec blobRecord
		if err := msgpack.Unmarshal(e.value, &rec); err != nil {
			return nil, store.NewInternalError("malformed blob record: %v", err)
		}
		links = append(links, BlobLink{Class: e.class, Created: rec.Created})
	}
	return links, nil
}

// ==================== Purge ====================

// PurgeResult summarizes one purge pass.
type PurgeResult struct {
	Reservations int
	Blobs        int
	// Lookups counts expired in-memory lookup values dropped by the pass.
	Lookups int
}

// PurgeBlobs deletes expired reservations from s and, for every hash left
// without any link or live reservation, the blob bytes from blobs. Record
// deletes assert the values read during the scan, so a hash that gains a
// link concurrently is skipped until the next pass.
func PurgeBlobs(ctx context.Context, s *Store, blobs *BlobStore, now uint64) (PurgeResult, error) {
	var result PurgeResult
	start := time.Now()

	type candidate struct {
		expired []linkEntry
		live    bool
	}
	var (
		order     []store.BlobHash
		byHash    = make(map[store.BlobHash]*candidate)
		deleteErr error
	)
	err := s.Iterate(ctx, store.SubspaceParams(store.SubspaceBlobs).NoValues(), func(key, _ []byte) (bool, error) {
		_, rest := store.SplitSubspace(key)
		hash, class, ok := store.DecodeBlobKey(rest)
		if !ok {
			return true, nil
		}
		c, seen := byHash[hash]
		if !seen {
			c = &candidate{}
			byHash[hash] = c
			order = append(order, hash)
		}
		if class.IsExpired(now) {
			c.expired = append(c.expired, linkEntry{key: key, class: class})
		} else {
			c.live = true
		}
		return true, nil
	})
	if err != nil {
		return result, store.Internal(err, "failed to scan blob links")
	}

	for _, hash := range order {
		c := byHash[hash]
		if len(c.expired) == 0 {
			continue
		}

		batch := store.NewBatch()
		for _, e := range c.expired {
			value, err := s.Get(ctx, store.RawKey(e.key))
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return result, err
			}
			batch.AssertValue(store.RawKey(e.key), value).Delete(store.RawKey(e.key))
		}
		if batch.IsEmpty() {
			continue
		}

		err := s.Write(ctx, batch)
		if errors.Is(err, store.ErrAssertValueFailed) {
			continue
		}
		if err != nil {
			return result, err
		}
		result.Reservations += len(batch.Ops) / 2

		if c.live {
			continue
		}
		// Re-check under the fresh state; a reservation may have landed
		// between the scan and the delete.
		remaining, err := s.readLinks(ctx, hash)
		if err != nil {
			return result, err
		}
		if len(remaining) > 0 {
			continue
		}
		if err := blobs.DeleteBlob(ctx, hash); err != nil {
			deleteErr = errors.Join(deleteErr, err)
			continue
		}
		result.Blobs++
	}

	s.metrics.RecordBlobPurge(result.Reservations, result.Blobs, time.Since(start))
	return result, deleteErr
}
