package metadata

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"

	"github.com/EliRibble/stalwart-mail-server/internal/store"
)

var boltBucket = []byte("store")

// boltPageSize bounds how many entries Iterate reads per read transaction.
// Callbacks run outside the transaction so they may write to the store.
const boltPageSize = 512

// BoltStore implements store.Backend on a single bbolt file. bbolt allows
// one writer at a time, which makes every Write and Increment serializable
// without extra locking.
type BoltStore struct {
	db     *bbolt.DB
	ready  atomic.Bool
	logger *logrus.Logger
}

// BoltOptions contains configuration options for BoltStore
type BoltOptions struct {
	DataDir    string
	SyncWrites bool
	Logger     *logrus.Logger
}

// NewBoltStore opens (or creates) store.db under opts.DataDir.
func NewBoltStore(opts BoltOptions) (*BoltStore, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	bopt := *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	bopt.NoSync = !opts.SyncWrites
	bopt.FreelistType = bbolt.FreelistMapType

	path := filepath.Join(opts.DataDir, "store.db")
	db, err := bbolt.Open(path, 0666, &bopt)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bolt bucket: %w", err)
	}

	s := &BoltStore{db: db, logger: opts.Logger}
	s.ready.Store(true)

	opts.Logger.WithField("path", path).Info("Bolt store initialized")
	return s, nil
}

func boltGet(b *bbolt.Bucket, key []byte) ([]byte, error) {
	v := b.Get(key)
	if v == nil {
		return nil, store.ErrNotFound
	}
	return copyBytes(v), nil
}

// Get implements store.Backend.
func (s *BoltStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.Internal(err, "bolt get cancelled")
	}
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		value, err = boltGet(tx.Bucket(boltBucket), key)
		return err
	})
	if err != nil {
		return nil, store.Internal(err, "failed to read from bolt")
	}
	return value, nil
}

// Write implements store.Backend.
func (s *BoltStore) Write(ctx context.Context, batch *store.Batch) error {
	if batch.IsEmpty() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return store.Internal(err, "bolt write cancelled")
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(boltBucket)
		if err := batch.CheckAssertions(func(key []byte) ([]byte, error) { return boltGet(b, key) }); err != nil {
			return err
		}
		for _, op := range batch.Ops {
			switch op.Kind {
			case store.OpSet:
				if err := b.Put(op.Key, op.Value); err != nil {
					return fmt.Errorf("batch set: %w", err)
				}
			case store.OpDelete:
				if err := b.Delete(op.Key); err != nil {
					return fmt.Errorf("batch delete: %w", err)
				}
			}
		}
		return nil
	})
	return store.Internal(err, "failed to commit bolt batch")
}

type boltEntry struct {
	key, value []byte
}

// scanPage reads up to boltPageSize entries within [lower, upper).
func (s *BoltStore) scanPage(lower, upper []byte, ascending, values bool) ([]boltEntry, error) {
	var page []boltEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()

		var k, v []byte
		switch {
		case ascending:
			k, v = c.Seek(lower)
		case upper == nil:
			k, v = c.Last()
		default:
			if k, _ = c.Seek(upper); k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		}

		for ; k != nil && len(page) < boltPageSize; k, v = boltAdvance(c, !ascending) {
			if ascending && upper != nil && bytes.Compare(k, upper) >= 0 {
				break
			}
			if !ascending && bytes.Compare(k, lower) < 0 {
				break
			}
			e := boltEntry{key: copyBytes(k)}
			if values {
				e.value = copyBytes(v)
			}
			page = append(page, e)
		}
		return nil
	})
	return page, err
}

func boltAdvance(c *bbolt.Cursor, reverse bool) ([]byte, []byte) {
	if reverse {
		return c.Prev()
	}
	return c.Next()
}

// Iterate implements store.Backend.
func (s *BoltStore) Iterate(ctx context.Context, params store.IterateParams, fn func(key, value []byte) (bool, error)) error {
	lower, upper := params.Bounds()
	for {
		if err := ctx.Err(); err != nil {
			return store.Internal(err, "bolt iteration cancelled")
		}
		page, err := s.scanPage(lower, upper, params.Ascending, params.Values)
		if err != nil {
			return store.Internal(err, "bolt iteration failed")
		}
		for _, e := range page {
			cont, err := fn(e.key, e.value)
			if err != nil {
				return err
			}
			if !cont || params.First {
				return nil
			}
		}
		if len(page) < boltPageSize {
			return nil
		}
		last := page[len(page)-1].key
		if params.Ascending {
			lower = append(copyBytes(last), 0x00)
		} else {
			upper = last
		}
	}
}

// Increment implements store.Backend.
func (s *BoltStore) Increment(ctx context.Context, key []byte, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, store.Internal(err, "bolt increment cancelled")
	}
	var num int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(boltBucket)
		var err error
		if num, err = store.DecodeCounter(b.Get(key)); err != nil {
			return err
		}
		num += delta
		return b.Put(key, store.EncodeCounter(num))
	})
	if err != nil {
		return 0, store.Internal(err, "failed to increment bolt counter")
	}
	return num, nil
}

// Close closes the bolt file.
func (s *BoltStore) Close() error {
	s.ready.Store(false)
	s.logger.Info("Closing Bolt store")
	return s.db.Close()
}

// IsReady returns true if the store is ready
func (s *BoltStore) IsReady() bool {
	return s.ready.Load()
}

// Compact is a no-op; bbolt reuses freed pages in place.
func (s *BoltStore) Compact(ctx context.Context) error {
	return nil
}

// Backup streams a consistent copy of the database file to path.
func (s *BoltStore) Backup(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid backup path: %w", err)
	}
	s.logger.WithField("path", absPath).Info("Creating Bolt backup")
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.CopyFile(absPath, 0600)
	})
}

var _ Engine = (*BoltStore)(nil)
