package metadata

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/EliRibble/stalwart-mail-server/internal/store"
)

// BadgerStore implements store.Backend using BadgerDB. Assertions and
// counters run inside optimistic transactions that are retried on conflict.
type BadgerStore struct {
	db     *badger.DB
	ready  atomic.Bool
	logger *logrus.Logger
	stopCh chan struct{}
	gcDone chan struct{}
	gcRuns atomic.Int64
}

// BadgerOptions contains configuration options for BadgerStore
type BadgerOptions struct {
	DataDir           string
	SyncWrites        bool // If true, every write is synced to disk (slower but safer)
	CompactionEnabled bool          // Enable periodic value-log GC
	GCInterval        time.Duration // Defaults to five minutes
	Logger            *logrus.Logger
}

// conflictBackoff is the pause between retries of a conflicting transaction.
const conflictBackoff = 100 * time.Microsecond

// NewBadgerStore creates a new BadgerDB-backed store
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	dbPath := filepath.Join(opts.DataDir, "badger")
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	badgerOpts := badger.DefaultOptions(dbPath).
		WithLogger(newBadgerLogger(opts.Logger)).
		WithSyncWrites(opts.SyncWrites).
		WithIndexCacheSize(100 << 20). // 100MB index cache
		WithBlockCacheSize(256 << 20). // 256MB block cache
		WithNumVersionsToKeep(1)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	s := &BadgerStore{
		db:     db,
		logger: opts.Logger,
		stopCh: make(chan struct{}),
	}
	s.ready.Store(true)

	if opts.CompactionEnabled {
		if opts.GCInterval <= 0 {
			opts.GCInterval = 5 * time.Minute
		}
		s.gcDone = make(chan struct{})
		go s.runGC(opts.GCInterval)
	}

	opts.Logger.WithField("path", dbPath).Info("BadgerDB store initialized")
	return s, nil
}

// DB returns the underlying BadgerDB instance
func (s *BadgerStore) DB() *badger.DB {
	return s.db
}

func txnGet(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, store.Internal(err, "failed to read from badger")
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, store.Internal(err, "failed to copy badger value")
	}
	return value, nil
}

// update runs fn in a read-write transaction, retrying on conflicts until it
// commits or ctx is done.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return store.Internal(ctxErr, "badger transaction abandoned")
		}
		if attempt > 0 && attempt%100 == 0 {
			s.logger.WithField("attempts", attempt).Debug("BadgerDB transaction still conflicting")
		}
		time.Sleep(conflictBackoff)
	}
}

// Get implements store.Backend.
func (s *BadgerStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		value, err = txnGet(txn, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Write implements store.Backend.
func (s *BadgerStore) Write(ctx context.Context, b *store.Batch) error {
	if b.IsEmpty() {
		return nil
	}
	err := s.update(ctx, func(txn *badger.Txn) error {
		if err := b.CheckAssertions(func(key []byte) ([]byte, error) { return txnGet(txn, key) }); err != nil {
			return err
		}
		for _, op := range b.Ops {
			switch op.Kind {
			case store.OpSet:
				if err := txn.Set(op.Key, op.Value); err != nil {
					return fmt.Errorf("batch set: %w", err)
				}
			case store.OpDelete:
				if err := txn.Delete(op.Key); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
					return fmt.Errorf("batch delete: %w", err)
				}
			}
		}
		return nil
	})
	return store.Internal(err, "failed to commit badger batch")
}

// Iterate implements store.Backend.
func (s *BadgerStore) Iterate(ctx context.Context, params store.IterateParams, fn func(key, value []byte) (bool, error)) error {
	lower, upper := params.Bounds()

	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = params.Values
		opts.Reverse = !params.Ascending
		it := txn.NewIterator(opts)
		defer it.Close()

		switch {
		case params.Ascending:
			it.Seek(lower)
		case upper == nil:
			it.Rewind()
		default:
			it.Seek(upper)
		}

		for ; it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return store.Internal(err, "badger iteration cancelled")
			}
			item := it.Item()
			key := item.KeyCopy(nil)
			if params.Ascending {
				if upper != nil && bytes.Compare(key, upper) >= 0 {
					break
				}
			} else {
				if upper != nil && bytes.Compare(key, upper) >= 0 {
					continue
				}
				if bytes.Compare(key, lower) < 0 {
					break
				}
			}

			var value []byte
			if params.Values {
				var err error
				if value, err = item.ValueCopy(nil); err != nil {
					return store.Internal(err, "failed to copy badger value")
				}
			}
			cont, err := fn(key, value)
			if err != nil {
				return err
			}
			if !cont || params.First {
				break
			}
		}
		return nil
	})
}

// Increment implements store.Backend.
func (s *BadgerStore) Increment(ctx context.Context, key []byte, delta int64) (int64, error) {
	var num int64
	err := s.update(ctx, func(txn *badger.Txn) error {
		current, err := txnGet(txn, key)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if num, err = store.DecodeCounter(current); err != nil {
			return err
		}
		num += delta
		return txn.Set(key, store.EncodeCounter(num))
	})
	if err != nil {
		return 0, store.Internal(err, "failed to increment badger counter")
	}
	return num, nil
}

// Close closes the BadgerDB instance
func (s *BadgerStore) Close() error {
	if s.ready.Swap(false) {
		close(s.stopCh)
		if s.gcDone != nil {
			<-s.gcDone
		}
	}
	s.logger.Info("Closing BadgerDB store")
	return s.db.Close()
}

// IsReady returns true if the store is ready
func (s *BadgerStore) IsReady() bool {
	return s.ready.Load()
}

// Compact runs value-log garbage collection
func (s *BadgerStore) Compact(ctx context.Context) error {
	s.logger.Info("Starting BadgerDB compaction")
	err := s.db.RunValueLogGC(0.5) // Rewrite if 50% of space can be reclaimed
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Backup creates a backup of the database
func (s *BadgerStore) Backup(ctx context.Context, path string) error {
	s.logger.WithField("path", path).Info("Creating backup")

	file, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid backup path: %w", err)
	}

	f, err := os.Create(file)
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	defer f.Close()

	_, err = s.db.Backup(f, 0)
	return err
}

// runGC runs garbage collection periodically
func (s *BadgerStore) runGC(interval time.Duration) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.WithError(err).Warn("Failed to run GC")
			}
			s.gcRuns.Add(1)
		}
	}
}

// ==================== Helper Functions ====================

// badgerLogger adapts logrus to BadgerDB's logger interface
type badgerLogger struct {
	logger *logrus.Logger
}

func newBadgerLogger(logger *logrus.Logger) *badgerLogger {
	return &badgerLogger{logger: logger}
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Tracef("[BadgerDB] "+format, args...)
}

var _ Engine = (*BadgerStore)(nil)
