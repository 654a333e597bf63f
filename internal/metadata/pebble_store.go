package metadata

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/sirupsen/logrus"

	"github.com/EliRibble/stalwart-mail-server/internal/store"
)

// PebbleStore implements store.Backend using Pebble (CockroachDB's LSM engine).
// Pebble has no read-modify-write transactions, so assertions and counters
// are serialized through striped key locks.
type PebbleStore struct {
	db        *pebble.DB
	ready     atomic.Bool
	logger    *logrus.Logger
	locks     keyLocks
	writeOpts *pebble.WriteOptions
}

// PebbleOptions contains configuration options for PebbleStore
type PebbleOptions struct {
	DataDir    string
	SyncWrites bool
	Logger     *logrus.Logger
}

// NewPebbleStore creates a new Pebble-backed store
func NewPebbleStore(opts PebbleOptions) (*PebbleStore, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	dbPath := filepath.Join(opts.DataDir, "pebble")
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cache := pebble.NewCache(256 << 20) // 256 MB block cache
	defer cache.Unref()

	pebbleOpts := &pebble.Options{
		Cache: cache,
		Levels: []pebble.LevelOptions{
			{Compression: pebble.SnappyCompression},
		},
		Logger: &pebbleLogger{logger: opts.Logger},
	}

	db, err := pebble.Open(dbPath, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	s := &PebbleStore{
		db:        db,
		logger:    opts.Logger,
		writeOpts: pebble.NoSync,
	}
	if opts.SyncWrites {
		s.writeOpts = pebble.Sync
	}
	s.ready.Store(true)

	opts.Logger.WithField("path", dbPath).Info("Pebble store initialized")
	return s, nil
}

// get reads a single key and returns a safe copy of the value.
func (s *PebbleStore) get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, store.Internal(err, "failed to read from pebble")
	}
	data := copyBytes(val)
	_ = closer.Close()
	return data, nil
}

// Get implements store.Backend.
func (s *PebbleStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.Internal(err, "pebble get cancelled")
	}
	return s.get(key)
}

// Write implements store.Backend.
func (s *PebbleStore) Write(ctx context.Context, b *store.Batch) error {
	if b.IsEmpty() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return store.Internal(err, "pebble write cancelled")
	}

	unlock := s.locks.lock(b.Keys())
	defer unlock()

	if err := b.CheckAssertions(s.get); err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close() //nolint:errcheck

	for _, op := range b.Ops {
		var err error
		switch op.Kind {
		case store.OpSet:
			err = batch.Set(op.Key, op.Value, nil)
		case store.OpDelete:
			err = batch.Delete(op.Key, nil)
		}
		if err != nil {
			return store.Internal(err, "failed to stage pebble batch")
		}
	}
	if err := batch.Commit(s.writeOpts); err != nil {
		return store.Internal(err, "failed to commit pebble batch")
	}
	return nil
}

// Iterate implements store.Backend.
func (s *PebbleStore) Iterate(ctx context.Context, params store.IterateParams, fn func(key, value []byte) (bool, error)) error {
	lower, upper := params.Bounds()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return store.Internal(err, "failed to create pebble iterator")
	}
	defer iter.Close() //nolint:errcheck

	valid := iter.First()
	if !params.Ascending {
		valid = iter.Last()
	}
	for valid {
		if err := ctx.Err(); err != nil {
			return store.Internal(err, "pebble iteration cancelled")
		}
		key := copyBytes(iter.Key())
		var value []byte
		if params.Values {
			value = copyBytes(iter.Value())
		}
		cont, err := fn(key, value)
		if err != nil {
			return err
		}
		if !cont || params.First {
			break
		}
		if params.Ascending {
			valid = iter.Next()
		} else {
			valid = iter.Prev()
		}
	}
	return store.Internal(iter.Error(), "pebble iteration failed")
}

// Increment implements store.Backend.
func (s *PebbleStore) Increment(ctx context.Context, key []byte, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, store.Internal(err, "pebble increment cancelled")
	}

	unlock := s.locks.lock([][]byte{key})
	defer unlock()

	current, err := s.get(key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}
	num, err := store.DecodeCounter(current)
	if err != nil {
		return 0, err
	}
	num += delta
	if err := s.db.Set(key, store.EncodeCounter(num), s.writeOpts); err != nil {
		return 0, store.Internal(err, "failed to write pebble counter")
	}
	return num, nil
}

// Close closes the Pebble instance
func (s *PebbleStore) Close() error {
	s.ready.Store(false)
	s.logger.Info("Closing Pebble store")
	return s.db.Close()
}

// IsReady returns true when the store is ready to serve requests.
func (s *PebbleStore) IsReady() bool {
	return s.ready.Load()
}

// Compact triggers a manual compaction of the entire keyspace.
func (s *PebbleStore) Compact(ctx context.Context) error {
	s.logger.Info("Starting Pebble manual compaction")
	return s.db.Compact([]byte{0x00}, []byte{0xFF}, true)
}

// Backup creates a Pebble checkpoint (hard-linked snapshot) at the given path.
func (s *PebbleStore) Backup(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid backup path: %w", err)
	}
	s.logger.WithField("path", absPath).Info("Creating Pebble checkpoint")
	return s.db.Checkpoint(absPath)
}

// ==================== Logger adapter ====================

// pebbleLogger adapts logrus to pebble's Logger interface (Infof + Fatalf).
type pebbleLogger struct {
	logger *logrus.Logger
}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[Pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatalf("[Pebble] "+format, args...)
}

var _ Engine = (*PebbleStore)(nil)
