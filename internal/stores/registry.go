package stores

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/EliRibble/stalwart-mail-server/internal/config"
	"github.com/EliRibble/stalwart-mail-server/internal/db"
	"github.com/EliRibble/stalwart-mail-server/internal/lookup"
	"github.com/EliRibble/stalwart-mail-server/internal/metadata"
	"github.com/EliRibble/stalwart-mail-server/internal/metrics"
	"github.com/EliRibble/stalwart-mail-server/internal/storage"
)

// ErrStoreNotFound is returned when a store name is not configured for the
// requested role.
var ErrStoreNotFound = errors.New("store not found")

// Stores holds every configured backend by name, one map per role. A data
// store is registered in all four maps; blob-only and lookup-only backends
// only in their own.
type Stores struct {
	Stores       map[string]*Store
	BlobStores   map[string]*BlobStore
	FtsStores    map[string]*FtsStore
	LookupStores map[string]*LookupStore

	defaults config.StorageConfig
	logger   *logrus.Logger
}

func newStores(defaults config.StorageConfig, logger *logrus.Logger) *Stores {
	return &Stores{
		Stores:       make(map[string]*Store),
		BlobStores:   make(map[string]*BlobStore),
		FtsStores:    make(map[string]*FtsStore),
		LookupStores: make(map[string]*LookupStore),
		defaults:     defaults,
		logger:       logger,
	}
}

// Build opens every store declared in cfg. It is the only place where a
// backend is chosen; everything else works on the returned handles.
func Build(ctx context.Context, cfg *config.Config, logger *logrus.Logger, m metrics.Manager) (*Stores, error) {
	if logger == nil {
		logger = logrus.New()
	}
	m = orNoop(m)
	s := newStores(cfg.Storage, logger)

	names := make([]string, 0, len(cfg.Stores))
	for name := range cfg.Stores {
		names = append(names, name)
	}
	sort.Strings(names)

	// Query lookups wrap data stores, so they are built last.
	var queries []string
	for _, name := range names {
		sc := cfg.Stores[name]
		if sc.Type == config.TypeQuery {
			queries = append(queries, name)
			continue
		}
		if err := s.open(ctx, cfg, name, sc, m); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to open store %q: %w", name, err)
		}
	}
	for _, name := range queries {
		sc := cfg.Stores[name]
		target, ok := s.LookupStores[sc.Store]
		if !ok || target.Kind() != LookupKindStore {
			s.Close()
			return nil, fmt.Errorf("store %q: %w: %q is not a data store", name, ErrStoreNotFound, sc.Store)
		}
		s.LookupStores[name] = NewQueryLookupStore(name, &QueryStore{Store: target, Query: sc.Query}, m)
	}

	logger.WithFields(logrus.Fields{
		"data":   cfg.Storage.Data,
		"blob":   cfg.Storage.Blob,
		"fts":    cfg.Storage.Fts,
		"lookup": cfg.Storage.Lookup,
		"stores": len(names),
	}).Info("Stores initialized")
	return s, nil
}

func (s *Stores) open(ctx context.Context, cfg *config.Config, name string, sc config.StoreConfig, m metrics.Manager) error {
	log := s.logger.WithFields(logrus.Fields{"store": name, "type": sc.Type})

	switch sc.Type {
	case config.TypeFilesystem:
		fs, err := storage.NewFilesystemStore(storage.FilesystemOptions{Root: sc.Path, Depth: sc.Depth, Logger: s.logger})
		if err != nil {
			return err
		}
		s.BlobStores[name] = NewFsBlobStore(name, fs, m)

	case config.TypeS3:
		s3, err := storage.NewS3Store(storage.S3Options{
			Endpoint:  sc.Endpoint,
			Region:    sc.Region,
			Bucket:    sc.Bucket,
			Prefix:    sc.Prefix,
			AccessKey: sc.AccessKey,
			SecretKey: sc.SecretKey,
			Logger:    s.logger,
		})
		if err != nil {
			return err
		}
		s.BlobStores[name] = NewS3BlobStore(name, s3, m)

	case config.TypeRedis:
		r, err := lookup.NewRedisStore(ctx, lookup.RedisOptions{
			URL:     sc.URL,
			Prefix:  sc.Prefix,
			Timeout: sc.Timeout,
			Logger:  s.logger,
		})
		if err != nil {
			return err
		}
		s.LookupStores[name] = NewRedisLookupStore(name, r, m)

	case config.TypeLookupMemory:
		s.LookupStores[name] = NewMemoryLookupStore(name, lookup.NewMemoryStore(), m)

	case config.TypeLDAP:
		// LDAP servers only answer directory queries; the directory
		// package connects to them itself.
		return nil

	default:
		engine, err := openEngine(sc, s.logger)
		if err != nil {
			return err
		}
		st, err := NewStore(name, engine, m)
		if err != nil {
			engine.Close()
			return err
		}
		s.Stores[name] = st
		s.BlobStores[name] = NewStoreBlobStore(name, st, cfg.Blob.ChunkSize, m)
		s.LookupStores[name] = NewStoreLookupStore(name, st, m)

		if sc.FtsEngine == "fts5" {
			index, err := NewSQLiteFtsStore(ctx, name, st, s.logger, m)
			if err != nil {
				return err
			}
			s.FtsStores[name] = index
		} else {
			s.FtsStores[name] = NewStoreFtsStore(name, st, s.logger, m)
		}
	}

	log.Debug("Store opened")
	return nil
}

// openEngine opens the data engine for a data store configuration.
func openEngine(sc config.StoreConfig, logger *logrus.Logger) (metadata.Engine, error) {
	switch sc.Type {
	case config.TypeSQLite:
		return db.Open(db.Options{Driver: "sqlite", Path: sc.Path, Timeout: sc.Timeout, Logger: logger})
	case config.TypePostgreSQL:
		return db.Open(db.Options{Driver: "postgres", DSN: sc.DSN, MaxOpenConns: sc.MaxOpenConns, Timeout: sc.Timeout, Logger: logger})
	case config.TypeMySQL:
		return db.Open(db.Options{Driver: "mysql", DSN: sc.DSN, MaxOpenConns: sc.MaxOpenConns, Timeout: sc.Timeout, Logger: logger})
	case config.TypePebble, config.TypeBadger, config.TypeBolt, config.TypeMemory:
		return metadata.Open(sc.Type, metadata.Options{
			DataDir:            sc.Path,
			SyncWrites:         sc.SyncWrites,
			Compaction:         sc.Compaction,
			CompactionInterval: sc.CompactionInterval,
			Logger:             logger,
		})
	default:
		return nil, fmt.Errorf("unsupported store type %q", sc.Type)
	}
}

// ==================== Accessors ====================

// Store returns the named data store; an empty name selects storage.data.
func (s *Stores) Store(name string) (*Store, error) {
	if name == "" {
		name = s.defaults.Data
	}
	if st, ok := s.Stores[name]; ok {
		return st, nil
	}
	return nil, fmt.Errorf("%w: data store %q", ErrStoreNotFound, name)
}

// BlobStore returns the named blob store; an empty name selects
// storage.blob.
func (s *Stores) BlobStore(name string) (*BlobStore, error) {
	if name == "" {
		name = s.defaults.Blob
	}
	if b, ok := s.BlobStores[name]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("%w: blob store %q", ErrStoreNotFound, name)
}

// FtsStore returns the named full-text store; an empty name selects
// storage.fts.
func (s *Stores) FtsStore(name string) (*FtsStore, error) {
	if name == "" {
		name = s.defaults.Fts
	}
	if f, ok := s.FtsStores[name]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("%w: fts store %q", ErrStoreNotFound, name)
}

// LookupStore returns the named lookup store; an empty name selects
// storage.lookup.
func (s *Stores) LookupStore(name string) (*LookupStore, error) {
	if name == "" {
		name = s.defaults.Lookup
	}
	if l, ok := s.LookupStores[name]; ok {
		return l, nil
	}
	return nil, fmt.Errorf("%w: lookup store %q", ErrStoreNotFound, name)
}

// IsReady reports whether every data store accepts requests.
func (s *Stores) IsReady() bool {
	for _, st := range s.Stores {
		if !st.IsReady() {
			return false
		}
	}
	return true
}

// Close releases every backend once. Role handles wrapping a data store are
// closed before the store itself.
func (s *Stores) Close() error {
	var errs []error
	for name, f := range s.FtsStores {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("fts store %q: %w", name, err))
		}
	}
	for name, b := range s.BlobStores {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("blob store %q: %w", name, err))
		}
	}
	for name, l := range s.LookupStores {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("lookup store %q: %w", name, err))
		}
	}
	for name, st := range s.Stores {
		if err := st.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store %q: %w", name, err))
		}
	}
	s.logger.Info("Stores closed")
	return errors.Join(errs...)
}
