package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/EliRibble/stalwart-mail-server/internal/fts"
	"github.com/EliRibble/stalwart-mail-server/internal/metrics"
)

// FtsStoreKind identifies the full-text engine.
type FtsStoreKind uint8

const (
	FtsStoreKindStore FtsStoreKind = iota + 1
	FtsStoreKindSQLite
)

func (k FtsStoreKind) String() string {
	switch k {
	case FtsStoreKindStore:
		return "store"
	case FtsStoreKindSQLite:
		return "fts5"
	default:
		return "unknown"
	}
}

// FtsStore is a handle on a full-text index.
type FtsStore struct {
	name    string
	kind    FtsStoreKind
	metrics metrics.Manager

	store  *fts.KVIndex
	sqlite *fts.SQLiteIndex
}

// NewStoreFtsStore keeps term bitmaps inside s.
func NewStoreFtsStore(name string, s *Store, logger *logrus.Logger, m metrics.Manager) *FtsStore {
	return &FtsStore{
		name:    name,
		kind:    FtsStoreKindStore,
		metrics: orNoop(m),
		store:   fts.NewKVIndex(s.Backend(), logger),
	}
}

// NewSQLiteFtsStore indexes into an FTS5 table of a SQLite store.
func NewSQLiteFtsStore(ctx context.Context, name string, s *Store, logger *logrus.Logger, m metrics.Manager) (*FtsStore, error) {
	if s.Kind() != KindSQLite {
		return nil, fmt.Errorf("fts store %q: fts5 requires a sqlite store, %q is %s", name, s.Name(), s.Kind())
	}
	index, err := fts.NewSQLiteIndex(ctx, s.SQL(), logger)
	if err != nil {
		return nil, err
	}
	return &FtsStore{name: name, kind: FtsStoreKindSQLite, metrics: orNoop(m), sqlite: index}, nil
}

// Name returns the configured store name.
func (f *FtsStore) Name() string { return f.name }

// Kind returns the engine kind.
func (f *FtsStore) Kind() FtsStoreKind { return f.kind }

func (f *FtsStore) index() fts.Index {
	switch f.kind {
	case FtsStoreKindStore:
		return f.store
	case FtsStoreKindSQLite:
		return f.sqlite
	}
	panic(fmt.Sprintf("fts store %q has no index", f.name))
}

func (f *FtsStore) observe(operation string, start time.Time, err error) {
	f.metrics.RecordStoreOperation(f.name, operation, err, time.Since(start))
}

// Index replaces the indexed content of doc.
func (f *FtsStore) Index(ctx context.Context, doc fts.Document) (err error) {
	start := time.Now()
	defer func() { f.observe("fts_index", start, err) }()
	return f.index().Index(ctx, doc)
}

// Query returns the ascending ids of documents whose field matches every
// token of text.
func (f *FtsStore) Query(ctx context.Context, accountID uint32, collection, field uint8, text string) (ids []uint32, err error) {
	start := time.Now()
	defer func() { f.observe("fts_query", start, err) }()
	return f.index().Query(ctx, accountID, collection, field, text)
}

// Remove drops a document from the index.
func (f *FtsStore) Remove(ctx context.Context, accountID uint32, collection uint8, documentID uint32) (err error) {
	start := time.Now()
	defer func() { f.observe("fts_remove", start, err) }()
	return f.index().Remove(ctx, accountID, collection, documentID)
}

// Close releases the index. The underlying data store stays open.
func (f *FtsStore) Close() error {
	return f.index().Close()
}
