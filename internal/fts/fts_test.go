package fts

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EliRibble/stalwart-mail-server/internal/db"
	"github.com/EliRibble/stalwart-mail-server/internal/metadata"
	"github.com/EliRibble/stalwart-mail-server/internal/store"
)

const (
	fieldSubject uint8 = 1
	fieldBody    uint8 = 2
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func setupSQLiteTestIndex(t *testing.T) *SQLiteIndex {
	t.Helper()
	s, err := db.Open(db.Options{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "fts.db"),
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	idx, err := NewSQLiteIndex(context.Background(), s, quietLogger())
	require.NoError(t, err)
	return idx
}

func indexes(t *testing.T) map[string]func(t *testing.T) Index {
	return map[string]func(t *testing.T) Index{
		"kv": func(t *testing.T) Index {
			return NewKVIndex(metadata.NewMemoryStore(), quietLogger())
		},
		"sqlite": func(t *testing.T) Index {
			return setupSQLiteTestIndex(t)
		},
	}
}

func message(doc uint32, subject, body string) Document {
	return Document{
		AccountID:  1,
		Collection: 0,
		DocumentID: doc,
		Fields: []Field{
			{ID: fieldSubject, Text: subject},
			{ID: fieldBody, Text: body},
		},
	}
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"hello", "re", "world"}, Tokenize("Re: Hello, WORLD! hello"))
	assert.Empty(t, Tokenize("  ,.;  "))
	assert.Equal(t, []string{"café", "naïve"}, Tokenize("naïve Café"))

	long := make([]byte, MaxTokenLength+1)
	for i := range long {
		long[i] = 'a'
	}
	assert.Equal(t, []string{"ok"}, Tokenize(string(long)+" ok"))
}

func TestIndexContract(t *testing.T) {
	for name, open := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("query matches all tokens", func(t *testing.T) {
				idx := open(t)
				require.NoError(t, idx.Index(ctx, message(1, "Quarterly report", "numbers attached")))
				require.NoError(t, idx.Index(ctx, message(2, "Lunch plans", "report to the cafeteria")))
				require.NoError(t, idx.Index(ctx, message(70000, "Report overdue", "please send the report")))

				got, err := idx.Query(ctx, 1, 0, fieldSubject, "report")
				require.NoError(t, err)
				assert.Equal(t, []uint32{1, 70000}, got)

				got, err = idx.Query(ctx, 1, 0, fieldBody, "REPORT the")
				require.NoError(t, err)
				assert.Equal(t, []uint32{2, 70000}, got)

				got, err = idx.Query(ctx, 1, 0, fieldBody, "report lunch")
				require.NoError(t, err)
				assert.Empty(t, got)
			})

			t.Run("tokens are not prefixes", func(t *testing.T) {
				idx := open(t)
				require.NoError(t, idx.Index(ctx, message(1, "reports", "")))

				got, err := idx.Query(ctx, 1, 0, fieldSubject, "report")
				require.NoError(t, err)
				assert.Empty(t, got)
			})

			t.Run("accounts are isolated", func(t *testing.T) {
				idx := open(t)
				doc := message(5, "invoice", "")
				doc.AccountID = 9
				require.NoError(t, idx.Index(ctx, doc))

				got, err := idx.Query(ctx, 1, 0, fieldSubject, "invoice")
				require.NoError(t, err)
				assert.Empty(t, got)

				got, err = idx.Query(ctx, 9, 0, fieldSubject, "invoice")
				require.NoError(t, err)
				assert.Equal(t, []uint32{5}, got)
			})

			t.Run("reindex replaces terms", func(t *testing.T) {
				idx := open(t)
				require.NoError(t, idx.Index(ctx, message(3, "draft", "")))
				require.NoError(t, idx.Index(ctx, message(3, "final", "")))

				got, err := idx.Query(ctx, 1, 0, fieldSubject, "draft")
				require.NoError(t, err)
				assert.Empty(t, got)

				got, err = idx.Query(ctx, 1, 0, fieldSubject, "final")
				require.NoError(t, err)
				assert.Equal(t, []uint32{3}, got)
			})

			t.Run("remove", func(t *testing.T) {
				idx := open(t)
				require.NoError(t, idx.Index(ctx, message(4, "meeting notes", "")))
				require.NoError(t, idx.Index(ctx, message(8, "meeting", "")))
				require.NoError(t, idx.Remove(ctx, 1, 0, 4))
				require.NoError(t, idx.Remove(ctx, 1, 0, 4))

				got, err := idx.Query(ctx, 1, 0, fieldSubject, "meeting")
				require.NoError(t, err)
				assert.Equal(t, []uint32{8}, got)
			})

			t.Run("empty query", func(t *testing.T) {
				idx := open(t)
				got, err := idx.Query(ctx, 1, 0, fieldSubject, "!!!")
				require.NoError(t, err)
				assert.Empty(t, got)
			})
		})
	}
}

func TestKVIndex_RemoveDeletesEmptyBitmaps(t *testing.T) {
	backend := metadata.NewMemoryStore()
	idx := NewKVIndex(backend, quietLogger())
	ctx := context.Background()

	require.NoError(t, idx.Index(ctx, message(1, "alpha beta", "gamma")))
	assert.Equal(t, 4, backend.Len(), "three term bitmaps plus the term index")

	require.NoError(t, idx.Remove(ctx, 1, 0, 1))
	assert.Zero(t, backend.Len())
}

func TestKVIndex_ConcurrentIndexing(t *testing.T) {
	idx := NewKVIndex(metadata.NewMemoryStore(), quietLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := uint32(1); i <= 16; i++ {
		wg.Add(1)
		go func(doc uint32) {
			defer wg.Done()
			assert.NoError(t, idx.Index(ctx, message(doc, "shared subject", "")))
		}(i)
	}
	wg.Wait()

	got, err := idx.Query(ctx, 1, 0, fieldSubject, "shared")
	require.NoError(t, err)
	assert.Len(t, got, 16)
}

func TestKVIndex_MalformedBitmap(t *testing.T) {
	backend := metadata.NewMemoryStore()
	idx := NewKVIndex(backend, quietLogger())
	ctx := context.Background()

	key := termKey(1, 0, term{Field: fieldSubject, Token: "broken"}, 1)
	require.NoError(t, backend.Write(ctx, store.NewBatch().Set(key, []byte("not a bitmap"))))

	_, err := idx.Query(ctx, 1, 0, fieldSubject, "broken")
	assert.True(t, store.IsInternal(err))
}
