package fts

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/EliRibble/stalwart-mail-server/internal/store"
)

// maxWriteRetries bounds optimistic retries when concurrent indexers touch
// the same term bitmap.
const maxWriteRetries = 32

// term is one (field, token) pair recorded in a document's term index so
// the document can be removed later.
type term struct {
	Field uint8  `msgpack:"f"`
	Token string `msgpack:"t"`
}

// KVIndex stores one roaring bitmap of document ids per term and bitmap
// block in the bitmap subspace of a store.Backend.
type KVIndex struct {
	backend store.Backend
	logger  *logrus.Logger
}

// NewKVIndex creates an index on backend. The backend is shared and not
// closed by the index.
func NewKVIndex(backend store.Backend, logger *logrus.Logger) *KVIndex {
	if logger == nil {
		logger = logrus.New()
	}
	return &KVIndex{backend: backend, logger: logger}
}

func termKey(accountID uint32, collection uint8, t term, documentID uint32) store.BitmapKey {
	return store.BitmapKey{
		AccountID:  accountID,
		Collection: collection,
		Class:      store.Text{Field: t.Field, Token: t.Token},
		BlockNum:   store.BitmapBlock(documentID),
	}
}

func termIndexKey(accountID uint32, collection uint8, documentID uint32) store.ValueKey {
	return store.ValueKey{
		AccountID:  accountID,
		Collection: collection,
		DocumentID: documentID,
		Class:      store.TermIndex{},
	}
}

func (x *KVIndex) getOptional(ctx context.Context, key store.Key) ([]byte, error) {
	data, err := x.backend.Get(ctx, key.Serialize(store.WithSubspace))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func decodeBitmap(data []byte) (*roaring.Bitmap, error) {
	bm := roaring.New()
	if len(data) == 0 {
		return bm, nil
	}
	if err := bm.UnmarshalBinary(data); err != nil {
		return nil, store.NewInternalError("malformed term bitmap: %v", err)
	}
	return bm, nil
}

func (x *KVIndex) readTerms(ctx context.Context, key store.Key) ([]term, []byte, error) {
	raw, err := x.getOptional(ctx, key)
	if err != nil || raw == nil {
		return nil, raw, err
	}
	var terms []term
	if err := msgpack.Unmarshal(raw, &terms); err != nil {
		return nil, nil, store.NewInternalError("malformed term index: %v", err)
	}
	return terms, raw, nil
}

// updateBit stages in batch the change of documentID's bit in a term bitmap,
// asserting the bitmap was not modified concurrently.
func (x *KVIndex) updateBit(ctx context.Context, batch *store.Batch, key store.BitmapKey, documentID uint32, set bool) error {
	current, err := x.getOptional(ctx, key)
	if err != nil {
		return err
	}
	bm, err := decodeBitmap(current)
	if err != nil {
		return err
	}
	if set {
		bm.Add(documentID)
	} else {
		bm.Remove(documentID)
	}

	batch.AssertValue(key, current)
	if bm.IsEmpty() {
		batch.Delete(key)
		return nil
	}
	bm.RunOptimize()
	data, err := bm.ToBytes()
	if err != nil {
		return fmt.Errorf("failed to encode term bitmap: %w", err)
	}
	batch.Set(key, data)
	return nil
}

// retry runs attempt until it succeeds or fails with something other than
// an assertion failure.
func (x *KVIndex) retry(ctx context.Context, attempt func() error) error {
	for i := 0; i < maxWriteRetries; i++ {
		err := attempt()
		if !errors.Is(err, store.ErrAssertValueFailed) {
			return err
		}
		if ctx.Err() != nil {
			return store.Internal(ctx.Err(), "fts write cancelled")
		}
		x.logger.WithField("attempt", i+1).Debug("Term bitmap changed concurrently, retrying")
	}
	return store.ErrAssertValueFailed
}

// Index implements Index.
func (x *KVIndex) Index(ctx context.Context, doc Document) error {
	wanted := make(map[term]struct{})
	for _, f := range doc.Fields {
		for _, tok := range Tokenize(f.Text) {
			wanted[term{Field: f.ID, Token: tok}] = struct{}{}
		}
	}

	return x.retry(ctx, func() error {
		tiKey := termIndexKey(doc.AccountID, doc.Collection, doc.DocumentID)
		previous, rawPrevious, err := x.readTerms(ctx, tiKey)
		if err != nil {
			return err
		}

		batch := store.NewBatch()
		had := make(map[term]struct{}, len(previous))
		for _, t := range previous {
			had[t] = struct{}{}
			if _, keep := wanted[t]; !keep {
				if err := x.updateBit(ctx, batch, termKey(doc.AccountID, doc.Collection, t, doc.DocumentID), doc.DocumentID, false); err != nil {
					return err
				}
			}
		}

		terms := make([]term, 0, len(wanted))
		for t := range wanted {
			terms = append(terms, t)
			if _, ok := had[t]; ok {
				continue
			}
			if err := x.updateBit(ctx, batch, termKey(doc.AccountID, doc.Collection, t, doc.DocumentID), doc.DocumentID, true); err != nil {
				return err
			}
		}

		batch.AssertValue(tiKey, rawPrevious)
		if len(terms) == 0 {
			batch.Delete(tiKey)
		} else {
			encoded, err := msgpack.Marshal(terms)
			if err != nil {
				return fmt.Errorf("failed to encode term index: %w", err)
			}
			batch.Set(tiKey, encoded)
		}
		return x.backend.Write(ctx, batch)
	})
}

// Remove implements Index.
func (x *KVIndex) Remove(ctx context.Context, accountID uint32, collection uint8, documentID uint32) error {
	return x.retry(ctx, func() error {
		tiKey := termIndexKey(accountID, collection, documentID)
		terms, raw, err := x.readTerms(ctx, tiKey)
		if err != nil || raw == nil {
			return err
		}

		batch := store.NewBatch()
		for _, t := range terms {
			if err := x.updateBit(ctx, batch, termKey(accountID, collection, t, documentID), documentID, false); err != nil {
				return err
			}
		}
		batch.AssertValue(tiKey, raw).Delete(tiKey)
		return x.backend.Write(ctx, batch)
	})
}

// tokenDocuments unions every bitmap block of one term.
func (x *KVIndex) tokenDocuments(ctx context.Context, accountID uint32, collection uint8, t term) (*roaring.Bitmap, error) {
	begin := termKey(accountID, collection, t, 0)
	end := termKey(accountID, collection, t, math.MaxUint32)

	result := roaring.New()
	err := x.backend.Iterate(ctx, store.NewIterateParams(begin, end), func(key, value []byte) (bool, error) {
		bm, err := decodeBitmap(value)
		if err != nil {
			return false, err
		}
		result.Or(bm)
		return true, nil
	})
	return result, err
}

// Query implements Index.
func (x *KVIndex) Query(ctx context.Context, accountID uint32, collection, field uint8, text string) ([]uint32, error) {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return []uint32{}, nil
	}

	var result *roaring.Bitmap
	for _, tok := range tokens {
		docs, err := x.tokenDocuments(ctx, accountID, collection, term{Field: field, Token: tok})
		if err != nil {
			return nil, err
		}
		if result == nil {
			result = docs
		} else {
			result.And(docs)
		}
		if result.IsEmpty() {
			break
		}
	}
	return result.ToArray(), nil
}

// Close is a no-op; the backend is owned by the store registry.
func (x *KVIndex) Close() error {
	return nil
}

var _ Index = (*KVIndex)(nil)
