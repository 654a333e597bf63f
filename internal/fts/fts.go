// Package fts implements full-text indexing of mail documents, either as
// term bitmaps inside a key-value store or through SQLite FTS5.
package fts

import (
	"context"
	"sort"
	"strings"
	"unicode"
)

// MaxTokenLength caps indexed token size in bytes. Longer tokens are
// usually encoded payloads and are skipped.
const MaxTokenLength = 40

// Field is one searchable field of a document.
type Field struct {
	ID   uint8
	Text string
}

// Document is the unit of indexing.
type Document struct {
	AccountID  uint32
	Collection uint8
	DocumentID uint32
	Fields     []Field
}

// Index is a full-text index implementation.
type Index interface {
	// Index replaces whatever was indexed for the document before.
	Index(ctx context.Context, doc Document) error
	// Query returns the ascending ids of documents whose field contains
	// every token of text.
	Query(ctx context.Context, accountID uint32, collection, field uint8, text string) ([]uint32, error)
	// Remove drops a document from the index. Unknown documents are ignored.
	Remove(ctx context.Context, accountID uint32, collection uint8, documentID uint32) error
	Close() error
}

// Tokenize lowercases text and splits it on anything that is not a letter
// or a digit. The result is deduplicated and sorted.
func Tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]struct{}, len(words))
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) > MaxTokenLength {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		tokens = append(tokens, w)
	}
	sort.Strings(tokens)
	return tokens
}
