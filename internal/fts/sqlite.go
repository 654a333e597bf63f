package fts

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/EliRibble/stalwart-mail-server/internal/db"
	"github.com/EliRibble/stalwart-mail-server/internal/db/migrations"
	"github.com/EliRibble/stalwart-mail-server/internal/store"
)

const ftsTable = "fts_documents"

// SQLiteIndex keeps documents in an FTS5 virtual table. Field text is
// stored pre-tokenized by Tokenize so both index kinds agree on what a term
// is.
type SQLiteIndex struct {
	store  *db.SQLStore
	logger *logrus.Logger
}

// NewSQLiteIndex creates the FTS5 table on s if needed.
func NewSQLiteIndex(ctx context.Context, s *db.SQLStore, logger *logrus.Logger) (*SQLiteIndex, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if s.Dialect() != migrations.SQLite {
		return nil, fmt.Errorf("full-text index requires sqlite, got %s", s.Dialect().Name)
	}

	_, err := s.DB().ExecContext(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS `+ftsTable+` USING fts5(
		account_id UNINDEXED,
		collection UNINDEXED,
		document_id UNINDEXED,
		field UNINDEXED,
		body
	)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create fts table: %w", err)
	}

	logger.Debug("SQLite full-text index ready")
	return &SQLiteIndex{store: s, logger: logger}, nil
}

func deleteDocument(ctx context.Context, tx *sql.Tx, accountID uint32, collection uint8, documentID uint32) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM `+ftsTable+` WHERE account_id = ? AND collection = ? AND document_id = ?`,
		int64(accountID), int64(collection), int64(documentID))
	return err
}

// Index implements Index.
func (x *SQLiteIndex) Index(ctx context.Context, doc Document) error {
	tx, err := x.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return store.Internal(err, "failed to begin fts transaction")
	}
	defer tx.Rollback()

	if err := deleteDocument(ctx, tx, doc.AccountID, doc.Collection, doc.DocumentID); err != nil {
		return store.Internal(err, "failed to replace fts document")
	}
	for _, f := range doc.Fields {
		tokens := Tokenize(f.Text)
		if len(tokens) == 0 {
			continue
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO `+ftsTable+` (account_id, collection, document_id, field, body) VALUES (?, ?, ?, ?, ?)`,
			int64(doc.AccountID), int64(doc.Collection), int64(doc.DocumentID), int64(f.ID), strings.Join(tokens, " "))
		if err != nil {
			return store.Internal(err, "failed to index fts document")
		}
	}

	if err := tx.Commit(); err != nil {
		return store.Internal(err, "failed to commit fts document")
	}
	return nil
}

// matchExpression quotes every token so FTS5 never parses query syntax
// out of user input. Space-separated phrases are ANDed.
func matchExpression(tokens []string) string {
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " ")
}

// Query implements Index.
func (x *SQLiteIndex) Query(ctx context.Context, accountID uint32, collection, field uint8, text string) ([]uint32, error) {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return []uint32{}, nil
	}

	rows, err := x.store.DB().QueryContext(ctx,
		`SELECT DISTINCT document_id FROM `+ftsTable+`
		 WHERE `+ftsTable+` MATCH ? AND account_id = ? AND collection = ? AND field = ?
		 ORDER BY document_id`,
		"body:("+matchExpression(tokens)+")", int64(accountID), int64(collection), int64(field))
	if err != nil {
		return nil, store.Internal(err, "fts query failed")
	}
	defer rows.Close()

	ids := []uint32{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, store.Internal(err, "failed to scan fts result")
		}
		ids = append(ids, uint32(id))
	}
	if err := rows.Err(); err != nil {
		return nil, store.Internal(err, "fts query failed")
	}
	return ids, nil
}

// Remove implements Index.
func (x *SQLiteIndex) Remove(ctx context.Context, accountID uint32, collection uint8, documentID uint32) error {
	tx, err := x.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return store.Internal(err, "failed to begin fts transaction")
	}
	defer tx.Rollback()

	if err := deleteDocument(ctx, tx, accountID, collection, documentID); err != nil {
		return store.Internal(err, "failed to remove fts document")
	}
	return store.Internal(tx.Commit(), "failed to commit fts removal")
}

// Close is a no-op; the database is owned by the store registry.
func (x *SQLiteIndex) Close() error {
	return nil
}

var _ Index = (*SQLiteIndex)(nil)
