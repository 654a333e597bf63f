package db

import (
	"context"
	"database/sql"

	"github.com/sirupsen/logrus"

	"github.com/EliRibble/stalwart-mail-server/internal/store"
)

func (s *SQLStore) args(params []store.Value) []any {
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = p.Native()
	}
	return args
}

func (s *SQLStore) logQuery(query string, params []store.Value) {
	if s.logger.IsLevelEnabled(logrus.TraceLevel) {
		s.logger.WithFields(logrus.Fields{
			"query":  query,
			"params": len(params),
		}).Trace("Running query")
	}
}

// Execute implements store.Querier.
func (s *SQLStore) Execute(ctx context.Context, query string, params ...store.Value) (uint64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	s.logQuery(query, params)

	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(query), s.args(params)...)
	if err != nil {
		return 0, store.Internal(err, "failed to execute query")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, store.Internal(err, "failed to read affected rows")
	}
	return uint64(affected), nil
}

// Exists implements store.Querier.
func (s *SQLStore) Exists(ctx context.Context, query string, params ...store.Value) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	s.logQuery(query, params)

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), s.args(params)...)
	if err != nil {
		return false, store.Internal(err, "failed to run query")
	}
	defer rows.Close()

	exists := rows.Next()
	if err := rows.Err(); err != nil {
		return false, store.Internal(err, "failed to run query")
	}
	return exists, nil
}

// QueryOne implements store.Querier. It returns nil when the query yields
// no rows.
func (s *SQLStore) QueryOne(ctx context.Context, query string, params ...store.Value) (*store.Row, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	s.logQuery(query, params)

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), s.args(params)...)
	if err != nil {
		return nil, store.Internal(err, "failed to run query")
	}
	defer rows.Close()

	result, err := readRows(rows, 1)
	if err != nil {
		return nil, err
	}
	return result.IntoRow(), nil
}

// QueryAll implements store.Querier.
func (s *SQLStore) QueryAll(ctx context.Context, query string, params ...store.Value) (store.IntoRows, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	s.logQuery(query, params)

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), s.args(params)...)
	if err != nil {
		return nil, store.Internal(err, "failed to run query")
	}
	defer rows.Close()

	return readRows(rows, 0)
}

// readRows materializes up to limit rows (0 = all) into NamedRows.
func readRows(rows *sql.Rows, limit int) (store.NamedRows, error) {
	names, err := rows.Columns()
	if err != nil {
		return store.NamedRows{}, store.Internal(err, "failed to read columns")
	}
	result := store.NamedRows{Names: names}

	cells := make([]any, len(names))
	dest := make([]any, len(names))
	for i := range cells {
		dest[i] = &cells[i]
	}

	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return store.NamedRows{}, store.Internal(err, "failed to scan row")
		}
		row := store.Row{Values: make([]store.Value, len(cells))}
		for i, c := range cells {
			if b, ok := c.([]byte); ok {
				c = append([]byte(nil), b...)
			}
			row.Values[i] = store.ValueOf(c)
		}
		result.Rows = append(result.Rows, row)
		if limit > 0 && len(result.Rows) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return store.NamedRows{}, store.Internal(err, "failed to read rows")
	}
	return result, nil
}

var _ store.Querier = (*SQLStore)(nil)
