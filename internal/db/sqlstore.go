package db

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/EliRibble/stalwart-mail-server/internal/db/migrations"
	"github.com/EliRibble/stalwart-mail-server/internal/store"
)

// iteratePageSize bounds how many rows Iterate reads per query so that
// callbacks never run while a connection is held.
const iteratePageSize = 512

// Options configures an SQL-backed store.
type Options struct {
	// Driver is one of sqlite, postgres or mysql.
	Driver string
	// DSN is the connection string for postgres and mysql.
	DSN string
	// Path is the database file for sqlite.
	Path         string
	MaxOpenConns int
	Timeout      time.Duration
	Logger       *logrus.Logger
}

// SQLStore implements store.Backend and store.Querier on a relational
// database. Each key subspace maps to its own table.
type SQLStore struct {
	db      *sql.DB
	dialect migrations.Dialect
	timeout time.Duration
	ready   atomic.Bool
	logger  *logrus.Logger
}

// Open connects to the database and runs pending migrations.
func Open(opts Options) (*SQLStore, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	dialect, err := migrations.DialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}

	dsn := opts.DSN
	if dialect == migrations.SQLite {
		if opts.Path == "" {
			return nil, fmt.Errorf("sqlite store requires a path")
		}
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = opts.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open(opts.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", opts.Driver, err)
	}
	switch {
	case dialect == migrations.SQLite:
		// A single connection serializes writers, which keeps assertions
		// and increments atomic without SQLITE_BUSY upgrades.
		db.SetMaxOpenConns(1)
	case opts.MaxOpenConns > 0:
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", opts.Driver, err)
	}

	if err := migrations.NewMigrationManager(db, dialect, opts.Logger).Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	s := &SQLStore{
		db:      db,
		dialect: dialect,
		timeout: opts.Timeout,
		logger:  opts.Logger,
	}
	s.ready.Store(true)

	opts.Logger.WithFields(logrus.Fields{
		"driver": opts.Driver,
	}).Info("SQL store initialized")
	return s, nil
}

// DB returns the underlying connection pool.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// SchemaHistory returns the applied schema migrations, oldest first.
func (s *SQLStore) SchemaHistory() ([]migrations.MigrationRecord, error) {
	return migrations.NewMigrationManager(s.db, s.dialect, s.logger).GetMigrationHistory()
}

// Dialect returns the SQL dialect of the store.
func (s *SQLStore) Dialect() migrations.Dialect {
	return s.dialect
}

func (s *SQLStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// tableOf splits a serialized key into its table and the stored key.
func tableOf(key []byte) (table string, rest []byte, err error) {
	subspace, rest := store.SplitSubspace(key)
	switch subspace {
	case store.SubspaceBitmaps, store.SubspaceValues, store.SubspaceLogs,
		store.SubspaceIndexes, store.SubspaceBlobs, store.SubspaceCounters, store.SubspaceLookup:
		return string([]byte{byte(subspace)}), rest, nil
	}
	return "", nil, store.NewInternalError("key has unknown subspace %q", byte(subspace))
}

// nonNil keeps empty byte slices from being bound as NULL.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func isCounterTable(table string) bool {
	return table == migrations.CounterTable
}

func (s *SQLStore) get(ctx context.Context, q queryer, key []byte, forUpdate bool) ([]byte, error) {
	table, rest, err := tableOf(key)
	if err != nil {
		return nil, err
	}
	query := "SELECT v FROM " + table + " WHERE k = ?"
	if forUpdate && s.dialect != migrations.SQLite {
		query += " FOR UPDATE"
	}
	row := q.QueryRowContext(ctx, s.dialect.Rebind(query), nonNil(rest))

	if isCounterTable(table) {
		var num int64
		if err := row.Scan(&num); err != nil {
			return nil, s.mapNoRows(err)
		}
		return store.EncodeCounter(num), nil
	}
	var value []byte
	if err := row.Scan(&value); err != nil {
		return nil, s.mapNoRows(err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (s *SQLStore) mapNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return store.Internal(err, "failed to read from "+s.dialect.Name)
}

// Get implements store.Backend.
func (s *SQLStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.get(ctx, s.db, key, false)
}

func (s *SQLStore) upsertQuery(table string) string {
	if s.dialect == migrations.MySQL {
		return "INSERT INTO " + table + " (k, v) VALUES (?, ?) ON DUPLICATE KEY UPDATE v = VALUES(v)"
	}
	return s.dialect.Rebind("INSERT INTO " + table + " (k, v) VALUES (?, ?) ON CONFLICT (k) DO UPDATE SET v = excluded.v")
}

// Write implements store.Backend.
func (s *SQLStore) Write(ctx context.Context, batch *store.Batch) error {
	if batch.IsEmpty() {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var txOpts *sql.TxOptions
	if batch.HasAssertions() && s.dialect != migrations.SQLite {
		txOpts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	tx, err := s.db.BeginTx(ctx, txOpts)
	if err != nil {
		return store.Internal(err, "failed to begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	err = batch.CheckAssertions(func(key []byte) ([]byte, error) {
		return s.get(ctx, tx, key, true)
	})
	if err != nil {
		return s.mapTxError(err)
	}

	for _, op := range batch.Ops {
		if op.Kind == store.OpAssert {
			continue
		}
		table, rest, err := tableOf(op.Key)
		if err != nil {
			return err
		}
		switch op.Kind {
		case store.OpSet:
			var value any = nonNil(op.Value)
			if isCounterTable(table) {
				num, err := store.DecodeCounter(op.Value)
				if err != nil {
					return err
				}
				value = num
			}
			if _, err := tx.ExecContext(ctx, s.upsertQuery(table), nonNil(rest), value); err != nil {
				return s.mapTxError(err)
			}
		case store.OpDelete:
			if _, err := tx.ExecContext(ctx, s.dialect.Rebind("DELETE FROM "+table+" WHERE k = ?"), nonNil(rest)); err != nil {
				return s.mapTxError(err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return s.mapTxError(err)
	}
	return nil
}

// mapTxError turns serialization failures into assertion failures so that
// callers retry with fresh state.
func (s *SQLStore) mapTxError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "40001" {
		return store.ErrAssertValueFailed
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && (myErr.Number == 1213 || myErr.Number == 1205) {
		return store.ErrAssertValueFailed
	}
	return store.Internal(err, s.dialect.Name+" transaction failed")
}

// tableRange is the slice of a scan that falls inside one table.
type tableRange struct {
	table        string
	lower, upper []byte
	hasUpper     bool
}

// splitRange maps serialized scan bounds onto the subspace tables, in scan
// order.
func splitRange(lower, upper []byte, ascending bool) []tableRange {
	var tables []string
	tables = append(tables, migrations.Tables...)
	tables = append(tables, migrations.CounterTable)

	var ranges []tableRange
	for _, table := range tables {
		tag := table[0]
		if len(lower) > 0 && tag < lower[0] {
			continue
		}
		if upper != nil && (tag > upper[0] || (tag == upper[0] && len(upper) == 1)) {
			continue
		}
		r := tableRange{table: table}
		if len(lower) > 0 && tag == lower[0] {
			r.lower = lower[1:]
		}
		if upper != nil && tag == upper[0] {
			r.upper, r.hasUpper = upper[1:], true
		}
		ranges = append(ranges, r)
	}

	sort.Slice(ranges, func(i, j int) bool {
		if ascending {
			return ranges[i].table < ranges[j].table
		}
		return ranges[i].table > ranges[j].table
	})
	return ranges
}

type sqlEntry struct {
	key, value []byte
}

func (s *SQLStore) scanPage(ctx context.Context, r tableRange, ascending, values bool) ([]sqlEntry, error) {
	cols := "k"
	if values {
		cols = "k, v"
	}
	query := "SELECT " + cols + " FROM " + r.table + " WHERE 1 = 1"
	var args []any
	if len(r.lower) > 0 {
		query += " AND k >= ?"
		args = append(args, r.lower)
	}
	if r.hasUpper {
		query += " AND k < ?"
		args = append(args, r.upper)
	}
	if ascending {
		query += " ORDER BY k ASC"
	} else {
		query += " ORDER BY k DESC"
	}
	query += fmt.Sprintf(" LIMIT %d", iteratePageSize)

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, store.Internal(err, "failed to scan "+r.table)
	}
	defer rows.Close()

	counter := isCounterTable(r.table)
	var page []sqlEntry
	for rows.Next() {
		var k []byte
		var e sqlEntry
		switch {
		case !values:
			err = rows.Scan(&k)
		case counter:
			var num int64
			err = rows.Scan(&k, &num)
			e.value = store.EncodeCounter(num)
		default:
			err = rows.Scan(&k, &e.value)
		}
		if err != nil {
			return nil, store.Internal(err, "failed to read row of "+r.table)
		}
		e.key = append([]byte{r.table[0]}, k...)
		page = append(page, e)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Internal(err, "failed to scan "+r.table)
	}
	return page, nil
}

// Iterate implements store.Backend.
func (s *SQLStore) Iterate(ctx context.Context, params store.IterateParams, fn func(key, value []byte) (bool, error)) error {
	lower, upper := params.Bounds()

	for _, r := range splitRange(lower, upper, params.Ascending) {
		for {
			page, err := s.scanPage(ctx, r, params.Ascending, params.Values)
			if err != nil {
				return err
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
			if len(page) < iteratePageSize {
				break
			}
			last := page[len(page)-1].key[1:]
			if params.Ascending {
				r.lower = append(bytes.Clone(last), 0x00)
			} else {
				r.upper, r.hasUpper = bytes.Clone(last), true
			}
		}
	}
	return nil
}

// Increment implements store.Backend.
func (s *SQLStore) Increment(ctx context.Context, key []byte, delta int64) (int64, error) {
	table, rest, err := tableOf(key)
	if err != nil {
		return 0, err
	}
	if !isCounterTable(table) {
		return 0, store.NewInternalError("increment on non-counter key")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var num int64
	if s.dialect == migrations.MySQL {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return 0, store.Internal(err, "failed to begin transaction")
		}
		defer tx.Rollback() //nolint:errcheck

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO "+table+" (k, v) VALUES (?, ?) ON DUPLICATE KEY UPDATE v = v + VALUES(v)",
			rest, delta); err != nil {
			return 0, store.Internal(err, "failed to increment counter")
		}
		if err := tx.QueryRowContext(ctx, "SELECT v FROM "+table+" WHERE k = ?", rest).Scan(&num); err != nil {
			return 0, store.Internal(err, "failed to read counter")
		}
		if err := tx.Commit(); err != nil {
			return 0, store.Internal(err, "failed to commit counter")
		}
		return num, nil
	}

	query := s.dialect.Rebind("INSERT INTO " + table + " (k, v) VALUES (?, ?) " +
		"ON CONFLICT (k) DO UPDATE SET v = " + table + ".v + excluded.v RETURNING v")
	if err := s.db.QueryRowContext(ctx, query, rest, delta).Scan(&num); err != nil {
		return 0, store.Internal(err, "failed to increment counter")
	}
	return num, nil
}

// Close closes the connection pool.
func (s *SQLStore) Close() error {
	s.ready.Store(false)
	s.logger.Info("Closing SQL store")
	return s.db.Close()
}

// IsReady returns true if the store is ready
func (s *SQLStore) IsReady() bool {
	return s.ready.Load()
}

// Compact reclaims free pages.
func (s *SQLStore) Compact(ctx context.Context) error {
	switch s.dialect {
	case migrations.SQLite:
		_, err := s.db.ExecContext(ctx, "VACUUM")
		return err
	case migrations.Postgres:
		_, err := s.db.ExecContext(ctx, "VACUUM")
		return err
	default:
		for _, table := range append(append([]string{}, migrations.Tables...), migrations.CounterTable) {
			if _, err := s.db.ExecContext(ctx, "OPTIMIZE TABLE "+table); err != nil {
				return err
			}
		}
		return nil
	}
}

// Backup writes a copy of a sqlite database to path. Server databases are
// backed up with their own tooling.
func (s *SQLStore) Backup(ctx context.Context, path string) error {
	if s.dialect != migrations.SQLite {
		return store.NewInternalError("backup is not supported for %s", s.dialect.Name)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid backup path: %w", err)
	}
	s.logger.WithField("path", absPath).Info("Creating SQLite backup")
	_, err = s.db.ExecContext(ctx, "VACUUM INTO ?", absPath)
	return err
}

var _ store.Backend = (*SQLStore)(nil)
