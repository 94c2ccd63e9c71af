package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gozephyr/prefcache/errors"
)

// SQLite is a persistent backend on a single SQLite database.
type SQLite struct {
	db    *sql.DB
	table string
	quota int64

	mu   sync.Mutex // serializes writers with the usage counter
	used int64
}

// OpenSQLite opens or creates the database at path. The path ":memory:"
// opens a private in-memory database.
func OpenSQLite(path string, opts ...Option) (*SQLite, error) {
	options := NewOptions()
	if err := options.Apply(opts...); err != nil {
		return nil, err
	}
	if path == "" {
		return nil, errors.WrapError("OpenSQLite", nil, fmt.Errorf("%w: path is required", errors.ErrInvalidOption))
	}

	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.WrapError("OpenSQLite", path, fmt.Errorf("%w: %v", errors.ErrUnavailable, err))
	}
	// a single connection keeps ":memory:" databases coherent and writes ordered
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout(options))
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapError("OpenSQLite", path, fmt.Errorf("%w: %v", errors.ErrUnavailable, err))
	}

	s := &SQLite{db: db, table: options.Bucket, quota: options.Quota}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapError("OpenSQLite", path, fmt.Errorf("%w: %v", errors.ErrStoreError, err))
	}
	return s, nil
}

func openTimeout(o *Options) time.Duration {
	if o.OpenTimeout <= 0 {
		return DefaultOpenTimeout
	}
	return o.OpenTimeout
}

func (s *SQLite) migrate(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
		k TEXT PRIMARY KEY,
		v TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(LENGTH(CAST(k AS BLOB)) + LENGTH(CAST(v AS BLOB))), 0) FROM `+s.table)
	if err := row.Scan(&s.used); err != nil {
		return fmt.Errorf("measure usage: %w", err)
	}
	return nil
}

// Name implements Backend
func (s *SQLite) Name() string {
	return "sqlite"
}

// Get implements Backend
func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT v FROM `+s.table+` WHERE k = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, s.wrap(ctx, "Get", key, err)
	}
	return value, true, nil
}

// Set implements Backend
func (s *SQLite) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(ctx, "Set", key, err)
	}
	defer func() { _ = tx.Rollback() }()

	delta := entrySize(key, value)
	var oldLen int64
	err = tx.QueryRowContext(ctx, `SELECT LENGTH(CAST(v AS BLOB)) FROM `+s.table+` WHERE k = ?`, key).Scan(&oldLen)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return s.wrap(ctx, "Set", key, err)
	default:
		delta -= int64(len(key)) + oldLen
	}
	if s.quota > 0 && delta > 0 && s.used+delta > s.quota {
		return errors.WrapError("Set", key, errors.ErrQuotaExceeded)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+s.table+` (k, v, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(k) DO UPDATE SET v = excluded.v, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return s.wrap(ctx, "Set", key, err)
	}
	if err := tx.Commit(); err != nil {
		return s.wrap(ctx, "Set", key, err)
	}
	s.used += delta
	return nil
}

// Delete implements Backend
func (s *SQLite) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldLen int64
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM `+s.table+` WHERE k = ? RETURNING LENGTH(CAST(v AS BLOB))`, key).Scan(&oldLen)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return s.wrap(ctx, "Delete", key, err)
	}
	s.used -= int64(len(key)) + oldLen
	return nil
}

// Keys implements Backend
func (s *SQLite) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT k FROM `+s.table+` WHERE k >= ? ORDER BY k`, prefix)
	if err != nil {
		return nil, s.wrap(ctx, "Keys", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, s.wrap(ctx, "Keys", prefix, err)
		}
		if !strings.HasPrefix(k, prefix) {
			break
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(ctx, "Keys", prefix, err)
	}
	return keys, nil
}

// Usage implements Sizer
func (s *SQLite) Usage(ctx context.Context) (Usage, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Usage{Used: s.used, Quota: s.quota}, nil
}

// Close implements Backend
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) wrap(ctx context.Context, op, key string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return errors.WrapError(op, key, fmt.Errorf("%w: %v", errors.ErrStoreError, err))
}
