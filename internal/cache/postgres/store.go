// Package postgres provides a cache.Store shared by every replica through
// a PostgreSQL table.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/render-cache/internal/cache"
	"github.com/JakeFAU/render-cache/internal/fingerprint"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool used for cache rows.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store reads and writes cache rows.
type Store struct {
	pool  dbPool
	table string
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, table: table}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool dbPool, table string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, table: table}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "render_cache"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the cache table and its expiry index if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	cache_key   TEXT PRIMARY KEY,
	url         TEXT NOT NULL,
	html        TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	fingerprint JSONB NOT NULL,
	change_type TEXT NOT NULL,
	stored_at   TIMESTAMPTZ NOT NULL,
	ttl_ms      BIGINT NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_expires_at_idx ON %[1]s (expires_at)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure cache schema: %w", err)
	}
	return nil
}

const selectColumns = `cache_key, url, html, status_code, fingerprint, change_type, stored_at, ttl_ms`

// Get loads one row. Expired rows are returned; callers check freshness.
func (s *Store) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE cache_key = $1`, selectColumns, s.table)
	entry, err := scanEntry(s.pool.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("select cache entry: %w", err)
	}
	return entry, true, nil
}

// Set upserts the row for key.
func (s *Store) Set(ctx context.Context, key string, entry cache.Entry, ttl time.Duration) error {
	fp, err := json.Marshal(entry.Fingerprint)
	if err != nil {
		return fmt.Errorf("marshal fingerprint: %w", err)
	}
	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	cache_key,
	url,
	html,
	status_code,
	fingerprint,
	change_type,
	stored_at,
	ttl_ms,
	expires_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)
ON CONFLICT (cache_key) DO UPDATE SET
	url = EXCLUDED.url,
	html = EXCLUDED.html,
	status_code = EXCLUDED.status_code,
	fingerprint = EXCLUDED.fingerprint,
	change_type = EXCLUDED.change_type,
	stored_at = EXCLUDED.stored_at,
	ttl_ms = EXCLUDED.ttl_ms,
	expires_at = EXCLUDED.expires_at`, s.table)

	args := []any{
		key,
		entry.URL,
		entry.HTML,
		entry.StatusCode,
		fp,
		string(entry.ChangeType),
		storedAt,
		ttl.Milliseconds(),
		storedAt.Add(ttl),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// Delete removes the row for key.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE cache_key = $1`, s.table), key)
	if err != nil {
		return false, fmt.Errorf("delete cache entry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Flush empties the table.
func (s *Store) Flush(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table)); err != nil {
		return fmt.Errorf("flush cache: %w", err)
	}
	return nil
}

// Purge deletes rows that expired before cutoff and reports how many.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at < $1`, s.table), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge cache: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Keys lists every cache key.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT cache_key FROM %s ORDER BY cache_key`, s.table))
	if err != nil {
		return nil, fmt.Errorf("list cache keys: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan cache key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list cache keys: %w", err)
	}
	return keys, nil
}

// Entries loads every row.
func (s *Store) Entries(ctx context.Context) ([]cache.Entry, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY cache_key`, selectColumns, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	defer rows.Close()
	var out []cache.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (cache.Entry, error) {
	var (
		e          cache.Entry
		fp         []byte
		changeType string
		ttlMS      int64
	)
	if err := row.Scan(&e.Key, &e.URL, &e.HTML, &e.StatusCode, &fp, &changeType, &e.StoredAt, &ttlMS); err != nil {
		return cache.Entry{}, err
	}
	if len(fp) > 0 {
		if err := json.Unmarshal(fp, &e.Fingerprint); err != nil {
			return cache.Entry{}, fmt.Errorf("decode fingerprint: %w", err)
		}
	}
	e.ChangeType = fingerprint.ChangeType(changeType)
	e.TTL = time.Duration(ttlMS) * time.Millisecond
	e.StoredAt = e.StoredAt.UTC()
	return e, nil
}
