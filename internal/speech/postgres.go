package speech

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSchema is the DDL for the shared speech cache table.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS speech_cache (
    key        TEXT PRIMARY KEY,
    pcm        BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// DB is the database interface used by [PostgresCache]. Both *pgxpool.Pool
// and *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var _ CacheStore = (*PostgresCache)(nil)

// PostgresCache stores entries in PostgreSQL so several devices can share
// one cache.
type PostgresCache struct {
	db    DB
	close func()
}

// NewPostgresCache wraps an existing connection or pool. The caller owns db.
func NewPostgresCache(db DB) *PostgresCache {
	return &PostgresCache{db: db}
}

// OpenPostgresCache connects to dsn, runs [PostgresCache.Migrate], and
// returns a cache that owns the pool.
func OpenPostgresCache(ctx context.Context, dsn string) (*PostgresCache, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("speech: postgres connect: %w", err)
	}
	c := &PostgresCache{db: pool, close: pool.Close}
	if err := c.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return c, nil
}

// Migrate creates the cache table if it does not exist.
func (c *PostgresCache) Migrate(ctx context.Context) error {
	if _, err := c.db.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("speech: postgres migrate: %w", err)
	}
	return nil
}

// Get implements [CacheStore].
func (c *PostgresCache) Get(ctx context.Context, key string) ([]byte, error) {
	var pcm []byte
	err := c.db.QueryRow(ctx, `SELECT pcm FROM speech_cache WHERE key = $1`, key).Scan(&pcm)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("speech: postgres get: %w", err)
	}
	return pcm, nil
}

// Put implements [CacheStore].
func (c *PostgresCache) Put(ctx context.Context, key string, pcm []byte) error {
	const q = `INSERT INTO speech_cache (key, pcm) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`
	if _, err := c.db.Exec(ctx, q, key, pcm); err != nil {
		return fmt.Errorf("speech: postgres put: %w", err)
	}
	return nil
}

// Close implements [CacheStore]. It closes the pool only when the cache
// opened it.
func (c *PostgresCache) Close() error {
	if c.close != nil {
		c.close()
	}
	return nil
}
