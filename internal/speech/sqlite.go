package speech

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

var _ CacheStore = (*SQLiteCache)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS speech_cache (
    key        TEXT PRIMARY KEY,
    pcm        BLOB NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// SQLiteCache stores entries in a single SQLite database file.
type SQLiteCache struct {
	db   *sql.DB
	path string
}

// OpenSQLiteCache opens (or creates) the database at path.
func OpenSQLiteCache(ctx context.Context, path string) (*SQLiteCache, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("speech: create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("speech: open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("speech: apply pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("speech: create sqlite schema: %w", err)
	}
	return &SQLiteCache{db: db, path: path}, nil
}

// Get implements [CacheStore].
func (c *SQLiteCache) Get(ctx context.Context, key string) ([]byte, error) {
	var pcm []byte
	err := c.db.QueryRowContext(ctx, `SELECT pcm FROM speech_cache WHERE key = ?`, key).Scan(&pcm)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("speech: sqlite get: %w", err)
	}
	return pcm, nil
}

// Put implements [CacheStore].
func (c *SQLiteCache) Put(ctx context.Context, key string, pcm []byte) error {
	if _, err := c.db.ExecContext(ctx, `INSERT OR IGNORE INTO speech_cache (key, pcm) VALUES (?, ?)`, key, pcm); err != nil {
		return fmt.Errorf("speech: sqlite put: %w", err)
	}
	return nil
}

// Close implements [CacheStore].
func (c *SQLiteCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}
