package speech

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

var _ CacheStore = (*FileCache)(nil)

// FileCache stores each entry as <dir>/<key>.pcm. Writes go to a temporary
// file that is renamed into place, so readers never observe a partial entry.
type FileCache struct {
	dir string
}

// NewFileCache creates dir if needed and returns a cache rooted there.
func NewFileCache(dir string) (*FileCache, error) {
	if dir == "" {
		return nil, errors.New("speech: file cache dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("speech: create cache dir: %w", err)
	}
	return &FileCache{dir: dir}, nil
}

func (c *FileCache) path(key string) string {
	return filepath.Join(c.dir, key+".pcm")
}

// Get implements [CacheStore].
func (c *FileCache) Get(_ context.Context, key string) ([]byte, error) {
	pcm, err := os.ReadFile(c.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("speech: read cache entry: %w", err)
	}
	return pcm, nil
}

// Put implements [CacheStore].
func (c *FileCache) Put(_ context.Context, key string, pcm []byte) error {
	tmp, err := os.CreateTemp(c.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("speech: create cache temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(pcm); err != nil {
		tmp.Close()
		return fmt.Errorf("speech: write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("speech: close cache entry: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path(key)); err != nil {
		return fmt.Errorf("speech: commit cache entry: %w", err)
	}
	return nil
}

// Dir returns the cache directory.
func (c *FileCache) Dir() string { return c.dir }

// Close implements [CacheStore].
func (c *FileCache) Close() error { return nil }
