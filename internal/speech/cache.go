package speech

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"
	"sync"
)

// ErrCacheMiss is returned by [CacheStore.Get] when no entry exists.
var ErrCacheMiss = errors.New("speech: cache miss")

// CacheStore persists synthesized audio keyed by [CacheKey]. Entries are
// write-once per key; concurrent Puts of the same key are redundant but must
// not corrupt the entry.
//
// The scheduler treats every Get error as a miss and ignores Put errors after
// logging them.
type CacheStore interface {
	// Get returns the PCM stored under key or [ErrCacheMiss].
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores pcm under key.
	Put(ctx context.Context, key string, pcm []byte) error

	// Close releases the store's resources.
	Close() error
}

// CacheKey returns the content hash under which text is cached: the
// lowercase hex SHA-256 of its UTF-8 bytes.
func CacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

var (
	_ CacheStore = (*MemoryCache)(nil)
	_ CacheStore = NopCache{}
)

// MemoryCache is an in-process [CacheStore]. Its contents do not survive a
// restart.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string][]byte)}
}

// Get implements [CacheStore].
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pcm, ok := c.entries[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return slices.Clone(pcm), nil
}

// Put implements [CacheStore].
func (c *MemoryCache) Put(_ context.Context, key string, pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		c.entries[key] = append([]byte(nil), pcm...)
	}
	return nil
}

// Len returns the number of entries.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close implements [CacheStore].
func (c *MemoryCache) Close() error { return nil }

// NopCache never stores anything. Every Get is a miss.
type NopCache struct{}

// Get implements [CacheStore].
func (NopCache) Get(context.Context, string) ([]byte, error) { return nil, ErrCacheMiss }

// Put implements [CacheStore].
func (NopCache) Put(context.Context, string, []byte) error { return nil }

// Close implements [CacheStore].
func (NopCache) Close() error { return nil }
