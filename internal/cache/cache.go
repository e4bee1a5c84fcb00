// Package cache memoizes expensive, repeatable results with a per-entry TTL.
//
// The cache is a fast in-memory layer with an optional durable blob layer for
// large payloads such as rendered audio. The contract is identical for both:
// an expired read behaves as a miss and removes the entry.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/avatar-service/internal/core"
)

// Stats summarizes cache effectiveness for the status endpoint.
type Stats struct {
	Entries int
	Hits    int64
	Misses  int64
}

// Config controls cache construction.
type Config struct {
	// Blobs, when non-nil, is the durable layer. Blob failures degrade
	// the cache to memory-only behavior; they never fail the caller.
	Blobs core.ObjectStore
	// Clock overrides the time source, for tests. Defaults to time.Now.
	Clock func() time.Time
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// blobEntry is the durable-layer representation of one cache entry.
type blobEntry struct {
	Value     []byte `json:"value"`
	ExpiresAt int64  `json:"expires_at_ns"`
}

// Cache is safe for concurrent use. A write replaces its entry wholesale;
// readers never observe a partial write.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	hits    int64
	misses  int64
	blobs   core.ObjectStore
	now     func() time.Time
	log     *logger.Logger
}

// New creates an empty cache.
func New(cfg Config, log *logger.Logger) *Cache {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Cache{
		entries: make(map[string]entry),
		blobs:   cfg.Blobs,
		now:     cfg.Clock,
		log:     log,
	}
}

// Get returns the cached value for key. A key that was never set, or whose
// TTL has elapsed, is a miss; an expired entry is removed as a side effect.
//
// Blob-layer round-trips happen outside the mutex, so a slow durable lookup
// on one key never delays memory hits on another.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()

	now := c.now()

	cached, ok := c.entries[key]
	if ok {
		if now.Before(cached.expiresAt) {
			c.hits++
			c.mu.Unlock()

			return cached.value, true
		}

		delete(c.entries, key)
		c.misses++
		c.mu.Unlock()
		c.deleteBlob(ctx, key)

		return nil, false
	}

	c.mu.Unlock()

	value, expiresAt, ok := c.loadBlob(ctx, key)
	if !ok {
		c.recordMiss()

		return nil, false
	}

	if !now.Before(expiresAt) {
		c.recordMiss()
		c.deleteBlob(ctx, key)

		return nil, false
	}

	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: expiresAt}
	c.hits++
	c.mu.Unlock()

	return value, true
}

// Set stores value under key for ttl, unconditionally replacing any previous
// entry. The memory layer is updated first; the blob write happens outside
// the mutex and may lag behind concurrent writers of the same key.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	expiresAt := c.now().Add(ttl)

	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: expiresAt}
	c.mu.Unlock()

	c.storeBlob(ctx, key, value, expiresAt)
}

// Invalidate removes key from both layers.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()

	c.deleteBlob(ctx, key)
}

// Clear removes every entry this instance knows about, from both layers.
// Blob-layer entries written before a restart are not enumerable here and
// are not removed; they age out through their own TTL on the next read.
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()

	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}

	c.entries = make(map[string]entry)
	c.mu.Unlock()

	for _, key := range keys {
		c.deleteBlob(ctx, key)
	}
}

func (c *Cache) recordMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

// CacheStats returns entry and hit/miss counts.
func (c *Cache) CacheStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Entries: len(c.entries),
		Hits:    c.hits,
		Misses:  c.misses,
	}
}

func (c *Cache) storeBlob(ctx context.Context, key string, value []byte, expiresAt time.Time) {
	if c.blobs == nil {
		return
	}

	payload, err := json.Marshal(blobEntry{Value: value, ExpiresAt: expiresAt.UnixNano()})
	if err != nil {
		c.log.Warn("Failed to encode cache entry '%s' for blob layer: %v", key, err)

		return
	}

	err = c.blobs.Upload(ctx, blobKey(key), payload)
	if err != nil {
		c.log.Warn("Failed to persist cache entry '%s': %v", key, err)
	}
}

func (c *Cache) loadBlob(ctx context.Context, key string) ([]byte, time.Time, bool) {
	if c.blobs == nil {
		return nil, time.Time{}, false
	}

	payload, err := c.blobs.Download(ctx, blobKey(key))
	if err != nil {
		return nil, time.Time{}, false
	}

	var stored blobEntry

	err = json.Unmarshal(payload, &stored)
	if err != nil {
		c.log.Warn("Corrupt blob cache entry '%s', dropping: %v", key, err)
		c.deleteBlob(ctx, key)

		return nil, time.Time{}, false
	}

	return stored.Value, time.Unix(0, stored.ExpiresAt).UTC(), true
}

func (c *Cache) deleteBlob(ctx context.Context, key string) {
	if c.blobs == nil {
		return
	}

	err := c.blobs.Delete(ctx, blobKey(key))
	if err != nil {
		c.log.Warn("Failed to delete blob cache entry '%s': %v", key, err)
	}
}

func blobKey(key string) string {
	return fmt.Sprintf("cache-%s", key)
}
