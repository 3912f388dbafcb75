// Package dedup remembers idempotency keys for a bounded time. Coordinators
// use it as their in-process duplicate guard so memory does not grow with the
// number of events ever processed.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
)

// DefaultTTL is how long a key is remembered when no TTL is configured.
const DefaultTTL = 24 * time.Hour

// maxCacheMB caps the memory a window may use; the oldest keys go first.
const maxCacheMB = 128

var marker = []byte{1}

// Window is a set of keys that forgets each key after its TTL.
// It is safe for concurrent use.
type Window struct {
	cache     *bigcache.BigCache
	ttl       time.Duration
	closeOnce sync.Once
	closeErr  error
}

// New creates a window. TTLs below one second are rounded up, the cache
// tracks entry age in whole seconds.
func New(ttl time.Duration) (*Window, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl < time.Second {
		ttl = time.Second
	}

	cfg := bigcache.DefaultConfig(ttl)
	cfg.Shards = 64
	cfg.MaxEntriesInWindow = 64 * 1024
	cfg.MaxEntrySize = 64
	cfg.HardMaxCacheSize = maxCacheMB
	cfg.CleanWindow = cleanWindow(ttl)
	cfg.Verbose = false

	cache, err := bigcache.New(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup window: %w", err)
	}
	return &Window{cache: cache, ttl: ttl}, nil
}

func cleanWindow(ttl time.Duration) time.Duration {
	w := ttl / 4
	if w < time.Second {
		w = time.Second
	}
	if w > 10*time.Minute {
		w = 10 * time.Minute
	}
	return w
}

// Seen reports whether key was marked within the TTL.
func (w *Window) Seen(key string) bool {
	_, err := w.cache.Get(key)
	return err == nil
}

// Mark remembers key.
func (w *Window) Mark(key string) error {
	if err := w.cache.Set(key, marker); err != nil {
		return fmt.Errorf("failed to mark key: %w", err)
	}
	return nil
}

// Len returns the number of remembered keys.
func (w *Window) Len() int { return w.cache.Len() }

// TTL returns how long keys are remembered.
func (w *Window) TTL() time.Duration { return w.ttl }

// Close stops the background eviction. Keys stay readable; it is safe to call twice.
func (w *Window) Close() error {
	w.closeOnce.Do(func() { w.closeErr = w.cache.Close() })
	return w.closeErr
}
