// Package infra provides shared infrastructure for the voice engine:
// duplicate-event tracking and graceful shutdown.
package infra

import (
	"sync"
	"time"
)

// DedupeCache is a thread-safe, bounded cache for suppressing duplicate
// work. Entries expire after a TTL; when full, the entry closest to expiry
// is evicted. Providers redeliver webhooks, so the webhook server and call
// manager both lean on this to keep event processing idempotent.
type DedupeCache struct {
	mu      sync.RWMutex
	entries map[string]*dedupeEntry
	ttl     time.Duration
	maxSize int
}

type dedupeEntry struct {
	value     any
	expiresAt time.Time
}

// DedupeCacheConfig configures a DedupeCache.
type DedupeCacheConfig struct {
	// TTL is how long entries remain valid. Default: 5 minutes.
	TTL time.Duration

	// MaxSize is the maximum number of entries. 0 = unlimited.
	MaxSize int

	// CleanupInterval is how often to sweep expired entries.
	// 0 = no background sweep.
	CleanupInterval time.Duration
}

// NewDedupeCache creates a deduplication cache.
func NewDedupeCache(cfg *DedupeCacheConfig) *DedupeCache {
	if cfg == nil {
		cfg = &DedupeCacheConfig{}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	c := &DedupeCache{
		entries: make(map[string]*dedupeEntry),
		ttl:     cfg.TTL,
		maxSize: cfg.MaxSize,
	}
	if cfg.CleanupInterval > 0 {
		go c.cleanupLoop(cfg.CleanupInterval)
	}
	return c
}

// IsDuplicate atomically checks whether key was seen recently, recording it
// if not. Returns true for duplicates.
func (c *DedupeCache) IsDuplicate(key string, value any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		if time.Now().Before(entry.expiresAt) {
			return true
		}
	}

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = &dedupeEntry{value: value, expiresAt: time.Now().Add(c.ttl)}
	return false
}

// Check reports whether key is present without recording it.
func (c *DedupeCache) Check(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if entry, ok := c.entries[key]; ok {
		return time.Now().Before(entry.expiresAt)
	}
	return false
}

// Delete removes a key.
func (c *DedupeCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Size returns the current number of entries, expired included.
func (c *DedupeCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Cleanup removes expired entries and returns how many were dropped.
func (c *DedupeCache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// evictOldest removes the entry closest to expiry. Lock held by caller.
func (c *DedupeCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for key, entry := range c.entries {
		if first || entry.expiresAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.expiresAt
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *DedupeCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		c.Cleanup()
	}
}
