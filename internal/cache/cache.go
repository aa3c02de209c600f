// Package cache provides the bounded TTL cache for completed URL analyses.
package cache

import (
	"crypto/md5" //nolint:gosec // cache key only, not a security boundary
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/phishguard/phishguard/internal/store"
)

// Defaults for the analysis cache.
const (
	DefaultCapacity = 10000
	DefaultTTL      = time.Hour
)

// Analysis is an in-memory cache of completed scan results keyed by
// normalized-URL digest. Entries expire after the TTL; when the cache is
// full the oldest entry is evicted.
type Analysis struct {
	entries  map[string]entry
	capacity int
	ttl      time.Duration
	hits     uint64
	misses   uint64
	mu       sync.RWMutex
}

type entry struct {
	result   *store.ScanResult
	storedAt time.Time
}

// Key derives the cache key for a URL: hex MD5 of the lowercased,
// whitespace-trimmed URL.
func Key(url string) string {
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(url)))) //nolint:gosec // cache key only
	return hex.EncodeToString(sum[:])
}

// NewAnalysis creates an analysis cache. Non-positive capacity or TTL fall
// back to the defaults.
func NewAnalysis(capacity int, ttl time.Duration) *Analysis {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Analysis{
		entries:  make(map[string]entry),
		capacity: capacity,
		ttl:      ttl,
	}
}

// Get returns the cached result for a key, or nil if missing or expired.
func (c *Analysis) Get(key string) *store.ScanResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil
	}
	if time.Since(e.storedAt) > c.ttl {
		delete(c.entries, key)
		c.misses++
		return nil
	}
	c.hits++
	return e.result
}

// Put stores a result. At capacity, the oldest entry is evicted first.
func (c *Analysis) Put(key string, result *store.ScanResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}
	c.entries[key] = entry{result: result, storedAt: time.Now()}
}

func (c *Analysis) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.storedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.storedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Len returns the number of live entries, including any not yet lazily expired.
func (c *Analysis) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns cumulative hit and miss counts.
func (c *Analysis) Stats() (hits, misses uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}
