// Package cache implements the short-TTL response cache fronting the
// aggregate query endpoints. Entries expire after a couple of seconds, but
// TTL alone is never trusted: every invariant-changing mutation (engine
// add/remove, forwarded change, emergency transitions) bumps a generation
// counter that instantly invalidates everything, including writes computed
// against the old state that land after the bump.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

type entry struct {
	body     []byte
	etag     string
	storedAt time.Time
	gen      uint64
}

// ResponseCache is safe for concurrent use.
type ResponseCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]entry
	gen     uint64
}

// New creates a response cache. ttl is typically 2–3 seconds.
func New(ttl time.Duration) *ResponseCache {
	return &ResponseCache{
		ttl:     ttl,
		entries: make(map[string]entry),
	}
}

// Generation returns the current invalidation generation. Callers snapshot
// it before computing a response and pass it to Put.
func (c *ResponseCache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// Get returns the cached body and its ETag, or ok=false on miss, expiry, or
// an entry from a previous generation.
func (c *ResponseCache) Get(key string) ([]byte, string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || e.gen != c.gen || time.Since(e.storedAt) > c.ttl {
		return nil, "", false
	}
	return e.body, e.etag, true
}

// Put stores a response computed against generation gen. If an invalidation
// happened since the caller snapshotted gen, the write is discarded; the
// stale body must not outlive the invalidation. The ETag is returned either
// way so the handler can still set the header.
func (c *ResponseCache) Put(key string, gen uint64, body []byte) string {
	etag := ETag(body)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return etag
	}
	c.entries[key] = entry{
		body:     body,
		etag:     etag,
		storedAt: time.Now(),
		gen:      gen,
	}
	return etag
}

// Invalidate drops every entry and bumps the generation.
func (c *ResponseCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	for k := range c.entries {
		delete(c.entries, k)
	}
}

// ETag derives a strong validator from the response body.
func ETag(body []byte) string {
	sum := sha256.Sum256(body)
	return `"` + hex.EncodeToString(sum[:8]) + `"`
}
