// Package credential implements the per-account access-token cache
// (§4.B): one entry per (corpId, agentId) or equivalent tuple, refreshed
// lazily through a caller-supplied fetch function.
package credential

import (
	"context"
	"sync"
	"time"
)

// Token is a platform access token with its expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// FetchFunc calls the platform's gettoken-style endpoint and returns the
// raw token plus the platform TTL (not yet reduced by the safety margin).
type FetchFunc func(ctx context.Context) (token string, ttl time.Duration, err error)

// safetyMargin is subtracted from the platform TTL so cached tokens are
// never handed out within this window of their real expiry.
const safetyMargin = 5 * time.Minute

// Cache is a process-wide, key-partitioned token cache. Concurrent
// fetches for the same key may race; last-writer-wins is acceptable
// because the platform treats recently issued tokens as interchangeable
// within a short window (§4.B).
type Cache struct {
	mu      sync.Mutex
	entries map[string]Token
}

// NewCache creates an empty credential cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]Token)}
}

// Get returns a cached, non-expired token for key, or calls fetch to
// obtain and cache a fresh one. A token served from the cache always
// has now < expiresAt; a fresh token is stored with expiresAt = now +
// ttl - safetyMargin, so one whose ttl does not exceed safetyMargin is
// returned once and fetched again on the next call.
func (c *Cache) Get(ctx context.Context, key string, fetch FetchFunc) (string, error) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()

	if ok && time.Now().Before(entry.ExpiresAt) {
		return entry.Value, nil
	}

	token, ttl, err := fetch(ctx)
	if err != nil {
		return "", err
	}
	expiry := time.Now().Add(ttl - safetyMargin)

	c.mu.Lock()
	c.entries[key] = Token{Value: token, ExpiresAt: expiry}
	c.mu.Unlock()

	return token, nil
}

// Invalidate evicts key, forcing the next Get to call fetch again. Used
// when the platform reports a token-expired error code (e.g. WeCom
// 40014) so the caller can retry once inline with a fresh token.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
