package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// Cache is a TTL-bounded config cache: reads return the in-memory config
// until the TTL expires, then transparently reload from disk. A SHA-256
// hash of the marshaled config lets callers detect reloads without
// comparing the full struct.
type Cache struct {
	mu       sync.RWMutex
	config   *Config
	hash     string
	loadedAt time.Time
	ttl      time.Duration
}

// NewCache creates a config cache seeded with an already-loaded config.
func NewCache(initialCfg *Config, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 500 * time.Millisecond
	}
	return &Cache{
		config:   initialCfg,
		hash:     computeConfigHash(initialCfg),
		loadedAt: time.Now(),
		ttl:      ttl,
	}
}

// Get returns the current config, reloading from disk first if the TTL
// has expired.
func (c *Cache) Get() *Config {
	c.mu.RLock()
	if time.Since(c.loadedAt) < c.ttl {
		cfg := c.config
		c.mu.RUnlock()
		return cfg
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.loadedAt) < c.ttl {
		return c.config
	}

	cfg, err := Load()
	if err != nil {
		c.loadedAt = time.Now()
		return c.config
	}
	c.config = cfg
	c.hash = computeConfigHash(cfg)
	c.loadedAt = time.Now()
	return c.config
}

// Hash returns the SHA-256 hash of the currently cached config.
func (c *Cache) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hash
}

// Invalidate forces the next Get to reload from disk.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadedAt = time.Time{}
}

// Set replaces the cached config directly, e.g. right after a Save.
func (c *Cache) Set(cfg *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config = cfg
	c.hash = computeConfigHash(cfg)
	c.loadedAt = time.Now()
}

func computeConfigHash(cfg *Config) string {
	data, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
