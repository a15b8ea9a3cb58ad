// Package security provides the shared webhook surface's request
// throttling, protecting an account's inbound callback route from a
// misbehaving or retrying platform.
package security

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// SlidingWindowLimiter admits at most limit calls per key within any
// trailing window-sized interval.
type SlidingWindowLimiter struct {
	limit  int
	window time.Duration

	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewSlidingWindowLimiter builds a limiter. A non-positive limit
// disables throttling entirely.
func NewSlidingWindowLimiter(limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		limit:  limit,
		window: window,
		hits:   map[string][]time.Time{},
	}
}

// Allow reports whether one more call under key is within budget,
// recording the call if so.
func (l *SlidingWindowLimiter) Allow(key string) bool {
	if l.limit <= 0 {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	arr := l.hits[key]
	kept := arr[:0]
	for _, t := range arr {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.limit {
		l.hits[key] = kept
		return false
	}
	kept = append(kept, now)
	l.hits[key] = kept
	return true
}

// GinMiddleware rejects with 429 any request whose remote address
// exceeds l's budget for the request path, the unit a webhook route is
// keyed on since every account gets its own callback path.
func (l *SlidingWindowLimiter) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP() + ":" + c.FullPath()
		if !l.Allow(key) {
			c.AbortWithStatus(http.StatusTooManyRequests)
			return
		}
		c.Next()
	}
}
