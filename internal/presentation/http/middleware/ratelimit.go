package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

type rateWindow struct {
	count   int
	resetAt time.Time
}

// RateLimiter is a fixed-window per-client counter. Every response carries
// the X-RateLimit-* headers; requests past the limit get 429 + Retry-After.
type RateLimiter struct {
	limit   int
	window  time.Duration
	clients map[string]*rateWindow
	mu      sync.Mutex
}

// NewRateLimiter creates a limiter with the given window and request budget.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		clients: make(map[string]*rateWindow),
	}
}

// Middleware stamps the rate headers and rejects clients over budget.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		now := time.Now()
		key := c.ClientIP()

		rl.mu.Lock()
		w, ok := rl.clients[key]
		if !ok || now.After(w.resetAt) {
			w = &rateWindow{resetAt: now.Add(rl.window)}
			rl.clients[key] = w
		}
		w.count++
		count := w.count
		resetAt := w.resetAt

		// Opportunistic sweep of expired windows to bound the map.
		if len(rl.clients) > 10000 {
			for k, v := range rl.clients {
				if now.After(v.resetAt) {
					delete(rl.clients, k)
				}
			}
		}
		rl.mu.Unlock()

		remaining := rl.limit - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if count > rl.limit {
			retryAfter := int(time.Until(resetAt).Seconds()) + 1
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
