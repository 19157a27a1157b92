package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// ttlLimiterCache is a simple TTL map for per-client limiters with opportunistic sweeping.
type ttlLimiterCache struct {
	mu        sync.Mutex
	items     map[string]*limiterEntry
	ttl       time.Duration
	lastSweep time.Time
}

func newTTLLimiterCache(ttl time.Duration) *ttlLimiterCache {
	return &ttlLimiterCache{items: make(map[string]*limiterEntry), ttl: ttl}
}

func (c *ttlLimiterCache) get(key string, makeFn func() *rate.Limiter) *rate.Limiter {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok {
		e.lastSeen = now
		return e.lim
	}
	lim := makeFn()
	c.items[key] = &limiterEntry{lim: lim, lastSeen: now}
	SetRateLimitKeyGauge(len(c.items))
	// opportunistic sweep every ~2 minutes
	if c.lastSweep.IsZero() || now.Sub(c.lastSweep) > 2*time.Minute {
		c.sweepLocked(now)
		c.lastSweep = now
	}
	return lim
}

func (c *ttlLimiterCache) sweepLocked(now time.Time) {
	if c.ttl <= 0 {
		c.ttl = 15 * time.Minute
	}
	for k, e := range c.items {
		if now.Sub(e.lastSeen) > c.ttl {
			delete(c.items, k)
		}
	}
	SetRateLimitKeyGauge(len(c.items))
	RecordRateLimitSweep()
}

// RateLimit throttles requests per client IP. A lightweight global
// limiter (5x the per-client budget) caps aggregate throughput.
func RateLimit(rps int, burst int) gin.HandlerFunc {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	cache := newTTLLimiterCache(15 * time.Minute)
	global := rate.NewLimiter(rate.Limit(rps*5), burst*5)
	return func(c *gin.Context) {
		if !global.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": gin.H{"message": "Global rate limit exceeded", "type": "rate_limit_error"}})
			c.Abort()
			return
		}
		key := c.ClientIP()
		li := cache.get(key, func() *rate.Limiter { return rate.NewLimiter(rate.Limit(rps), burst) })
		if !li.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": gin.H{"message": "Rate limit exceeded", "type": "rate_limit_error"}})
			c.Abort()
			return
		}
		c.Next()
	}
}
