package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	errorRateLimited     = "rate_limited"
	limiterIdleExpiry    = 10 * time.Minute
	limiterSweepInterval = time.Minute
)

// RateLimitConfig bounds submissions per client address. A zero PerMinute disables limiting.
type RateLimitConfig struct {
	PerMinute int
	Burst     int
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type clientRateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	limit     rate.Limit
	burst     int
	enabled   bool
	lastSweep time.Time
	now       func() time.Time
}

func newClientRateLimiter(cfg RateLimitConfig) *clientRateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &clientRateLimiter{
		clients: make(map[string]*clientLimiter),
		limit:   rate.Limit(float64(cfg.PerMinute) / 60.0),
		burst:   burst,
		enabled: cfg.PerMinute > 0,
		now:     time.Now,
	}
}

func (l *clientRateLimiter) allow(key string) bool {
	if !l.enabled {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= limiterSweepInterval {
		for client, entry := range l.clients {
			if now.Sub(entry.lastSeen) >= limiterIdleExpiry {
				delete(l.clients, client)
			}
		}
		l.lastSweep = now
	}

	entry, ok := l.clients[key]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *clientRateLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": errorRateLimited})
			return
		}
		c.Next()
	}
}
