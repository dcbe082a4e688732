package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter throttles per client IP. The connect API fronts upstream OAuth
// endpoints with strict limits of their own; throttling here keeps one
// misbehaving client from exhausting them for everyone.
type RateLimiter struct {
	limit      rate.Limit
	burst      int
	staleAfter time.Duration

	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter converts a requests-per-minute setting into a token bucket
// per client. Zero or negative disables limiting.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:      rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:      burst,
		staleAfter: 5 * time.Minute,
		visitors:   make(map[string]*visitor),
	}
}

// Handler returns the gin middleware. A nil limiter passes everything
// through.
func (r *RateLimiter) Handler() gin.HandlerFunc {
	if r == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		if !r.limiterFor(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":             "rate_limited",
				"error_description": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}

func (r *RateLimiter) limiterFor(key string) *rate.Limiter {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}

	limiter := rate.NewLimiter(r.limit, r.burst)
	r.visitors[key] = &visitor{limiter: limiter, lastSeen: now}

	// Evict idle clients while we already hold the lock.
	for k, v := range r.visitors {
		if now.Sub(v.lastSeen) > r.staleAfter {
			delete(r.visitors, k)
		}
	}
	return limiter
}
