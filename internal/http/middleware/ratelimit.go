package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// KeyFunc maps a request to the identity of its token bucket.
type KeyFunc func(*gin.Context) string

// KeyByUserOrIP keys authenticated callers by user and everyone else by
// client IP. The prefixes keep the two namespaces apart.
func KeyByUserOrIP(c *gin.Context) string {
	if uid, ok := UserID(c); ok {
		return "user:" + uid
	}
	return "ip:" + c.ClientIP()
}

// RateLimitOptions configures NewRateLimiter.
type RateLimitOptions struct {
	RPS     float64
	Burst   int           // <= 0 means 1
	Key     KeyFunc       // nil means KeyByUserOrIP
	IdleTTL time.Duration // idle buckets are dropped after this; default 10m
	// Exempt lists path prefixes that are never limited, such as the health
	// check, the metrics scrape and the WebSocket upgrade.
	Exempt []string
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a process-local, per-key token bucket limiter.
type RateLimiter struct {
	rps    rate.Limit
	burst  int
	key    KeyFunc
	ttl    time.Duration
	exempt []string
	now    func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
	lookups  uint64
}

// gcEvery is how many lookups pass between sweeps of idle buckets.
const gcEvery = 5000

func NewRateLimiter(opts RateLimitOptions) *RateLimiter {
	rl := &RateLimiter{
		rps:      rate.Limit(opts.RPS),
		burst:    opts.Burst,
		key:      opts.Key,
		ttl:      opts.IdleTTL,
		exempt:   opts.Exempt,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
	if rl.burst <= 0 {
		rl.burst = 1
	}
	if rl.key == nil {
		rl.key = KeyByUserOrIP
	}
	if rl.ttl <= 0 {
		rl.ttl = 10 * time.Minute
	}
	return rl
}

// Sweep runs before the requested bucket is refreshed so that an idle bucket
// can be evicted even on its own lookup.
func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.lookups++
	if rl.lookups >= gcEvery {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.lookups = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// Len reports how many buckets are currently tracked.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

func (rl *RateLimiter) exempted(path string) bool {
	for _, p := range rl.exempt {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// IsRateBypass reports whether IdempotencyValidator found a stored result for
// this request. Replays are served without spending tokens.
func IsRateBypass(c *gin.Context) bool {
	b, _ := c.Value(ctxKeyRateBypass).(bool)
	return b
}

// Handler rejects requests over the limit with 429 and Retry-After: 1.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) || rl.exempted(c.Request.URL.Path) {
			c.Next()
			return
		}
		if rl.limiter(rl.key(c)).Allow() {
			c.Next()
			return
		}
		c.Header("Retry-After", "1")
		abortJSON(c, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
	}
}
