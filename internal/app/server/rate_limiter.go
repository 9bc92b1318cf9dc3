package server

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"eyeweb/internal/cache"
	"eyeweb/internal/support"
)

const (
	limiterEntryTTL   = 10 * time.Minute
	limiterMaxEntries = 50000
	defaultPerMinute  = 40
	defaultBurst      = 40
)

// RateLimiter caps public endpoint calls per address. Status calls relayed by
// an edge are charged to the visitor address they carry, the rest to the
// caller.
type RateLimiter struct {
	mu       sync.Mutex
	limiters *cache.TTL[*rate.Limiter]
	limit    rate.Limit
	burst    int
	clock    support.Clock
	clientIP func(*http.Request) string
}

// NewRateLimiter allows perMinute requests per address with the given burst.
// clientIP resolves the caller; nil uses the peer address.
func NewRateLimiter(perMinute, burst int, clientIP func(*http.Request) string, clock support.Clock) *RateLimiter {
	if perMinute <= 0 {
		perMinute = defaultPerMinute
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	if clientIP == nil {
		clientIP = func(r *http.Request) string { return r.RemoteAddr }
	}
	clock = support.ClockOrSystem(clock)
	return &RateLimiter{
		limiters: cache.New[*rate.Limiter](limiterEntryTTL, limiterMaxEntries, clock),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
		clock:    clock,
		clientIP: clientIP,
	}
}

func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	limiter, ok := rl.limiters.Get(ip)
	if !ok {
		limiter = rate.NewLimiter(rl.limit, rl.burst)
	}
	// Refresh the entry on every call.
	rl.limiters.Set(ip, limiter)
	rl.mu.Unlock()

	return limiter.AllowN(rl.clock.Now(), 1)
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(rl.clientIP(r)) {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate_limited", "rate_limited": true})
			return
		}
		next.ServeHTTP(w, r)
	})
}
