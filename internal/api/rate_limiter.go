package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/property-catalog/internal/errors"
)

const (
	defaultClientRPS   = 20
	defaultClientBurst = 40
	limiterIdleTTL     = 10 * time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter manages per-client rate limiting for API requests
type RateLimiter struct {
	limiters map[string]*clientLimiter
	mu       sync.Mutex

	limit     rate.Limit
	burstSize int
	lastSweep time.Time
}

// NewRateLimiter creates a new rate limiter. Non-positive values fall back to defaults.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = defaultClientRPS
	}
	if burst <= 0 {
		burst = defaultClientBurst
	}
	return &RateLimiter{
		limiters:  make(map[string]*clientLimiter),
		limit:     rate.Limit(rps),
		burstSize: burst,
		lastSweep: time.Now(),
	}
}

// getLimiter returns the rate limiter for a client, creating it on first use
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastSweep) > limiterIdleTTL {
		for k, cl := range rl.limiters {
			if now.Sub(cl.lastSeen) > limiterIdleTTL {
				delete(rl.limiters, k)
			}
		}
		rl.lastSweep = now
	}

	cl, ok := rl.limiters[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burstSize)}
		rl.limiters[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

// RateLimitMiddleware creates a middleware that enforces rate limiting
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter := rl.getLimiter(clientIP(r))

			if !limiter.Allow() {
				retryAfter := retryAfterSeconds(limiter)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				respondCategorized(w, apperrors.NewRateLimitError(retryAfter))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP prefers the first X-Forwarded-For hop, then the peer address
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// retryAfterSeconds is the wait until l admits another request, in whole
// seconds and never less than one.
func retryAfterSeconds(l *rate.Limiter) int {
	r := l.Reserve()
	delay := r.Delay()
	r.Cancel()
	return max(int(math.Ceil(delay.Seconds())), 1)
}
