package gateway

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-client-IP request budget. rpm <= 0 disables it.
type RateLimiter struct {
	rpm   int
	burst int

	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 5
	}
	return &RateLimiter{
		rpm:      rpm,
		burst:    burst,
		visitors: make(map[string]*visitor),
	}
}

func (rl *RateLimiter) Enabled() bool { return rl.rpm > 0 }

// Allow reports whether a request from addr may proceed.
func (rl *RateLimiter) Allow(addr string) bool {
	if !rl.Enabled() {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	v, ok := rl.visitors[host]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(float64(rl.rpm)/60.0), rl.burst)}
		rl.visitors[host] = v
	}
	v.lastSeen = time.Now()

	// Opportunistic cleanup of idle entries.
	if len(rl.visitors) > 1024 {
		cutoff := time.Now().Add(-10 * time.Minute)
		for k, vv := range rl.visitors {
			if vv.lastSeen.Before(cutoff) {
				delete(rl.visitors, k)
			}
		}
	}
	return v.limiter.Allow()
}

// Middleware wraps next with the rate limit check.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if !rl.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(r.RemoteAddr) {
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
