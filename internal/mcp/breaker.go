package mcp

import (
	"sync"
	"time"
)

// breaker is a per-server circuit breaker. After threshold consecutive
// connect failures it rejects attempts until cooldown has elapsed since the
// last failure; a successful connect closes it again.
type breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration

	failures    int
	lastFailure time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &breaker{threshold: threshold, cooldown: cooldown}
}

// allow reports whether an attempt may proceed. When the breaker is open it
// returns the remaining cooldown (zero when unknown).
func (b *breaker) allow() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return true, 0
	}
	if b.lastFailure.IsZero() {
		return false, 0
	}
	elapsed := time.Since(b.lastFailure)
	if elapsed >= b.cooldown {
		// Half-open: let one attempt through.
		return true, 0
	}
	return false, b.cooldown - elapsed
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = time.Now()
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.lastFailure = time.Time{}
}
