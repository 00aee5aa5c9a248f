package telemetry

import (
	"sync"
	"time"
)

// RateLimiter caps TelemetryLogger's ERROR output to one line per interval
// so a provider outage doesn't flood stdout with identical failures.
type RateLimiter struct {
	interval time.Duration
	last     time.Time
	mu       sync.Mutex
}

func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{interval: interval}
}

// Allow reports whether enough time has passed since the last allowed call.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now := time.Now(); now.Sub(r.last) >= r.interval {
		r.last = now
		return true
	}
	return false
}
