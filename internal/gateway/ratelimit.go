package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedPrincipals caps the limiter table so rotating principals cannot
// exhaust memory.
const maxTrackedPrincipals = 4096

// RateLimiter keeps one token bucket per principal. The bucket refills at
// the hourly rate with a small burst so a fresh principal is not throttled
// on its first exchanges.
type RateLimiter struct {
	perHour int
	burst   int

	mu      sync.Mutex
	buckets map[string]*principalBucket
}

type principalBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates the limiter. perHour <= 0 disables limiting.
func NewRateLimiter(perHour int) *RateLimiter {
	burst := perHour / 10
	if burst < 5 {
		burst = 5
	}
	return &RateLimiter{
		perHour: perHour,
		burst:   burst,
		buckets: make(map[string]*principalBucket),
	}
}

// Enabled reports whether limiting is active.
func (r *RateLimiter) Enabled() bool { return r.perHour > 0 }

// Allow consumes one token for the principal.
func (r *RateLimiter) Allow(principal string) bool {
	if !r.Enabled() {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[principal]
	if !ok {
		if len(r.buckets) >= maxTrackedPrincipals {
			r.evictStale()
		}
		b = &principalBucket{
			limiter: rate.NewLimiter(rate.Limit(float64(r.perHour)/3600.0), r.burst),
		}
		r.buckets[principal] = b
	}
	b.lastSeen = time.Now()
	return b.limiter.Allow()
}

// evictStale drops buckets idle for over an hour; if none qualify, it drops
// arbitrary entries until under the cap.
func (r *RateLimiter) evictStale() {
	cutoff := time.Now().Add(-time.Hour)
	for k, b := range r.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(r.buckets, k)
		}
	}
	for len(r.buckets) >= maxTrackedPrincipals {
		for k := range r.buckets {
			delete(r.buckets, k)
			break
		}
	}
}
