package api

import (
	"math"
	"sync"
	"time"
)

// RateLimiter keeps one token bucket per client key. Buckets refill
// continuously at rate tokens per second up to burst.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientBucket
	rate    float64
	burst   float64
	now     func() time.Time
}

type clientBucket struct {
	tokens   float64
	lastSeen time.Time
}

// NewRateLimiter creates a limiter admitting rate requests per second with
// bursts of up to burst requests.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*clientBucket),
		rate:    rate,
		burst:   float64(burst),
		now:     time.Now,
	}
}

// Allow takes one token for key. When the bucket is empty it reports how long
// the client must wait until a whole token has refilled.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cb, ok := rl.clients[key]
	if !ok {
		cb = &clientBucket{tokens: rl.burst, lastSeen: now}
		rl.clients[key] = cb
	} else if elapsed := now.Sub(cb.lastSeen); elapsed > 0 {
		cb.tokens = math.Min(rl.burst, cb.tokens+elapsed.Seconds()*rl.rate)
		cb.lastSeen = now
	}

	if cb.tokens >= 1 {
		cb.tokens--
		return true, 0
	}
	if rl.rate <= 0 {
		return false, time.Second
	}
	deficit := 1 - cb.tokens
	return false, time.Duration(deficit / rl.rate * float64(time.Second))
}

// Reset forgets the bucket for key.
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.clients, key)
}

// Cleanup drops buckets not touched for longer than maxIdle and returns how
// many were removed.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxIdle)
	removed := 0
	for key, cb := range rl.clients {
		if cb.lastSeen.Before(cutoff) {
			delete(rl.clients, key)
			removed++
		}
	}
	return removed
}

// retryAfterSeconds rounds a wait up to the whole seconds Retry-After carries.
func retryAfterSeconds(wait time.Duration) int {
	s := int(math.Ceil(wait.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
