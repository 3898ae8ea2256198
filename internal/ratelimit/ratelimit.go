package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/matst80/websockify/internal/obs"
)

// Limiter decides whether a new session from client may be admitted.
type Limiter interface {
	Allow(ctx context.Context, client string) (bool, error)
}

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	now := time.Now()
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: now,
		lastUsed:   now,
	}
}

// Allow checks if a request can be allowed and consumes a token if available
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.lastUsed = now
	elapsed := now.Sub(tb.lastRefill)

	tokensToAdd := int(elapsed.Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed
}

// RateLimiter admits new sessions against a global bucket and one bucket per client address.
// A zero rate disables the corresponding check.
type RateLimiter struct {
	mu         sync.Mutex
	global     *TokenBucket
	perClient  map[string]*TokenBucket
	clientRate int
	burstSize  int
}

// NewRateLimiter creates a limiter; globalRate and clientRate are sessions per second.
func NewRateLimiter(globalRate, clientRate, burstSize int) *RateLimiter {
	rl := &RateLimiter{
		perClient:  make(map[string]*TokenBucket),
		clientRate: clientRate,
		burstSize:  burstSize,
	}
	if globalRate > 0 {
		rl.global = NewTokenBucket(globalRate, burstSize)
	}
	return rl
}

// Enabled reports whether any limit is configured.
func (rl *RateLimiter) Enabled() bool { return rl.global != nil || rl.clientRate > 0 }

// AllowConnection checks if a new session is allowed for the given client
func (rl *RateLimiter) AllowConnection(client string) bool {
	if rl.global != nil && !rl.global.Allow() {
		return false
	}
	if rl.clientRate <= 0 {
		return true
	}
	rl.mu.Lock()
	bucket, ok := rl.perClient[client]
	if !ok {
		bucket = NewTokenBucket(rl.clientRate, rl.burstSize)
		rl.perClient[client] = bucket
	}
	rl.mu.Unlock()
	return bucket.Allow()
}

// Allow implements Limiter; the in-memory limiter never fails.
func (rl *RateLimiter) Allow(_ context.Context, client string) (bool, error) {
	return rl.AllowConnection(client), nil
}

// CleanupIdle drops per-client buckets not used for maxIdle and returns how many were removed.
func (rl *RateLimiter) CleanupIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for client, b := range rl.perClient {
		if b.idleSince().Before(cutoff) {
			delete(rl.perClient, client)
			removed++
		}
	}
	return removed
}

// Clients returns the number of tracked per-client buckets.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.perClient)
}

// RunCleanup sweeps idle buckets every interval until ctx is done.
func (rl *RateLimiter) RunCleanup(ctx context.Context, interval, maxIdle time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := rl.CleanupIdle(maxIdle); n > 0 {
				obs.Debug("ratelimit.cleanup", obs.Fields{"removed": n, "remaining": rl.Clients()})
			}
		}
	}
}

var _ Limiter = (*RateLimiter)(nil)
