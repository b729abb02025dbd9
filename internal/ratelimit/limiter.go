// Package ratelimit provides the sandbox anti-abuse ceiling: a per-client
// request rate limit applied to unauthenticated sandbox traffic.
package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/zeebo/xxh3"
)

// Limiter gates one request for a client. Implementations must be safe for
// concurrent use and must fail open: an internal limiter error never blocks
// traffic, only logs.
type Limiter interface {
	Allow(ctx context.Context, clientIP string) (bool, error)
}

// bucketKey hashes the client IP so raw addresses are neither stored nor
// shipped to Redis.
func bucketKey(clientIP string) string {
	return strconv.FormatUint(xxh3.HashString(clientIP), 16)
}

// tokenBucket is a classic refill-on-demand token bucket.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// LocalLimiter is an in-process token-bucket limiter keyed by hashed client
// IP. Buckets idle longer than the evict window are dropped on sweep.
type LocalLimiter struct {
	ratePerSecond float64
	burst         float64

	mu      sync.Mutex
	buckets map[string]*tokenBucket

	lastSweep time.Time
}

const bucketEvictWindow = 10 * time.Minute

// NewLocalLimiter creates an in-process limiter allowing ratePerSecond
// sustained requests per client with the given burst capacity.
func NewLocalLimiter(ratePerSecond float64, burst int) *LocalLimiter {
	return &LocalLimiter{
		ratePerSecond: ratePerSecond,
		burst:         float64(burst),
		buckets:       map[string]*tokenBucket{},
		lastSweep:     time.Now(),
	}
}

// Allow consumes one token for the client if available.
func (l *LocalLimiter) Allow(_ context.Context, clientIP string) (bool, error) {
	now := time.Now()
	key := bucketKey(clientIP)

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: l.burst, lastRefill: now}
		l.buckets[key] = b
	}
	l.maybeSweepLocked(now)
	l.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * l.ratePerSecond
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
		b.lastRefill = now
	}
	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// maybeSweepLocked drops buckets that have been idle past the evict window.
// Called with l.mu held.
func (l *LocalLimiter) maybeSweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < bucketEvictWindow {
		return
	}
	l.lastSweep = now
	for key, b := range l.buckets {
		b.mu.Lock()
		idle := now.Sub(b.lastRefill)
		b.mu.Unlock()
		if idle > bucketEvictWindow {
			delete(l.buckets, key)
		}
	}
}
