// ratelimit.go implements token-bucket rate limiting for venue REST calls.
//
// Venues enforce request quotas per rolling window. This token bucket
// refills continuously (rather than in window-sized bursts) so callers
// spread load instead of slamming the limit edge. Each connector carries a
// Limiter with separate read and write buckets sized at 80% of the venue's
// documented limit.
package retry

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is
// cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// Limiter groups a connector's token buckets by request class. Every REST
// call must Wait() on the matching bucket before issuing the request.
type Limiter struct {
	Read  *TokenBucket // order book and market data reads
	Write *TokenBucket // subscriptions and other mutating calls
}

// NewLimiter builds read/write buckets at 80% of the venue's documented
// per-second limits.
func NewLimiter(readPerSec, writePerSec float64) *Limiter {
	const headroom = 0.8
	read := readPerSec * headroom
	write := writePerSec * headroom
	return &Limiter{
		Read:  NewTokenBucket(read*10, read), // 10s burst allowance
		Write: NewTokenBucket(write*10, write),
	}
}
