// ratelimit.go implements token-bucket rate limiting for the futures API.
//
// The exchange enforces per-category rate limits measured in requests per
// 10-second windows. This file provides a smooth token-bucket implementation
// that refills continuously (rather than in 10s bursts) to avoid hitting
// hard limits.
//
// Three buckets are maintained:
//   - Market:  200 burst / 20 per sec — tickers, funding, contracts
//   - Trade:   100 burst / 10 per sec — orders, leverage, TP/SL plans
//   - Account: 100 burst / 10 per sec — assets, positions, order history
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
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

		// Calculate wait time for next token
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

// RateLimiter groups token buckets by API endpoint category.
// Each operation must call the appropriate bucket's Wait() before
// making the HTTP request.
type RateLimiter struct {
	Market  *TokenBucket // tickers, funding rates, contract specs
	Trade   *TokenBucket // order placement, leverage, TP/SL plans
	Account *TokenBucket // assets, positions, order history
}

// NewRateLimiter creates rate limiters tuned to the published limits.
// Capacities are set to the 10-second burst allowance, rates to 1/10th
// for smooth refill.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Market:  NewTokenBucket(200, 20), // 2000 per 10s window
		Trade:   NewTokenBucket(100, 10), // 1000 per 10s window
		Account: NewTokenBucket(100, 10), // 1000 per 10s window
	}
}
