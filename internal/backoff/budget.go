package backoff

import (
	"time"

	"golang.org/x/time/rate"
)

// RetryBudget is a token bucket limiting how many retries may be spent.
// Tokens refill continuously at refillPerSecond up to capacity.
type RetryBudget struct {
	limiter  *rate.Limiter
	capacity int
}

// NewRetryBudget creates a full bucket
func NewRetryBudget(capacity int, refillPerSecond float64) *RetryBudget {
	if capacity <= 0 {
		capacity = 1
	}
	if refillPerSecond < 0 {
		refillPerSecond = 0
	}
	return &RetryBudget{
		limiter:  rate.NewLimiter(rate.Limit(refillPerSecond), capacity),
		capacity: capacity,
	}
}

// TryAcquire takes one token if available
func (b *RetryBudget) TryAcquire() bool {
	if b == nil {
		return true
	}
	return b.limiter.Allow()
}

// TryAcquireAt is TryAcquire against an explicit clock
func (b *RetryBudget) TryAcquireAt(now time.Time) bool {
	if b == nil {
		return true
	}
	return b.limiter.AllowN(now, 1)
}

// Tokens returns the tokens currently available, in [0, capacity]
func (b *RetryBudget) Tokens() float64 {
	if b == nil {
		return 0
	}
	t := b.limiter.Tokens()
	if t < 0 {
		return 0
	}
	return t
}

// Capacity returns the bucket size
func (b *RetryBudget) Capacity() int {
	return b.capacity
}
