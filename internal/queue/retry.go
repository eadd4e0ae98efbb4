// Package queue holds the retry schedule shared by every queue backend, so
// every item follows one auditable backoff policy no matter which strategy
// failed it.
package queue

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// RetryPolicy controls transient-failure scheduling.
type RetryPolicy struct {
	// MaxAttempts is the transient failure count after which an item is dead.
	MaxAttempts int
	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration
	// MaxDelay caps the backoff before jitter.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the starting schedule; deployments tune it in
// config.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   30 * time.Second,
		MaxDelay:    time.Hour,
	}
}

// Normalize fills zero values from the defaults.
func (p RetryPolicy) Normalize() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	return p
}

// Backoff returns the wait before retry number attempt (1-based: the delay
// scheduled after the attempt-th transient failure). The delay doubles per
// attempt, is capped at MaxDelay, and carries up to 50% positive jitter so
// coordinated failures do not retry in lockstep. Jitter is strictly positive,
// keeping the scheduled time strictly in the future.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay) + randomJitter(time.Duration(delay)/2)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return time.Nanosecond
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64()) + time.Nanosecond
}
