// Package ratelimit implements per-strategy request pacing over rolling
// windows.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// Limiter manages one token bucket per strategy, sized from that strategy's
// rate policy. Allow is non-blocking: a throttled strategy is skipped by the
// orchestrator, never waited on.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	policies map[string]harvest.RatePolicy
}

// New builds a Limiter from per-strategy policies. Strategies without a
// policy are unpaced.
func New(policies map[string]harvest.RatePolicy) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		policies: policies,
	}
}

// SetPolicy installs or replaces the policy for a strategy, resetting its
// bucket.
func (l *Limiter) SetPolicy(strategy string, p harvest.RatePolicy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.policies == nil {
		l.policies = make(map[string]harvest.RatePolicy)
	}
	l.policies[strategy] = p
	delete(l.limiters, strategy)
}

// Allow reports whether the strategy may attempt right now. It consumes no
// token; Record does that after the attempt actually happens.
func (l *Limiter) Allow(strategy string) bool {
	lim := l.limiterFor(strategy)
	if lim == nil {
		return true
	}
	return lim.Tokens() >= 1
}

// Record consumes one pacing token for a completed attempt.
func (l *Limiter) Record(strategy string) {
	if lim := l.limiterFor(strategy); lim != nil {
		lim.Allow()
	}
}

func (l *Limiter) limiterFor(strategy string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.limiters[strategy]; ok {
		return lim
	}
	p, ok := l.policies[strategy]
	if !ok || p.MaxRequests <= 0 {
		return nil
	}
	window := p.Window
	if window <= 0 {
		window = time.Minute
	}
	perSecond := float64(p.MaxRequests) / window.Seconds()
	lim := rate.NewLimiter(rate.Limit(perSecond), p.MaxRequests)
	l.limiters[strategy] = lim
	return lim
}
