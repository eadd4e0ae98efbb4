// Package quota enforces hard per-period usage caps on metered strategies.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// Store persists per-period usage counters so quotas survive restarts.
type Store interface {
	// Used returns the counter for a strategy within a period key.
	Used(ctx context.Context, strategy, periodKey string) (int, error)
	// Increment adds one use to the counter for a strategy and period key.
	Increment(ctx context.Context, strategy, periodKey string) error
}

// Tracker implements harvest.QuotaTracker over a Store. Counters for past
// periods are simply never read again, which makes period reset deterministic
// without a cleanup pass.
type Tracker struct {
	store    Store
	policies map[string]harvest.QuotaPolicy
	clock    harvest.Clock
}

// New builds a Tracker. Strategies absent from policies are unmetered.
func New(store Store, policies map[string]harvest.QuotaPolicy, clock harvest.Clock) *Tracker {
	return &Tracker{store: store, policies: policies, clock: clock}
}

// Exhausted reports whether the strategy has spent its current-period quota.
func (t *Tracker) Exhausted(ctx context.Context, strategy string) (bool, error) {
	p, ok := t.policies[strategy]
	if !ok {
		return false, nil
	}
	used, err := t.store.Used(ctx, strategy, p.Period.Key(t.clock.Now()))
	if err != nil {
		return false, fmt.Errorf("read quota counter: %w", err)
	}
	return used >= p.MaxUses, nil
}

// Record consumes one quota unit for the current period. Unmetered strategies
// are a no-op.
func (t *Tracker) Record(ctx context.Context, strategy string) error {
	p, ok := t.policies[strategy]
	if !ok {
		return nil
	}
	if err := t.store.Increment(ctx, strategy, p.Period.Key(t.clock.Now())); err != nil {
		return fmt.Errorf("increment quota counter: %w", err)
	}
	return nil
}

// NextReset returns the next period boundary for a metered strategy.
func (t *Tracker) NextReset(strategy string, now time.Time) (time.Time, bool) {
	p, ok := t.policies[strategy]
	if !ok {
		return time.Time{}, false
	}
	return p.Period.NextBoundary(now), true
}

// Usage returns consumed and allowed units for the current period. Unmetered
// strategies report a zero limit.
func (t *Tracker) Usage(ctx context.Context, strategy string) (int, int, error) {
	p, ok := t.policies[strategy]
	if !ok {
		return 0, 0, nil
	}
	used, err := t.store.Used(ctx, strategy, p.Period.Key(t.clock.Now()))
	if err != nil {
		return 0, 0, fmt.Errorf("read quota counter: %w", err)
	}
	return used, p.MaxUses, nil
}
