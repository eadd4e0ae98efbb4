// Package registry holds the ordered list of acquisition strategies.
package registry

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// Registry orders strategies ascending by cost tier, cheapest first, and
// excludes quota-exhausted strategies from each pass. New strategies plug in
// through the harvest.Strategy interface without orchestrator changes.
type Registry struct {
	mu         sync.RWMutex
	strategies []harvest.Strategy
	quota      harvest.QuotaTracker
	logger     *zap.Logger
}

// New builds a Registry over the given strategies.
func New(quota harvest.QuotaTracker, logger *zap.Logger, strategies ...harvest.Strategy) *Registry {
	r := &Registry{
		quota:  quota,
		logger: logger,
	}
	for _, s := range strategies {
		r.Register(s)
	}
	return r
}

// Register adds a strategy, keeping cost-tier order. Registration order
// breaks ties, so equal-tier strategies stay deterministic.
func (r *Registry) Register(s harvest.Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies = append(r.strategies, s)
	slices.SortStableFunc(r.strategies, func(a, b harvest.Strategy) int {
		return a.CostTier() - b.CostTier()
	})
}

// OrderedStrategies returns the strategies eligible for a content hint, in
// cost order, with quota-exhausted strategies excluded. Exclusion is visible
// operator state, not a silent failure, so it is logged.
func (r *Registry) OrderedStrategies(ctx context.Context, hint harvest.ContentHint) []harvest.Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]harvest.Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		if !serves(s, hint) {
			continue
		}
		if r.quota != nil {
			exhausted, err := r.quota.Exhausted(ctx, s.Name())
			if err != nil {
				r.logger.Warn("quota check failed, keeping strategy",
					zap.String("strategy", s.Name()), zap.Error(err))
			} else if exhausted {
				r.logger.Info("strategy excluded until quota reset",
					zap.String("strategy", s.Name()))
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

// All returns every registered strategy in cost order, without filtering.
func (r *Registry) All() []harvest.Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.strategies)
}

func serves(s harvest.Strategy, hint harvest.ContentHint) bool {
	hints := s.Hints()
	if len(hints) == 0 {
		return true
	}
	return slices.Contains(hints, hint)
}
