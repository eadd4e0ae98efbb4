package queue

import (
	"time"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// QuotaResetAt picks the moment a quota-deferred item becomes worth retrying:
// the earliest reset among the strategies that exhausted their quota during
// the pass. Without a tracker, or when none of the attempts name a metered
// strategy, the next daily boundary is used.
func QuotaResetAt(quota harvest.QuotaTracker, attempts []harvest.AttemptRecord, now time.Time) time.Time {
	var earliest time.Time
	if quota != nil {
		for _, a := range attempts {
			if a.ErrorKind != harvest.ErrorQuotaExceeded {
				continue
			}
			if reset, ok := quota.NextReset(a.Strategy, now); ok {
				if earliest.IsZero() || reset.Before(earliest) {
					earliest = reset
				}
			}
		}
	}
	if earliest.IsZero() {
		earliest = harvest.PeriodDaily.NextBoundary(now)
	}
	return earliest
}
