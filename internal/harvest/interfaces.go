package harvest

import (
	"context"
	"time"
)

// Strategy is one pluggable method of acquiring content. Implementations must
// honor ctx cancellation and deadlines, and classify their own failures into
// the ErrorKind taxonomy; anything unclassified is treated as transient.
type Strategy interface {
	// Name identifies the strategy in limiter state, metrics and diagnostics.
	Name() string
	// CostTier orders strategies in the registry, cheapest first.
	CostTier() int
	// RequiresSession reports whether the strategy needs site credentials.
	RequiresSession() bool
	// Hints returns the content hints the strategy can serve. Empty means all.
	Hints() []ContentHint
	// Attempt tries to acquire the requested content.
	Attempt(ctx context.Context, req AcquisitionRequest, sess *Session) AcquisitionResult
}

// Queue holds acquisition work keyed by dedup fingerprint.
type Queue interface {
	// Enqueue inserts a pending item, or returns the existing item's ID when a
	// non-terminal or succeeded item already holds the request's dedup key.
	Enqueue(ctx context.Context, req AcquisitionRequest) (string, error)
	// DequeueReady atomically claims one ready pending item, moving it to
	// in_progress. It returns ErrNoReadyItems when nothing is claimable.
	DequeueReady(ctx context.Context) (QueueItem, error)
	// ReportResult applies the state machine transition for a claimed item.
	ReportResult(ctx context.Context, id string, res AcquisitionResult, attempts []AttemptRecord) (QueueItem, error)
	// Get returns an item by ID.
	Get(ctx context.Context, id string) (QueueItem, error)
	// ListByStatus returns items in a given state, most recent first.
	ListByStatus(ctx context.Context, status ItemStatus, limit int) ([]QueueItem, error)
	// Requeue re-enqueues a terminal item as a fresh pending item with
	// attempt count zero. This is the only path past a terminal dedup no-op.
	Requeue(ctx context.Context, id string) (string, error)
	// Cancel requests cancellation. Pending items fail permanently at once;
	// in-progress items are flagged for their owning worker.
	Cancel(ctx context.Context, id string) error
	// CancelRequested reports whether an in-flight item was flagged.
	CancelRequested(ctx context.Context, id string) (bool, error)
	// ReapStale returns in_progress items claimed longer than lease ago to
	// pending without consuming an attempt.
	ReapStale(ctx context.Context, lease time.Duration) (int, error)
}

// Pacer is the sliding-window side of the rate/usage limiter. Allow must be
// consulted before every attempt and never blocks; Record is called after
// every real attempt.
type Pacer interface {
	Allow(strategy string) bool
	Record(strategy string)
}

// QuotaTracker is the hard-cap side of the rate/usage limiter. State survives
// restarts and resets at calendar period boundaries.
type QuotaTracker interface {
	// Exhausted reports whether the strategy's current-period quota is spent.
	Exhausted(ctx context.Context, strategy string) (bool, error)
	// Record consumes one quota unit for the strategy's current period.
	Record(ctx context.Context, strategy string) error
	// NextReset returns when the strategy's quota next resets, and false if
	// the strategy is unmetered.
	NextReset(strategy string, now time.Time) (time.Time, bool)
	// Usage returns used and allowed units for the current period.
	Usage(ctx context.Context, strategy string) (used, limit int, err error)
}

// SessionStore persists per-site authenticated sessions. Get never returns an
// expired session; concurrent readers observe whole sessions only.
type SessionStore interface {
	Get(ctx context.Context, siteID string) (Session, bool, error)
	Put(ctx context.Context, sess Session) error
	Invalidate(ctx context.Context, siteID string) error
}

// BlobStore writes succeeded content and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes terminal-outcome events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event TerminalEvent) (string, error)
}

// Hasher fingerprints content for blob addressing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Validator judges whether acquired content is usable.
type Validator interface {
	Validate(content []byte, hint ContentHint) (score float64, accepted bool)
}

// Clock returns the current time (swappable in tests).
type Clock interface {
	Now() time.Time
}
