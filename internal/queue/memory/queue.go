// Package memory provides the in-memory queue backend, used by tests and
// single-process deployments.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/queue"
)

// Queue keeps items in memory behind one mutex. The mutex guards only map
// and field mutation; acquisition work never runs under it, so the claim is
// the sole mutual-exclusion point and it is item-sized by construction.
type Queue struct {
	mu        sync.Mutex
	items     map[string]*harvest.QueueItem
	active    map[string]string // dedup key -> non-terminal item id
	succeeded map[string]string // dedup key -> succeeded item id
	cancels   map[string]bool
	seq       map[string]uint64 // insertion order for priority tie-breaks
	nextSeq   uint64

	policy queue.RetryPolicy
	quota  harvest.QuotaTracker
	clock  harvest.Clock
	logger *zap.Logger
}

// New constructs an empty Queue. quota may be nil when no strategy is
// metered; it is consulted only to schedule quota-deferred retries.
func New(policy queue.RetryPolicy, quota harvest.QuotaTracker, clock harvest.Clock, logger *zap.Logger) *Queue {
	return &Queue{
		items:     make(map[string]*harvest.QueueItem),
		active:    make(map[string]string),
		succeeded: make(map[string]string),
		cancels:   make(map[string]bool),
		seq:       make(map[string]uint64),
		policy:    policy.Normalize(),
		quota:     quota,
		clock:     clock,
		logger:    logger,
	}
}

// Enqueue inserts a pending item for the request, or returns the existing
// item's id when a non-terminal or succeeded item already holds the dedup
// key. Succeeded keys stay deduplicated forever: one fingerprint is acquired
// at most once.
func (q *Queue) Enqueue(_ context.Context, req harvest.AcquisitionRequest) (string, error) {
	if req.DedupKey == "" {
		return "", fmt.Errorf("request has no dedup key")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if id, ok := q.active[req.DedupKey]; ok {
		return id, nil
	}
	if id, ok := q.succeeded[req.DedupKey]; ok {
		return id, nil
	}
	item, err := q.insertLocked(req)
	if err != nil {
		return "", err
	}
	q.logger.Debug("item enqueued",
		zap.String("item_id", item.ID),
		zap.String("uri", req.SourceURI))
	return item.ID, nil
}

// insertLocked creates a fresh pending item. Callers hold q.mu.
func (q *Queue) insertLocked(req harvest.AcquisitionRequest) (*harvest.QueueItem, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate item id: %w", err)
	}
	now := q.clock.Now()
	item := &harvest.QueueItem{
		ID:            id.String(),
		DedupKey:      req.DedupKey,
		Request:       req,
		Status:        harvest.StatusPending,
		AttemptCount:  0,
		NextAttemptAt: now,
		LastErrorKind: harvest.ErrorNone,
		Priority:      req.Priority,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	q.items[item.ID] = item
	q.active[req.DedupKey] = item.ID
	q.seq[item.ID] = q.nextSeq
	q.nextSeq++
	return item, nil
}

// DequeueReady claims the most urgent ready pending item, transitioning it to
// in_progress so no other worker can take it.
func (q *Queue) DequeueReady(_ context.Context) (harvest.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	var best *harvest.QueueItem
	for _, item := range q.items {
		if item.Status != harvest.StatusPending || item.NextAttemptAt.After(now) {
			continue
		}
		if best == nil || q.moreUrgentLocked(item, best) {
			best = item
		}
	}
	if best == nil {
		return harvest.QueueItem{}, harvest.ErrNoReadyItems
	}

	claimed := now
	best.Status = harvest.StatusInProgress
	best.ClaimedAt = &claimed
	best.UpdatedAt = now
	return copyItem(best), nil
}

// moreUrgentLocked orders by priority (lower first) then insertion order.
func (q *Queue) moreUrgentLocked(a, b *harvest.QueueItem) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return q.seq[a.ID] < q.seq[b.ID]
}

// ReportResult applies the state machine transition for a claimed item and
// returns the updated item.
func (q *Queue) ReportResult(
	_ context.Context,
	id string,
	res harvest.AcquisitionResult,
	attempts []harvest.AttemptRecord,
) (harvest.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return harvest.QueueItem{}, harvest.ErrItemNotFound
	}
	if item.Status != harvest.StatusInProgress {
		return harvest.QueueItem{}, fmt.Errorf("report on item %s: %w", id, harvest.ErrNotClaimed)
	}

	now := q.clock.Now()
	item.Attempts = append(item.Attempts, attempts...)
	item.LastErrorKind = res.ErrorKind
	item.LastErrorText = res.ErrorDetail
	item.UpdatedAt = now
	item.ClaimedAt = nil
	delete(q.cancels, id)

	switch {
	case res.Success:
		q.finishLocked(item, harvest.StatusSucceeded)
	case res.ErrorKind == harvest.ErrorPermanent:
		q.finishLocked(item, harvest.StatusFailedPermanent)
	case res.ErrorKind == harvest.ErrorQuotaExceeded:
		// The item cannot succeed before the quota resets, so it waits for
		// the boundary rather than backing off. Attempt count is unchanged.
		item.Status = harvest.StatusPending
		item.NextAttemptAt = queue.QuotaResetAt(q.quota, attempts, now)
	default: // transient
		item.AttemptCount++
		if item.AttemptCount >= q.policy.MaxAttempts {
			q.finishLocked(item, harvest.StatusDead)
		} else {
			item.Status = harvest.StatusPending
			item.NextAttemptAt = now.Add(q.policy.Backoff(item.AttemptCount))
		}
	}

	q.logger.Info("item transition",
		zap.String("item_id", item.ID),
		zap.String("status", string(item.Status)),
		zap.Int("attempts", item.AttemptCount))
	return copyItem(item), nil
}

func (q *Queue) finishLocked(item *harvest.QueueItem, status harvest.ItemStatus) {
	item.Status = status
	delete(q.active, item.DedupKey)
	if status == harvest.StatusSucceeded {
		q.succeeded[item.DedupKey] = item.ID
	}
}

// Get returns a copy of the item.
func (q *Queue) Get(_ context.Context, id string) (harvest.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return harvest.QueueItem{}, harvest.ErrItemNotFound
	}
	return copyItem(item), nil
}

// ListByStatus returns up to limit items in the given state, newest first.
func (q *Queue) ListByStatus(_ context.Context, status harvest.ItemStatus, limit int) ([]harvest.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []harvest.QueueItem
	for _, item := range q.items {
		if item.Status == status {
			out = append(out, copyItem(item))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Requeue re-enqueues a failed terminal item as a fresh pending item. The
// terminal record is kept untouched for audit; the new item starts at attempt
// zero. Succeeded items cannot be requeued.
func (q *Queue) Requeue(_ context.Context, id string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return "", harvest.ErrItemNotFound
	}
	if !item.Status.Terminal() {
		return "", fmt.Errorf("requeue item %s: %w", id, harvest.ErrNotTerminal)
	}
	if _, busy := q.active[item.DedupKey]; busy {
		return "", fmt.Errorf("requeue item %s: %w", id, harvest.ErrDuplicateActive)
	}
	// One fingerprint is acquired at most once, so a succeeded item can never
	// be put back in flight.
	if _, done := q.succeeded[item.DedupKey]; done {
		return "", fmt.Errorf("requeue item %s: %w", id, harvest.ErrDuplicateActive)
	}

	fresh, err := q.insertLocked(item.Request)
	if err != nil {
		return "", err
	}
	q.logger.Info("terminal item requeued",
		zap.String("item_id", id),
		zap.String("new_item_id", fresh.ID))
	return fresh.ID, nil
}

// Cancel requests cancellation. A pending item fails permanently at once; an
// in-progress item is flagged for its owning worker to observe at the next
// suspension point.
func (q *Queue) Cancel(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return harvest.ErrItemNotFound
	}
	switch item.Status {
	case harvest.StatusPending:
		item.LastErrorKind = harvest.ErrorPermanent
		item.LastErrorText = harvest.ErrCanceledByOperator.Error()
		item.UpdatedAt = q.clock.Now()
		q.finishLocked(item, harvest.StatusFailedPermanent)
		return nil
	case harvest.StatusInProgress:
		q.cancels[id] = true
		return nil
	default:
		return fmt.Errorf("cancel item %s in state %s: already terminal", id, item.Status)
	}
}

// CancelRequested reports whether an in-flight item was flagged.
func (q *Queue) CancelRequested(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[id]; !ok {
		return false, harvest.ErrItemNotFound
	}
	return q.cancels[id], nil
}

// ReapStale returns in-progress items claimed longer than lease ago to
// pending. The reclaimed attempt does not count against the item.
func (q *Queue) ReapStale(_ context.Context, lease time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	reaped := 0
	for _, item := range q.items {
		if item.Status != harvest.StatusInProgress || item.ClaimedAt == nil {
			continue
		}
		if now.Sub(*item.ClaimedAt) < lease {
			continue
		}
		item.Status = harvest.StatusPending
		item.ClaimedAt = nil
		item.NextAttemptAt = now
		item.UpdatedAt = now
		reaped++
		q.logger.Warn("stale claim reaped", zap.String("item_id", item.ID))
	}
	return reaped, nil
}

func copyItem(item *harvest.QueueItem) harvest.QueueItem {
	out := *item
	out.Attempts = slices.Clone(item.Attempts)
	if item.ClaimedAt != nil {
		claimed := *item.ClaimedAt
		out.ClaimedAt = &claimed
	}
	return out
}
