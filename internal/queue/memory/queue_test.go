package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/queue"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixedReset struct {
	reset time.Time
}

func (f fixedReset) Exhausted(context.Context, string) (bool, error) { return false, nil }
func (f fixedReset) Record(context.Context, string) error            { return nil }
func (f fixedReset) NextReset(string, time.Time) (time.Time, bool)   { return f.reset, !f.reset.IsZero() }
func (f fixedReset) Usage(context.Context, string) (int, int, error) { return 0, 0, nil }

func newTestQueue(t *testing.T, clock harvest.Clock, quota harvest.QuotaTracker) *Queue {
	t.Helper()
	policy := queue.RetryPolicy{MaxAttempts: 3, BaseDelay: 30 * time.Second, MaxDelay: time.Hour}
	return New(policy, quota, clock, zap.NewNop())
}

func mustRequest(t *testing.T, uri string, priority int, clock harvest.Clock) harvest.AcquisitionRequest {
	t.Helper()
	req, err := harvest.NewRequest(uri, harvest.HintArticle, priority, clock)
	require.NoError(t, err)
	return req
}

func transientResult(detail string) harvest.AcquisitionResult {
	return harvest.AcquisitionResult{ErrorKind: harvest.ErrorTransient, ErrorDetail: detail}
}

func TestEnqueueDeduplicatesActiveItems(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock, nil)
	ctx := context.Background()

	req := mustRequest(t, "https://example.com/a", 5, clock)
	id1, err := q.Enqueue(ctx, req)
	require.NoError(t, err)

	// Same normalized URI, different surface form.
	dup := mustRequest(t, "HTTPS://EXAMPLE.COM/a", 5, clock)
	id2, err := q.Enqueue(ctx, dup)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	items, err := q.ListByStatus(ctx, harvest.StatusPending, 0)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestEnqueueDeduplicatesSucceededItems(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, mustRequest(t, "https://example.com/a", 5, clock))
	require.NoError(t, err)
	_, err = q.DequeueReady(ctx)
	require.NoError(t, err)
	_, err = q.ReportResult(ctx, id, harvest.AcquisitionResult{Success: true}, nil)
	require.NoError(t, err)

	again, err := q.Enqueue(ctx, mustRequest(t, "https://example.com/a", 5, clock))
	require.NoError(t, err)
	assert.Equal(t, id, again, "succeeded fingerprint must not re-enter the queue")
}

func TestDequeueOrdersByPriorityThenAge(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock, nil)
	ctx := context.Background()

	low, err := q.Enqueue(ctx, mustRequest(t, "https://example.com/low", 9, clock))
	require.NoError(t, err)
	first, err := q.Enqueue(ctx, mustRequest(t, "https://example.com/one", 1, clock))
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, mustRequest(t, "https://example.com/two", 1, clock))
	require.NoError(t, err)

	got, err := q.DequeueReady(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, got.ID)

	got, err = q.DequeueReady(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, got.ID, "equal priority resolves by insertion order")

	got, err = q.DequeueReady(ctx)
	require.NoError(t, err)
	assert.Equal(t, low, got.ID)

	_, err = q.DequeueReady(ctx)
	assert.ErrorIs(t, err, harvest.ErrNoReadyItems)
}

func TestDequeueSkipsItemsNotYetDue(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, mustRequest(t, "https://example.com/a", 5, clock))
	require.NoError(t, err)
	_, err = q.DequeueReady(ctx)
	require.NoError(t, err)
	_, err = q.ReportResult(ctx, id, transientResult("upstream 503"), nil)
	require.NoError(t, err)

	_, err = q.DequeueReady(ctx)
	assert.ErrorIs(t, err, harvest.ErrNoReadyItems)

	clock.advance(time.Hour)
	got, err := q.DequeueReady(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
}

func TestDequeueClaimIsExclusive(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, mustRequest(t, "https://example.com/a", 5, clock))
	require.NoError(t, err)

	var claims int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.DequeueReady(ctx); err == nil {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claims, "exactly one worker may claim an item")
}

func TestTransientFailureBacksOffExponentially(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, mustRequest(t, "https://example.com/a", 5, clock))
	require.NoError(t, err)

	var prevDelay time.Duration
	for attempt := 1; attempt <= 2; attempt++ {
		clock.advance(2 * time.Hour)
		_, err = q.DequeueReady(ctx)
		require.NoError(t, err)
		item, err := q.ReportResult(ctx, id, transientResult("timeout"), nil)
		require.NoError(t, err)

		require.Equal(t, harvest.StatusPending, item.Status)
		assert.Equal(t, attempt, item.AttemptCount)

		delay := item.NextAttemptAt.Sub(clock.Now())
		base := 30 * time.Second << (attempt - 1)
		assert.GreaterOrEqual(t, delay, base)
		assert.LessOrEqual(t, delay, base+base/2)
		assert.Greater(t, delay, prevDelay, "delays must strictly increase")
		prevDelay = delay
	}
}

func TestTransientExhaustionMovesToDead(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, mustRequest(t, "https://example.com/a", 5, clock))
	require.NoError(t, err)

	var item harvest.QueueItem
	for range 3 {
		clock.advance(2 * time.Hour)
		_, err = q.DequeueReady(ctx)
		require.NoError(t, err)
		item, err = q.ReportResult(ctx, id, transientResult("timeout"), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, harvest.StatusDead, item.Status)
	assert.Equal(t, 3, item.AttemptCount)

	_, err = q.DequeueReady(ctx)
	assert.ErrorIs(t, err, harvest.ErrNoReadyItems)
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, mustRequest(t, "https://example.com/gone", 5, clock))
	require.NoError(t, err)
	_, err = q.DequeueReady(ctx)
	require.NoError(t, err)

	item, err := q.ReportResult(ctx, id, harvest.AcquisitionResult{
		ErrorKind:   harvest.ErrorPermanent,
		ErrorDetail: "upstream 410",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, harvest.StatusFailedPermanent, item.Status)
	assert.Equal(t, 0, item.AttemptCount)
}

func TestQuotaExceededWaitsForReset(t *testing.T) {
	clock := newFakeClock()
	reset := clock.Now().Add(6 * time.Hour)
	q := newTestQueue(t, clock, fixedReset{reset: reset})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, mustRequest(t, "https://example.com/a", 5, clock))
	require.NoError(t, err)
	_, err = q.DequeueReady(ctx)
	require.NoError(t, err)

	attempts := []harvest.AttemptRecord{{
		Strategy:  "paid_api",
		Outcome:   harvest.AttemptErrored,
		ErrorKind: harvest.ErrorQuotaExceeded,
	}}
	item, err := q.ReportResult(ctx, id, harvest.AcquisitionResult{
		ErrorKind: harvest.ErrorQuotaExceeded,
	}, attempts)
	require.NoError(t, err)

	assert.Equal(t, harvest.StatusPending, item.Status)
	assert.Equal(t, 0, item.AttemptCount, "quota deferral must not burn an attempt")
	assert.Equal(t, reset, item.NextAttemptAt)
}

func TestQuotaExceededFallsBackToDailyBoundary(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, mustRequest(t, "https://example.com/a", 5, clock))
	require.NoError(t, err)
	_, err = q.DequeueReady(ctx)
	require.NoError(t, err)

	item, err := q.ReportResult(ctx, id, harvest.AcquisitionResult{
		ErrorKind: harvest.ErrorQuotaExceeded,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, harvest.PeriodDaily.NextBoundary(clock.Now()), item.NextAttemptAt)
}

func TestReportResultRequiresClaim(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, mustRequest(t, "https://example.com/a", 5, clock))
	require.NoError(t, err)

	_, err = q.ReportResult(ctx, id, harvest.AcquisitionResult{Success: true}, nil)
	assert.ErrorIs(t, err, harvest.ErrNotClaimed)

	_, err = q.ReportResult(ctx, "no-such-id", harvest.AcquisitionResult{Success: true}, nil)
	assert.ErrorIs(t, err, harvest.ErrItemNotFound)
}

func TestRequeueCreatesFreshItem(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, mustRequest(t, "https://example.com/a", 5, clock))
	require.NoError(t, err)
	_, err = q.DequeueReady(ctx)
	require.NoError(t, err)
	_, err = q.ReportResult(ctx, id, harvest.AcquisitionResult{
		ErrorKind: harvest.ErrorPermanent, ErrorDetail: "upstream 404",
	}, nil)
	require.NoError(t, err)

	fresh, err := q.Requeue(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, id, fresh)

	item, err := q.Get(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, harvest.StatusPending, item.Status)
	assert.Zero(t, item.AttemptCount)

	// The terminal record is preserved.
	old, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, harvest.StatusFailedPermanent, old.Status)

	_, err = q.Requeue(ctx, id)
	assert.ErrorIs(t, err, harvest.ErrDuplicateActive)
}

func TestRequeueRejectsSucceededItems(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, mustRequest(t, "https://example.com/a", 5, clock))
	require.NoError(t, err)
	_, err = q.DequeueReady(ctx)
	require.NoError(t, err)
	_, err = q.ReportResult(ctx, id, harvest.AcquisitionResult{Success: true}, nil)
	require.NoError(t, err)

	_, err = q.Requeue(ctx, id)
	assert.ErrorIs(t, err, harvest.ErrDuplicateActive,
		"succeeded fingerprint must never re-enter the queue")
}

func TestRequeueRejectsNonTerminalItems(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, mustRequest(t, "https://example.com/a", 5, clock))
	require.NoError(t, err)
	_, err = q.Requeue(ctx, id)
	assert.ErrorIs(t, err, harvest.ErrNotTerminal)
}

func TestCancelPendingItem(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, mustRequest(t, "https://example.com/a", 5, clock))
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, id))

	item, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, harvest.StatusFailedPermanent, item.Status)

	assert.Error(t, q.Cancel(ctx, id), "terminal items cannot be canceled")
}

func TestCancelInProgressItemFlagsWorker(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, mustRequest(t, "https://example.com/a", 5, clock))
	require.NoError(t, err)
	_, err = q.DequeueReady(ctx)
	require.NoError(t, err)

	flagged, err := q.CancelRequested(ctx, id)
	require.NoError(t, err)
	assert.False(t, flagged)

	require.NoError(t, q.Cancel(ctx, id))
	flagged, err = q.CancelRequested(ctx, id)
	require.NoError(t, err)
	assert.True(t, flagged)
}

func TestReapStaleReturnsExpiredClaims(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, mustRequest(t, "https://example.com/a", 5, clock))
	require.NoError(t, err)
	_, err = q.DequeueReady(ctx)
	require.NoError(t, err)

	n, err := q.ReapStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh claims must not be reaped")

	clock.advance(11 * time.Minute)
	n, err = q.ReapStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, harvest.StatusPending, item.Status)
	assert.Zero(t, item.AttemptCount, "a reclaimed lease is not a failed attempt")
}
