package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/queue"
)

type stubClock struct {
	now time.Time
}

func (c stubClock) Now() time.Time { return c.now }

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestQueue(t *testing.T) (*Queue, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	policy := queue.RetryPolicy{MaxAttempts: 3, BaseDelay: 30 * time.Second, MaxDelay: time.Hour}
	q := NewWithPool(mock, policy, nil, stubClock{now: testNow}, zap.NewNop())
	return q, mock
}

func itemRows(claimed *time.Time, status string, attemptCount int) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "dedup_key", "source_uri", "content_hint", "priority", "status",
		"attempt_count", "next_attempt_at", "last_error_kind", "last_error_text",
		"claimed_at", "attempts", "created_at", "updated_at",
	}).AddRow(
		"item-1", "dk-1", "https://example.com/a", "article", 5, status,
		attemptCount, testNow, "none", "",
		claimed, []byte(`[]`), testNow, testNow,
	)
}

func TestEnqueueInsertsNewItem(t *testing.T) {
	t.Parallel()
	q, mock := newTestQueue(t)

	mock.ExpectQuery("SELECT id FROM queue_items").
		WithArgs("dk-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO queue_items").
		WithArgs(pgxmock.AnyArg(), "dk-1", "https://example.com/a", "article", 5, testNow, testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	req := harvest.AcquisitionRequest{
		SourceURI:   "https://example.com/a",
		ContentHint: harvest.HintArticle,
		Priority:    5,
		DedupKey:    "dk-1",
		CreatedAt:   testNow,
	}
	id, err := q.Enqueue(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueReturnsExistingID(t *testing.T) {
	t.Parallel()
	q, mock := newTestQueue(t)

	mock.ExpectQuery("SELECT id FROM queue_items").
		WithArgs("dk-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("existing-id"))

	id, err := q.Enqueue(context.Background(), harvest.AcquisitionRequest{DedupKey: "dk-1"})
	require.NoError(t, err)
	assert.Equal(t, "existing-id", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDequeueReadyClaimsItem(t *testing.T) {
	t.Parallel()
	q, mock := newTestQueue(t)

	claimed := testNow
	mock.ExpectQuery("UPDATE queue_items").
		WithArgs(testNow).
		WillReturnRows(itemRows(&claimed, "in_progress", 0))

	item, err := q.DequeueReady(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "item-1", item.ID)
	assert.Equal(t, harvest.StatusInProgress, item.Status)
	assert.Equal(t, harvest.HintArticle, item.Request.ContentHint)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDequeueReadyEmptyQueue(t *testing.T) {
	t.Parallel()
	q, mock := newTestQueue(t)

	mock.ExpectQuery("UPDATE queue_items").
		WithArgs(testNow).
		WillReturnError(pgx.ErrNoRows)

	_, err := q.DequeueReady(context.Background())
	assert.ErrorIs(t, err, harvest.ErrNoReadyItems)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportResultSuccessTransition(t *testing.T) {
	t.Parallel()
	q, mock := newTestQueue(t)

	claimed := testNow
	mock.ExpectQuery("SELECT (.+) FROM queue_items WHERE id").
		WithArgs("item-1").
		WillReturnRows(itemRows(&claimed, "in_progress", 0))
	mock.ExpectQuery("UPDATE queue_items").
		WithArgs("item-1", "succeeded", 0, testNow, "none", "", []byte("null"), testNow).
		WillReturnRows(itemRows(nil, "succeeded", 0))

	item, err := q.ReportResult(context.Background(), "item-1",
		harvest.AcquisitionResult{Success: true, ErrorKind: harvest.ErrorNone}, nil)
	require.NoError(t, err)
	assert.Equal(t, harvest.StatusSucceeded, item.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportResultRejectsUnclaimedItem(t *testing.T) {
	t.Parallel()
	q, mock := newTestQueue(t)

	mock.ExpectQuery("SELECT (.+) FROM queue_items WHERE id").
		WithArgs("item-1").
		WillReturnRows(itemRows(nil, "pending", 0))

	_, err := q.ReportResult(context.Background(), "item-1",
		harvest.AcquisitionResult{Success: true}, nil)
	assert.ErrorIs(t, err, harvest.ErrNotClaimed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReapStaleCountsReclaimedItems(t *testing.T) {
	t.Parallel()
	q, mock := newTestQueue(t)

	cutoff := testNow.Add(-10 * time.Minute)
	mock.ExpectExec("UPDATE queue_items").
		WithArgs(testNow, cutoff).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := q.ReapStale(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelRequestedMissingItem(t *testing.T) {
	t.Parallel()
	q, mock := newTestQueue(t)

	mock.ExpectQuery("SELECT cancel_requested FROM queue_items").
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := q.CancelRequested(context.Background(), "nope")
	assert.ErrorIs(t, err, harvest.ErrItemNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
