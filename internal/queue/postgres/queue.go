// Package postgres provides the Postgres-backed queue, suitable for fleets
// of workers sharing one database.
//
// Expected schema:
//
//	CREATE TABLE queue_items (
//	    id              TEXT PRIMARY KEY,
//	    dedup_key       TEXT NOT NULL,
//	    source_uri      TEXT NOT NULL,
//	    content_hint    TEXT NOT NULL,
//	    priority        INT NOT NULL,
//	    status          TEXT NOT NULL,
//	    attempt_count   INT NOT NULL DEFAULT 0,
//	    next_attempt_at TIMESTAMPTZ NOT NULL,
//	    last_error_kind TEXT NOT NULL DEFAULT 'none',
//	    last_error_text TEXT NOT NULL DEFAULT '',
//	    claimed_at      TIMESTAMPTZ,
//	    cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
//	    attempts        JSONB NOT NULL DEFAULT '[]',
//	    created_at      TIMESTAMPTZ NOT NULL,
//	    updated_at      TIMESTAMPTZ NOT NULL
//	);
//	CREATE UNIQUE INDEX queue_items_active_dedup
//	    ON queue_items (dedup_key)
//	    WHERE status IN ('pending', 'in_progress', 'succeeded');
//	CREATE INDEX queue_items_ready
//	    ON queue_items (priority, created_at)
//	    WHERE status = 'pending';
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/queue"
)

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the Postgres connection pool backing the queue.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Queue is the Postgres queue backend. Claim exclusivity comes from
// FOR UPDATE SKIP LOCKED inside the claim statement, so any number of worker
// processes can share the table.
type Queue struct {
	pool   db
	policy queue.RetryPolicy
	quota  harvest.QuotaTracker
	clock  harvest.Clock
	logger *zap.Logger
}

// New connects a pool and returns the queue.
func New(
	ctx context.Context,
	cfg Config,
	policy queue.RetryPolicy,
	quota harvest.QuotaTracker,
	clock harvest.Clock,
	logger *zap.Logger,
) (*Queue, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(pool, policy, quota, clock, logger), nil
}

// NewWithPool constructs a queue from an existing pool (primarily for testing).
func NewWithPool(
	pool db,
	policy queue.RetryPolicy,
	quota harvest.QuotaTracker,
	clock harvest.Clock,
	logger *zap.Logger,
) *Queue {
	return &Queue{
		pool:   pool,
		policy: policy.Normalize(),
		quota:  quota,
		clock:  clock,
		logger: logger,
	}
}

// Close releases the underlying pool resources.
func (q *Queue) Close() {
	if q == nil || q.pool == nil {
		return
	}
	q.pool.Close()
}

const itemColumns = `id, dedup_key, source_uri, content_hint, priority, status,
attempt_count, next_attempt_at, last_error_kind, last_error_text,
claimed_at, attempts, created_at, updated_at`

// Enqueue inserts a pending item or returns the id of the item already
// holding the dedup key. The partial unique index closes the race between
// concurrent producers; on conflict the existing id is re-read.
func (q *Queue) Enqueue(ctx context.Context, req harvest.AcquisitionRequest) (string, error) {
	if req.DedupKey == "" {
		return "", fmt.Errorf("request has no dedup key")
	}

	id, err := q.findDedup(ctx, req.DedupKey)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("check dedup key: %w", err)
	}

	newID, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate item id: %w", err)
	}
	now := q.clock.Now()
	tag, err := q.pool.Exec(ctx, `
INSERT INTO queue_items (
	id, dedup_key, source_uri, content_hint, priority, status,
	next_attempt_at, attempts, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,'pending',$6,'[]',$7,$7)
ON CONFLICT DO NOTHING`,
		newID.String(), req.DedupKey, req.SourceURI, string(req.ContentHint),
		req.Priority, now, now)
	if err != nil {
		return "", fmt.Errorf("insert item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race; the winner's row is in place.
		id, err := q.findDedup(ctx, req.DedupKey)
		if err != nil {
			return "", fmt.Errorf("re-read dedup key: %w", err)
		}
		return id, nil
	}
	return newID.String(), nil
}

func (q *Queue) findDedup(ctx context.Context, dedupKey string) (string, error) {
	var id string
	err := q.pool.QueryRow(ctx, `
SELECT id FROM queue_items
WHERE dedup_key = $1 AND status IN ('pending', 'in_progress', 'succeeded')
LIMIT 1`, dedupKey).Scan(&id)
	return id, err
}

// DequeueReady claims the most urgent ready pending item.
func (q *Queue) DequeueReady(ctx context.Context) (harvest.QueueItem, error) {
	now := q.clock.Now()
	row := q.pool.QueryRow(ctx, `
UPDATE queue_items
SET status = 'in_progress', claimed_at = $1, updated_at = $1
WHERE id = (
	SELECT id FROM queue_items
	WHERE status = 'pending' AND next_attempt_at <= $1
	ORDER BY priority, created_at
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING `+itemColumns, now)

	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.QueueItem{}, harvest.ErrNoReadyItems
	}
	if err != nil {
		return harvest.QueueItem{}, fmt.Errorf("claim item: %w", err)
	}
	return item, nil
}

// ReportResult applies the state machine transition for a claimed item. The
// transition is computed in Go and applied with a status guard, so a lease
// reaped in the meantime surfaces as ErrNotClaimed rather than a silent
// double-apply.
func (q *Queue) ReportResult(
	ctx context.Context,
	id string,
	res harvest.AcquisitionResult,
	attempts []harvest.AttemptRecord,
) (harvest.QueueItem, error) {
	current, err := q.Get(ctx, id)
	if err != nil {
		return harvest.QueueItem{}, err
	}
	if current.Status != harvest.StatusInProgress {
		return harvest.QueueItem{}, fmt.Errorf("report on item %s: %w", id, harvest.ErrNotClaimed)
	}

	now := q.clock.Now()
	status := current.Status
	attemptCount := current.AttemptCount
	nextAttemptAt := current.NextAttemptAt

	switch {
	case res.Success:
		status = harvest.StatusSucceeded
	case res.ErrorKind == harvest.ErrorPermanent:
		status = harvest.StatusFailedPermanent
	case res.ErrorKind == harvest.ErrorQuotaExceeded:
		status = harvest.StatusPending
		nextAttemptAt = queue.QuotaResetAt(q.quota, attempts, now)
	default:
		attemptCount++
		if attemptCount >= q.policy.MaxAttempts {
			status = harvest.StatusDead
		} else {
			status = harvest.StatusPending
			nextAttemptAt = now.Add(q.policy.Backoff(attemptCount))
		}
	}

	newAttempts, err := json.Marshal(attempts)
	if err != nil {
		return harvest.QueueItem{}, fmt.Errorf("marshal attempts: %w", err)
	}

	row := q.pool.QueryRow(ctx, `
UPDATE queue_items
SET status = $2,
    attempt_count = $3,
    next_attempt_at = $4,
    last_error_kind = $5,
    last_error_text = $6,
    claimed_at = NULL,
    cancel_requested = FALSE,
    attempts = attempts || $7::jsonb,
    updated_at = $8
WHERE id = $1 AND status = 'in_progress'
RETURNING `+itemColumns,
		id, string(status), attemptCount, nextAttemptAt,
		string(res.ErrorKind), res.ErrorDetail, newAttempts, now)

	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.QueueItem{}, fmt.Errorf("report on item %s: %w", id, harvest.ErrNotClaimed)
	}
	if err != nil {
		return harvest.QueueItem{}, fmt.Errorf("apply transition: %w", err)
	}

	q.logger.Info("item transition",
		zap.String("item_id", item.ID),
		zap.String("status", string(item.Status)),
		zap.Int("attempts", item.AttemptCount))
	return item, nil
}

// Get returns the item by id.
func (q *Queue) Get(ctx context.Context, id string) (harvest.QueueItem, error) {
	row := q.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE id = $1`, id)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.QueueItem{}, harvest.ErrItemNotFound
	}
	if err != nil {
		return harvest.QueueItem{}, fmt.Errorf("load item: %w", err)
	}
	return item, nil
}

// ListByStatus returns up to limit items in the given state, newest first.
func (q *Queue) ListByStatus(ctx context.Context, status harvest.ItemStatus, limit int) ([]harvest.QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.pool.Query(ctx, `
SELECT `+itemColumns+` FROM queue_items
WHERE status = $1
ORDER BY created_at DESC
LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var out []harvest.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return out, nil
}

// Requeue re-enqueues a terminal item as a fresh pending item.
func (q *Queue) Requeue(ctx context.Context, id string) (string, error) {
	current, err := q.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !current.Status.Terminal() {
		return "", fmt.Errorf("requeue item %s: %w", id, harvest.ErrNotTerminal)
	}

	newID, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate item id: %w", err)
	}
	now := q.clock.Now()
	tag, err := q.pool.Exec(ctx, `
INSERT INTO queue_items (
	id, dedup_key, source_uri, content_hint, priority, status,
	next_attempt_at, attempts, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,'pending',$6,'[]',$7,$7)
ON CONFLICT DO NOTHING`,
		newID.String(), current.DedupKey, current.Request.SourceURI,
		string(current.Request.ContentHint), current.Priority, now, now)
	if err != nil {
		return "", fmt.Errorf("insert requeued item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("requeue item %s: %w", id, harvest.ErrDuplicateActive)
	}
	q.logger.Info("terminal item requeued",
		zap.String("item_id", id),
		zap.String("new_item_id", newID.String()))
	return newID.String(), nil
}

// Cancel requests cancellation of an item.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	now := q.clock.Now()
	var status string
	err := q.pool.QueryRow(ctx, `
UPDATE queue_items
SET status = CASE WHEN status = 'pending' THEN 'failed_permanent' ELSE status END,
    cancel_requested = (status = 'in_progress'),
    last_error_kind = CASE WHEN status = 'pending' THEN 'permanent' ELSE last_error_kind END,
    last_error_text = CASE WHEN status = 'pending' THEN 'canceled by operator' ELSE last_error_text END,
    updated_at = $2
WHERE id = $1 AND status IN ('pending', 'in_progress')
RETURNING status`, id, now).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either missing or already terminal; disambiguate for the caller.
		if _, getErr := q.Get(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("cancel item %s: already terminal", id)
	}
	if err != nil {
		return fmt.Errorf("cancel item: %w", err)
	}
	return nil
}

// CancelRequested reports whether an in-flight item was flagged.
func (q *Queue) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flagged bool
	err := q.pool.QueryRow(ctx,
		`SELECT cancel_requested FROM queue_items WHERE id = $1`, id).Scan(&flagged)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, harvest.ErrItemNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flagged, nil
}

// ReapStale returns in-progress items claimed longer than lease ago to
// pending without charging an attempt.
func (q *Queue) ReapStale(ctx context.Context, lease time.Duration) (int, error) {
	now := q.clock.Now()
	cutoff := now.Add(-lease)
	tag, err := q.pool.Exec(ctx, `
UPDATE queue_items
SET status = 'pending', claimed_at = NULL, next_attempt_at = $1, updated_at = $1
WHERE status = 'in_progress' AND claimed_at <= $2`, now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reap stale claims: %w", err)
	}
	reaped := int(tag.RowsAffected())
	if reaped > 0 {
		q.logger.Warn("stale claims reaped", zap.Int("count", reaped))
	}
	return reaped, nil
}

func scanItem(row pgx.Row) (harvest.QueueItem, error) {
	var (
		item         harvest.QueueItem
		hint         string
		status       string
		errKind      string
		attemptsJSON []byte
	)
	err := row.Scan(
		&item.ID,
		&item.DedupKey,
		&item.Request.SourceURI,
		&hint,
		&item.Priority,
		&status,
		&item.AttemptCount,
		&item.NextAttemptAt,
		&errKind,
		&item.LastErrorText,
		&item.ClaimedAt,
		&attemptsJSON,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return harvest.QueueItem{}, err
	}
	item.Request.ContentHint = harvest.ContentHint(hint)
	item.Request.DedupKey = item.DedupKey
	item.Request.Priority = item.Priority
	item.Request.CreatedAt = item.CreatedAt
	item.Status = harvest.ItemStatus(status)
	item.LastErrorKind = harvest.ErrorKind(errKind)
	if len(attemptsJSON) > 0 {
		if err := json.Unmarshal(attemptsJSON, &item.Attempts); err != nil {
			return harvest.QueueItem{}, fmt.Errorf("decode attempts: %w", err)
		}
	}
	return item, nil
}
