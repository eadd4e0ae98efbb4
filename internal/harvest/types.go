package harvest

import (
	"time"
)

// ContentHint tells strategies and the validator what kind of content to expect.
type ContentHint string

// Content hints accepted on enqueue.
const (
	HintArticle    ContentHint = "article"
	HintTranscript ContentHint = "transcript"
	HintMedia      ContentHint = "media"
)

// ErrorKind classifies an attempt or item failure.
type ErrorKind string

// Error taxonomy. Transient failures are retried with backoff, permanent
// failures surface immediately, quota_exceeded defers to the next period.
const (
	ErrorNone          ErrorKind = "none"
	ErrorTransient     ErrorKind = "transient"
	ErrorPermanent     ErrorKind = "permanent"
	ErrorQuotaExceeded ErrorKind = "quota_exceeded"
)

// ItemStatus represents the lifecycle state of a queue item.
type ItemStatus string

// Item status values persisted in the queue.
const (
	StatusPending         ItemStatus = "pending"
	StatusInProgress      ItemStatus = "in_progress"
	StatusSucceeded       ItemStatus = "succeeded"
	StatusFailedPermanent ItemStatus = "failed_permanent"
	StatusDead            ItemStatus = "dead"
)

// Terminal reports whether the status is immutable once reached.
func (s ItemStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailedPermanent, StatusDead:
		return true
	default:
		return false
	}
}

// AcquisitionRequest is the immutable description of one piece of content to
// acquire. DedupKey is derived from the normalized source URI.
type AcquisitionRequest struct {
	SourceURI   string      `json:"source_uri"`
	ContentHint ContentHint `json:"content_hint"`
	Priority    int         `json:"priority"`
	DedupKey    string      `json:"dedup_key"`
	CreatedAt   time.Time   `json:"created_at"`
}

// AcquisitionResult is the outcome of one strategy attempt, or of a whole
// orchestrator pass. Content is set only on success.
type AcquisitionResult struct {
	Success      bool          `json:"success"`
	Content      []byte        `json:"-"`
	QualityScore float64       `json:"quality_score"`
	StrategyUsed string        `json:"strategy_used,omitempty"`
	ErrorKind    ErrorKind     `json:"error_kind"`
	ErrorDetail  string        `json:"error_detail,omitempty"`
	Duration     time.Duration `json:"-"`
}

// AttemptOutcome distinguishes what happened to one strategy during a pass.
type AttemptOutcome string

// Attempt outcomes recorded for diagnostics.
const (
	AttemptAccepted        AttemptOutcome = "accepted"
	AttemptRejected        AttemptOutcome = "rejected"
	AttemptErrored         AttemptOutcome = "errored"
	AttemptSkippedThrottle AttemptOutcome = "skipped_throttled"
	AttemptSkippedSession  AttemptOutcome = "skipped_no_session"
)

// AttemptRecord is one row of the per-pass diagnostic trail. Skips are
// recorded but do not count against pacing or quota.
type AttemptRecord struct {
	Strategy     string         `json:"strategy"`
	Outcome      AttemptOutcome `json:"outcome"`
	ErrorKind    ErrorKind      `json:"error_kind"`
	ErrorDetail  string         `json:"error_detail,omitempty"`
	QualityScore float64        `json:"quality_score"`
	Duration     time.Duration  `json:"duration"`
}

// QueueItem is the persisted unit of work. At most one non-terminal item may
// exist per DedupKey at any time.
type QueueItem struct {
	ID            string             `json:"id"`
	DedupKey      string             `json:"dedup_key"`
	Request       AcquisitionRequest `json:"request"`
	Status        ItemStatus         `json:"status"`
	AttemptCount  int                `json:"attempt_count"`
	NextAttemptAt time.Time          `json:"next_attempt_at"`
	LastErrorKind ErrorKind          `json:"last_error_kind"`
	LastErrorText string             `json:"last_error_text,omitempty"`
	Priority      int                `json:"priority"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	ClaimedAt     *time.Time         `json:"claimed_at,omitempty"`
	Attempts      []AttemptRecord    `json:"attempts,omitempty"`
}

// Session holds authenticated state for one site. A session past ExpiresAt is
// logically absent.
type Session struct {
	SiteID     string    `json:"site_id"`
	Credential []byte    `json:"-"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its expiry at the given time.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// RatePolicy bounds attempts per rolling window for one strategy.
type RatePolicy struct {
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
}

// QuotaPolicy caps uses of a metered strategy per calendar period. Once
// registered with the quota tracker the cap is absolute: MaxUses 0 permits
// no uses at all.
type QuotaPolicy struct {
	MaxUses int         `json:"max_uses"`
	Period  QuotaPeriod `json:"period"`
}

// QuotaPeriod names a calendar-aligned quota window.
type QuotaPeriod string

// Supported quota periods, aligned to UTC calendar boundaries.
const (
	PeriodDaily   QuotaPeriod = "daily"
	PeriodMonthly QuotaPeriod = "monthly"
)

// Key returns the persisted counter key for the period containing t.
func (p QuotaPeriod) Key(t time.Time) string {
	t = t.UTC()
	if p == PeriodDaily {
		return t.Format("2006-01-02")
	}
	return t.Format("2006-01")
}

// NextBoundary returns the first instant of the following period.
func (p QuotaPeriod) NextBoundary(t time.Time) time.Time {
	t = t.UTC()
	if p == PeriodDaily {
		y, m, d := t.Date()
		return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
	}
	y, m, _ := t.Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
}

// TerminalEvent is emitted to downstream consumers when an item reaches a
// terminal state.
type TerminalEvent struct {
	ItemID       string     `json:"item_id"`
	SourceURI    string     `json:"source_uri"`
	Status       ItemStatus `json:"status"`
	BlobURI      string     `json:"blob_uri,omitempty"`
	StrategyUsed string     `json:"strategy_used,omitempty"`
	QualityScore float64    `json:"quality_score,omitempty"`
	ErrorKind    ErrorKind  `json:"error_kind,omitempty"`
	ErrorDetail  string     `json:"error_detail,omitempty"`
	At           time.Time  `json:"at"`
}
