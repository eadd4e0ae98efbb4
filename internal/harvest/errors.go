package harvest

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors returned by queue implementations.
var (
	// ErrNoReadyItems means no pending item is claimable right now.
	ErrNoReadyItems = errors.New("no ready items")
	// ErrItemNotFound means the referenced item does not exist.
	ErrItemNotFound = errors.New("item not found")
	// ErrNotTerminal means the operation requires a terminal item.
	ErrNotTerminal = errors.New("item is not in a terminal state")
	// ErrNotClaimed means the item is not currently in_progress.
	ErrNotClaimed = errors.New("item is not claimed")
	// ErrDuplicateActive means a non-terminal item already holds the dedup key.
	ErrDuplicateActive = errors.New("active item exists for dedup key")
	// ErrCanceledByOperator is the cancellation cause set when an operator
	// cancels an in-flight item.
	ErrCanceledByOperator = errors.New("canceled by operator")
)

// KindError carries an ErrorKind classification alongside the cause, so
// strategies can classify failures before they reach the orchestrator.
type KindError struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *KindError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	return &KindError{Kind: ErrorTransient, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) error {
	return &KindError{Kind: ErrorPermanent, Err: err}
}

// KindOf extracts the classification from err. Unclassified errors are
// conservatively transient so a misbehaving strategy cannot destabilize the
// worker pool; timeouts count as transient for the same reason.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrorNone
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ErrorTransient
}

// ClassifyStatus maps an HTTP status code onto the taxonomy. 404 and auth
// failures are structurally unavailable; 429 and 5xx are worth retrying.
func ClassifyStatus(code int) ErrorKind {
	switch {
	case code == 0:
		return ErrorTransient
	case code >= 200 && code < 300:
		return ErrorNone
	case code == http.StatusTooManyRequests:
		return ErrorTransient
	case code == http.StatusNotFound,
		code == http.StatusGone,
		code == http.StatusUnauthorized,
		code == http.StatusForbidden:
		return ErrorPermanent
	case code >= 500:
		return ErrorTransient
	default:
		return ErrorPermanent
	}
}
