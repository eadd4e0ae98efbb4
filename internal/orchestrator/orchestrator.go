// Package orchestrator drives the strategy cascade for a single acquisition
// request.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// StrategySource yields the eligible strategies for a request, cheapest
// first, with quota-exhausted strategies already excluded.
type StrategySource interface {
	OrderedStrategies(ctx context.Context, hint harvest.ContentHint) []harvest.Strategy
}

// Config controls Orchestrator behavior.
type Config struct {
	// AttemptTimeout bounds each strategy call's wall clock.
	AttemptTimeout time.Duration
}

// Orchestrator executes strategies in cost order until the validator accepts
// a result or the list is exhausted. One invocation is one pass: strategies
// are never retried within it; retry scheduling belongs to the queue.
type Orchestrator struct {
	source    StrategySource
	pacer     harvest.Pacer
	quota     harvest.QuotaTracker
	sessions  harvest.SessionStore
	validator harvest.Validator
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Orchestrator.
func New(
	source StrategySource,
	pacer harvest.Pacer,
	quota harvest.QuotaTracker,
	sessions harvest.SessionStore,
	validator harvest.Validator,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	return &Orchestrator{
		source:    source,
		pacer:     pacer,
		quota:     quota,
		sessions:  sessions,
		validator: validator,
		cfg:       cfg,
		logger:    logger,
	}
}

// Acquire runs one pass over the eligible strategies. First accepted result
// wins. Every strategy's fate is returned in the attempt trail so no outcome
// is dropped silently. Cancellation (including operator cancellation carried
// as the context cause) is observed between attempts.
func (o *Orchestrator) Acquire(
	ctx context.Context,
	req harvest.AcquisitionRequest,
) (harvest.AcquisitionResult, []harvest.AttemptRecord) {
	strategies := o.source.OrderedStrategies(ctx, req.ContentHint)
	attempts := make([]harvest.AttemptRecord, 0, len(strategies))
	sawTransient := false
	sawQuota := false

	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return o.canceledResult(ctx), attempts
		}

		if !o.pacer.Allow(s.Name()) {
			attempts = append(attempts, harvest.AttemptRecord{
				Strategy: s.Name(),
				Outcome:  harvest.AttemptSkippedThrottle,
			})
			o.logger.Debug("strategy throttled, skipping",
				zap.String("strategy", s.Name()), zap.String("uri", req.SourceURI))
			continue
		}

		sess, ok := o.sessionFor(ctx, s, req)
		if s.RequiresSession() && !ok {
			attempts = append(attempts, harvest.AttemptRecord{
				Strategy: s.Name(),
				Outcome:  harvest.AttemptSkippedSession,
			})
			o.logger.Debug("no live session, skipping strategy",
				zap.String("strategy", s.Name()), zap.String("uri", req.SourceURI))
			continue
		}

		res := o.attempt(ctx, s, req, sess)
		o.pacer.Record(s.Name())
		if err := o.quota.Record(ctx, s.Name()); err != nil {
			o.logger.Warn("quota record failed",
				zap.String("strategy", s.Name()), zap.Error(err))
		}

		record := harvest.AttemptRecord{
			Strategy:    s.Name(),
			ErrorKind:   res.ErrorKind,
			ErrorDetail: res.ErrorDetail,
			Duration:    res.Duration,
		}

		if !res.Success {
			record.Outcome = harvest.AttemptErrored
			switch res.ErrorKind {
			case harvest.ErrorTransient:
				sawTransient = true
			case harvest.ErrorQuotaExceeded:
				sawQuota = true
			}
			attempts = append(attempts, record)
			continue
		}

		score, accepted := o.validator.Validate(res.Content, req.ContentHint)
		record.QualityScore = score
		if accepted {
			record.Outcome = harvest.AttemptAccepted
			attempts = append(attempts, record)
			res.QualityScore = score
			res.StrategyUsed = s.Name()
			res.ErrorKind = harvest.ErrorNone
			o.logger.Info("content accepted",
				zap.String("strategy", s.Name()),
				zap.String("uri", req.SourceURI),
				zap.Float64("score", score))
			return res, attempts
		}

		record.Outcome = harvest.AttemptRejected
		attempts = append(attempts, record)
		o.logger.Debug("content rejected by quality gate",
			zap.String("strategy", s.Name()),
			zap.String("uri", req.SourceURI),
			zap.Float64("score", score))
	}

	// A cancellation that landed while the last strategy was in flight must
	// not be misread as that strategy's transient failure.
	if ctx.Err() != nil {
		return o.canceledResult(ctx), attempts
	}

	return o.failureResult(attempts, sawTransient, sawQuota), attempts
}

// attempt invokes one strategy under the per-attempt timeout. A panicking
// strategy is contained and classified transient so one bad leaf cannot take
// a worker down.
func (o *Orchestrator) attempt(
	ctx context.Context,
	s harvest.Strategy,
	req harvest.AcquisitionRequest,
	sess *harvest.Session,
) (res harvest.AcquisitionResult) {
	attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("strategy panicked",
				zap.String("strategy", s.Name()), zap.Any("panic", r))
			res = harvest.AcquisitionResult{
				ErrorKind:   harvest.ErrorTransient,
				ErrorDetail: fmt.Sprintf("strategy panic: %v", r),
			}
		}
		res.Duration = time.Since(start)

		// A timed-out or unclassified failure is conservatively transient.
		if !res.Success && res.ErrorKind == "" {
			res.ErrorKind = harvest.ErrorTransient
		}
		if !res.Success && attemptCtx.Err() != nil && ctx.Err() == nil {
			res.ErrorKind = harvest.ErrorTransient
			if res.ErrorDetail == "" {
				res.ErrorDetail = "attempt timed out"
			}
		}
	}()

	res = s.Attempt(attemptCtx, req, sess)
	return res
}

func (o *Orchestrator) sessionFor(
	ctx context.Context,
	s harvest.Strategy,
	req harvest.AcquisitionRequest,
) (*harvest.Session, bool) {
	if !s.RequiresSession() {
		return nil, true
	}
	sess, ok, err := o.sessions.Get(ctx, SiteID(req.SourceURI))
	if err != nil {
		o.logger.Warn("session lookup failed",
			zap.String("strategy", s.Name()), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return &sess, true
}

func (o *Orchestrator) canceledResult(ctx context.Context) harvest.AcquisitionResult {
	if errors.Is(context.Cause(ctx), harvest.ErrCanceledByOperator) {
		return harvest.AcquisitionResult{
			ErrorKind:   harvest.ErrorPermanent,
			ErrorDetail: harvest.ErrCanceledByOperator.Error(),
		}
	}
	return harvest.AcquisitionResult{
		ErrorKind:   harvest.ErrorTransient,
		ErrorDetail: "acquisition interrupted: " + ctx.Err().Error(),
	}
}

// failureResult classifies an exhausted pass. Any transient strategy error
// makes the pass transient; a pass with no real attempts at all is transient
// too, since throttled or session-less strategies may be available later.
// A pass blocked only by spent quotas is quota_exceeded so the queue can
// park the item until the reset. Only a pass where everything that ran
// failed permanently is permanent.
func (o *Orchestrator) failureResult(attempts []harvest.AttemptRecord, sawTransient, sawQuota bool) harvest.AcquisitionResult {
	errored := 0
	var details []string
	for _, a := range attempts {
		if a.Outcome == harvest.AttemptErrored || a.Outcome == harvest.AttemptRejected {
			errored++
		}
		if a.ErrorDetail != "" {
			details = append(details, a.Strategy+": "+a.ErrorDetail)
		}
	}

	kind := harvest.ErrorPermanent
	switch {
	case sawTransient || errored == 0:
		kind = harvest.ErrorTransient
	case sawQuota:
		kind = harvest.ErrorQuotaExceeded
	}

	detail := "all strategies exhausted"
	if errored == 0 {
		detail = "no strategy currently available"
	}
	if len(details) > 0 {
		detail = detail + " (" + strings.Join(details, "; ") + ")"
	}
	return harvest.AcquisitionResult{
		ErrorKind:   kind,
		ErrorDetail: detail,
	}
}

// SiteID maps a source URI onto the key used for session lookups.
func SiteID(sourceURI string) string {
	u, err := url.Parse(sourceURI)
	if err != nil || u.Host == "" {
		return sourceURI
	}
	return strings.ToLower(u.Hostname())
}
