// Package worker implements the acquisition execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/metrics"
)

// Acquirer runs one cascading pass over the strategy chain for a request.
type Acquirer interface {
	Acquire(ctx context.Context, req harvest.AcquisitionRequest) (harvest.AcquisitionResult, []harvest.AttemptRecord)
}

// Config controls Pool behavior.
type Config struct {
	Count        int
	PollInterval time.Duration
	CancelPoll   time.Duration
	ClaimLease   time.Duration
	ReapInterval time.Duration
	ContentType  string
	BlobPrefix   string
}

func (c Config) withDefaults() Config {
	if c.Count <= 0 {
		c.Count = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.CancelPoll <= 0 {
		c.CancelPoll = time.Second
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = 10 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Minute
	}
	if c.ContentType == "" {
		c.ContentType = "text/html; charset=utf-8"
	}
	return c
}

// Pool consumes queue items and executes the acquisition pipeline.
type Pool struct {
	queue     harvest.Queue
	acquirer  Acquirer
	blobStore harvest.BlobStore
	publisher harvest.Publisher
	hasher    harvest.Hasher
	clock     harvest.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Pool. publisher may be nil when no downstream topic is
// configured.
func New(
	queue harvest.Queue,
	acquirer Acquirer,
	blobStore harvest.BlobStore,
	publisher harvest.Publisher,
	hasher harvest.Hasher,
	clock harvest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	return &Pool{
		queue:     queue,
		acquirer:  acquirer,
		blobStore: blobStore,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes. It also runs
// the stale-claim reaper so items claimed by crashed workers return to the
// queue.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range p.cfg.Count {
		g.Go(func() error {
			p.consume(ctx, i)
			return nil
		})
	}
	g.Go(func() error {
		p.reapLoop(ctx)
		return nil
	})
	return g.Wait()
}

func (p *Pool) consume(ctx context.Context, id int) {
	logger := p.logger.With(zap.Int("worker", id))
	for {
		item, err := p.queue.DequeueReady(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, harvest.ErrNoReadyItems):
			if !sleep(ctx, p.cfg.PollInterval) {
				return
			}
			continue
		case err != nil:
			logger.Error("dequeue failed", zap.Error(err))
			if !sleep(ctx, p.cfg.PollInterval) {
				return
			}
			continue
		}
		logger.Debug("item claimed", zap.String("item_id", item.ID))
		p.process(ctx, item, logger)
	}
}

func (p *Pool) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.ReapStale(ctx, p.cfg.ClaimLease)
			if err != nil {
				p.logger.Error("reap stale claims failed", zap.Error(err))
				continue
			}
			metrics.ObserveStaleClaims(n)
		}
	}
}

func (p *Pool) process(ctx context.Context, item harvest.QueueItem, logger *zap.Logger) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	itemCtx, cancel := context.WithCancelCause(ctx)
	stopProbe := p.watchCancel(itemCtx, cancel, item.ID)
	res, attempts := p.acquirer.Acquire(itemCtx, item.Request)
	stopProbe()
	cancel(nil)

	for _, a := range attempts {
		metrics.ObserveAttempt(a.Strategy, string(a.Outcome), a.Duration)
	}

	// Reporting must survive the item context; a shutdown mid-flight should
	// not strand the item in_progress until the reaper finds it.
	reportCtx := context.WithoutCancel(ctx)

	blobURI := ""
	if res.Success {
		uri, err := p.persist(reportCtx, item, res.Content)
		if err != nil {
			logger.Error("persist content failed",
				zap.String("item_id", item.ID), zap.Error(err))
			res = harvest.AcquisitionResult{
				ErrorKind:   harvest.ErrorTransient,
				ErrorDetail: fmt.Sprintf("store content: %v", err),
			}
		} else {
			blobURI = uri
		}
	}

	updated, err := p.queue.ReportResult(reportCtx, item.ID, res, attempts)
	if err != nil {
		logger.Error("report result failed",
			zap.String("item_id", item.ID), zap.Error(err))
		return
	}
	metrics.ObserveItem(string(updated.Status))

	if updated.Status.Terminal() {
		p.publishTerminal(reportCtx, updated, res, blobURI, logger)
	}
}

// watchCancel polls the operator cancel flag while the item is in flight and
// cancels the item context with the operator cause when it is set.
func (p *Pool) watchCancel(ctx context.Context, cancel context.CancelCauseFunc, id string) func() {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(p.cfg.CancelPoll)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				flagged, err := p.queue.CancelRequested(ctx, id)
				if err != nil {
					continue
				}
				if flagged {
					cancel(harvest.ErrCanceledByOperator)
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func (p *Pool) persist(ctx context.Context, item harvest.QueueItem, content []byte) (string, error) {
	hash, err := p.hasher.Hash(content)
	if err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	uri, err := p.blobStore.PutObject(ctx, p.blobPath(item.Request.ContentHint, hash), p.cfg.ContentType, content)
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return uri, nil
}

func (p *Pool) blobPath(hint harvest.ContentHint, hash string) string {
	prefix := strings.Trim(p.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", hint, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, hint, hash)
}

func (p *Pool) publishTerminal(
	ctx context.Context,
	item harvest.QueueItem,
	res harvest.AcquisitionResult,
	blobURI string,
	logger *zap.Logger,
) {
	if p.publisher == nil {
		return
	}
	event := harvest.TerminalEvent{
		ItemID:       item.ID,
		SourceURI:    item.Request.SourceURI,
		Status:       item.Status,
		BlobURI:      blobURI,
		StrategyUsed: res.StrategyUsed,
		QualityScore: res.QualityScore,
		ErrorKind:    item.LastErrorKind,
		ErrorDetail:  item.LastErrorText,
		At:           p.clock.Now(),
	}
	if _, err := p.publisher.Publish(ctx, event); err != nil {
		logger.Error("publish terminal event failed",
			zap.String("item_id", item.ID), zap.Error(err))
		return
	}
	logger.Info("terminal event published",
		zap.String("item_id", item.ID),
		zap.String("status", string(item.Status)),
		zap.String("blob_uri", blobURI))
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
