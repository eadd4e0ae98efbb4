// Package headless implements the expensive acquisition strategy: full page
// rendering in headless Chrome via chromedp.
package headless

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// Config controls the behavior of the headless strategy.
type Config struct {
	Name              string
	Tier              int
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	Hints             []harvest.ContentHint
}

// Strategy renders pages in a shared browser allocator. MaxParallel bounds
// concurrent tabs, since each one costs real memory.
type Strategy struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a headless Strategy backed by chromedp.
func New(cfg Config) (*Strategy, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.Name == "" {
		cfg.Name = "headless_render"
	}
	if cfg.Tier <= 0 {
		cfg.Tier = 2
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Strategy{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (s *Strategy) Close() {
	s.allocCancel()
}

// Name identifies the strategy.
func (s *Strategy) Name() string { return s.cfg.Name }

// CostTier orders the strategy in the registry.
func (s *Strategy) CostTier() int { return s.cfg.Tier }

// RequiresSession reports whether a live site session is needed.
func (s *Strategy) RequiresSession() bool { return false }

// Hints returns the content hints this strategy serves.
func (s *Strategy) Hints() []harvest.ContentHint { return s.cfg.Hints }

// Attempt navigates with a headless browser and returns the fully rendered
// DOM.
func (s *Strategy) Attempt(ctx context.Context, req harvest.AcquisitionRequest, _ *harvest.Session) harvest.AcquisitionResult {
	start := time.Now()
	if err := s.acquireSlot(ctx); err != nil {
		return harvest.AcquisitionResult{
			ErrorKind:   harvest.ErrorTransient,
			ErrorDetail: err.Error(),
			Duration:    time.Since(start),
		}
	}
	defer s.releaseSlot()

	taskCtx, taskCancel := chromedp.NewContext(s.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, s.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { cancel() })
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	html, err := s.render(taskCtx, req.SourceURI)
	if err != nil {
		return harvest.AcquisitionResult{
			ErrorKind:   harvest.ErrorTransient,
			ErrorDetail: err.Error(),
			Duration:    time.Since(start),
		}
	}

	status := meta.statusOrOK()
	if kind := harvest.ClassifyStatus(status); kind != harvest.ErrorNone {
		return harvest.AcquisitionResult{
			ErrorKind:   kind,
			ErrorDetail: fmt.Sprintf("rendered with upstream status %d", status),
			Duration:    time.Since(start),
		}
	}

	return harvest.AcquisitionResult{
		Success:  true,
		Content:  []byte(html),
		Duration: time.Since(start),
	}
}

func (s *Strategy) render(ctx context.Context, uri string) (string, error) {
	var html string
	actions := []chromedp.Action{
		s.networkSetupAction(),
		chromedp.Navigate(uri),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, nil
}

func (s *Strategy) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (s *Strategy) acquireSlot(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	select {
	case s.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (s *Strategy) releaseSlot() {
	if s.limiter == nil {
		return
	}
	select {
	case <-s.limiter:
	default:
	}
}

// responseMeta captures the document response status from CDP network events.
type responseMeta struct {
	mu     sync.RWMutex
	status int
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.mu.Unlock()
}

// status defaults to 200 when no document event was observed, which happens
// for cached or about: navigations.
func (m *responseMeta) statusOrOK() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status == 0 {
		return 200
	}
	return m.status
}
