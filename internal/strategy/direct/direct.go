// Package direct implements the cheapest acquisition strategy: a plain HTTP
// GET through a Colly collector.
package direct

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// Config controls collector behavior.
type Config struct {
	Name       string
	Tier       int
	UserAgent  string
	Timeout    time.Duration
	Hints      []harvest.ContentHint
	UseSession bool
	AuthHeader string
}

// Strategy fetches content with a single HTTP GET. With UseSession set it
// sends the site credential on every request and is skipped by the
// orchestrator when no live session exists.
type Strategy struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a direct-fetch Strategy.
func New(cfg Config) *Strategy {
	if cfg.Name == "" {
		cfg.Name = "direct_fetch"
	}
	if cfg.Tier <= 0 {
		cfg.Tier = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = "Authorization"
	}

	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())

	return &Strategy{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Name identifies the strategy.
func (s *Strategy) Name() string { return s.cfg.Name }

// CostTier orders the strategy in the registry.
func (s *Strategy) CostTier() int { return s.cfg.Tier }

// RequiresSession reports whether a live site session is needed.
func (s *Strategy) RequiresSession() bool { return s.cfg.UseSession }

// Hints returns the content hints this strategy serves.
func (s *Strategy) Hints() []harvest.ContentHint { return s.cfg.Hints }

// Attempt executes one GET and classifies the outcome using the response
// status.
func (s *Strategy) Attempt(ctx context.Context, req harvest.AcquisitionRequest, sess *harvest.Session) harvest.AcquisitionResult {
	var (
		status   int
		body     []byte
		fetchErr error
	)

	collector := s.baseCollector.Clone()
	if s.cfg.UserAgent != "" {
		collector.UserAgent = s.cfg.UserAgent
	}
	collector.SetRequestTimeout(s.cfg.Timeout)

	collector.OnRequest(func(r *colly.Request) {
		if s.cfg.UseSession && sess != nil {
			r.Headers.Set(s.cfg.AuthHeader, string(sess.Credential))
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	start := time.Now()
	if err := s.visit(ctx, collector, req.SourceURI); err != nil && status == 0 {
		// No response status captured, so this is a transport-level failure
		// (DNS, dial, timeout, cancellation) rather than an HTTP error.
		return harvest.AcquisitionResult{
			ErrorKind:   harvest.ErrorTransient,
			ErrorDetail: err.Error(),
			Duration:    time.Since(start),
		}
	}

	kind := harvest.ClassifyStatus(status)
	if fetchErr != nil || kind != harvest.ErrorNone {
		detail := fmt.Sprintf("upstream status %d", status)
		if fetchErr != nil {
			detail = fetchErr.Error()
		}
		if kind == harvest.ErrorNone {
			kind = harvest.ErrorTransient
		}
		return harvest.AcquisitionResult{
			ErrorKind:   kind,
			ErrorDetail: detail,
			Duration:    time.Since(start),
		}
	}

	return harvest.AcquisitionResult{
		Success:  true,
		Content:  body,
		Duration: time.Since(start),
	}
}

// visit runs the collector in a goroutine so ctx cancellation is honored
// even while colly is blocked in the transport.
func (s *Strategy) visit(ctx context.Context, collector *colly.Collector, uri string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(uri)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", context.Cause(ctx))
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit %s: %w", uri, err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
