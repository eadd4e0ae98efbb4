package headless

import (
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
)

func TestNewLimiterValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{MaxParallel: -1}); err == nil {
		t.Fatal("expected error for negative max parallel")
	}
	s, err := New(Config{MaxParallel: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()
	if cap(s.limiter) != 2 {
		t.Fatalf("expected limiter capacity 2, got %d", cap(s.limiter))
	}
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	s, err := New(Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	if s.Name() != "headless_render" {
		t.Fatalf("unexpected default name %q", s.Name())
	}
	if s.CostTier() != 2 {
		t.Fatalf("unexpected default tier %d", s.CostTier())
	}
	if s.RequiresSession() {
		t.Fatal("headless strategy must not require a session")
	}
	if s.cfg.NavigationTimeout != 45*time.Second {
		t.Fatalf("unexpected default timeout %v", s.cfg.NavigationTimeout)
	}
}

func TestResponseMetaCapturesDocumentStatus(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 500},
	})
	if got := meta.statusOrOK(); got != 200 {
		t.Fatalf("non-document events must be ignored, got status %d", got)
	}

	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 404},
	})
	if got := meta.statusOrOK(); got != 404 {
		t.Fatalf("expected captured status 404, got %d", got)
	}
}

func TestSlotLimiterNeverBlocksWhenUnbounded(t *testing.T) {
	t.Parallel()

	s, err := New(Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	// MaxParallel 0 means no limiter at all.
	for range 10 {
		if err := s.acquireSlot(t.Context()); err != nil {
			t.Fatalf("unexpected slot error: %v", err)
		}
	}
	s.releaseSlot()
}
