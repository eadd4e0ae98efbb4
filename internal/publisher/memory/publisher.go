// Package memory contains an in-memory publisher implementation for tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// Publisher stores published events for inspection.
type Publisher struct {
	mu     sync.RWMutex
	events []harvest.TerminalEvent
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the event and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, event harvest.TerminalEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return fmt.Sprintf("memory-%d", len(p.events)), nil
}

// Events returns the recorded publishes.
func (p *Publisher) Events() []harvest.TerminalEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]harvest.TerminalEvent, len(p.events))
	copy(out, p.events)
	return out
}
