// Package session stores per-site authenticated state with expiry.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// Store is the in-memory session store. Sessions are replaced whole under the
// write lock, so readers never observe partially written credentials. Login
// itself happens elsewhere; strategies write the resulting session back here.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]harvest.Session
	clock    harvest.Clock
}

// NewStore creates an empty Store.
func NewStore(clock harvest.Clock) *Store {
	return &Store{
		sessions: make(map[string]harvest.Session),
		clock:    clock,
	}
}

// Get returns the session for a site. An expired session is logically absent.
func (s *Store) Get(_ context.Context, siteID string) (harvest.Session, bool, error) {
	s.mu.RLock()
	sess, ok := s.sessions[siteID]
	s.mu.RUnlock()

	if !ok || sess.Expired(s.clock.Now()) {
		return harvest.Session{}, false, nil
	}
	return sess, true, nil
}

// Put atomically replaces the session for a site.
func (s *Store) Put(_ context.Context, sess harvest.Session) error {
	if sess.SiteID == "" {
		return fmt.Errorf("session site_id is required")
	}
	s.mu.Lock()
	s.sessions[sess.SiteID] = sess
	s.mu.Unlock()
	return nil
}

// Invalidate removes the session for a site.
func (s *Store) Invalidate(_ context.Context, siteID string) error {
	s.mu.Lock()
	delete(s.sessions, siteID)
	s.mu.Unlock()
	return nil
}
