package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// PostgresStore persists sessions in the site_sessions table so authenticated
// state survives restarts:
//
//	CREATE TABLE site_sessions (
//	    site_id    TEXT PRIMARY KEY,
//	    credential BYTEA NOT NULL,
//	    expires_at TIMESTAMPTZ NOT NULL
//	);
type PostgresStore struct {
	pool  *pgxpool.Pool
	clock harvest.Clock
}

// NewPostgresStore creates a store over an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool, clock harvest.Clock) *PostgresStore {
	return &PostgresStore{pool: pool, clock: clock}
}

// Get returns the stored session for a site, treating expiry as absence.
func (s *PostgresStore) Get(ctx context.Context, siteID string) (harvest.Session, bool, error) {
	var sess harvest.Session
	query := `SELECT site_id, credential, expires_at FROM site_sessions WHERE site_id = $1`
	err := s.pool.QueryRow(ctx, query, siteID).Scan(&sess.SiteID, &sess.Credential, &sess.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.Session{}, false, nil
	}
	if err != nil {
		return harvest.Session{}, false, fmt.Errorf("query session: %w", err)
	}
	if sess.Expired(s.clock.Now()) {
		return harvest.Session{}, false, nil
	}
	return sess, true, nil
}

// Put upserts the session in one statement, so concurrent readers see either
// the old or the new row, never a mix.
func (s *PostgresStore) Put(ctx context.Context, sess harvest.Session) error {
	if sess.SiteID == "" {
		return fmt.Errorf("session site_id is required")
	}
	query := `
		INSERT INTO site_sessions (site_id, credential, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (site_id) DO UPDATE
		SET credential = EXCLUDED.credential, expires_at = EXCLUDED.expires_at;
	`
	if _, err := s.pool.Exec(ctx, query, sess.SiteID, sess.Credential, sess.ExpiresAt); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// Invalidate deletes the session row for a site.
func (s *PostgresStore) Invalidate(ctx context.Context, siteID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM site_sessions WHERE site_id = $1`, siteID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
