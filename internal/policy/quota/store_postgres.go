package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists quota counters in the strategy_quota table:
//
//	CREATE TABLE strategy_quota (
//	    strategy   TEXT NOT NULL,
//	    period_key TEXT NOT NULL,
//	    used       INTEGER NOT NULL DEFAULT 0,
//	    PRIMARY KEY (strategy, period_key)
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store over an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Used returns the persisted counter for a strategy and period key.
func (s *PostgresStore) Used(ctx context.Context, strategy, periodKey string) (int, error) {
	var used int
	query := `SELECT used FROM strategy_quota WHERE strategy = $1 AND period_key = $2`
	err := s.pool.QueryRow(ctx, query, strategy, periodKey).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query quota counter: %w", err)
	}
	return used, nil
}

// Increment atomically bumps the counter, creating the row on first use.
func (s *PostgresStore) Increment(ctx context.Context, strategy, periodKey string) error {
	query := `
		INSERT INTO strategy_quota (strategy, period_key, used)
		VALUES ($1, $2, 1)
		ON CONFLICT (strategy, period_key) DO UPDATE
		SET used = strategy_quota.used + 1;
	`
	if _, err := s.pool.Exec(ctx, query, strategy, periodKey); err != nil {
		return fmt.Errorf("increment quota counter: %w", err)
	}
	return nil
}
