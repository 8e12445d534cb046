package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/circleback/sync-worker/internal/models"
)

// CircuitBreakerRepository persists breaker state in Postgres. It implements
// breaker.Store.
type CircuitBreakerRepository struct {
	db *sql.DB
}

func NewCircuitBreakerRepository(db *sql.DB) *CircuitBreakerRepository {
	return &CircuitBreakerRepository{db: db}
}

// Get retrieves breaker state for one pair, (nil, nil) when none exists yet
func (r *CircuitBreakerRepository) Get(ctx context.Context, accountID string, integration models.IntegrationType) (*models.CircuitBreakerState, error) {
	query := `
		SELECT id, account_id, integration, state, failure_count,
		       last_failure_at, last_failure_reason, opened_at, next_retry_at, updated_at
		FROM circuit_breaker_state
		WHERE account_id = $1 AND integration = $2
	`

	var state models.CircuitBreakerState
	err := r.db.QueryRowContext(ctx, query, accountID, integration).Scan(
		&state.ID,
		&state.AccountID,
		&state.Integration,
		&state.State,
		&state.FailureCount,
		&state.LastFailureAt,
		&state.LastFailureReason,
		&state.OpenedAt,
		&state.NextRetryAt,
		&state.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get breaker state: %w", err)
	}
	return &state, nil
}

// Save upserts breaker state keyed by (account_id, integration)
func (r *CircuitBreakerRepository) Save(ctx context.Context, state *models.CircuitBreakerState) error {
	query := `
		INSERT INTO circuit_breaker_state (
			id, account_id, integration, state, failure_count,
			last_failure_at, last_failure_reason, opened_at, next_retry_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (account_id, integration) DO UPDATE SET
			state = EXCLUDED.state,
			failure_count = EXCLUDED.failure_count,
			last_failure_at = EXCLUDED.last_failure_at,
			last_failure_reason = EXCLUDED.last_failure_reason,
			opened_at = EXCLUDED.opened_at,
			next_retry_at = EXCLUDED.next_retry_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		state.ID,
		state.AccountID,
		state.Integration,
		state.State,
		state.FailureCount,
		state.LastFailureAt,
		state.LastFailureReason,
		state.OpenedAt,
		state.NextRetryAt,
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save breaker state: %w", err)
	}
	return nil
}
