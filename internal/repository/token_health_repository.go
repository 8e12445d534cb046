package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/circleback/sync-worker/internal/models"
)

type TokenHealthRepository struct {
	db *sql.DB
}

func NewTokenHealthRepository(db *sql.DB) *TokenHealthRepository {
	return &TokenHealthRepository{db: db}
}

// GetByPair retrieves token health for one pair, (nil, nil) when unknown
func (r *TokenHealthRepository) GetByPair(ctx context.Context, accountID string, integration models.IntegrationType) (*models.TokenHealth, error) {
	query := `
		SELECT id, account_id, integration, status, expiry_date, last_checked, error_message
		FROM token_health
		WHERE account_id = $1 AND integration = $2
	`

	var health models.TokenHealth
	err := r.db.QueryRowContext(ctx, query, accountID, integration).Scan(
		&health.ID,
		&health.AccountID,
		&health.Integration,
		&health.Status,
		&health.ExpiryDate,
		&health.LastChecked,
		&health.ErrorMessage,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token health: %w", err)
	}
	return &health, nil
}

// Upsert writes token health keyed by (account_id, integration)
func (r *TokenHealthRepository) Upsert(ctx context.Context, health *models.TokenHealth) error {
	query := `
		INSERT INTO token_health (
			id, account_id, integration, status, expiry_date, last_checked, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id, integration) DO UPDATE SET
			status = EXCLUDED.status,
			expiry_date = EXCLUDED.expiry_date,
			last_checked = EXCLUDED.last_checked,
			error_message = EXCLUDED.error_message
	`

	_, err := r.db.ExecContext(ctx, query,
		health.ID,
		health.AccountID,
		health.Integration,
		health.Status,
		health.ExpiryDate,
		health.LastChecked,
		health.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert token health: %w", err)
	}
	return nil
}
