package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/circleback/sync-worker/internal/models"
)

type WebhookSubscriptionRepository struct {
	db *sql.DB
}

func NewWebhookSubscriptionRepository(db *sql.DB) *WebhookSubscriptionRepository {
	return &WebhookSubscriptionRepository{db: db}
}

const subscriptionColumns = `
	id, account_id, integration, channel_id, resource_id, resource_uri,
	verification_token, expiration, created_at, updated_at
`

// GetByAccount retrieves the active subscription for an account, (nil, nil)
// when the account has none
func (r *WebhookSubscriptionRepository) GetByAccount(ctx context.Context, accountID string) (*models.WebhookSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM webhook_subscription
		WHERE account_id = $1
	`
	return r.queryOne(ctx, query, accountID)
}

// GetByChannelID retrieves a subscription by its provider channel id
func (r *WebhookSubscriptionRepository) GetByChannelID(ctx context.Context, channelID string) (*models.WebhookSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM webhook_subscription
		WHERE channel_id = $1
	`
	return r.queryOne(ctx, query, channelID)
}

// Upsert replaces the account's subscription. The account_id unique
// constraint enforces at most one active subscription per account.
func (r *WebhookSubscriptionRepository) Upsert(ctx context.Context, sub *models.WebhookSubscription) error {
	query := `
		INSERT INTO webhook_subscription (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (account_id) DO UPDATE SET
			integration = EXCLUDED.integration,
			channel_id = EXCLUDED.channel_id,
			resource_id = EXCLUDED.resource_id,
			resource_uri = EXCLUDED.resource_uri,
			verification_token = EXCLUDED.verification_token,
			expiration = EXCLUDED.expiration,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		sub.ID,
		sub.AccountID,
		sub.Integration,
		sub.ChannelID,
		sub.ResourceID,
		sub.ResourceURI,
		sub.VerificationToken,
		sub.Expiration,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert webhook subscription: %w", err)
	}
	return nil
}

// Delete removes an account's subscription
func (r *WebhookSubscriptionRepository) Delete(ctx context.Context, accountID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM webhook_subscription WHERE account_id = $1`, accountID)
	if err != nil {
		return fmt.Errorf("failed to delete webhook subscription: %w", err)
	}
	return nil
}

// ListExpiringBefore retrieves subscriptions whose expiration falls before
// the cutoff, oldest first, for the renewal sweep
func (r *WebhookSubscriptionRepository) ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]models.WebhookSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM webhook_subscription
		WHERE expiration < $1
		ORDER BY expiration ASC
	`

	rows, err := r.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.WebhookSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return subs, nil
}

func (r *WebhookSubscriptionRepository) queryOne(ctx context.Context, query string, arg interface{}) (*models.WebhookSubscription, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook subscription: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("rows iteration error: %w", err)
		}
		return nil, nil
	}
	return scanSubscription(rows)
}

func scanSubscription(rows *sql.Rows) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	err := rows.Scan(
		&sub.ID,
		&sub.AccountID,
		&sub.Integration,
		&sub.ChannelID,
		&sub.ResourceID,
		&sub.ResourceURI,
		&sub.VerificationToken,
		&sub.Expiration,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan webhook subscription: %w", err)
	}
	return &sub, nil
}
