package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/circleback/sync-worker/internal/models"
)

type NotificationRepository struct {
	db *sql.DB
}

func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// HasUnresolved reports whether the account already has an open notification
// of this kind for the integration. Used to deduplicate alerts.
func (r *NotificationRepository) HasUnresolved(ctx context.Context, accountID string, kind models.NotificationKind, integration models.IntegrationType) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM notification
			WHERE account_id = $1 AND kind = $2 AND integration = $3 AND resolved_at IS NULL
		)
	`

	var exists bool
	err := r.db.QueryRowContext(ctx, query, accountID, kind, integration).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check unresolved notifications: %w", err)
	}
	return exists, nil
}

// Create inserts a new notification
func (r *NotificationRepository) Create(ctx context.Context, n models.Notification) error {
	query := `
		INSERT INTO notification (
			id, account_id, kind, integration, channel, message, resolved_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(ctx, query,
		n.ID, n.AccountID, n.Kind, n.Integration, n.Channel, n.Message, n.ResolvedAt, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

// ResolveAll marks every open notification of this kind resolved, e.g. after
// the user reconnects an expired token
func (r *NotificationRepository) ResolveAll(ctx context.Context, accountID string, kind models.NotificationKind, integration models.IntegrationType) error {
	query := `
		UPDATE notification
		SET resolved_at = $1
		WHERE account_id = $2 AND kind = $3 AND integration = $4 AND resolved_at IS NULL
	`

	_, err := r.db.ExecContext(ctx, query, time.Now(), accountID, kind, integration)
	if err != nil {
		return fmt.Errorf("failed to resolve notifications: %w", err)
	}
	return nil
}
