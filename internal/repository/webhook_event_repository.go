package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/circleback/sync-worker/internal/models"
)

// WebhookEventRepository appends audit rows for inbound push notifications.
type WebhookEventRepository struct {
	db *sql.DB
}

func NewWebhookEventRepository(db *sql.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// Create appends one audit row
func (r *WebhookEventRepository) Create(ctx context.Context, event models.WebhookEvent) error {
	query := `
		INSERT INTO webhook_event (
			id, channel_id, resource_id, resource_state, result, detail, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		event.ID,
		event.ChannelID,
		event.ResourceID,
		event.ResourceState,
		event.Result,
		event.Detail,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create webhook event: %w", err)
	}
	return nil
}
