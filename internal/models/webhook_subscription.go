package models

import "time"

// WebhookSubscription is an active Google push-notification channel for an
// account. At most one active subscription exists per account; it must be
// renewed before expiration (Google channels live ~7 days).
type WebhookSubscription struct {
	ID                string          `gorm:"column:id;primaryKey"`
	AccountID         string          `gorm:"column:account_id;uniqueIndex"`
	Integration       IntegrationType `gorm:"column:integration"`
	ChannelID         string          `gorm:"column:channel_id;uniqueIndex"`
	ResourceID        string          `gorm:"column:resource_id"`
	ResourceURI       string          `gorm:"column:resource_uri"`
	VerificationToken string          `gorm:"column:verification_token"`
	Expiration        time.Time       `gorm:"column:expiration;index"`
	CreatedAt         time.Time       `gorm:"column:created_at"`
	UpdatedAt         time.Time       `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (WebhookSubscription) TableName() string {
	return "webhook_subscription"
}
