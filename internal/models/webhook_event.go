package models

import "time"

type WebhookEventResult string

const (
	WebhookEventSuccess WebhookEventResult = "success"
	WebhookEventFailure WebhookEventResult = "failure"
	WebhookEventIgnored WebhookEventResult = "ignored"
)

// WebhookEvent is an append-only audit row for every inbound push
// notification, accepted or not.
type WebhookEvent struct {
	ID            string             `gorm:"column:id;primaryKey"`
	ChannelID     string             `gorm:"column:channel_id;index"`
	ResourceID    string             `gorm:"column:resource_id"`
	ResourceState string             `gorm:"column:resource_state"`
	Result        WebhookEventResult `gorm:"column:result"`
	Detail        *string            `gorm:"column:detail"`
	CreatedAt     time.Time          `gorm:"column:created_at"`
}

// TableName specifies the table name for GORM
func (WebhookEvent) TableName() string {
	return "webhook_event"
}
