package models

import "time"

type NotificationKind string

const (
	NotificationTokenHealth NotificationKind = "token_health"
)

type NotificationChannel string

const (
	ChannelSMS   NotificationChannel = "sms"
	ChannelEmail NotificationChannel = "email"
)

// Notification is a user-facing alert raised by the worker, e.g. when an
// account's token expires and syncing stops. Deduplicated by the
// unresolved-notification check before insert.
type Notification struct {
	ID          string              `gorm:"column:id;primaryKey"`
	AccountID   string              `gorm:"column:account_id;index"`
	Kind        NotificationKind    `gorm:"column:kind"`
	Integration IntegrationType     `gorm:"column:integration"`
	Channel     NotificationChannel `gorm:"column:channel"`
	Message     string              `gorm:"column:message"`
	ResolvedAt  *time.Time          `gorm:"column:resolved_at"`
	CreatedAt   time.Time           `gorm:"column:created_at"`
}

// TableName specifies the table name for GORM
func (Notification) TableName() string {
	return "notification"
}
