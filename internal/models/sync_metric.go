package models

import "time"

type SyncType string

const (
	SyncTypeFull             SyncType = "full"
	SyncTypeIncremental      SyncType = "incremental"
	SyncTypeWebhookTriggered SyncType = "webhook_triggered"
	SyncTypeManual           SyncType = "manual"
)

type SyncResultKind string

const (
	SyncResultSuccess SyncResultKind = "success"
	SyncResultFailure SyncResultKind = "failure"
	SyncResultSkipped SyncResultKind = "skipped"
)

// Skip reasons recorded on skipped sync metrics.
const (
	SkipReasonInvalidToken       = "invalid_token"
	SkipReasonCircuitBreakerOpen = "circuit_breaker_open"
	SkipReasonRateLimited        = "rate_limited"
)

// SyncMetric is an append-only record of one sync attempt. Never mutated
// after insert; consumed only by aggregation queries.
type SyncMetric struct {
	ID             string          `gorm:"column:id;primaryKey"`
	AccountID      string          `gorm:"column:account_id;index"`
	Integration    IntegrationType `gorm:"column:integration;index"`
	SyncType       SyncType        `gorm:"column:sync_type"`
	Result         SyncResultKind  `gorm:"column:result;index"`
	SkipReason     *string         `gorm:"column:skip_reason"`
	DurationMs     int64           `gorm:"column:duration_ms"`
	ItemsProcessed int             `gorm:"column:items_processed"`
	APICallsMade   int             `gorm:"column:api_calls_made"`
	APICallsSaved  int             `gorm:"column:api_calls_saved"`
	CreatedAt      time.Time       `gorm:"column:created_at;index"`
}

// TableName specifies the table name for GORM
func (SyncMetric) TableName() string {
	return "sync_metric"
}
