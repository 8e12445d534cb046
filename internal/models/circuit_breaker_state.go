package models

import "time"

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"    // Calls pass through
	BreakerOpen     BreakerState = "open"      // Calls rejected until next_retry_at
	BreakerHalfOpen BreakerState = "half_open" // One probe call allowed
)

// CircuitBreakerState persists breaker state for one (account, integration) pair.
// Created lazily on the first recorded failure.
type CircuitBreakerState struct {
	ID                string          `gorm:"column:id;primaryKey"`
	AccountID         string          `gorm:"column:account_id;index:idx_breaker_pair,unique"`
	Integration       IntegrationType `gorm:"column:integration;index:idx_breaker_pair,unique"`
	State             BreakerState    `gorm:"column:state"`
	FailureCount      int             `gorm:"column:failure_count"`
	LastFailureAt     *time.Time      `gorm:"column:last_failure_at"`
	LastFailureReason *string         `gorm:"column:last_failure_reason"`
	OpenedAt          *time.Time      `gorm:"column:opened_at"`
	NextRetryAt       *time.Time      `gorm:"column:next_retry_at"`
	UpdatedAt         time.Time       `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (CircuitBreakerState) TableName() string {
	return "circuit_breaker_state"
}
