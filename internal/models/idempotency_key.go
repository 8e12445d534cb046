package models

import "time"

// IdempotencyKey stores the cached result of a previously executed operation,
// keyed by the deterministic semantic identity of the request. Rows expire
// after a fixed TTL and are removed by a lazy sweep.
type IdempotencyKey struct {
	Key          string    `gorm:"column:key;primaryKey"`
	CachedResult []byte    `gorm:"column:cached_result"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	ExpiresAt    time.Time `gorm:"column:expires_at;index"`
}

// TableName specifies the table name for GORM
func (IdempotencyKey) TableName() string {
	return "idempotency_key"
}
