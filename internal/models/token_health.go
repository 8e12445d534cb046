package models

import "time"

type TokenStatus string

const (
	TokenValid        TokenStatus = "valid"
	TokenExpiringSoon TokenStatus = "expiring_soon"
	TokenExpired      TokenStatus = "expired"
	TokenRevoked      TokenStatus = "revoked"
	TokenUnknown      TokenStatus = "unknown"
)

// TokenHealth tracks OAuth token state per (account, integration). Expired or
// revoked tokens short-circuit syncs to a skipped outcome instead of hitting
// the provider with a call that is guaranteed to 401.
type TokenHealth struct {
	ID           string          `gorm:"column:id;primaryKey"`
	AccountID    string          `gorm:"column:account_id;index:idx_token_pair,unique"`
	Integration  IntegrationType `gorm:"column:integration;index:idx_token_pair,unique"`
	Status       TokenStatus     `gorm:"column:status"`
	ExpiryDate   *time.Time      `gorm:"column:expiry_date"`
	LastChecked  time.Time       `gorm:"column:last_checked"`
	ErrorMessage *string         `gorm:"column:error_message"`
}

// TableName specifies the table name for GORM
func (TokenHealth) TableName() string {
	return "token_health"
}

// Usable reports whether a sync attempt is worth making with this token.
func (t TokenHealth) Usable() bool {
	return t.Status != TokenExpired && t.Status != TokenRevoked
}
