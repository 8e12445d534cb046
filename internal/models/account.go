package models

import "time"

// Account represents a user's connected Google account. Tokens are written by
// the OAuth consent flow in the main app; the worker only reads and refreshes
// them.
type Account struct {
	ID                   string     `gorm:"column:id;primaryKey"`
	UserID               string     `gorm:"column:user_id;index"`
	Email                string     `gorm:"column:email"`
	AccessToken          *string    `gorm:"column:access_token"`
	RefreshToken         *string    `gorm:"column:refresh_token"`
	AccessTokenExpiresAt *time.Time `gorm:"column:access_token_expires_at"`
	Scope                *string    `gorm:"column:scope"`
	ConnectedAt          time.Time  `gorm:"column:connected_at"`
	CreatedAt            time.Time  `gorm:"column:created_at"`
	UpdatedAt            time.Time  `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Account) TableName() string {
	return "account"
}
