package models

import "time"

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalAccepted ProposalStatus = "accepted"
	ProposalDeclined ProposalStatus = "declined"
)

// TimeProposal is a suggested meeting window for an account. Acceptance is
// guarded two ways: the row carries a version for optimistic updates, and the
// accept flow holds a per-account advisory lock while checking that no other
// accepted proposal overlaps the window.
type TimeProposal struct {
	ID          string         `gorm:"column:id;primaryKey"`
	AccountID   string         `gorm:"column:account_id;index"`
	ContactName string         `gorm:"column:contact_name"`
	WindowStart time.Time      `gorm:"column:window_start"`
	WindowEnd   time.Time      `gorm:"column:window_end"`
	Status      ProposalStatus `gorm:"column:status;index"`
	Version     int64          `gorm:"column:version"`
	CreatedAt   time.Time      `gorm:"column:created_at"`
	UpdatedAt   time.Time      `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (TimeProposal) TableName() string {
	return "time_proposal"
}

// Overlaps reports whether two half-open windows [start, end) intersect.
func (p TimeProposal) Overlaps(start, end time.Time) bool {
	return p.WindowStart.Before(end) && start.Before(p.WindowEnd)
}
