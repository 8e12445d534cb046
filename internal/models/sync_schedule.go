package models

import "time"

type IntegrationType string

const (
	IntegrationContacts IntegrationType = "contacts"
	IntegrationCalendar IntegrationType = "calendar"
)

type ScheduleStatus string

const (
	ScheduleIdle    ScheduleStatus = "idle"    // Waiting for next_sync_at
	ScheduleRunning ScheduleStatus = "running" // A worker is currently syncing this pair
)

// SyncSchedule holds the adaptive polling state for one (account, integration) pair.
// Frequencies are intervals in minutes: min_frequency_mins is the LONGEST allowed
// interval, max_frequency_mins the SHORTEST. The invariant is
// max_frequency_mins <= current_frequency_mins <= min_frequency_mins.
type SyncSchedule struct {
	ID                  string          `gorm:"column:id;primaryKey"`
	AccountID           string          `gorm:"column:account_id;index:idx_schedule_pair,unique"`
	Integration         IntegrationType `gorm:"column:integration;index:idx_schedule_pair,unique"`
	Status              ScheduleStatus  `gorm:"column:status;index"`
	CurrentFrequencyMin int             `gorm:"column:current_frequency_mins"`
	DefaultFrequencyMin int             `gorm:"column:default_frequency_mins"`
	MinFrequencyMin     int             `gorm:"column:min_frequency_mins"`
	MaxFrequencyMin     int             `gorm:"column:max_frequency_mins"`
	ConsecutiveNoChange int             `gorm:"column:consecutive_no_change"`
	LastSyncAt          *time.Time      `gorm:"column:last_sync_at"`
	NextSyncAt          time.Time       `gorm:"column:next_sync_at;index"`
	OnboardingUntil     *time.Time      `gorm:"column:onboarding_until"`
	RunningSince        *time.Time      `gorm:"column:running_since"`
	CreatedAt           time.Time       `gorm:"column:created_at"`
	UpdatedAt           time.Time       `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (SyncSchedule) TableName() string {
	return "sync_schedule"
}
