package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/circleback/sync-worker/internal/models"
)

type SyncScheduleRepository struct {
	db *sql.DB
}

func NewSyncScheduleRepository(db *sql.DB) *SyncScheduleRepository {
	return &SyncScheduleRepository{db: db}
}

const scheduleColumns = `
	id, account_id, integration, status,
	current_frequency_mins, default_frequency_mins, min_frequency_mins, max_frequency_mins,
	consecutive_no_change, last_sync_at, next_sync_at, onboarding_until, running_since,
	created_at, updated_at
`

// Create inserts a new schedule for a freshly connected (account, integration) pair
func (r *SyncScheduleRepository) Create(ctx context.Context, schedule models.SyncSchedule) error {
	query := `
		INSERT INTO sync_schedule (` + scheduleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err := r.db.ExecContext(ctx, query,
		schedule.ID,
		schedule.AccountID,
		schedule.Integration,
		schedule.Status,
		schedule.CurrentFrequencyMin,
		schedule.DefaultFrequencyMin,
		schedule.MinFrequencyMin,
		schedule.MaxFrequencyMin,
		schedule.ConsecutiveNoChange,
		schedule.LastSyncAt,
		schedule.NextSyncAt,
		schedule.OnboardingUntil,
		schedule.RunningSince,
		schedule.CreatedAt,
		schedule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sync schedule: %w", err)
	}
	return nil
}

// ClaimDue atomically selects due idle schedules and marks them running.
// FOR UPDATE SKIP LOCKED keeps two scheduler workers from claiming the same
// (account, integration) pair.
func (r *SyncScheduleRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]models.SyncSchedule, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		SELECT ` + scheduleColumns + `
		FROM sync_schedule
		WHERE status = $1 AND next_sync_at <= $2
		ORDER BY next_sync_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.QueryContext(ctx, query, models.ScheduleIdle, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due schedules: %w", err)
	}

	schedules, err := scanSchedules(rows)
	if err != nil {
		return nil, err
	}

	for i := range schedules {
		running := now
		schedules[i].Status = models.ScheduleRunning
		schedules[i].RunningSince = &running

		_, err := tx.ExecContext(ctx,
			`UPDATE sync_schedule SET status = $1, running_since = $2, updated_at = $3 WHERE id = $4`,
			models.ScheduleRunning, now, now, schedules[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to mark schedule %s running: %w", schedules[i].ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim transaction: %w", err)
	}
	return schedules, nil
}

// ClaimByPair claims a single schedule regardless of next_sync_at, for
// webhook and manual triggers. Returns (nil, nil) when the pair has no
// schedule or it is already running.
func (r *SyncScheduleRepository) ClaimByPair(ctx context.Context, accountID string, integration models.IntegrationType, now time.Time) (*models.SyncSchedule, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		SELECT ` + scheduleColumns + `
		FROM sync_schedule
		WHERE account_id = $1 AND integration = $2 AND status = $3
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.QueryContext(ctx, query, accountID, integration, models.ScheduleIdle)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule: %w", err)
	}

	schedules, err := scanSchedules(rows)
	if err != nil {
		return nil, err
	}
	if len(schedules) == 0 {
		return nil, nil
	}

	schedule := schedules[0]
	running := now
	schedule.Status = models.ScheduleRunning
	schedule.RunningSince = &running

	_, err = tx.ExecContext(ctx,
		`UPDATE sync_schedule SET status = $1, running_since = $2, updated_at = $3 WHERE id = $4`,
		models.ScheduleRunning, now, now, schedule.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mark schedule %s running: %w", schedule.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim transaction: %w", err)
	}
	return &schedule, nil
}

// GetByPair retrieves the schedule for one (account, integration) pair
func (r *SyncScheduleRepository) GetByPair(ctx context.Context, accountID string, integration models.IntegrationType) (*models.SyncSchedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM sync_schedule
		WHERE account_id = $1 AND integration = $2
	`

	rows, err := r.db.QueryContext(ctx, query, accountID, integration)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule: %w", err)
	}

	schedules, err := scanSchedules(rows)
	if err != nil {
		return nil, err
	}
	if len(schedules) == 0 {
		return nil, nil
	}
	return &schedules[0], nil
}

// Release writes back the adapted schedule after a sync attempt and returns
// it to idle.
func (r *SyncScheduleRepository) Release(ctx context.Context, schedule *models.SyncSchedule) error {
	query := `
		UPDATE sync_schedule
		SET status = $1,
		    current_frequency_mins = $2,
		    consecutive_no_change = $3,
		    last_sync_at = $4,
		    next_sync_at = $5,
		    running_since = NULL,
		    updated_at = $6
		WHERE id = $7
	`

	_, err := r.db.ExecContext(ctx, query,
		models.ScheduleIdle,
		schedule.CurrentFrequencyMin,
		schedule.ConsecutiveNoChange,
		schedule.LastSyncAt,
		schedule.NextSyncAt,
		time.Now(),
		schedule.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to release schedule: %w", err)
	}
	return nil
}

// ResetStaleRunning returns schedules stuck in running (worker crash) to idle
func (r *SyncScheduleRepository) ResetStaleRunning(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE sync_schedule
		SET status = $1, running_since = NULL, updated_at = $2
		WHERE status = $3 AND running_since < $4
	`

	result, err := r.db.ExecContext(ctx, query, models.ScheduleIdle, time.Now(), models.ScheduleRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale schedules: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reset schedules: %w", err)
	}
	return count, nil
}

// scanSchedules scans database rows into a SyncSchedule slice
func scanSchedules(rows *sql.Rows) ([]models.SyncSchedule, error) {
	defer rows.Close()

	var schedules []models.SyncSchedule
	for rows.Next() {
		var s models.SyncSchedule
		err := rows.Scan(
			&s.ID,
			&s.AccountID,
			&s.Integration,
			&s.Status,
			&s.CurrentFrequencyMin,
			&s.DefaultFrequencyMin,
			&s.MinFrequencyMin,
			&s.MaxFrequencyMin,
			&s.ConsecutiveNoChange,
			&s.LastSyncAt,
			&s.NextSyncAt,
			&s.OnboardingUntil,
			&s.RunningSince,
			&s.CreatedAt,
			&s.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return schedules, nil
}
