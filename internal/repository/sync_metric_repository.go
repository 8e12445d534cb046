package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/circleback/sync-worker/internal/models"
)

type SyncMetricRepository struct {
	db *sql.DB
}

func NewSyncMetricRepository(db *sql.DB) *SyncMetricRepository {
	return &SyncMetricRepository{db: db}
}

// Create appends one sync metric row. Metrics are never updated.
func (r *SyncMetricRepository) Create(ctx context.Context, metric models.SyncMetric) error {
	query := `
		INSERT INTO sync_metric (
			id, account_id, integration, sync_type, result, skip_reason,
			duration_ms, items_processed, api_calls_made, api_calls_saved, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.db.ExecContext(ctx, query,
		metric.ID,
		metric.AccountID,
		metric.Integration,
		metric.SyncType,
		metric.Result,
		metric.SkipReason,
		metric.DurationMs,
		metric.ItemsProcessed,
		metric.APICallsMade,
		metric.APICallsSaved,
		metric.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sync metric: %w", err)
	}
	return nil
}

// SyncSummary is the aggregation surface consumed by the ops dashboard.
type SyncSummary struct {
	Total           int64            `json:"total"`
	Success         int64            `json:"success"`
	Failure         int64            `json:"failure"`
	Skipped         int64            `json:"skipped"`
	SuccessRate     float64          `json:"success_rate"`
	APICallsMade    int64            `json:"api_calls_made"`
	APICallsSaved   int64            `json:"api_calls_saved"`
	CallReductionPc float64          `json:"call_reduction_pct"`
	SkipReasons     map[string]int64 `json:"skip_reasons"`
}

// Summarize aggregates metrics recorded at or after since.
func (r *SyncMetricRepository) Summarize(ctx context.Context, since time.Time) (*SyncSummary, error) {
	summary := &SyncSummary{SkipReasons: make(map[string]int64)}

	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE result = 'success'),
			COUNT(*) FILTER (WHERE result = 'failure'),
			COUNT(*) FILTER (WHERE result = 'skipped'),
			COALESCE(SUM(api_calls_made), 0),
			COALESCE(SUM(api_calls_saved), 0)
		FROM sync_metric
		WHERE created_at >= $1
	`

	err := r.db.QueryRowContext(ctx, query, since).Scan(
		&summary.Total,
		&summary.Success,
		&summary.Failure,
		&summary.Skipped,
		&summary.APICallsMade,
		&summary.APICallsSaved,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate sync metrics: %w", err)
	}

	attempted := summary.Success + summary.Failure
	if attempted > 0 {
		summary.SuccessRate = float64(summary.Success) / float64(attempted)
	}
	totalCalls := summary.APICallsMade + summary.APICallsSaved
	if totalCalls > 0 {
		summary.CallReductionPc = float64(summary.APICallsSaved) / float64(totalCalls) * 100
	}

	breakdown := `
		SELECT skip_reason, COUNT(*)
		FROM sync_metric
		WHERE created_at >= $1 AND result = 'skipped' AND skip_reason IS NOT NULL
		GROUP BY skip_reason
	`

	rows, err := r.db.QueryContext(ctx, breakdown, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate skip reasons: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var reason string
		var count int64
		if err := rows.Scan(&reason, &count); err != nil {
			return nil, fmt.Errorf("failed to scan skip reason: %w", err)
		}
		summary.SkipReasons[reason] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return summary, nil
}
