package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/circleback/sync-worker/internal/idempotency"
)

// IdempotencyKeyRepository is the shared-store idempotency.Store used by
// multi-process deployments, where an in-memory cache would let a retried
// request land on a different worker and re-execute.
type IdempotencyKeyRepository struct {
	db *sql.DB
}

func NewIdempotencyKeyRepository(db *sql.DB) *IdempotencyKeyRepository {
	return &IdempotencyKeyRepository{db: db}
}

var _ idempotency.Store = (*IdempotencyKeyRepository)(nil)

// Check returns the cached result for key if present and unexpired
func (r *IdempotencyKeyRepository) Check(ctx context.Context, key string) ([]byte, bool, error) {
	query := `
		SELECT cached_result
		FROM idempotency_key
		WHERE key = $1 AND expires_at > $2
	`

	var result []byte
	err := r.db.QueryRowContext(ctx, query, key, time.Now()).Scan(&result)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return result, true, nil
}

// Store caches a result under key with the package TTL. A concurrent insert
// of the same key keeps the first result.
func (r *IdempotencyKeyRepository) Store(ctx context.Context, key string, result []byte) error {
	now := time.Now()
	query := `
		INSERT INTO idempotency_key (key, cached_result, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query, key, result, now, now.Add(idempotency.TTL))
	if err != nil {
		return fmt.Errorf("failed to store idempotency key: %w", err)
	}
	return nil
}

// Sweep deletes expired keys and returns how many were removed
func (r *IdempotencyKeyRepository) Sweep(ctx context.Context) (int, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_key WHERE expires_at <= $1`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep idempotency keys: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count swept keys: %w", err)
	}
	return int(count), nil
}
