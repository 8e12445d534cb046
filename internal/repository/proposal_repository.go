package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/circleback/sync-worker/internal/locking"
	"github.com/circleback/sync-worker/internal/models"
)

var ErrProposalNotFound = errors.New("proposal not found")

type ProposalRepository struct {
	db *sql.DB
}

func NewProposalRepository(db *sql.DB) *ProposalRepository {
	return &ProposalRepository{db: db}
}

const proposalColumns = `
	id, account_id, contact_name, window_start, window_end, status, version, created_at, updated_at
`

// Create inserts a new proposal at version 1
func (r *ProposalRepository) Create(ctx context.Context, p models.TimeProposal) error {
	query := `
		INSERT INTO time_proposal (` + proposalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		p.ID, p.AccountID, p.ContactName, p.WindowStart, p.WindowEnd,
		p.Status, p.Version, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create proposal: %w", err)
	}
	return nil
}

// GetByID retrieves a proposal by ID
func (r *ProposalRepository) GetByID(ctx context.Context, id string) (*models.TimeProposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM time_proposal WHERE id = $1`

	p, err := scanProposal(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrProposalNotFound
		}
		return nil, fmt.Errorf("failed to get proposal: %w", err)
	}
	return p, nil
}

// UpdateWithVersion applies mutate to the proposal inside a single
// transaction: the row is read with an exclusive lock, the version compared
// against expectedVersion, and on match the mutation is written with the
// version incremented. A mismatch aborts with locking.OptimisticLockError and
// nothing is applied.
func (r *ProposalRepository) UpdateWithVersion(ctx context.Context, id string, expectedVersion int64, mutate func(*models.TimeProposal)) (*models.TimeProposal, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + proposalColumns + ` FROM time_proposal WHERE id = $1 FOR UPDATE`

	p, err := scanProposal(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrProposalNotFound
		}
		return nil, fmt.Errorf("failed to lock proposal: %w", err)
	}

	if p.Version != expectedVersion {
		return nil, &locking.OptimisticLockError{
			EntityType: "time_proposal",
			EntityID:   id,
			Expected:   expectedVersion,
			Actual:     p.Version,
		}
	}

	mutate(p)
	p.Version = expectedVersion + 1
	p.UpdatedAt = time.Now()

	update := `
		UPDATE time_proposal
		SET contact_name = $1, window_start = $2, window_end = $3,
		    status = $4, version = $5, updated_at = $6
		WHERE id = $7
	`

	_, err = tx.ExecContext(ctx, update,
		p.ContactName, p.WindowStart, p.WindowEnd, p.Status, p.Version, p.UpdatedAt, p.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update proposal: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit proposal update: %w", err)
	}
	return p, nil
}

// ListAcceptedOverlapping retrieves accepted proposals for the account whose
// windows intersect [start, end), excluding excludeID.
func (r *ProposalRepository) ListAcceptedOverlapping(ctx context.Context, accountID string, start, end time.Time, excludeID string) ([]models.TimeProposal, error) {
	query := `
		SELECT ` + proposalColumns + `
		FROM time_proposal
		WHERE account_id = $1
		  AND status = $2
		  AND id <> $3
		  AND window_start < $4
		  AND window_end > $5
	`

	rows, err := r.db.QueryContext(ctx, query, accountID, models.ProposalAccepted, excludeID, end, start)
	if err != nil {
		return nil, fmt.Errorf("failed to query overlapping proposals: %w", err)
	}
	defer rows.Close()

	var proposals []models.TimeProposal
	for rows.Next() {
		var p models.TimeProposal
		err := rows.Scan(
			&p.ID, &p.AccountID, &p.ContactName, &p.WindowStart, &p.WindowEnd,
			&p.Status, &p.Version, &p.CreatedAt, &p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan proposal: %w", err)
		}
		proposals = append(proposals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return proposals, nil
}

func scanProposal(row *sql.Row) (*models.TimeProposal, error) {
	var p models.TimeProposal
	err := row.Scan(
		&p.ID, &p.AccountID, &p.ContactName, &p.WindowStart, &p.WindowEnd,
		&p.Status, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
