package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/circleback/sync-worker/internal/locking"
	"github.com/circleback/sync-worker/internal/models"
)

// ProposalLockTimeout bounds how long an accept waits for the per-account
// advisory lock before giving up with a try-again-later error.
const ProposalLockTimeout = 5 * time.Second

// SlotConflictError signals that the proposal's window overlaps an already
// accepted proposal for the same account.
type SlotConflictError struct {
	ProposalID    string
	ConflictingID string
}

func (e *SlotConflictError) Error() string {
	return fmt.Sprintf("proposal %s overlaps accepted proposal %s", e.ProposalID, e.ConflictingID)
}

// ProposalStore interface for time proposal persistence
type ProposalStore interface {
	Create(ctx context.Context, p models.TimeProposal) error
	GetByID(ctx context.Context, id string) (*models.TimeProposal, error)
	UpdateWithVersion(ctx context.Context, id string, expectedVersion int64, mutate func(*models.TimeProposal)) (*models.TimeProposal, error)
	ListAcceptedOverlapping(ctx context.Context, accountID string, start, end time.Time, excludeID string) ([]models.TimeProposal, error)
}

// ProposalService manages meeting time proposals. Acceptance serializes per
// account: concurrent accepts for overlapping windows race on an advisory
// lock, and only the first one wins the slot.
type ProposalService struct {
	proposals   ProposalStore
	locker      *locking.Locker
	lockTimeout time.Duration
}

func NewProposalService(proposals ProposalStore, locker *locking.Locker) *ProposalService {
	return &ProposalService{
		proposals:   proposals,
		locker:      locker,
		lockTimeout: ProposalLockTimeout,
	}
}

// Propose creates a pending proposal for the account.
func (s *ProposalService) Propose(ctx context.Context, accountID, contactName string, start, end time.Time) (*models.TimeProposal, error) {
	if !start.Before(end) {
		return nil, fmt.Errorf("invalid window: start %s is not before end %s", start, end)
	}

	now := time.Now()
	p := models.TimeProposal{
		ID:          uuid.New().String(),
		AccountID:   accountID,
		ContactName: contactName,
		WindowStart: start,
		WindowEnd:   end,
		Status:      models.ProposalPending,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.proposals.Create(ctx, p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Accept marks the proposal accepted if its window is still free. The whole
// check-then-accept runs under a per-account advisory lock, so two concurrent
// accepts for overlapping windows cannot both pass the overlap check. The
// write itself is versioned, which also rejects accepts racing through other
// paths.
func (s *ProposalService) Accept(ctx context.Context, proposalID string, expectedVersion int64) (*models.TimeProposal, error) {
	p, err := s.proposals.GetByID(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status == models.ProposalAccepted {
		return p, nil
	}
	if p.Status == models.ProposalDeclined {
		return nil, fmt.Errorf("proposal %s was declined", proposalID)
	}

	var accepted *models.TimeProposal
	lockKey := "proposal:" + p.AccountID
	err = s.locker.WithLock(ctx, lockKey, s.lockTimeout, func(ctx context.Context) error {
		overlapping, err := s.proposals.ListAcceptedOverlapping(ctx, p.AccountID, p.WindowStart, p.WindowEnd, p.ID)
		if err != nil {
			return err
		}
		if len(overlapping) > 0 {
			return &SlotConflictError{ProposalID: p.ID, ConflictingID: overlapping[0].ID}
		}

		accepted, err = s.proposals.UpdateWithVersion(ctx, p.ID, expectedVersion, func(p *models.TimeProposal) {
			p.Status = models.ProposalAccepted
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return accepted, nil
}

// Decline marks the proposal declined. No lock is needed; declining cannot
// steal a slot.
func (s *ProposalService) Decline(ctx context.Context, proposalID string, expectedVersion int64) (*models.TimeProposal, error) {
	return s.proposals.UpdateWithVersion(ctx, proposalID, expectedVersion, func(p *models.TimeProposal) {
		p.Status = models.ProposalDeclined
	})
}
