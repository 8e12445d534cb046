package breaker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/circleback/sync-worker/internal/models"
)

// Config tunes one breaker. Integrations can carry different thresholds; the
// default is 5 consecutive failures and a 60s cooldown.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{FailureThreshold: 5, ResetTimeout: 60 * time.Second}
}

// OpenError is returned when a call is rejected because the breaker is open.
// It never reaches the network; callers record it as a skipped sync.
type OpenError struct {
	AccountID   string
	Integration models.IntegrationType
	NextRetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s/%s until %s",
		e.AccountID, e.Integration, e.NextRetryAt.Format(time.RFC3339))
}

// Store persists breaker state per (account, integration). Get returns
// (nil, nil) when no state exists yet; state is created lazily on first
// failure.
type Store interface {
	Get(ctx context.Context, accountID string, integration models.IntegrationType) (*models.CircuitBreakerState, error)
	Save(ctx context.Context, state *models.CircuitBreakerState) error
}

// Breaker isolates failing (account, integration) pairs. State transitions:
// closed -> open when failures reach the threshold, open -> half_open when the
// cooldown elapses, half_open -> closed on probe success or -> open on probe
// failure.
type Breaker struct {
	store Store
	cfg   Config
	now   func() time.Time
}

func New(store Store, cfg Config) *Breaker {
	return &Breaker{store: store, cfg: cfg, now: time.Now}
}

// Allow decides whether a call for the pair may proceed. While open it
// returns an OpenError until the cooldown elapses, then transitions to
// half_open and lets exactly one probe through; further calls during the
// probe are rejected until another cooldown passes, at which point the
// probe is presumed lost and a fresh one is admitted. Store failures fail
// open.
func (b *Breaker) Allow(ctx context.Context, accountID string, integration models.IntegrationType) error {
	state, err := b.store.Get(ctx, accountID, integration)
	if err != nil {
		log.Printf("Breaker store unavailable for %s/%s, failing open: %v", accountID, integration, err)
		return nil
	}
	if state == nil || state.State == models.BreakerClosed {
		return nil
	}

	now := b.now()
	switch state.State {
	case models.BreakerOpen:
		if state.NextRetryAt != nil && now.Before(*state.NextRetryAt) {
			return &OpenError{AccountID: accountID, Integration: integration, NextRetryAt: *state.NextRetryAt}
		}
		// Cooldown elapsed: this caller becomes the probe. Get then Save
		// is not atomic, so two workers racing here can both be admitted;
		// the overshoot is bounded at one extra probe per cooldown.
		state.State = models.BreakerHalfOpen
		state.UpdatedAt = now
		if err := b.store.Save(ctx, state); err != nil {
			log.Printf("Failed to persist half-open transition for %s/%s: %v", accountID, integration, err)
		}
		return nil
	case models.BreakerHalfOpen:
		// A probe's outcome may never be recorded: the worker can die
		// mid-sync or the closing save can be lost. A half-open state
		// older than the cooldown is stale and yields a fresh probe
		// instead of rejecting the pair forever.
		if now.Sub(state.UpdatedAt) >= b.cfg.ResetTimeout {
			state.UpdatedAt = now
			if err := b.store.Save(ctx, state); err != nil {
				log.Printf("Failed to refresh half-open probe for %s/%s: %v", accountID, integration, err)
			}
			return nil
		}
		return &OpenError{AccountID: accountID, Integration: integration, NextRetryAt: state.UpdatedAt.Add(b.cfg.ResetTimeout)}
	}
	return nil
}

// RecordSuccess closes the breaker and resets the failure count. A success
// with no stored state is a no-op.
func (b *Breaker) RecordSuccess(ctx context.Context, accountID string, integration models.IntegrationType) error {
	state, err := b.store.Get(ctx, accountID, integration)
	if err != nil {
		return fmt.Errorf("failed to load breaker state: %w", err)
	}
	if state == nil {
		return nil
	}

	state.State = models.BreakerClosed
	state.FailureCount = 0
	state.OpenedAt = nil
	state.NextRetryAt = nil
	state.UpdatedAt = b.now()

	if err := b.store.Save(ctx, state); err != nil {
		return fmt.Errorf("failed to save breaker state: %w", err)
	}
	return nil
}

// RecordFailure increments the failure count, creating state lazily. Reaching
// the threshold, or failing the half-open probe, opens the breaker and arms
// the cooldown.
func (b *Breaker) RecordFailure(ctx context.Context, accountID string, integration models.IntegrationType, reason string) error {
	state, err := b.store.Get(ctx, accountID, integration)
	if err != nil {
		return fmt.Errorf("failed to load breaker state: %w", err)
	}

	now := b.now()
	if state == nil {
		state = &models.CircuitBreakerState{
			ID:          uuid.New().String(),
			AccountID:   accountID,
			Integration: integration,
			State:       models.BreakerClosed,
		}
	}

	state.FailureCount++
	state.LastFailureAt = &now
	state.LastFailureReason = &reason
	state.UpdatedAt = now

	if state.State == models.BreakerHalfOpen || state.FailureCount >= b.cfg.FailureThreshold {
		retryAt := now.Add(b.cfg.ResetTimeout)
		state.State = models.BreakerOpen
		state.OpenedAt = &now
		state.NextRetryAt = &retryAt
		log.Printf("Circuit breaker opened for %s/%s (failures: %d, reason: %s)",
			accountID, integration, state.FailureCount, reason)
	}

	if err := b.store.Save(ctx, state); err != nil {
		return fmt.Errorf("failed to save breaker state: %w", err)
	}
	return nil
}

// MemoryStore is an in-process Store for tests and single-instance runs.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]*models.CircuitBreakerState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*models.CircuitBreakerState)}
}

func memKey(accountID string, integration models.IntegrationType) string {
	return accountID + "/" + string(integration)
}

func (s *MemoryStore) Get(ctx context.Context, accountID string, integration models.IntegrationType) (*models.CircuitBreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[memKey(accountID, integration)]
	if !ok {
		return nil, nil
	}
	copied := *state
	return &copied, nil
}

func (s *MemoryStore) Save(ctx context.Context, state *models.CircuitBreakerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *state
	s.states[memKey(state.AccountID, state.Integration)] = &copied
	return nil
}
