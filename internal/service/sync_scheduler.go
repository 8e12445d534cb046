package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/circleback/sync-worker/internal/breaker"
	"github.com/circleback/sync-worker/internal/models"
	"github.com/circleback/sync-worker/internal/ratelimit"
	"github.com/circleback/sync-worker/internal/retry"
)

// SyncOutcome is what one provider sync reports back.
type SyncOutcome struct {
	ChangesFound   bool
	ItemsProcessed int
	APICallsMade   int
	APICallsSaved  int
}

// TokenRefreshResult carries the rotated tokens after a refresh.
type TokenRefreshResult struct {
	AccessToken  string
	ExpiresAt    time.Time
	RefreshToken string // May be same or new
}

// ChannelInfo describes a push-notification channel opened at the provider.
type ChannelInfo struct {
	ChannelID   string
	ResourceID  string
	ResourceURI string
	Expiration  time.Time
}

// ProviderClient is the provider surface the scheduler drives. The concrete
// implementation lives in internal/google.
type ProviderClient interface {
	Sync(ctx context.Context, accessToken, accountID string, integration models.IntegrationType) (*SyncOutcome, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenRefreshResult, error)
}

// ScheduleStore interface for schedule claiming and release
type ScheduleStore interface {
	Create(ctx context.Context, schedule models.SyncSchedule) error
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]models.SyncSchedule, error)
	ClaimByPair(ctx context.Context, accountID string, integration models.IntegrationType, now time.Time) (*models.SyncSchedule, error)
	GetByPair(ctx context.Context, accountID string, integration models.IntegrationType) (*models.SyncSchedule, error)
	Release(ctx context.Context, schedule *models.SyncSchedule) error
}

// AccountStore interface for token access
type AccountStore interface {
	GetByID(ctx context.Context, accountID string) (*models.Account, error)
	UpdateTokens(ctx context.Context, accountID string, accessToken string, refreshToken string, accessTokenExpiresAt time.Time) error
}

// TokenHealthStore interface for token health state
type TokenHealthStore interface {
	GetByPair(ctx context.Context, accountID string, integration models.IntegrationType) (*models.TokenHealth, error)
	Upsert(ctx context.Context, health *models.TokenHealth) error
}

// MetricRecorder interface for recording sync attempts
type MetricRecorder interface {
	Record(ctx context.Context, metric models.SyncMetric) error
}

// BreakerGate interface over the circuit breaker
type BreakerGate interface {
	Allow(ctx context.Context, accountID string, integration models.IntegrationType) error
	RecordSuccess(ctx context.Context, accountID string, integration models.IntegrationType) error
	RecordFailure(ctx context.Context, accountID string, integration models.IntegrationType, reason string) error
}

// RateGate interface over the rate limiter
type RateGate interface {
	Acquire(ctx context.Context, policy ratelimit.Policy, identifier string) ratelimit.Decision
}

// TokenAlerter raises a user-facing alert when an account's token goes bad.
// Nil disables alerting.
type TokenAlerter interface {
	RaiseTokenAlert(ctx context.Context, accountID string, integration models.IntegrationType, reason string) error
}

// SchedulerConfig tunes the adaptive algorithm.
type SchedulerConfig struct {
	BatchSize              int           // schedules claimed per RunDue pass
	NoChangeThreshold      int           // consecutive no-change syncs before backing off
	BackoffFactor          int           // interval multiplier when backing off
	DefaultFrequencyMin    int           // starting interval for new schedules
	MinFrequencyMin        int           // LONGEST allowed interval
	MaxFrequencyMin        int           // SHORTEST allowed interval
	OnboardingFrequencyMin int           // fixed fast interval during onboarding
	OnboardingWindow       time.Duration // onboarding duration after first connection
	SyncTimeout            time.Duration // hard cap per provider sync
	RetryPolicy            retry.Policy
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		BatchSize:              10,
		NoChangeThreshold:      3,
		BackoffFactor:          2,
		DefaultFrequencyMin:    60,
		MinFrequencyMin:        24 * 60,
		MaxFrequencyMin:        5,
		OnboardingFrequencyMin: 15,
		OnboardingWindow:       24 * time.Hour,
		SyncTimeout:            2 * time.Minute,
		RetryPolicy:            retry.DefaultPolicy(),
	}
}

// SyncScheduler runs due (account, integration) syncs through the full gate
// chain — token health, circuit breaker, rate limiter, retry engine — and
// adapts each schedule's interval from whether syncs find changes.
type SyncScheduler struct {
	cfg           SchedulerConfig
	scheduleStore ScheduleStore
	accountStore  AccountStore
	tokenStore    TokenHealthStore
	metrics       MetricRecorder
	breakerGate   BreakerGate
	rateGate      RateGate
	provider      ProviderClient
	alerter       TokenAlerter
	now           func() time.Time
}

func NewSyncScheduler(
	cfg SchedulerConfig,
	scheduleStore ScheduleStore,
	accountStore AccountStore,
	tokenStore TokenHealthStore,
	metrics MetricRecorder,
	breakerGate BreakerGate,
	rateGate RateGate,
	provider ProviderClient,
	alerter TokenAlerter,
) *SyncScheduler {
	return &SyncScheduler{
		cfg:           cfg,
		scheduleStore: scheduleStore,
		accountStore:  accountStore,
		tokenStore:    tokenStore,
		metrics:       metrics,
		breakerGate:   breakerGate,
		rateGate:      rateGate,
		provider:      provider,
		alerter:       alerter,
		now:           time.Now,
	}
}

// EnsureSchedule creates the schedule for a freshly connected pair. Existing
// schedules are left untouched.
func (s *SyncScheduler) EnsureSchedule(ctx context.Context, accountID string, integration models.IntegrationType) error {
	existing, err := s.scheduleStore.GetByPair(ctx, accountID, integration)
	if err != nil {
		return fmt.Errorf("failed to look up schedule: %w", err)
	}
	if existing != nil {
		return nil
	}

	now := s.now()
	onboardingUntil := now.Add(s.cfg.OnboardingWindow)
	schedule := models.SyncSchedule{
		ID:                  uuid.New().String(),
		AccountID:           accountID,
		Integration:         integration,
		Status:              models.ScheduleIdle,
		CurrentFrequencyMin: s.cfg.OnboardingFrequencyMin,
		DefaultFrequencyMin: s.cfg.DefaultFrequencyMin,
		MinFrequencyMin:     s.cfg.MinFrequencyMin,
		MaxFrequencyMin:     s.cfg.MaxFrequencyMin,
		NextSyncAt:          now,
		OnboardingUntil:     &onboardingUntil,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := s.scheduleStore.Create(ctx, schedule); err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	log.Printf("Created sync schedule for %s/%s (onboarding until %s)",
		accountID, integration, onboardingUntil.Format(time.RFC3339))
	return nil
}

// RunDue claims and processes every schedule whose next_sync_at has passed.
// Individual failures are recorded and do not stop the batch.
func (s *SyncScheduler) RunDue(ctx context.Context) error {
	schedules, err := s.scheduleStore.ClaimDue(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to claim due schedules: %w", err)
	}
	if len(schedules) == 0 {
		return nil
	}

	log.Printf("Found %d due sync schedule(s)", len(schedules))
	for i := range schedules {
		syncType := models.SyncTypeIncremental
		if schedules[i].LastSyncAt == nil {
			syncType = models.SyncTypeFull
		}
		if err := s.runClaimed(ctx, &schedules[i], syncType); err != nil {
			log.Printf("Sync failed for %s/%s: %v", schedules[i].AccountID, schedules[i].Integration, err)
		}
	}
	return nil
}

// TriggerNow bypasses next_sync_at for one pair — used by verified webhook
// notifications and manual refreshes. The circuit-breaker and rate-limiter
// gates still apply. A pair that is already running is left alone.
func (s *SyncScheduler) TriggerNow(ctx context.Context, accountID string, integration models.IntegrationType, syncType models.SyncType) error {
	schedule, err := s.scheduleStore.ClaimByPair(ctx, accountID, integration, s.now())
	if err != nil {
		return fmt.Errorf("failed to claim schedule: %w", err)
	}
	if schedule == nil {
		log.Printf("No idle schedule for %s/%s, trigger dropped", accountID, integration)
		return nil
	}
	return s.runClaimed(ctx, schedule, syncType)
}

// runClaimed processes one claimed schedule end to end and always releases it.
func (s *SyncScheduler) runClaimed(ctx context.Context, schedule *models.SyncSchedule, syncType models.SyncType) error {
	started := s.now()

	// Gate 1: token health. Expired and revoked tokens short-circuit before
	// any provider traffic.
	accessToken, skipReason, err := s.usableAccessToken(ctx, schedule)
	if err != nil {
		s.recordAndRelease(ctx, schedule, syncType, started, nil, err)
		return err
	}
	if skipReason != "" {
		s.recordSkip(ctx, schedule, syncType, started, skipReason)
		s.releaseUnchanged(ctx, schedule)
		return nil
	}

	// Gate 2: circuit breaker.
	if err := s.breakerGate.Allow(ctx, schedule.AccountID, schedule.Integration); err != nil {
		var openErr *breaker.OpenError
		if errors.As(err, &openErr) {
			s.recordSkip(ctx, schedule, syncType, started, models.SkipReasonCircuitBreakerOpen)
			s.releaseUnchanged(ctx, schedule)
			return nil
		}
		s.releaseUnchanged(ctx, schedule)
		return fmt.Errorf("breaker check failed: %w", err)
	}

	// Gate 3: rate limiter.
	decision := s.rateGate.Acquire(ctx, ratelimit.PolicyGoogleAPI, schedule.AccountID)
	if !decision.Allowed {
		log.Printf("Rate limited sync for %s/%s, retry after %s",
			schedule.AccountID, schedule.Integration, decision.RetryAfter)
		s.recordSkip(ctx, schedule, syncType, started, models.SkipReasonRateLimited)
		s.releaseUnchanged(ctx, schedule)
		return nil
	}

	// Run the sync through the retry engine under a hard timeout. A timeout
	// counts as a failure, not a skip.
	syncCtx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout)
	defer cancel()

	outcome, err := retry.RunWithRetry(syncCtx, s.cfg.RetryPolicy, func(ctx context.Context) (*SyncOutcome, error) {
		return s.provider.Sync(ctx, accessToken, schedule.AccountID, schedule.Integration)
	}, func(attempt int, err error) {
		log.Printf("Retrying sync for %s/%s (attempt %d): %v",
			schedule.AccountID, schedule.Integration, attempt, err)
	})

	s.recordAndRelease(ctx, schedule, syncType, started, outcome, err)
	return err
}

// usableAccessToken returns a valid access token, refreshing once when the
// stored one is expired. A non-empty skip reason means the sync must not run.
func (s *SyncScheduler) usableAccessToken(ctx context.Context, schedule *models.SyncSchedule) (string, string, error) {
	health, err := s.tokenStore.GetByPair(ctx, schedule.AccountID, schedule.Integration)
	if err != nil {
		return "", "", fmt.Errorf("failed to get token health: %w", err)
	}
	if health != nil && !health.Usable() {
		s.raiseTokenAlert(ctx, schedule, string(health.Status))
		return "", models.SkipReasonInvalidToken, nil
	}

	account, err := s.accountStore.GetByID(ctx, schedule.AccountID)
	if err != nil {
		return "", "", fmt.Errorf("failed to get account: %w", err)
	}
	if account.AccessToken == nil || account.RefreshToken == nil {
		s.markTokenStatus(ctx, schedule, models.TokenRevoked, "account missing tokens")
		s.raiseTokenAlert(ctx, schedule, "missing tokens")
		return "", models.SkipReasonInvalidToken, nil
	}

	if !s.isTokenExpired(account.AccessTokenExpiresAt) {
		return *account.AccessToken, "", nil
	}

	log.Printf("Access token expired for account %s, refreshing...", schedule.AccountID)
	result, err := s.provider.RefreshAccessToken(ctx, *account.RefreshToken)
	if err != nil {
		if retry.Classify(err) == retry.KindAuth {
			s.markTokenStatus(ctx, schedule, models.TokenExpired, err.Error())
			s.raiseTokenAlert(ctx, schedule, err.Error())
			return "", models.SkipReasonInvalidToken, nil
		}
		return "", "", fmt.Errorf("failed to refresh token: %w", err)
	}

	if err := s.accountStore.UpdateTokens(ctx, schedule.AccountID, result.AccessToken, result.RefreshToken, result.ExpiresAt); err != nil {
		return "", "", fmt.Errorf("failed to update tokens: %w", err)
	}
	s.markTokenStatus(ctx, schedule, models.TokenValid, "")

	return result.AccessToken, "", nil
}

// isTokenExpired checks if access token is expired or will expire within 5 minutes
func (s *SyncScheduler) isTokenExpired(expiresAt *time.Time) bool {
	if expiresAt == nil {
		return true // Assume expired if no expiry time
	}
	return s.now().Add(5 * time.Minute).After(*expiresAt)
}

func (s *SyncScheduler) markTokenStatus(ctx context.Context, schedule *models.SyncSchedule, status models.TokenStatus, errMsg string) {
	health := &models.TokenHealth{
		ID:          uuid.New().String(),
		AccountID:   schedule.AccountID,
		Integration: schedule.Integration,
		Status:      status,
		LastChecked: s.now(),
	}
	if errMsg != "" {
		health.ErrorMessage = &errMsg
	}
	if err := s.tokenStore.Upsert(ctx, health); err != nil {
		log.Printf("Failed to update token health for %s/%s: %v", schedule.AccountID, schedule.Integration, err)
	}
}

func (s *SyncScheduler) raiseTokenAlert(ctx context.Context, schedule *models.SyncSchedule, reason string) {
	if s.alerter == nil {
		return
	}
	if err := s.alerter.RaiseTokenAlert(ctx, schedule.AccountID, schedule.Integration, reason); err != nil {
		log.Printf("Failed to raise token alert for %s/%s: %v", schedule.AccountID, schedule.Integration, err)
	}
}

// recordSkip writes a skipped metric. One provider round trip was avoided.
func (s *SyncScheduler) recordSkip(ctx context.Context, schedule *models.SyncSchedule, syncType models.SyncType, started time.Time, reason string) {
	metric := models.SyncMetric{
		ID:            uuid.New().String(),
		AccountID:     schedule.AccountID,
		Integration:   schedule.Integration,
		SyncType:      syncType,
		Result:        models.SyncResultSkipped,
		SkipReason:    &reason,
		DurationMs:    s.now().Sub(started).Milliseconds(),
		APICallsSaved: 1,
		CreatedAt:     s.now(),
	}
	if err := s.metrics.Record(ctx, metric); err != nil {
		log.Printf("Failed to record skip metric for %s/%s: %v", schedule.AccountID, schedule.Integration, err)
	}
}

// releaseUnchanged pushes the schedule forward by the current interval
// without touching the adaptive state.
func (s *SyncScheduler) releaseUnchanged(ctx context.Context, schedule *models.SyncSchedule) {
	schedule.NextSyncAt = s.now().Add(time.Duration(schedule.CurrentFrequencyMin) * time.Minute)
	if err := s.scheduleStore.Release(ctx, schedule); err != nil {
		log.Printf("Failed to release schedule %s: %v", schedule.ID, err)
	}
}

// recordAndRelease records the terminal outcome of an attempted sync, feeds
// the breaker, adapts the interval, and releases the schedule.
func (s *SyncScheduler) recordAndRelease(ctx context.Context, schedule *models.SyncSchedule, syncType models.SyncType, started time.Time, outcome *SyncOutcome, syncErr error) {
	now := s.now()

	metric := models.SyncMetric{
		ID:          uuid.New().String(),
		AccountID:   schedule.AccountID,
		Integration: schedule.Integration,
		SyncType:    syncType,
		DurationMs:  now.Sub(started).Milliseconds(),
		CreatedAt:   now,
	}

	if syncErr != nil {
		metric.Result = models.SyncResultFailure
		if err := s.breakerGate.RecordFailure(ctx, schedule.AccountID, schedule.Integration, syncErr.Error()); err != nil {
			log.Printf("Failed to record breaker failure for %s/%s: %v", schedule.AccountID, schedule.Integration, err)
		}
		// Interval unchanged on failure.
		schedule.NextSyncAt = now.Add(time.Duration(schedule.CurrentFrequencyMin) * time.Minute)
	} else {
		metric.Result = models.SyncResultSuccess
		metric.ItemsProcessed = outcome.ItemsProcessed
		metric.APICallsMade = outcome.APICallsMade
		metric.APICallsSaved = outcome.APICallsSaved
		if err := s.breakerGate.RecordSuccess(ctx, schedule.AccountID, schedule.Integration); err != nil {
			log.Printf("Failed to record breaker success for %s/%s: %v", schedule.AccountID, schedule.Integration, err)
		}
		s.adaptFrequency(schedule, outcome.ChangesFound, now)
		last := now
		schedule.LastSyncAt = &last
		schedule.NextSyncAt = now.Add(time.Duration(schedule.CurrentFrequencyMin) * time.Minute)
	}

	if err := s.metrics.Record(ctx, metric); err != nil {
		log.Printf("Failed to record sync metric for %s/%s: %v", schedule.AccountID, schedule.Integration, err)
	}
	if err := s.scheduleStore.Release(ctx, schedule); err != nil {
		log.Printf("Failed to release schedule %s: %v", schedule.ID, err)
	}
}

// adaptFrequency tunes the polling interval from observed change rates.
// Repeated quiet syncs stretch the interval toward the longest allowed;
// any change snaps it back to the default. During onboarding the interval is
// pinned fast regardless.
func (s *SyncScheduler) adaptFrequency(schedule *models.SyncSchedule, changesFound bool, now time.Time) {
	if changesFound {
		schedule.ConsecutiveNoChange = 0
		schedule.CurrentFrequencyMin = schedule.DefaultFrequencyMin
	} else {
		schedule.ConsecutiveNoChange++
		if schedule.ConsecutiveNoChange >= s.cfg.NoChangeThreshold {
			backed := schedule.CurrentFrequencyMin * s.cfg.BackoffFactor
			if backed > schedule.MinFrequencyMin {
				backed = schedule.MinFrequencyMin
			}
			schedule.CurrentFrequencyMin = backed
		}
	}

	if schedule.OnboardingUntil != nil && now.Before(*schedule.OnboardingUntil) {
		schedule.CurrentFrequencyMin = s.cfg.OnboardingFrequencyMin
		return
	}

	// Keep the interval inside the allowed band in both directions.
	if schedule.CurrentFrequencyMin < schedule.MaxFrequencyMin {
		schedule.CurrentFrequencyMin = schedule.MaxFrequencyMin
	}
	if schedule.CurrentFrequencyMin > schedule.MinFrequencyMin {
		schedule.CurrentFrequencyMin = schedule.MinFrequencyMin
	}
}
