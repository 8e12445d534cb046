package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/circleback/sync-worker/internal/models"
)

func newTestBreaker() (*Breaker, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New(NewMemoryStore(), Config{FailureThreshold: 3, ResetTimeout: time.Minute})
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.RecordFailure(ctx, "acct-1", models.IntegrationContacts, "server error"); err != nil {
			t.Fatal(err)
		}
		if err := b.Allow(ctx, "acct-1", models.IntegrationContacts); err != nil {
			t.Fatalf("expected breaker closed below threshold, got %v", err)
		}
	}

	if err := b.RecordFailure(ctx, "acct-1", models.IntegrationContacts, "server error"); err != nil {
		t.Fatal(err)
	}

	err := b.Allow(ctx, "acct-1", models.IntegrationContacts)
	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected OpenError at threshold, got %v", err)
	}
	if openErr.NextRetryAt.IsZero() {
		t.Error("expected NextRetryAt to be set while open")
	}
}

func TestBreaker_RejectsWithoutInvokingUntilCooldown(t *testing.T) {
	b, now := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.RecordFailure(ctx, "acct-1", models.IntegrationCalendar, "boom")
	}

	// Inside cooldown: rejected.
	*now = now.Add(30 * time.Second)
	var openErr *OpenError
	if err := b.Allow(ctx, "acct-1", models.IntegrationCalendar); !errors.As(err, &openErr) {
		t.Fatalf("expected rejection inside cooldown, got %v", err)
	}

	// After cooldown: one probe allowed.
	*now = now.Add(31 * time.Second)
	if err := b.Allow(ctx, "acct-1", models.IntegrationCalendar); err != nil {
		t.Fatalf("expected probe allowed after cooldown, got %v", err)
	}

	// Second call during the probe is rejected.
	if err := b.Allow(ctx, "acct-1", models.IntegrationCalendar); !errors.As(err, &openErr) {
		t.Fatalf("expected second call during probe to be rejected, got %v", err)
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b, now := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.RecordFailure(ctx, "acct-1", models.IntegrationContacts, "boom")
	}
	*now = now.Add(2 * time.Minute)

	if err := b.Allow(ctx, "acct-1", models.IntegrationContacts); err != nil {
		t.Fatalf("expected probe allowed, got %v", err)
	}
	if err := b.RecordSuccess(ctx, "acct-1", models.IntegrationContacts); err != nil {
		t.Fatal(err)
	}

	// Closed again, failure count reset: a single new failure must not reopen.
	if err := b.Allow(ctx, "acct-1", models.IntegrationContacts); err != nil {
		t.Fatalf("expected breaker closed after probe success, got %v", err)
	}
	_ = b.RecordFailure(ctx, "acct-1", models.IntegrationContacts, "boom")
	if err := b.Allow(ctx, "acct-1", models.IntegrationContacts); err != nil {
		t.Fatalf("expected breaker to stay closed after reset, got %v", err)
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b, now := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.RecordFailure(ctx, "acct-1", models.IntegrationContacts, "boom")
	}
	*now = now.Add(2 * time.Minute)

	if err := b.Allow(ctx, "acct-1", models.IntegrationContacts); err != nil {
		t.Fatalf("expected probe allowed, got %v", err)
	}
	_ = b.RecordFailure(ctx, "acct-1", models.IntegrationContacts, "probe failed")

	// Reopened with a fresh cooldown.
	var openErr *OpenError
	if err := b.Allow(ctx, "acct-1", models.IntegrationContacts); !errors.As(err, &openErr) {
		t.Fatalf("expected reopened breaker, got %v", err)
	}
	wantRetry := now.Add(time.Minute)
	if !openErr.NextRetryAt.Equal(wantRetry) {
		t.Errorf("expected cooldown reset to %s, got %s", wantRetry, openErr.NextRetryAt)
	}
}

func TestBreaker_StaleHalfOpenYieldsFreshProbe(t *testing.T) {
	b, now := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.RecordFailure(ctx, "acct-1", models.IntegrationContacts, "boom")
	}

	// Cooldown elapses and the first caller becomes the probe, but its
	// outcome is never recorded (worker died mid-sync).
	*now = now.Add(2 * time.Minute)
	if err := b.Allow(ctx, "acct-1", models.IntegrationContacts); err != nil {
		t.Fatalf("expected probe allowed after cooldown, got %v", err)
	}

	// While the probe is fresh, other callers stay rejected.
	*now = now.Add(30 * time.Second)
	var openErr *OpenError
	if err := b.Allow(ctx, "acct-1", models.IntegrationContacts); !errors.As(err, &openErr) {
		t.Fatalf("expected rejection while probe in flight, got %v", err)
	}
	if !openErr.NextRetryAt.After(now.Add(-time.Second)) {
		t.Errorf("expected NextRetryAt in the future, got %s", openErr.NextRetryAt)
	}

	// Once a full cooldown passes without a recorded outcome, the lost
	// probe must not wedge the pair: a new probe is admitted.
	*now = now.Add(time.Minute)
	if err := b.Allow(ctx, "acct-1", models.IntegrationContacts); err != nil {
		t.Fatalf("expected fresh probe after stale half-open, got %v", err)
	}

	// The replacement probe can still close the breaker.
	if err := b.RecordSuccess(ctx, "acct-1", models.IntegrationContacts); err != nil {
		t.Fatal(err)
	}
	if err := b.Allow(ctx, "acct-1", models.IntegrationContacts); err != nil {
		t.Fatalf("expected breaker closed after probe success, got %v", err)
	}
}

func TestBreaker_PairsAreIndependent(t *testing.T) {
	b, _ := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.RecordFailure(ctx, "acct-1", models.IntegrationContacts, "boom")
	}

	if err := b.Allow(ctx, "acct-1", models.IntegrationCalendar); err != nil {
		t.Errorf("expected calendar integration unaffected, got %v", err)
	}
	if err := b.Allow(ctx, "acct-2", models.IntegrationContacts); err != nil {
		t.Errorf("expected other account unaffected, got %v", err)
	}
}

type downStore struct{}

func (downStore) Get(ctx context.Context, accountID string, integration models.IntegrationType) (*models.CircuitBreakerState, error) {
	return nil, errors.New("store down")
}

func (downStore) Save(ctx context.Context, state *models.CircuitBreakerState) error {
	return errors.New("store down")
}

func TestBreaker_AllowFailsOpenOnStoreError(t *testing.T) {
	b := New(downStore{}, DefaultConfig())
	if err := b.Allow(context.Background(), "acct-1", models.IntegrationContacts); err != nil {
		t.Fatalf("expected fail-open allow when store is down, got %v", err)
	}
}
