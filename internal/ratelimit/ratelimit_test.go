package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testPolicy() Policy {
	return Policy{Name: "test", MaxRequests: 3, Window: time.Minute}
}

func TestAcquire_AllowsUpToLimitThenRejects(t *testing.T) {
	limiter := NewLimiter(NewMemoryStore())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return base }

	policy := testPolicy()
	ctx := context.Background()

	for i := 0; i < policy.MaxRequests; i++ {
		d := limiter.Acquire(ctx, policy, "acct-1")
		if !d.Allowed {
			t.Fatalf("request %d: expected allowed", i+1)
		}
		wantRemaining := policy.MaxRequests - i - 1
		if d.Remaining != wantRemaining {
			t.Errorf("request %d: expected remaining %d, got %d", i+1, wantRemaining, d.Remaining)
		}
	}

	d := limiter.Acquire(ctx, policy, "acct-1")
	if d.Allowed {
		t.Fatal("expected 4th request to be rejected")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("expected positive retry-after, got %v", d.RetryAfter)
	}
}

func TestAcquire_WindowSlides(t *testing.T) {
	limiter := NewLimiter(NewMemoryStore())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	limiter.now = func() time.Time { return now }

	policy := testPolicy()
	ctx := context.Background()

	for i := 0; i < policy.MaxRequests; i++ {
		limiter.Acquire(ctx, policy, "acct-1")
	}
	if d := limiter.Acquire(ctx, policy, "acct-1"); d.Allowed {
		t.Fatal("expected rejection inside window")
	}

	// Advance past the window; the old entries no longer count.
	now = base.Add(policy.Window + time.Second)
	if d := limiter.Acquire(ctx, policy, "acct-1"); !d.Allowed {
		t.Fatal("expected allowance after window slid past old entries")
	}
}

func TestAcquire_IdentifiersAreIndependent(t *testing.T) {
	limiter := NewLimiter(NewMemoryStore())
	policy := testPolicy()
	ctx := context.Background()

	for i := 0; i < policy.MaxRequests; i++ {
		limiter.Acquire(ctx, policy, "acct-1")
	}

	if d := limiter.Acquire(ctx, policy, "acct-2"); !d.Allowed {
		t.Error("expected different identifier to have its own window")
	}
	if d := limiter.Acquire(ctx, Policy{Name: "other", MaxRequests: 3, Window: time.Minute}, "acct-1"); !d.Allowed {
		t.Error("expected different policy to have its own window")
	}
}

type failingStore struct{}

func (failingStore) Log(ctx context.Context, key string, cutoff time.Time) ([]time.Time, error) {
	return nil, errors.New("store down")
}

func (failingStore) Append(ctx context.Context, key string, ts time.Time, expiry time.Duration) error {
	return errors.New("store down")
}

func TestAcquire_FailsOpenWhenStoreUnavailable(t *testing.T) {
	limiter := NewLimiter(failingStore{})

	d := limiter.Acquire(context.Background(), testPolicy(), "acct-1")
	if !d.Allowed {
		t.Fatal("expected request to be allowed when store is unavailable")
	}
	if !d.FailedOpen {
		t.Error("expected decision to be marked as failed open")
	}
}
