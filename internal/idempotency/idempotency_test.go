package idempotency

import (
	"context"
	"errors"
	"testing"
)

func TestRunIdempotent_ExecutesOncePerKey(t *testing.T) {
	store := NewMemoryStore(16)
	ctx := context.Background()
	calls := 0

	fn := func(ctx context.Context) (string, error) {
		calls++
		return "delivered", nil
	}

	first, err := RunIdempotent(ctx, store, "notification:acct-1:evt-1:sms", fn)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	second, err := RunIdempotent(ctx, store, "notification:acct-1:evt-1:sms", fn)
	if err != nil {
		t.Fatalf("expected no error on replay, got %v", err)
	}

	if calls != 1 {
		t.Errorf("expected fn to execute exactly once, got %d", calls)
	}
	if first != second {
		t.Errorf("expected identical results, got %q and %q", first, second)
	}
}

func TestRunIdempotent_DifferentKeysExecuteSeparately(t *testing.T) {
	store := NewMemoryStore(16)
	ctx := context.Background()
	calls := 0

	fn := func(ctx context.Context) (int, error) {
		calls++
		return calls, nil
	}

	if _, err := RunIdempotent(ctx, store, "key-a", fn); err != nil {
		t.Fatal(err)
	}
	if _, err := RunIdempotent(ctx, store, "key-b", fn); err != nil {
		t.Fatal(err)
	}

	if calls != 2 {
		t.Errorf("expected 2 executions for 2 keys, got %d", calls)
	}
}

func TestRunIdempotent_ErrorIsNotCached(t *testing.T) {
	store := NewMemoryStore(16)
	ctx := context.Background()
	calls := 0

	fn := func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("transient failure")
		}
		return "ok", nil
	}

	if _, err := RunIdempotent(ctx, store, "key", fn); err == nil {
		t.Fatal("expected first call to fail")
	}
	result, err := RunIdempotent(ctx, store, "key", fn)
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if result != "ok" {
		t.Errorf("expected 'ok', got %q", result)
	}
	if calls != 2 {
		t.Errorf("expected failed result not to be cached, got %d calls", calls)
	}
}

type brokenStore struct{}

func (brokenStore) Check(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, errors.New("store down")
}

func (brokenStore) Store(ctx context.Context, key string, result []byte) error {
	return errors.New("store down")
}

func (brokenStore) Sweep(ctx context.Context) (int, error) {
	return 0, errors.New("store down")
}

func TestRunIdempotent_FailsOpenOnStoreErrors(t *testing.T) {
	result, err := RunIdempotent(context.Background(), brokenStore{}, "key", func(ctx context.Context) (string, error) {
		return "primary result", nil
	})
	if err != nil {
		t.Fatalf("expected fn result despite store failure, got %v", err)
	}
	if result != "primary result" {
		t.Errorf("expected primary result, got %q", result)
	}
}

func TestNotificationKey_Deterministic(t *testing.T) {
	a := NotificationKey("acct-1", "evt-9", "email")
	b := NotificationKey("acct-1", "evt-9", "email")
	if a != b {
		t.Errorf("expected identical keys, got %q and %q", a, b)
	}
	if a != "notification:acct-1:evt-9:email" {
		t.Errorf("unexpected key format: %q", a)
	}
}
