package locking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestKeyToLockID_Stable(t *testing.T) {
	a := KeyToLockID("proposal:acct-1")
	b := KeyToLockID("proposal:acct-1")
	if a != b {
		t.Errorf("expected stable lock id, got %d and %d", a, b)
	}
	if KeyToLockID("proposal:acct-2") == a {
		t.Error("expected different keys to hash to different ids")
	}
}

func TestWithLock_RunsAndReleases(t *testing.T) {
	locker := NewLocker(NewMemoryProvider())
	ran := false

	err := locker.WithLock(context.Background(), "key", time.Second, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !ran {
		t.Fatal("expected operation to run")
	}

	// Lock must be free again.
	err = locker.WithLock(context.Background(), "key", 50*time.Millisecond, func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("expected lock to be released after first use, got %v", err)
	}
}

func TestWithLock_ReleasesOnOperationError(t *testing.T) {
	locker := NewLocker(NewMemoryProvider())
	opErr := errors.New("operation failed")

	err := locker.WithLock(context.Background(), "key", time.Second, func(ctx context.Context) error {
		return opErr
	})
	if !errors.Is(err, opErr) {
		t.Fatalf("expected operation error to propagate, got %v", err)
	}

	err = locker.WithLock(context.Background(), "key", 50*time.Millisecond, func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("expected lock released after failed operation, got %v", err)
	}
}

func TestWithLock_TimesOutWhileHeld(t *testing.T) {
	provider := NewMemoryProvider()
	locker := NewLocker(provider)

	release, acquired, err := provider.TryAcquire(context.Background(), KeyToLockID("key"))
	if err != nil || !acquired {
		t.Fatalf("setup: failed to pre-acquire lock: %v", err)
	}
	defer release(context.Background())

	err = locker.WithLock(context.Background(), "key", 250*time.Millisecond, func(ctx context.Context) error {
		t.Fatal("operation must not run when lock acquisition times out")
		return nil
	})

	var timeoutErr *LockTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected LockTimeoutError, got %v", err)
	}
	if timeoutErr.Key != "key" {
		t.Errorf("expected key in timeout error, got %q", timeoutErr.Key)
	}
}

func TestWithLock_SerializesConcurrentHolders(t *testing.T) {
	locker := NewLocker(NewMemoryProvider())

	var mu sync.Mutex
	inCritical := 0
	maxInCritical := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(context.Background(), "shared", 5*time.Second, func(ctx context.Context) error {
				mu.Lock()
				inCritical++
				if inCritical > maxInCritical {
					maxInCritical = inCritical
				}
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				inCritical--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("unexpected lock error: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInCritical != 1 {
		t.Errorf("expected at most one holder in critical section, saw %d", maxInCritical)
	}
}
