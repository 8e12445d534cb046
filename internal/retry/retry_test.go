package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/api/googleapi"
)

func fastPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     4 * time.Millisecond,
		Retryable:    []ErrorKind{KindNetwork, KindRateLimit, KindServer},
	}
}

func TestBackoffDelay_MonotonicAndCapped(t *testing.T) {
	policy := Policy{
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped, would be 32s
		30 * time.Second,
	}

	prev := time.Duration(0)
	for attempt, want := range expected {
		got := BackoffDelay(attempt, policy)
		if got != want {
			t.Errorf("attempt %d: expected %v, got %v", attempt, want, got)
		}
		if got < prev {
			t.Errorf("attempt %d: delay decreased from %v to %v", attempt, prev, got)
		}
		prev = got
	}
}

func TestClassify_GoogleAPIErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"unauthorized", &googleapi.Error{Code: 401}, KindAuth},
		{"forbidden", &googleapi.Error{Code: 403}, KindAuth},
		{"forbidden quota", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}}}, KindRateLimit},
		{"not found", &googleapi.Error{Code: 404}, KindNotFound},
		{"too many requests", &googleapi.Error{Code: 429}, KindRateLimit},
		{"bad request", &googleapi.Error{Code: 400}, KindValidation},
		{"server error", &googleapi.Error{Code: 503}, KindServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestClassify_TaggedAndUnknown(t *testing.T) {
	if got := Classify(Tag(KindNetwork, errors.New("conn reset"))); got != KindNetwork {
		t.Errorf("expected tagged kind network, got %s", got)
	}
	if got := Classify(context.DeadlineExceeded); got != KindNetwork {
		t.Errorf("expected deadline to classify as network, got %s", got)
	}
	if got := Classify(errors.New("something else")); got != KindUnknown {
		t.Errorf("expected unknown, got %s", got)
	}
}

func TestRunWithRetry_SucceedsAfterRetryableFailures(t *testing.T) {
	calls := 0
	retries := []int{}

	result, err := RunWithRetry(context.Background(), fastPolicy(), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", Tag(KindNetwork, errors.New("transient"))
		}
		return "ok", nil
	}, func(attempt int, err error) {
		retries = append(retries, attempt)
	})

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result != "ok" {
		t.Errorf("expected result 'ok', got %q", result)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Errorf("expected onRetry attempts [1 2], got %v", retries)
	}
}

func TestRunWithRetry_NonRetryableFailsImmediately(t *testing.T) {
	calls := 0

	_, err := RunWithRetry(context.Background(), fastPolicy(), func(ctx context.Context) (string, error) {
		calls++
		return "", Tag(KindValidation, errors.New("bad input"))
	}, nil)

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 call for non-retryable error, got %d", calls)
	}
}

func TestRunWithRetry_ExhaustsRetries(t *testing.T) {
	calls := 0

	_, err := RunWithRetry(context.Background(), fastPolicy(), func(ctx context.Context) (string, error) {
		calls++
		return "", Tag(KindServer, errors.New("boom"))
	}, nil)

	if err == nil {
		t.Fatal("expected error after exhausting retries, got nil")
	}
	// Initial attempt + 3 retries
	if calls != 4 {
		t.Errorf("expected 4 calls, got %d", calls)
	}
	if !errors.Is(err, errors.Unwrap(err)) && err.Error() == "" {
		t.Errorf("expected wrapped last error, got %v", err)
	}
}

func TestRunWithRetry_HonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	policy := fastPolicy()
	policy.InitialDelay = 10 * time.Second
	policy.MaxDelay = 10 * time.Second

	done := make(chan error, 1)
	go func() {
		_, err := RunWithRetry(ctx, policy, func(ctx context.Context) (int, error) {
			return 0, Tag(KindNetwork, errors.New("transient"))
		}, nil)
		done <- err
	}()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunWithRetry did not return after context cancellation")
	}
}
