package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

type ErrorKind string

const (
	KindNetwork    ErrorKind = "network"
	KindAuth       ErrorKind = "auth"
	KindRateLimit  ErrorKind = "rate_limit"
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindServer     ErrorKind = "server"
	KindUnknown    ErrorKind = "unknown"
)

// Policy controls how RunWithRetry behaves for one call site.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Retryable    []ErrorKind
}

// DefaultPolicy returns the policy used for provider calls unless a call site
// overrides it: 3 retries, 1s initial delay, doubling up to a 30s cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
		Retryable:    []ErrorKind{KindNetwork, KindRateLimit, KindServer},
	}
}

// KindError tags an error with an explicit kind so call sites that already
// know the failure class (e.g. a simulated provider in tests, or a validation
// check before the network call) can steer classification.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// Tag wraps err with an explicit error kind.
func Tag(kind ErrorKind, err error) error {
	return &KindError{Kind: kind, Err: err}
}

// Classify maps an error to its kind. Google API errors are classified by
// HTTP status (with 403 quota responses treated as rate limiting), OAuth
// retrieve errors as auth, and timeouts and transport errors as network.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var tagged *KindError
	if errors.As(err, &tagged) {
		return tagged.Kind
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return classifyStatus(gerr)
	}

	var oerr *oauth2.RetrieveError
	if errors.As(err, &oerr) {
		return KindAuth
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return KindNetwork
	}

	var uerr *url.Error
	if errors.As(err, &uerr) {
		return KindNetwork
	}

	return KindUnknown
}

// classifyStatus classifies a Google API error by HTTP status code.
// 403 is ambiguous: quota exhaustion and permission failures share the code,
// so the error reason decides.
func classifyStatus(gerr *googleapi.Error) ErrorKind {
	switch {
	case gerr.Code == 401:
		return KindAuth
	case gerr.Code == 403:
		for _, item := range gerr.Errors {
			if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" || item.Reason == "quotaExceeded" {
				return KindRateLimit
			}
		}
		return KindAuth
	case gerr.Code == 404:
		return KindNotFound
	case gerr.Code == 429:
		return KindRateLimit
	case gerr.Code >= 500:
		return KindServer
	case gerr.Code >= 400:
		return KindValidation
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether the given kind is retryable under the policy.
func IsRetryable(kind ErrorKind, policy Policy) bool {
	for _, k := range policy.Retryable {
		if k == kind {
			return true
		}
	}
	return false
}

// BackoffDelay returns min(initialDelay * multiplier^attempt, maxDelay) for
// a zero-based attempt number.
func BackoffDelay(attempt int, policy Policy) time.Duration {
	delay := float64(policy.InitialDelay) * math.Pow(policy.Multiplier, float64(attempt))
	if delay > float64(policy.MaxDelay) {
		return policy.MaxDelay
	}
	return time.Duration(delay)
}

// RunWithRetry invokes fn, retrying retryable failures with exponential
// backoff up to policy.MaxRetries extra attempts. The last error is returned
// when retries are exhausted or the failure is non-retryable. onRetry, when
// non-nil, is invoked before each sleep with the upcoming attempt number.
func RunWithRetry[T any](ctx context.Context, policy Policy, fn func(ctx context.Context) (T, error), onRetry func(attempt int, err error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		kind := Classify(err)
		if !IsRetryable(kind, policy) {
			return zero, err
		}
		if attempt == policy.MaxRetries {
			break
		}

		if onRetry != nil {
			onRetry(attempt+1, err)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(BackoffDelay(attempt, policy)):
		}
	}

	return zero, fmt.Errorf("retries exhausted after %d attempts: %w", policy.MaxRetries+1, lastErr)
}
