package ratelimit

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// Policy is one named sliding window. Each (policy, identifier) pair gets an
// independent window.
type Policy struct {
	Name        string
	MaxRequests int
	Window      time.Duration
}

// Named policies for the outbound and inbound surfaces this worker protects.
var (
	PolicyGoogleAPI = Policy{Name: "google_api", MaxRequests: 90, Window: 100 * time.Second}
	PolicySMS       = Policy{Name: "sms", MaxRequests: 10, Window: time.Minute}
	PolicyEmail     = Policy{Name: "email", MaxRequests: 20, Window: time.Minute}
	PolicyAPI       = Policy{Name: "api", MaxRequests: 100, Window: time.Minute}
)

// Decision is the outcome of an Acquire call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // set when denied
	FailedOpen bool          // store was unavailable; request allowed anyway
}

// Store holds the sliding-window request log. Implementations must expire
// entries no later than their recorded expiry.
type Store interface {
	// Log returns the timestamps recorded for key that are at or after cutoff,
	// in ascending order, discarding anything older.
	Log(ctx context.Context, key string, cutoff time.Time) ([]time.Time, error)
	// Append records one request timestamp for key with the given expiry.
	Append(ctx context.Context, key string, ts time.Time, expiry time.Duration) error
}

// Limiter implements sliding-window-log rate limiting over a Store. Store
// failures fail open: the rate limit protects quotas, it must never take the
// primary feature down with it.
type Limiter struct {
	store Store
	now   func() time.Time
}

func NewLimiter(store Store) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// Acquire attempts to take one slot from the (policy, identifier) window.
// Log then Append is not atomic: two concurrent callers at count N-1 can
// both be admitted, so a window may briefly hold MaxRequests+1 entries.
// Multi-worker deployments that need a hard cap should back the limiter
// with a store offering an atomic log-and-append.
func (l *Limiter) Acquire(ctx context.Context, policy Policy, identifier string) Decision {
	key := fmt.Sprintf("%s:%s", policy.Name, identifier)
	now := l.now()
	cutoff := now.Add(-policy.Window)

	entries, err := l.store.Log(ctx, key, cutoff)
	if err != nil {
		log.Printf("Rate limiter store unavailable for %s, failing open: %v", key, err)
		return Decision{Allowed: true, Remaining: -1, FailedOpen: true}
	}

	if len(entries) >= policy.MaxRequests {
		retryAfter := entries[0].Add(policy.Window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}
	}

	if err := l.store.Append(ctx, key, now, policy.Window); err != nil {
		log.Printf("Rate limiter store append failed for %s, failing open: %v", key, err)
		return Decision{Allowed: true, Remaining: -1, FailedOpen: true}
	}

	return Decision{Allowed: true, Remaining: policy.MaxRequests - len(entries) - 1}
}

// MemoryStore is the in-process Store used by single-instance deployments and
// tests.
type MemoryStore struct {
	mu   sync.Mutex
	logs map[string][]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string][]time.Time)}
}

func (s *MemoryStore) Log(ctx context.Context, key string, cutoff time.Time) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.logs[key]
	kept := entries[:0]
	for _, ts := range entries {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.logs[key] = kept

	out := make([]time.Time, len(kept))
	copy(out, kept)
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *MemoryStore) Append(ctx context.Context, key string, ts time.Time, expiry time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[key] = append(s.logs[key], ts)
	return nil
}
