package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// TTL is how long a cached result stays valid. A retried caller inside this
// window gets the original result back without re-executing side effects.
const TTL = 24 * time.Hour

// Store holds cached operation results keyed by deterministic idempotency
// keys. Implementations: in-memory LRU for single-process deployments, the
// Postgres-backed store in internal/repository for multi-process ones.
type Store interface {
	// Check returns the cached result for key, if present and unexpired.
	Check(ctx context.Context, key string) ([]byte, bool, error)
	// Store caches a result under key with the package TTL.
	Store(ctx context.Context, key string, result []byte) error
	// Sweep removes expired entries and returns how many were dropped.
	Sweep(ctx context.Context) (int, error)
}

// NotificationKey builds the idempotency key for a notification delivery.
// Keys are derived from the semantic identity of the operation, never from a
// random value, so retried callers converge on the same key.
func NotificationKey(accountID, eventID, channel string) string {
	return fmt.Sprintf("notification:%s:%s:%s", accountID, eventID, channel)
}

// SyncTriggerKey builds the idempotency key for a webhook-originated sync
// trigger, collapsing duplicate deliveries of the same provider message.
func SyncTriggerKey(channelID, messageNumber string) string {
	return fmt.Sprintf("sync-trigger:%s:%s", channelID, messageNumber)
}

// RunIdempotent executes fn at most once per key: a cached result is returned
// without invoking fn, otherwise fn runs and its result is cached. Store
// failures fail open — fn's result is still returned, it just is not cached.
func RunIdempotent[T any](ctx context.Context, store Store, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	cached, exists, err := store.Check(ctx, key)
	if err != nil {
		log.Printf("Idempotency store check failed for %s, proceeding without cache: %v", key, err)
	} else if exists {
		var result T
		if err := json.Unmarshal(cached, &result); err != nil {
			return zero, fmt.Errorf("failed to decode cached result for %s: %w", key, err)
		}
		return result, nil
	}

	result, err := fn(ctx)
	if err != nil {
		return zero, err
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return zero, fmt.Errorf("failed to encode result for %s: %w", key, err)
	}
	if err := store.Store(ctx, key, encoded); err != nil {
		log.Printf("Idempotency store write failed for %s: %v", key, err)
	}

	return result, nil
}

// MemoryStore is an in-process Store backed by a TTL-expiring LRU. Entries
// expire automatically, so Sweep is a no-op kept for interface symmetry.
type MemoryStore struct {
	cache *expirable.LRU[string, []byte]
}

// NewMemoryStore creates a store holding at most maxEntries cached results.
func NewMemoryStore(maxEntries int) *MemoryStore {
	return &MemoryStore{
		cache: expirable.NewLRU[string, []byte](maxEntries, nil, TTL),
	}
}

func (s *MemoryStore) Check(ctx context.Context, key string) ([]byte, bool, error) {
	val, ok := s.cache.Get(key)
	return val, ok, nil
}

func (s *MemoryStore) Store(ctx context.Context, key string, result []byte) error {
	s.cache.Add(key, result)
	return nil
}

func (s *MemoryStore) Sweep(ctx context.Context) (int, error) {
	return 0, nil
}
