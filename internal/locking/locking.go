package locking

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// OptimisticLockError signals that a versioned update saw a different version
// than the caller expected. The mutation was not applied.
type OptimisticLockError struct {
	EntityType string
	EntityID   string
	Expected   int64
	Actual     int64
}

func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf("optimistic lock conflict on %s %s: expected version %d, found %d",
		e.EntityType, e.EntityID, e.Expected, e.Actual)
}

// LockTimeoutError signals that an advisory lock could not be acquired within
// the timeout. Callers surface this as a try-again-later conflict.
type LockTimeoutError struct {
	Key     string
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out acquiring lock %q after %s", e.Key, e.Timeout)
}

// KeyToLockID derives a stable 32-bit lock id from a string key (FNV-1a,
// not cryptographic). The same key always maps to the same id, so independent
// code paths serialize on the same logical resource.
func KeyToLockID(key string) int32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int32(h.Sum32())
}

// Provider is the mutual-exclusion backend: a database advisory lock, a
// distributed lock service, or the in-process provider below. TryAcquire
// returns a release func exactly when acquired is true.
type Provider interface {
	TryAcquire(ctx context.Context, lockID int32) (release func(context.Context) error, acquired bool, err error)
}

// AcquirePollInterval is how often WithLock re-attempts acquisition while the
// lock is held elsewhere.
const AcquirePollInterval = 100 * time.Millisecond

// Locker runs operations under an advisory lock derived from a string key.
type Locker struct {
	provider Provider
	poll     time.Duration
}

func NewLocker(provider Provider) *Locker {
	return &Locker{provider: provider, poll: AcquirePollInterval}
}

// WithLock acquires the lock for key, retrying every poll interval until
// timeout, runs fn, and releases the lock on every exit path. Acquisition
// timeout returns a LockTimeoutError without running fn.
func (l *Locker) WithLock(ctx context.Context, key string, timeout time.Duration, fn func(ctx context.Context) error) error {
	lockID := KeyToLockID(key)
	deadline := time.Now().Add(timeout)

	var release func(context.Context) error
	for {
		rel, acquired, err := l.provider.TryAcquire(ctx, lockID)
		if err != nil {
			return fmt.Errorf("failed to acquire lock %q: %w", key, err)
		}
		if acquired {
			release = rel
			break
		}
		if time.Now().Add(l.poll).After(deadline) {
			return &LockTimeoutError{Key: key, Timeout: timeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.poll):
		}
	}

	defer func() {
		// Release must not inherit a cancelled request context.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = release(releaseCtx)
	}()

	return fn(ctx)
}

// PostgresProvider implements Provider with pg_try_advisory_lock. The lock is
// session-scoped, so each acquisition pins a dedicated connection until
// release.
type PostgresProvider struct {
	db *sql.DB
}

func NewPostgresProvider(db *sql.DB) *PostgresProvider {
	return &PostgresProvider{db: db}
}

func (p *PostgresProvider) TryAcquire(ctx context.Context, lockID int32) (func(context.Context) error, bool, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to obtain connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("failed to try advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}

	release := func(releaseCtx context.Context) error {
		defer conn.Close()
		var unlocked bool
		if err := conn.QueryRowContext(releaseCtx, "SELECT pg_advisory_unlock($1)", lockID).Scan(&unlocked); err != nil {
			return fmt.Errorf("failed to release advisory lock: %w", err)
		}
		return nil
	}
	return release, true, nil
}

// MemoryProvider implements Provider with an in-process lock table, for
// single-instance deployments and tests.
type MemoryProvider struct {
	mu    sync.Mutex
	locks map[int32]bool
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{locks: make(map[int32]bool)}
}

func (p *MemoryProvider) TryAcquire(ctx context.Context, lockID int32) (func(context.Context) error, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.locks[lockID] {
		return nil, false, nil
	}
	p.locks[lockID] = true

	release := func(context.Context) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.locks, lockID)
		return nil
	}
	return release, true, nil
}
