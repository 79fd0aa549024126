package ports

import (
	"context"
	"time"
)

// LockStore is the shared external store the distributed lock sits on.
type LockStore interface {
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Locker is the named TTL'd mutual-exclusion primitive. Store errors never
// propagate to callers; depending on policy they degrade to an unprotected
// fallback token or report the lock as unavailable.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	AcquireWithRetry(ctx context.Context, key string, ttl, budget time.Duration) (string, error)
	Release(ctx context.Context, key, token string) bool
	ForceRelease(ctx context.Context, key string) bool
	IsLocked(ctx context.Context, key string) bool
}
