package redislock

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"orderq/internal/domain"
	"orderq/internal/ports"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
)

const (
	keyPrefix = "inventory_lock:"
	// fallbackPrefix marks a token handed out while the lock store was
	// unreachable; the holder runs without exclusion.
	fallbackPrefix = "fallback:"

	pollInterval = 50 * time.Millisecond
)

var _ ports.Locker = (*Coordinator)(nil)

// Coordinator implements named TTL'd locks over a shared store. When the
// store is unreachable it fails open by default: callers get a fallback token
// and proceed unprotected rather than blocking. FailClosed flips that into a
// lock-unavailable failure.
type Coordinator struct {
	store      ports.LockStore
	failClosed bool
}

func NewCoordinator(store ports.LockStore, failClosed bool) *Coordinator {
	return &Coordinator{store: store, failClosed: failClosed}
}

func ProductKey(productID int64) string {
	return "product:" + strconv.FormatInt(productID, 10)
}

func OrderKey(orderRef string) string {
	return "order:" + orderRef
}

// IsFallback reports whether the token came from a degraded acquisition.
func IsFallback(token string) bool {
	return strings.HasPrefix(token, fallbackPrefix)
}

func (c *Coordinator) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	fullKey := keyPrefix + key
	token := uuid.NewString()

	ok, err := c.store.SetIfAbsent(ctx, fullKey, token, ttl)
	if err != nil {
		if c.failClosed {
			log.Ctx(ctx).Warn().Err(err).Str("key", fullKey).Msg("lock store unreachable, fail-closed policy reports lock unavailable")
			return "", domain.ErrLockUnavailable
		}
		log.Ctx(ctx).Warn().Err(err).Str("key", fullKey).Msg("lock store unreachable, proceeding without lock protection")
		return fallbackPrefix + token, nil
	}
	if !ok {
		return "", domain.ErrLockUnavailable
	}
	return token, nil
}

// AcquireWithRetry polls the lock until it is acquired or the budget runs out.
func (c *Coordinator) AcquireWithRetry(ctx context.Context, key string, ttl, budget time.Duration) (string, error) {
	var token string
	b := retry.WithMaxDuration(budget, retry.NewConstant(pollInterval))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		t, err := c.Acquire(ctx, key, ttl)
		if err != nil {
			if errors.Is(err, domain.ErrLockUnavailable) {
				return retry.RetryableError(err)
			}
			return err
		}
		token = t
		return nil
	})
	if err != nil {
		log.Ctx(ctx).Warn().Str("key", key).Dur("budget", budget).Msg("lock acquisition budget exhausted")
		return "", domain.ErrLockUnavailable
	}
	return token, nil
}

func (c *Coordinator) Release(ctx context.Context, key, token string) bool {
	fullKey := keyPrefix + key

	if IsFallback(token) {
		return true
	}

	ok, err := c.store.CompareAndDelete(ctx, fullKey, token)
	if err != nil {
		// The key expires by TTL anyway; report success so callers don't stall.
		log.Ctx(ctx).Warn().Err(err).Str("key", fullKey).Msg("lock store unreachable on release, assuming released")
		return true
	}
	if !ok {
		log.Ctx(ctx).Warn().Str("key", fullKey).Msg("lock release rejected, token no longer owns the lock")
	}
	return ok
}

// ForceRelease deletes the lock regardless of ownership. Operator use only.
func (c *Coordinator) ForceRelease(ctx context.Context, key string) bool {
	fullKey := keyPrefix + key
	if err := c.store.Delete(ctx, fullKey); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("key", fullKey).Msg("force release failed")
		return false
	}
	log.Ctx(ctx).Warn().Str("key", fullKey).Msg("lock force released")
	return true
}

func (c *Coordinator) IsLocked(ctx context.Context, key string) bool {
	ok, err := c.store.Exists(ctx, keyPrefix+key)
	if err != nil {
		return false
	}
	return ok
}
