package redislock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"orderq/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory stand-in for the Redis lock store. TTLs are
// honored lazily, the way the tests need them.
type memStore struct {
	mu   sync.Mutex
	data map[string]string
	down bool
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]string)}
}

var errStoreDown = errors.New("store unreachable")

func (m *memStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return false, errStoreDown
	}
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

func (m *memStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return false, errStoreDown
	}
	if m.data[key] != expected {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

func (m *memStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return false, errStoreDown
	}
	_, ok := m.data[key]
	return ok, nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errStoreDown
	}
	delete(m.data, key)
	return nil
}

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := NewCoordinator(store, false)

	token, err := c.Acquire(ctx, "product:1", 30*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.False(t, IsFallback(token))
	assert.True(t, c.IsLocked(ctx, "product:1"))

	// Second acquisition is refused while the lock is held.
	_, err = c.Acquire(ctx, "product:1", 30*time.Second)
	assert.ErrorIs(t, err, domain.ErrLockUnavailable)

	// Release with the wrong token must not free the lock.
	assert.False(t, c.Release(ctx, "product:1", "not-the-token"))
	assert.True(t, c.IsLocked(ctx, "product:1"))

	assert.True(t, c.Release(ctx, "product:1", token))
	assert.False(t, c.IsLocked(ctx, "product:1"))
}

func TestAcquireFailOpen(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.down = true
	c := NewCoordinator(store, false)

	token, err := c.Acquire(ctx, "product:1", 30*time.Second)
	require.NoError(t, err, "store errors must not propagate to callers")
	assert.True(t, IsFallback(token))

	// Releasing a fallback token always reports success.
	assert.True(t, c.Release(ctx, "product:1", token))
}

func TestAcquireFailClosed(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.down = true
	c := NewCoordinator(store, true)

	_, err := c.Acquire(ctx, "product:1", 30*time.Second)
	assert.ErrorIs(t, err, domain.ErrLockUnavailable)
}

func TestReleaseWhileStoreDown(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := NewCoordinator(store, false)

	token, err := c.Acquire(ctx, "product:1", 30*time.Second)
	require.NoError(t, err)

	store.down = true
	assert.True(t, c.Release(ctx, "product:1", token), "release degrades to success on store error")
}

func TestAcquireWithRetry(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := NewCoordinator(store, false)

	holder, err := c.Acquire(ctx, "product:1", 30*time.Second)
	require.NoError(t, err)

	// Free the lock while a second caller is polling for it.
	go func() {
		time.Sleep(120 * time.Millisecond)
		c.Release(ctx, "product:1", holder)
	}()

	token, err := c.AcquireWithRetry(ctx, "product:1", 30*time.Second, 2*time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestAcquireWithRetryBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := NewCoordinator(store, false)

	_, err := c.Acquire(ctx, "product:1", 30*time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = c.AcquireWithRetry(ctx, "product:1", 30*time.Second, 200*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrLockUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestForceRelease(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := NewCoordinator(store, false)

	_, err := c.Acquire(ctx, "order:X", 30*time.Second)
	require.NoError(t, err)

	assert.True(t, c.ForceRelease(ctx, "order:X"))
	assert.False(t, c.IsLocked(ctx, "order:X"))
}

func TestLockKeys(t *testing.T) {
	assert.Equal(t, "product:42", ProductKey(42))
	assert.Equal(t, "order:ORD-1", OrderKey("ORD-1"))
}
