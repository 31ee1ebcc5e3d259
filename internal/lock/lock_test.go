package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Memory store
// ---------------------------------------------------------------------------

func TestAcquireTwiceFails(t *testing.T) {
	m := NewManager(NewMemoryStore(), time.Minute, nil)
	policyUUID := uuid.New()

	h, err := m.Acquire(context.Background(), policyUUID)
	require.NoError(t, err)
	assert.Equal(t, "policy-lock:"+policyUUID.String(), h.Key)

	_, err = m.Acquire(context.Background(), policyUUID)
	require.ErrorIs(t, err, ErrLockAttemptFailed)

	require.NoError(t, m.Release(context.Background(), h))
	_, err = m.Acquire(context.Background(), policyUUID)
	require.NoError(t, err)
}

func TestDistinctPoliciesDoNotContend(t *testing.T) {
	m := NewManager(NewMemoryStore(), time.Minute, nil)
	_, err := m.Acquire(context.Background(), uuid.New())
	require.NoError(t, err)
	_, err = m.Acquire(context.Background(), uuid.New())
	require.NoError(t, err)
}

func TestWithLockReleasesOnError(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, time.Minute, nil)
	policyUUID := uuid.New()
	boom := errors.New("ledger down")

	err := m.WithLock(context.Background(), policyUUID, func(ctx context.Context) error {
		assert.True(t, store.Held(Key(policyUUID)))
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, store.Held(Key(policyUUID)))
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, time.Minute, nil)
	policyUUID := uuid.New()

	assert.Panics(t, func() {
		_ = m.WithLock(context.Background(), policyUUID, func(ctx context.Context) error {
			panic("unexpected")
		})
	})
	assert.False(t, store.Held(Key(policyUUID)))
}

func TestWithLockReleasesAfterCancellation(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, time.Minute, nil)
	policyUUID := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())

	err := m.WithLock(ctx, policyUUID, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, store.Held(Key(policyUUID)))
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }

	ok, err := store.SetNX(context.Background(), "k", "a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	ok, err = store.SetNX(context.Background(), "k", "b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock should be re-acquirable")
}

func TestConcurrentAcquireOnlyOneWins(t *testing.T) {
	m := NewManager(NewMemoryStore(), time.Minute, nil)
	policyUUID := uuid.New()

	var wins, losses atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Acquire(context.Background(), policyUUID)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrLockAttemptFailed):
				losses.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(19), losses.Load())
}

// ---------------------------------------------------------------------------
// Redis store
// ---------------------------------------------------------------------------

func newRedisManager(t *testing.T, ttl time.Duration) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewManager(NewRedisStore(client), ttl, nil), mr
}

func TestRedisAcquireSetsTTL(t *testing.T) {
	m, mr := newRedisManager(t, 300*time.Second)
	policyUUID := uuid.New()

	h, err := m.Acquire(context.Background(), policyUUID)
	require.NoError(t, err)
	assert.True(t, mr.Exists(h.Key))
	assert.Equal(t, 300*time.Second, mr.TTL(h.Key))

	_, err = m.Acquire(context.Background(), policyUUID)
	require.ErrorIs(t, err, ErrLockAttemptFailed)

	require.NoError(t, m.Release(context.Background(), h))
	assert.False(t, mr.Exists(h.Key))
}

func TestRedisLockExpiresAfterTTL(t *testing.T) {
	m, mr := newRedisManager(t, 10*time.Second)
	policyUUID := uuid.New()

	_, err := m.Acquire(context.Background(), policyUUID)
	require.NoError(t, err)

	mr.FastForward(11 * time.Second)
	_, err = m.Acquire(context.Background(), policyUUID)
	require.NoError(t, err)
}

func TestRedisReleaseOfMissingKeyIsNoop(t *testing.T) {
	m, _ := newRedisManager(t, time.Minute)
	err := m.Release(context.Background(), &Handle{PolicyUUID: uuid.New(), Key: "policy-lock:gone"})
	require.NoError(t, err)
}

func TestRedisUnavailableSurfacesError(t *testing.T) {
	m, mr := newRedisManager(t, time.Minute)
	mr.Close()

	_, err := m.Acquire(context.Background(), uuid.New())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrLockAttemptFailed))
}
