// Package lock serialises redemption and allocation attempts per policy using a
// shared cache, so that the lock holds across every process of the fleet.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL bounds how long a crashed holder can keep a policy locked.
const DefaultTTL = 300 * time.Second

// ErrLockAttemptFailed is returned when another attempt already holds the policy lock.
var ErrLockAttemptFailed = errors.New("lock attempt failed: policy is locked")

// Store is the shared cache the lock lives in.
type Store interface {
	// SetNX sets key to value with ttl only if key does not exist, reporting whether it was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Handle identifies one successful acquisition.
type Handle struct {
	PolicyUUID uuid.UUID
	Key        string
	Token      string
	AcquiredAt time.Time
}

// Manager acquires and releases policy locks.
type Manager struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewManager returns a Manager over store. A non-positive ttl falls back to DefaultTTL.
func NewManager(store Store, ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, ttl: ttl, logger: logger, now: time.Now}
}

// Key returns the cache key guarding policyUUID.
func Key(policyUUID uuid.UUID) string {
	return "policy-lock:" + policyUUID.String()
}

// Acquire takes the lock for policyUUID or returns ErrLockAttemptFailed.
func (m *Manager) Acquire(ctx context.Context, policyUUID uuid.UUID) (*Handle, error) {
	h := &Handle{
		PolicyUUID: policyUUID,
		Key:        Key(policyUUID),
		Token:      uuid.NewString(),
		AcquiredAt: m.now(),
	}
	ok, err := m.store.SetNX(ctx, h.Key, h.Token, m.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire policy lock %s: %w", policyUUID, err)
	}
	if !ok {
		m.logger.Info("policy lock held by another attempt", "policy_uuid", policyUUID)
		return nil, ErrLockAttemptFailed
	}
	return h, nil
}

// Release deletes the lock key. It does not check ownership; an expired lock
// taken over by another holder is released too.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	if err := m.store.Delete(ctx, h.Key); err != nil {
		m.logger.Error("release policy lock", "policy_uuid", h.PolicyUUID, "error", err)
		return fmt.Errorf("release policy lock %s: %w", h.PolicyUUID, err)
	}
	return nil
}

// WithLock runs fn while holding the policy lock. The lock is released on every
// exit path, including a panic in fn, and release ignores caller cancellation.
func (m *Manager) WithLock(ctx context.Context, policyUUID uuid.UUID, fn func(ctx context.Context) error) error {
	h, err := m.Acquire(ctx, policyUUID)
	if err != nil {
		return err
	}
	defer func() {
		_ = m.Release(context.WithoutCancel(ctx), h)
	}()
	return fn(ctx)
}
