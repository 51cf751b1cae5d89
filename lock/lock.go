// Package lock provides the short-TTL exclusive lock that serializes
// finalizer execution per run. It is a conditional write on the run
// record itself: acquisition succeeds only if no lock exists or the
// existing lock has expired, so a crashed holder never needs cleanup.
package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mosaicworks/conduct"
	"github.com/mosaicworks/conduct/id"
	"github.com/mosaicworks/conduct/pipeline"
)

// Manager acquires and releases the per-run finalizer lock.
type Manager struct {
	store  pipeline.Store
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets how long an acquired lock is held before self-expiring.
// The TTL must exceed the expected finalizer evaluation duration.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a lock manager over the given store.
func NewManager(store pipeline.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		ttl:    30 * time.Second,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire attempts to take the run's finalizer lock. It returns the
// holder token and true on success, and false when another live holder
// has it. Contention is a normal signal, not an error. A version
// conflict during the write means another writer got there first and is
// likewise reported as contention.
func (m *Manager) Acquire(ctx context.Context, runID id.RunID) (string, bool, error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return "", false, err
	}

	now := time.Now().UTC()
	if run.FinalizerLock != nil && !run.FinalizerLock.Expired(now) {
		return "", false, nil
	}

	token := uuid.NewString()
	run.FinalizerLock = &pipeline.Lock{
		HolderToken: token,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(m.ttl),
	}

	if err := m.store.UpdateRun(ctx, run); err != nil {
		if errors.Is(err, conduct.ErrVersionConflict) {
			return "", false, nil
		}
		return "", false, err
	}

	return token, true, nil
}

// Release clears the lock if the caller still holds it. A lock taken
// over by another holder (after expiry) is left alone; a conflicting
// concurrent write is retried a few times and then abandoned, since
// expiry cleans up whatever remains.
func (m *Manager) Release(ctx context.Context, runID id.RunID, token string) error {
	for attempt := 0; attempt < 3; attempt++ {
		run, err := m.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.FinalizerLock == nil || run.FinalizerLock.HolderToken != token {
			return nil
		}

		run.FinalizerLock = nil
		err = m.store.UpdateRun(ctx, run)
		if err == nil {
			return nil
		}
		if !errors.Is(err, conduct.ErrVersionConflict) {
			return err
		}
	}

	m.logger.Debug("lock release abandoned, awaiting expiry",
		slog.String("run_id", runID.String()),
	)
	return nil
}

// TTL returns the configured lock TTL.
func (m *Manager) TTL() time.Duration { return m.ttl }
