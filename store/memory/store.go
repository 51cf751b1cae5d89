// Package memory provides a fully in-memory pipeline.Store. Safe for
// concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mosaicworks/conduct"
	"github.com/mosaicworks/conduct/id"
	"github.com/mosaicworks/conduct/pipeline"
)

// Compile-time interface check.
var _ pipeline.Store = (*Store)(nil)

// Store keeps runs in process memory, guarded by a single RWMutex. The
// version token is compared and incremented under the write lock, which
// makes UpdateRun a true compare-and-swap.
type Store struct {
	mu sync.RWMutex

	runs map[string]*pipeline.Run
	// active indexes the running run per canonical target key.
	active map[string]string
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		runs:   make(map[string]*pipeline.Run),
		active: make(map[string]string),
	}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// CreateRun persists a new run, enforcing one active run per target key.
func (m *Store) CreateRun(_ context.Context, run *pipeline.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := run.TargetKey.String()
	if activeID, ok := m.active[key]; ok {
		if existing := m.runs[activeID]; existing != nil && existing.Status == pipeline.StatusRunning {
			return conduct.ErrAlreadyRunning
		}
		// Stale index entry from a terminal run; fall through.
		delete(m.active, key)
	}

	cp := run.Clone()
	m.runs[run.ID.String()] = cp
	if run.Status == pipeline.StatusRunning {
		m.active[key] = run.ID.String()
	}
	return nil
}

// GetRun retrieves a deep copy of a run by ID.
func (m *Store) GetRun(_ context.Context, runID id.RunID) (*pipeline.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[runID.String()]
	if !ok {
		return nil, conduct.ErrRunNotFound
	}
	return run.Clone(), nil
}

// FindActiveRun retrieves the running run for the given target key.
func (m *Store) FindActiveRun(_ context.Context, key pipeline.TargetKey) (*pipeline.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runID, ok := m.active[key.String()]
	if !ok {
		return nil, conduct.ErrRunNotFound
	}
	run := m.runs[runID]
	if run == nil || run.Status != pipeline.StatusRunning {
		return nil, conduct.ErrRunNotFound
	}
	return run.Clone(), nil
}

// UpdateRun replaces the stored run if the caller's version token matches.
func (m *Store) UpdateRun(_ context.Context, run *pipeline.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := run.ID.String()
	stored, ok := m.runs[key]
	if !ok {
		return conduct.ErrRunNotFound
	}
	if stored.Version != run.Version {
		return conduct.ErrVersionConflict
	}

	tk := run.TargetKey.String()
	if run.Status == pipeline.StatusRunning {
		// A run re-entering running (a resume) must not displace a
		// newer active run for the same target.
		if activeID, ok := m.active[tk]; ok && activeID != key {
			if other := m.runs[activeID]; other != nil && other.Status == pipeline.StatusRunning {
				return conduct.ErrAlreadyRunning
			}
		}
	}

	run.Version++
	run.UpdatedAt = time.Now().UTC()

	cp := run.Clone()
	m.runs[key] = cp

	if run.Status == pipeline.StatusRunning {
		m.active[tk] = key
	} else if m.active[tk] == key {
		delete(m.active, tk)
	}
	return nil
}

// ListRuns returns deep copies of runs matching opts, ordered by
// creation time ascending (ID as tie-breaker).
func (m *Store) ListRuns(_ context.Context, opts pipeline.ListOpts) ([]*pipeline.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*pipeline.Run, 0, len(m.runs))
	for _, run := range m.runs {
		if opts.Status != "" && run.Status != opts.Status {
			continue
		}
		if opts.Pipeline != "" && run.TargetKey.Pipeline != opts.Pipeline {
			continue
		}
		matched = append(matched, run)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	out := make([]*pipeline.Run, len(matched))
	for i, run := range matched {
		out[i] = run.Clone()
	}
	return out, nil
}
