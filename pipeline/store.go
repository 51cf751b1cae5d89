package pipeline

import (
	"context"

	"github.com/mosaicworks/conduct/id"
)

// ListOpts controls filtering and pagination for run list queries.
type ListOpts struct {
	// Status filters by run status. Empty means all statuses.
	Status Status
	// Pipeline filters by pipeline type. Empty means all pipelines.
	Pipeline string
	// Limit is the maximum number of runs to return. Zero means no limit.
	Limit int
	// Offset is the number of runs to skip.
	Offset int
}

// Store defines the persistence contract for pipeline runs. It is the
// sole concurrency-control primitive the engine relies on: every mutation
// is read-modify-write under the run's version token.
//
// Implementations must hand out deep copies from read methods, validate
// records on load, and enforce the one-active-run-per-target invariant
// in CreateRun.
type Store interface {
	// CreateRun persists a new run. Returns conduct.ErrAlreadyRunning
	// if a run with status running already exists for the same target
	// key; the check and the insert are atomic.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by ID. Returns conduct.ErrRunNotFound if
	// no such run exists.
	GetRun(ctx context.Context, runID id.RunID) (*Run, error)

	// FindActiveRun retrieves the run with status running for the given
	// target key. Returns conduct.ErrRunNotFound if there is none.
	FindActiveRun(ctx context.Context, key TargetKey) (*Run, error)

	// UpdateRun persists changes to an existing run if and only if
	// run.Version matches the stored version. On success the stored and
	// in-memory versions are incremented and UpdatedAt is refreshed.
	// Returns conduct.ErrVersionConflict when the token is stale; the
	// caller must reload and retry.
	UpdateRun(ctx context.Context, run *Run) error

	// ListRuns returns runs matching the given options, ordered by
	// creation time.
	ListRuns(ctx context.Context, opts ListOpts) ([]*Run, error)

	// Migrate runs schema migrations, where the backend has any.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
