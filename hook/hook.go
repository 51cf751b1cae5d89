// Package hook defines the lifecycle notification system for Conduct.
// Hooks are notified of run and step events and are strictly
// best-effort: a hook error is logged and never affects orchestration
// correctness.
//
// Each lifecycle event is a separate interface so hooks opt in only to
// the events they care about.
package hook

import (
	"context"
	"time"

	"github.com/mosaicworks/conduct/pipeline"
)

// Hook is the base interface all hooks must implement.
type Hook interface {
	// Name returns a unique human-readable name for the hook.
	Name() string
}

// RunStarted is called after a run is created and its steps dispatched.
type RunStarted interface {
	OnRunStarted(ctx context.Context, run *pipeline.Run) error
}

// RunResumed is called after a failed run is resumed.
type RunResumed interface {
	OnRunResumed(ctx context.Context, run *pipeline.Run, redispatched []string) error
}

// StepTransition is called after a step transition is persisted.
type StepTransition interface {
	OnStepTransition(ctx context.Context, run *pipeline.Run, stepName string, status pipeline.StepStatus) error
}

// RunFinished is called after the finalizer marks a run terminal.
type RunFinished interface {
	OnRunFinished(ctx context.Context, run *pipeline.Run, elapsed time.Duration) error
}

// Consolidated is called after the consolidation consumer was invoked.
// consumerErr carries the consumer's failure, if any.
type Consolidated interface {
	OnConsolidated(ctx context.Context, run *pipeline.Run, consumerErr error) error
}
