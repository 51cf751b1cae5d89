package hook

import (
	"context"
	"log/slog"
	"time"

	"github.com/mosaicworks/conduct/pipeline"
)

// Named entry types pair a hook implementation with the hook name
// captured at registration time, so emit methods never type-assert.
type runStartedEntry struct {
	name string
	hook RunStarted
}

type runResumedEntry struct {
	name string
	hook RunResumed
}

type stepTransitionEntry struct {
	name string
	hook StepTransition
}

type runFinishedEntry struct {
	name string
	hook RunFinished
}

type consolidatedEntry struct {
	name string
	hook Consolidated
}

// Registry holds registered hooks and dispatches lifecycle events to
// them. It type-caches hooks at registration time so emit calls iterate
// only over hooks that implement the relevant event.
type Registry struct {
	hooks  []Hook
	logger *slog.Logger

	runStarted     []runStartedEntry
	runResumed     []runResumedEntry
	stepTransition []stepTransitionEntry
	runFinished    []runFinishedEntry
	consolidated   []consolidatedEntry
}

// NewRegistry creates a hook registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds a hook and type-asserts it into all applicable event
// caches. Hooks are notified in registration order.
func (r *Registry) Register(h Hook) {
	r.hooks = append(r.hooks, h)
	name := h.Name()

	if e, ok := h.(RunStarted); ok {
		r.runStarted = append(r.runStarted, runStartedEntry{name, e})
	}
	if e, ok := h.(RunResumed); ok {
		r.runResumed = append(r.runResumed, runResumedEntry{name, e})
	}
	if e, ok := h.(StepTransition); ok {
		r.stepTransition = append(r.stepTransition, stepTransitionEntry{name, e})
	}
	if e, ok := h.(RunFinished); ok {
		r.runFinished = append(r.runFinished, runFinishedEntry{name, e})
	}
	if e, ok := h.(Consolidated); ok {
		r.consolidated = append(r.consolidated, consolidatedEntry{name, e})
	}
}

// Hooks returns all registered hooks.
func (r *Registry) Hooks() []Hook { return r.hooks }

// EmitRunStarted notifies all hooks that implement RunStarted.
func (r *Registry) EmitRunStarted(ctx context.Context, run *pipeline.Run) {
	for _, e := range r.runStarted {
		if err := e.hook.OnRunStarted(ctx, run); err != nil {
			r.logHookError("OnRunStarted", e.name, err)
		}
	}
}

// EmitRunResumed notifies all hooks that implement RunResumed.
func (r *Registry) EmitRunResumed(ctx context.Context, run *pipeline.Run, redispatched []string) {
	for _, e := range r.runResumed {
		if err := e.hook.OnRunResumed(ctx, run, redispatched); err != nil {
			r.logHookError("OnRunResumed", e.name, err)
		}
	}
}

// EmitStepTransition notifies all hooks that implement StepTransition.
func (r *Registry) EmitStepTransition(ctx context.Context, run *pipeline.Run, stepName string, status pipeline.StepStatus) {
	for _, e := range r.stepTransition {
		if err := e.hook.OnStepTransition(ctx, run, stepName, status); err != nil {
			r.logHookError("OnStepTransition", e.name, err)
		}
	}
}

// EmitRunFinished notifies all hooks that implement RunFinished.
func (r *Registry) EmitRunFinished(ctx context.Context, run *pipeline.Run, elapsed time.Duration) {
	for _, e := range r.runFinished {
		if err := e.hook.OnRunFinished(ctx, run, elapsed); err != nil {
			r.logHookError("OnRunFinished", e.name, err)
		}
	}
}

// EmitConsolidated notifies all hooks that implement Consolidated.
func (r *Registry) EmitConsolidated(ctx context.Context, run *pipeline.Run, consumerErr error) {
	for _, e := range r.consolidated {
		if err := e.hook.OnConsolidated(ctx, run, consumerErr); err != nil {
			r.logHookError("OnConsolidated", e.name, err)
		}
	}
}

func (r *Registry) logHookError(event, name string, err error) {
	r.logger.Warn("hook error",
		slog.String("event", event),
		slog.String("hook", name),
		slog.String("error", err.Error()),
	)
}
