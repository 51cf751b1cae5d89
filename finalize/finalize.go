// Package finalize decides run completion. The Finalizer is invoked after
// every step transition (push) and by a periodic poller (pull); it sweeps
// stale steps, applies the degrade policy, hands the merged step results
// to the consolidation consumer exactly once per run, and marks the run
// terminal. Execution is serialized per run by the lock manager so the
// consolidation side effect never races.
package finalize

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mosaicworks/conduct/hook"
	"github.com/mosaicworks/conduct/id"
	"github.com/mosaicworks/conduct/lock"
	"github.com/mosaicworks/conduct/pipeline"
	"github.com/mosaicworks/conduct/registry"
)

// Trigger identifies what caused a finalizer evaluation.
type Trigger string

const (
	// TriggerPush is an evaluation following a step transition.
	TriggerPush Trigger = "push"
	// TriggerPoll is a pull-triggered evaluation from the periodic
	// poller; only these consume the finalize budget.
	TriggerPoll Trigger = "poll"
	// TriggerResume is an evaluation requested directly by Resume when
	// no steps needed re-dispatch.
	TriggerResume Trigger = "resume"
	// TriggerManual is an operator-forced evaluation; like push, it
	// never consumes the finalize budget.
	TriggerManual Trigger = "manual"
)

// Consolidation is the merged outcome of a run, handed to the downstream
// consolidation/generation consumer.
type Consolidation struct {
	RunID       id.RunID                   `json:"run_id"`
	TargetKey   pipeline.TargetKey         `json:"target_key"`
	StepResults map[string]json.RawMessage `json:"step_results"`
}

// Consumer receives the consolidation exactly once per run. A consumer
// failure is recorded as run metadata; it never reopens the run.
type Consumer interface {
	Consume(ctx context.Context, c *Consolidation) error
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(ctx context.Context, c *Consolidation) error

// Consume implements Consumer.
func (f ConsumerFunc) Consume(ctx context.Context, c *Consolidation) error { return f(ctx, c) }

// Finalizer evaluates run completion under the per-run lock.
type Finalizer struct {
	recorder   *pipeline.Recorder
	locks      *lock.Manager
	registry   *registry.Registry
	consumer   Consumer
	degrade    DegradePolicy
	hooks      *hook.Registry
	budget     int
	staleAfter time.Duration
	logger     *slog.Logger
}

// Option configures a Finalizer.
type Option func(*Finalizer)

// WithConsumer sets the consolidation consumer. Without one, runs are
// still marked terminal but no consolidation is delivered.
func WithConsumer(c Consumer) Option {
	return func(f *Finalizer) { f.consumer = c }
}

// WithDegradePolicy sets the pluggable degrade predicate.
func WithDegradePolicy(p DegradePolicy) Option {
	return func(f *Finalizer) { f.degrade = p }
}

// WithHooks sets the lifecycle hook registry.
func WithHooks(h *hook.Registry) Option {
	return func(f *Finalizer) { f.hooks = h }
}

// WithBudget bounds consecutive non-terminal poll cycles before the run
// is forced to failed. Zero disables the budget.
func WithBudget(n int) Option {
	return func(f *Finalizer) { f.budget = n }
}

// WithStaleAfter sets the default staleness threshold for steps whose
// registry entry does not override it.
func WithStaleAfter(d time.Duration) Option {
	return func(f *Finalizer) { f.staleAfter = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Finalizer) { f.logger = l }
}

// New creates a Finalizer.
func New(recorder *pipeline.Recorder, locks *lock.Manager, reg *registry.Registry, opts ...Option) *Finalizer {
	f := &Finalizer{
		recorder:   recorder,
		locks:      locks,
		registry:   reg,
		staleAfter: 3 * time.Minute,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.hooks == nil {
		f.hooks = hook.NewRegistry(f.logger)
	}
	return f
}

// Evaluate runs one finalization pass for the run. If another finalizer
// holds the run's lock, it returns immediately with no error; the
// active holder will observe everything this call would have.
func (f *Finalizer) Evaluate(ctx context.Context, runID id.RunID, trigger Trigger) error {
	token, ok, err := f.locks.Acquire(ctx, runID)
	if err != nil {
		return fmt.Errorf("finalize: acquire lock: %w", err)
	}
	if !ok {
		return nil
	}
	defer func() {
		// Release even when the evaluation context was cancelled.
		if relErr := f.locks.Release(context.WithoutCancel(ctx), runID, token); relErr != nil {
			f.logger.Warn("finalizer lock release failed",
				slog.String("run_id", runID.String()),
				slog.String("error", relErr.Error()),
			)
		}
	}()

	var swept []string
	run, _, err := f.recorder.Mutate(ctx, runID, func(run *pipeline.Run) (bool, error) {
		swept = swept[:0]
		if run.Terminal() {
			return false, nil
		}

		changed := f.sweepStale(run, &swept)

		if trigger == TriggerPoll && !run.AllRequiredTerminal() {
			run.FinalizePolls++
			changed = true
			if f.budget > 0 && run.FinalizePolls >= f.budget {
				f.exhaustBudget(run, &swept)
			}
		}

		if run.AllRequiredTerminal() && f.applyDegrade(run) {
			changed = true
		}

		if changed {
			run.Touch()
		}
		return changed, nil
	})
	if err != nil {
		return fmt.Errorf("finalize: evaluate run %s: %w", runID, err)
	}

	for _, name := range swept {
		f.hooks.EmitStepTransition(ctx, run, name, pipeline.StepFailed)
	}

	if run.Terminal() || !run.AllRequiredTerminal() {
		// Terminal: nothing left to do. Not all-terminal: the next
		// push or poll trigger re-evaluates.
		return nil
	}

	return f.conclude(ctx, run, trigger)
}

// conclude delivers the consolidation (at most once, guarded by
// consolidated_at) and marks the run terminal.
func (f *Finalizer) conclude(ctx context.Context, run *pipeline.Run, trigger Trigger) error {
	var consumerErr error
	consumed := false
	if run.ConsolidatedAt == nil && f.consumer != nil {
		consumerErr = f.consumer.Consume(ctx, f.consolidate(run))
		consumed = true
	}

	final := pipeline.StatusFailed
	if run.RequiredSucceeded() {
		final = pipeline.StatusCompleted
	}

	runID := run.ID
	run, _, err := f.recorder.Mutate(ctx, runID, func(run *pipeline.Run) (bool, error) {
		if run.Terminal() {
			return false, nil
		}
		run.Status = final
		if consumed {
			now := time.Now().UTC()
			run.ConsolidatedAt = &now
			if consumerErr != nil {
				run.ConsumerError = consumerErr.Error()
			} else {
				run.ConsumerError = ""
			}
		}
		run.Touch()
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("finalize: conclude run %s: %w", runID, err)
	}

	f.logger.Info("run finalized",
		slog.String("run_id", run.ID.String()),
		slog.String("status", string(run.Status)),
		slog.String("trigger", string(trigger)),
	)

	if consumed {
		f.hooks.EmitConsolidated(ctx, run, consumerErr)
	}
	f.hooks.EmitRunFinished(ctx, run, run.UpdatedAt.Sub(run.CreatedAt))

	return nil
}

// sweepStale fails queued/running steps whose liveness signal is older
// than their threshold. Returns whether anything changed; swept collects
// the step names for hook emission.
func (f *Finalizer) sweepStale(run *pipeline.Run, swept *[]string) bool {
	now := time.Now().UTC()
	changed := false

	for _, name := range run.RequiredSteps {
		step := run.Steps[name]
		if step == nil || (step.Status != pipeline.StepQueued && step.Status != pipeline.StepRunning) {
			continue
		}

		last := step.LastAlive()
		if last.IsZero() {
			continue
		}
		if now.Sub(last) <= f.staleThreshold(run, name) {
			continue
		}

		step.Status = pipeline.StepFailed
		finished := now
		step.FinishedAt = &finished
		step.Error = &pipeline.ErrorInfo{
			Class:   pipeline.ErrClassStale,
			Message: fmt.Sprintf("no heartbeat since %s", last.Format(time.RFC3339)),
		}
		*swept = append(*swept, name)
		changed = true
	}

	return changed
}

// exhaustBudget force-fails every non-terminal required step once the
// poll budget is spent, so a wedged worker cannot hold the run open
// forever.
func (f *Finalizer) exhaustBudget(run *pipeline.Run, swept *[]string) {
	now := time.Now().UTC()
	for _, name := range run.RequiredSteps {
		step := run.Steps[name]
		if step == nil || step.Terminal() {
			continue
		}
		step.Status = pipeline.StepFailed
		finished := now
		step.FinishedAt = &finished
		step.Error = &pipeline.ErrorInfo{
			Class:   pipeline.ErrClassBudget,
			Message: fmt.Sprintf("run exceeded %d finalize poll cycles", f.budget),
		}
		*swept = append(*swept, name)
	}
}

// applyDegrade substitutes synthetic skipped results for failed required
// steps the policy can derive a fallback for.
func (f *Finalizer) applyDegrade(run *pipeline.Run) bool {
	if f.degrade == nil {
		return false
	}

	changed := false
	for _, name := range run.RequiredSteps {
		step := run.Steps[name]
		if step == nil || step.Status != pipeline.StepFailed {
			continue
		}
		result, ok := f.degrade.Degrade(run, name)
		if !ok {
			continue
		}
		step.Status = pipeline.StepSkipped
		step.Result = result
		step.Error = nil
		changed = true
		f.logger.Info("degraded step result substituted",
			slog.String("run_id", run.ID.String()),
			slog.String("step", name),
		)
	}
	return changed
}

// consolidate merges the recorded step results into one payload.
func (f *Finalizer) consolidate(run *pipeline.Run) *Consolidation {
	results := make(map[string]json.RawMessage, len(run.RequiredSteps))
	for _, name := range run.RequiredSteps {
		if step := run.Steps[name]; step != nil && step.Result != nil {
			results[name] = step.Result
		}
	}
	return &Consolidation{
		RunID:       run.ID,
		TargetKey:   run.TargetKey,
		StepResults: results,
	}
}

func (f *Finalizer) staleThreshold(run *pipeline.Run, stepName string) time.Duration {
	if d := f.registry.StaleAfter(run.TargetKey.Pipeline, stepName); d > 0 {
		return d
	}
	return f.staleAfter
}
