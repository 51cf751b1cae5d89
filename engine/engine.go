// Package engine wires the conduct components into a ready-to-use
// orchestrator. Build one with New, hand it a store, a queue transport
// and a pipeline registry, then drive runs with StartRun/Resume and feed
// worker callbacks through the Mark* reporters.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mosaicworks/conduct"
	"github.com/mosaicworks/conduct/backoff"
	"github.com/mosaicworks/conduct/dispatch"
	"github.com/mosaicworks/conduct/finalize"
	"github.com/mosaicworks/conduct/hook"
	"github.com/mosaicworks/conduct/id"
	"github.com/mosaicworks/conduct/lock"
	"github.com/mosaicworks/conduct/pipeline"
	"github.com/mosaicworks/conduct/registry"
	"github.com/mosaicworks/conduct/resume"
)

// Engine is the front door of the orchestrator. All methods are safe for
// concurrent use.
type Engine struct {
	cfg    conduct.Config
	logger *slog.Logger

	store    pipeline.Store
	queue    dispatch.Queue
	registry *registry.Registry

	hooks      *hook.Registry
	recorder   *pipeline.Recorder
	locks      *lock.Manager
	dispatcher *dispatch.Dispatcher
	finalizer  *finalize.Finalizer
	resumer    *resume.Coordinator
	poller     *finalize.Poller

	consumer        finalize.Consumer
	degrade         finalize.DegradePolicy
	conflictBackoff backoff.Strategy
	pendingHooks    []hook.Hook
}

// Option configures the Engine.
type Option func(*Engine)

// WithStore sets the run store. Required.
func WithStore(s pipeline.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithQueue sets the queue transport steps are dispatched on. Required.
func WithQueue(q dispatch.Queue) Option {
	return func(e *Engine) { e.queue = q }
}

// WithRegistry sets the pipeline registry. Required.
func WithRegistry(r *registry.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithConfig overrides the default engine configuration. Zero fields keep
// their defaults.
func WithConfig(cfg conduct.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the structured logger shared by all components.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithHook registers a lifecycle hook.
func WithHook(h hook.Hook) Option {
	return func(e *Engine) { e.pendingHooks = append(e.pendingHooks, h) }
}

// WithConsumer sets the consolidation consumer invoked once per run when
// every required step is terminal.
func WithConsumer(c finalize.Consumer) Option {
	return func(e *Engine) { e.consumer = c }
}

// WithDegradePolicy sets the policy that may substitute results for
// failed steps before the run is concluded.
func WithDegradePolicy(p finalize.DegradePolicy) Option {
	return func(e *Engine) { e.degrade = p }
}

// WithConflictBackoff overrides the delay strategy between storage
// conflict retries.
func WithConflictBackoff(s backoff.Strategy) Option {
	return func(e *Engine) { e.conflictBackoff = s }
}

// New builds an Engine from the given options.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:    conduct.DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.store == nil {
		return nil, conduct.ErrNoStore
	}
	if e.queue == nil {
		return nil, conduct.ErrNoQueue
	}
	if e.registry == nil {
		return nil, conduct.ErrNoRegistry
	}

	defaults := conduct.DefaultConfig()
	if e.cfg.ConflictRetries <= 0 {
		e.cfg.ConflictRetries = defaults.ConflictRetries
	}
	if e.cfg.ConflictBackoff <= 0 {
		e.cfg.ConflictBackoff = defaults.ConflictBackoff
	}
	if e.cfg.LockTTL <= 0 {
		e.cfg.LockTTL = defaults.LockTTL
	}
	if e.cfg.StaleAfter <= 0 {
		e.cfg.StaleAfter = defaults.StaleAfter
	}
	if e.cfg.PollSchedule == "" {
		e.cfg.PollSchedule = defaults.PollSchedule
	}

	if e.conflictBackoff == nil {
		e.conflictBackoff = backoff.NewExponentialWithJitter(e.cfg.ConflictBackoff, time.Second)
	}

	e.hooks = hook.NewRegistry(e.logger)
	for _, h := range e.pendingHooks {
		e.hooks.Register(h)
	}

	e.recorder = pipeline.NewRecorder(e.store,
		pipeline.WithConflictRetries(e.cfg.ConflictRetries),
		pipeline.WithConflictBackoff(e.conflictBackoff),
		pipeline.WithRecorderLogger(e.logger),
	)
	e.locks = lock.NewManager(e.store,
		lock.WithTTL(e.cfg.LockTTL),
		lock.WithLogger(e.logger),
	)
	e.dispatcher = dispatch.New(e.queue, e.recorder, e.registry, e.logger)

	finalizeOpts := []finalize.Option{
		finalize.WithHooks(e.hooks),
		finalize.WithBudget(e.cfg.FinalizeBudget),
		finalize.WithStaleAfter(e.cfg.StaleAfter),
		finalize.WithLogger(e.logger),
	}
	if e.consumer != nil {
		finalizeOpts = append(finalizeOpts, finalize.WithConsumer(e.consumer))
	}
	if e.degrade != nil {
		finalizeOpts = append(finalizeOpts, finalize.WithDegradePolicy(e.degrade))
	}
	e.finalizer = finalize.New(e.recorder, e.locks, e.registry, finalizeOpts...)

	e.resumer = resume.New(e.recorder, e.dispatcher, e.finalizer, e.logger)

	poller, err := finalize.NewPoller(e.finalizer, e.store, e.cfg.PollSchedule,
		finalize.WithPollerLogger(e.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("engine: poll schedule: %w", err)
	}
	e.poller = poller

	return e, nil
}

// Start launches the background finalizer poller. It returns immediately.
func (e *Engine) Start(ctx context.Context) error {
	return e.poller.Start(ctx)
}

// Stop halts the background poller and waits for an in-flight sweep to
// finish.
func (e *Engine) Stop(ctx context.Context) error {
	return e.poller.Stop(ctx)
}

// StartRun creates and dispatches a new run for the given target.
//
// The required step set is computed once here, from the registry and the
// target's attributes and flags, and recorded on the run; later resumes
// replay that recorded set even if the registry has changed since.
// Returns conduct.ErrAlreadyRunning when the target already has an
// active run.
func (e *Engine) StartRun(
	ctx context.Context,
	pipelineType, targetID string,
	attrs registry.TargetAttrs,
	flags registry.TaskFlags,
) (*pipeline.Run, error) {
	required, err := e.registry.RequiredSteps(pipelineType, attrs, flags)
	if err != nil {
		return nil, err
	}

	key := pipeline.TargetKey{Pipeline: pipelineType, TargetID: targetID}
	run := pipeline.NewRun(key, required, flags)

	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	e.hooks.EmitRunStarted(ctx, run)
	e.logger.Info("run started",
		slog.String("run_id", run.ID.String()),
		slog.String("target_key", key.String()),
		slog.Any("required_steps", required),
	)

	if _, err := e.dispatcher.EnqueueAll(ctx, run, required); err != nil {
		// Failed dispatches are already recorded as failed steps; give
		// the finalizer a chance to conclude the run right away.
		if evalErr := e.finalizer.Evaluate(ctx, run.ID, finalize.TriggerPush); evalErr != nil {
			e.logger.Error("finalize after dispatch failure",
				slog.String("run_id", run.ID.String()),
				slog.String("error", evalErr.Error()),
			)
		}
		return run, err
	}
	return run, nil
}

// Resume re-drives an existing run. See resume.Coordinator for the exact
// semantics per run status.
func (e *Engine) Resume(ctx context.Context, runID id.RunID) (*resume.Outcome, error) {
	out, err := e.resumer.Resume(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(out.Redispatched) > 0 {
		names := make([]string, 0, len(out.Redispatched))
		for name := range out.Redispatched {
			names = append(names, name)
		}
		e.hooks.EmitRunResumed(ctx, out.Run, names)
	}
	return out, nil
}

// GetRun retrieves a run by ID.
func (e *Engine) GetRun(ctx context.Context, runID id.RunID) (*pipeline.Run, error) {
	return e.store.GetRun(ctx, runID)
}

// FindActiveRun retrieves the running run for a target, if any.
func (e *Engine) FindActiveRun(ctx context.Context, key pipeline.TargetKey) (*pipeline.Run, error) {
	return e.store.FindActiveRun(ctx, key)
}

// ListRuns lists runs matching the given options.
func (e *Engine) ListRuns(ctx context.Context, opts pipeline.ListOpts) ([]*pipeline.Run, error) {
	return e.store.ListRuns(ctx, opts)
}

// Finalize evaluates a run for completion immediately, outside the push
// and poll paths. It never consumes the run's finalize budget.
func (e *Engine) Finalize(ctx context.Context, runID id.RunID) error {
	return e.finalizer.Evaluate(ctx, runID, finalize.TriggerManual)
}

// ── Worker reporting ──
//
// These satisfy local.Reporter and are the callbacks an external
// transport's consumers use. All of them absorb duplicates and
// out-of-order reports.

// StepTerminal reports whether a step is already finished.
func (e *Engine) StepTerminal(ctx context.Context, runID id.RunID, stepName string) (bool, error) {
	return e.recorder.StepTerminal(ctx, runID, stepName)
}

// MarkRunning records that a worker picked up the step.
func (e *Engine) MarkRunning(ctx context.Context, runID id.RunID, stepName string) (bool, error) {
	run, applied, err := e.recorder.MarkRunning(ctx, runID, stepName)
	if err != nil {
		return false, err
	}
	if applied {
		e.hooks.EmitStepTransition(ctx, run, stepName, pipeline.StepRunning)
		e.pushFinalize(ctx, run)
	}
	return applied, nil
}

// MarkCompleted records a step success with its result payload.
func (e *Engine) MarkCompleted(ctx context.Context, runID id.RunID, stepName string, result json.RawMessage) (bool, error) {
	run, applied, err := e.recorder.MarkCompleted(ctx, runID, stepName, result)
	if err != nil {
		return false, err
	}
	if applied {
		e.hooks.EmitStepTransition(ctx, run, stepName, pipeline.StepSucceeded)
		e.pushFinalize(ctx, run)
	}
	return applied, nil
}

// MarkFailed records a step failure.
func (e *Engine) MarkFailed(ctx context.Context, runID id.RunID, stepName string, info pipeline.ErrorInfo) (bool, error) {
	run, applied, err := e.recorder.MarkFailed(ctx, runID, stepName, info)
	if err != nil {
		return false, err
	}
	if applied {
		e.hooks.EmitStepTransition(ctx, run, stepName, pipeline.StepFailed)
		e.pushFinalize(ctx, run)
	}
	return applied, nil
}

// MarkSkipped records that a step was intentionally not executed.
func (e *Engine) MarkSkipped(ctx context.Context, runID id.RunID, stepName string, result json.RawMessage) (bool, error) {
	run, applied, err := e.recorder.MarkSkipped(ctx, runID, stepName, result)
	if err != nil {
		return false, err
	}
	if applied {
		e.hooks.EmitStepTransition(ctx, run, stepName, pipeline.StepSkipped)
		e.pushFinalize(ctx, run)
	}
	return applied, nil
}

// Heartbeat refreshes a running step's liveness timestamp.
func (e *Engine) Heartbeat(ctx context.Context, runID id.RunID, stepName string) error {
	_, _, err := e.recorder.Heartbeat(ctx, runID, stepName)
	return err
}

// pushFinalize runs the finalizer after a persisted step transition. The
// evaluation also sweeps stale sibling steps, so a wedged step is caught
// as soon as any other step reports in, not only on the next poll cycle.
func (e *Engine) pushFinalize(ctx context.Context, run *pipeline.Run) {
	if err := e.finalizer.Evaluate(ctx, run.ID, finalize.TriggerPush); err != nil {
		e.logger.Error("push finalize failed",
			slog.String("run_id", run.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// Store returns the run store.
func (e *Engine) Store() pipeline.Store { return e.store }

// Registry returns the pipeline registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Hooks returns the hook registry.
func (e *Engine) Hooks() *hook.Registry { return e.hooks }

// Recorder returns the transition recorder.
func (e *Engine) Recorder() *pipeline.Recorder { return e.recorder }

// Finalizer returns the run finalizer.
func (e *Engine) Finalizer() *finalize.Finalizer { return e.finalizer }

// Locks returns the finalizer lock manager.
func (e *Engine) Locks() *lock.Manager { return e.locks }

// Config returns the effective engine configuration.
func (e *Engine) Config() conduct.Config { return e.cfg }
