package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mosaicworks/conduct"
	"github.com/mosaicworks/conduct/backoff"
	"github.com/mosaicworks/conduct/id"
)

// Recorder applies step transitions on top of the Store's version-token
// contract. Every transition is load / refuse-if-terminal / apply / save,
// with a bounded retry on version conflicts.
//
// Transitions onto an already-terminal step or run are idempotent no-ops,
// not errors: a duplicate job delivery or a worker completing after a
// stale_timeout sweep is silently absorbed.
type Recorder struct {
	store   Store
	retries int
	backoff backoff.Strategy
	logger  *slog.Logger
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithConflictRetries bounds the retry loop on version conflicts.
func WithConflictRetries(n int) RecorderOption {
	return func(r *Recorder) { r.retries = n }
}

// WithConflictBackoff sets the delay strategy between conflict retries.
func WithConflictBackoff(s backoff.Strategy) RecorderOption {
	return func(r *Recorder) { r.backoff = s }
}

// WithRecorderLogger sets the structured logger.
func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = l }
}

// NewRecorder creates a Recorder over the given store.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:   store,
		retries: 5,
		backoff: backoff.DefaultStrategy(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Mutate loads the run, applies fn, and saves under the run's version
// token, retrying on conflict up to the configured bound. fn returns
// whether it changed the run; an unchanged run is not saved. fn may be
// invoked several times and must be pure over the loaded run.
//
// Returns the run as last loaded (with fn applied), whether a save
// happened, and conduct.ErrConflictRetryExhausted once retries run out.
func (r *Recorder) Mutate(ctx context.Context, runID id.RunID, fn func(*Run) (bool, error)) (*Run, bool, error) {
	var lastErr error

	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, false, ctx.Err()
			case <-time.After(r.backoff.Delay(attempt)):
			}
		}

		run, err := r.store.GetRun(ctx, runID)
		if err != nil {
			return nil, false, err
		}

		changed, err := fn(run)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return run, false, nil
		}

		err = r.store.UpdateRun(ctx, run)
		if err == nil {
			return run, true, nil
		}
		if !errors.Is(err, conduct.ErrVersionConflict) {
			return nil, false, err
		}

		lastErr = err
		r.logger.Debug("run version conflict, retrying",
			slog.String("run_id", runID.String()),
			slog.Int("attempt", attempt+1),
		)
	}

	return nil, false, fmt.Errorf("%w: run %s: %w", conduct.ErrConflictRetryExhausted, runID, lastErr)
}

// transition applies a forward-only step transition. Terminal steps and
// terminal runs absorb the call as a no-op. Backward transitions within
// the non-terminal band (e.g. running back to queued) are likewise
// absorbed, so racing callbacks can land in any order.
func (r *Recorder) transition(
	ctx context.Context,
	runID id.RunID,
	stepName string,
	to StepStatus,
	apply func(*StepState),
) (*Run, bool, error) {
	return r.Mutate(ctx, runID, func(run *Run) (bool, error) {
		if run.Terminal() {
			return false, nil
		}

		step := run.Step(stepName)
		if step == nil {
			return false, fmt.Errorf("%w: run %s step %q", conduct.ErrUnknownStep, runID, stepName)
		}
		if step.Terminal() {
			return false, nil
		}
		if to.rank() <= step.Status.rank() {
			// Late or duplicate non-terminal callback; absorb it.
			return false, nil
		}

		step.Status = to
		apply(step)
		run.Touch()
		return true, nil
	})
}

// MarkQueued records that a step was handed to the queue transport,
// incrementing its attempt counter.
func (r *Recorder) MarkQueued(ctx context.Context, runID id.RunID, stepName, queueRef string) (*Run, bool, error) {
	return r.transition(ctx, runID, stepName, StepQueued, func(step *StepState) {
		now := time.Now().UTC()
		step.Attempts++
		step.QueueRef = queueRef
		step.QueuedAt = &now
	})
}

// AttachJobRef records the job handle returned by the queue transport.
// It is a touch, not a transition: it never moves the step's status and
// is absorbed if the step has already advanced past queued.
func (r *Recorder) AttachJobRef(ctx context.Context, runID id.RunID, stepName, jobRef string) (*Run, bool, error) {
	return r.Mutate(ctx, runID, func(run *Run) (bool, error) {
		step := run.Step(stepName)
		if step == nil {
			return false, fmt.Errorf("%w: run %s step %q", conduct.ErrUnknownStep, runID, stepName)
		}
		if step.Terminal() || step.JobRef == jobRef {
			return false, nil
		}
		step.JobRef = jobRef
		run.Touch()
		return true, nil
	})
}

// MarkRunning records that a worker started executing the step.
func (r *Recorder) MarkRunning(ctx context.Context, runID id.RunID, stepName string) (*Run, bool, error) {
	return r.transition(ctx, runID, stepName, StepRunning, func(step *StepState) {
		now := time.Now().UTC()
		step.StartedAt = &now
		step.HeartbeatAt = &now
	})
}

// MarkCompleted records a successful step result. A second delivery for
// the same step leaves the first result untouched.
func (r *Recorder) MarkCompleted(ctx context.Context, runID id.RunID, stepName string, result json.RawMessage) (*Run, bool, error) {
	return r.transition(ctx, runID, stepName, StepSucceeded, func(step *StepState) {
		now := time.Now().UTC()
		step.FinishedAt = &now
		step.Result = result
		step.Error = nil
	})
}

// MarkFailed records a step failure with its error class and message.
func (r *Recorder) MarkFailed(ctx context.Context, runID id.RunID, stepName string, info ErrorInfo) (*Run, bool, error) {
	return r.transition(ctx, runID, stepName, StepFailed, func(step *StepState) {
		now := time.Now().UTC()
		step.FinishedAt = &now
		step.Error = &info
	})
}

// MarkSkipped records that a step was not needed. An optional result may
// carry a degrade-substituted payload.
func (r *Recorder) MarkSkipped(ctx context.Context, runID id.RunID, stepName string, result json.RawMessage) (*Run, bool, error) {
	return r.transition(ctx, runID, stepName, StepSkipped, func(step *StepState) {
		now := time.Now().UTC()
		step.FinishedAt = &now
		if result != nil {
			step.Result = result
		}
	})
}

// Heartbeat re-touches the step's liveness timestamp so the finalizer's
// staleness sweep does not misfire on long-running work. Heartbeats on
// terminal steps or runs are absorbed.
func (r *Recorder) Heartbeat(ctx context.Context, runID id.RunID, stepName string) (*Run, bool, error) {
	return r.Mutate(ctx, runID, func(run *Run) (bool, error) {
		if run.Terminal() {
			return false, nil
		}
		step := run.Step(stepName)
		if step == nil {
			return false, fmt.Errorf("%w: run %s step %q", conduct.ErrUnknownStep, runID, stepName)
		}
		if step.Terminal() {
			return false, nil
		}
		now := time.Now().UTC()
		step.HeartbeatAt = &now
		return true, nil
	})
}

// StepTerminal reports whether the step (or its whole run) is already
// terminal. Workers call this before doing any work so a redelivered job
// exits immediately.
func (r *Recorder) StepTerminal(ctx context.Context, runID id.RunID, stepName string) (bool, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.Terminal() {
		return true, nil
	}
	step := run.Step(stepName)
	if step == nil {
		return false, fmt.Errorf("%w: run %s step %q", conduct.ErrUnknownStep, runID, stepName)
	}
	return step.Terminal(), nil
}
