// Package dispatch submits pipeline steps to the queue transport. It is
// fire-and-forget: a dispatched step completes (or fails) through worker
// callbacks, never through a blocking wait here.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mosaicworks/conduct/id"
	"github.com/mosaicworks/conduct/pipeline"
	"github.com/mosaicworks/conduct/registry"
)

// Queue is the abstract transport steps are submitted through. The engine
// does not care whether it is backed by a message broker, a process pool,
// or an in-memory scheduler.
//
// Enqueue returns an opaque job handle. When the transport is down it
// returns an error wrapping conduct.ErrDispatchUnavailable.
type Queue interface {
	Enqueue(ctx context.Context, queueRef, stepName string, runID id.RunID, key pipeline.TargetKey) (jobRef string, err error)
}

// QueueFunc adapts a function to the Queue interface.
type QueueFunc func(ctx context.Context, queueRef, stepName string, runID id.RunID, key pipeline.TargetKey) (string, error)

// Enqueue implements Queue.
func (f QueueFunc) Enqueue(ctx context.Context, queueRef, stepName string, runID id.RunID, key pipeline.TargetKey) (string, error) {
	return f(ctx, queueRef, stepName, runID, key)
}

// Dispatcher enqueues one job per step and records the resulting handles
// through the Recorder.
type Dispatcher struct {
	queue    Queue
	recorder *pipeline.Recorder
	registry *registry.Registry
	logger   *slog.Logger
}

// New creates a Dispatcher.
func New(queue Queue, recorder *pipeline.Recorder, reg *registry.Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{queue: queue, recorder: recorder, registry: reg, logger: logger}
}

// EnqueueAll dispatches the named steps of the run in parallel. Each step
// is marked queued first, then submitted; a submission failure marks the
// step failed with a dispatch_error and is not retried inline; eventual
// retry is the caller's (or a Resume's) concern.
//
// Returns the job handles of the steps that were submitted. Transport
// failures are joined into the returned error so the caller sees the
// infrastructure problem, while the per-step failures stay recorded on
// the run.
func (d *Dispatcher) EnqueueAll(ctx context.Context, run *pipeline.Run, stepNames []string) (map[string]string, error) {
	var (
		mu      sync.Mutex
		jobRefs = make(map[string]string, len(stepNames))
		errs    []error
	)

	g, gctx := errgroup.WithContext(ctx)

	for _, stepName := range stepNames {
		g.Go(func() error {
			if err := d.enqueueOne(gctx, run, stepName, jobRefs, &mu); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			// Never cancel sibling dispatches: steps are independent.
			return nil
		})
	}

	_ = g.Wait() // goroutines only report through errs

	return jobRefs, errors.Join(errs...)
}

func (d *Dispatcher) enqueueOne(
	ctx context.Context,
	run *pipeline.Run,
	stepName string,
	jobRefs map[string]string,
	mu *sync.Mutex,
) error {
	queueRef, err := d.registry.Queue(run.TargetKey.Pipeline, stepName)
	if err != nil {
		return err
	}

	if _, _, err := d.recorder.MarkQueued(ctx, run.ID, stepName, queueRef); err != nil {
		return fmt.Errorf("dispatch: mark %s queued: %w", stepName, err)
	}

	jobRef, err := d.queue.Enqueue(ctx, queueRef, stepName, run.ID, run.TargetKey)
	if err != nil {
		d.logger.Warn("step dispatch failed",
			slog.String("run_id", run.ID.String()),
			slog.String("step", stepName),
			slog.String("queue", queueRef),
			slog.String("error", err.Error()),
		)
		if _, _, markErr := d.recorder.MarkFailed(ctx, run.ID, stepName, pipeline.ErrorInfo{
			Class:   pipeline.ErrClassDispatch,
			Message: err.Error(),
		}); markErr != nil {
			return errors.Join(err, markErr)
		}
		return fmt.Errorf("dispatch: enqueue %s: %w", stepName, err)
	}

	if _, _, err := d.recorder.AttachJobRef(ctx, run.ID, stepName, jobRef); err != nil {
		return fmt.Errorf("dispatch: attach job ref for %s: %w", stepName, err)
	}

	mu.Lock()
	jobRefs[stepName] = jobRef
	mu.Unlock()

	return nil
}
