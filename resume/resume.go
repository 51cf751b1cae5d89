// Package resume computes the minimal re-dispatch work for an existing
// run. Terminal-succeeded steps are never re-run; a resume of a failed
// run reuses the same run_id and keeps each step's attempt counter as a
// running total.
package resume

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mosaicworks/conduct/dispatch"
	"github.com/mosaicworks/conduct/finalize"
	"github.com/mosaicworks/conduct/id"
	"github.com/mosaicworks/conduct/pipeline"
)

// Outcome describes what a Resume did.
type Outcome struct {
	// Run is the run after the resume pass.
	Run *pipeline.Run

	// Redispatched maps re-dispatched step names to their new job
	// handles. Empty when nothing needed re-dispatch.
	Redispatched map[string]string

	// ActiveRefs carries the in-flight job handles when the run was
	// still running and Resume was therefore a no-op.
	ActiveRefs map[string]string

	// Finalized reports that all required steps were already
	// terminal-successful and the finalizer was invoked directly,
	// covering the case where only consolidation had failed.
	Finalized bool
}

// Coordinator performs resumes.
type Coordinator struct {
	recorder   *pipeline.Recorder
	dispatcher *dispatch.Dispatcher
	finalizer  *finalize.Finalizer
	logger     *slog.Logger
}

// New creates a Coordinator.
func New(recorder *pipeline.Recorder, dispatcher *dispatch.Dispatcher, finalizer *finalize.Finalizer, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		recorder:   recorder,
		dispatcher: dispatcher,
		finalizer:  finalizer,
		logger:     logger,
	}
}

// Resume re-drives a run:
//
//   - A run still in status running is left alone; the outcome carries
//     the currently active job refs so the caller cannot start duplicate
//     concurrent execution.
//   - A completed run is a no-op.
//   - A failed run is reopened: every required step that is not
//     succeeded or skipped is reset to pending and re-dispatched. If
//     that set is empty, only the downstream consolidation failed, so
//     the finalizer is invoked directly instead.
func (c *Coordinator) Resume(ctx context.Context, runID id.RunID) (*Outcome, error) {
	var toRedispatch []string

	run, reopened, err := c.recorder.Mutate(ctx, runID, func(run *pipeline.Run) (bool, error) {
		toRedispatch = toRedispatch[:0]

		if run.Status == pipeline.StatusRunning || run.Status == pipeline.StatusCompleted {
			return false, nil
		}

		for _, name := range run.RequiredSteps {
			step := run.Steps[name]
			if step == nil {
				return false, fmt.Errorf("resume: run %s required step %q has no state", runID, name)
			}
			if step.Status == pipeline.StepSucceeded || step.Status == pipeline.StepSkipped {
				continue
			}
			step.Reset()
			toRedispatch = append(toRedispatch, name)
		}

		run.Status = pipeline.StatusRunning
		run.FinalizePolls = 0
		run.ConsolidatedAt = nil
		run.ConsumerError = ""
		run.Touch()
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if !reopened {
		out := &Outcome{Run: run}
		if run.Status == pipeline.StatusRunning {
			out.ActiveRefs = activeRefs(run)
		}
		return out, nil
	}

	if len(toRedispatch) == 0 {
		// All required steps already ended well; only the
		// consolidation stage needs another pass.
		if err := c.finalizer.Evaluate(ctx, runID, finalize.TriggerResume); err != nil {
			return nil, err
		}
		return &Outcome{Run: run, Finalized: true}, nil
	}

	c.logger.Info("resuming run",
		slog.String("run_id", runID.String()),
		slog.Any("steps", toRedispatch),
	)

	jobRefs, err := c.dispatcher.EnqueueAll(ctx, run, toRedispatch)
	if err != nil {
		return nil, fmt.Errorf("resume: re-dispatch run %s: %w", runID, err)
	}

	return &Outcome{Run: run, Redispatched: jobRefs}, nil
}

// activeRefs collects the job handles of non-terminal steps.
func activeRefs(run *pipeline.Run) map[string]string {
	refs := make(map[string]string)
	for _, name := range run.RequiredSteps {
		step := run.Steps[name]
		if step == nil || step.Terminal() || step.JobRef == "" {
			continue
		}
		refs[name] = step.JobRef
	}
	return refs
}
