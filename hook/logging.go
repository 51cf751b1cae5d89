package hook

import (
	"context"
	"log/slog"
	"time"

	"github.com/mosaicworks/conduct/pipeline"
)

// LoggingHook logs run and step lifecycle events through slog.
type LoggingHook struct {
	logger *slog.Logger
}

// Logging creates a logging hook.
func Logging(logger *slog.Logger) *LoggingHook {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingHook{logger: logger}
}

// Name implements Hook.
func (h *LoggingHook) Name() string { return "logging" }

// OnRunStarted implements RunStarted.
func (h *LoggingHook) OnRunStarted(_ context.Context, run *pipeline.Run) error {
	h.logger.Info("run started",
		slog.String("run_id", run.ID.String()),
		slog.String("target", run.TargetKey.String()),
		slog.Any("required_steps", run.RequiredSteps),
	)
	return nil
}

// OnRunResumed implements RunResumed.
func (h *LoggingHook) OnRunResumed(_ context.Context, run *pipeline.Run, redispatched []string) error {
	h.logger.Info("run resumed",
		slog.String("run_id", run.ID.String()),
		slog.String("target", run.TargetKey.String()),
		slog.Any("redispatched", redispatched),
	)
	return nil
}

// OnStepTransition implements StepTransition.
func (h *LoggingHook) OnStepTransition(_ context.Context, run *pipeline.Run, stepName string, status pipeline.StepStatus) error {
	attrs := []any{
		slog.String("run_id", run.ID.String()),
		slog.String("step", stepName),
		slog.String("status", string(status)),
	}
	if step := run.Step(stepName); step != nil && step.Error != nil {
		attrs = append(attrs,
			slog.String("error_class", step.Error.Class),
			slog.String("error", step.Error.Message),
		)
	}

	if status == pipeline.StepFailed {
		h.logger.Warn("step transition", attrs...)
	} else {
		h.logger.Info("step transition", attrs...)
	}
	return nil
}

// OnRunFinished implements RunFinished.
func (h *LoggingHook) OnRunFinished(_ context.Context, run *pipeline.Run, elapsed time.Duration) error {
	attrs := []any{
		slog.String("run_id", run.ID.String()),
		slog.String("target", run.TargetKey.String()),
		slog.String("status", string(run.Status)),
		slog.Duration("elapsed", elapsed),
	}
	if failed := run.FailedSteps(); len(failed) > 0 {
		attrs = append(attrs, slog.Any("failed_steps", failed))
	}

	if run.Status == pipeline.StatusFailed {
		h.logger.Error("run finished", attrs...)
	} else {
		h.logger.Info("run finished", attrs...)
	}
	return nil
}

// OnConsolidated implements Consolidated.
func (h *LoggingHook) OnConsolidated(_ context.Context, run *pipeline.Run, consumerErr error) error {
	if consumerErr != nil {
		h.logger.Error("consolidation consumer failed",
			slog.String("run_id", run.ID.String()),
			slog.String("error", consumerErr.Error()),
		)
		return nil
	}
	h.logger.Info("consolidation delivered",
		slog.String("run_id", run.ID.String()),
	)
	return nil
}
