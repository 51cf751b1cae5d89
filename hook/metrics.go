package hook

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mosaicworks/conduct/pipeline"
)

// meterName is the instrumentation scope name for conduct metrics.
const meterName = "github.com/mosaicworks/conduct"

// MetricsHook records run and step metrics through OTel instruments.
//
// Instruments:
//   - conduct.step.transitions (Int64Counter): step transitions, with
//     attributes: pipeline, step, status
//   - conduct.run.duration (Float64Histogram): run wall time in seconds,
//     with attributes: pipeline, status
//   - conduct.runs (Int64Counter): terminal runs, with attributes:
//     pipeline, status
type MetricsHook struct {
	transitions metric.Int64Counter
	runDuration metric.Float64Histogram
	runs        metric.Int64Counter
}

// Metrics creates a metrics hook using the global OTel MeterProvider.
// If no MeterProvider is configured, noop instruments are used and the
// hook becomes a pass-through.
func Metrics() *MetricsHook {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter creates a metrics hook with the provided meter. This
// variant allows injecting a specific MeterProvider for testing.
func MetricsWithMeter(meter metric.Meter) *MetricsHook {
	// Create instruments once at construction time. On error, the OTel
	// API returns noop instruments so the hook degrades gracefully.
	transitions, tErr := meter.Int64Counter(
		"conduct.step.transitions",
		metric.WithDescription("Total number of step transitions"),
		metric.WithUnit("{transition}"),
	)
	_ = tErr // noop fallback guaranteed by OTel API contract

	runDuration, dErr := meter.Float64Histogram(
		"conduct.run.duration",
		metric.WithDescription("Wall time of a pipeline run in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // noop fallback guaranteed by OTel API contract

	runs, rErr := meter.Int64Counter(
		"conduct.runs",
		metric.WithDescription("Total number of terminal pipeline runs"),
		metric.WithUnit("{run}"),
	)
	_ = rErr // noop fallback guaranteed by OTel API contract

	return &MetricsHook{
		transitions: transitions,
		runDuration: runDuration,
		runs:        runs,
	}
}

// Name implements Hook.
func (h *MetricsHook) Name() string { return "metrics" }

// OnStepTransition implements StepTransition.
func (h *MetricsHook) OnStepTransition(ctx context.Context, run *pipeline.Run, stepName string, status pipeline.StepStatus) error {
	h.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline", run.TargetKey.Pipeline),
		attribute.String("step", stepName),
		attribute.String("status", string(status)),
	))
	return nil
}

// OnRunFinished implements RunFinished.
func (h *MetricsHook) OnRunFinished(ctx context.Context, run *pipeline.Run, elapsed time.Duration) error {
	attrs := metric.WithAttributes(
		attribute.String("pipeline", run.TargetKey.Pipeline),
		attribute.String("status", string(run.Status)),
	)
	h.runDuration.Record(ctx, elapsed.Seconds(), attrs)
	h.runs.Add(ctx, 1, attrs)
	return nil
}
