package finalize_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mosaicworks/conduct/backoff"
	"github.com/mosaicworks/conduct/finalize"
	"github.com/mosaicworks/conduct/id"
	"github.com/mosaicworks/conduct/lock"
	"github.com/mosaicworks/conduct/pipeline"
	"github.com/mosaicworks/conduct/registry"
	"github.com/mosaicworks/conduct/store/memory"
)

// countingConsumer records every consolidation it receives.
type countingConsumer struct {
	mu    sync.Mutex
	calls []*finalize.Consolidation
	err   error
}

func (c *countingConsumer) Consume(_ context.Context, con *finalize.Consolidation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, con)
	return c.err
}

func (c *countingConsumer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type fixture struct {
	store    *memory.Store
	recorder *pipeline.Recorder
	consumer *countingConsumer
}

func newFinalizer(t *testing.T, opts ...finalize.Option) (*finalize.Finalizer, *fixture) {
	t.Helper()

	s := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := pipeline.NewRecorder(s,
		pipeline.WithConflictBackoff(backoff.NewConstant(time.Millisecond)),
		pipeline.WithRecorderLogger(logger),
	)
	locks := lock.NewManager(s, lock.WithTTL(time.Minute), lock.WithLogger(logger))

	consumer := &countingConsumer{}
	base := []finalize.Option{
		finalize.WithConsumer(consumer),
		finalize.WithLogger(logger),
	}
	f := finalize.New(rec, locks, registry.Builtin(), append(base, opts...)...)
	return f, &fixture{store: s, recorder: rec, consumer: consumer}
}

func createRun(t *testing.T, s *memory.Store, steps ...string) *pipeline.Run {
	t.Helper()
	key := pipeline.TargetKey{Pipeline: registry.PipelinePostAnalysis, TargetID: "post-1"}
	run := pipeline.NewRun(key, steps, nil)
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return run
}

func mutateStored(t *testing.T, s *memory.Store, runID id.RunID, fn func(*pipeline.Run)) {
	t.Helper()
	ctx := context.Background()
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	fn(run)
	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
}

func TestEvaluateConsolidatesCompletedRun(t *testing.T) {
	ctx := context.Background()
	f, fx := newFinalizer(t)
	run := createRun(t, fx.store, "visual", "face", "metadata")

	payloads := map[string]json.RawMessage{
		"visual":   json.RawMessage(`{"labels":["beach"]}`),
		"face":     json.RawMessage(`{"faces":2}`),
		"metadata": json.RawMessage(`{"width":1080}`),
	}
	for name, payload := range payloads {
		if _, applied, err := fx.recorder.MarkCompleted(ctx, run.ID, name, payload); err != nil || !applied {
			t.Fatalf("MarkCompleted %s: applied=%v err=%v", name, applied, err)
		}
	}

	if err := f.Evaluate(ctx, run.ID, finalize.TriggerPush); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	got, _ := fx.store.GetRun(ctx, run.ID)
	if got.Status != pipeline.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.ConsolidatedAt == nil {
		t.Error("consolidated_at not set")
	}
	if got.FinalizerLock != nil {
		t.Errorf("finalizer lock left behind: %+v", got.FinalizerLock)
	}

	if fx.consumer.count() != 1 {
		t.Fatalf("consumer calls = %d, want 1", fx.consumer.count())
	}
	con := fx.consumer.calls[0]
	if con.RunID != run.ID || con.TargetKey != run.TargetKey {
		t.Errorf("consolidation identity = %s %s", con.RunID, con.TargetKey)
	}
	if len(con.StepResults) != 3 {
		t.Fatalf("len(StepResults) = %d, want 3", len(con.StepResults))
	}
	for name, payload := range payloads {
		if string(con.StepResults[name]) != string(payload) {
			t.Errorf("result %s = %s, want %s", name, con.StepResults[name], payload)
		}
	}
}

func TestEvaluateDoesNotReconsolidate(t *testing.T) {
	ctx := context.Background()
	f, fx := newFinalizer(t)
	run := createRun(t, fx.store, "visual")

	if _, _, err := fx.recorder.MarkCompleted(ctx, run.ID, "visual", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := f.Evaluate(ctx, run.ID, finalize.TriggerPush); err != nil {
			t.Fatalf("Evaluate %d: %v", i, err)
		}
	}

	if fx.consumer.count() != 1 {
		t.Errorf("consumer calls = %d, want 1", fx.consumer.count())
	}
}

func TestEvaluateNoOpWhileStepsOutstanding(t *testing.T) {
	ctx := context.Background()
	f, fx := newFinalizer(t)
	run := createRun(t, fx.store, "visual", "metadata")

	if _, _, err := fx.recorder.MarkCompleted(ctx, run.ID, "visual", nil); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	if err := f.Evaluate(ctx, run.ID, finalize.TriggerPush); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	got, _ := fx.store.GetRun(ctx, run.ID)
	if got.Status != pipeline.StatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
	if fx.consumer.count() != 0 {
		t.Errorf("consumer calls = %d, want 0", fx.consumer.count())
	}
	// Push triggers must not burn the poll budget.
	if got.FinalizePolls != 0 {
		t.Errorf("finalize_polls = %d, want 0", got.FinalizePolls)
	}
}

func TestEvaluateSweepsStaleSteps(t *testing.T) {
	ctx := context.Background()
	f, fx := newFinalizer(t, finalize.WithStaleAfter(time.Minute))
	run := createRun(t, fx.store, "visual", "metadata")

	if _, _, err := fx.recorder.MarkCompleted(ctx, run.ID, "metadata", json.RawMessage(`{"width":1080}`)); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	// A worker that died mid-step: running, last heartbeat far in the past.
	stale := time.Now().UTC().Add(-10 * time.Minute)
	mutateStored(t, fx.store, run.ID, func(r *pipeline.Run) {
		step := r.Step("visual")
		step.Status = pipeline.StepRunning
		step.StartedAt = &stale
		step.HeartbeatAt = &stale
	})

	if err := f.Evaluate(ctx, run.ID, finalize.TriggerPoll); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	got, _ := fx.store.GetRun(ctx, run.ID)
	if got.Status != pipeline.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	visual := got.Step("visual")
	if visual.Status != pipeline.StepFailed {
		t.Errorf("visual status = %s, want failed", visual.Status)
	}
	if visual.Error == nil || visual.Error.Class != pipeline.ErrClassStale {
		t.Errorf("visual error = %+v, want class stale_timeout", visual.Error)
	}

	// Consolidation still fires, carrying the partial results.
	if fx.consumer.count() != 1 {
		t.Fatalf("consumer calls = %d, want 1", fx.consumer.count())
	}
	if _, ok := fx.consumer.calls[0].StepResults["metadata"]; !ok {
		t.Error("partial result missing from consolidation")
	}
}

func TestEvaluateRespectsPerStepStaleThreshold(t *testing.T) {
	ctx := context.Background()
	// Engine default of one minute, but the video step's registry
	// threshold is ten minutes.
	f, fx := newFinalizer(t, finalize.WithStaleAfter(time.Minute))
	run := createRun(t, fx.store, "video", "metadata")

	if _, _, err := fx.recorder.MarkCompleted(ctx, run.ID, "metadata", nil); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	beat := time.Now().UTC().Add(-5 * time.Minute)
	mutateStored(t, fx.store, run.ID, func(r *pipeline.Run) {
		step := r.Step("video")
		step.Status = pipeline.StepRunning
		step.StartedAt = &beat
		step.HeartbeatAt = &beat
	})

	if err := f.Evaluate(ctx, run.ID, finalize.TriggerPoll); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	got, _ := fx.store.GetRun(ctx, run.ID)
	if got.Step("video").Status != pipeline.StepRunning {
		t.Errorf("video status = %s, want running (within its 10m threshold)", got.Step("video").Status)
	}
	if got.Status != pipeline.StatusRunning {
		t.Errorf("run status = %s, want running", got.Status)
	}
}

func TestEvaluateExhaustsPollBudget(t *testing.T) {
	ctx := context.Background()
	f, fx := newFinalizer(t, finalize.WithBudget(2))
	run := createRun(t, fx.store, "visual")

	// The step never even reaches a queue; only the budget can end it.
	if err := f.Evaluate(ctx, run.ID, finalize.TriggerPoll); err != nil {
		t.Fatalf("first Evaluate: %v", err)
	}
	got, _ := fx.store.GetRun(ctx, run.ID)
	if got.Status != pipeline.StatusRunning || got.FinalizePolls != 1 {
		t.Fatalf("after first poll: status=%s polls=%d", got.Status, got.FinalizePolls)
	}

	if err := f.Evaluate(ctx, run.ID, finalize.TriggerPoll); err != nil {
		t.Fatalf("second Evaluate: %v", err)
	}
	got, _ = fx.store.GetRun(ctx, run.ID)
	if got.Status != pipeline.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	visual := got.Step("visual")
	if visual.Status != pipeline.StepFailed {
		t.Errorf("visual status = %s, want failed", visual.Status)
	}
	if visual.Error == nil || visual.Error.Class != pipeline.ErrClassBudget {
		t.Errorf("visual error = %+v, want class finalize_budget_exhausted", visual.Error)
	}
}

func TestEvaluateAppliesDegradePolicy(t *testing.T) {
	ctx := context.Background()
	f, fx := newFinalizer(t, finalize.WithDegradePolicy(&finalize.ReuseResultPolicy{
		Donors: map[string]string{"face": "visual"},
	}))
	run := createRun(t, fx.store, "visual", "face")

	donor := json.RawMessage(`{"labels":["person"]}`)
	if _, _, err := fx.recorder.MarkCompleted(ctx, run.ID, "visual", donor); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if _, _, err := fx.recorder.MarkFailed(ctx, run.ID, "face", pipeline.ErrorInfo{Class: "handler_error", Message: "model crashed"}); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	if err := f.Evaluate(ctx, run.ID, finalize.TriggerPush); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	got, _ := fx.store.GetRun(ctx, run.ID)
	if got.Status != pipeline.StatusCompleted {
		t.Errorf("status = %s, want completed after degrade", got.Status)
	}
	face := got.Step("face")
	if face.Status != pipeline.StepSkipped {
		t.Errorf("face status = %s, want skipped", face.Status)
	}
	if string(face.Result) != string(donor) {
		t.Errorf("face result = %s, want donor payload", face.Result)
	}
	if face.Error != nil {
		t.Errorf("face error = %+v, want nil after degrade", face.Error)
	}
}

func TestEvaluateRecordsConsumerError(t *testing.T) {
	ctx := context.Background()
	f, fx := newFinalizer(t)
	fx.consumer.err = errors.New("downstream datastore offline")
	run := createRun(t, fx.store, "visual")

	if _, _, err := fx.recorder.MarkCompleted(ctx, run.ID, "visual", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if err := f.Evaluate(ctx, run.ID, finalize.TriggerPush); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	got, _ := fx.store.GetRun(ctx, run.ID)
	// A consumer failure is recorded as metadata; it never reopens the
	// run or changes its outcome.
	if got.Status != pipeline.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.ConsolidatedAt == nil {
		t.Error("consolidated_at not set")
	}
	if got.ConsumerError != "downstream datastore offline" {
		t.Errorf("consumer_error = %q", got.ConsumerError)
	}
}

func TestConcurrentEvaluateConsolidatesOnce(t *testing.T) {
	ctx := context.Background()
	f, fx := newFinalizer(t)
	run := createRun(t, fx.store, "visual")

	if _, _, err := fx.recorder.MarkCompleted(ctx, run.ID, "visual", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.Evaluate(ctx, run.ID, finalize.TriggerPush); err != nil {
				t.Errorf("Evaluate: %v", err)
			}
		}()
	}
	wg.Wait()

	if fx.consumer.count() != 1 {
		t.Errorf("consumer calls = %d, want exactly 1", fx.consumer.count())
	}
}
