package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/mosaicworks/conduct"
	"github.com/mosaicworks/conduct/pipeline"
)

func newTestRun(t *testing.T, targetID string) *pipeline.Run {
	t.Helper()
	key := pipeline.TargetKey{Pipeline: "post_analysis", TargetID: targetID}
	return pipeline.NewRun(key, []string{"visual", "metadata"}, nil)
}

func TestCreateAndGetRun(t *testing.T) {
	ctx := context.Background()
	s := New()

	run := newTestRun(t, "post-1")
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.ID != run.ID {
		t.Errorf("ID = %s, want %s", got.ID, run.ID)
	}
	if got.Status != pipeline.StatusRunning {
		t.Errorf("Status = %s, want running", got.Status)
	}

	// Mutating the returned copy must not leak into the store.
	got.Steps["visual"].Status = pipeline.StepSucceeded
	again, _ := s.GetRun(ctx, run.ID)
	if again.Steps["visual"].Status != pipeline.StepPending {
		t.Error("store returned a shared reference instead of a copy")
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := New()
	run := newTestRun(t, "post-1")
	if _, err := s.GetRun(context.Background(), run.ID); !errors.Is(err, conduct.ErrRunNotFound) {
		t.Fatalf("err = %v, want ErrRunNotFound", err)
	}
}

func TestCreateRunRejectsConcurrentActive(t *testing.T) {
	ctx := context.Background()
	s := New()

	first := newTestRun(t, "post-1")
	if err := s.CreateRun(ctx, first); err != nil {
		t.Fatalf("CreateRun first: %v", err)
	}

	second := newTestRun(t, "post-1")
	if err := s.CreateRun(ctx, second); !errors.Is(err, conduct.ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}

	// A different target is unaffected.
	other := newTestRun(t, "post-2")
	if err := s.CreateRun(ctx, other); err != nil {
		t.Fatalf("CreateRun other target: %v", err)
	}
}

func TestCreateRunAllowedAfterTerminal(t *testing.T) {
	ctx := context.Background()
	s := New()

	first := newTestRun(t, "post-1")
	if err := s.CreateRun(ctx, first); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	first.Status = pipeline.StatusFailed
	if err := s.UpdateRun(ctx, first); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	second := newTestRun(t, "post-1")
	if err := s.CreateRun(ctx, second); err != nil {
		t.Fatalf("CreateRun after terminal: %v", err)
	}
}

func TestUpdateRunRejectsReopenOverNewerActiveRun(t *testing.T) {
	ctx := context.Background()
	s := New()

	old := newTestRun(t, "post-1")
	if err := s.CreateRun(ctx, old); err != nil {
		t.Fatalf("CreateRun old: %v", err)
	}
	old.Status = pipeline.StatusFailed
	if err := s.UpdateRun(ctx, old); err != nil {
		t.Fatalf("UpdateRun old to failed: %v", err)
	}

	// A new run for the same target legitimately starts.
	newer := newTestRun(t, "post-1")
	if err := s.CreateRun(ctx, newer); err != nil {
		t.Fatalf("CreateRun newer: %v", err)
	}

	// Reopening the old run must not yield two running runs per target.
	old.Status = pipeline.StatusRunning
	if err := s.UpdateRun(ctx, old); !errors.Is(err, conduct.ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}

	active, err := s.FindActiveRun(ctx, newer.TargetKey)
	if err != nil {
		t.Fatalf("FindActiveRun: %v", err)
	}
	if active.ID != newer.ID {
		t.Errorf("active run = %s, want %s", active.ID, newer.ID)
	}
}

func TestUpdateRunVersionConflict(t *testing.T) {
	ctx := context.Background()
	s := New()

	run := newTestRun(t, "post-1")
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	a, _ := s.GetRun(ctx, run.ID)
	b, _ := s.GetRun(ctx, run.ID)

	a.Steps["visual"].Status = pipeline.StepQueued
	if err := s.UpdateRun(ctx, a); err != nil {
		t.Fatalf("UpdateRun a: %v", err)
	}
	if a.Version != 1 {
		t.Errorf("Version after update = %d, want 1", a.Version)
	}

	b.Steps["metadata"].Status = pipeline.StepQueued
	if err := s.UpdateRun(ctx, b); !errors.Is(err, conduct.ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}
}

func TestFindActiveRun(t *testing.T) {
	ctx := context.Background()
	s := New()

	run := newTestRun(t, "post-1")
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.FindActiveRun(ctx, run.TargetKey)
	if err != nil {
		t.Fatalf("FindActiveRun: %v", err)
	}
	if got.ID != run.ID {
		t.Errorf("ID = %s, want %s", got.ID, run.ID)
	}

	run.Status = pipeline.StatusCompleted
	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	if _, err := s.FindActiveRun(ctx, run.TargetKey); !errors.Is(err, conduct.ErrRunNotFound) {
		t.Fatalf("err = %v, want ErrRunNotFound after completion", err)
	}
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	s := New()

	for _, targetID := range []string{"a", "b", "c"} {
		run := newTestRun(t, targetID)
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun %s: %v", targetID, err)
		}
	}

	storyKey := pipeline.TargetKey{Pipeline: "story_comment", TargetID: "s1"}
	story := pipeline.NewRun(storyKey, []string{"ocr"}, nil)
	story.Status = pipeline.StatusCompleted
	if err := s.CreateRun(ctx, story); err != nil {
		t.Fatalf("CreateRun story: %v", err)
	}

	all, err := s.ListRuns(ctx, pipeline.ListOpts{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("len(all) = %d, want 4", len(all))
	}

	running, err := s.ListRuns(ctx, pipeline.ListOpts{Status: pipeline.StatusRunning})
	if err != nil {
		t.Fatalf("ListRuns running: %v", err)
	}
	if len(running) != 3 {
		t.Errorf("len(running) = %d, want 3", len(running))
	}

	stories, err := s.ListRuns(ctx, pipeline.ListOpts{Pipeline: "story_comment"})
	if err != nil {
		t.Fatalf("ListRuns pipeline filter: %v", err)
	}
	if len(stories) != 1 {
		t.Errorf("len(stories) = %d, want 1", len(stories))
	}

	page, err := s.ListRuns(ctx, pipeline.ListOpts{Limit: 2, Offset: 3})
	if err != nil {
		t.Fatalf("ListRuns page: %v", err)
	}
	if len(page) != 1 {
		t.Errorf("len(page) = %d, want 1", len(page))
	}
}
