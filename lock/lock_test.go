package lock_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mosaicworks/conduct/lock"
	"github.com/mosaicworks/conduct/pipeline"
	"github.com/mosaicworks/conduct/store/memory"
)

func newLockFixture(t *testing.T, ttl time.Duration) (*lock.Manager, pipeline.Store, *pipeline.Run) {
	t.Helper()

	s := memory.New()
	m := lock.NewManager(s,
		lock.WithTTL(ttl),
		lock.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	key := pipeline.TargetKey{Pipeline: "post_analysis", TargetID: "post-1"}
	run := pipeline.NewRun(key, []string{"visual"}, nil)
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return m, s, run
}

func TestAcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	m, s, run := newLockFixture(t, 30*time.Second)

	token, ok, err := m.Acquire(ctx, run.ID)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !ok || token == "" {
		t.Fatalf("Acquire: ok=%v token=%q", ok, token)
	}

	got, _ := s.GetRun(ctx, run.ID)
	if got.FinalizerLock == nil || got.FinalizerLock.HolderToken != token {
		t.Fatalf("persisted lock = %+v", got.FinalizerLock)
	}

	if err := m.Release(ctx, run.ID, token); err != nil {
		t.Fatalf("Release: %v", err)
	}
	got, _ = s.GetRun(ctx, run.ID)
	if got.FinalizerLock != nil {
		t.Errorf("lock still present after release: %+v", got.FinalizerLock)
	}
}

func TestAcquireContention(t *testing.T) {
	ctx := context.Background()
	m, _, run := newLockFixture(t, 30*time.Second)

	if _, ok, err := m.Acquire(ctx, run.ID); err != nil || !ok {
		t.Fatalf("first Acquire: ok=%v err=%v", ok, err)
	}

	_, ok, err := m.Acquire(ctx, run.ID)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if ok {
		t.Error("second Acquire succeeded while lock held")
	}
}

func TestAcquireAfterExpiry(t *testing.T) {
	ctx := context.Background()
	m, _, run := newLockFixture(t, 10*time.Millisecond)

	if _, ok, err := m.Acquire(ctx, run.ID); err != nil || !ok {
		t.Fatalf("first Acquire: ok=%v err=%v", ok, err)
	}

	time.Sleep(20 * time.Millisecond)

	token, ok, err := m.Acquire(ctx, run.ID)
	if err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}
	if !ok || token == "" {
		t.Error("expired lock not takeable")
	}
}

func TestReleaseWrongHolderLeavesLock(t *testing.T) {
	ctx := context.Background()
	m, s, run := newLockFixture(t, 30*time.Second)

	token, ok, err := m.Acquire(ctx, run.ID)
	if err != nil || !ok {
		t.Fatalf("Acquire: ok=%v err=%v", ok, err)
	}

	// A stale holder coming back after its lock was taken over must not
	// release the new holder's lock.
	if err := m.Release(ctx, run.ID, "stale-token"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	got, _ := s.GetRun(ctx, run.ID)
	if got.FinalizerLock == nil || got.FinalizerLock.HolderToken != token {
		t.Errorf("lock = %+v, want holder %q intact", got.FinalizerLock, token)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _, run := newLockFixture(t, 30*time.Second)

	token, _, err := m.Acquire(ctx, run.ID)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := m.Release(ctx, run.ID, token); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := m.Release(ctx, run.ID, token); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}
