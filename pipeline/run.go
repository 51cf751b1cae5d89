package pipeline

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mosaicworks/conduct"
	"github.com/mosaicworks/conduct/id"
)

// Status represents the run-level lifecycle state.
type Status string

const (
	// StatusRunning means at least one required step is not yet terminal.
	StatusRunning Status = "running"
	// StatusCompleted means every required step ended succeeded or
	// skipped and consolidation has been triggered.
	StatusCompleted Status = "completed"
	// StatusFailed means the run reached a terminal state with at least
	// one required step failed.
	StatusFailed Status = "failed"
)

// Terminal reports whether the run accepts no further writes except by an
// explicit Resume.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known run status value.
func (s Status) Valid() bool {
	return s == StatusRunning || s == StatusCompleted || s == StatusFailed
}

// TargetKey is the natural key of a run: the pipeline type plus the target
// entity identifier. At most one run may be active per key.
type TargetKey struct {
	Pipeline string
	TargetID string
}

// String renders the key in its canonical "pipeline:target_id" form, which
// is also the persisted representation.
func (k TargetKey) String() string {
	return k.Pipeline + ":" + k.TargetID
}

// IsZero reports whether the key is empty.
func (k TargetKey) IsZero() bool { return k.Pipeline == "" && k.TargetID == "" }

// MarshalText implements encoding.TextMarshaler.
func (k TargetKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *TargetKey) UnmarshalText(data []byte) error {
	parsed, err := ParseTargetKey(string(data))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseTargetKey parses the canonical "pipeline:target_id" form.
func ParseTargetKey(s string) (TargetKey, error) {
	pipelineType, targetID, ok := strings.Cut(s, ":")
	if !ok || pipelineType == "" || targetID == "" {
		return TargetKey{}, fmt.Errorf("pipeline: parse target key %q: want pipeline:target_id", s)
	}
	return TargetKey{Pipeline: pipelineType, TargetID: targetID}, nil
}

// Lock is the persisted finalizer lock guarding the consolidation side
// effect. A crashed holder's lock self-expires via ExpiresAt.
type Lock struct {
	HolderToken string    `json:"holder_token"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the lock has passed its expiry at the given time.
func (l *Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Run is one execution attempt of a pipeline for a single target. It is
// the only shared mutable resource in the engine and is always accessed
// through the Store's version-token contract.
type Run struct {
	conduct.Entity

	ID            id.RunID              `json:"run_id"`
	TargetKey     TargetKey             `json:"target_key"`
	Status        Status                `json:"status"`
	RequiredSteps []string              `json:"required_steps"`
	TaskFlags     map[string]bool       `json:"task_flags,omitempty"`
	Steps         map[string]*StepState `json:"steps"`
	FinalizerLock *Lock                 `json:"finalizer_lock,omitempty"`

	// Version is the optimistic-concurrency token. Stores reject an
	// UpdateRun whose Version does not match the persisted record.
	Version int64 `json:"version"`

	// FinalizePolls counts consecutive pull-triggered finalizer cycles
	// that found the run not yet all-terminal.
	FinalizePolls int `json:"finalize_polls,omitempty"`

	// ConsolidatedAt marks that the consolidation consumer was invoked;
	// it guards the at-most-once side effect across finalizer passes.
	ConsolidatedAt *time.Time `json:"consolidated_at,omitempty"`

	// ConsumerError records a consolidation consumer failure. It is
	// metadata only and never reopens the run.
	ConsumerError string `json:"consumer_error,omitempty"`
}

// NewRun creates a running Run for the given target with every required
// step initialized to pending. The required step set recorded here is
// authoritative for the lifetime of the run; Resume never recomputes it.
func NewRun(key TargetKey, requiredSteps []string, taskFlags map[string]bool) *Run {
	steps := make(map[string]*StepState, len(requiredSteps))
	for _, name := range requiredSteps {
		steps[name] = &StepState{Status: StepPending}
	}

	return &Run{
		Entity:        conduct.NewEntity(),
		ID:            id.NewRunID(),
		TargetKey:     key,
		Status:        StatusRunning,
		RequiredSteps: slices.Clone(requiredSteps),
		TaskFlags:     taskFlags,
		Steps:         steps,
	}
}

// Step returns the state for the named step, or nil if the run does not
// track it.
func (r *Run) Step(name string) *StepState {
	return r.Steps[name]
}

// Terminal reports whether the run status is terminal.
func (r *Run) Terminal() bool { return r.Status.Terminal() }

// AllRequiredTerminal reports whether every required step has reached a
// terminal status.
func (r *Run) AllRequiredTerminal() bool {
	for _, name := range r.RequiredSteps {
		step := r.Steps[name]
		if step == nil || !step.Terminal() {
			return false
		}
	}
	return true
}

// RequiredSucceeded reports whether every required step ended succeeded
// or skipped. Only meaningful once AllRequiredTerminal is true.
func (r *Run) RequiredSucceeded() bool {
	for _, name := range r.RequiredSteps {
		step := r.Steps[name]
		if step == nil {
			return false
		}
		if step.Status != StepSucceeded && step.Status != StepSkipped {
			return false
		}
	}
	return true
}

// FailedSteps returns the names of required steps currently in failed
// status, in required order.
func (r *Run) FailedSteps() []string {
	var failed []string
	for _, name := range r.RequiredSteps {
		if step := r.Steps[name]; step != nil && step.Status == StepFailed {
			failed = append(failed, name)
		}
	}
	return failed
}

// Clone returns a deep copy of the run. Stores hand out clones so callers
// can mutate freely without racing the backing record.
func (r *Run) Clone() *Run {
	cp := *r
	cp.RequiredSteps = slices.Clone(r.RequiredSteps)

	if r.TaskFlags != nil {
		cp.TaskFlags = make(map[string]bool, len(r.TaskFlags))
		for k, v := range r.TaskFlags {
			cp.TaskFlags[k] = v
		}
	}

	cp.Steps = make(map[string]*StepState, len(r.Steps))
	for name, step := range r.Steps {
		stepCopy := *step
		if step.QueuedAt != nil {
			t := *step.QueuedAt
			stepCopy.QueuedAt = &t
		}
		if step.StartedAt != nil {
			t := *step.StartedAt
			stepCopy.StartedAt = &t
		}
		if step.FinishedAt != nil {
			t := *step.FinishedAt
			stepCopy.FinishedAt = &t
		}
		if step.HeartbeatAt != nil {
			t := *step.HeartbeatAt
			stepCopy.HeartbeatAt = &t
		}
		if step.Result != nil {
			stepCopy.Result = slices.Clone(step.Result)
		}
		if step.Error != nil {
			errCopy := *step.Error
			stepCopy.Error = &errCopy
		}
		cp.Steps[name] = &stepCopy
	}

	if r.FinalizerLock != nil {
		lockCopy := *r.FinalizerLock
		cp.FinalizerLock = &lockCopy
	}
	if r.ConsolidatedAt != nil {
		t := *r.ConsolidatedAt
		cp.ConsolidatedAt = &t
	}

	return &cp
}

// Validate checks structural integrity of a loaded record. Malformed
// records are rejected rather than silently tolerated.
func (r *Run) Validate() error {
	if r.ID.IsNil() {
		return fmt.Errorf("%w: missing run_id", conduct.ErrMalformedRecord)
	}
	if r.TargetKey.IsZero() {
		return fmt.Errorf("%w: run %s: missing target_key", conduct.ErrMalformedRecord, r.ID)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: run %s: unknown status %q", conduct.ErrMalformedRecord, r.ID, r.Status)
	}
	if len(r.RequiredSteps) == 0 {
		return fmt.Errorf("%w: run %s: empty required_steps", conduct.ErrMalformedRecord, r.ID)
	}
	for _, name := range r.RequiredSteps {
		step := r.Steps[name]
		if step == nil {
			return fmt.Errorf("%w: run %s: required step %q has no state", conduct.ErrMalformedRecord, r.ID, name)
		}
		if !step.Status.Valid() {
			return fmt.Errorf("%w: run %s: step %q unknown status %q", conduct.ErrMalformedRecord, r.ID, name, step.Status)
		}
	}
	return nil
}
