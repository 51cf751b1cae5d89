package pipeline

import (
	"encoding/json"
	"time"
)

// StepStatus represents the lifecycle state of a single step within a run.
type StepStatus string

const (
	// StepPending means the step has not been dispatched yet.
	StepPending StepStatus = "pending"
	// StepQueued means the step has been handed to the queue transport.
	StepQueued StepStatus = "queued"
	// StepRunning means a worker is currently executing the step.
	StepRunning StepStatus = "running"
	// StepSucceeded means the step finished and recorded a result.
	StepSucceeded StepStatus = "succeeded"
	// StepFailed means the step failed; a Resume may re-dispatch it.
	StepFailed StepStatus = "failed"
	// StepSkipped means the step was not needed or its result was
	// substituted by the degrade policy.
	StepSkipped StepStatus = "skipped"
)

// Terminal reports whether no further transition is possible without an
// explicit Resume.
func (s StepStatus) Terminal() bool {
	return s == StepSucceeded || s == StepFailed || s == StepSkipped
}

// Valid reports whether s is a known step status value.
func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepQueued, StepRunning, StepSucceeded, StepFailed, StepSkipped:
		return true
	}
	return false
}

// rank orders statuses along the forward-only lifecycle. Terminal
// statuses share the highest rank; transitions never decrease rank.
func (s StepStatus) rank() int {
	switch s {
	case StepPending:
		return 0
	case StepQueued:
		return 1
	case StepRunning:
		return 2
	case StepSucceeded, StepFailed, StepSkipped:
		return 3
	}
	return -1
}

// Error classes recorded by the engine itself. Worker-reported failures
// carry whatever class the worker chose.
const (
	// ErrClassDispatch marks a step failed because the queue transport
	// rejected the submission.
	ErrClassDispatch = "dispatch_error"
	// ErrClassStale marks a step failed by the finalizer's staleness
	// sweep: queued or running past its threshold with no heartbeat.
	ErrClassStale = "stale_timeout"
	// ErrClassBudget marks a step failed because the run exhausted its
	// finalize poll budget while the step was still not terminal.
	ErrClassBudget = "finalize_budget_exhausted"
)

// ErrorInfo records a step failure: a stable machine-readable class and a
// human-readable message.
type ErrorInfo struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

// StepState tracks the progress of one step within a run.
type StepState struct {
	Status      StepStatus      `json:"status"`
	Attempts    int             `json:"attempts"`
	QueueRef    string          `json:"queue_ref,omitempty"`
	JobRef      string          `json:"job_ref,omitempty"`
	QueuedAt    *time.Time      `json:"queued_at,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	HeartbeatAt *time.Time      `json:"heartbeat_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *ErrorInfo      `json:"error,omitempty"`
}

// Terminal reports whether the step has reached a terminal status.
func (s *StepState) Terminal() bool { return s.Status.Terminal() }

// LastAlive returns the most recent liveness signal for staleness checks:
// the heartbeat if one was recorded, otherwise the start time for running
// steps and the queue time for queued steps. Returns the zero time when
// the step has no liveness signal at all.
func (s *StepState) LastAlive() time.Time {
	if s.HeartbeatAt != nil {
		return *s.HeartbeatAt
	}
	if s.Status == StepRunning && s.StartedAt != nil {
		return *s.StartedAt
	}
	if s.QueuedAt != nil {
		return *s.QueuedAt
	}
	return time.Time{}
}

// Reset returns the step to pending ahead of a re-dispatch. The attempt
// counter is preserved as a running total across resumes.
func (s *StepState) Reset() {
	attempts := s.Attempts
	*s = StepState{Status: StepPending, Attempts: attempts}
}
