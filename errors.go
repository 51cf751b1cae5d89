package conduct

import "errors"

var (
	// Store errors.
	ErrNoStore    = errors.New("conduct: no store configured")
	ErrNoQueue    = errors.New("conduct: no queue configured")
	ErrNoRegistry = errors.New("conduct: no registry configured")

	// Not found errors.
	ErrRunNotFound      = errors.New("conduct: run not found")
	ErrPipelineNotFound = errors.New("conduct: pipeline not registered")
	ErrUnknownStep      = errors.New("conduct: step not part of run")

	// Concurrency-control errors.
	//
	// ErrVersionConflict is returned by Store.UpdateRun when the caller's
	// version token is stale; the caller must reload and retry.
	// ErrConflictRetryExhausted is surfaced once the bounded retry loop
	// gives up. It is transient; the whole operation may be retried.
	ErrVersionConflict        = errors.New("conduct: run version conflict")
	ErrConflictRetryExhausted = errors.New("conduct: conflict retries exhausted")

	// State errors.
	ErrAlreadyRunning    = errors.New("conduct: an active run exists for target")
	ErrTerminalRun       = errors.New("conduct: run is terminal")
	ErrInvalidTransition = errors.New("conduct: invalid step transition")
	ErrMalformedRecord   = errors.New("conduct: malformed run record")

	// Transport errors.
	ErrDispatchUnavailable = errors.New("conduct: queue transport unavailable")
)
