package conduct

import "time"

// Config holds engine-wide tuning knobs. Zero values fall back to the
// defaults from DefaultConfig.
type Config struct {
	// ConflictRetries bounds the read-modify-write retry loop on a
	// storage version conflict before the operation surfaces
	// ErrConflictRetryExhausted.
	ConflictRetries int

	// ConflictBackoff is the base delay between conflict retries.
	ConflictBackoff time.Duration

	// LockTTL is how long a finalizer lock is held before it
	// self-expires. It must exceed the expected finalizer evaluation
	// duration, including the consolidation consumer call.
	LockTTL time.Duration

	// StaleAfter is the default age past which a queued or running step
	// with no heartbeat is marked failed. Steps may override it in the
	// registry.
	StaleAfter time.Duration

	// FinalizeBudget bounds the number of consecutive poll cycles that
	// find a run not yet all-terminal before the run is forced to
	// failed. Zero disables the budget.
	FinalizeBudget int

	// PollSchedule is the cron expression driving the pull-triggered
	// finalizer sweep. Accepts standard cron syntax and @every forms.
	PollSchedule string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConflictRetries: 5,
		ConflictBackoff: 25 * time.Millisecond,
		LockTTL:         30 * time.Second,
		StaleAfter:      3 * time.Minute,
		FinalizeBudget:  120,
		PollSchedule:    "@every 30s",
	}
}
