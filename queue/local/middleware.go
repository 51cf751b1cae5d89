package local

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// Middleware wraps a Handler with cross-cutting logic. It receives the
// current context, the job being executed, and the next handler to call.
// Middleware MUST call next to continue the chain (unless
// short-circuiting on error).
type Middleware func(ctx context.Context, job Job, next Handler) (json.RawMessage, error)

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, job Job, next Handler) (json.RawMessage, error) {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context, job Job) (json.RawMessage, error) {
				return mw(ctx, job, prev)
			}
		}
		return h(ctx, job)
	}
}

// PanicError wraps a recovered handler panic.
type PanicError struct {
	Step  string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in step %s: %v", e.Step, e.Value)
}

// Recover returns middleware that recovers from panics in the handler
// chain. Panics are converted to *PanicError and logged with a stack
// trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, job Job, next Handler) (result json.RawMessage, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("step handler panicked",
					slog.String("run_id", job.RunID.String()),
					slog.String("step", job.Step),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				result = nil
				retErr = &PanicError{Step: job.Step, Value: r}
			}
		}()
		return next(ctx, job)
	}
}

// Logging returns middleware that logs handler start and outcome with
// duration.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, job Job, next Handler) (json.RawMessage, error) {
		start := time.Now()
		logger.Debug("step handler starting",
			slog.String("run_id", job.RunID.String()),
			slog.String("step", job.Step),
			slog.String("queue", job.Queue),
		)

		result, err := next(ctx, job)

		attrs := []any{
			slog.String("run_id", job.RunID.String()),
			slog.String("step", job.Step),
			slog.Duration("elapsed", time.Since(start)),
		}
		if err != nil {
			logger.Warn("step handler failed", append(attrs, slog.String("error", err.Error()))...)
		} else {
			logger.Debug("step handler finished", attrs...)
		}
		return result, err
	}
}
