// Package local provides an in-process queue transport: a worker pool
// that executes step handlers in goroutines and reports transitions back
// through the engine. It satisfies dispatch.Queue, so the orchestrator is
// indifferent to whether steps run locally or on an external broker.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mosaicworks/conduct"
	"github.com/mosaicworks/conduct/id"
	"github.com/mosaicworks/conduct/pipeline"
)

// Job is one unit of step work handed to a handler.
type Job struct {
	// Ref is the queue-side handle recorded on the step state.
	Ref string
	// Queue is the logical queue the step was dispatched on.
	Queue string
	// Step is the step name within the run.
	Step string
	// RunID identifies the owning run.
	RunID id.RunID
	// TargetKey identifies the pipeline target.
	TargetKey pipeline.TargetKey
}

// Handler executes one step and returns its result payload.
type Handler func(ctx context.Context, job Job) (json.RawMessage, error)

// Reporter is the slice of the engine the pool needs to record step
// progress. All methods are idempotent; a duplicate or late report is
// absorbed, not an error.
type Reporter interface {
	// StepTerminal reports whether the step is already finished.
	StepTerminal(ctx context.Context, runID id.RunID, stepName string) (bool, error)
	// MarkRunning records handler start. A false return means the step
	// has already moved past running and the job must not execute.
	MarkRunning(ctx context.Context, runID id.RunID, stepName string) (bool, error)
	// MarkCompleted records a successful result.
	MarkCompleted(ctx context.Context, runID id.RunID, stepName string, result json.RawMessage) (bool, error)
	// MarkFailed records a handler failure.
	MarkFailed(ctx context.Context, runID id.RunID, stepName string, info pipeline.ErrorInfo) (bool, error)
	// Heartbeat refreshes the step's liveness timestamp.
	Heartbeat(ctx context.Context, runID id.RunID, stepName string) error
}

// QueueManager gates admission per queue. The pool calls Acquire before
// executing a job and Release after execution completes.
type QueueManager interface {
	Acquire(queue string) bool
	Release(queue string)
}

// Error classes the pool records for handler outcomes.
const (
	errClassHandler = "handler_error"
	errClassPanic   = "handler_panic"
)

// Pool runs step handlers on a fixed set of goroutines fed by a buffered
// channel.
type Pool struct {
	reporter Reporter
	handlers map[string]Handler
	logger   *slog.Logger

	concurrency       int
	buffer            int
	heartbeatInterval time.Duration
	queueManager      QueueManager
	mw                Middleware

	jobs   chan Job
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPoolBuffer sets the size of the pending-job channel. Enqueue fails
// with conduct.ErrDispatchUnavailable once the buffer is full.
func WithPoolBuffer(n int) PoolOption {
	return func(p *Pool) { p.buffer = n }
}

// WithHeartbeatInterval sets how often running jobs refresh their
// heartbeat. A zero value disables heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithQueueManager sets the per-queue admission gate.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// WithMiddleware wraps every handler invocation with the given
// middleware, outermost first.
func WithMiddleware(mws ...Middleware) PoolOption {
	return func(p *Pool) { p.mw = Chain(mws...) }
}

// WithPoolLogger sets the pool logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// NewPool creates a worker pool. Handlers are keyed by step name; a job
// for a step with no handler fails with class handler_error.
func NewPool(reporter Reporter, handlers map[string]Handler, opts ...PoolOption) *Pool {
	p := &Pool{
		reporter:    reporter,
		handlers:    handlers,
		logger:      slog.Default(),
		concurrency: 10,
		buffer:      256,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.mw == nil {
		p.mw = Recover(p.logger)
	}
	p.jobs = make(chan Job, p.buffer)
	return p
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("local pool starting", slog.Int("concurrency", p.concurrency))

	for range p.concurrency {
		p.wg.Add(1)
		go p.workLoop()
	}
	return nil
}

// Stop signals all workers to stop and waits for in-flight jobs to
// finish. Jobs still buffered are dropped; the finalizer's staleness
// sweep reclaims their steps.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("local pool stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn("local pool shutdown timed out")
		return ctx.Err()
	}
}

// Enqueue implements dispatch.Queue. It is non-blocking: a stopped pool
// or a full buffer returns conduct.ErrDispatchUnavailable.
func (p *Pool) Enqueue(_ context.Context, queueRef, stepName string, runID id.RunID, key pipeline.TargetKey) (string, error) {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return "", fmt.Errorf("%w: local pool not started", conduct.ErrDispatchUnavailable)
	}

	job := Job{
		Ref:       id.NewJobID().String(),
		Queue:     queueRef,
		Step:      stepName,
		RunID:     runID,
		TargetKey: key,
	}

	select {
	case p.jobs <- job:
		return job.Ref, nil
	default:
		return "", fmt.Errorf("%w: local pool buffer full", conduct.ErrDispatchUnavailable)
	}
}

func (p *Pool) workLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case job := <-p.jobs:
			p.admit(job)
		}
	}
}

// admit waits for a queue slot, runs the job, and releases the slot.
func (p *Pool) admit(job Job) {
	if p.queueManager != nil {
		for !p.queueManager.Acquire(job.Queue) {
			select {
			case <-p.stopCh:
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
		defer p.queueManager.Release(job.Queue)
	}
	p.run(job)
}

func (p *Pool) run(job Job) {
	ctx := context.Background()

	// Duplicate deliveries and replays of finished steps are expected;
	// the terminal check makes them cheap no-ops.
	terminal, err := p.reporter.StepTerminal(ctx, job.RunID, job.Step)
	if err != nil {
		p.logger.Error("terminal check failed",
			slog.String("run_id", job.RunID.String()),
			slog.String("step", job.Step),
			slog.String("error", err.Error()),
		)
		return
	}
	if terminal {
		return
	}

	started, err := p.reporter.MarkRunning(ctx, job.RunID, job.Step)
	if err != nil {
		p.logger.Error("mark running failed",
			slog.String("run_id", job.RunID.String()),
			slog.String("step", job.Step),
			slog.String("error", err.Error()),
		)
		return
	}
	if !started {
		return
	}

	hbDone := p.startHeartbeat(job)

	result, handlerErr := p.invoke(ctx, job)

	if hbDone != nil {
		close(hbDone)
	}

	if handlerErr != nil {
		info := pipeline.ErrorInfo{Class: errClassHandler, Message: handlerErr.Error()}
		var pe *PanicError
		if errors.As(handlerErr, &pe) {
			info.Class = errClassPanic
		}
		if _, err := p.reporter.MarkFailed(ctx, job.RunID, job.Step, info); err != nil {
			p.logger.Error("mark failed failed",
				slog.String("run_id", job.RunID.String()),
				slog.String("step", job.Step),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	if _, err := p.reporter.MarkCompleted(ctx, job.RunID, job.Step, result); err != nil {
		p.logger.Error("mark completed failed",
			slog.String("run_id", job.RunID.String()),
			slog.String("step", job.Step),
			slog.String("error", err.Error()),
		)
	}
}

// invoke runs the handler through the middleware chain.
func (p *Pool) invoke(ctx context.Context, job Job) (json.RawMessage, error) {
	handler, ok := p.handlers[job.Step]
	if !ok {
		return nil, fmt.Errorf("no handler registered for step %q", job.Step)
	}
	return p.mw(ctx, job, handler)
}

// startHeartbeat launches the per-job heartbeat ticker. Returns nil when
// heartbeats are disabled.
func (p *Pool) startHeartbeat(job Job) chan struct{} {
	if p.heartbeatInterval <= 0 {
		return nil
	}

	done := make(chan struct{})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				if err := p.reporter.Heartbeat(context.Background(), job.RunID, job.Step); err != nil {
					p.logger.Warn("heartbeat failed",
						slog.String("run_id", job.RunID.String()),
						slog.String("step", job.Step),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()
	return done
}
