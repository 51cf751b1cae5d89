package finalize

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/mosaicworks/conduct/pipeline"
)

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression (standard five-field syntax or
// descriptors like "@every 30s") into a schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Poller is the pull trigger: on a cron schedule it sweeps every running
// run through the Finalizer, catching externally-stalled steps that no
// worker callback will ever push. Each sweep consumes one unit of the
// run's finalize budget.
type Poller struct {
	finalizer *Finalizer
	store     pipeline.Store
	schedule  cronlib.Schedule
	logger    *slog.Logger

	// batchSize bounds how many running runs one sweep evaluates.
	batchSize int

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithBatchSize bounds how many running runs one sweep evaluates.
func WithBatchSize(n int) PollerOption {
	return func(p *Poller) { p.batchSize = n }
}

// WithPollerLogger sets the structured logger.
func WithPollerLogger(l *slog.Logger) PollerOption {
	return func(p *Poller) { p.logger = l }
}

// NewPoller creates a Poller firing on the given cron expression.
func NewPoller(finalizer *Finalizer, store pipeline.Store, expr string, opts ...PollerOption) (*Poller, error) {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return nil, fmt.Errorf("finalize: parse poll schedule %q: %w", expr, err)
	}

	p := &Poller{
		finalizer: finalizer,
		store:     store,
		schedule:  schedule,
		logger:    slog.Default(),
		batchSize: 200,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start launches the poll loop. It returns immediately.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.wg.Add(1)
	go p.loop(ctx)

	p.logger.Info("finalize poller started")
	return nil
}

// Stop signals the poller to stop and waits for the loop to finish.
func (p *Poller) Stop(_ context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("finalize poller stopped")
	return nil
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	for {
		next := p.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-p.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep evaluates every running run once. Exposed so operators can force
// a sweep outside the schedule.
func (p *Poller) Sweep(ctx context.Context) {
	runs, err := p.store.ListRuns(ctx, pipeline.ListOpts{
		Status: pipeline.StatusRunning,
		Limit:  p.batchSize,
	})
	if err != nil {
		p.logger.Error("poll sweep list failed", slog.String("error", err.Error()))
		return
	}

	for _, run := range runs {
		if err := p.finalizer.Evaluate(ctx, run.ID, TriggerPoll); err != nil {
			p.logger.Warn("poll evaluation failed",
				slog.String("run_id", run.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}
