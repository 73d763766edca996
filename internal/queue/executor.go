package queue

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"casparian/internal/config"
	"casparian/internal/core"
	"casparian/internal/ident"
	"casparian/internal/logging"
)

// Runner executes one claimed job. The returned string is recorded as the
// job's output summary. The context is cancelled when a cancel request is
// observed or the executor shuts down.
type Runner interface {
	Run(ctx context.Context, job *Job) (outputInfo string, err error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job *Job) (string, error)

func (f RunnerFunc) Run(ctx context.Context, job *Job) (string, error) { return f(ctx, job) }

// Executor drains the queue with a bounded worker pool. Each worker claims,
// heartbeats while running and reports the outcome with transient
// classification so the queue can schedule retries.
type Executor struct {
	queue       *Queue
	runner      Runner
	cfg         config.QueueConfig
	workspaceID string
	workerBase  string

	// PollInterval controls how often idle workers re-check the queue.
	PollInterval time.Duration
}

// NewExecutor creates an executor over a queue.
func NewExecutor(q *Queue, runner Runner, cfg config.QueueConfig, workspaceID string) *Executor {
	return &Executor{
		queue:        q,
		runner:       runner,
		cfg:          cfg,
		workspaceID:  workspaceID,
		workerBase:   ident.NewID()[:8],
		PollInterval: 250 * time.Millisecond,
	}
}

// Run operates worker slots until ctx is done. It returns the first
// infrastructure error; job failures are recorded, not returned.
func (e *Executor) Run(ctx context.Context) error {
	slots := e.cfg.WorkerSlots
	if slots <= 0 {
		slots = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < slots; i++ {
		workerID := fmt.Sprintf("%s-%d", e.workerBase, i)
		g.Go(func() error { return e.workerLoop(ctx, workerID) })
	}
	g.Go(func() error { return e.reaperLoop(ctx) })
	return g.Wait()
}

func (e *Executor) workerLoop(ctx context.Context, workerID string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		job, err := e.queue.Claim(e.workspaceID, workerID)
		if err != nil {
			if core.IsKind(err, core.KindNotFound) {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(e.PollInterval):
				}
				continue
			}
			return err
		}
		e.runOne(ctx, workerID, job)
	}
}

func (e *Executor) runOne(ctx context.Context, workerID string, job *Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cancelled := make(chan struct{})
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		interval := time.Duration(e.cfg.HeartbeatIntervalMs) * time.Millisecond
		if interval <= 0 {
			interval = 15 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				if err := e.queue.Heartbeat(job.ID, workerID); err != nil {
					logging.Queue("Job %s lost its lease: %v", job.ID, err)
					cancel()
					return
				}
				if requested, err := e.queue.CancelRequested(job.ID); err == nil && requested {
					close(cancelled)
					cancel()
					return
				}
			}
		}
	}()

	outputInfo, runErr := e.runner.Run(jobCtx, job)
	cancel()
	<-hbDone

	select {
	case <-cancelled:
		if err := e.queue.AckCancel(job.ID, workerID); err != nil {
			logging.Queue("Ack cancel for %s failed: %v", job.ID, err)
		}
		return
	default:
	}

	if runErr != nil {
		if err := e.queue.Fail(job.ID, workerID, runErr.Error(), core.IsTransient(runErr)); err != nil {
			logging.Queue("Recording failure for %s failed: %v", job.ID, err)
		}
		return
	}
	if err := e.queue.Complete(job.ID, workerID, outputInfo); err != nil {
		logging.Queue("Completing %s failed: %v", job.ID, err)
	}
}

func (e *Executor) reaperLoop(ctx context.Context) error {
	interval := e.cfg.Lease()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.queue.ReapExpired(); err != nil {
				return err
			}
		}
	}
}
