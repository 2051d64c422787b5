// Package emulate runs task processing in-process. It is the default
// backend for local development and the fallback when the configured
// queue cannot accept a task.
package emulate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fairyhunter13/invoice-extractor/internal/adapter/observability"
	"github.com/fairyhunter13/invoice-extractor/internal/adapter/queue/shared"
	"github.com/fairyhunter13/invoice-extractor/internal/domain"
)

// Dispatcher feeds tasks to a bounded in-process worker pool. Workers run
// on a context detached from the enqueueing request so processing survives
// the HTTP response.
type Dispatcher struct {
	tasks   chan domain.ProcessTask
	handler shared.ProcessFunc
	cfg     shared.RedeliveryConfig

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// New starts workers goroutines immediately. queueDepth bounds how many
// dispatched tasks may wait for a worker before Dispatch blocks.
func New(workers, queueDepth int, cfg shared.RedeliveryConfig, handler shared.ProcessFunc) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 1 {
		queueDepth = workers
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		tasks:   make(chan domain.ProcessTask, queueDepth),
		handler: handler,
		cfg:     cfg,
		baseCtx: ctx,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	slog.Info("emulation dispatcher started", slog.Int("workers", workers), slog.Int("queue_depth", queueDepth))
	return d
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.baseCtx.Done():
			return
		case task := <-d.tasks:
			if err := shared.Deliver(d.baseCtx, d.cfg, task, d.handler); err != nil {
				slog.Error("emulated task gave up",
					slog.String("job_id", task.JobID),
					slog.String("session_id", task.SessionID),
					slog.Any("error", err))
			}
		}
	}
}

// Dispatch queues the task. It blocks while the queue is full and fails
// once ctx ends or the dispatcher has been closed.
func (d *Dispatcher) Dispatch(ctx domain.Context, task domain.ProcessTask) error {
	select {
	case <-d.baseCtx.Done():
		return fmt.Errorf("op=emulate.dispatch: dispatcher closed")
	default:
	}
	select {
	case d.tasks <- task:
		observability.EnqueueJob()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("op=emulate.dispatch: %w", ctx.Err())
	case <-d.baseCtx.Done():
		return fmt.Errorf("op=emulate.dispatch: dispatcher closed")
	}
}

// Close stops the workers. Queued tasks that have not started are dropped;
// the stale-job sweeper reclaims any jobs caught mid-flight.
func (d *Dispatcher) Close() error {
	d.once.Do(func() {
		d.cancel()
		d.wg.Wait()
	})
	return nil
}
