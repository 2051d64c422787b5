// Package shared holds the delivery envelope common to every task backend:
// per-delivery timeout, panic recovery, and exponential redelivery for
// transient engine errors.
package shared

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/invoice-extractor/internal/domain"
)

// ProcessFunc is the engine entry point a backend invokes per delivery.
type ProcessFunc func(ctx context.Context, task domain.ProcessTask) error

// RedeliveryConfig bounds how often a task is re-attempted in process.
// The job state machine owns durable retries; this envelope only smooths
// over short transient windows without a round trip through the queue.
type RedeliveryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxDeliveries   uint64
	ProcessTimeout  time.Duration
}

func DefaultRedeliveryConfig(processTimeout time.Duration) RedeliveryConfig {
	return RedeliveryConfig{
		InitialInterval: 30 * time.Second,
		MaxInterval:     5 * time.Minute,
		MaxDeliveries:   5,
		ProcessTimeout:  processTimeout,
	}
}

// Deliver runs fn for task under the redelivery envelope. A nil return from
// fn consumes the delivery; an error is retried until MaxDeliveries is
// reached or ctx ends. Panics are contained and never retried.
func Deliver(ctx context.Context, cfg RedeliveryConfig, task domain.ProcessTask, fn ProcessFunc) error {
	if cfg.MaxDeliveries == 0 {
		cfg.MaxDeliveries = 1
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = cfg.InitialInterval
	expo.MaxInterval = cfg.MaxInterval
	// Bounded by delivery count, not wall clock.
	expo.MaxElapsedTime = 0

	delivery := 0
	op := func() error {
		delivery++
		err := runOnce(ctx, cfg, task, fn)
		if err != nil {
			slog.Warn("task delivery failed",
				slog.String("job_id", task.JobID),
				slog.Int("delivery", delivery),
				slog.Uint64("max_deliveries", cfg.MaxDeliveries),
				slog.Any("error", err))
		}
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, cfg.MaxDeliveries-1), ctx)
	return backoff.Retry(op, bo)
}

func runOnce(ctx context.Context, cfg RedeliveryConfig, task domain.ProcessTask, fn ProcessFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("task handler panicked",
				slog.String("job_id", task.JobID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = backoff.Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	dctx := ctx
	if cfg.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, cfg.ProcessTimeout)
		defer cancel()
	}
	return fn(dctx, task)
}
