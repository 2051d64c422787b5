package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/invoice-extractor/internal/adapter/observability"
	"github.com/fairyhunter13/invoice-extractor/internal/domain"
)

// staleSweepLimit bounds how many jobs one sweep round fails.
const staleSweepLimit = 100

// StaleJobSweeper fails jobs whose worker went silent long past the lease
// takeover threshold. Queue redelivery normally takes such jobs over; this
// sweeper is the backstop for jobs whose redeliveries are exhausted or whose
// queue lost the task, so clients get a failed status and the retry path
// instead of a job stuck in processing forever.
type StaleJobSweeper struct {
	jobs     domain.JobRepository
	clock    domain.Clock
	maxAge   time.Duration
	interval time.Duration
}

// NewStaleJobSweeper builds the sweeper. maxAge should be well past the
// lease takeover threshold; values below 30 minutes are raised to it.
func NewStaleJobSweeper(jobs domain.JobRepository, clock domain.Clock, maxAge, interval time.Duration) *StaleJobSweeper {
	if jobs == nil {
		return nil
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if maxAge < 30*time.Minute {
		maxAge = 30 * time.Minute
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &StaleJobSweeper{jobs: jobs, clock: clock, maxAge: maxAge, interval: interval}
}

// Run blocks until ctx is done.
func (s *StaleJobSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stale job sweeper stopping")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce fails one round of abandoned jobs and returns the count.
func (s *StaleJobSweeper) SweepOnce(ctx context.Context) int64 {
	tracer := otel.Tracer("app.stale_jobs")
	ctx, span := tracer.Start(ctx, "StaleJobSweeper.SweepOnce")
	defer span.End()

	cutoff := s.clock.Now().Add(-s.maxAge)
	n, err := s.jobs.FailStale(ctx, cutoff, staleSweepLimit)
	if err != nil {
		span.RecordError(err)
		slog.Error("stale job sweep failed", slog.Any("error", err))
		return 0
	}
	if n > 0 {
		observability.StaleJobsFailedTotal.Add(float64(n))
		slog.Warn("stale job sweep failed abandoned jobs", slog.Int64("count", n))
	}
	span.SetAttributes(attribute.Int64("jobs.marked_failed", n))
	return n
}
