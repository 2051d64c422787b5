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

// SessionDeleter removes a session's jobs and stored files. Satisfied by
// usecase.JobService so the sweeper cleans blobs the same way a client
// delete does.
type SessionDeleter interface {
	DeleteSession(ctx context.Context, sessionID string) (int64, error)
}

// RetentionSweeper deletes sessions whose newest job is older than the
// retention age. It runs one sweep at a time; a tick arriving while a sweep
// is still walking its batch is simply the next loop iteration.
type RetentionSweeper struct {
	jobs     domain.JobRepository
	sessions SessionDeleter
	clock    domain.Clock

	age      time.Duration
	interval time.Duration
	batch    int
}

// NewRetentionSweeper constructs the sweeper; returns nil when a required
// collaborator is missing so callers can skip starting it.
func NewRetentionSweeper(jobs domain.JobRepository, sessions SessionDeleter, clock domain.Clock, age, interval time.Duration, batch int) *RetentionSweeper {
	if jobs == nil || sessions == nil {
		return nil
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if age <= 0 {
		age = 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if batch <= 0 {
		batch = 50
	}
	return &RetentionSweeper{jobs: jobs, sessions: sessions, clock: clock, age: age, interval: interval, batch: batch}
}

// Run blocks until ctx is done, sweeping once immediately and then on every
// tick.
func (s *RetentionSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("retention sweeper stopping")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce deletes one round of expired sessions and reports how many went.
func (s *RetentionSweeper) SweepOnce(ctx context.Context) int {
	tracer := otel.Tracer("app.retention")
	ctx, span := tracer.Start(ctx, "RetentionSweeper.SweepOnce")
	defer span.End()

	cutoff := s.clock.Now().Add(-s.age)
	span.SetAttributes(
		attribute.String("retention.cutoff", cutoff.Format(time.RFC3339)),
		attribute.Int("retention.batch", s.batch),
	)

	deleted := 0
	// Keep draining batches until a round comes back short; a huge backlog
	// after downtime still clears in one invocation.
	for {
		expired, err := s.jobs.ListExpiredSessions(ctx, cutoff, s.batch)
		if err != nil {
			span.RecordError(err)
			slog.Error("retention sweep failed to list sessions", slog.Any("error", err))
			return deleted
		}
		if len(expired) == 0 {
			break
		}
		roundDeleted := 0
		for _, sid := range expired {
			if ctx.Err() != nil {
				return deleted
			}
			n, err := s.sessions.DeleteSession(ctx, sid)
			if err != nil {
				slog.Error("retention sweep failed to delete session",
					slog.String("session_id", sid), slog.Any("error", err))
				continue
			}
			deleted++
			roundDeleted++
			observability.RetentionSessionsDeletedTotal.Inc()
			slog.Info("retention sweep deleted session",
				slog.String("session_id", sid), slog.Int64("jobs", n))
		}
		// A short round means the backlog is drained; a round with zero
		// successes means deletes are failing and retrying now won't help.
		if len(expired) < s.batch || roundDeleted == 0 {
			break
		}
	}
	span.SetAttributes(attribute.Int("retention.sessions_deleted", deleted))
	return deleted
}
