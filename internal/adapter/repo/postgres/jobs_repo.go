package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/invoice-extractor/internal/domain"
)

//go:generate mockery --config=.mockery.yml

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// JobRepo persists and loads jobs using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

// Column order is shared by every scan in this file.
const jobColumns = `id, session_id, filename, blob_path, size_bytes, page_count, status, stages, attempt, manual_retries, locked_by, locked_at, heartbeat_at, ocr_operation, ocr_method, preprocess_applied, COALESCE(result_json, ''), confidence, error, created_at, updated_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var stages []byte
	err := row.Scan(
		&j.ID, &j.SessionID, &j.Filename, &j.BlobPath, &j.SizeBytes, &j.PageCount,
		&j.Status, &stages, &j.Attempt, &j.ManualRetries,
		&j.LockedBy, &j.LockedAt, &j.HeartbeatAt,
		&j.OCROperation, &j.OCRMethod, &j.PreprocessApplied,
		&j.ResultJSON, &j.Confidence, &j.Error, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return domain.Job{}, err
	}
	if len(stages) > 0 {
		if err := json.Unmarshal(stages, &j.Stages); err != nil {
			return domain.Job{}, fmt.Errorf("op=job.scan_stages: %w", err)
		}
	}
	return j, nil
}

// stampStage appends a write-once stage timestamp: concatenating an empty
// object is a no-op when the key already exists, so the first stamp wins.
const stampStage = `(CASE WHEN stages ? %s THEN '{}'::jsonb ELSE jsonb_build_object(%s, %s) END)`

// Create inserts a new job and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "jobs"),
	)
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := j.Status
	if status == "" {
		status = domain.JobUploaded
	}
	now := time.Now().UTC()
	q := `INSERT INTO jobs (id, session_id, filename, blob_path, size_bytes, page_count, status, stages, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,jsonb_build_object('uploaded', $8::text),$9,$9)`
	_, err := r.Pool.Exec(ctx, q, id, j.SessionID, j.Filename, j.BlobPath, j.SizeBytes, j.PageCount, status, now.Format(time.RFC3339Nano), now)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// MarkQueued transitions uploaded -> queued once the task is enqueued.
// A duplicate call, or a job already past uploaded, is a no-op.
func (r *JobRepo) MarkQueued(ctx domain.Context, id string, now time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkQueued")
	defer span.End()
	q := `UPDATE jobs SET status=$2,
		stages = stages || ` + fmt.Sprintf(stampStage, "'queued'", "'queued'", "$3::text") + `,
		updated_at=$4
	WHERE id=$1 AND status=$5`
	_, err := r.Pool.Exec(ctx, q, id, domain.JobQueued, now.Format(time.RFC3339Nano), now, domain.JobUploaded)
	if err != nil {
		return fmt.Errorf("op=job.mark_queued: %w", err)
	}
	return nil
}

// MarkDispatchFailed fails a job that never made it onto any queue. Only
// pre-processing statuses qualify; a worker that somehow picked the job up
// anyway keeps it.
func (r *JobRepo) MarkDispatchFailed(ctx domain.Context, id, errMsg string, now time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkDispatchFailed")
	defer span.End()
	q := `UPDATE jobs SET status=$2, error=$3,
		stages = stages || ` + fmt.Sprintf(stampStage, "'failed'", "'failed'", "$4::text") + `,
		updated_at=$5
	WHERE id=$1 AND status IN ($6, $7)`
	_, err := r.Pool.Exec(ctx, q, id, domain.JobFailed, errMsg, now.Format(time.RFC3339Nano), now, domain.JobUploaded, domain.JobQueued)
	if err != nil {
		return fmt.Errorf("op=job.mark_dispatch_failed: %w", err)
	}
	return nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

func (r *JobRepo) list(ctx context.Context, op, q string, args ...any) ([]domain.Job, error) {
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=%s: %w", op, err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	return jobs, nil
}

// ListBySession returns all jobs for a session, oldest first.
func (r *JobRepo) ListBySession(ctx domain.Context, sessionID string) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListBySession")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE session_id=$1 ORDER BY created_at ASC, id ASC`
	return r.list(ctx, "job.list_session", q, sessionID)
}

// ListDoneBySession returns finished jobs for a session, newest first,
// riding the (session_id, status, created_at DESC) index.
func (r *JobRepo) ListDoneBySession(ctx domain.Context, sessionID string) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListDoneBySession")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE session_id=$1 AND status=$2 ORDER BY created_at DESC, id DESC`
	return r.list(ctx, "job.list_done", q, sessionID, domain.JobDone)
}

// AcquireLock runs the transactional lease acquisition:
//
//  1. missing job -> ErrNotFound
//  2. terminal status -> LockAlreadyDone, no writes
//  3. live foreign lease -> LockContended, no writes
//  4. otherwise take the lease, bump attempt, move to processing
//
// The row is read FOR UPDATE so two workers cannot interleave between read
// and write. The returned job reflects the post-acquisition state.
func (r *JobRepo) AcquireLock(ctx domain.Context, id, workerID string, staleAfter time.Duration, now time.Time) (domain.Job, domain.LockOutcome, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.AcquireLock")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("worker.id", workerID),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Job{}, domain.LockContended, fmt.Errorf("op=job.acquire_begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1 FOR UPDATE`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, domain.LockContended, fmt.Errorf("op=job.acquire: %w", domain.ErrNotFound)
		}
		return domain.Job{}, domain.LockContended, fmt.Errorf("op=job.acquire: %w", err)
	}

	if j.Terminal() {
		return j, domain.LockAlreadyDone, nil
	}
	if j.LockedBy != "" && j.LockedBy != workerID && now.Sub(j.LivenessAt()) < staleAfter {
		return j, domain.LockContended, nil
	}

	q := `UPDATE jobs SET
		locked_by=$2, locked_at=$3, heartbeat_at=$3,
		status=$4, attempt=attempt+1,
		stages = stages || ` + fmt.Sprintf(stampStage, "'processing'", "'processing'", "$5::text") + `,
		updated_at=$3
	WHERE id=$1`
	if _, err := tx.Exec(ctx, q, id, workerID, now, domain.JobProcessing, now.Format(time.RFC3339Nano)); err != nil {
		return domain.Job{}, domain.LockContended, fmt.Errorf("op=job.acquire_update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Job{}, domain.LockContended, fmt.Errorf("op=job.acquire_commit: %w", err)
	}

	j.LockedBy = workerID
	j.LockedAt = &now
	j.HeartbeatAt = &now
	j.Status = domain.JobProcessing
	j.Attempt++
	j.UpdatedAt = now
	if j.Stages == nil {
		j.Stages = map[string]time.Time{}
	}
	if _, ok := j.Stages[string(domain.JobProcessing)]; !ok {
		j.Stages[string(domain.JobProcessing)] = now
	}
	return j, domain.LockAcquired, nil
}

// guarded runs a lease-guarded update; zero affected rows means the lease
// was lost and surfaces as ErrConflict.
func (r *JobRepo) guarded(ctx context.Context, op, q string, args ...any) error {
	tag, err := r.Pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=%s: %w", op, domain.ErrConflict)
	}
	return nil
}

// SetStage moves the job to status and stamps its first entry time.
func (r *JobRepo) SetStage(ctx domain.Context, id, workerID string, status domain.JobStatus, now time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SetStage")
	defer span.End()
	q := `UPDATE jobs SET status=$3,
		stages = stages || ` + fmt.Sprintf(stampStage, "$4::text", "$4::text", "$5::text") + `,
		updated_at=$6
	WHERE id=$1 AND locked_by=$2`
	return r.guarded(ctx, "job.set_stage", q, id, workerID, status, string(status), now.Format(time.RFC3339Nano), now)
}

// SetOCROperation persists the async OCR operation so a takeover resumes
// polling instead of resubmitting.
func (r *JobRepo) SetOCROperation(ctx domain.Context, id, workerID, operation, method string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SetOCROperation")
	defer span.End()
	q := `UPDATE jobs SET ocr_operation=$3, ocr_method=$4, updated_at=$5 WHERE id=$1 AND locked_by=$2`
	return r.guarded(ctx, "job.set_ocr_operation", q, id, workerID, operation, method, time.Now().UTC())
}

// ClearOCROperation removes the operation marker after shard collection.
func (r *JobRepo) ClearOCROperation(ctx domain.Context, id, workerID string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ClearOCROperation")
	defer span.End()
	q := `UPDATE jobs SET ocr_operation='', updated_at=$3 WHERE id=$1 AND locked_by=$2`
	return r.guarded(ctx, "job.clear_ocr_operation", q, id, workerID, time.Now().UTC())
}

// Heartbeat refreshes the liveness timestamp while a stage is in flight.
func (r *JobRepo) Heartbeat(ctx domain.Context, id, workerID string, now time.Time) error {
	q := `UPDATE jobs SET heartbeat_at=$3, updated_at=$3 WHERE id=$1 AND locked_by=$2`
	return r.guarded(ctx, "job.heartbeat", q, id, workerID, now)
}

// SetResult finishes the job: result is set-once (a concurrent winner's
// value is kept), llm/done stamps are write-once, and the lease is cleared.
func (r *JobRepo) SetResult(ctx domain.Context, id, workerID, resultJSON string, confidence float64, preprocessApplied bool, now time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SetResult")
	defer span.End()
	stamp := now.Format(time.RFC3339Nano)
	q := `UPDATE jobs SET
		status=$3,
		result_json = COALESCE(result_json, $4),
		confidence=$5,
		preprocess_applied=$6,
		stages = stages
			|| ` + fmt.Sprintf(stampStage, "'llm'", "'llm'", "$7::text") + `
			|| ` + fmt.Sprintf(stampStage, "'done'", "'done'", "$7::text") + `,
		locked_by='', locked_at=NULL, heartbeat_at=NULL,
		error='',
		updated_at=$8
	WHERE id=$1 AND locked_by=$2`
	return r.guarded(ctx, "job.set_result", q, id, workerID, domain.JobDone, resultJSON, confidence, preprocessApplied, stamp, now)
}

// SetFailed marks the job failed and clears the lease.
func (r *JobRepo) SetFailed(ctx domain.Context, id, workerID, errMsg string, now time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SetFailed")
	defer span.End()
	q := `UPDATE jobs SET
		status=$3,
		error=$4,
		stages = stages || ` + fmt.Sprintf(stampStage, "'failed'", "'failed'", "$5::text") + `,
		locked_by='', locked_at=NULL, heartbeat_at=NULL,
		updated_at=$6
	WHERE id=$1 AND locked_by=$2`
	return r.guarded(ctx, "job.set_failed", q, id, workerID, domain.JobFailed, errMsg, now.Format(time.RFC3339Nano), now)
}

// ReleaseLock gives up the lease without changing status. Releasing a lease
// that was already taken over is a no-op, not an error.
func (r *JobRepo) ReleaseLock(ctx domain.Context, id, workerID string) error {
	q := `UPDATE jobs SET locked_by='', locked_at=NULL, heartbeat_at=NULL, updated_at=$3 WHERE id=$1 AND locked_by=$2`
	_, err := r.Pool.Exec(ctx, q, id, workerID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.release: %w", err)
	}
	return nil
}

// RequeueForRetry moves a failed (or stale-locked, non-terminal) job back to
// queued for a manual retry. The attempt counter restarts; manual_retries is
// the bound on how often a client can do this.
func (r *JobRepo) RequeueForRetry(ctx domain.Context, id string, maxManualRetries int, staleAfter time.Duration, now time.Time) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RequeueForRetry")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.requeue_begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1 FOR UPDATE`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.requeue: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.requeue: %w", err)
	}

	switch {
	case j.Status == domain.JobDone:
		return domain.Job{}, fmt.Errorf("op=job.requeue: job already done: %w", domain.ErrConflict)
	case j.Status == domain.JobFailed:
		// retryable
	case j.LockedBy != "" && now.Sub(j.LivenessAt()) >= staleAfter:
		// abandoned mid-flight, also retryable
	default:
		return domain.Job{}, fmt.Errorf("op=job.requeue: job still in progress: %w", domain.ErrConflict)
	}

	if j.ManualRetries >= maxManualRetries {
		return domain.Job{}, fmt.Errorf("op=job.requeue: retry limit reached: %w", domain.ErrRateLimited)
	}

	q := `UPDATE jobs SET
		status=$2, manual_retries=manual_retries+1, attempt=0,
		locked_by='', locked_at=NULL, heartbeat_at=NULL,
		ocr_operation='', error='',
		updated_at=$3
	WHERE id=$1`
	if _, err := tx.Exec(ctx, q, id, domain.JobQueued, now); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.requeue_update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.requeue_commit: %w", err)
	}

	j.Status = domain.JobQueued
	j.ManualRetries++
	j.Attempt = 0
	j.LockedBy = ""
	j.LockedAt = nil
	j.HeartbeatAt = nil
	j.OCROperation = ""
	j.Error = ""
	j.UpdatedAt = now
	return j, nil
}

// DeleteBySession removes every job in a session and reports how many went.
func (r *JobRepo) DeleteBySession(ctx domain.Context, sessionID string) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.DeleteBySession")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM jobs WHERE session_id=$1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("op=job.delete_session: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListExpiredSessions returns sessions whose newest job is older than cutoff.
func (r *JobRepo) ListExpiredSessions(ctx domain.Context, cutoff time.Time, limit int) ([]string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListExpiredSessions")
	defer span.End()
	q := `SELECT session_id FROM jobs GROUP BY session_id HAVING MAX(created_at) < $1 ORDER BY MAX(created_at) ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_expired: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=job.list_expired: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_expired: %w", err)
	}
	return ids, nil
}

const staleFailureMessage = "processing timed out; the job was abandoned by its worker"

// FailStale force-fails non-terminal jobs whose liveness timestamp fell
// behind cutoff. Unlocked jobs fall back to updated_at, which catches tasks
// that were queued but never delivered.
func (r *JobRepo) FailStale(ctx domain.Context, cutoff time.Time, limit int) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FailStale")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE jobs SET
		status=$1, error=$2,
		stages = stages || ` + fmt.Sprintf(stampStage, "'failed'", "'failed'", "$3::text") + `,
		locked_by='', locked_at=NULL, heartbeat_at=NULL,
		updated_at=$4
	WHERE id IN (
		SELECT id FROM jobs
		WHERE status NOT IN ($5, $6)
		  AND GREATEST(COALESCE(locked_at, 'epoch'::timestamptz), COALESCE(heartbeat_at, 'epoch'::timestamptz), updated_at) < $7
		LIMIT $8
	)`
	tag, err := r.Pool.Exec(ctx, q,
		domain.JobFailed, staleFailureMessage, now.Format(time.RFC3339Nano), now,
		domain.JobDone, domain.JobFailed, cutoff, limit,
	)
	if err != nil {
		return 0, fmt.Errorf("op=job.fail_stale: %w", err)
	}
	return tag.RowsAffected(), nil
}
