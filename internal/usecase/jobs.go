package usecase

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/fairyhunter13/invoice-extractor/internal/domain"
)

// csvHeader is the fixed export column order; one row per line item.
var csvHeader = []string{
	"invoiceNumber", "invoiceDate", "vendorName", "currency",
	"subtotal", "tax", "total", "dueDate",
	"lineItemIndex", "description", "quantity", "unitPrice", "lineTotal",
	"confidenceScore", "filename",
}

// JobService is the client-facing read/retry/export/delete surface. Every
// operation is scoped by session: a job id under the wrong session behaves
// as if the job does not exist.
type JobService struct {
	Jobs  domain.JobRepository
	Blob  domain.BlobStore
	Queue domain.TaskDispatcher
	Guard AdmissionGuard
	Clock domain.Clock

	MaxManualRetries int
	StaleAfter       time.Duration
}

// NewJobService constructs a JobService.
func NewJobService(jobs domain.JobRepository, blob domain.BlobStore, queue domain.TaskDispatcher, guard AdmissionGuard, clock domain.Clock, maxManualRetries int, staleAfter time.Duration) JobService {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return JobService{Jobs: jobs, Blob: blob, Queue: queue, Guard: guard, Clock: clock, MaxManualRetries: maxManualRetries, StaleAfter: staleAfter}
}

// Get loads one job, enforcing session ownership.
func (s JobService) Get(ctx domain.Context, sessionID, jobID string) (domain.Job, error) {
	j, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.SessionID != sessionID {
		return domain.Job{}, fmt.Errorf("op=jobs.get: %w: job belongs to another session", domain.ErrNotFound)
	}
	return j, nil
}

// List returns every job of the session.
func (s JobService) List(ctx domain.Context, sessionID string) ([]domain.Job, error) {
	return s.Jobs.ListBySession(ctx, sessionID)
}

// Retry requeues a failed (or abandoned) job at the client's request.
// Order of checks follows the client-visible contract: retry budget first
// (429), then input availability (409 reupload required); the transactional
// requeue re-validates both under lock.
func (s JobService) Retry(ctx domain.Context, sessionID, jobID string) (domain.Job, error) {
	if s.Guard != nil {
		if err := s.Guard.AllowRetry(ctx, sessionID); err != nil {
			return domain.Job{}, err
		}
	}
	j, err := s.Get(ctx, sessionID, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.ManualRetries >= s.MaxManualRetries {
		return domain.Job{}, fmt.Errorf("op=jobs.retry: retry limit of %d reached: %w", s.MaxManualRetries, domain.ErrRateLimited)
	}
	exists, err := s.Blob.Exists(ctx, j.BlobPath)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.retry: %w", err)
	}
	if !exists {
		return domain.Job{}, fmt.Errorf("op=jobs.retry: input file is gone, re-upload required: %w", domain.ErrConflict)
	}

	j, err = s.Jobs.RequeueForRetry(ctx, jobID, s.MaxManualRetries, s.StaleAfter, s.Clock.Now())
	if err != nil {
		return domain.Job{}, err
	}
	if err := s.Queue.Dispatch(ctx, domain.ProcessTask{JobID: j.ID, SessionID: sessionID}); err != nil {
		_ = s.Jobs.MarkDispatchFailed(ctx, j.ID, "could not enqueue processing task", s.Clock.Now())
		return domain.Job{}, fmt.Errorf("op=jobs.retry_dispatch: %w", err)
	}
	return j, nil
}

// ExportCSV streams the finished jobs of the session as CSV, newest first,
// one row per line item. Jobs whose stored result no longer parses are
// skipped with a log line rather than poisoning the whole export.
func (s JobService) ExportCSV(ctx domain.Context, sessionID string, w io.Writer) error {
	jobs, err := s.Jobs.ListDoneBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("op=jobs.export: %w", err)
	}
	for _, j := range jobs {
		inv, err := domain.ParseStoredInvoice(j.ResultJSON)
		if err != nil {
			slog.Warn("skipping unparseable stored result",
				slog.String("job_id", j.ID), slog.Any("error", err))
			continue
		}
		conf := strconv.FormatFloat(j.Confidence, 'f', 3, 64)
		base := []string{
			inv.InvoiceNumber, inv.InvoiceDate, inv.VendorName, inv.Currency,
			csvAmount(inv.Subtotal), csvAmount(inv.Tax), csvAmount(inv.Total), inv.DueDate,
		}
		if len(inv.LineItems) == 0 {
			row := append(append([]string{}, base...), "", "", "", "", "", conf, j.Filename)
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("op=jobs.export: %w", err)
			}
			continue
		}
		for i, it := range inv.LineItems {
			row := append(append([]string{}, base...),
				strconv.Itoa(i+1), it.Description,
				csvNumber(it.Quantity), csvAmount(it.UnitPrice), csvAmount(it.LineTotal),
				conf, j.Filename)
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("op=jobs.export: %w", err)
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// DeleteSession drops every job of the session plus its blobs. Blob
// deletion is best-effort: the row delete is what makes the session gone
// from the client's perspective, and retention sweeps residue.
func (s JobService) DeleteSession(ctx domain.Context, sessionID string) (int64, error) {
	jobs, err := s.Jobs.ListBySession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	for _, j := range jobs {
		if err := s.Blob.Delete(ctx, j.BlobPath); err != nil {
			slog.Warn("session delete: input blob cleanup failed",
				slog.String("job_id", j.ID), slog.Any("error", err))
		}
		if err := s.Blob.DeletePrefix(ctx, "vision/"+j.ID+"/"); err != nil {
			slog.Warn("session delete: OCR shard cleanup failed",
				slog.String("job_id", j.ID), slog.Any("error", err))
		}
	}
	// Catch blobs orphaned by jobs that were never created.
	if err := s.Blob.DeletePrefix(ctx, "uploads/"+sessionID+"/"); err != nil {
		slog.Warn("session delete: upload prefix cleanup failed",
			slog.String("session_id", sessionID), slog.Any("error", err))
	}
	return s.Jobs.DeleteBySession(ctx, sessionID)
}

func csvAmount(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

func csvNumber(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
