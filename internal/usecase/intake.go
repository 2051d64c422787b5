package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/fairyhunter13/invoice-extractor/internal/domain"
	"github.com/fairyhunter13/invoice-extractor/pkg/pdfx"
)

// AdmissionGuard is the slice of the rate limiter the intake path needs.
type AdmissionGuard interface {
	AllowCreateJobs(ctx context.Context, sessionID, clientIP string, fileCount int) error
	AllowRetry(ctx context.Context, sessionID string) error
}

// IntakeLimits are the per-file validation bounds.
type IntakeLimits struct {
	MaxFiles     int
	MaxSizeBytes int64
	MaxPages     int
}

// FileUpload is one file from the multipart request, already read.
type FileUpload struct {
	Filename string
	Data     []byte
}

// CreatedJob is the intake view of a stored job.
type CreatedJob struct {
	JobID    string           `json:"jobId"`
	Filename string           `json:"filename"`
	Status   domain.JobStatus `json:"status"`
}

// Per-file rejection reasons.
const (
	RejectNotPDF       = "notPdf"
	RejectTooLarge     = "tooLarge"
	RejectTooManyPages = "tooManyPages"
	RejectUnreadable   = "unreadablePdf"
)

// RejectedFile is one file that failed validation; the rest of the batch
// still goes through.
type RejectedFile struct {
	Filename string `json:"filename"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// IntakeResult is the 202 response payload of the upload endpoint.
// Emulated is set when at least one task ran through the in-process
// fallback dispatcher; the handler surfaces that as a response note.
type IntakeResult struct {
	SessionID string         `json:"sessionId"`
	Jobs      []CreatedJob   `json:"jobs"`
	Rejected  []RejectedFile `json:"rejected,omitempty"`
	Emulated  bool           `json:"-"`
}

// IntakeService turns uploaded PDFs into queued jobs: admission control,
// per-file validation, blob write, row create, dispatch.
type IntakeService struct {
	Jobs     domain.JobRepository
	Blob     domain.BlobStore
	Queue    domain.TaskDispatcher
	Fallback domain.TaskDispatcher
	Guard    AdmissionGuard
	Clock    domain.Clock
	Limits   IntakeLimits
}

// NewIntakeService constructs an IntakeService. fallback may be nil; when
// set it catches tasks the primary queue cannot accept.
func NewIntakeService(jobs domain.JobRepository, blob domain.BlobStore, queue, fallback domain.TaskDispatcher, guard AdmissionGuard, clock domain.Clock, limits IntakeLimits) IntakeService {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return IntakeService{Jobs: jobs, Blob: blob, Queue: queue, Fallback: fallback, Guard: guard, Clock: clock, Limits: limits}
}

// CreateUploadJobs validates and stores a batch of PDFs under the session.
// Invalid files are reported per-file while valid ones proceed; the request
// as a whole only fails on admission or batch-shape errors.
func (s IntakeService) CreateUploadJobs(ctx domain.Context, sessionID, clientIP string, files []FileUpload) (IntakeResult, error) {
	res := IntakeResult{SessionID: sessionID}
	if len(files) == 0 {
		return res, fmt.Errorf("op=intake.create: %w: no files in request", domain.ErrInvalidArgument)
	}
	if s.Limits.MaxFiles > 0 && len(files) > s.Limits.MaxFiles {
		return res, fmt.Errorf("op=intake.create: %w: at most %d files per request", domain.ErrInvalidArgument, s.Limits.MaxFiles)
	}
	if s.Guard != nil {
		if err := s.Guard.AllowCreateJobs(ctx, sessionID, clientIP, len(files)); err != nil {
			return res, err
		}
	}

	for _, f := range files {
		pageCount, reject := s.validateFile(f)
		if reject != nil {
			res.Rejected = append(res.Rejected, *reject)
			continue
		}
		job, viaFallback, err := s.admitFile(ctx, sessionID, f, pageCount)
		if err != nil {
			return res, err
		}
		res.Emulated = res.Emulated || viaFallback
		res.Jobs = append(res.Jobs, job)
	}
	return res, nil
}

// validateFile runs the per-file checks and returns the page count.
func (s IntakeService) validateFile(f FileUpload) (int, *RejectedFile) {
	if s.Limits.MaxSizeBytes > 0 && int64(len(f.Data)) > s.Limits.MaxSizeBytes {
		return 0, &RejectedFile{Filename: f.Filename, Code: RejectTooLarge,
			Message: fmt.Sprintf("file exceeds %d bytes", s.Limits.MaxSizeBytes)}
	}
	if !pdfx.IsPDF(f.Data) {
		return 0, &RejectedFile{Filename: f.Filename, Code: RejectNotPDF,
			Message: "file is not a PDF"}
	}
	pages, err := pdfx.PageCount(f.Data)
	if err != nil {
		return 0, &RejectedFile{Filename: f.Filename, Code: RejectUnreadable,
			Message: "PDF could not be parsed"}
	}
	if s.Limits.MaxPages > 0 && pages > s.Limits.MaxPages {
		return 0, &RejectedFile{Filename: f.Filename, Code: RejectTooManyPages,
			Message: fmt.Sprintf("PDF has %d pages, limit is %d", pages, s.Limits.MaxPages)}
	}
	return pages, nil
}

// admitFile stores one validated file: blob first, then the row, then the
// task. A job whose task cannot be enqueued anywhere is failed immediately
// so the client sees it rather than a silent stall.
func (s IntakeService) admitFile(ctx domain.Context, sessionID string, f FileUpload, pageCount int) (CreatedJob, bool, error) {
	jobID := uuid.New().String()
	blobPath := fmt.Sprintf("uploads/%s/%s.pdf", sessionID, jobID)

	if err := s.Blob.Upload(ctx, blobPath, f.Data, "application/pdf"); err != nil {
		return CreatedJob{}, false, fmt.Errorf("op=intake.upload_blob: %w", err)
	}
	if _, err := s.Jobs.Create(ctx, domain.Job{
		ID:        jobID,
		SessionID: sessionID,
		Filename:  f.Filename,
		BlobPath:  blobPath,
		SizeBytes: int64(len(f.Data)),
		PageCount: pageCount,
		Status:    domain.JobUploaded,
	}); err != nil {
		_ = s.Blob.Delete(ctx, blobPath)
		return CreatedJob{}, false, fmt.Errorf("op=intake.create_job: %w", err)
	}

	task := domain.ProcessTask{JobID: jobID, SessionID: sessionID}
	viaFallback, err := s.dispatch(ctx, task)
	if err != nil {
		slog.Error("task dispatch failed on every backend",
			slog.String("job_id", jobID), slog.Any("error", err))
		_ = s.Jobs.MarkDispatchFailed(ctx, jobID, "could not enqueue processing task", s.Clock.Now())
		return CreatedJob{JobID: jobID, Filename: f.Filename, Status: domain.JobFailed}, false, nil
	}
	if err := s.Jobs.MarkQueued(ctx, jobID, s.Clock.Now()); err != nil {
		return CreatedJob{}, viaFallback, fmt.Errorf("op=intake.mark_queued: %w", err)
	}
	return CreatedJob{JobID: jobID, Filename: f.Filename, Status: domain.JobQueued}, viaFallback, nil
}

// dispatch enqueues the task, trying the fallback dispatcher when the
// configured backend refuses. The bool reports whether the fallback path
// carried the task.
func (s IntakeService) dispatch(ctx domain.Context, task domain.ProcessTask) (bool, error) {
	err := s.Queue.Dispatch(ctx, task)
	if err == nil {
		return false, nil
	}
	if s.Fallback == nil {
		return false, err
	}
	slog.Warn("queue dispatch failed, falling back to in-process execution",
		slog.String("job_id", task.JobID), slog.Any("error", err))
	if fbErr := s.Fallback.Dispatch(ctx, task); fbErr != nil {
		return false, fmt.Errorf("queue: %v; emulation: %w", err, fbErr)
	}
	return true, nil
}
