package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/invoice-extractor/internal/config"
	"github.com/fairyhunter13/invoice-extractor/internal/domain"
	"github.com/fairyhunter13/invoice-extractor/internal/usecase"
)

// IntakePort is the slice of the intake service the upload handler needs.
type IntakePort interface {
	CreateUploadJobs(ctx context.Context, sessionID, clientIP string, files []usecase.FileUpload) (usecase.IntakeResult, error)
}

// JobsPort is the client-facing job surface.
type JobsPort interface {
	Get(ctx context.Context, sessionID, jobID string) (domain.Job, error)
	List(ctx context.Context, sessionID string) ([]domain.Job, error)
	Retry(ctx context.Context, sessionID, jobID string) (domain.Job, error)
	ExportCSV(ctx context.Context, sessionID string, w io.Writer) error
	DeleteSession(ctx context.Context, sessionID string) (int64, error)
}

// ProcessFunc runs one task delivery; a non-nil error asks the queue for a
// redelivery.
type ProcessFunc func(ctx context.Context, task domain.ProcessTask) error

// Server aggregates handler dependencies.
type Server struct {
	Cfg     config.Config
	Intake  IntakePort
	JobsAPI JobsPort
	Process ProcessFunc

	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
	BlobCheck  func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, intake IntakePort, jobs JobsPort, process ProcessFunc, dbCheck, redisCheck, blobCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Intake: intake, JobsAPI: jobs, Process: process, DBCheck: dbCheck, RedisCheck: redisCheck, BlobCheck: blobCheck}
}

// ConfigHandler exposes the client-relevant limits so uploads can be
// pre-validated in the browser.
func (s *Server) ConfigHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out := s.uploadLimits()
		out["acceptedMime"] = []string{"application/pdf"}
		writeJSON(w, http.StatusOK, out)
	}
}

// uploadLimits is the limits block echoed on config and upload responses.
func (s *Server) uploadLimits() map[string]any {
	return map[string]any{
		"maxFiles":  s.Cfg.MaxFilesPerUpload,
		"maxSizeMb": s.Cfg.MaxFileSizeMB,
		"maxPages":  s.Cfg.MaxPDFPages,
	}
}

// HealthzHandler is the client-facing liveness probe under /api.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// CreateJobsHandler accepts a multipart batch of PDFs under the "files"
// field and responds 202 with one entry per admitted job plus a rejected
// list for files that failed validation.
func (s *Server) CreateJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			writeError(w, r, fmt.Errorf("%w: content-type must be multipart/form-data", domain.ErrInvalidArgument), nil)
			return
		}
		// Cap the whole body at the batch worth of files plus form overhead.
		maxBytes := s.Cfg.MaxFileSizeBytes()*int64(s.Cfg.MaxFilesPerUpload) + 1<<20
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "too large") {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{
					Code:    "PAYLOAD_TOO_LARGE",
					Message: "payload too large",
					Details: map[string]any{"max_bytes": maxBytes},
				}})
				return
			}
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		headers := r.MultipartForm.File["files"]
		if len(headers) == 0 {
			writeError(w, r, fmt.Errorf("%w: at least one file required under field 'files'", domain.ErrInvalidArgument), map[string]string{"field": "files"})
			return
		}

		sid := SessionFrom(r)
		var uploads []usecase.FileUpload
		var sniffRejected []usecase.RejectedFile
		for _, h := range headers {
			f, err := h.Open()
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: %s: %v", domain.ErrInvalidArgument, h.Filename, err), nil)
				return
			}
			data, err := io.ReadAll(f)
			_ = f.Close()
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: %s: %v", domain.ErrInvalidArgument, h.Filename, err), nil)
				return
			}
			// Sniff content, not the client-declared type or extension.
			if mt := mimetype.Detect(data); !mt.Is("application/pdf") {
				sniffRejected = append(sniffRejected, usecase.RejectedFile{
					Filename: h.Filename,
					Code:     usecase.RejectNotPDF,
					Message:  fmt.Sprintf("detected %s, only application/pdf accepted", mt.String()),
				})
				continue
			}
			uploads = append(uploads, usecase.FileUpload{Filename: h.Filename, Data: data})
		}

		res := usecase.IntakeResult{SessionID: sid}
		if len(uploads) > 0 {
			var err error
			res, err = s.Intake.CreateUploadJobs(r.Context(), sid, clientIP(r), uploads)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
		}
		res.Rejected = append(res.Rejected, sniffRejected...)
		out := struct {
			usecase.IntakeResult
			Limits map[string]any `json:"limits"`
			Note   string         `json:"note,omitempty"`
		}{IntakeResult: res, Limits: s.uploadLimits()}
		if s.Cfg.EmulationEnabled() || res.Emulated {
			out.Note = "processing tasks run in-process (emulation mode)"
		}
		writeJSON(w, http.StatusAccepted, out)
	}
}

// GetJobHandler returns one job's status document.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, err := s.JobsAPI.Get(r.Context(), SessionFrom(r), chi.URLParam(r, "jobID"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, jobJSON(j))
	}
}

// SessionJobsHandler lists every job of the session.
func (s *Server) SessionJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid, ok := requirePathSession(w, r)
		if !ok {
			return
		}
		jobs, err := s.JobsAPI.List(r.Context(), sid)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]map[string]any, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, jobJSON(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessionId": sid, "jobs": out})
	}
}

// RetryJobHandler requeues a failed job; 202 on success.
func (s *Server) RetryJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, err := s.JobsAPI.Retry(r.Context(), SessionFrom(r), chi.URLParam(r, "jobID"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, jobJSON(j))
	}
}

// ExportCSVHandler downloads the session's finished extractions.
func (s *Server) ExportCSVHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid, ok := requirePathSession(w, r)
		if !ok {
			return
		}
		// Buffer before writing so an export failure still gets a JSON
		// error response instead of a truncated CSV.
		var buf bytes.Buffer
		if err := s.JobsAPI.ExportCSV(r.Context(), sid, &buf); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "invoices-"+sid+".csv"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
	}
}

// DeleteSessionHandler removes the session's jobs and stored files.
func (s *Server) DeleteSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid, ok := requirePathSession(w, r)
		if !ok {
			return
		}
		n, err := s.JobsAPI.DeleteSession(r.Context(), sid)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("session deleted", slog.String("session_id", sid), slog.Int64("jobs", n))
		// deleted=0 on a repeat call is how clients observe idempotence.
		writeJSON(w, http.StatusOK, map[string]any{"sessionId": sid, "deleted": n})
	}
}

// ProcessTaskHandler is the worker callback: the queue posts a task here and
// redelivers on any non-2xx. Idempotent no-ops inside the engine return 200
// so duplicates are consumed.
func (s *Server) ProcessTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var task domain.ProcessTask
		if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid task payload", domain.ErrInvalidArgument), nil)
			return
		}
		if task.JobID == "" {
			writeError(w, r, fmt.Errorf("%w: jobId required", domain.ErrInvalidArgument), nil)
			return
		}
		if err := s.Process(r.Context(), task); err != nil {
			LoggerFrom(r).Warn("task processing failed, requesting redelivery",
				slog.String("job_id", task.JobID), slog.Any("error", err))
			writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: apiError{Code: "INTERNAL", Message: "processing failed, redeliver"}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler probes the server's hard dependencies.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	probes := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"db", s.DBCheck},
		{"redis", s.RedisCheck},
		{"blob", s.BlobCheck},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, len(probes))
		ok := true
		for _, p := range probes {
			if p.fn == nil {
				continue
			}
			c := check{Name: p.name, OK: true}
			if err := p.fn(ctx); err != nil {
				c.OK = false
				c.Details = err.Error()
				ok = false
			}
			checks = append(checks, c)
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

// jobJSON renders the client view of a job. Non-terminal jobs carry status
// and stage timestamps only; done jobs include the invoice document,
// failed jobs the stored error text.
func jobJSON(j domain.Job) map[string]any {
	stages := make(map[string]string, len(j.Stages))
	for name, ts := range j.Stages {
		stages[name] = ts.UTC().Format(time.RFC3339)
	}
	m := map[string]any{
		"jobId":     j.ID,
		"filename":  j.Filename,
		"status":    string(j.Status),
		"sizeBytes": j.SizeBytes,
		"pageCount": j.PageCount,
		"stages":    stages,
		"createdAt": j.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt": j.UpdatedAt.UTC().Format(time.RFC3339),
	}
	switch j.Status {
	case domain.JobDone:
		if j.ResultJSON != "" {
			m["invoice"] = json.RawMessage(j.ResultJSON)
		}
		m["confidence"] = math.Round(j.Confidence*1000) / 1000
		m["ocrMethod"] = j.OCRMethod
		m["preprocessApplied"] = j.PreprocessApplied
	case domain.JobFailed:
		m["error"] = j.Error
		m["manualRetries"] = j.ManualRetries
	}
	return m
}
