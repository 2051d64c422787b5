// Package usecase contains application business logic services.
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fairyhunter13/invoice-extractor/internal/adapter/observability"
	"github.com/fairyhunter13/invoice-extractor/internal/domain"
	"github.com/fairyhunter13/invoice-extractor/pkg/textx"
)

// maxStoredErrorLen caps the error text persisted on a failed job.
const maxStoredErrorLen = 2000

// EngineOptions are the knobs of the lifecycle engine, distilled from
// config so the usecase layer stays adapter-free.
type EngineOptions struct {
	WorkerID          string
	SyncMaxPages      int
	PollInitial       time.Duration
	PollMax           time.Duration
	StageTimeout      time.Duration
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	MaxAttempts       int
	Prompt            string
	Normalize         textx.NormalizeOptions
}

// ProcessService is the job lifecycle engine. One call to Process drives a
// single delivery for one job: acquire the lease, run the stages that are
// still missing, and land the job in a terminal state or hand it back to
// the delivery layer.
//
// Every write after lease acquisition is guarded by the worker id; a
// guarded write that hits zero rows surfaces as domain.ErrConflict and
// means another worker legitimately took over, so the engine stops without
// reporting an error.
type ProcessService struct {
	Jobs     domain.JobRepository
	Blob     domain.BlobStore
	OCR      domain.OCRProvider
	Primary  domain.LLMClient
	Fallback domain.LLMClient
	Clock    domain.Clock
	Opts     EngineOptions

	// sleep is swapped out by tests to skip poll waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewProcessService constructs the engine with its collaborators.
func NewProcessService(jobs domain.JobRepository, blob domain.BlobStore, ocr domain.OCRProvider, primary, fallback domain.LLMClient, clock domain.Clock, opts EngineOptions) *ProcessService {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if opts.PollInitial <= 0 {
		opts.PollInitial = 2 * time.Second
	}
	if opts.PollMax < opts.PollInitial {
		opts.PollMax = opts.PollInitial
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	return &ProcessService{
		Jobs:     jobs,
		Blob:     blob,
		OCR:      ocr,
		Primary:  primary,
		Fallback: fallback,
		Clock:    clock,
		Opts:     opts,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Process handles one task delivery. The return contract matches the
// delivery layer: nil consumes the delivery (including every idempotent
// no-op), an error asks for redelivery with backoff.
func (s *ProcessService) Process(ctx context.Context, task domain.ProcessTask) error {
	lg := slog.Default().With(slog.String("job_id", task.JobID), slog.String("worker_id", s.Opts.WorkerID))

	now := s.Clock.Now()
	j, outcome, err := s.Jobs.AcquireLock(ctx, task.JobID, s.Opts.WorkerID, s.Opts.StaleAfter, now)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Session deleted under a queued task; expected, consume it.
			lg.Info("task for unknown job, dropping")
			return nil
		}
		return fmt.Errorf("op=engine.acquire: %w", err)
	}
	switch outcome {
	case domain.LockAlreadyDone:
		lg.Info("job already terminal, dropping delivery", slog.String("status", string(j.Status)))
		return nil
	case domain.LockContended:
		lg.Info("job lease held elsewhere, dropping delivery", slog.String("locked_by", j.LockedBy))
		return nil
	}
	if task.SessionID != "" && j.SessionID != task.SessionID {
		// Stale payload referencing a recycled id; behave like not-found.
		lg.Warn("task session does not match job, dropping", slog.String("task_session", task.SessionID))
		_ = s.Jobs.ReleaseLock(ctx, j.ID, s.Opts.WorkerID)
		return nil
	}

	observability.StartProcessingJob()
	lg.Info("lease acquired", slog.Int("attempt", j.Attempt))

	err = s.run(ctx, lg, &j)
	switch {
	case err == nil:
		observability.CompleteJob(j.Confidence)
		lg.Info("job done", slog.Float64("confidence", j.Confidence))
		return nil
	case errors.Is(err, domain.ErrConflict):
		// Lease lost to a live worker; the winner continues.
		observability.ReleaseJob()
		lg.Info("lease lost mid-run, yielding")
		return nil
	case isPermanentErr(err):
		s.fail(ctx, lg, j.ID, "permanent", failureMessage(err))
		return nil
	case j.Attempt >= s.Opts.MaxAttempts:
		s.fail(ctx, lg, j.ID, "exhausted", failureMessage(err))
		return nil
	default:
		// Transient with attempts left: free the lease and let the
		// delivery layer come back with backoff.
		_ = s.Jobs.ReleaseLock(ctx, j.ID, s.Opts.WorkerID)
		observability.ReleaseJob()
		lg.Warn("transient failure, will retry",
			slog.Int("attempt", j.Attempt),
			slog.Int("max_attempts", s.Opts.MaxAttempts),
			slog.Any("error", err))
		return fmt.Errorf("op=engine.process: %w", err)
	}
}

// run executes the stages the job still needs, in order.
func (s *ProcessService) run(ctx context.Context, lg *slog.Logger, j *domain.Job) error {
	if j.ResultJSON != "" {
		// A previous attempt already extracted; never re-invoke the LLM.
		lg.Info("result already present, finishing without extraction")
		return s.finish(ctx, lg, j, j.ResultJSON, j.Confidence, j.PreprocessApplied)
	}

	ocrStart := s.Clock.Now()
	text, quality, err := s.ocrStage(ctx, lg, j)
	if err != nil {
		return err
	}
	observability.ObserveStage(string(domain.JobExtracting), s.Clock.Now().Sub(ocrStart))

	normalized, applied := textx.NormalizeOCR(text, s.Opts.Normalize)
	if strings.TrimSpace(normalized) == "" {
		return fmt.Errorf("op=engine.preprocess: %w: document produced no text", domain.ErrInvalidArgument)
	}

	if err := s.Jobs.SetStage(ctx, j.ID, s.Opts.WorkerID, domain.JobLLM, s.Clock.Now()); err != nil {
		return err
	}
	// The LLM call can take a while; refresh liveness first.
	if err := s.Jobs.Heartbeat(ctx, j.ID, s.Opts.WorkerID, s.Clock.Now()); err != nil {
		return err
	}

	llmStart := s.Clock.Now()
	inv, err := s.llmStage(ctx, lg, normalized)
	if err != nil {
		return err
	}
	observability.ObserveStage(string(domain.JobLLM), s.Clock.Now().Sub(llmStart))

	resultJSON, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("op=engine.encode_result: %w", err)
	}
	confidence := ScoreConfidence(inv, quality)
	return s.finish(ctx, lg, j, string(resultJSON), confidence, applied)
}

// ocrStage produces the document text, choosing the tier by page count.
// The async tier persists the operation name before the first poll so a
// takeover resumes the same operation instead of submitting a new one.
func (s *ProcessService) ocrStage(ctx context.Context, lg *slog.Logger, j *domain.Job) (string, float64, error) {
	w := s.Opts.WorkerID

	if j.OCROperation == "" && j.PageCount <= s.Opts.SyncMaxPages {
		if err := s.Jobs.SetStage(ctx, j.ID, w, domain.JobExtracting, s.Clock.Now()); err != nil {
			return "", 0, err
		}
		if err := s.Jobs.SetOCROperation(ctx, j.ID, w, "", domain.OCRMethodSync); err != nil {
			return "", 0, err
		}
		start := s.Clock.Now()
		txt, err := s.OCR.ExtractSync(ctx, s.Blob.URI(j.BlobPath), j.PageCount)
		if err != nil {
			observability.ObserveOCR(domain.OCRMethodSync, "error", s.Clock.Now().Sub(start))
			return "", 0, fmt.Errorf("op=engine.ocr_sync: %w", err)
		}
		observability.ObserveOCR(domain.OCRMethodSync, "ok", s.Clock.Now().Sub(start))
		return txt.Text, txt.WordQuality, nil
	}

	prefix := "vision/" + j.ID + "/"
	start := s.Clock.Now()
	op := j.OCROperation
	if op == "" {
		name, err := s.OCR.StartAsync(ctx, s.Blob.URI(j.BlobPath), prefix)
		if err != nil {
			observability.ObserveOCR(domain.OCRMethodAsync, "error", s.Clock.Now().Sub(start))
			return "", 0, fmt.Errorf("op=engine.ocr_submit: %w", err)
		}
		if err := s.Jobs.SetOCROperation(ctx, j.ID, w, name, domain.OCRMethodAsync); err != nil {
			return "", 0, err
		}
		op = name
		lg.Info("async OCR submitted", slog.String("operation", name))
	} else {
		lg.Info("resuming async OCR operation", slog.String("operation", op))
	}
	if err := s.Jobs.SetStage(ctx, j.ID, w, domain.JobExtracting, s.Clock.Now()); err != nil {
		return "", 0, err
	}

	if err := s.pollOperation(ctx, j.ID, op); err != nil {
		if !errors.Is(err, domain.ErrConflict) && isPermanentErr(err) {
			// The operation itself failed terminally; the next attempt
			// must submit fresh rather than resume a dead handle.
			_ = s.Jobs.ClearOCROperation(ctx, j.ID, w)
		}
		observability.ObserveOCR(domain.OCRMethodAsync, "error", s.Clock.Now().Sub(start))
		return "", 0, err
	}

	txt, err := s.OCR.CollectAsync(ctx, prefix)
	if err != nil {
		observability.ObserveOCR(domain.OCRMethodAsync, "error", s.Clock.Now().Sub(start))
		return "", 0, fmt.Errorf("op=engine.ocr_collect: %w", err)
	}
	if err := s.Jobs.ClearOCROperation(ctx, j.ID, w); err != nil {
		return "", 0, err
	}
	observability.ObserveOCR(domain.OCRMethodAsync, "ok", s.Clock.Now().Sub(start))
	return txt.Text, txt.WordQuality, nil
}

// pollOperation waits for the async operation with exponential intervals,
// writing heartbeats so the lease stays fresh during long extractions.
func (s *ProcessService) pollOperation(ctx context.Context, jobID, op string) error {
	interval := s.Opts.PollInitial
	deadline := s.Clock.Now().Add(s.Opts.StageTimeout)
	lastBeat := s.Clock.Now()
	for {
		done, err := s.OCR.PollAsync(ctx, op)
		if err != nil {
			return fmt.Errorf("op=engine.ocr_poll: %w", err)
		}
		if done {
			return nil
		}
		now := s.Clock.Now()
		if s.Opts.StageTimeout > 0 && now.After(deadline) {
			return fmt.Errorf("op=engine.ocr_poll: %w: operation %s still running after %s", domain.ErrUpstreamTimeout, op, s.Opts.StageTimeout)
		}
		if now.Sub(lastBeat) >= s.Opts.HeartbeatInterval {
			if err := s.Jobs.Heartbeat(ctx, jobID, s.Opts.WorkerID, now); err != nil {
				return err
			}
			lastBeat = now
		}
		if err := s.sleep(ctx, interval); err != nil {
			return fmt.Errorf("op=engine.ocr_poll: %w", err)
		}
		interval *= 2
		if interval > s.Opts.PollMax {
			interval = s.Opts.PollMax
		}
	}
}

// llmStage asks the primary provider first and falls back on any failure,
// including a reply that does not parse. One attempt per provider here;
// transient HTTP retries live inside the clients.
func (s *ProcessService) llmStage(ctx context.Context, lg *slog.Logger, text string) (domain.Invoice, error) {
	inv, errPrimary := s.tryProvider(ctx, s.Primary, text)
	if errPrimary == nil {
		return inv, nil
	}
	if s.Fallback == nil {
		return domain.Invoice{}, errPrimary
	}
	lg.Warn("primary LLM failed, trying fallback",
		slog.String("primary", s.Primary.Name()),
		slog.Any("error", errPrimary))

	inv, errFallback := s.tryProvider(ctx, s.Fallback, text)
	if errFallback == nil {
		return inv, nil
	}
	// Two unparseable replies are a property of the document, not the
	// providers; report the permanent class when both sides agree.
	if isPermanentErr(errPrimary) && isPermanentErr(errFallback) {
		return domain.Invoice{}, fmt.Errorf("op=engine.llm: both providers returned invalid extractions: %w", errFallback)
	}
	return domain.Invoice{}, fmt.Errorf("op=engine.llm: %w", errFallback)
}

func (s *ProcessService) tryProvider(ctx context.Context, llm domain.LLMClient, text string) (domain.Invoice, error) {
	start := s.Clock.Now()
	raw, err := llm.ExtractInvoice(ctx, s.Opts.Prompt, text)
	if err != nil {
		observability.ObserveLLM(llm.Name(), "error", s.Clock.Now().Sub(start))
		return domain.Invoice{}, err
	}
	inv, err := domain.ParseInvoice(raw)
	if err != nil {
		observability.ObserveLLM(llm.Name(), "invalid", s.Clock.Now().Sub(start))
		return domain.Invoice{}, err
	}
	observability.ObserveLLM(llm.Name(), "ok", s.Clock.Now().Sub(start))
	return inv, nil
}

// finish commits the terminal done state and releases the input blob.
// Blob deletion is best-effort: a failure is logged and left to retention.
func (s *ProcessService) finish(ctx context.Context, lg *slog.Logger, j *domain.Job, resultJSON string, confidence float64, applied bool) error {
	if err := s.Jobs.SetResult(ctx, j.ID, s.Opts.WorkerID, resultJSON, confidence, applied, s.Clock.Now()); err != nil {
		return err
	}
	j.ResultJSON = resultJSON
	j.Confidence = confidence
	j.Status = domain.JobDone

	if err := s.Blob.Delete(ctx, j.BlobPath); err != nil {
		lg.Warn("input blob delete failed, retention will sweep it",
			slog.String("blob_path", j.BlobPath), slog.Any("error", err))
	}
	return nil
}

func (s *ProcessService) fail(ctx context.Context, lg *slog.Logger, jobID, reason, msg string) {
	if err := s.Jobs.SetFailed(ctx, jobID, s.Opts.WorkerID, msg, s.Clock.Now()); err != nil {
		// Lease gone; whoever holds it decides the terminal state.
		lg.Warn("could not mark job failed", slog.Any("error", err))
		observability.ReleaseJob()
		return
	}
	observability.FailJob(reason)
	lg.Error("job failed", slog.String("reason", reason), slog.String("error", msg))
}

// isPermanentErr reports whether the failure class can never succeed on a
// retry with the same input. Everything else is treated as transient.
func isPermanentErr(err error) bool {
	return errors.Is(err, domain.ErrSchemaInvalid) ||
		errors.Is(err, domain.ErrInvalidArgument)
}

// failureMessage renders the single client-visible error string stored on
// the job.
func failureMessage(err error) string {
	msg := err.Error()
	if errors.Is(err, domain.ErrInvalidArgument) || errors.Is(err, domain.ErrSchemaInvalid) {
		msg = "Validation error: " + msg
	}
	if len(msg) > maxStoredErrorLen {
		msg = msg[:maxStoredErrorLen]
	}
	return msg
}
