package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrInternal          = errors.New("internal error")
)

type JobStatus string

// Job states. The only backward transition is failed -> queued via a client
// retry; everything else moves strictly forward.
const (
	JobUploaded   JobStatus = "uploaded"
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobExtracting JobStatus = "extracting"
	JobLLM        JobStatus = "llm"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
)

// OCR tiers recorded on the job.
const (
	OCRMethodSync  = "sync"
	OCRMethodAsync = "async"
)

//go:generate mockery --name=JobRepository --with-expecter --filename=job_repository_mock.go
//go:generate mockery --name=BlobStore --with-expecter --filename=blob_store_mock.go
//go:generate mockery --name=OCRProvider --with-expecter --filename=ocr_provider_mock.go
//go:generate mockery --name=LLMClient --with-expecter --filename=llm_client_mock.go
//go:generate mockery --name=TaskDispatcher --with-expecter --filename=task_dispatcher_mock.go

// Job is one uploaded PDF moving through the pipeline.
// Invariants: Stages stamps are write-once; ResultJSON is set at most once;
// every status write after lock acquisition is guarded by LockedBy.
type Job struct {
	ID                string
	SessionID         string
	Filename          string
	BlobPath          string
	SizeBytes         int64
	PageCount         int
	Status            JobStatus
	Stages            map[string]time.Time
	Attempt           int
	ManualRetries     int
	LockedBy          string
	LockedAt          *time.Time
	HeartbeatAt       *time.Time
	OCROperation      string
	OCRMethod         string
	PreprocessApplied bool
	ResultJSON        string
	Confidence        float64
	Error             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Terminal reports whether the job reached an end state.
func (j Job) Terminal() bool { return j.Status == JobDone || j.Status == JobFailed }

// LivenessAt is the newest proof the lock holder was alive.
func (j Job) LivenessAt() time.Time {
	var t time.Time
	if j.LockedAt != nil {
		t = *j.LockedAt
	}
	if j.HeartbeatAt != nil && j.HeartbeatAt.After(t) {
		t = *j.HeartbeatAt
	}
	return t
}

// LockOutcome is the result of a transactional lock attempt.
type LockOutcome int

const (
	// LockAcquired: caller holds the lease and must run the pipeline.
	LockAcquired LockOutcome = iota
	// LockAlreadyDone: job is terminal; redelivery is a no-op.
	LockAlreadyDone
	// LockContended: another live worker holds the lease.
	LockContended
)

// JobRepository (port)
//
// All Set*/Heartbeat/Release writes are guarded by workerID: a zero-row
// update means the lease was taken over and the caller must stop without
// erroring (ErrConflict is returned for that case).
type JobRepository interface {
	Create(ctx Context, j Job) (string, error)
	Get(ctx Context, id string) (Job, error)
	ListBySession(ctx Context, sessionID string) ([]Job, error)
	ListDoneBySession(ctx Context, sessionID string) ([]Job, error)

	// MarkQueued moves a freshly created job from uploaded to queued after a
	// successful dispatch. A job no longer in uploaded is left alone.
	MarkQueued(ctx Context, id string, now time.Time) error
	// MarkDispatchFailed fails a job whose task could not be enqueued anywhere.
	MarkDispatchFailed(ctx Context, id, errMsg string, now time.Time) error

	AcquireLock(ctx Context, id, workerID string, staleAfter time.Duration, now time.Time) (Job, LockOutcome, error)
	SetStage(ctx Context, id, workerID string, status JobStatus, now time.Time) error
	SetOCROperation(ctx Context, id, workerID, operation, method string) error
	ClearOCROperation(ctx Context, id, workerID string) error
	Heartbeat(ctx Context, id, workerID string, now time.Time) error
	SetResult(ctx Context, id, workerID, resultJSON string, confidence float64, preprocessApplied bool, now time.Time) error
	SetFailed(ctx Context, id, workerID, errMsg string, now time.Time) error
	ReleaseLock(ctx Context, id, workerID string) error

	RequeueForRetry(ctx Context, id string, maxManualRetries int, staleAfter time.Duration, now time.Time) (Job, error)
	DeleteBySession(ctx Context, sessionID string) (int64, error)
	ListExpiredSessions(ctx Context, cutoff time.Time, limit int) ([]string, error)
	FailStale(ctx Context, cutoff time.Time, limit int) (int64, error)
}

// BlobStore (port)
// Delete and DeletePrefix are idempotent: deleting a missing object is nil.
type BlobStore interface {
	Upload(ctx Context, path string, data []byte, contentType string) error
	Download(ctx Context, path string) ([]byte, error)
	Exists(ctx Context, path string) (bool, error)
	Delete(ctx Context, path string) error
	List(ctx Context, prefix string) ([]string, error)
	DeletePrefix(ctx Context, prefix string) error
	// URI returns the provider-native locator (e.g. gs://bucket/path).
	URI(path string) string
}

// OCRText is extracted text plus an optional quality signal.
// WordQuality is the fraction of confident words, or -1 when the tier
// does not report confidences.
type OCRText struct {
	Text        string
	WordQuality float64
}

// OCRProvider (port)
type OCRProvider interface {
	// ExtractSync runs the inline tier for small documents.
	ExtractSync(ctx Context, uri string, pageCount int) (OCRText, error)
	// StartAsync submits a long-running operation writing JSON shards under
	// outputPrefix and returns the operation name for resume.
	StartAsync(ctx Context, uri, outputPrefix string) (string, error)
	// PollAsync reports completion of a previously started operation.
	PollAsync(ctx Context, operationName string) (bool, error)
	// CollectAsync reads, concatenates and deletes the output shards.
	CollectAsync(ctx Context, outputPrefix string) (OCRText, error)
}

// LLMClient (port)
type LLMClient interface {
	Name() string
	// ExtractInvoice returns the model reply for the given prompt+text,
	// already cleaned down to bare JSON; callers parse it.
	ExtractInvoice(ctx Context, prompt, text string) (string, error)
}

// ProcessTask is the queue payload: just enough to re-read the job.
type ProcessTask struct {
	JobID     string `json:"jobId"`
	SessionID string `json:"sessionId"`
}

// TaskDispatcher (port)
type TaskDispatcher interface {
	Dispatch(ctx Context, t ProcessTask) error
}

// Clock (port) lets tests pin time; everything stores UTC.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Context is an alias to keep domain signatures decoupled from the stdlib
// import while adapters pass context.Context straight through.
type Context = context.Context
