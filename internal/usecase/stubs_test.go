package usecase_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/invoice-extractor/internal/domain"
)

// memClock is a settable clock; tests advance it explicitly.
type memClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMemClock() *memClock {
	return &memClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *memClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *memClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memJobs is an in-memory JobRepository mirroring the postgres repo's
// semantics: transactional lock acquisition, lease-guarded writes that
// report ErrConflict on a lost lease, write-once stage stamps.
type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	seq  int

	heartbeats    int
	markQueuedErr error
}

func newMemJobs() *memJobs { return &memJobs{jobs: map[string]*domain.Job{}} }

func (m *memJobs) put(j domain.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.Stages == nil {
		j.Stages = map[string]time.Time{}
	}
	cp := j
	m.jobs[j.ID] = &cp
}

func (m *memJobs) snapshot(id string) domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memJobs) stamp(j *domain.Job, stage string, now time.Time) {
	if j.Stages == nil {
		j.Stages = map[string]time.Time{}
	}
	if _, ok := j.Stages[stage]; !ok {
		j.Stages[stage] = now
	}
}

func (m *memJobs) Create(_ domain.Context, j domain.Job) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.ID == "" {
		m.seq++
		j.ID = fmt.Sprintf("job-%d", m.seq)
	}
	if j.Status == "" {
		j.Status = domain.JobUploaded
	}
	j.CreatedAt = time.Now().UTC()
	j.UpdatedAt = j.CreatedAt
	if j.Stages == nil {
		j.Stages = map[string]time.Time{}
	}
	j.Stages[string(domain.JobUploaded)] = j.CreatedAt
	cp := j
	m.jobs[j.ID] = &cp
	return j.ID, nil
}

func (m *memJobs) Get(_ domain.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	return *j, nil
}

func (m *memJobs) ListBySession(_ domain.Context, sessionID string) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, j := range m.jobs {
		if j.SessionID == sessionID {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *memJobs) ListDoneBySession(_ domain.Context, sessionID string) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, j := range m.jobs {
		if j.SessionID == sessionID && j.Status == domain.JobDone {
			out = append(out, *j)
		}
	}
	// newest first
	for i := 0; i < len(out); i++ {
		for k := i + 1; k < len(out); k++ {
			if out[k].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[k] = out[k], out[i]
			}
		}
	}
	return out, nil
}

func (m *memJobs) MarkQueued(_ domain.Context, id string, now time.Time) error {
	if m.markQueuedErr != nil {
		return m.markQueuedErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != domain.JobUploaded {
		return nil
	}
	j.Status = domain.JobQueued
	m.stamp(j, string(domain.JobQueued), now)
	j.UpdatedAt = now
	return nil
}

func (m *memJobs) MarkDispatchFailed(_ domain.Context, id, errMsg string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || (j.Status != domain.JobUploaded && j.Status != domain.JobQueued) {
		return nil
	}
	j.Status = domain.JobFailed
	j.Error = errMsg
	m.stamp(j, string(domain.JobFailed), now)
	j.UpdatedAt = now
	return nil
}

func (m *memJobs) AcquireLock(_ domain.Context, id, workerID string, staleAfter time.Duration, now time.Time) (domain.Job, domain.LockOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, domain.LockContended, fmt.Errorf("op=job.acquire: %w", domain.ErrNotFound)
	}
	if j.Terminal() {
		return *j, domain.LockAlreadyDone, nil
	}
	if j.LockedBy != "" && j.LockedBy != workerID && now.Sub(j.LivenessAt()) < staleAfter {
		return *j, domain.LockContended, nil
	}
	j.LockedBy = workerID
	t := now
	j.LockedAt = &t
	hb := now
	j.HeartbeatAt = &hb
	j.Status = domain.JobProcessing
	j.Attempt++
	m.stamp(j, string(domain.JobProcessing), now)
	j.UpdatedAt = now
	return *j, domain.LockAcquired, nil
}

func (m *memJobs) guarded(id, workerID string, fn func(j *domain.Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.LockedBy != workerID {
		return fmt.Errorf("op=job.guarded: %w", domain.ErrConflict)
	}
	fn(j)
	return nil
}

func (m *memJobs) SetStage(_ domain.Context, id, workerID string, status domain.JobStatus, now time.Time) error {
	return m.guarded(id, workerID, func(j *domain.Job) {
		j.Status = status
		m.stamp(j, string(status), now)
		j.UpdatedAt = now
	})
}

func (m *memJobs) SetOCROperation(_ domain.Context, id, workerID, operation, method string) error {
	return m.guarded(id, workerID, func(j *domain.Job) {
		j.OCROperation = operation
		j.OCRMethod = method
	})
}

func (m *memJobs) ClearOCROperation(_ domain.Context, id, workerID string) error {
	return m.guarded(id, workerID, func(j *domain.Job) { j.OCROperation = "" })
}

func (m *memJobs) Heartbeat(_ domain.Context, id, workerID string, now time.Time) error {
	return m.guarded(id, workerID, func(j *domain.Job) {
		hb := now
		j.HeartbeatAt = &hb
		j.UpdatedAt = now
		m.heartbeats++
	})
}

func (m *memJobs) SetResult(_ domain.Context, id, workerID, resultJSON string, confidence float64, preprocessApplied bool, now time.Time) error {
	return m.guarded(id, workerID, func(j *domain.Job) {
		j.Status = domain.JobDone
		if j.ResultJSON == "" {
			j.ResultJSON = resultJSON
		}
		j.Confidence = confidence
		j.PreprocessApplied = preprocessApplied
		m.stamp(j, string(domain.JobLLM), now)
		m.stamp(j, string(domain.JobDone), now)
		j.LockedBy = ""
		j.LockedAt = nil
		j.HeartbeatAt = nil
		j.Error = ""
		j.UpdatedAt = now
	})
}

func (m *memJobs) SetFailed(_ domain.Context, id, workerID, errMsg string, now time.Time) error {
	return m.guarded(id, workerID, func(j *domain.Job) {
		j.Status = domain.JobFailed
		j.Error = errMsg
		m.stamp(j, string(domain.JobFailed), now)
		j.LockedBy = ""
		j.LockedAt = nil
		j.HeartbeatAt = nil
		j.UpdatedAt = now
	})
}

func (m *memJobs) ReleaseLock(_ domain.Context, id, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.LockedBy != workerID {
		return nil
	}
	j.LockedBy = ""
	j.LockedAt = nil
	j.HeartbeatAt = nil
	return nil
}

func (m *memJobs) RequeueForRetry(_ domain.Context, id string, maxManualRetries int, staleAfter time.Duration, now time.Time) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.requeue: %w", domain.ErrNotFound)
	}
	switch {
	case j.Status == domain.JobDone:
		return domain.Job{}, fmt.Errorf("op=job.requeue: already done: %w", domain.ErrConflict)
	case j.Status == domain.JobFailed:
	case j.LockedBy != "" && now.Sub(j.LivenessAt()) >= staleAfter:
	default:
		return domain.Job{}, fmt.Errorf("op=job.requeue: still in progress: %w", domain.ErrConflict)
	}
	if j.ManualRetries >= maxManualRetries {
		return domain.Job{}, fmt.Errorf("op=job.requeue: retry limit reached: %w", domain.ErrRateLimited)
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
	return *j, nil
}

func (m *memJobs) DeleteBySession(_ domain.Context, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, j := range m.jobs {
		if j.SessionID == sessionID {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *memJobs) ListExpiredSessions(_ domain.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	newest := map[string]time.Time{}
	for _, j := range m.jobs {
		if t, ok := newest[j.SessionID]; !ok || j.CreatedAt.After(t) {
			newest[j.SessionID] = j.CreatedAt
		}
	}
	var out []string
	for sid, t := range newest {
		if t.Before(cutoff) && len(out) < limit {
			out = append(out, sid)
		}
	}
	return out, nil
}

func (m *memJobs) FailStale(_ domain.Context, cutoff time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, j := range m.jobs {
		if j.Terminal() || n >= int64(limit) {
			continue
		}
		liveness := j.LivenessAt()
		if liveness.IsZero() {
			liveness = j.UpdatedAt
		}
		if liveness.Before(cutoff) {
			j.Status = domain.JobFailed
			j.Error = "processing timed out; the job was abandoned by its worker"
			j.LockedBy = ""
			j.LockedAt = nil
			j.HeartbeatAt = nil
			n++
		}
	}
	return n, nil
}

// memBlob is a tiny in-memory BlobStore.
type memBlob struct {
	mu      sync.Mutex
	objects map[string][]byte

	uploadErr error
	deleteErr error
}

func newMemBlob() *memBlob { return &memBlob{objects: map[string][]byte{}} }

func (b *memBlob) Upload(_ domain.Context, path string, data []byte, _ string) error {
	if b.uploadErr != nil {
		return b.uploadErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = append([]byte(nil), data...)
	return nil
}

func (b *memBlob) Download(_ domain.Context, path string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.objects[path]
	if !ok {
		return nil, fmt.Errorf("op=blob.download: %w", domain.ErrNotFound)
	}
	return d, nil
}

func (b *memBlob) Exists(_ domain.Context, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[path]
	return ok, nil
}

func (b *memBlob) Delete(_ domain.Context, path string) error {
	if b.deleteErr != nil {
		return b.deleteErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, path)
	return nil
}

func (b *memBlob) List(_ domain.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (b *memBlob) DeletePrefix(_ domain.Context, prefix string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			delete(b.objects, k)
		}
	}
	return nil
}

func (b *memBlob) URI(path string) string { return "mem://test/" + path }

// fakeOCR scripts both tiers and counts calls.
type fakeOCR struct {
	mu sync.Mutex

	syncText string
	syncErr  error

	opName        string
	startErr      error
	pollsUntilDone int
	pollErr       error
	asyncText     string
	collectErr    error

	startCalls, pollCalls, collectCalls, syncCalls int
}

func (f *fakeOCR) ExtractSync(_ domain.Context, _ string, _ int) (domain.OCRText, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncCalls++
	if f.syncErr != nil {
		return domain.OCRText{}, f.syncErr
	}
	return domain.OCRText{Text: f.syncText, WordQuality: 0.95}, nil
}

func (f *fakeOCR) StartAsync(_ domain.Context, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startErr != nil {
		return "", f.startErr
	}
	if f.opName == "" {
		f.opName = "operations/op-1"
	}
	return f.opName, nil
}

func (f *fakeOCR) PollAsync(_ domain.Context, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollCalls++
	if f.pollErr != nil {
		return false, f.pollErr
	}
	if f.pollCalls > f.pollsUntilDone {
		return true, nil
	}
	return false, nil
}

func (f *fakeOCR) CollectAsync(_ domain.Context, _ string) (domain.OCRText, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collectCalls++
	if f.collectErr != nil {
		return domain.OCRText{}, f.collectErr
	}
	return domain.OCRText{Text: f.asyncText, WordQuality: -1}, nil
}

// fakeLLM returns scripted replies or errors per call.
type fakeLLM struct {
	mu    sync.Mutex
	name  string
	reply string
	err   error
	calls int
}

func (f *fakeLLM) Name() string { return f.name }

func (f *fakeLLM) ExtractInvoice(_ domain.Context, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

// fakeDispatcher records dispatched tasks.
type fakeDispatcher struct {
	mu    sync.Mutex
	tasks []domain.ProcessTask
	err   error
}

func (f *fakeDispatcher) Dispatch(_ domain.Context, t domain.ProcessTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, t)
	return nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

// fakeGuard admits or rejects uniformly.
type fakeGuard struct {
	createErr error
	retryErr  error
	creates   int
	retries   int
}

func (f *fakeGuard) AllowCreateJobs(_ context.Context, _, _ string, _ int) error {
	f.creates++
	return f.createErr
}

func (f *fakeGuard) AllowRetry(_ context.Context, _ string) error {
	f.retries++
	return f.retryErr
}

// validReply is a well-formed model reply used across engine tests.
const validReply = `{
  "invoiceNumber": "INV-001",
  "invoiceDate": "2025-03-15",
  "vendorName": "Acme B.V.",
  "currency": "EUR",
  "subtotal": 100.0,
  "tax": 21.0,
  "total": 121.0,
  "lineItems": [
    {"description": "Widget", "quantity": 2, "unitPrice": 50.0, "lineTotal": 100.0}
  ]
}`
