package usecase_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/invoice-extractor/internal/domain"
	"github.com/fairyhunter13/invoice-extractor/internal/usecase"
	"github.com/fairyhunter13/invoice-extractor/pkg/textx"
)

type engineFixture struct {
	jobs     *memJobs
	blob     *memBlob
	ocr      *fakeOCR
	primary  *fakeLLM
	fallback *fakeLLM
	clock    *memClock
	svc      *usecase.ProcessService
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		jobs:     newMemJobs(),
		blob:     newMemBlob(),
		ocr:      &fakeOCR{syncText: "INVOICE\nINV-001", asyncText: "INVOICE\nINV-001"},
		primary:  &fakeLLM{name: "gemini", reply: validReply},
		fallback: &fakeLLM{name: "openrouter", reply: validReply},
		clock:    newMemClock(),
	}
	f.svc = usecase.NewProcessService(f.jobs, f.blob, f.ocr, f.primary, f.fallback, f.clock, usecase.EngineOptions{
		WorkerID:          "worker-a",
		SyncMaxPages:      5,
		PollInitial:       time.Millisecond,
		PollMax:           2 * time.Millisecond,
		StageTimeout:      time.Minute,
		HeartbeatInterval: 30 * time.Second,
		StaleAfter:        10 * time.Minute,
		MaxAttempts:       3,
		Prompt:            "extract the invoice",
		Normalize:         textx.NormalizeOptions{MaxChars: 10000},
	})
	return f
}

func (f *engineFixture) seedJob(t *testing.T, j domain.Job) domain.Job {
	t.Helper()
	if j.ID == "" {
		j.ID = "j1"
	}
	if j.SessionID == "" {
		j.SessionID = "s1"
	}
	if j.BlobPath == "" {
		j.BlobPath = "uploads/" + j.SessionID + "/" + j.ID + ".pdf"
	}
	if j.Status == "" {
		j.Status = domain.JobQueued
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = f.clock.Now()
	}
	f.jobs.put(j)
	require.NoError(t, f.blob.Upload(context.Background(), j.BlobPath, []byte("%PDF-1.4 test"), "application/pdf"))
	return j
}

func TestProcess_HappyPathSyncTier(t *testing.T) {
	f := newEngineFixture(t)
	j := f.seedJob(t, domain.Job{PageCount: 2})

	err := f.svc.Process(context.Background(), domain.ProcessTask{JobID: j.ID, SessionID: j.SessionID})
	require.NoError(t, err)

	got := f.jobs.snapshot(j.ID)
	assert.Equal(t, domain.JobDone, got.Status)
	assert.Contains(t, got.ResultJSON, "INV-001")
	assert.GreaterOrEqual(t, got.Confidence, 0.0)
	assert.LessOrEqual(t, got.Confidence, 1.0)
	assert.Empty(t, got.LockedBy)
	assert.Equal(t, domain.OCRMethodSync, got.OCRMethod)
	assert.Equal(t, 1, f.ocr.syncCalls)
	assert.Equal(t, 1, f.primary.calls)
	assert.Equal(t, 0, f.fallback.calls)

	// input blob is released on success
	exists, _ := f.blob.Exists(context.Background(), j.BlobPath)
	assert.False(t, exists)

	// stage stamps progress in order
	for _, stage := range []string{"processing", "extracting", "llm", "done"} {
		assert.Contains(t, got.Stages, stage)
	}
}

func TestProcess_TerminalJobIsIdempotentNoOp(t *testing.T) {
	f := newEngineFixture(t)
	j := f.seedJob(t, domain.Job{Status: domain.JobDone, ResultJSON: validReply})

	require.NoError(t, f.svc.Process(context.Background(), domain.ProcessTask{JobID: j.ID, SessionID: j.SessionID}))
	assert.Equal(t, 0, f.primary.calls)
	assert.Equal(t, 0, f.ocr.syncCalls)
	assert.Equal(t, domain.JobDone, f.jobs.snapshot(j.ID).Status)
}

func TestProcess_ContendedLeaseYieldsWithoutWrites(t *testing.T) {
	f := newEngineFixture(t)
	now := f.clock.Now()
	j := f.seedJob(t, domain.Job{Status: domain.JobProcessing, LockedBy: "worker-b", LockedAt: &now})

	require.NoError(t, f.svc.Process(context.Background(), domain.ProcessTask{JobID: j.ID, SessionID: j.SessionID}))
	got := f.jobs.snapshot(j.ID)
	assert.Equal(t, "worker-b", got.LockedBy)
	assert.Equal(t, 0, got.Attempt)
	assert.Equal(t, 0, f.ocr.syncCalls)
}

func TestProcess_StaleLeaseIsTakenOver(t *testing.T) {
	f := newEngineFixture(t)
	stale := f.clock.Now().Add(-time.Hour)
	j := f.seedJob(t, domain.Job{Status: domain.JobProcessing, PageCount: 1, LockedBy: "worker-dead", LockedAt: &stale})

	require.NoError(t, f.svc.Process(context.Background(), domain.ProcessTask{JobID: j.ID, SessionID: j.SessionID}))
	assert.Equal(t, domain.JobDone, f.jobs.snapshot(j.ID).Status)
}

func TestProcess_UnknownJobConsumesDelivery(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.svc.Process(context.Background(), domain.ProcessTask{JobID: "missing", SessionID: "s1"}))
}

func TestProcess_SessionMismatchDropsAndUnlocks(t *testing.T) {
	f := newEngineFixture(t)
	j := f.seedJob(t, domain.Job{SessionID: "s1", PageCount: 1})

	require.NoError(t, f.svc.Process(context.Background(), domain.ProcessTask{JobID: j.ID, SessionID: "s2"}))
	got := f.jobs.snapshot(j.ID)
	assert.Empty(t, got.LockedBy)
	assert.NotEqual(t, domain.JobDone, got.Status)
	assert.Equal(t, 0, f.ocr.syncCalls)
}

func TestProcess_AsyncTierSubmitsAndPersistsOperation(t *testing.T) {
	f := newEngineFixture(t)
	f.ocr.pollsUntilDone = 2
	j := f.seedJob(t, domain.Job{PageCount: 10})

	require.NoError(t, f.svc.Process(context.Background(), domain.ProcessTask{JobID: j.ID, SessionID: j.SessionID}))
	got := f.jobs.snapshot(j.ID)
	assert.Equal(t, domain.JobDone, got.Status)
	assert.Equal(t, domain.OCRMethodAsync, got.OCRMethod)
	assert.Empty(t, got.OCROperation, "operation marker cleared after collect")
	assert.Equal(t, 1, f.ocr.startCalls)
	assert.Equal(t, 1, f.ocr.collectCalls)
}

func TestProcess_AsyncTierResumesPersistedOperation(t *testing.T) {
	f := newEngineFixture(t)
	f.ocr.pollsUntilDone = 1
	// A previous attempt crashed after submitting; the marker survives.
	j := f.seedJob(t, domain.Job{PageCount: 10, OCROperation: "operations/op-1", OCRMethod: domain.OCRMethodAsync})

	require.NoError(t, f.svc.Process(context.Background(), domain.ProcessTask{JobID: j.ID, SessionID: j.SessionID}))
	got := f.jobs.snapshot(j.ID)
	assert.Equal(t, domain.JobDone, got.Status)
	assert.Equal(t, 0, f.ocr.startCalls, "resume must not submit a new operation")
	assert.GreaterOrEqual(t, f.ocr.pollCalls, 1)
	assert.Equal(t, 1, f.ocr.collectCalls)
}

func TestProcess_HeartbeatDuringSlowPoll(t *testing.T) {
	f := newEngineFixture(t)
	f.svc.Opts.HeartbeatInterval = 0 // every poll iteration qualifies
	f.ocr.pollsUntilDone = 3
	j := f.seedJob(t, domain.Job{PageCount: 10})

	require.NoError(t, f.svc.Process(context.Background(), domain.ProcessTask{JobID: j.ID, SessionID: j.SessionID}))
	assert.GreaterOrEqual(t, f.jobs.heartbeats, 3)
}

func TestProcess_ResultPresentSkipsLLM(t *testing.T) {
	f := newEngineFixture(t)
	j := f.seedJob(t, domain.Job{PageCount: 2, ResultJSON: validReply, Confidence: 0.9})

	require.NoError(t, f.svc.Process(context.Background(), domain.ProcessTask{JobID: j.ID, SessionID: j.SessionID}))
	got := f.jobs.snapshot(j.ID)
	assert.Equal(t, domain.JobDone, got.Status)
	assert.Equal(t, 0, f.primary.calls)
	assert.Equal(t, 0, f.fallback.calls)
	assert.Equal(t, 0, f.ocr.syncCalls)
	assert.Contains(t, got.ResultJSON, "INV-001")
}

func TestProcess_PrimaryFailsFallbackSucceeds(t *testing.T) {
	f := newEngineFixture(t)
	f.primary.err = fmt.Errorf("gemini returned 500: %w", domain.ErrInternal)
	j := f.seedJob(t, domain.Job{PageCount: 2})

	require.NoError(t, f.svc.Process(context.Background(), domain.ProcessTask{JobID: j.ID, SessionID: j.SessionID}))
	got := f.jobs.snapshot(j.ID)
	assert.Equal(t, domain.JobDone, got.Status)
	assert.Equal(t, 1, f.primary.calls)
	assert.Equal(t, 1, f.fallback.calls)
}

func TestProcess_BothProvidersUnparseableIsPermanent(t *testing.T) {
	f := newEngineFixture(t)
	f.primary.reply = "I could not find any invoice in this text."
	f.fallback.reply = "Sorry, no structured data here."
	j := f.seedJob(t, domain.Job{PageCount: 2})

	require.NoError(t, f.svc.Process(context.Background(), domain.ProcessTask{JobID: j.ID, SessionID: j.SessionID}))
	got := f.jobs.snapshot(j.ID)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.True(t, strings.HasPrefix(got.Error, "Validation error: "), "got %q", got.Error)
	assert.Empty(t, got.LockedBy)
}

func TestProcess_EmptyDocumentFailsPermanently(t *testing.T) {
	f := newEngineFixture(t)
	f.ocr.syncText = "   \n\n  "
	j := f.seedJob(t, domain.Job{PageCount: 1})

	require.NoError(t, f.svc.Process(context.Background(), domain.ProcessTask{JobID: j.ID, SessionID: j.SessionID}))
	got := f.jobs.snapshot(j.ID)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Contains(t, got.Error, "no text")
	assert.Equal(t, 0, f.primary.calls)
}

func TestProcess_TransientWithAttemptsLeftReleasesAndRetries(t *testing.T) {
	f := newEngineFixture(t)
	f.ocr.syncErr = fmt.Errorf("vision unavailable: %w", domain.ErrUpstreamTimeout)
	j := f.seedJob(t, domain.Job{PageCount: 1})

	err := f.svc.Process(context.Background(), domain.ProcessTask{JobID: j.ID, SessionID: j.SessionID})
	require.Error(t, err)

	got := f.jobs.snapshot(j.ID)
	assert.NotEqual(t, domain.JobFailed, got.Status, "transient errors are not terminal while attempts remain")
	assert.Empty(t, got.LockedBy, "lease released for the redelivery")
	assert.Equal(t, 1, got.Attempt)
}

func TestProcess_TransientWithAttemptsExhaustedFails(t *testing.T) {
	f := newEngineFixture(t)
	f.ocr.syncErr = fmt.Errorf("vision unavailable: %w", domain.ErrUpstreamTimeout)
	j := f.seedJob(t, domain.Job{PageCount: 1, Attempt: 2}) // acquisition makes it 3

	require.NoError(t, f.svc.Process(context.Background(), domain.ProcessTask{JobID: j.ID, SessionID: j.SessionID}))
	got := f.jobs.snapshot(j.ID)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.NotEmpty(t, got.Error)
}

func TestProcess_DuplicateDeliveriesConvergeOnSameResult(t *testing.T) {
	f := newEngineFixture(t)
	j := f.seedJob(t, domain.Job{PageCount: 2})
	task := domain.ProcessTask{JobID: j.ID, SessionID: j.SessionID}

	require.NoError(t, f.svc.Process(context.Background(), task))
	first := f.jobs.snapshot(j.ID)
	require.NoError(t, f.svc.Process(context.Background(), task))
	second := f.jobs.snapshot(j.ID)

	assert.Equal(t, first.ResultJSON, second.ResultJSON)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, 1, f.primary.calls, "LLM invoked exactly once across deliveries")
}

func TestProcess_BlobDeleteFailureDoesNotRegressStatus(t *testing.T) {
	f := newEngineFixture(t)
	f.blob.deleteErr = fmt.Errorf("gcs 503")
	j := f.seedJob(t, domain.Job{PageCount: 2})

	require.NoError(t, f.svc.Process(context.Background(), domain.ProcessTask{JobID: j.ID, SessionID: j.SessionID}))
	assert.Equal(t, domain.JobDone, f.jobs.snapshot(j.ID).Status)
}
