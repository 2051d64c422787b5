package app_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/invoice-extractor/internal/adapter/httpserver"
	"github.com/fairyhunter13/invoice-extractor/internal/app"
	"github.com/fairyhunter13/invoice-extractor/internal/config"
	"github.com/fairyhunter13/invoice-extractor/internal/domain"
	"github.com/fairyhunter13/invoice-extractor/internal/usecase"
)

type noopIntake struct{}

func (noopIntake) CreateUploadJobs(context.Context, string, string, []usecase.FileUpload) (usecase.IntakeResult, error) {
	return usecase.IntakeResult{}, nil
}

type noopJobs struct{}

func (noopJobs) Get(context.Context, string, string) (domain.Job, error) {
	return domain.Job{ID: "j1", Status: domain.JobQueued}, nil
}
func (noopJobs) List(context.Context, string) ([]domain.Job, error)       { return nil, nil }
func (noopJobs) Retry(context.Context, string, string) (domain.Job, error) {
	return domain.Job{}, nil
}
func (noopJobs) ExportCSV(context.Context, string, io.Writer) error        { return nil }
func (noopJobs) DeleteSession(context.Context, string) (int64, error)      { return 0, nil }

func buildTestRouter(t *testing.T) http.Handler {
	t.Helper()
	cfg := config.Config{
		MaxFilesPerUpload: 10, MaxFileSizeMB: 1, MaxPDFPages: 20,
		RateLimitPerMin: 100, CORSAllowOrigins: "*",
		TaskAuthMode: config.TaskAuthOff, ProcessBudget: 15 * time.Minute,
	}
	srv := httpserver.NewServer(cfg, noopIntake{}, noopJobs{}, func(context.Context, domain.ProcessTask) error { return nil }, nil, nil, nil)
	return app.BuildRouter(cfg, srv, httpserver.NewTaskAuth(cfg))
}

func TestRouter_OpsEndpoints(t *testing.T) {
	h := buildTestRouter(t)
	for _, path := range []string{"/healthz", "/metrics", "/api/healthz", "/api/config"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestRouter_ClientRoutesNeedSession(t *testing.T) {
	h := buildTestRouter(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/j1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/j1", nil)
	req.Header.Set(httpserver.SessionHeader, "3e0170dc-26e9-4f61-8d3c-31a9d0b2c1aa")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_SecurityHeadersApplied(t *testing.T) {
	h := buildTestRouter(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRouter_TaskEndpointWired(t *testing.T) {
	h := buildTestRouter(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/process", strings.NewReader(`{"jobId":"j1"}`))
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, app.ParseOrigins(""))
	assert.Equal(t, []string{"*"}, app.ParseOrigins("*"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"},
		app.ParseOrigins(" https://a.example, https://b.example ,"))
}
