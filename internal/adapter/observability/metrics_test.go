package observability

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

var initOnce sync.Once

func initRegistry(t *testing.T) {
	t.Helper()
	initOnce.Do(InitMetrics)
}

func TestHTTPMetricsMiddleware_RecordsRequest(t *testing.T) {
	initRegistry(t)
	before := testutil.CollectAndCount(HTTPRequestsTotal)

	h := HTTPMetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Greater(t, testutil.CollectAndCount(HTTPRequestsTotal), before-1)
}

func TestJobGaugeLifecycle(t *testing.T) {
	initRegistry(t)
	start := testutil.ToFloat64(JobsProcessing)

	StartProcessingJob()
	require.Equal(t, start+1, testutil.ToFloat64(JobsProcessing))

	CompleteJob(0.9)
	require.Equal(t, start, testutil.ToFloat64(JobsProcessing))

	StartProcessingJob()
	FailJob("permanent")
	require.Equal(t, start, testutil.ToFloat64(JobsProcessing))

	StartProcessingJob()
	ReleaseJob()
	require.Equal(t, start, testutil.ToFloat64(JobsProcessing))
}

func TestTokenCounters(t *testing.T) {
	initRegistry(t)
	AddLLMTokens("gemini", 120, 45)
	require.Equal(t, 120.0, testutil.ToFloat64(LLMTokensTotal.WithLabelValues("gemini", "prompt")))
	require.Equal(t, 45.0, testutil.ToFloat64(LLMTokensTotal.WithLabelValues("gemini", "completion")))

	// zero counts do not create series noise
	AddLLMTokens("openrouter", 0, 0)
	require.Equal(t, 0.0, testutil.ToFloat64(LLMTokensTotal.WithLabelValues("openrouter", "prompt")))
}
