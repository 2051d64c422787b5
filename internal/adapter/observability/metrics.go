package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of process tasks dispatched",
		},
	)
	JobsProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently holding a processing lease",
		},
	)
	JobsDoneTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_done_total",
			Help: "Total number of jobs finished with a result",
		},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed, by failure class",
		},
		[]string{"reason"},
	)
	JobStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_stage_duration_seconds",
			Help:    "Wall time spent per pipeline stage",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 180, 600},
		},
		[]string{"stage"},
	)

	OCRRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocr_requests_total",
			Help: "OCR calls by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)
	OCRDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ocr_duration_seconds",
			Help:    "OCR extraction duration in seconds (submit-to-text for async)",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 180, 600},
		},
		[]string{"tier"},
	)

	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "LLM extraction calls by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
	LLMRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)
	LLMTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Token usage by provider and kind (prompt/completion)",
		},
		[]string{"provider", "kind"},
	)

	RateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Admission rejections by limiting scope",
		},
		[]string{"scope"},
	)
	RateLimitFailOpenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limit_fail_open_total",
			Help: "Admissions granted because the limiter backend was unavailable",
		},
	)

	RetentionSessionsDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "retention_sessions_deleted_total",
			Help: "Sessions removed by the retention sweeper",
		},
	)
	StaleJobsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stale_jobs_failed_total",
			Help: "Jobs failed by the stale-lease sweeper",
		},
	)

	ConfidenceHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "extraction_confidence",
			Help:    "Distribution of confidence scores on done jobs [0,1]",
			Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsDoneTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobStageDuration)
	prometheus.MustRegister(OCRRequestsTotal)
	prometheus.MustRegister(OCRDuration)
	prometheus.MustRegister(LLMRequestsTotal)
	prometheus.MustRegister(LLMRequestDuration)
	prometheus.MustRegister(LLMTokensTotal)
	prometheus.MustRegister(RateLimitRejectionsTotal)
	prometheus.MustRegister(RateLimitFailOpenTotal)
	prometheus.MustRegister(RetentionSessionsDeletedTotal)
	prometheus.MustRegister(StaleJobsFailedTotal)
	prometheus.MustRegister(ConfidenceHistogram)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueJob() {
	JobsEnqueuedTotal.Inc()
}

func StartProcessingJob() {
	JobsProcessing.Inc()
}

// CompleteJob closes the processing gauge and records the result confidence.
func CompleteJob(confidence float64) {
	JobsProcessing.Dec()
	JobsDoneTotal.Inc()
	if confidence >= 0 && confidence <= 1 {
		ConfidenceHistogram.Observe(confidence)
	}
}

func FailJob(reason string) {
	JobsProcessing.Dec()
	JobsFailedTotal.WithLabelValues(reason).Inc()
}

// ReleaseJob closes the processing gauge without a terminal outcome
// (transient error, the delivery will come back).
func ReleaseJob() {
	JobsProcessing.Dec()
}

func ObserveStage(stage string, d time.Duration) {
	JobStageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func ObserveOCR(tier, outcome string, d time.Duration) {
	OCRRequestsTotal.WithLabelValues(tier, outcome).Inc()
	OCRDuration.WithLabelValues(tier).Observe(d.Seconds())
}

func ObserveLLM(provider, outcome string, d time.Duration) {
	LLMRequestsTotal.WithLabelValues(provider, outcome).Inc()
	LLMRequestDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func AddLLMTokens(provider string, prompt, completion int) {
	if prompt > 0 {
		LLMTokensTotal.WithLabelValues(provider, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		LLMTokensTotal.WithLabelValues(provider, "completion").Add(float64(completion))
	}
}

func RateLimitRejected(scope string) {
	RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
}

func RateLimitFailOpen() {
	RateLimitFailOpenTotal.Inc()
}
