// Command server starts the invoice extraction HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/invoice-extractor/internal/adapter/ai/gemini"
	"github.com/fairyhunter13/invoice-extractor/internal/adapter/ai/openrouter"
	aistub "github.com/fairyhunter13/invoice-extractor/internal/adapter/ai/stub"
	"github.com/fairyhunter13/invoice-extractor/internal/adapter/blob/gcs"
	blobmem "github.com/fairyhunter13/invoice-extractor/internal/adapter/blob/memory"
	"github.com/fairyhunter13/invoice-extractor/internal/adapter/httpserver"
	"github.com/fairyhunter13/invoice-extractor/internal/adapter/observability"
	ocrstub "github.com/fairyhunter13/invoice-extractor/internal/adapter/ocr/stub"
	"github.com/fairyhunter13/invoice-extractor/internal/adapter/ocr/vision"
	"github.com/fairyhunter13/invoice-extractor/internal/adapter/queue/cloudtasks"
	"github.com/fairyhunter13/invoice-extractor/internal/adapter/queue/emulate"
	"github.com/fairyhunter13/invoice-extractor/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/invoice-extractor/internal/adapter/queue/shared"
	"github.com/fairyhunter13/invoice-extractor/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/invoice-extractor/internal/app"
	"github.com/fairyhunter13/invoice-extractor/internal/config"
	"github.com/fairyhunter13/invoice-extractor/internal/domain"
	"github.com/fairyhunter13/invoice-extractor/internal/service/ratelimiter"
	"github.com/fairyhunter13/invoice-extractor/internal/usecase"
	"github.com/fairyhunter13/invoice-extractor/pkg/textx"
)

// redisAdapter narrows *redis.Client to the readiness interface; the
// concrete Ping return type is a *redis.StatusCmd, which already
// satisfies RedisPingResult.
type redisAdapter struct{ rdb *redis.Client }

func (a redisAdapter) Ping(ctx context.Context) app.RedisPingResult { return a.rdb.Ping(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		cfg.WorkerID = fmt.Sprintf("%s-%s", host, ulid.Make().String())
	}

	// Infra: DB pool and schema.
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	jobRepo := postgres.NewJobRepo(pool)

	// Redis backs the token buckets; Postgres mirrors them for warm boots.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url invalid", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	limiter := ratelimiter.NewRedisLuaLimiter(rdb, pool, map[string]ratelimiter.BucketConfig{
		ratelimiter.ClassJobs:    ratelimiter.NewBucketConfigFromPerMinute(cfg.RateJobsPerMin),
		ratelimiter.ClassFiles:   ratelimiter.NewBucketConfigFromPerMinute(cfg.RateFilesPerMin),
		ratelimiter.ClassRetries: ratelimiter.NewBucketConfigFromPerMinute(cfg.RateRetriesPerMin),
		ratelimiter.ClassIPJobs:  ratelimiter.NewBucketConfigFromPerMinute(cfg.RateIPJobsPerMin),
	}, cfg.RateFailOpenTries)
	if err := limiter.WarmFromPostgres(ctx); err != nil {
		slog.Warn("bucket warm-up failed", slog.Any("error", err))
	}
	guard := ratelimiter.NewGuard(limiter, int64(cfg.DailySessionLimit), int64(cfg.DailyGlobalLimit))

	// Blob store: GCS in real deployments, in-memory for local dev.
	var blob domain.BlobStore
	if cfg.GCSBucket != "" {
		store, err := gcs.New(ctx, cfg.GCSBucket)
		if err != nil {
			slog.Error("gcs connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		blob = store
	} else {
		if !cfg.IsDev() {
			slog.Error("GCS_BUCKET is required outside dev")
			os.Exit(1)
		}
		slog.Warn("no GCS bucket configured, using in-memory blob store")
		blob = blobmem.New()
	}

	// OCR: Cloud Vision when a project is configured, stub otherwise.
	var ocr domain.OCRProvider
	if cfg.GCPProjectID != "" {
		cli, err := vision.New(ctx, blob, cfg.OCRLangHints)
		if err != nil {
			slog.Error("vision connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		ocr = cli
	} else {
		if !cfg.IsDev() {
			slog.Error("GCP_PROJECT_ID is required outside dev")
			os.Exit(1)
		}
		slog.Warn("no GCP project configured, using stub OCR")
		ocr = ocrstub.New()
	}

	// LLM providers: Gemini primary, OpenRouter fallback.
	var primary, fallback domain.LLMClient
	if cfg.GeminiAPIKey != "" {
		primary = gemini.New(cfg)
	} else {
		if !cfg.IsDev() {
			slog.Error("GEMINI_API_KEY is required outside dev")
			os.Exit(1)
		}
		slog.Warn("no Gemini key configured, using stub LLM")
		primary = aistub.New()
	}
	if cfg.OpenRouterAPIKey != "" {
		fallback = openrouter.New(cfg)
	}

	engine := usecase.NewProcessService(jobRepo, blob, ocr, primary, fallback, nil, usecase.EngineOptions{
		WorkerID:          cfg.WorkerID,
		SyncMaxPages:      cfg.OCRSyncMaxPages,
		PollInitial:       cfg.OCRPollInitial,
		PollMax:           cfg.OCRPollMax,
		StageTimeout:      cfg.StageTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		StaleAfter:        cfg.StaleThreshold(),
		MaxAttempts:       cfg.MaxAttempts,
		Prompt:            config.GetExtractionPrompt(cfg.LLMPromptVersion),
		Normalize: textx.NormalizeOptions{
			StripTop:    cfg.ZoneStripTop,
			StripBottom: cfg.ZoneStripBottom,
			MaxChars:    cfg.PreprocessMaxChars,
		},
	})

	// Dispatch: the in-process emulator doubles as the fallback path when
	// the real queue rejects a task at intake time.
	redeliver := shared.DefaultRedeliveryConfig(cfg.ProcessBudget)
	emu := emulate.New(cfg.ConsumerMaxConcurrency, 4*cfg.ConsumerMaxConcurrency, redeliver, engine.Process)
	defer func() { _ = emu.Close() }()

	var queue, fallbackQueue domain.TaskDispatcher
	switch cfg.QueueBackend {
	case config.QueueCloudTasks:
		d, err := cloudtasks.New(ctx, cfg)
		if err != nil {
			slog.Error("cloud tasks connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = d.Close() }()
		queue, fallbackQueue = d, emu
	case config.QueueRedpanda:
		p, err := redpanda.NewProducer(cfg.KafkaBrokers, "", cfg.TopicProcess)
		if err != nil {
			slog.Error("redpanda producer connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = p.Close() }()
		queue, fallbackQueue = p, emu
	default:
		queue = emu
	}

	intakeSvc := usecase.NewIntakeService(jobRepo, blob, queue, fallbackQueue, guard, nil, usecase.IntakeLimits{
		MaxFiles:     cfg.MaxFilesPerUpload,
		MaxSizeBytes: cfg.MaxFileSizeBytes(),
		MaxPages:     cfg.MaxPDFPages,
	})
	jobsSvc := usecase.NewJobService(jobRepo, blob, queue, guard, nil, cfg.MaxManualRetries, cfg.StaleThreshold())

	dbCheck, redisCheck, blobCheck := app.BuildReadinessChecks(pool, redisAdapter{rdb}, blob)
	srv := httpserver.NewServer(cfg, intakeSvc, jobsSvc, engine.Process, dbCheck, redisCheck, blobCheck)
	handler := app.BuildRouter(cfg, srv, httpserver.NewTaskAuth(cfg))

	// Background sweeps: expired sessions and abandoned leases.
	sweepCtx, stopSweeps := context.WithCancel(ctx)
	defer stopSweeps()
	if s := app.NewRetentionSweeper(jobRepo, jobsSvc, nil, cfg.RetentionAge(), cfg.RetentionSweepInterval, cfg.RetentionBatch); s != nil {
		go s.Run(sweepCtx)
	}
	if s := app.NewStaleJobSweeper(jobRepo, nil, 2*cfg.StaleThreshold(), cfg.StaleSweepInterval); s != nil {
		go s.Run(sweepCtx)
	}

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting",
			slog.Int("port", cfg.Port),
			slog.String("queue_backend", cfg.QueueBackend),
			slog.String("worker_id", cfg.WorkerID))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
