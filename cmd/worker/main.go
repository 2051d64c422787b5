// Command worker consumes process tasks from Redpanda and drives the job
// lifecycle engine outside the HTTP process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/invoice-extractor/internal/adapter/ai/gemini"
	"github.com/fairyhunter13/invoice-extractor/internal/adapter/ai/openrouter"
	aistub "github.com/fairyhunter13/invoice-extractor/internal/adapter/ai/stub"
	"github.com/fairyhunter13/invoice-extractor/internal/adapter/blob/gcs"
	blobmem "github.com/fairyhunter13/invoice-extractor/internal/adapter/blob/memory"
	"github.com/fairyhunter13/invoice-extractor/internal/adapter/observability"
	ocrstub "github.com/fairyhunter13/invoice-extractor/internal/adapter/ocr/stub"
	"github.com/fairyhunter13/invoice-extractor/internal/adapter/ocr/vision"
	"github.com/fairyhunter13/invoice-extractor/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/invoice-extractor/internal/adapter/queue/shared"
	"github.com/fairyhunter13/invoice-extractor/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/invoice-extractor/internal/app"
	"github.com/fairyhunter13/invoice-extractor/internal/config"
	"github.com/fairyhunter13/invoice-extractor/internal/domain"
	"github.com/fairyhunter13/invoice-extractor/internal/usecase"
	"github.com/fairyhunter13/invoice-extractor/pkg/textx"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// The worker exposes its own /metrics endpoint so job and OCR
	// instrumentation is scrapeable without going through the API process.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

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
	slog.Info("starting worker", slog.String("env", cfg.AppEnv), slog.String("worker_id", cfg.WorkerID))

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

	consumer, err := redpanda.NewConsumer(
		cfg.KafkaBrokers,
		cfg.ConsumerGroup,
		cfg.TopicProcess,
		cfg.ConsumerMaxConcurrency,
		shared.DefaultRedeliveryConfig(cfg.ProcessBudget),
		engine.Process,
	)
	if err != nil {
		slog.Error("redpanda consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			slog.Error("failed to close consumer", slog.Any("error", err))
		}
	}()

	// The worker also sweeps abandoned leases so a crashed peer's jobs
	// reach a terminal state without waiting for the API process.
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	if s := app.NewStaleJobSweeper(jobRepo, nil, 2*cfg.StaleThreshold(), cfg.StaleSweepInterval); s != nil {
		go s.Run(runCtx)
	}

	go func() {
		if err := consumer.Start(runCtx); err != nil {
			slog.Error("consumer error", slog.Any("error", err))
		}
	}()

	slog.Info("worker started, waiting for shutdown signal")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
}
