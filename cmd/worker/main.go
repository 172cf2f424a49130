// Command worker runs the document-processing pipeline: it claims jobs
// from the Postgres queue, executes the stage handlers, and schedules
// the weekly feedback analysis. Metrics are exposed on a dedicated
// port so the scrape target is independent of the API server.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/dealgraph/dealgraph/internal/adapter/ai"
	"github.com/dealgraph/dealgraph/internal/adapter/ai/anthropicx"
	"github.com/dealgraph/dealgraph/internal/adapter/ai/gemini"
	"github.com/dealgraph/dealgraph/internal/adapter/ai/tokencount"
	"github.com/dealgraph/dealgraph/internal/adapter/ai/voyage"
	"github.com/dealgraph/dealgraph/internal/adapter/blobstore"
	"github.com/dealgraph/dealgraph/internal/adapter/events/kafka"
	"github.com/dealgraph/dealgraph/internal/adapter/graph/neo4j"
	"github.com/dealgraph/dealgraph/internal/adapter/observability"
	"github.com/dealgraph/dealgraph/internal/adapter/parser/docling"
	"github.com/dealgraph/dealgraph/internal/adapter/queue/pgqueue"
	"github.com/dealgraph/dealgraph/internal/adapter/repo/postgres"
	"github.com/dealgraph/dealgraph/internal/chunk"
	"github.com/dealgraph/dealgraph/internal/config"
	"github.com/dealgraph/dealgraph/internal/domain"
	"github.com/dealgraph/dealgraph/internal/extract/financial"
	"github.com/dealgraph/dealgraph/internal/pipeline/handlers"
	"github.com/dealgraph/dealgraph/internal/pipeline/retry"
	"github.com/dealgraph/dealgraph/internal/service/ratelimiter"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema migration failed", slog.Any("error", err))
		os.Exit(1)
	}

	catalog, err := config.LoadModelCatalog()
	if err != nil {
		slog.Warn("model catalog load failed, cost accounting disabled", slog.Any("error", err))
	}

	llm, embedder := buildAIClients(ctx, cfg, pool)

	graph, err := neo4j.New(ctx, cfg, llm)
	if err != nil {
		slog.Error("graph connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = graph.Close(context.Background()) }()

	blobs, err := blobstore.New(ctx, cfg)
	if err != nil {
		slog.Error("blob store init failed", slog.Any("error", err))
		os.Exit(1)
	}

	var events domain.EventPublisher
	if cfg.EventsEnabled() {
		pub, err := kafka.New(ctx, cfg.KafkaBrokers)
		if err != nil {
			slog.Error("kafka connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer pub.Close()
		events = pub
	}

	docRepo := postgres.NewDocumentRepo(pool)
	chunkRepo := postgres.NewChunkRepo(pool)
	findingRepo := postgres.NewFindingRepo(pool)

	queue := pgqueue.New(pool)
	deps := &handlers.Deps{
		Deals:          postgres.NewDealRepo(pool),
		Docs:           docRepo,
		Chunks:         chunkRepo,
		Findings:       findingRepo,
		Metrics:        postgres.NewMetricRepo(pool),
		Contradictions: postgres.NewContradictionRepo(pool),
		Feedback:       postgres.NewFeedbackRepo(pool),

		Queue:    queue,
		Retry:    retry.NewManager(docRepo, chunkRepo, findingRepo, cfg.GetRetryPolicy()),
		LLM:      llm,
		Embedder: embedder,
		Graph:    graph,
		Blobs:    blobs,
		Parser:   docling.New(cfg),
		Chunker:  chunk.New(tokencount.NewCounter(), cfg.GetChunkingPolicy()),
		Detector: financial.NewDetector(cfg.FinancialDetectionThreshold),

		Events:   events,
		Recorder: ai.NewRecorder(postgres.NewUsageRepo(pool), catalog),

		Cfg: cfg,
	}

	worker := pgqueue.NewWorker(queue, pgqueue.WorkerOptions{
		Concurrency:       cfg.WorkerCount,
		BatchSize:         cfg.QueueBatchSize,
		PollInterval:      cfg.QueuePollInterval,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		ReaperInterval:    cfg.QueueReaperInterval,
	})
	deps.RegisterAll(worker)

	if cfg.JobRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.JobRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
	}

	sched := cron.New()
	if cfg.FeedbackCron != "" {
		_, err := sched.AddFunc(cfg.FeedbackCron, func() {
			if _, err := queue.Enqueue(ctx, domain.JobAnalyzeFeedbackAll,
				domain.AnalyzeFeedbackAllPayload{PeriodDays: cfg.FeedbackPeriodDays}, nil); err != nil {
				slog.Error("feedback fan-out enqueue failed", slog.Any("error", err))
			}
		})
		if err != nil {
			slog.Error("invalid feedback cron expression",
				slog.String("cron", cfg.FeedbackCron), slog.Any("error", err))
			os.Exit(1)
		}
		sched.Start()
		defer sched.Stop()
		slog.Info("feedback schedule registered", slog.String("cron", cfg.FeedbackCron))
	}

	slog.Info("worker starting",
		slog.Int("concurrency", cfg.WorkerCount),
		slog.Duration("poll_interval", cfg.QueuePollInterval))
	if err := worker.Run(ctx); err != nil {
		slog.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker drained, shutting down")
}

// buildAIClients mirrors the server's chain wiring: Gemini primary with
// Claude fallback for generation, Voyage with Gemini fallback for
// embeddings, and an optional Redis-backed provider limiter.
func buildAIClients(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) (domain.LLMClient, domain.Embedder) {
	gem, err := gemini.New(ctx, cfg)
	if err != nil {
		slog.Error("gemini client init failed", slog.Any("error", err))
		os.Exit(1)
	}

	var fallback domain.LLMClient
	if cfg.AnthropicAPIKey != "" {
		claude, err := anthropicx.New(cfg)
		if err != nil {
			slog.Warn("anthropic client init failed, no LLM fallback", slog.Any("error", err))
		} else {
			fallback = claude
		}
	}
	llmChain := ai.NewChain(gem, fallback)

	var embedPrimary, embedFallback domain.Embedder = gem, nil
	if cfg.VoyageAPIKey != "" {
		voy, err := voyage.New(cfg)
		if err != nil {
			slog.Warn("voyage client init failed, embedding on gemini only", slog.Any("error", err))
		} else {
			embedPrimary, embedFallback = voy, gem
		}
	}
	embedChain := ai.NewEmbedderChain(embedPrimary, embedFallback)

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		// Every provider:model bucket shares the configured per-minute
		// budget until a per-model override is set.
		limiter := ratelimiter.New(rdb, pool, ratelimiter.PerMinute(cfg.RateLimitPerMin))
		if err := limiter.Warm(ctx); err != nil {
			slog.Warn("rate limit bucket warmup failed", slog.Any("error", err))
		}
		llmChain.WithLimiter(limiter)
		embedChain.WithLimiter(limiter)
	}
	return llmChain, embedChain
}
