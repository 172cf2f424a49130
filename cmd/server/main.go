// Command server starts the DealGraph HTTP server: search, manual graph
// ingestion, document status/retry, and the upload webhook. Pipeline
// stages run in the separate worker process.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/dealgraph/dealgraph/internal/adapter/ai"
	"github.com/dealgraph/dealgraph/internal/adapter/ai/anthropicx"
	"github.com/dealgraph/dealgraph/internal/adapter/ai/gemini"
	"github.com/dealgraph/dealgraph/internal/adapter/ai/voyage"
	"github.com/dealgraph/dealgraph/internal/adapter/graph/neo4j"
	httpserver "github.com/dealgraph/dealgraph/internal/adapter/httpserver"
	"github.com/dealgraph/dealgraph/internal/adapter/observability"
	"github.com/dealgraph/dealgraph/internal/adapter/queue/pgqueue"
	"github.com/dealgraph/dealgraph/internal/adapter/repo/postgres"
	"github.com/dealgraph/dealgraph/internal/app"
	"github.com/dealgraph/dealgraph/internal/config"
	"github.com/dealgraph/dealgraph/internal/domain"
	"github.com/dealgraph/dealgraph/internal/pipeline/retry"
	"github.com/dealgraph/dealgraph/internal/service/ratelimiter"
	"github.com/dealgraph/dealgraph/internal/usecase"
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

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
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

	dealRepo := postgres.NewDealRepo(pool)
	docRepo := postgres.NewDocumentRepo(pool)
	chunkRepo := postgres.NewChunkRepo(pool)
	findingRepo := postgres.NewFindingRepo(pool)

	catalog, err := config.LoadModelCatalog()
	if err != nil {
		slog.Warn("model catalog load failed, cost estimates disabled", slog.Any("error", err))
	}

	llm, embedder := buildAIClients(ctx, cfg, pool)

	graph, err := neo4j.New(ctx, cfg, llm)
	if err != nil {
		slog.Error("graph connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = graph.Close(context.Background()) }()

	queue := pgqueue.New(pool)
	retryMgr := retry.NewManager(docRepo, chunkRepo, findingRepo, cfg.GetRetryPolicy())

	srv := httpserver.NewServer(cfg,
		usecase.NewSearchService(embedder, chunkRepo),
		usecase.NewGraphIngestService(dealRepo, graph, catalog, cfg),
		usecase.NewDocumentService(dealRepo, docRepo, queue, retryMgr),
	)
	srv.DBCheck, srv.GraphCheck, srv.QueueCheck = app.BuildReadinessChecks(cfg, pool, graph, queue)

	if cfg.JobRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.JobRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started",
			slog.Int("retention_days", cfg.JobRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	handler := app.BuildRouter(cfg, srv)
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
		slog.Info("http server starting", slog.Int("port", cfg.Port))
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

// buildAIClients assembles the generation and embedding chains: Gemini
// primary with Claude fallback, Voyage embeddings with Gemini fallback.
// An optional Redis-backed limiter throttles provider calls.
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
