package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/opsframe/troubleshooter/internal/budget"
	"github.com/opsframe/troubleshooter/internal/cache"
	"github.com/opsframe/troubleshooter/internal/config"
	"github.com/opsframe/troubleshooter/internal/llm"
	"github.com/opsframe/troubleshooter/internal/llm/prompt"
	"github.com/opsframe/troubleshooter/internal/metrics"
	"github.com/opsframe/troubleshooter/internal/orchestrator"
	"github.com/opsframe/troubleshooter/internal/parser"
	"github.com/opsframe/troubleshooter/internal/server"
	"github.com/opsframe/troubleshooter/internal/storage"
	"github.com/opsframe/troubleshooter/internal/storage/memory"
	"github.com/opsframe/troubleshooter/internal/storage/sqlite"
	"github.com/opsframe/troubleshooter/internal/telemetry"
	"github.com/opsframe/troubleshooter/internal/tokens"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdownTracer, err := telemetry.InitTracer("troubleshooter", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	store, err := newStore(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	adapter := newAdapter(cfg.LLM)
	prompts, err := prompt.NewRegistry(prompt.DefaultPins)
	if err != nil {
		// A missing or mispinned prompt is a deploy mistake; refuse to
		// serve rather than run with the wrong instructions.
		log.Fatalf("Failed to load prompt registry: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	var semanticCache cache.SemanticCache
	if cfg.Cache.Enabled {
		semanticCache = cache.NewMemoryCache(
			cache.WithSimilarityThreshold(cfg.Cache.SimilarityThreshold),
			cache.WithTTL(time.Duration(cfg.Cache.TTLSeconds)*time.Second),
		)
	}

	orch := orchestrator.New(orchestrator.Deps{
		Parser: parser.New(),
		Store:  store,
		Budget: budget.New(store, budget.Config{
			Enabled:    cfg.Budget.Enabled,
			TokenLimit: cfg.Budget.TokenLimit,
			Window:     cfg.Budget.BudgetWindow(),
		}, logger),
		Adapter: adapter,
		Prompts: prompts,
		Cache:   semanticCache,
		Tokens:  tokens.NewRegistry(),
		Metrics: metrics.New(registry),
		Logger:  logger,
	}, orchestrator.Config{
		LLMTimeout:  config.Duration(cfg.LLM.Timeout, 30*time.Second),
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})

	handlers := server.NewHandlers(orch, logger, []string{
		"storage:" + cfg.Storage.Type,
		"llm:" + cfg.LLM.Mode,
	})
	srv := server.New(cfg.Server.Port, logger, handlers, server.Options{
		RequestTimeout:  config.Duration(cfg.Server.RequestTimeout, 60*time.Second),
		MetricsGatherer: registry,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("troubleshooter started",
		slog.Int("port", cfg.Server.Port),
		slog.String("storage", cfg.Storage.Type),
		slog.String("llm_mode", cfg.LLM.Mode),
		slog.String("model", cfg.LLM.Model),
		slog.Bool("budget_enabled", cfg.Budget.Enabled),
		slog.Bool("cache_enabled", cfg.Cache.Enabled))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case <-sigChan:
		logger.Info("Shutdown signal received, stopping server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func newStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "sqlite":
		var opts []sqlite.Option
		if d := config.Duration(cfg.InputTTL, 0); d > 0 {
			opts = append(opts, sqlite.WithInputTTL(d))
		}
		if d := config.Duration(cfg.ConversationTTL, 0); d > 0 {
			opts = append(opts, sqlite.WithConversationTTL(d))
		}
		return sqlite.New(cfg.SQLite.Path, opts...)
	default:
		return memory.New(), nil
	}
}

func newAdapter(cfg config.LLMConfig) llm.Adapter {
	if cfg.Mode == "openai" && cfg.APIKey != "" {
		var opts []llm.OpenAIOption
		if cfg.BaseURL != "" {
			opts = append(opts, llm.WithBaseURL(cfg.BaseURL))
		}
		return llm.NewOpenAIAdapter(cfg.APIKey, cfg.Model, opts...)
	}
	return llm.NewStubAdapter()
}
