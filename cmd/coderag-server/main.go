// Package main provides the HTTP server for coderag.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raphaelgruber/coderag/internal/config"
	"github.com/raphaelgruber/coderag/internal/db"
	"github.com/raphaelgruber/coderag/internal/llm"
	"github.com/raphaelgruber/coderag/internal/metrics"
	"github.com/raphaelgruber/coderag/internal/progress"
	"github.com/raphaelgruber/coderag/internal/server"
	"github.com/raphaelgruber/coderag/internal/service"
)

func main() {
	wipeDB := flag.Bool("wipe", false, "wipe all data from database on startup (testing only)")
	flag.Parse()

	cfg := config.Load()

	logger, flush := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer flush()
	slog.SetDefault(logger)

	slog.Info("starting coderag-server", "port", cfg.ServerPort)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	dbClient, err := db.NewClient(ctx, db.Config{
		URL:       cfg.SurrealDBURL,
		Namespace: cfg.SurrealDBNamespace,
		Database:  cfg.SurrealDBDatabase,
		Username:  cfg.SurrealDBUser,
		Password:  cfg.SurrealDBPass,
		AuthLevel: cfg.SurrealDBAuthLevel,
	}, logger)
	if err != nil {
		cancel()
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	if *wipeDB || os.Getenv("CODERAG_WIPE_DB") == "true" {
		if err := dbClient.WipeData(ctx); err != nil {
			cancel()
			slog.Error("failed to wipe database", "error", err)
			os.Exit(1)
		}
	}

	if err := dbClient.InitSchema(ctx, cfg.EmbedDimension); err != nil {
		cancel()
		slog.Error("failed to initialize schema", "error", err)
		os.Exit(1)
	}
	cancel()
	defer func() {
		if err := dbClient.Close(context.Background()); err != nil {
			slog.Error("failed to close database", "error", err)
		}
	}()

	embedder, err := llm.NewEmbedder(context.Background(), cfg)
	if err != nil {
		slog.Error("failed to create embedder", "error", err)
		os.Exit(1)
	}
	model, err := llm.NewModel(cfg)
	if err != nil {
		slog.Error("failed to create model", "error", err)
		os.Exit(1)
	}

	var reranker llm.Reranker
	if cfg.VoyageAPIKey != "" {
		if ve, ok := embedder.(*llm.VoyageEmbedder); ok {
			reranker = llm.NewVoyageReranker(ve, cfg.RerankModel)
		} else if ve, verr := llm.NewVoyageEmbedder(cfg.VoyageAPIKey, cfg.EmbedModel); verr == nil {
			reranker = llm.NewVoyageReranker(ve, cfg.RerankModel)
		}
	}

	collector := metrics.NewCollector()
	broker := progress.NewInMemoryBroker()

	engine := service.NewIngestionEngine(dbClient, embedder, broker, collector, service.IngestionConfig{
		BatchSize:     cfg.BatchSize,
		ChunkMaxChars: cfg.ChunkMaxChars,
		ChunkOverlap:  cfg.ChunkOverlap,
	})

	retrieval := service.NewRetrievalEngine(dbClient, embedder, reranker, collector,
		cfg.RetrievalTopK, cfg.RetrievalMinScore)
	budgeter := service.HistoryBudgeter{
		ModelContextTokens: cfg.ModelContextTokens,
		TokensPerChar:      cfg.TokensPerChar,
		BudgetFraction:     cfg.HistoryBudgetFraction,
		SafetyMarginTokens: cfg.SafetyMarginTokens,
		MaxHistoryTokens:   cfg.MaxHistoryTokens,
	}
	orchestrator := service.NewQueryOrchestrator(dbClient, retrieval, model, budgeter, collector, cfg.DataDir)

	srv := server.New(
		server.Config{Addr: ":" + cfg.ServerPort},
		dbClient,
		engine,
		orchestrator,
		broker,
		collector,
		logger,
	)

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(runCtx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped")
}
