package cli

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/coderag/internal/progress"
	"github.com/raphaelgruber/coderag/internal/server"
	"github.com/raphaelgruber/coderag/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	Long: `Run the HTTP server.

Serves ingestion, querying and websocket progress streaming on the
configured port (CODERAG_SERVER_PORT, default 8484).`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := initLLM(ctx); err != nil {
		return err
	}

	broker := progress.NewInMemoryBroker()
	engine := service.NewIngestionEngine(dbClient, embedder, broker, collector, service.IngestionConfig{
		BatchSize:     cfg.BatchSize,
		ChunkMaxChars: cfg.ChunkMaxChars,
		ChunkOverlap:  cfg.ChunkOverlap,
	})

	srv := server.New(
		server.Config{Addr: ":" + cfg.ServerPort},
		dbClient,
		engine,
		newOrchestrator(),
		broker,
		collector,
		slog.Default(),
	)

	return srv.Run(ctx)
}
