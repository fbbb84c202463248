// Package cli provides the command-line interface for coderag.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/coderag/internal/config"
	"github.com/raphaelgruber/coderag/internal/db"
	"github.com/raphaelgruber/coderag/internal/llm"
	"github.com/raphaelgruber/coderag/internal/metrics"
	"github.com/raphaelgruber/coderag/internal/service"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose bool

	// Global config, logger and db client
	cfg       config.Config
	logFlush  func() error
	dbClient  *db.Client
	collector = metrics.NewCollector()

	// Lazy-initialized LLM components
	embedder llm.Embedder
	model    *llm.Model
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "coderag",
	Short: "Code repository RAG engine",
	Long: `Coderag indexes code repositories into a vector store and answers
questions about them with retrieval-augmented generation.

Point it at a repository, let it chunk and embed the sources, then ask
questions and get streamed answers grounded in the indexed files.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip DB connection for version and help commands
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		cfg = config.Load()
		if verbose {
			cfg.LogLevel = slog.LevelDebug
		}
		logger, flush := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
		logFlush = flush
		slog.SetDefault(logger)

		ctx := context.Background()
		dbCfg := db.Config{
			URL:       cfg.SurrealDBURL,
			Namespace: cfg.SurrealDBNamespace,
			Database:  cfg.SurrealDBDatabase,
			Username:  cfg.SurrealDBUser,
			Password:  cfg.SurrealDBPass,
			AuthLevel: cfg.SurrealDBAuthLevel,
		}

		var err error
		dbClient, err = db.NewClient(ctx, dbCfg, logger)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}

		if err := dbClient.InitSchema(ctx, cfg.EmbedDimension); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if dbClient != nil {
			if err := dbClient.Close(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
			}
		}
		if logFlush != nil {
			_ = logFlush()
		}
	},
}

// initLLM initializes the embedder and generation model on first use.
func initLLM(ctx context.Context) error {
	if embedder != nil {
		return nil
	}
	var err error
	embedder, err = llm.NewEmbedder(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init embedder: %w", err)
	}
	model, err = llm.NewModel(cfg)
	if err != nil {
		return fmt.Errorf("init model: %w", err)
	}
	return nil
}

// newReranker returns the Voyage reranker when an API key is
// configured, nil otherwise. Retrieval falls back to vector order
// without one.
func newReranker() llm.Reranker {
	if cfg.VoyageAPIKey == "" {
		return nil
	}
	if ve, ok := embedder.(*llm.VoyageEmbedder); ok {
		return llm.NewVoyageReranker(ve, cfg.RerankModel)
	}
	ve, err := llm.NewVoyageEmbedder(cfg.VoyageAPIKey, cfg.EmbedModel)
	if err != nil {
		slog.Warn("reranker unavailable", "error", err)
		return nil
	}
	return llm.NewVoyageReranker(ve, cfg.RerankModel)
}

// newOrchestrator wires the full query path.
func newOrchestrator() *service.QueryOrchestrator {
	retrieval := service.NewRetrievalEngine(dbClient, embedder, newReranker(), collector,
		cfg.RetrievalTopK, cfg.RetrievalMinScore)
	budgeter := service.HistoryBudgeter{
		ModelContextTokens: cfg.ModelContextTokens,
		TokensPerChar:      cfg.TokensPerChar,
		BudgetFraction:     cfg.HistoryBudgetFraction,
		SafetyMarginTokens: cfg.SafetyMarginTokens,
		MaxHistoryTokens:   cfg.MaxHistoryTokens,
	}
	return service.NewQueryOrchestrator(dbClient, retrieval, model, budgeter, collector, cfg.DataDir)
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
}
