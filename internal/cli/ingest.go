package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/coderag/internal/progress"
	"github.com/raphaelgruber/coderag/internal/service"
)

var ingestNoTUI bool

var ingestCmd = &cobra.Command{
	Use:   "ingest <repo-id> <path>",
	Short: "Index a repository into the vector store",
	Long: `Index a repository into the vector store.

Walks the directory, splits every readable non-hidden file into
line-aligned chunks, embeds them in batches and writes the vectors.
Re-ingesting a repo replaces the chunks of every touched file.

Examples:
  coderag ingest myproject ~/code/myproject
  coderag ingest myproject ~/code/myproject --no-tui`,
	Args: cobra.ExactArgs(2),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestNoTUI, "no-tui", false, "plain output instead of the progress UI")
}

func runIngest(cmd *cobra.Command, args []string) error {
	repoID, path := args[0], args[1]
	ctx := context.Background()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%s is not a readable directory", absPath)
	}

	if err := initLLM(ctx); err != nil {
		return err
	}

	if _, err := dbClient.GetOrCreateRepo(ctx, repoID, repoID, absPath); err != nil {
		return fmt.Errorf("register repo: %w", err)
	}

	broker := progress.NewInMemoryBroker()
	engine := service.NewIngestionEngine(dbClient, embedder, broker, collector, service.IngestionConfig{
		BatchSize:     cfg.BatchSize,
		ChunkMaxChars: cfg.ChunkMaxChars,
		ChunkOverlap:  cfg.ChunkOverlap,
	})

	snapshot, events, cancel := broker.Subscribe(repoID)
	defer cancel()

	engine.Start(repoID, absPath)

	if ingestNoTUI {
		return followPlain(repoID, events)
	}
	return runIngestProgress(repoID, snapshot, events)
}

// followPlain prints progress events line by line until a terminal
// event arrives. Used when no TTY is available.
func followPlain(repoID string, events <-chan progress.Event) error {
	for ev := range events {
		switch ev.Phase {
		case progress.PhaseIndexed:
			fmt.Printf("%s indexed\n", repoID)
			return nil
		case progress.PhaseError:
			msg := "unknown error"
			if ev.Message != nil {
				msg = *ev.Message
			}
			return fmt.Errorf("ingestion failed: %s", msg)
		case progress.PhaseEmbedding:
			if ev.Progress != nil {
				fmt.Printf("embedding %d%%\n", *ev.Progress)
			}
		case progress.PhaseIndexing:
			if ev.Message != nil {
				fmt.Printf("indexed %s\n", *ev.Message)
			}
		}
	}
	return fmt.Errorf("progress stream closed before completion")
}
