package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/raphaelgruber/coderag/internal/chunker"
	"github.com/raphaelgruber/coderag/internal/llm"
	"github.com/raphaelgruber/coderag/internal/metrics"
	"github.com/raphaelgruber/coderag/internal/models"
	"github.com/raphaelgruber/coderag/internal/progress"
)

// IngestionEngine chunks a repository's files, embeds them in batches
// and writes vectors plus relational mirror rows. One run owns its
// repository's progress state; batches are processed strictly in order
// so per-document writes are never interleaved.
type IngestionEngine struct {
	store     Store
	embedder  llm.Embedder
	broker    progress.Broker
	collector *metrics.Collector

	batchSize int
	maxChars  int
	overlap   int
}

// IngestionConfig bundles the chunking and batching knobs.
type IngestionConfig struct {
	BatchSize     int
	ChunkMaxChars int
	ChunkOverlap  int
}

// NewIngestionEngine creates an ingestion engine.
func NewIngestionEngine(store Store, embedder llm.Embedder, broker progress.Broker, collector *metrics.Collector, cfg IngestionConfig) *IngestionEngine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	return &IngestionEngine{
		store:     store,
		embedder:  embedder,
		broker:    broker,
		collector: collector,
		batchSize: cfg.BatchSize,
		maxChars:  cfg.ChunkMaxChars,
		overlap:   cfg.ChunkOverlap,
	}
}

// Start launches ingestion in the background and returns immediately.
// Progress is observable through the broker.
func (e *IngestionEngine) Start(repoID, rootDir string) {
	go func() {
		if err := e.Run(context.Background(), repoID, rootDir); err != nil {
			slog.Error("ingestion failed", "repo", repoID, "error", err)
		}
	}()
}

// Run ingests every readable, non-hidden file under rootDir into the
// repository's index. It blocks until ingestion completes or fails.
func (e *IngestionEngine) Run(ctx context.Context, repoID, rootDir string) error {
	start := time.Now()
	err := e.run(ctx, repoID, rootDir)
	if e.collector != nil {
		e.collector.RecordTiming(metrics.OpIngestion, time.Since(start))
	}
	if err != nil {
		e.fail(repoID, err)
	}
	return err
}

func (e *IngestionEngine) run(ctx context.Context, repoID, rootDir string) error {
	// Materialize the full chunk list before touching the index, so
	// totals are exact and progress percentages never move backwards.
	chunks, err := e.materialize(repoID, rootDir)
	if err != nil {
		return err
	}

	total := len(chunks)
	if total == 0 {
		// Nothing to index still counts as a successful run.
		e.broker.Update(repoID, progress.PhaseEmbedding, progress.StatusComplete,
			progress.Update{Processed: progress.Int(0), Total: progress.Int(0)})
		e.broker.Update(repoID, progress.PhaseIndexing, progress.StatusComplete,
			progress.Update{Processed: progress.Int(0), Total: progress.Int(0)})
		e.broker.Update(repoID, progress.PhaseIndexed, progress.StatusComplete,
			progress.Update{Progress: progress.Int(100)})
		if err := e.store.MarkRepoIndexed(ctx, repoID); err != nil {
			return fmt.Errorf("mark repo indexed: %w", err)
		}
		return nil
	}

	// Files complete in order because chunks are materialized file by
	// file and batches run sequentially.
	remaining := make(map[string]int)
	totalFiles := 0
	for _, c := range chunks {
		if remaining[c.FilePath] == 0 {
			totalFiles++
		}
		remaining[c.FilePath]++
	}

	slog.Info("ingestion started", "repo", repoID, "files", totalFiles, "chunks", total)
	e.broker.Update(repoID, progress.PhaseEmbedding, progress.StatusRunning,
		progress.Update{Event: progress.EventStart, Processed: progress.Int(0), Total: progress.Int(total)})
	e.broker.Update(repoID, progress.PhaseIndexing, progress.StatusRunning,
		progress.Update{Event: progress.EventStart, Processed: progress.Int(0), Total: progress.Int(total)})

	// Both phases count chunks. Embedding advances when a vector comes
	// back, indexing when both writes for the chunk have landed.
	docs := make(map[string]*models.Document)
	dimension := 0
	embedDone := 0
	indexDone := 0
	lastEmbPct := 0
	lastIdxPct := 0
	filesDone := 0

	for batchStart := 0; batchStart < total; batchStart += e.batchSize {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("ingestion cancelled: %w", err)
		}

		batchEnd := min(batchStart+e.batchSize, total)
		batch := chunks[batchStart:batchEnd]

		// First touch of a path resets its document: prior chunks are
		// deleted and the status goes back to indexing.
		for _, c := range batch {
			if _, ok := docs[c.FilePath]; ok {
				continue
			}
			doc, err := e.store.GetOrCreateDocument(ctx, repoID, c.FilePath, "file://"+c.FilePath)
			if err != nil {
				return fmt.Errorf("prepare document %s: %w", c.FilePath, err)
			}
			docs[c.FilePath] = doc
		}

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}

		embedStart := time.Now()
		vectors, err := e.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed batch at %d: %w", batchStart, err)
		}
		if e.collector != nil {
			e.collector.RecordBatch(metrics.OpEmbedding, time.Since(embedStart), int64(len(batch)))
		}

		if len(vectors) != len(batch) {
			return fmt.Errorf("embed batch at %d: got %d vectors for %d chunks", batchStart, len(vectors), len(batch))
		}

		// The first vector fixes the index dimension for the whole run.
		// A first batch without a single usable vector is fatal.
		if dimension == 0 {
			for _, v := range vectors {
				if len(v) > 0 {
					dimension = len(v)
					break
				}
			}
			if dimension == 0 {
				return fmt.Errorf("no embedding obtained from first batch")
			}
		}

		for i, c := range batch {
			if len(vectors[i]) != dimension {
				return fmt.Errorf("embedding dimension mismatch for %s: got %d, want %d",
					c.FilePath, len(vectors[i]), dimension)
			}

			doc := docs[c.FilePath]
			docID := models.MustRecordIDString(doc.ID)
			vectorID := fmt.Sprintf("%s:%s:%d-%d|%d", repoID, c.FilePath, c.StartLine, c.EndLine, c.ChunkIndex)

			// Vector first, mirror second: a hit can always be traced
			// back to a mirror row written in the same pass.
			err := e.store.UpsertEmbedding(ctx, vectorID, models.EmbeddingRecord{
				RepoID:     repoID,
				FilePath:   c.FilePath,
				Content:    c.Content,
				Embedding:  vectors[i],
				DocumentID: docID,
				ChunkIndex: c.ChunkIndex,
				StartLine:  &c.StartLine,
				EndLine:    &c.EndLine,
			})
			if err != nil {
				return fmt.Errorf("write embedding for %s: %w", c.FilePath, err)
			}

			if _, err := e.store.InsertChunkMirror(ctx, doc.ID, c, chunkHash(c.Content), e.embedder.Model()); err != nil {
				return fmt.Errorf("write chunk mirror for %s: %w", c.FilePath, err)
			}

			embedDone++
			if pct := embedDone * 100 / total; pct != lastEmbPct {
				lastEmbPct = pct
				e.broker.Update(repoID, progress.PhaseEmbedding, progress.StatusRunning,
					progress.Update{Processed: progress.Int(embedDone), Total: progress.Int(total)})
			}

			remaining[c.FilePath]--
			if remaining[c.FilePath] == 0 {
				if err := e.store.FinalizeDocument(ctx, doc.ID); err != nil {
					return fmt.Errorf("finalize document %s: %w", c.FilePath, err)
				}
				filesDone++
				e.broker.Update(repoID, progress.PhaseIndexing, progress.StatusRunning, progress.Update{
					Event:   progress.EventFileIndexed,
					Message: progress.Str(c.FilePath),
				})
			}

			indexDone++
			if pct := indexDone * 100 / total; pct != lastIdxPct {
				lastIdxPct = pct
				e.broker.Update(repoID, progress.PhaseIndexing, progress.StatusRunning,
					progress.Update{Processed: progress.Int(indexDone), Total: progress.Int(total)})
			}
		}
	}

	e.broker.Update(repoID, progress.PhaseEmbedding, progress.StatusComplete,
		progress.Update{Processed: progress.Int(embedDone), Total: progress.Int(total)})
	e.broker.Update(repoID, progress.PhaseIndexing, progress.StatusComplete,
		progress.Update{Processed: progress.Int(indexDone), Total: progress.Int(total)})
	e.broker.Update(repoID, progress.PhaseIndexed, progress.StatusComplete,
		progress.Update{Progress: progress.Int(100)})

	if err := e.store.MarkRepoIndexed(ctx, repoID); err != nil {
		return fmt.Errorf("mark repo indexed: %w", err)
	}

	slog.Info("ingestion complete", "repo", repoID, "files", filesDone, "chunks", indexDone)
	return nil
}

// materialize walks the tree and produces the ordered chunk list.
// Hidden paths are skipped entirely; unreadable files are skipped with
// a warning so one bad file cannot sink the run.
func (e *IngestionEngine) materialize(repoID, rootDir string) ([]models.Chunk, error) {
	var chunks []models.Chunk

	walkFn := func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, relErr := filepath.Rel(rootDir, path)
		if relErr != nil || rel == "." {
			return nil
		}
		if hiddenPath(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		content, readErr := os.ReadFile(path)
		if readErr != nil {
			slog.Warn("skipping unreadable file", "repo", repoID, "path", rel, "error", readErr)
			return nil
		}

		chunks = append(chunks, chunker.Chunk(filepath.ToSlash(rel), string(content), e.maxChars, e.overlap)...)
		return nil
	}

	if err := filepath.WalkDir(rootDir, walkFn); err != nil {
		return nil, fmt.Errorf("scan repository: %w", err)
	}
	return chunks, nil
}

// fail moves every active phase to error and emits the out-of-band
// error broadcast that terminates subscriber streams.
func (e *IngestionEngine) fail(repoID string, err error) {
	msg := progress.Str(err.Error())
	e.broker.Update(repoID, progress.PhaseEmbedding, progress.StatusError, progress.Update{Error: msg})
	e.broker.Update(repoID, progress.PhaseIndexing, progress.StatusError, progress.Update{Error: msg})
	e.broker.Update(repoID, progress.PhaseError, progress.StatusError, progress.Update{Message: msg})
}

// hiddenPath reports whether any segment of the relative path starts
// with a dot.
func hiddenPath(rel string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

func chunkHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
