package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/raphaelgruber/coderag/internal/llm"
	"github.com/raphaelgruber/coderag/internal/metrics"
	"github.com/raphaelgruber/coderag/internal/models"
)

// Retrieval limits. MaxContextFiles bounds the number of distinct
// files in the prompt context; MaxCharsPerFile bounds each file's
// combined block text.
const (
	DefaultTopK     = 10
	MaxContextFiles = 6
	MaxCharsPerFile = 2500
)

// NoContextWarning opens the prompt when retrieval returns nothing the
// score gate lets through.
const NoContextWarning = "Warning: no docs matched repo_id; answering without context.\n\n"

// Source is one distinct file backing the answer, with the score of
// its best chunk.
type Source struct {
	FilePath string   `json:"filePath"`
	Score    *float64 `json:"score,omitempty"`
	Preview  string   `json:"preview"`
}

// RetrievalResult is the outcome of one retrieval pass.
type RetrievalResult struct {
	// Docs are the retained chunks in final relevance order. Empty when
	// the score gate rejected the candidate set.
	Docs []models.RetrievedDoc
	// Context is the grouped prompt context, or NoContextWarning.
	Context string
	// Sources lists distinct files in context order, one per file.
	Sources []Source
}

// RetrievalEngine embeds queries, searches the vector index and
// assembles grouped prompt context.
type RetrievalEngine struct {
	store     Store
	embedder  llm.Embedder
	reranker  llm.Reranker
	collector *metrics.Collector

	topK     int
	minScore float64
}

// NewRetrievalEngine creates a retrieval engine. reranker may be nil,
// in which case raw vector order is used.
func NewRetrievalEngine(store Store, embedder llm.Embedder, reranker llm.Reranker, collector *metrics.Collector, topK int, minScore float64) *RetrievalEngine {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &RetrievalEngine{
		store:     store,
		embedder:  embedder,
		reranker:  reranker,
		collector: collector,
		topK:      topK,
		minScore:  minScore,
	}
}

// Retrieve runs the full pass: query embedding, vector search, rerank
// and the all-or-nothing score gate. A rerank failure falls back to
// raw vector order rather than failing the query.
func (e *RetrievalEngine) Retrieve(ctx context.Context, repoID, query string) (*RetrievalResult, error) {
	embedding, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	searchStart := time.Now()
	docs, err := e.store.VectorSearch(ctx, repoID, embedding, e.topK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if e.collector != nil {
		e.collector.RecordTiming(metrics.OpVectorSearch, time.Since(searchStart))
	}

	docs = e.rerank(ctx, query, docs)

	// All-or-nothing gate: when even the best candidate scores below
	// the threshold, answering from no context beats answering from
	// wrong context.
	if len(docs) > 0 && docs[0].Score != nil && *docs[0].Score < e.minScore {
		slog.Info("retrieval gated out",
			"repo", repoID, "candidates", len(docs), "top_score", *docs[0].Score, "min_score", e.minScore)
		docs = nil
	}

	promptContext, sources := buildContext(docs)
	return &RetrievalResult{Docs: docs, Context: promptContext, Sources: sources}, nil
}

// RerankModel returns the reranker's model id, or "" when reranking
// is disabled.
func (e *RetrievalEngine) RerankModel() string {
	if e.reranker == nil {
		return ""
	}
	return e.reranker.Model()
}

// rerank reorders candidates by cross-encoder relevance. A failure or
// an empty response keeps the raw vector order.
func (e *RetrievalEngine) rerank(ctx context.Context, query string, docs []models.RetrievedDoc) []models.RetrievedDoc {
	if e.reranker == nil || len(docs) == 0 {
		return docs
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}

	start := time.Now()
	results, err := e.reranker.Rerank(ctx, query, texts, len(texts))
	if err != nil {
		slog.Warn("rerank failed, using vector order", "error", err)
		return docs
	}
	if len(results) == 0 {
		slog.Warn("rerank returned no results, using vector order", "candidates", len(docs))
		return docs
	}
	if e.collector != nil {
		e.collector.RecordBatch(metrics.OpRerank, time.Since(start), int64(len(docs)))
	}

	reranked := make([]models.RetrievedDoc, 0, len(results))
	for _, r := range results {
		doc := docs[r.Index]
		score := r.Score
		doc.Score = &score
		reranked = append(reranked, doc)
	}
	return reranked
}

// buildContext groups retained chunks by file, caps the number of
// files and per-file characters, and renders numbered sections the
// model can cite as "Document N".
func buildContext(docs []models.RetrievedDoc) (string, []Source) {
	if len(docs) == 0 {
		return NoContextWarning, nil
	}

	// Group by file in order of first appearance (best chunk first).
	order := make([]string, 0, MaxContextFiles)
	grouped := make(map[string][]models.RetrievedDoc)
	for _, d := range docs {
		if _, ok := grouped[d.FilePath]; !ok {
			if len(order) == MaxContextFiles {
				continue
			}
			order = append(order, d.FilePath)
		}
		grouped[d.FilePath] = append(grouped[d.FilePath], d)
	}

	sections := make([]string, 0, len(order))
	sources := make([]Source, 0, len(order))
	for n, path := range order {
		spans := grouped[path]
		sort.Slice(spans, func(i, j int) bool {
			return startLine(spans[i]) < startLine(spans[j])
		})

		var b strings.Builder
		fmt.Fprintf(&b, "Document %d: %s\n", n+1, path)
		size := 0
		for i, span := range spans {
			sep := ""
			if i > 0 {
				sep = "\n\n---\n\n"
			}
			budget := MaxCharsPerFile - size - len(sep)
			if budget <= 0 {
				break
			}
			block := fmt.Sprintf("(lines %d-%d)\n%s", startLine(span), endLine(span), span.Content)
			if len(block) > budget {
				block = block[:budget]
			}
			b.WriteString(sep)
			b.WriteString(block)
			size += len(sep) + len(block)
		}
		sections = append(sections, b.String())

		best := grouped[path][0]
		for _, span := range grouped[path] {
			if span.Score != nil && (best.Score == nil || *span.Score > *best.Score) {
				best = span
			}
		}
		sources = append(sources, Source{
			FilePath: path,
			Score:    best.Score,
			Preview:  preview(best.Content),
		})
	}

	return strings.Join(sections, "\n\n"), sources
}

func preview(content string) string {
	collapsed := strings.Join(strings.Fields(content), " ")
	if len(collapsed) > 200 {
		return collapsed[:200]
	}
	return collapsed
}

func startLine(d models.RetrievedDoc) int {
	if d.StartLine != nil {
		return *d.StartLine
	}
	return 0
}

func endLine(d models.RetrievedDoc) int {
	if d.EndLine != nil {
		return *d.EndLine
	}
	return 0
}
