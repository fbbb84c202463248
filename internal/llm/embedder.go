// Package llm provides embedding, reranking and text generation
// backends behind small interfaces.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/raphaelgruber/coderag/internal/config"
)

// Embedder generates embedding vectors. Document and query embeddings
// are distinct operations because some providers (Voyage) condition
// the vector on the input role.
type Embedder interface {
	// EmbedDocuments embeds a batch of document chunks in input order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds a single retrieval query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Model returns the embedding model name.
	Model() string
}

// Provider names accepted by NewEmbedder.
const (
	ProviderOllama  = "ollama"
	ProviderOpenAI  = "openai"
	ProviderVoyage  = "voyage"
	ProviderBedrock = "bedrock"
)

// NewEmbedder creates an embedder based on configuration.
func NewEmbedder(ctx context.Context, cfg config.Config) (Embedder, error) {
	switch cfg.EmbedProvider {
	case ProviderVoyage:
		return NewVoyageEmbedder(cfg.VoyageAPIKey, cfg.EmbedModel)

	case ProviderBedrock:
		return NewBedrockEmbedder(ctx, cfg.AWSRegion, cfg.EmbedModel)

	case ProviderOllama:
		llm, err := ollama.New(
			ollama.WithModel(cfg.EmbedModel),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama client: %w", err)
		}
		model, err := embeddings.NewEmbedder(llm)
		if err != nil {
			return nil, fmt.Errorf("create ollama embedder: %w", err)
		}
		return &langchainEmbedder{model: model, modelName: cfg.EmbedModel}, nil

	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		llm, err := openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithEmbeddingModel(cfg.EmbedModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai client: %w", err)
		}
		model, err := embeddings.NewEmbedder(llm)
		if err != nil {
			return nil, fmt.Errorf("create openai embedder: %w", err)
		}
		return &langchainEmbedder{model: model, modelName: cfg.EmbedModel}, nil

	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.EmbedProvider)
	}
}

// langchainEmbedder adapts a langchaingo embedder. These providers do
// not distinguish document and query inputs.
type langchainEmbedder struct {
	model     embeddings.Embedder
	modelName string
}

var _ Embedder = (*langchainEmbedder)(nil)

func (e *langchainEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	start := time.Now()
	vectors, err := e.model.EmbedDocuments(ctx, texts)
	if err != nil {
		slog.Warn("embedding failed",
			"model", e.modelName, "batch", len(texts),
			"duration_ms", time.Since(start).Milliseconds(), "error", err)
		return nil, wrapFatalError(fmt.Errorf("embed documents: %w", err))
	}

	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(vectors), len(texts))
	}
	return vectors, nil
}

func (e *langchainEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vector, err := e.model.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return vector, nil
}

func (e *langchainEmbedder) Model() string {
	return e.modelName
}
