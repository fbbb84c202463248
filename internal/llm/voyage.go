package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const (
	// DefaultVoyageModel produces code-tuned 1536-dimensional vectors.
	DefaultVoyageModel = "voyage-code-2"

	// DefaultVoyageRerankModel is the reranker paired with code search.
	DefaultVoyageRerankModel = "rerank-2.5-lite"

	voyageEmbedEndpoint  = "https://api.voyageai.com/v1/embeddings"
	voyageRerankEndpoint = "https://api.voyageai.com/v1/rerank"
)

// VoyageEmbedder implements Embedder using the Voyage AI API.
// Voyage conditions vectors on the input role, so documents are sent
// with input_type "document" and queries with "query".
type VoyageEmbedder struct {
	apiKey   string
	model    string
	client   *http.Client
	embedURL string
}

var _ Embedder = (*VoyageEmbedder)(nil)

// NewVoyageEmbedder creates a Voyage embedding client.
// If model is empty, uses DefaultVoyageModel.
func NewVoyageEmbedder(apiKey, model string) (*VoyageEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key required for Voyage embeddings")
	}
	if model == "" {
		model = DefaultVoyageModel
	}
	return &VoyageEmbedder{
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{},
		embedURL: voyageEmbedEndpoint,
	}, nil
}

// Model returns the configured embedding model name.
func (c *VoyageEmbedder) Model() string {
	return c.model
}

// voyageRequest is the request format for the Voyage embeddings API.
type voyageRequest struct {
	Input     []string `json:"input"`
	Model     string   `json:"model"`
	InputType string   `json:"input_type,omitempty"`
}

// voyageResponse is the response format from the Voyage embeddings API.
type voyageResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// EmbedDocuments embeds a batch of document chunks in input order.
func (c *VoyageEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return c.embed(ctx, texts, "document")
}

// EmbedQuery embeds a single retrieval query.
func (c *VoyageEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := c.embed(ctx, []string{text}, "query")
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return embeddings[0], nil
}

func (c *VoyageEmbedder) embed(ctx context.Context, texts []string, inputType string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	reqBody := voyageRequest{
		Input:     texts,
		Model:     c.model,
		InputType: inputType,
	}

	var voyageResp voyageResponse
	if err := c.post(ctx, c.embedURL, reqBody, &voyageResp); err != nil {
		return nil, err
	}

	if len(voyageResp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d",
			len(voyageResp.Data), len(texts))
	}

	// Sort by index and extract embeddings
	embeddings := make([][]float32, len(texts))
	for _, d := range voyageResp.Data {
		if d.Index >= len(embeddings) {
			return nil, fmt.Errorf("invalid embedding index: %d", d.Index)
		}
		embeddings[d.Index] = d.Embedding
	}

	return embeddings, nil
}

func (c *VoyageEmbedder) post(ctx context.Context, url string, body any, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return wrapFatalError(fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// RerankResult is one reranked document with its relevance score.
// Index refers to the position in the input document slice.
type RerankResult struct {
	Index int
	Score float64
}

// Reranker reorders candidate documents by relevance to a query.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error)
	// Model returns the rerank model identifier, recorded alongside
	// persisted query provenance.
	Model() string
}

// VoyageReranker implements Reranker using the Voyage rerank API.
type VoyageReranker struct {
	embedder  *VoyageEmbedder
	model     string
	rerankURL string
}

var _ Reranker = (*VoyageReranker)(nil)

// NewVoyageReranker creates a Voyage rerank client sharing the
// embedder's HTTP transport and credentials.
// If model is empty, uses DefaultVoyageRerankModel.
func NewVoyageReranker(embedder *VoyageEmbedder, model string) *VoyageReranker {
	if model == "" {
		model = DefaultVoyageRerankModel
	}
	return &VoyageReranker{embedder: embedder, model: model, rerankURL: voyageRerankEndpoint}
}

// Model returns the rerank model identifier.
func (r *VoyageReranker) Model() string { return r.model }

type voyageRerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model"`
	TopK      int      `json:"top_k,omitempty"`
}

type voyageRerankResponse struct {
	Data []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"data"`
}

// Rerank scores documents against the query, highest relevance first.
func (r *VoyageReranker) Rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error) {
	if len(documents) == 0 {
		return []RerankResult{}, nil
	}

	reqBody := voyageRerankRequest{
		Query:     query,
		Documents: documents,
		Model:     r.model,
		TopK:      topK,
	}

	var resp voyageRerankResponse
	if err := r.embedder.post(ctx, r.rerankURL, reqBody, &resp); err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}

	results := make([]RerankResult, 0, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(documents) {
			return nil, fmt.Errorf("invalid rerank index: %d", d.Index)
		}
		results = append(results, RerankResult{Index: d.Index, Score: d.RelevanceScore})
	}
	return results, nil
}
