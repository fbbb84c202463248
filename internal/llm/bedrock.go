package llm

import (
	"context"
	"encoding/json"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// DefaultBedrockModel is the Titan text embedding model.
const DefaultBedrockModel = "amazon.titan-embed-text-v2:0"

// BedrockEmbedder implements Embedder using Amazon Bedrock Titan
// embeddings. Titan takes one input per invocation, so batches are
// issued as sequential InvokeModel calls.
type BedrockEmbedder struct {
	client *bedrockruntime.Client
	model  string
}

var _ Embedder = (*BedrockEmbedder)(nil)

// NewBedrockEmbedder creates a Bedrock embedding client using the
// default AWS credential chain. If model is empty, uses
// DefaultBedrockModel.
func NewBedrockEmbedder(ctx context.Context, region, model string) (*BedrockEmbedder, error) {
	if model == "" {
		model = DefaultBedrockModel
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &BedrockEmbedder{
		client: bedrockruntime.NewFromConfig(awsCfg),
		model:  model,
	}, nil
}

// Model returns the configured embedding model name.
func (c *BedrockEmbedder) Model() string {
	return c.model
}

type titanEmbedRequest struct {
	InputText string `json:"inputText"`
}

type titanEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// EmbedDocuments embeds a batch of document chunks in input order.
func (c *BedrockEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, 0, len(texts))
	for i, text := range texts {
		embedding, err := c.invoke(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed document %d: %w", i, err)
		}
		embeddings = append(embeddings, embedding)
	}
	return embeddings, nil
}

// EmbedQuery embeds a single retrieval query.
func (c *BedrockEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return c.invoke(ctx, text)
}

func (c *BedrockEmbedder) invoke(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(titanEmbedRequest{InputText: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	contentType := "application/json"
	out, err := c.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     &c.model,
		Body:        body,
		ContentType: &contentType,
		Accept:      &contentType,
	})
	if err != nil {
		return nil, wrapFatalError(fmt.Errorf("invoke model: %w", err))
	}

	var resp titanEmbedResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return resp.Embedding, nil
}
