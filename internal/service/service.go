// Package service implements the ingestion and retrieval pipeline on
// top of the storage and model backends.
package service

import (
	"context"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/raphaelgruber/coderag/internal/llm"
	"github.com/raphaelgruber/coderag/internal/models"
)

// Store is the persistence surface the engines depend on.
// *db.Client satisfies it.
type Store interface {
	GetOrCreateDocument(ctx context.Context, repoID, path, sourceURI string) (*models.Document, error)
	InsertChunkMirror(ctx context.Context, docID surrealmodels.RecordID, chunk models.Chunk, chunkHash, embeddingModel string) (*models.DocumentChunk, error)
	UpsertEmbedding(ctx context.Context, id string, rec models.EmbeddingRecord) error
	FinalizeDocument(ctx context.Context, docID surrealmodels.RecordID) error
	MarkRepoIndexed(ctx context.Context, repoID string) error
	VectorSearch(ctx context.Context, repoID string, embedding []float32, limit int) ([]models.RetrievedDoc, error)
	GetRecentTurns(ctx context.Context, conversationID string, limit int) ([]models.ConversationTurn, error)
	InsertRagQuery(ctx context.Context, conversationID *string, queryText, responseText string, metadata map[string]any) (*models.RagQuery, error)
	InsertRetrievedChunk(ctx context.Context, ragQuery, documentChunk surrealmodels.RecordID, score *float64, rank int, usedInPrompt bool) error
	ResolveChunkRecord(ctx context.Context, documentID string, chunkIndex int, contentHash string) (*surrealmodels.RecordID, error)
}

// Generator produces an answer from chat messages, streaming tokens
// through onToken as they arrive. *llm.Model satisfies it.
type Generator interface {
	Stream(ctx context.Context, messages []llm.Message, onToken func(token string) error) (string, error)
}
