// Package models defines data structures for the coderag store.
package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// Chunk is a contiguous span of a file's text, the unit of embedding
// and retrieval. Produced by the chunker; immutable once produced.
type Chunk struct {
	FilePath   string
	Content    string
	StartLine  int
	EndLine    int
	ChunkIndex int
}

// EmbeddedChunk is a chunk plus its embedding vector.
type EmbeddedChunk struct {
	Chunk
	Embedding      []float32
	EmbeddingModel string
	DocumentID     string
}

// DocumentChunk is the relational mirror row for an embedded chunk.
type DocumentChunk struct {
	ID             surrealmodels.RecordID `json:"id"`
	Document       surrealmodels.RecordID `json:"document"`
	Content        string                 `json:"content"`
	ChunkHash      string                 `json:"chunk_hash"`
	ChunkIndex     int                    `json:"chunk_index"`
	StartLine      *int                   `json:"start_line,omitempty"`
	EndLine        *int                   `json:"end_line,omitempty"`
	EmbeddingModel string                 `json:"embedding_model"`
	CreatedAt      time.Time              `json:"created_at"`
}

// EmbeddingRecord is a row in the vector-search table. Its id is
// deterministic (repo, path, line range) so re-ingestion overwrites
// rather than duplicates.
type EmbeddingRecord struct {
	ID         surrealmodels.RecordID `json:"id"`
	RepoID     string                 `json:"repo_id"`
	FilePath   string                 `json:"file_path"`
	Content    string                 `json:"content"`
	Embedding  []float32              `json:"embedding"`
	DocumentID string                 `json:"document_id"`
	ChunkIndex int                    `json:"chunk_index"`
	StartLine  *int                   `json:"start_line,omitempty"`
	EndLine    *int                   `json:"end_line,omitempty"`
}

// RetrievedDoc is one ANN/rerank result with its relevance score.
type RetrievedDoc struct {
	ID         string
	RepoID     string
	FilePath   string
	Content    string
	DocumentID string
	ChunkIndex int
	StartLine  *int
	EndLine    *int
	Score      *float64
}
