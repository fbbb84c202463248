package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// ConversationTurn is one answered query: what the user asked and what
// the assistant replied. Loaded newest-first, rendered oldest-first.
type ConversationTurn struct {
	QueryText    string    `json:"query_text"`
	ResponseText string    `json:"response_text"`
	CreatedAt    time.Time `json:"created_at"`
}

// RagQuery is the persisted provenance row for one answered query.
type RagQuery struct {
	ID               surrealmodels.RecordID `json:"id"`
	ConversationID   *string                `json:"conversation_id,omitempty"`
	QueryText        string                 `json:"query_text"`
	ResponseText     string                 `json:"response_text"`
	ResponseMetadata map[string]any         `json:"response_metadata,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

// RetrievedChunk links a RagQuery to one retained chunk with its
// rerank score and rank.
type RetrievedChunk struct {
	ID            surrealmodels.RecordID `json:"id"`
	RagQuery      surrealmodels.RecordID `json:"rag_query"`
	DocumentChunk surrealmodels.RecordID `json:"document_chunk"`
	Score         *float64               `json:"score,omitempty"`
	Rank          int                    `json:"rank"`
	UsedInPrompt  bool                   `json:"used_in_prompt"`
	CreatedAt     time.Time              `json:"created_at"`
}
