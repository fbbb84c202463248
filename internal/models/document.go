package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// IngestionStatus tracks a document's position in the ingestion lifecycle.
type IngestionStatus string

const (
	StatusIndexing IngestionStatus = "indexing"
	StatusIndexed  IngestionStatus = "indexed"
)

// Document is one row per distinct file path under a repository.
// Re-indexing a path deletes its prior chunks and resets the status
// before rewriting.
type Document struct {
	ID              surrealmodels.RecordID `json:"id"`
	RepoID          string                 `json:"repo_id"`
	Path            string                 `json:"path"`
	SourceURI       string                 `json:"source_uri"`
	IngestionStatus IngestionStatus        `json:"ingestion_status"`
	IngestedAt      *time.Time             `json:"ingested_at,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// Repo is a registered repository.
type Repo struct {
	ID        surrealmodels.RecordID `json:"id"`
	Name      string                 `json:"name"`
	Path      string                 `json:"path"`
	Indexed   bool                   `json:"indexed"`
	IndexedAt *time.Time             `json:"indexed_at,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
