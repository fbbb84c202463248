// Package db provides SurrealDB query functions for ingestion and retrieval.
package db

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/raphaelgruber/coderag/internal/models"
)

// GetOrCreateRepo registers a repository under a caller-chosen ID.
// Upserting keeps name/path current while preserving indexed state.
func (c *Client) GetOrCreateRepo(ctx context.Context, repoID, name, path string) (*models.Repo, error) {
	sql := `
		UPSERT type::record("repo", $id) SET
			name = $name,
			path = $path,
			indexed = indexed ?? false,
			created_at = created_at ?? time::now()
		RETURN AFTER
	`

	results, err := surrealdb.Query[[]models.Repo](ctx, c.db, sql, map[string]any{
		"id":   repoID,
		"name": name,
		"path": path,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert repo: %w", wrapQueryError(err))
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("upsert repo: no result returned")
	}
	return &(*results)[0].Result[0], nil
}

// GetRepo retrieves a repository by ID. Returns nil if not found.
func (c *Client) GetRepo(ctx context.Context, repoID string) (*models.Repo, error) {
	results, err := surrealdb.Query[[]models.Repo](ctx, c.db, `
		SELECT * FROM type::record("repo", $id)
	`, map[string]any{"id": repoID})
	if err != nil {
		return nil, fmt.Errorf("get repo: %w", wrapQueryError(err))
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}

// MarkRepoIndexed flags a repository as fully indexed.
func (c *Client) MarkRepoIndexed(ctx context.Context, repoID string) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPDATE type::record("repo", $id) SET
			indexed = true,
			indexed_at = time::now()
	`, map[string]any{"id": repoID})
	if err != nil {
		return fmt.Errorf("mark repo indexed: %w", wrapQueryError(err))
	}
	return nil
}

// GetOrCreateDocument returns the document row for (repoID, path),
// creating it if absent. On an existing document it deletes all prior
// chunk mirror rows and resets the status to indexing, so re-ingestion
// starts from a clean slate for that path.
func (c *Client) GetOrCreateDocument(ctx context.Context, repoID, path, sourceURI string) (*models.Document, error) {
	results, err := surrealdb.Query[[]models.Document](ctx, c.db, `
		SELECT * FROM document WHERE repo_id = $repo_id AND path = $path LIMIT 1
	`, map[string]any{"repo_id": repoID, "path": path})
	if err != nil {
		return nil, fmt.Errorf("get document: %w", wrapQueryError(err))
	}

	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		doc := (*results)[0].Result[0]
		reset, err := surrealdb.Query[[]models.Document](ctx, c.db, `
			DELETE document_chunk WHERE document = $doc;
			UPDATE $doc SET ingestion_status = "indexing", ingested_at = NONE RETURN AFTER;
		`, map[string]any{"doc": doc.ID})
		if err != nil {
			return nil, fmt.Errorf("reset document: %w", wrapQueryError(err))
		}
		if reset != nil {
			for _, qr := range *reset {
				if len(qr.Result) > 0 {
					return &qr.Result[0], nil
				}
			}
		}
		return &doc, nil
	}

	created, err := surrealdb.Query[[]models.Document](ctx, c.db, `
		CREATE document SET
			repo_id = $repo_id,
			path = $path,
			source_uri = $source_uri,
			ingestion_status = "indexing"
		RETURN AFTER
	`, map[string]any{"repo_id": repoID, "path": path, "source_uri": sourceURI})
	if err != nil {
		return nil, fmt.Errorf("create document: %w", wrapQueryError(err))
	}

	if created == nil || len(*created) == 0 || len((*created)[0].Result) == 0 {
		return nil, fmt.Errorf("create document: no result returned")
	}
	return &(*created)[0].Result[0], nil
}

// FinalizeDocument marks a document as indexed.
func (c *Client) FinalizeDocument(ctx context.Context, docID surrealmodels.RecordID) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPDATE $doc SET
			ingestion_status = "indexed",
			ingested_at = time::now()
	`, map[string]any{"doc": docID})
	if err != nil {
		return fmt.Errorf("finalize document: %w", wrapQueryError(err))
	}
	return nil
}

// GetDocument retrieves a document by (repoID, path). Returns nil if
// not found.
func (c *Client) GetDocument(ctx context.Context, repoID, path string) (*models.Document, error) {
	results, err := surrealdb.Query[[]models.Document](ctx, c.db, `
		SELECT * FROM document WHERE repo_id = $repo_id AND path = $path LIMIT 1
	`, map[string]any{"repo_id": repoID, "path": path})
	if err != nil {
		return nil, fmt.Errorf("get document: %w", wrapQueryError(err))
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}

// InsertChunkMirror writes one relational mirror row for an embedded chunk.
func (c *Client) InsertChunkMirror(
	ctx context.Context,
	docID surrealmodels.RecordID,
	chunk models.Chunk,
	chunkHash string,
	embeddingModel string,
) (*models.DocumentChunk, error) {
	results, err := surrealdb.Query[[]models.DocumentChunk](ctx, c.db, `
		CREATE document_chunk SET
			document = $doc,
			content = $content,
			chunk_hash = $chunk_hash,
			chunk_index = $chunk_index,
			start_line = $start_line,
			end_line = $end_line,
			embedding_model = $embedding_model
		RETURN AFTER
	`, map[string]any{
		"doc":             docID,
		"content":         chunk.Content,
		"chunk_hash":      chunkHash,
		"chunk_index":     chunk.ChunkIndex,
		"start_line":      chunk.StartLine,
		"end_line":        chunk.EndLine,
		"embedding_model": embeddingModel,
	})
	if err != nil {
		return nil, fmt.Errorf("insert chunk mirror: %w", wrapQueryError(err))
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("insert chunk mirror: no result returned")
	}
	return &(*results)[0].Result[0], nil
}

// CountDocumentChunks returns the number of mirror rows for a document.
func (c *Client) CountDocumentChunks(ctx context.Context, docID surrealmodels.RecordID) (int, error) {
	results, err := surrealdb.Query[[]struct {
		C int `json:"c"`
	}](ctx, c.db, `
		SELECT count() AS c FROM document_chunk WHERE document = $doc GROUP ALL
	`, map[string]any{"doc": docID})
	if err != nil {
		return 0, fmt.Errorf("count document chunks: %w", wrapQueryError(err))
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return 0, nil
	}
	return (*results)[0].Result[0].C, nil
}

// UpsertEmbedding writes one vector row under a deterministic string
// id, so re-ingesting the same span overwrites rather than duplicates.
func (c *Client) UpsertEmbedding(ctx context.Context, id string, rec models.EmbeddingRecord) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPSERT type::record("embedding", $id) SET
			repo_id = $repo_id,
			file_path = $file_path,
			content = $content,
			embedding = $embedding,
			document_id = $document_id,
			chunk_index = $chunk_index,
			start_line = $start_line,
			end_line = $end_line
	`, map[string]any{
		"id":          id,
		"repo_id":     rec.RepoID,
		"file_path":   rec.FilePath,
		"content":     rec.Content,
		"embedding":   rec.Embedding,
		"document_id": rec.DocumentID,
		"chunk_index": rec.ChunkIndex,
		"start_line":  rec.StartLine,
		"end_line":    rec.EndLine,
	})
	if err != nil {
		return fmt.Errorf("upsert embedding: %w", wrapQueryError(err))
	}
	return nil
}

// annRow is the wire shape of one vector search hit.
type annRow struct {
	ID         surrealmodels.RecordID `json:"id"`
	RepoID     string                 `json:"repo_id"`
	FilePath   string                 `json:"file_path"`
	Content    string                 `json:"content"`
	DocumentID string                 `json:"document_id"`
	ChunkIndex int                    `json:"chunk_index"`
	StartLine  *int                   `json:"start_line,omitempty"`
	EndLine    *int                   `json:"end_line,omitempty"`
	Distance   float64                `json:"distance"`
}

// VectorSearch runs approximate nearest neighbour search over the
// embedding table, restricted to one repository. Results come back in
// ascending distance order; the similarity score is 1 - cosine distance.
func (c *Client) VectorSearch(ctx context.Context, repoID string, embedding []float32, limit int) ([]models.RetrievedDoc, error) {
	// HNSW with ef=40 for better recall. The KNN operand must be a
	// literal, so it goes through Sprintf.
	sql := fmt.Sprintf(`
		SELECT id, repo_id, file_path, content, document_id, chunk_index,
			   start_line, end_line, vector::distance::knn() AS distance
		FROM embedding
		WHERE repo_id = $repo_id AND embedding <|%d,40|> $emb
		ORDER BY distance ASC
	`, limit)

	results, err := surrealdb.Query[[]annRow](ctx, c.db, sql, map[string]any{
		"repo_id": repoID,
		"emb":     embedding,
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", wrapQueryError(err))
	}

	var rows []annRow
	if results != nil && len(*results) > 0 {
		rows = (*results)[0].Result
	}

	docs := make([]models.RetrievedDoc, 0, len(rows))
	for _, r := range rows {
		id, err := models.RecordIDString(r.ID)
		if err != nil {
			return nil, fmt.Errorf("vector search: %w", err)
		}
		score := 1 - r.Distance
		docs = append(docs, models.RetrievedDoc{
			ID:         id,
			RepoID:     r.RepoID,
			FilePath:   r.FilePath,
			Content:    r.Content,
			DocumentID: r.DocumentID,
			ChunkIndex: r.ChunkIndex,
			StartLine:  r.StartLine,
			EndLine:    r.EndLine,
			Score:      &score,
		})
	}
	return docs, nil
}

// GetRecentTurns loads the most recent answered queries for a
// conversation, newest first.
func (c *Client) GetRecentTurns(ctx context.Context, conversationID string, limit int) ([]models.ConversationTurn, error) {
	results, err := surrealdb.Query[[]models.ConversationTurn](ctx, c.db, `
		SELECT query_text, response_text, created_at FROM rag_query
		WHERE conversation_id = $cid
		ORDER BY created_at DESC
		LIMIT $limit
	`, map[string]any{"cid": conversationID, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("get recent turns: %w", wrapQueryError(err))
	}

	if results == nil || len(*results) == 0 {
		return []models.ConversationTurn{}, nil
	}
	return (*results)[0].Result, nil
}

// InsertRagQuery persists one answered query.
func (c *Client) InsertRagQuery(
	ctx context.Context,
	conversationID *string,
	queryText string,
	responseText string,
	metadata map[string]any,
) (*models.RagQuery, error) {
	results, err := surrealdb.Query[[]models.RagQuery](ctx, c.db, `
		CREATE rag_query SET
			conversation_id = $cid,
			query_text = $query_text,
			response_text = $response_text,
			response_metadata = $metadata
		RETURN AFTER
	`, map[string]any{
		"cid":           conversationID,
		"query_text":    queryText,
		"response_text": responseText,
		"metadata":      metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("insert rag query: %w", wrapQueryError(err))
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("insert rag query: no result returned")
	}
	return &(*results)[0].Result[0], nil
}

// InsertRetrievedChunk links a persisted query to one retained chunk.
func (c *Client) InsertRetrievedChunk(
	ctx context.Context,
	ragQuery surrealmodels.RecordID,
	documentChunk surrealmodels.RecordID,
	score *float64,
	rank int,
	usedInPrompt bool,
) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		CREATE retrieved_chunk SET
			rag_query = $rag_query,
			document_chunk = $document_chunk,
			score = $score,
			rank = $rank,
			used_in_prompt = $used
	`, map[string]any{
		"rag_query":      ragQuery,
		"document_chunk": documentChunk,
		"score":          score,
		"rank":           rank,
		"used":           usedInPrompt,
	})
	if err != nil {
		return fmt.Errorf("insert retrieved chunk: %w", wrapQueryError(err))
	}
	return nil
}

// ResolveChunkRecord finds the mirror row backing a retrieved hit.
// Primary lookup is (document, chunk index); content hash is the
// fallback for rows written before chunk indexes were stable.
// Returns nil if neither lookup matches.
func (c *Client) ResolveChunkRecord(
	ctx context.Context,
	documentID string,
	chunkIndex int,
	contentHash string,
) (*surrealmodels.RecordID, error) {
	type idRow struct {
		ID surrealmodels.RecordID `json:"id"`
	}

	results, err := surrealdb.Query[[]idRow](ctx, c.db, `
		SELECT id FROM document_chunk
		WHERE document = type::record("document", $doc) AND chunk_index = $idx
		LIMIT 1
	`, map[string]any{"doc": documentID, "idx": chunkIndex})
	if err != nil {
		return nil, fmt.Errorf("resolve chunk by index: %w", wrapQueryError(err))
	}
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return &(*results)[0].Result[0].ID, nil
	}

	results, err = surrealdb.Query[[]idRow](ctx, c.db, `
		SELECT id FROM document_chunk WHERE chunk_hash = $hash LIMIT 1
	`, map[string]any{"hash": contentHash})
	if err != nil {
		return nil, fmt.Errorf("resolve chunk by hash: %w", wrapQueryError(err))
	}
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return &(*results)[0].Result[0].ID, nil
	}

	return nil, nil
}
