package service

import (
	"context"
	"fmt"
	"sync"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/raphaelgruber/coderag/internal/llm"
	"github.com/raphaelgruber/coderag/internal/models"
)

// fakeStore records every call in order so tests can assert write
// sequencing, not just end state.
type fakeStore struct {
	mu  sync.Mutex
	ops []string

	docResets      map[string]int
	embeddings     map[string]models.EmbeddingRecord
	mirrors        []models.DocumentChunk
	finalized      []string
	repoIndexed    []string
	searchResults  []models.RetrievedDoc
	searchErr      error
	turns          []models.ConversationTurn
	ragQueries     []models.RagQuery
	chunkLinks     []fakeChunkLink
	resolvable     map[string]surrealmodels.RecordID
	insertQueryErr error
}

type fakeChunkLink struct {
	chunkID surrealmodels.RecordID
	score   *float64
	rank    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docResets:  make(map[string]int),
		embeddings: make(map[string]models.EmbeddingRecord),
		resolvable: make(map[string]surrealmodels.RecordID),
	}
}

func (s *fakeStore) record(op string) {
	s.mu.Lock()
	s.ops = append(s.ops, op)
	s.mu.Unlock()
}

func (s *fakeStore) GetOrCreateDocument(_ context.Context, repoID, path, _ string) (*models.Document, error) {
	s.record("doc:" + path)
	s.mu.Lock()
	s.docResets[path]++
	s.mu.Unlock()
	return &models.Document{
		ID:              surrealmodels.NewRecordID("document", repoID+"/"+path),
		RepoID:          repoID,
		Path:            path,
		IngestionStatus: models.StatusIndexing,
	}, nil
}

func (s *fakeStore) InsertChunkMirror(_ context.Context, docID surrealmodels.RecordID, chunk models.Chunk, chunkHash, embeddingModel string) (*models.DocumentChunk, error) {
	s.record(fmt.Sprintf("mirror:%s#%d", chunk.FilePath, chunk.ChunkIndex))
	s.mu.Lock()
	defer s.mu.Unlock()
	row := models.DocumentChunk{
		ID:             surrealmodels.NewRecordID("document_chunk", fmt.Sprintf("%v#%d", docID.ID, chunk.ChunkIndex)),
		Document:       docID,
		Content:        chunk.Content,
		ChunkHash:      chunkHash,
		ChunkIndex:     chunk.ChunkIndex,
		EmbeddingModel: embeddingModel,
	}
	s.mirrors = append(s.mirrors, row)
	return &row, nil
}

func (s *fakeStore) UpsertEmbedding(_ context.Context, id string, rec models.EmbeddingRecord) error {
	s.record("embed:" + id)
	s.mu.Lock()
	s.embeddings[id] = rec
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) FinalizeDocument(_ context.Context, docID surrealmodels.RecordID) error {
	s.record(fmt.Sprintf("finalize:%v", docID.ID))
	s.mu.Lock()
	s.finalized = append(s.finalized, fmt.Sprintf("%v", docID.ID))
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) MarkRepoIndexed(_ context.Context, repoID string) error {
	s.record("repo-indexed:" + repoID)
	s.mu.Lock()
	s.repoIndexed = append(s.repoIndexed, repoID)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) VectorSearch(_ context.Context, _ string, _ []float32, _ int) ([]models.RetrievedDoc, error) {
	s.record("search")
	return s.searchResults, s.searchErr
}

func (s *fakeStore) GetRecentTurns(_ context.Context, _ string, limit int) ([]models.ConversationTurn, error) {
	s.record("turns")
	if len(s.turns) > limit {
		return s.turns[:limit], nil
	}
	return s.turns, nil
}

func (s *fakeStore) InsertRagQuery(_ context.Context, conversationID *string, queryText, responseText string, metadata map[string]any) (*models.RagQuery, error) {
	s.record("rag-query")
	if s.insertQueryErr != nil {
		return nil, s.insertQueryErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row := models.RagQuery{
		ID:               surrealmodels.NewRecordID("rag_query", len(s.ragQueries)),
		ConversationID:   conversationID,
		QueryText:        queryText,
		ResponseText:     responseText,
		ResponseMetadata: metadata,
	}
	s.ragQueries = append(s.ragQueries, row)
	return &row, nil
}

func (s *fakeStore) InsertRetrievedChunk(_ context.Context, _, documentChunk surrealmodels.RecordID, score *float64, rank int, _ bool) error {
	s.record("retrieved-chunk")
	s.mu.Lock()
	s.chunkLinks = append(s.chunkLinks, fakeChunkLink{chunkID: documentChunk, score: score, rank: rank})
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) ResolveChunkRecord(_ context.Context, documentID string, chunkIndex int, contentHash string) (*surrealmodels.RecordID, error) {
	s.record("resolve")
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.resolvable[fmt.Sprintf("%s#%d", documentID, chunkIndex)]; ok {
		return &id, nil
	}
	if id, ok := s.resolvable["hash:"+contentHash]; ok {
		return &id, nil
	}
	return nil, nil
}

// fakeEmbedder returns constant-dimension vectors and can fail after a
// given number of batches. A zero dimension simulates a provider that
// answers with empty vectors; shortReply drops the last vector of each
// batch.
type fakeEmbedder struct {
	dimension  int
	batches    [][]string
	failBatch  int // 1-based batch number to fail on; 0 disables
	shortReply bool
	queryCalls []string
	queryErr   error
}

func (e *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	e.batches = append(e.batches, texts)
	if e.failBatch > 0 && len(e.batches) == e.failBatch {
		return nil, fmt.Errorf("embedding backend unavailable")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		if e.dimension == 0 {
			continue
		}
		out[i] = make([]float32, e.dimension)
		out[i][0] = float32(len(texts[i]))
	}
	if e.shortReply && len(out) > 0 {
		out = out[:len(out)-1]
	}
	return out, nil
}

func (e *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	e.queryCalls = append(e.queryCalls, text)
	if e.queryErr != nil {
		return nil, e.queryErr
	}
	return make([]float32, e.dimension), nil
}

func (e *fakeEmbedder) Model() string { return "fake-embed-1" }

// fakeReranker reverses the candidate order, fails, or comes back
// empty.
type fakeReranker struct {
	err   error
	empty bool
	calls int
}

func (r *fakeReranker) Model() string { return "fake-rerank-1" }

func (r *fakeReranker) Rerank(_ context.Context, _ string, documents []string, topK int) ([]llm.RerankResult, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	if r.empty {
		return []llm.RerankResult{}, nil
	}
	results := make([]llm.RerankResult, 0, topK)
	for i := len(documents) - 1; i >= 0 && len(results) < topK; i-- {
		results = append(results, llm.RerankResult{Index: i, Score: 0.9 - 0.05*float64(len(results))})
	}
	return results, nil
}

// fakeGenerator streams a fixed answer token by token.
type fakeGenerator struct {
	tokens   []string
	messages []llm.Message
	err      error
}

func (g *fakeGenerator) Stream(_ context.Context, messages []llm.Message, onToken func(string) error) (string, error) {
	g.messages = messages
	if g.err != nil {
		return "", g.err
	}
	var full string
	for _, t := range g.tokens {
		if onToken != nil {
			if err := onToken(t); err != nil {
				return "", err
			}
		}
		full += t
	}
	return full, nil
}
