package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/raphaelgruber/coderag/internal/llm"
	"github.com/raphaelgruber/coderag/internal/metrics"
	"github.com/raphaelgruber/coderag/internal/models"
)

// recentTurnLimit bounds how many prior turns are even considered
// before token budgeting.
const recentTurnLimit = 6

// Per-message compaction caps for replayed history.
var (
	historyQueryCap  = 1000
	historyAnswerCap = 1400
)

var documentRefRE = regexp.MustCompile(`\bDocument\s+(\d+)\b`)

// QueryResult is one answered question.
type QueryResult struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
}

// QueryOrchestrator runs the full question-answering flow: history
// loading, retrieval, prompt assembly, streamed generation and
// provenance persistence.
type QueryOrchestrator struct {
	store     Store
	retrieval *RetrievalEngine
	generator Generator
	budgeter  HistoryBudgeter
	collector *metrics.Collector

	// dataDir is the root for per-repo query logs; empty disables them.
	dataDir string
}

// NewQueryOrchestrator creates a query orchestrator.
func NewQueryOrchestrator(store Store, retrieval *RetrievalEngine, generator Generator, budgeter HistoryBudgeter, collector *metrics.Collector, dataDir string) *QueryOrchestrator {
	return &QueryOrchestrator{
		store:     store,
		retrieval: retrieval,
		generator: generator,
		budgeter:  budgeter,
		collector: collector,
		dataDir:   dataDir,
	}
}

// Ask answers question against repoID's index, streaming raw tokens
// through onToken as they arrive. The returned answer has "Document N"
// references rewritten to file names; the streamed tokens do not.
// onToken may be nil.
func (o *QueryOrchestrator) Ask(ctx context.Context, repoID, question string, conversationID *string, onToken func(token string) error) (*QueryResult, error) {
	turns := o.loadHistory(ctx, conversationID)

	// Bare follow-ups ("why?", "and the second one?") retrieve poorly
	// on their own; the previous question disambiguates them. The hint
	// is the latest loaded turn, untouched by budgeting.
	retrievalQuery := question
	if len(turns) > 0 {
		latest := turns[len(turns)-1]
		retrievalQuery = fmt.Sprintf("%s\n\n(History hint: %s)", question, Compact(latest.QueryText, nil))
	}

	result, err := o.retrieval.Retrieve(ctx, repoID, retrievalQuery)
	if err != nil {
		return nil, fmt.Errorf("retrieve context: %w", err)
	}

	historyMD := renderHistoryMD(turns)
	packed := o.budgeter.Pack(turns, &historyQueryCap, &historyAnswerCap)
	messages := o.buildMessages(repoID, packed, historyMD, result.Context, question)

	start := time.Now()
	answer, err := o.generator.Stream(ctx, messages, onToken)
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}
	if o.collector != nil {
		o.collector.RecordTiming(metrics.OpLLMStream, time.Since(start))
	}

	answer = rewriteDocumentRefs(answer, result.Sources)

	// Persistence failures must never cost the user an answer they
	// already received.
	o.appendQueryLog(repoID, question, answer, result.Sources)
	o.persistProvenance(ctx, repoID, conversationID, question, answer, result.Docs)

	return &QueryResult{Answer: answer, Sources: result.Sources}, nil
}

// loadHistory returns the recent prior turns, oldest first. Budgeting
// happens separately so the retrieval hint and the rendered digest see
// the full loaded window.
func (o *QueryOrchestrator) loadHistory(ctx context.Context, conversationID *string) []models.ConversationTurn {
	if conversationID == nil || *conversationID == "" {
		return nil
	}

	turns, err := o.store.GetRecentTurns(ctx, *conversationID, recentTurnLimit)
	if err != nil {
		slog.Warn("loading conversation history failed", "conversation", *conversationID, "error", err)
		return nil
	}

	// Stored newest-first; replayed oldest-first.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns
}

// renderHistoryMD renders the loaded turns, oldest first and
// uncompacted, as the markdown digest embedded in the user payload.
func renderHistoryMD(turns []models.ConversationTurn) string {
	if len(turns) == 0 {
		return ""
	}
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, fmt.Sprintf("- **User earlier**: %s\n  **Assistant earlier**: %s", t.QueryText, t.ResponseText))
	}
	return strings.Join(lines, "\n")
}

func (o *QueryOrchestrator) buildMessages(repoID string, history []models.ConversationTurn, historyMD, promptContext, question string) []llm.Message {
	messages := make([]llm.Message, 0, 2*len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})

	for _, turn := range history {
		messages = append(messages,
			llm.Message{Role: llm.RoleUser, Content: Compact(turn.QueryText, &historyQueryCap)},
			llm.Message{Role: llm.RoleAssistant, Content: Compact(turn.ResponseText, &historyAnswerCap)},
		)
	}

	var b strings.Builder
	data := answerPromptData{RepoID: repoID, HistoryMD: historyMD, Context: promptContext, Question: question}
	if err := answerPrompt.Execute(&b, data); err != nil {
		// The template has no failure modes over plain strings;
		// degrade to raw concatenation if that ever changes.
		b.Reset()
		b.WriteString(promptContext + "\n\n---\n\nQuestion: " + question)
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: b.String()})
	return messages
}

// rewriteDocumentRefs replaces "Document N" citations with the backticked
// file path of the Nth context section. Out-of-range references are
// left untouched.
func rewriteDocumentRefs(answer string, sources []Source) string {
	if len(sources) == 0 {
		return answer
	}
	return documentRefRE.ReplaceAllStringFunc(answer, func(ref string) string {
		n, err := strconv.Atoi(documentRefRE.FindStringSubmatch(ref)[1])
		if err != nil || n < 1 || n > len(sources) {
			return ref
		}
		return "`" + sources[n-1].FilePath + "`"
	})
}

// queryLogEntry is one line in a repository's query log.
type queryLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Query     string    `json:"query"`
	Response  string    `json:"response"`
	Sources   []Source  `json:"sources,omitempty"`
}

// appendQueryLog appends the answered query to the repository's JSON
// log under the data directory. Best effort.
func (o *QueryOrchestrator) appendQueryLog(repoID, question, answer string, sources []Source) {
	if o.dataDir == "" {
		return
	}

	dir := filepath.Join(o.dataDir, "repos", repoID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("query log directory", "repo", repoID, "error", err)
		return
	}
	path := filepath.Join(dir, "queries.json")

	var entries []queryLogEntry
	if raw, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(raw, &entries); err != nil {
			slog.Warn("query log unreadable, starting fresh", "path", path, "error", err)
			entries = nil
		}
	}

	entries = append(entries, queryLogEntry{
		Timestamp: time.Now().UTC(),
		Query:     question,
		Response:  answer,
		Sources:   sources,
	})

	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		slog.Warn("query log encode", "repo", repoID, "error", err)
		return
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		slog.Warn("query log write", "path", path, "error", err)
	}
}

// persistProvenance stores the rag_query row and links every retained
// chunk that can be resolved to its mirror row. Chunks that cannot be
// resolved are skipped; their rank position is not reused.
func (o *QueryOrchestrator) persistProvenance(ctx context.Context, repoID string, conversationID *string, question, answer string, docs []models.RetrievedDoc) {
	metadata := map[string]any{
		"repo_id":         repoID,
		"ranker_model":    o.retrieval.RerankModel(),
		"retrieved_count": len(docs),
	}
	ragQuery, err := o.store.InsertRagQuery(ctx, conversationID, question, answer, metadata)
	if err != nil {
		slog.Warn("persisting query failed", "error", err)
		return
	}

	for rank, d := range docs {
		sum := sha256.Sum256([]byte(d.Content))
		chunkID, err := o.store.ResolveChunkRecord(ctx, d.DocumentID, d.ChunkIndex, hex.EncodeToString(sum[:]))
		if err != nil {
			slog.Warn("resolving chunk failed", "document", d.DocumentID, "chunk", d.ChunkIndex, "error", err)
			continue
		}
		if chunkID == nil {
			slog.Warn("retrieved chunk has no mirror row", "document", d.DocumentID, "chunk", d.ChunkIndex)
			continue
		}
		if err := o.store.InsertRetrievedChunk(ctx, ragQuery.ID, *chunkID, d.Score, rank+1, true); err != nil {
			slog.Warn("persisting retrieved chunk failed", "document", d.DocumentID, "error", err)
		}
	}
}
