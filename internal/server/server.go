// Package server exposes ingestion, querying and progress streaming
// over HTTP. Handlers are thin adapters over the service layer.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/coderag/internal/metrics"
	"github.com/raphaelgruber/coderag/internal/models"
	"github.com/raphaelgruber/coderag/internal/progress"
	"github.com/raphaelgruber/coderag/internal/service"
)

// RepoStore is the repository registry the server needs. *db.Client
// satisfies it.
type RepoStore interface {
	GetOrCreateRepo(ctx context.Context, repoID, name, path string) (*models.Repo, error)
	GetRepo(ctx context.Context, repoID string) (*models.Repo, error)
}

// Ingester starts background ingestion runs.
type Ingester interface {
	Start(repoID, rootDir string)
}

// Asker answers questions with streamed tokens.
type Asker interface {
	Ask(ctx context.Context, repoID, question string, conversationID *string, onToken func(token string) error) (*service.QueryResult, error)
}

// Config holds the server's listen address.
type Config struct {
	Addr string
}

// Server wires the HTTP surface to the service layer.
type Server struct {
	repos     RepoStore
	ingester  Ingester
	asker     Asker
	broker    progress.Broker
	collector *metrics.Collector
	logger    *slog.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// New creates a server. collector may be nil.
func New(cfg Config, repos RepoStore, ingester Ingester, asker Asker, broker progress.Broker, collector *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		repos:     repos,
		ingester:  ingester,
		asker:     asker,
		broker:    broker,
		collector: collector,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler with logging middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("POST /api/repos/{id}/ingest", s.handleIngest)
	mux.HandleFunc("GET /api/repos/{id}/status", s.handleStatus)
	mux.HandleFunc("GET /api/repos/{id}/progress", s.handleProgress)
	mux.HandleFunc("POST /api/repos/{id}/query", s.handleQuery)
	return LoggingMiddleware(s.logger)(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.collector == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, s.collector.Snapshot())
}

type ingestRequest struct {
	Path string `json:"path"`
	Name string `json:"name,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	repoID := r.PathValue("id")

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	s.broker.Update(repoID, progress.PhaseUpload, progress.StatusRunning, progress.Update{})

	info, err := os.Stat(req.Path)
	if err != nil || !info.IsDir() {
		s.broker.Update(repoID, progress.PhaseUpload, progress.StatusError,
			progress.Update{Error: progress.Str("path is not a readable directory")})
		writeError(w, http.StatusBadRequest, "path is not a readable directory")
		return
	}

	name := req.Name
	if name == "" {
		name = repoID
	}
	if _, err := s.repos.GetOrCreateRepo(r.Context(), repoID, name, req.Path); err != nil {
		s.logger.Error("registering repo failed", "repo", repoID, "error", err)
		writeError(w, http.StatusInternalServerError, "registering repo failed")
		return
	}

	s.broker.Update(repoID, progress.PhaseUpload, progress.StatusComplete, progress.Update{})
	s.ingester.Start(repoID, req.Path)

	writeJSON(w, http.StatusAccepted, map[string]string{"repoId": repoID, "status": "started"})
}

type statusResponse struct {
	progress.Snapshot
	Indexed bool `json:"indexed"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	repoID := r.PathValue("id")

	repo, err := s.repos.GetRepo(r.Context(), repoID)
	if err != nil {
		s.logger.Error("loading repo failed", "repo", repoID, "error", err)
		writeError(w, http.StatusInternalServerError, "loading repo failed")
		return
	}
	if repo == nil {
		writeError(w, http.StatusNotFound, "unknown repo")
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Snapshot: s.broker.Snapshot(repoID),
		Indexed:  repo.Indexed,
	})
}

// snapshotMessage is the first frame on a progress websocket.
type snapshotMessage struct {
	Type     string            `json:"type"` // always "snapshot"
	Snapshot progress.Snapshot `json:"snapshot"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	repoID := r.PathValue("id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	defer conn.Close()

	snapshot, events, cancel := s.broker.Subscribe(repoID)
	defer cancel()

	if err := conn.WriteJSON(snapshotMessage{Type: "snapshot", Snapshot: snapshot}); err != nil {
		return
	}

	// Reader detects client disconnect; no inbound messages are expected.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Phase == progress.PhaseIndexed || ev.Phase == progress.PhaseError {
				// Terminal event; leave the close handshake to the client.
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

type queryRequest struct {
	Question       string  `json:"question"`
	ConversationID *string `json:"conversationId,omitempty"`
	Stream         bool    `json:"stream,omitempty"`
}

type queryResponse struct {
	Answer  string           `json:"answer"`
	Sources []service.Source `json:"sources,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	repoID := r.PathValue("id")

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	var onToken func(string) error
	if req.Stream {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		onToken = func(token string) error {
			payload, err := json.Marshal(map[string]string{"token": token})
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		}
	}

	result, err := s.asker.Ask(r.Context(), repoID, req.Question, req.ConversationID, onToken)
	if err != nil {
		s.logger.Error("query failed", "repo", repoID, "error", err)
		if req.Stream {
			fmt.Fprintf(w, "data: %s\n\n", `{"error":"query failed"}`)
			return
		}
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	if req.Stream {
		payload, _ := json.Marshal(map[string]any{"done": true, "answer": result.Answer, "sources": result.Sources})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		return
	}
	writeJSON(w, http.StatusOK, queryResponse{Answer: result.Answer, Sources: result.Sources})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encoding response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
