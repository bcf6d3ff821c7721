// Package api implements codegrokd's HTTP surface: codebase ingestion
// kickoff/status/list/delete and the SSE query-chat endpoint, per
// spec.md §6.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/codegrok/codegrok/internal/fileutil"
	"github.com/codegrok/codegrok/internal/store"
	"github.com/codegrok/codegrok/pkg/agentpipe"
	"github.com/codegrok/codegrok/pkg/apperr"
	"github.com/codegrok/codegrok/pkg/ingest"
	"github.com/codegrok/codegrok/pkg/session"
	"github.com/codegrok/codegrok/pkg/workflow"
)

// version is set via -ldflags at build time.
var version = "dev"

// SetVersion sets the version string (called from main).
func SetVersion(v string) { version = v }

// HealthResponse is the response for /health and /health/ready.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the standard error envelope, grounded on
// original_source/backend/app/core/errors.py's app_error_handler shape.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody is the body of ErrorResponse.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Details string `json:"details,omitempty"`
}

// UploadResponse is the 202 response for POST /codebase/upload.
type UploadResponse struct {
	CodebaseID string `json:"codebase_id"`
	Status     string `json:"status"`
	WorkflowID string `json:"workflow_id"`
}

// CodebaseListResponse is the response for GET /codebase.
type CodebaseListResponse struct {
	Codebases []*store.Codebase `json:"codebases"`
	Total     int                `json:"total"`
	Page      int                `json:"page"`
	Limit     int                `json:"limit"`
}

// StatusResponse is the response for GET /codebase/{id}/status.
type StatusResponse struct {
	CodebaseID      string                     `json:"codebase_id"`
	Status          store.Status               `json:"status"`
	Progress        float64                    `json:"progress"`
	Stage           string                     `json:"stage"`
	FilesProcessed  int                        `json:"files_processed"`
	FilesTotal      int                        `json:"files_total"`
	SecretsDetected int                        `json:"secrets_detected"`
	SecretsSummary  map[string]map[string]int `json:"secrets_summary,omitempty"`
	ErrorMessage    string                     `json:"error_message,omitempty"`
}

// ChatRequest is the request body for POST /chat.
type ChatRequest struct {
	CodebaseID string `json:"codebase_id"`
	Query      string `json:"query"`
	SessionID  string `json:"session_id,omitempty"`
	Stream     bool   `json:"stream"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// handleHealthReady checks that every backing store the server depends on
// is reachable, per spec.md §6's readiness probe.
func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	if err := s.Vectors.Health(r.Context()); err != nil {
		writeErrorEnvelope(w, http.StatusServiceUnavailable, "vector store unavailable", apperr.KindResource)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ready"})
}

// handleUpload implements POST /codebase/upload: validates exactly one of
// an uploaded archive or a repository_url is present, creates the
// Codebase row in StatusQueued, and starts the ingestion workflow
// asynchronously, returning 202 immediately per spec.md §6.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.Cfg.Service.MaxRequestSize); err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid multipart form", apperr.KindUserInput)
		return
	}

	name := r.FormValue("name")
	if name == "" {
		writeErrorEnvelope(w, http.StatusBadRequest, "name is required", apperr.KindUserInput)
		return
	}
	description := r.FormValue("description")
	repoURL := r.FormValue("repository_url")

	file, header, fileErr := r.FormFile("file")
	hasFile := fileErr == nil
	if hasFile {
		defer file.Close()
	}
	hasURL := repoURL != ""

	if hasFile == hasURL {
		writeErrorEnvelope(w, http.StatusBadRequest, "exactly one of file or repository_url is required", apperr.KindUserInput)
		return
	}

	cb := &store.Codebase{
		ID:          newID(),
		Name:        name,
		Description: description,
	}

	var source ingest.Source
	if hasURL {
		cb.SourceKind = store.SourceRemoteURL
		cb.SourceURL = repoURL
		source = ingest.Source{Kind: ingest.SourceRemote, RemoteURL: repoURL}
	} else {
		if header.Size > s.Cfg.Ingest.MaxArchiveSizeBytes {
			writeErrorEnvelope(w, http.StatusRequestEntityTooLarge, "archive exceeds maximum size", apperr.KindSizeExceeded)
			return
		}
		data, err := io.ReadAll(file)
		if err != nil {
			writeErrorEnvelope(w, http.StatusBadRequest, "failed to read uploaded file", apperr.KindUserInput)
			return
		}
		cb.SourceKind = store.SourceArchive
		cb.SizeBytes = int64(len(data))
		source = ingest.Source{Kind: ingest.SourceArchive, Archive: data}

		blobPath := fileutil.Join(s.Cfg.Ingest.DataDir, cb.ID+".zip")
		if err := fileutil.WriteFile(blobPath, data); err != nil {
			writeErrorEnvelope(w, http.StatusInternalServerError, "failed to persist upload", apperr.KindUnknown)
			return
		}
		cb.StoragePath = blobPath
	}

	workflowID := newID()
	cb.WorkflowID = workflowID

	if err := s.Store.Create(cb); err != nil {
		writeErrorEnvelope(w, http.StatusInternalServerError, "failed to create codebase record", apperr.KindUnknown)
		return
	}

	sink := &statusSink{store: s.Store, codebaseID: cb.ID, metrics: s.Metrics, runtime: s.Runtime, workflowID: workflowID}
	err := s.Runtime.Start(r.Context(), workflowID, func(ctx context.Context) error {
		_, err := s.Orchestrator.Run(ctx, cb.ID, source, s.Cfg.Ingest.MaxFileSizeBytes, sink)
		if err != nil {
			s.Metrics.ingestionsTotal.WithLabelValues("failed").Inc()
			return err
		}
		s.Metrics.ingestionsTotal.WithLabelValues("completed").Inc()
		return nil
	})
	if err != nil {
		writeErrorEnvelope(w, http.StatusInternalServerError, "failed to start ingestion workflow", apperr.KindUnknown)
		return
	}

	writeJSON(w, http.StatusAccepted, UploadResponse{
		CodebaseID: cb.ID,
		Status:     string(store.StatusQueued),
		WorkflowID: workflowID,
	})
}

// handleListCodebases implements GET /codebase?page=&limit=.
func (s *Server) handleListCodebases(w http.ResponseWriter, r *http.Request) {
	page := atoiDefault(r.URL.Query().Get("page"), 1)
	limit := atoiDefault(r.URL.Query().Get("limit"), 20)
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	all, err := s.Store.List()
	if err != nil {
		writeErrorEnvelope(w, http.StatusInternalServerError, "failed to list codebases", apperr.KindUnknown)
		return
	}

	start := (page - 1) * limit
	end := start + limit
	if start > len(all) {
		start = len(all)
	}
	if end > len(all) {
		end = len(all)
	}

	writeJSON(w, http.StatusOK, CodebaseListResponse{
		Codebases: all[start:end],
		Total:     len(all),
		Page:      page,
		Limit:     limit,
	})
}

// handleGetCodebase implements GET /codebase/{id}.
func (s *Server) handleGetCodebase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cb, err := s.Store.Get(id)
	if err != nil {
		writeErrorEnvelope(w, http.StatusNotFound, "codebase not found", apperr.KindNotFound)
		return
	}
	writeJSON(w, http.StatusOK, cb)
}

// handleGetStatus implements GET /codebase/{id}/status.
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cb, err := s.Store.Get(id)
	if err != nil {
		writeErrorEnvelope(w, http.StatusNotFound, "codebase not found", apperr.KindNotFound)
		return
	}

	progress := 0.0
	switch cb.Status {
	case store.StatusQueued:
		progress = 0.1
	case store.StatusProcessing:
		progress = 0.5
	case store.StatusCompleted, store.StatusFailed:
		progress = 1.0
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		CodebaseID:      cb.ID,
		Status:          cb.Status,
		Progress:        progress,
		Stage:           string(cb.Status),
		FilesProcessed:  cb.ProcessedFiles,
		FilesTotal:      cb.TotalFiles,
		SecretsDetected: cb.SecretsDetected,
		ErrorMessage:    cb.ErrorMessage,
	})
}

// handleDeleteCodebase implements DELETE /codebase/{id}: cascades to
// vector-store chunks, session-index entries, the blob, and cancels any
// running workflow, per spec.md §6.
func (s *Server) handleDeleteCodebase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cb, err := s.Store.Get(id)
	if err != nil {
		writeErrorEnvelope(w, http.StatusNotFound, "codebase not found", apperr.KindNotFound)
		return
	}

	if cb.WorkflowID != "" {
		s.Runtime.Cancel(cb.WorkflowID)
	}
	if err := s.Vectors.DeleteByCodebase(r.Context(), id); err != nil {
		writeErrorEnvelope(w, http.StatusInternalServerError, "failed to delete chunks", apperr.KindUnknown)
		return
	}
	if err := s.Sessions.DeleteCodebaseSessions(id); err != nil {
		writeErrorEnvelope(w, http.StatusInternalServerError, "failed to delete sessions", apperr.KindUnknown)
		return
	}
	if cb.StoragePath != "" {
		_ = fileutil.RemoveAll(cb.StoragePath)
	}
	if err := s.Store.Delete(id); err != nil {
		writeErrorEnvelope(w, http.StatusInternalServerError, "failed to delete codebase", apperr.KindUnknown)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleChat implements POST /chat: runs the query pipeline and streams
// the SSE event schema of spec.md §4.6/§6. The non-streaming JSON variant
// is intentionally not offered — every chat response is SSE, matching
// the original_source design this was distilled from.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid request body", apperr.KindUserInput)
		return
	}
	if req.CodebaseID == "" || req.Query == "" {
		writeErrorEnvelope(w, http.StatusBadRequest, "codebase_id and query are required", apperr.KindUserInput)
		return
	}

	ip := clientIP(r)
	if allowed, retryAfter, err := s.Limiter.Allow(r.Context(), ip); err == nil && !allowed {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())))
		writeErrorEnvelope(w, http.StatusTooManyRequests, "rate limit exceeded", apperr.KindRateLimit)
		return
	}

	sess, err := s.Sessions.GetOrCreate(req.SessionID, req.CodebaseID)
	if err != nil {
		writeErrorEnvelope(w, http.StatusNotFound, "session not found", apperr.KindNotFound)
		return
	}

	select {
	case s.QuerySemaphore <- struct{}{}:
		defer func() { <-s.QuerySemaphore }()
	case <-r.Context().Done():
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorEnvelope(w, http.StatusInternalServerError, "streaming unsupported", apperr.KindUnknown)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	state, events := s.Pipeline.Run(r.Context(), req.CodebaseID, req.Query, sess.ID)
	for ev := range events {
		writeSSEEvent(w, ev)
		flusher.Flush()
	}

	snap := state.Snapshot()
	if snap.Err == nil {
		var citations []string
		for _, src := range snap.Sources {
			citations = append(citations, fmt.Sprintf("%s:%d-%d", src.FilePath, src.LineStart, src.LineEnd))
		}
		_, _ = s.Sessions.AddMessage(sess.ID, session.RoleUser, req.Query, nil, nil, 0)
		_, _ = s.Sessions.AddMessage(sess.ID, session.RoleAssistant, snap.Response, citations, chunkIDs(snap), 0)
		s.Metrics.chatsTotal.WithLabelValues("completed").Inc()
	} else {
		s.Metrics.chatsTotal.WithLabelValues("failed").Inc()
	}
}

func chunkIDs(snap agentpipe.Snapshot) []string {
	ids := make([]string, 0, len(snap.Sources))
	for _, s := range snap.Sources {
		if s.ChunkID != "" {
			ids = append(ids, s.ChunkID)
		}
	}
	return ids
}

func writeSSEEvent(w http.ResponseWriter, ev agentpipe.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// statusSink adapts ingest.Orchestrator's Status reports onto the
// relational Codebase row, per spec.md §4.5's decoupling requirement,
// and checkpoints the same stage boundary into the workflow journal so
// a crash leaves a precise LastStage behind (pkg/workflow's durability
// scope).
type statusSink struct {
	store      *store.Store
	codebaseID string
	metrics    *metrics
	runtime    *workflow.Runtime
	workflowID string

	secretsReported int
}

func (sk *statusSink) OnStatus(_ context.Context, st ingest.Status) error {
	if sk.runtime != nil {
		_ = sk.runtime.Checkpoint(sk.workflowID, string(st.Stage))
	}

	status := store.StatusProcessing
	if st.Stage == ingest.StageCompleted {
		status = store.StatusCompleted
	} else if st.Stage == ingest.StageFailed {
		status = store.StatusFailed
	}

	upd := store.StatusUpdate{Status: status}
	if st.FilesProcessed > 0 {
		upd.ProcessedFiles = &st.FilesProcessed
	}
	if st.FilesTotal > 0 {
		upd.TotalFiles = &st.FilesTotal
	}
	if len(st.Languages) > 0 {
		upd.Languages = st.Languages
		upd.PrimaryLanguage = &st.Languages[0]
	}
	if st.SecretsFound > 0 {
		upd.SecretsDetected = &st.SecretsFound
		if sk.metrics != nil && st.SecretsFound > sk.secretsReported {
			sk.metrics.secretsFound.Add(float64(st.SecretsFound - sk.secretsReported))
			sk.secretsReported = st.SecretsFound
		}
	}
	if st.Error != "" {
		upd.ErrorMessage = &st.Error
	}
	return sk.store.UpdateStatus(sk.codebaseID, upd)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorEnvelope(w http.ResponseWriter, status int, message string, kind apperr.Kind) {
	writeJSON(w, status, ErrorResponse{Error: ErrorBody{
		Message: apperr.Sanitize(message),
		Type:    string(kind),
	}})
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

func newID() string { return uuid.NewString() }
