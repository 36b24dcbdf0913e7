// Package adminapi exposes the agent's local inspection endpoints:
// queue contents, dispatch phase, connectivity flags, and dead letters.
package adminapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/relayqueue/internal/relayqueue"
)

// Inspector is the read side of the pipeline the admin server reports
// on. *relayqueue.Pipeline satisfies it.
type Inspector interface {
	PendingWrites() ([]relayqueue.QueueEntry, error)
	DispatchPhase() relayqueue.DispatchState
	DurableActive() bool
	DeadLetters() []relayqueue.DeadLetter
	LastFatalAuthError() error
	IsOffline() bool
	IsAuthenticating() bool
	IsBackendReachable() bool
	HasReadRequiredData() bool
	TokenExpiry() (time.Time, bool)
	ClearQueues() error
}

type ServerConfig struct {
	// Token guards every /v1/admin route. Empty disables the admin
	// routes entirely; /health stays open.
	Token string
}

type Server struct {
	pipeline Inspector
	cfg      ServerConfig
}

func NewServer(pipeline Inspector, cfg ServerConfig) *Server {
	return &Server{pipeline: pipeline, cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if !strings.HasPrefix(r.URL.Path, "/v1/admin/") {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	if authErr := s.authorize(r.Header.Get("Authorization")); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}

	switch {
	case r.URL.Path == "/v1/admin/status" && r.Method == http.MethodGet:
		s.handleStatus(w, r)
	case r.URL.Path == "/v1/admin/queue" && r.Method == http.MethodGet:
		s.handleQueue(w, r)
	case r.URL.Path == "/v1/admin/queue/clear" && r.Method == http.MethodPost:
		s.handleQueueClear(w, r)
	case r.URL.Path == "/v1/admin/dead-letters" && r.Method == http.MethodGet:
		s.handleDeadLetters(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	entries, err := s.pipeline.PendingWrites()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read queue", getCorrelationID(r))
		return
	}
	status := map[string]any{
		"phase":              string(s.pipeline.DispatchPhase()),
		"durableActive":      s.pipeline.DurableActive(),
		"pendingWrites":      len(entries),
		"offline":            s.pipeline.IsOffline(),
		"authenticating":     s.pipeline.IsAuthenticating(),
		"backendReachable":   s.pipeline.IsBackendReachable(),
		"storageInitialized": s.pipeline.HasReadRequiredData(),
		"deadLetters":        len(s.pipeline.DeadLetters()),
	}
	if expiry, ok := s.pipeline.TokenExpiry(); ok {
		status["tokenExpiresAt"] = expiry.UTC().Format(time.RFC3339)
	}
	if fatal := s.pipeline.LastFatalAuthError(); fatal != nil {
		status["lastFatalError"] = fatal.Error()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := s.pipeline.PendingWrites()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read queue", getCorrelationID(r))
		return
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, map[string]any{
			"index":      entry.Index,
			"id":         entry.ID,
			"name":       entry.Name,
			"enqueuedAt": entry.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": items})
}

func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.ClearQueues(); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to clear queues", getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters := s.pipeline.DeadLetters()
	items := make([]map[string]any, 0, len(letters))
	for _, dl := range letters {
		items = append(items, map[string]any{
			"index":    dl.Entry.Index,
			"id":       dl.Entry.ID,
			"name":     dl.Entry.Name,
			"reason":   dl.Reason,
			"failedAt": dl.FailedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": items})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
