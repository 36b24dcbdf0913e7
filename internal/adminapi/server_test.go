package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentworkforce/relayqueue/internal/relayqueue"
)

type fakeInspector struct {
	entries     []relayqueue.QueueEntry
	entriesErr  error
	phase       relayqueue.DispatchState
	active      bool
	deadLetters []relayqueue.DeadLetter
	fatal       error
	offline     bool
	cleared     bool
	clearErr    error
}

func (f *fakeInspector) PendingWrites() ([]relayqueue.QueueEntry, error) {
	return f.entries, f.entriesErr
}
func (f *fakeInspector) DispatchPhase() relayqueue.DispatchState  { return f.phase }
func (f *fakeInspector) DurableActive() bool                      { return f.active }
func (f *fakeInspector) DeadLetters() []relayqueue.DeadLetter     { return f.deadLetters }
func (f *fakeInspector) LastFatalAuthError() error                { return f.fatal }
func (f *fakeInspector) IsOffline() bool                          { return f.offline }
func (f *fakeInspector) IsAuthenticating() bool                   { return false }
func (f *fakeInspector) IsBackendReachable() bool                 { return true }
func (f *fakeInspector) HasReadRequiredData() bool                { return true }
func (f *fakeInspector) TokenExpiry() (time.Time, bool)           { return time.Time{}, false }
func (f *fakeInspector) ClearQueues() error {
	if f.clearErr != nil {
		return f.clearErr
	}
	f.cleared = true
	f.entries = nil
	return nil
}

func doAdminRequest(t *testing.T, server *Server, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsOpen(t *testing.T) {
	server := NewServer(&fakeInspector{}, ServerConfig{Token: "secret"})
	rec := doAdminRequest(t, server, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	server := NewServer(&fakeInspector{}, ServerConfig{Token: "secret"})

	rec := doAdminRequest(t, server, http.MethodGet, "/v1/admin/status", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	rec = doAdminRequest(t, server, http.MethodGet, "/v1/admin/status", "wrong")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}
}

func TestAdminRoutesDisabledWithoutConfiguredToken(t *testing.T) {
	server := NewServer(&fakeInspector{}, ServerConfig{})
	rec := doAdminRequest(t, server, http.MethodGet, "/v1/admin/status", "anything")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when admin api disabled, got %d", rec.Code)
	}
}

func TestStatusReportsPipeline(t *testing.T) {
	inspector := &fakeInspector{
		entries: []relayqueue.QueueEntry{{Index: 1, ID: "cmd_1", Name: "update"}},
		phase:   relayqueue.StateWaitingForRetry,
		active:  true,
		fatal:   errors.New("credentials rejected"),
	}
	server := NewServer(inspector, ServerConfig{Token: "secret"})

	rec := doAdminRequest(t, server, http.MethodGet, "/v1/admin/status", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var status map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status["phase"] != "waiting_for_retry" {
		t.Fatalf("phase = %v", status["phase"])
	}
	if status["pendingWrites"] != float64(1) {
		t.Fatalf("pendingWrites = %v", status["pendingWrites"])
	}
	if status["lastFatalError"] != "credentials rejected" {
		t.Fatalf("lastFatalError = %v", status["lastFatalError"])
	}
}

func TestQueueListsEntriesInOrder(t *testing.T) {
	inspector := &fakeInspector{
		entries: []relayqueue.QueueEntry{
			{Index: 1, ID: "cmd_1", Name: "create"},
			{Index: 2, ID: "cmd_2", Name: "update"},
		},
	}
	server := NewServer(inspector, ServerConfig{Token: "secret"})

	rec := doAdminRequest(t, server, http.MethodGet, "/v1/admin/queue", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Entries []struct {
			Index uint64 `json:"index"`
			ID    string `json:"id"`
		} `json:"entries"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode queue: %v", err)
	}
	if len(body.Entries) != 2 || body.Entries[0].ID != "cmd_1" || body.Entries[1].ID != "cmd_2" {
		t.Fatalf("unexpected entries: %+v", body.Entries)
	}
}

func TestQueueClear(t *testing.T) {
	inspector := &fakeInspector{
		entries: []relayqueue.QueueEntry{{Index: 1, ID: "cmd_1", Name: "create"}},
	}
	server := NewServer(inspector, ServerConfig{Token: "secret"})

	rec := doAdminRequest(t, server, http.MethodPost, "/v1/admin/queue/clear", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if !inspector.cleared {
		t.Fatal("ClearQueues was not invoked")
	}

	inspector.clearErr = errors.New("store unavailable")
	rec = doAdminRequest(t, server, http.MethodPost, "/v1/admin/queue/clear", "secret")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on clear failure, got %d", rec.Code)
	}
}

func TestDeadLetters(t *testing.T) {
	inspector := &fakeInspector{
		deadLetters: []relayqueue.DeadLetter{
			{
				Entry:    relayqueue.QueueEntry{Index: 4, ID: "cmd_4", Name: "delete"},
				Reason:   "request rejected: validation failed",
				FailedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
			},
		},
	}
	server := NewServer(inspector, ServerConfig{Token: "secret"})

	rec := doAdminRequest(t, server, http.MethodGet, "/v1/admin/dead-letters", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		DeadLetters []struct {
			ID     string `json:"id"`
			Reason string `json:"reason"`
		} `json:"deadLetters"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode dead letters: %v", err)
	}
	if len(body.DeadLetters) != 1 || body.DeadLetters[0].Reason != "request rejected: validation failed" {
		t.Fatalf("unexpected dead letters: %+v", body.DeadLetters)
	}
}

func TestUnknownRoute(t *testing.T) {
	server := NewServer(&fakeInspector{}, ServerConfig{Token: "secret"})
	rec := doAdminRequest(t, server, http.MethodGet, "/v1/admin/unknown", "secret")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
