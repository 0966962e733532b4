package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// RecordedRequest is one request seen by FakeAppium.
type RecordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// FakeAppium is an httptest server speaking enough W3C WebDriver for the
// device manager: new session, delete session, status and echoed commands.
type FakeAppium struct {
	*httptest.Server

	mu           sync.Mutex
	sessions     map[string]map[string]any
	requests     []RecordedRequest
	startStatus  int
	legacyID     bool
	commandDelay time.Duration
	inflight     map[string]int
	maxInflight  int
}

// NewFakeAppium starts a fake Appium server, closed when the test ends.
func NewFakeAppium(t *testing.T) *FakeAppium {
	t.Helper()
	f := &FakeAppium{
		sessions: make(map[string]map[string]any),
		inflight: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /session", f.newSession)
	mux.HandleFunc("DELETE /session/{sid}", f.deleteSession)
	mux.HandleFunc("GET /status", f.status)
	mux.HandleFunc("/session/{sid}/{path...}", f.command)

	f.Server = httptest.NewServer(f.record(mux))
	t.Cleanup(f.Close)
	return f
}

// FailStart makes new-session requests answer with status.
func (f *FakeAppium) FailStart(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startStatus = status
}

// UseLegacySessionID answers new-session with a top-level sessionId.
func (f *FakeAppium) UseLegacySessionID() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.legacyID = true
}

// SetCommandDelay delays every session command.
func (f *FakeAppium) SetCommandDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commandDelay = d
}

// Sessions returns the ids of open sessions.
func (f *FakeAppium) Sessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sessions))
	for sid := range f.sessions {
		out = append(out, sid)
	}
	return out
}

// Capabilities returns the firstMatch capabilities a session was opened with.
func (f *FakeAppium) Capabilities(sessionID string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[sessionID]
}

// Requests returns every request received so far.
func (f *FakeAppium) Requests() []RecordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RecordedRequest(nil), f.requests...)
}

// MaxConcurrent is the highest number of commands seen in flight on one session.
func (f *FakeAppium) MaxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInflight
}

func (f *FakeAppium) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))

		f.mu.Lock()
		f.requests = append(f.requests, RecordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Header: r.Header.Clone(),
			Body:   body,
		})
		f.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

func (f *FakeAppium) newSession(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	status, legacy := f.startStatus, f.legacyID
	f.mu.Unlock()

	if status != 0 {
		writeError(w, status, "session not created", "device refused the session")
		return
	}

	var payload struct {
		Capabilities struct {
			FirstMatch []map[string]any `json:"firstMatch"`
		} `json:"capabilities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || len(payload.Capabilities.FirstMatch) == 0 {
		writeError(w, http.StatusBadRequest, "invalid argument", "capabilities.firstMatch is required")
		return
	}

	sid := uuid.NewString()
	f.mu.Lock()
	f.sessions[sid] = payload.Capabilities.FirstMatch[0]
	f.mu.Unlock()

	if legacy {
		writeJSON(w, http.StatusOK, map[string]any{"sessionId": sid, "status": 0, "value": payload.Capabilities.FirstMatch[0]})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"value": map[string]any{"sessionId": sid, "capabilities": payload.Capabilities.FirstMatch[0]},
	})
}

func (f *FakeAppium) deleteSession(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	f.mu.Lock()
	_, ok := f.sessions[sid]
	delete(f.sessions, sid)
	f.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "invalid session id", fmt.Sprintf("session %s is not known", sid))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"value": nil})
}

func (f *FakeAppium) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"value": map[string]any{
			"ready":   true,
			"message": "The server is ready to accept new connections",
			"build":   map[string]any{"version": "2.11.0"},
		},
	})
}

func (f *FakeAppium) command(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")

	f.mu.Lock()
	_, ok := f.sessions[sid]
	delay := f.commandDelay
	if ok {
		f.inflight[sid]++
		if f.inflight[sid] > f.maxInflight {
			f.maxInflight = f.inflight[sid]
		}
	}
	f.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "invalid session id", fmt.Sprintf("session %s is not known", sid))
		return
	}
	defer func() {
		f.mu.Lock()
		f.inflight[sid]--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	var body any
	_ = json.NewDecoder(r.Body).Decode(&body)
	writeJSON(w, http.StatusOK, map[string]any{
		"value": map[string]any{
			"method": r.Method,
			"path":   r.PathValue("path"),
			"body":   body,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"value": map[string]any{"error": code, "message": message, "stacktrace": ""},
	})
}
