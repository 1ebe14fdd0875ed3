package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockTwitchServer creates a test server that mocks the Twitch identity and
// Helix endpoints.
type MockTwitchServer struct {
	*httptest.Server

	mu       sync.Mutex
	Handlers map[string]http.HandlerFunc
}

// NewMockTwitchServer creates a new mock Twitch server.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		handler, ok := m.Handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

func (m *MockTwitchServer) handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[path] = h
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockUserResponse adds a handler for /helix/users that echoes every
// requested login with id "id-<login>".
func (m *MockTwitchServer) MockUserResponse() {
	m.handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		data := []map[string]string{}
		for _, l := range r.URL.Query()["login"] {
			data = append(data, map[string]string{"id": "id-" + l, "login": l, "display_name": l})
		}
		writeJSON(w, map[string]any{"data": data})
	})
}

// MockOAuthTokenResponse adds a handler for the token endpoint that answers
// every grant with the given token pair.
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken, refreshToken string, expiresIn int) {
	m.handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"scope":         []string{"chat:read", "chat:edit"},
			"token_type":    "bearer",
		})
	})
}

// MockValidateResponse adds a handler for the validate endpoint that accepts
// only accessToken and reports it as belonging to login.
func (m *MockTwitchServer) MockValidateResponse(accessToken, login, userID string) {
	m.handle("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimPrefix(r.Header.Get("Authorization"), "OAuth ") != accessToken {
			w.WriteHeader(http.StatusUnauthorized)
			writeJSON(w, map[string]any{"status": 401, "message": "invalid access token"})
			return
		}
		writeJSON(w, map[string]any{
			"client_id":  "test-client-id",
			"login":      login,
			"user_id":    userID,
			"scopes":     []string{"chat:read", "chat:edit"},
			"expires_in": 14400,
		})
	})
}
