package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockTwitchServer creates a test server that mocks the id.twitch.tv endpoints.
type MockTwitchServer struct {
	*httptest.Server

	mu       sync.Mutex
	Handlers map[string]http.HandlerFunc
	// Forms records the decoded form of every POST, keyed by path.
	Forms map[string][]map[string]string
}

// NewMockTwitchServer creates a new mock Twitch identity server.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
		Forms:    make(map[string][]map[string]string),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = r.ParseForm()
			form := map[string]string{}
			for k := range r.PostForm {
				form[k] = r.PostForm.Get(k)
			}
			m.mu.Lock()
			m.Forms[r.URL.Path] = append(m.Forms[r.URL.Path], form)
			m.mu.Unlock()
		}
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

// LastForm returns the most recent form posted to path.
func (m *MockTwitchServer) LastForm(path string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	forms := m.Forms[path]
	if len(forms) == 0 {
		return nil
	}
	return forms[len(forms)-1]
}

func (m *MockTwitchServer) handle(path string, fn http.HandlerFunc) {
	m.mu.Lock()
	m.Handlers[path] = fn
	m.mu.Unlock()
}

// MockOAuthTokenResponse adds a handler for the token endpoint (code and refresh grants).
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken, refreshToken string, expiresIn int, scopes ...string) {
	m.handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		response := map[string]any{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"token_type":    "bearer",
			"scope":         scopes,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	})
}

// MockValidateResponse answers /oauth2/validate for token with login; any other token gets 401.
func (m *MockTwitchServer) MockValidateResponse(token, login, clientID string, scopes ...string) {
	m.handle("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "OAuth ")
		if got != token {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"status":401,"message":"invalid access token"}`))
			return
		}
		response := map[string]any{
			"client_id":  clientID,
			"login":      login,
			"user_id":    "1234",
			"scopes":     scopes,
			"expires_in": 3600,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	})
}

// MockOllamaServer answers /api/chat with a fixed reply and /api/tags with models.
type MockOllamaServer struct {
	*httptest.Server

	mu       sync.Mutex
	Reply    string
	Models   []string
	Requests []map[string]any
}

// NewMockOllamaServer starts a fake Ollama daemon.
func NewMockOllamaServer(t *testing.T, reply string, models ...string) *MockOllamaServer {
	t.Helper()
	m := &MockOllamaServer{Reply: reply, Models: models}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		m.mu.Lock()
		m.Requests = append(m.Requests, body)
		reply := m.Reply
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test mock response
			"model":   body["model"],
			"message": map[string]string{"role": "assistant", "content": reply},
			"done":    true,
		})
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		list := make([]map[string]string, 0, len(m.Models))
		for _, name := range m.Models {
			list = append(list, map[string]string{"name": name, "model": name})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"models": list}) //nolint:errcheck // test mock response
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("Ollama is running"))
	})
	m.Server = httptest.NewServer(mux)
	t.Cleanup(m.Close)
	return m
}

// RequestCount reports how many chat requests were served.
func (m *MockOllamaServer) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}
