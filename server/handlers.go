package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/onnwee/live-avatar/ai"
	"github.com/onnwee/live-avatar/config"
	"github.com/onnwee/live-avatar/conversation"
	"github.com/onnwee/live-avatar/db"
	"github.com/onnwee/live-avatar/documents"
	"github.com/onnwee/live-avatar/pipeline"
	"github.com/onnwee/live-avatar/rag"
	"github.com/onnwee/live-avatar/socket"
	"github.com/onnwee/live-avatar/twitchapi"
)

// Maximum number of OAuth states to keep in memory
const maxOAuthStates = 10000

// Listener is the chat listener lifecycle seen by the server; *chat.Listener implements it.
type Listener interface {
	Start(ctx context.Context) error
	Stop() error
	Running() bool
	Update(values map[string]string) error
}

// TokenSaver persists OAuth tokens; *db.TokenStore implements it.
type TokenSaver interface {
	Upsert(ctx context.Context, provider string, t db.Token) error
}

// Deps are the collaborators the handlers use. Router, Listener, Twitch,
// Tokens, RAG and DB may be nil.
type Deps struct {
	Config    *config.Config
	Hub       *socket.Hub
	Pipeline  *pipeline.Pipeline
	Router    *ai.Router
	Documents *documents.Manager
	History   conversation.Store
	Listener  Listener
	Twitch    *twitchapi.Client
	Tokens    TokenSaver
	RAG       *rag.Handler
	DB        *sql.DB
}

// Handlers holds dependencies for all HTTP and WebSocket handlers.
type Handlers struct {
	Deps
	ctx    context.Context
	logger *slog.Logger
	avatar *Avatar

	stateStore map[string]time.Time
	stateMu    sync.RWMutex
}

// NewHandlers builds the handlers and registers the WebSocket events on d.Hub.
func NewHandlers(ctx context.Context, d Deps) *Handlers {
	h := &Handlers{
		Deps:       d,
		ctx:        ctx,
		logger:     slog.Default().With(slog.String("component", "server")),
		stateStore: make(map[string]time.Time),
		avatar:     NewAvatar(d.Config, d.Hub, d.Pipeline),
	}
	if d.Hub != nil {
		h.registerEvents(d.Hub)
	}
	return h
}

// cleanExpiredStates must be called with stateMu held.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState refuses new states past maxOAuthStates, failing that login
// rather than growing without bound.
func (h *Handlers) addOAuthState(state string, expiry time.Time) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = expiry
	return true
}

// consumeOAuthState reports whether state was issued and unexpired, and forgets it.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	if ok {
		delete(h.stateStore, state)
	}
	return ok && time.Now().Before(exp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}
