package server

import (
	"context"
	"crypto/rand"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/live-avatar/config"
	"github.com/onnwee/live-avatar/db"
	"github.com/onnwee/live-avatar/telemetry"
	"github.com/onnwee/live-avatar/twitchapi"
)

//go:embed templates/twitch_callback.html
var twitchCallbackPage []byte

// TwitchClient returns the OAuth client with the client id currently configured.
func (h *Handlers) TwitchClient() *twitchapi.Client {
	var c twitchapi.Client
	if h.Twitch != nil {
		c = *h.Twitch
	} else {
		c = *twitchapi.New("", h.Config.TwitchClientSecret, h.Config.TwitchRedirectURI, h.Config.TwitchScopes)
	}
	if id := h.Config.Get("TWITCH_CLIENT_ID"); id != "" {
		c.ClientID = id
	}
	return &c
}

// HandleTwitchOAuthStart redirects to Twitch. With a client secret the code
// grant is used; without one the implicit grant returns the token to the
// callback page.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	client := h.TwitchClient()
	if client.ClientID == "" || client.RedirectURI == "" {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)
	if !h.addOAuthState(st, time.Now().Add(10*time.Minute)) {
		http.Error(w, "too many pending authorizations", http.StatusServiceUnavailable)
		return
	}
	authURL, err := client.ImplicitURL(st)
	if client.ClientSecret != "" {
		authURL, err = client.AuthorizeURL(st)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleTwitchOAuthCallback finishes the code grant, or serves the page that
// reads an implicit-grant token from the URL fragment.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		http.Error(w, "twitch authorization failed: "+e+" "+q.Get("error_description"), http.StatusBadRequest)
		return
	}
	code := q.Get("code")
	if code == "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(twitchCallbackPage)
		return
	}
	if !h.consumeOAuthState(q.Get("state")) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	tok, err := h.TwitchClient().Exchange(ctx, code)
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Error("twitch code exchange failed", slog.String("component", "oauth"), slog.Any("err", err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	scopes := twitchapi.TokenScopes(tok)
	if h.Tokens != nil {
		if err := h.Tokens.Upsert(ctx, "twitch", db.Token{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			Expiry:       tok.Expiry,
			Scope:        strings.Join(scopes, " "),
		}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	h.ApplyTwitchToken(ctx, tok.AccessToken)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "scopes": scopes, "expiry": tok.Expiry})
}

// HandleStoreToken receives the implicit-grant token posted by the callback page.
func (h *Handlers) HandleStoreToken(w http.ResponseWriter, r *http.Request) {
	var in struct {
		AccessToken string `json:"access_token"`
	}
	_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&in)
	token := strings.TrimSpace(in.AccessToken)
	if token == "" {
		writeJSON(w, http.StatusBadRequest, statusPayload{Status: "error", Message: "No access token provided"})
		return
	}
	h.ApplyTwitchToken(r.Context(), token)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "twitchToken": token})
}

// ApplyTwitchToken makes token the bot token, persists the setting and tells
// the UI.
func (h *Handlers) ApplyTwitchToken(ctx context.Context, token string) {
	h.Config.Set("TWITCH_TOKEN", token)
	if err := h.Config.Save(); err != nil && !errors.Is(err, config.ErrNoEnvPath) {
		telemetry.LoggerWithCorr(ctx).Warn("could not persist twitch token", slog.String("component", "oauth"), slog.Any("err", err))
	}
	if h.Hub != nil {
		h.Hub.Broadcast("update_twitch_token", map[string]string{"twitchToken": token})
	}
}
