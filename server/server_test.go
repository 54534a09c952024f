package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/onnwee/live-avatar/ai"
	"github.com/onnwee/live-avatar/chat"
	"github.com/onnwee/live-avatar/config"
	"github.com/onnwee/live-avatar/conversation"
	"github.com/onnwee/live-avatar/db"
	"github.com/onnwee/live-avatar/documents"
	"github.com/onnwee/live-avatar/moderation"
	"github.com/onnwee/live-avatar/pipeline"
	"github.com/onnwee/live-avatar/rag"
	"github.com/onnwee/live-avatar/socket"
	"github.com/onnwee/live-avatar/testutil"
	"github.com/onnwee/live-avatar/twitchapi"
)

const mockReply = "Hello **there** 😀"

// fakeListener records lifecycle calls.
type fakeListener struct {
	mu       sync.Mutex
	running  bool
	startErr error
	updates  []map[string]string
}

func (f *fakeListener) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if f.running {
		return chat.ErrAlreadyRunning
	}
	f.running = true
	return nil
}

func (f *fakeListener) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return chat.ErrNotRunning
	}
	f.running = false
	return nil
}

func (f *fakeListener) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeListener) Update(values map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, values)
	return nil
}

type fakeTokens struct {
	mu    sync.Mutex
	saved map[string]db.Token
}

func (f *fakeTokens) Upsert(_ context.Context, provider string, t db.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saved == nil {
		f.saved = map[string]db.Token{}
	}
	f.saved[provider] = t
	return nil
}

type harness struct {
	root     string
	cfg      *config.Config
	hub      *socket.Hub
	pipeline *pipeline.Pipeline
	history  *conversation.FileStore
	listener *fakeListener
	ollama   *testutil.MockOllamaServer
	h        *Handlers
	srv      *httptest.Server
}

func newHarness(t *testing.T, mutate ...func(*Deps)) *harness {
	t.Helper()
	root := t.TempDir()
	cfg := config.New(filepath.Join(root, ".env"))
	cfg.AppRoot = root

	ollama := testutil.NewMockOllamaServer(t, mockReply, "llama3.2:latest")
	provider, err := ai.NewOllamaProvider(ollama.URL, ollama.Client())
	if err != nil {
		t.Fatalf("ollama provider: %v", err)
	}
	router := ai.NewRouter(cfg, ai.NewSlots(1))
	router.Register(provider, "OLLAMA_MODEL")

	index := rag.NewHandler()
	history := conversation.NewFileStore(filepath.Join(root, "static", "discution"))
	pipe := pipeline.New(pipeline.Options{
		Chatter:       router,
		History:       history,
		RAG:           index,
		Settings:      cfg,
		ScreenshotDir: filepath.Join(root, "screenshots"),
	})
	hub := socket.NewHub(socket.Options{AnyOrigin: true})
	listener := &fakeListener{}

	deps := Deps{
		Config:    cfg,
		Hub:       hub,
		Pipeline:  pipe,
		Router:    router,
		Documents: documents.NewManager(filepath.Join(root, "static", "doc"), index),
		History:   history,
		Listener:  listener,
		RAG:       index,
	}
	for _, fn := range mutate {
		fn(&deps)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := NewHandlers(ctx, deps)
	srv := httptest.NewServer(NewMux(ctx, h))
	t.Cleanup(srv.Close)

	return &harness{
		root: root, cfg: cfg, hub: hub, pipeline: pipe, history: history,
		listener: listener, ollama: ollama, h: h, srv: srv,
	}
}

// dial connects a WebSocket client and waits until the hub has registered it.
func (hs *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	want := hs.hub.Len() + 1
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(hs.srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	deadline := time.Now().Add(5 * time.Second)
	for hs.hub.Len() < want {
		if time.Now().After(deadline) {
			t.Fatalf("hub clients = %d, want %d", hs.hub.Len(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, socket.Frame{Event: event, Data: raw}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

// expect reads frames until event arrives and decodes its data into v.
func expect(t *testing.T, conn *websocket.Conn, event string, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		var f socket.Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if f.Event != event {
			continue
		}
		if v != nil {
			if err := json.Unmarshal(f.Data, v); err != nil {
				t.Fatalf("decode %s: %v", event, err)
			}
		}
		return
	}
}

func chatSettings(t *testing.T, values map[string]string) *moderation.Filter {
	t.Helper()
	s := moderation.DefaultSettings()
	if err := s.Apply(values); err != nil {
		t.Fatalf("apply: %v", err)
	}
	return moderation.NewFilter(s)
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestAskAIOverHTTPBroadcasts(t *testing.T) {
	hs := newHarness(t)
	conn := hs.dial(t)

	resp, body := postJSON(t, hs.srv.URL+"/api/ask_ai", map[string]string{"text": "hi", "username": "Alice"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["status"] != "success" || body["text"] != "Hello there" {
		t.Errorf("body = %v", body)
	}
	if body["fixedLanguage"] == "" {
		t.Error("fixedLanguage missing")
	}

	var got speakPayload
	expect(t, conn, "ai_response", &got)
	if got.Text != "Hello there" {
		t.Errorf("broadcast text = %q", got.Text)
	}
	if resp.Header.Get("X-Correlation-ID") == "" {
		t.Error("missing correlation id header")
	}
}

func TestAskAIRejectsEmptyText(t *testing.T) {
	hs := newHarness(t)
	conn := hs.dial(t)

	resp, body := postJSON(t, hs.srv.URL+"/api/ask_ai", map[string]string{"text": "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "error" {
		t.Errorf("body = %v", body)
	}
	var got messagePayload
	expect(t, conn, "ai_error", &got)
	if got.Message == "" {
		t.Error("ai_error without message")
	}
	if hs.ollama.RequestCount() != 0 {
		t.Error("model called for empty text")
	}
}

func TestChatCommandReachesAvatar(t *testing.T) {
	hs := newHarness(t)
	conn := hs.dial(t)

	settings := chatSettings(t, map[string]string{"CHANNEL_NAME": "mychannel"})
	l := chat.New(chat.Options{Filter: settings, Sink: NewAvatar(hs.cfg, hs.hub, hs.pipeline)})
	l.HandleMessage(context.Background(), "alice", "!ai hi")

	var q map[string]string
	expect(t, conn, "display_question", &q)
	if q["username"] != "alice" || q["question"] != "hi" {
		t.Errorf("display_question = %v", q)
	}
	var got speakPayload
	expect(t, conn, "speak_text", &got)
	if got.Text != "Hello there" {
		t.Errorf("speak_text = %q", got.Text)
	}
	if got.FixedLanguage == "" {
		t.Error("fixedLanguage missing")
	}

	turns, err := hs.history.All(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 {
		t.Fatalf("history turns = %d, want 2", len(turns))
	}
}

func TestAskFromChatFailureBroadcastsError(t *testing.T) {
	hs := newHarness(t)
	conn := hs.dial(t)

	a := NewAvatar(hs.cfg, hs.hub, hs.pipeline)
	if err := a.AskFromChat(context.Background(), "alice", ""); !errors.Is(err, pipeline.ErrNoText) {
		t.Fatalf("err = %v", err)
	}
	var got messagePayload
	expect(t, conn, "ai_response_error", &got)
	if got.Message == "" {
		t.Error("empty error message")
	}
}

func TestHealthAndReadiness(t *testing.T) {
	hs := newHarness(t)

	resp, err := http.Get(hs.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}

	resp, err = http.Get(hs.srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	var ready map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&ready)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || ready["status"] != "ready" {
		t.Errorf("readyz = %d %v", resp.StatusCode, ready)
	}

	hs.cfg.Set("AI_PROVIDER", "gemini")
	resp, err = http.Get(hs.srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	_ = json.NewDecoder(resp.Body).Decode(&ready)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable || ready["failed_check"] != "ai_provider" {
		t.Errorf("readyz without provider = %d %v", resp.StatusCode, ready)
	}
}

func TestStatus(t *testing.T) {
	hs := newHarness(t)
	hs.dial(t)

	resp, err := http.Get(hs.srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["listener"] != "stopped" || out["ai_provider"] != "ollama" || out["model"] != "llama3.2" {
		t.Errorf("status = %v", out)
	}
	if out["socket_clients"] != float64(1) {
		t.Errorf("socket_clients = %v", out["socket_clients"])
	}
	if out["database"] != false {
		t.Errorf("database = %v", out["database"])
	}
}

func TestModelFiles(t *testing.T) {
	hs := newHarness(t)
	writeFile(t, filepath.Join(hs.root, "models", "haru", "haru.model3.json"), "{}")
	writeFile(t, filepath.Join(hs.root, "models", "haru", "readme.txt"), "x")

	tests := []struct {
		model string
		want  []string
	}{
		{"haru", []string{"haru.model3.json"}},
		{"missing", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			resp, err := http.Get(hs.srv.URL + "/api/models/" + tt.model)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			var out map[string][]string
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				t.Fatal(err)
			}
			if strings.Join(out["files"], ",") != strings.Join(tt.want, ",") {
				t.Errorf("files = %v, want %v", out["files"], tt.want)
			}
		})
	}
}

func TestDownloadDocument(t *testing.T) {
	hs := newHarness(t)
	writeFile(t, filepath.Join(hs.root, "static", "doc", "notes.txt"), "hello")
	writeFile(t, filepath.Join(hs.root, "output", "answer.md"), "# answer")

	tests := []struct {
		path string
		code int
	}{
		{"/download/document/rag/notes.txt", http.StatusOK},
		{"/download/document/llm/answer.md", http.StatusOK},
		{"/download/document/llm/notes.txt", http.StatusNotFound},
		{"/download/document/other/notes.txt", http.StatusNotFound},
		{"/download/document/rag/..%2F.env", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(hs.srv.URL + tt.path)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.code {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.code)
			}
			if tt.code == http.StatusOK && !strings.HasPrefix(resp.Header.Get("Content-Disposition"), "attachment") {
				t.Errorf("Content-Disposition = %q", resp.Header.Get("Content-Disposition"))
			}
		})
	}
}

func TestStaticAndAvatarPage(t *testing.T) {
	hs := newHarness(t)

	resp, err := http.Get(hs.srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing avatar page = %d", resp.StatusCode)
	}

	writeFile(t, filepath.Join(hs.root, "templates", "avatar.html"), "<html>avatar</html>")
	writeFile(t, filepath.Join(hs.root, "static", "css", "app.css"), "body{}")
	for path, want := range map[string]int{
		"/":                   http.StatusOK,
		"/static/css/app.css": http.StatusOK,
		"/static/css/":        http.StatusNotFound,
	} {
		resp, err := http.Get(hs.srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("%s = %d, want %d", path, resp.StatusCode, want)
		}
	}
}

func TestStoreToken(t *testing.T) {
	hs := newHarness(t)
	conn := hs.dial(t)

	resp, body := postJSON(t, hs.srv.URL+"/auth/twitch/store_token", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest || body["message"] != "No access token provided" {
		t.Fatalf("empty token = %d %v", resp.StatusCode, body)
	}

	resp, body = postJSON(t, hs.srv.URL+"/auth/twitch/store_token", map[string]string{"access_token": "abc123"})
	if resp.StatusCode != http.StatusOK || body["twitchToken"] != "abc123" {
		t.Fatalf("store = %d %v", resp.StatusCode, body)
	}
	if hs.cfg.Get("TWITCH_TOKEN") != "abc123" {
		t.Errorf("TWITCH_TOKEN = %q", hs.cfg.Get("TWITCH_TOKEN"))
	}
	var got map[string]string
	expect(t, conn, "update_twitch_token", &got)
	if got["twitchToken"] != "abc123" {
		t.Errorf("broadcast = %v", got)
	}
	saved, err := os.ReadFile(filepath.Join(hs.root, ".env"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(saved), "abc123") {
		t.Errorf(".env does not hold the token: %s", saved)
	}
}

func TestTwitchOAuthCodeFlow(t *testing.T) {
	twitch := testutil.NewMockTwitchServer(t)
	twitch.MockOAuthTokenResponse("access-1", "refresh-1", 3600, "chat:read", "chat:edit")
	tokens := &fakeTokens{}
	hs := newHarness(t, func(d *Deps) {
		d.Twitch = &twitchapi.Client{
			ClientID:     "cid",
			ClientSecret: "secret",
			RedirectURI:  "http://localhost/auth/twitch/callback",
			Scopes:       []string{"chat:read", "chat:edit"},
			BaseURL:      twitch.URL,
		}
		d.Tokens = tokens
	})
	noRedirect := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}

	resp, err := noRedirect.Get(hs.srv.URL + "/auth/twitch/start")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("start = %d", resp.StatusCode)
	}
	loc, err := resp.Location()
	if err != nil {
		t.Fatal(err)
	}
	state := loc.Query().Get("state")
	if state == "" || loc.Query().Get("response_type") != "code" {
		t.Fatalf("authorize url = %s", loc)
	}

	resp, err = http.Get(hs.srv.URL + "/auth/twitch/callback?code=c0de&state=bogus")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad state = %d", resp.StatusCode)
	}

	resp, err = http.Get(hs.srv.URL + "/auth/twitch/callback?code=c0de&state=" + state)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback = %d", resp.StatusCode)
	}
	if hs.cfg.Get("TWITCH_TOKEN") != "access-1" {
		t.Errorf("TWITCH_TOKEN = %q", hs.cfg.Get("TWITCH_TOKEN"))
	}
	saved := tokens.saved["twitch"]
	if saved.RefreshToken != "refresh-1" || saved.Scope != "chat:read chat:edit" {
		t.Errorf("saved token = %+v", saved)
	}

	// a state is single use
	resp, err = http.Get(hs.srv.URL + "/auth/twitch/callback?code=c0de&state=" + state)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("replayed state = %d", resp.StatusCode)
	}
}

func TestTwitchOAuthImplicitFlow(t *testing.T) {
	hs := newHarness(t, func(d *Deps) {
		d.Twitch = &twitchapi.Client{ClientID: "cid", RedirectURI: "http://localhost/auth/twitch/callback"}
	})
	noRedirect := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}

	resp, err := noRedirect.Get(hs.srv.URL + "/auth/twitch/start")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	loc, err := resp.Location()
	if err != nil {
		t.Fatal(err)
	}
	if loc.Query().Get("response_type") != "token" {
		t.Errorf("authorize url = %s", loc)
	}

	resp, err = http.Get(hs.srv.URL + "/auth/twitch/callback")
	if err != nil {
		t.Fatal(err)
	}
	var page bytes.Buffer
	_, _ = page.ReadFrom(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(page.String(), "store_token") {
		t.Errorf("callback page = %d", resp.StatusCode)
	}

	resp, err = http.Get(hs.srv.URL + "/auth/twitch/callback?error=access_denied")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("denied = %d", resp.StatusCode)
	}
}

func TestOAuthStartNotConfigured(t *testing.T) {
	hs := newHarness(t)
	resp, err := http.Get(hs.srv.URL + "/auth/twitch/start")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestAdminListener(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "s3cret")
	hs := newHarness(t)
	conn := hs.dial(t)

	do := func(method, path, token string) *http.Response {
		t.Helper()
		req, _ := http.NewRequest(method, hs.srv.URL+path, nil)
		if token != "" {
			req.Header.Set("X-Admin-Token", token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp
	}

	if resp := do(http.MethodGet, "/admin/listener", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token = %d", resp.StatusCode)
	}
	if resp := do(http.MethodPost, "/admin/listener?action=start", "wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token = %d", resp.StatusCode)
	}
	if resp := do(http.MethodPost, "/admin/listener?action=start", "s3cret"); resp.StatusCode != http.StatusOK {
		t.Fatalf("start = %d", resp.StatusCode)
	}
	if !hs.listener.Running() {
		t.Fatal("listener not started")
	}
	var update listenerPayload
	expect(t, conn, "listener_update", &update)
	if update.Status != "success" || update.Action != "start" {
		t.Errorf("listener_update = %+v", update)
	}
	if resp := do(http.MethodPost, "/admin/listener?action=start", "s3cret"); resp.StatusCode != http.StatusConflict {
		t.Errorf("second start = %d", resp.StatusCode)
	}
	if resp := do(http.MethodPost, "/admin/listener?action=reboot", "s3cret"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad action = %d", resp.StatusCode)
	}
	if resp := do(http.MethodPost, "/admin/listener?action=stop", "s3cret"); resp.StatusCode != http.StatusOK {
		t.Errorf("stop = %d", resp.StatusCode)
	}
}
