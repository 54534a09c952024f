// Command live-avatar is the backend of a Live2D Twitch avatar.
// It:
//   - Loads the .env configuration and initializes structured logging.
//   - Optionally connects to Postgres (DB_DSN) for conversation history and
//     OAuth tokens, running embedded migrations.
//   - Builds the BM25 document index, the Ollama/Gemini router and the
//     question pipeline.
//   - Serves the avatar page, the WebSocket event channel, /api, Twitch OAuth,
//     /healthz, /readyz, /status and /metrics, and runs the Twitch chat
//     listener in-process when asked to.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/onnwee/live-avatar/ai"
	"github.com/onnwee/live-avatar/chat"
	"github.com/onnwee/live-avatar/config"
	"github.com/onnwee/live-avatar/conversation"
	"github.com/onnwee/live-avatar/db"
	"github.com/onnwee/live-avatar/documents"
	"github.com/onnwee/live-avatar/moderation"
	"github.com/onnwee/live-avatar/oauth"
	"github.com/onnwee/live-avatar/pipeline"
	"github.com/onnwee/live-avatar/rag"
	"github.com/onnwee/live-avatar/server"
	"github.com/onnwee/live-avatar/socket"
	"github.com/onnwee/live-avatar/telemetry"
	"github.com/onnwee/live-avatar/twitchapi"
)

const version = "1.0.0"

func main() {
	// Load first so LOG_LEVEL/LOG_FORMAT may come from .env.
	cfg, err := config.Load()
	setupLogging()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("live-avatar", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("live-avatar exited with error", slog.Any("err", err))
		stop()
		shutdown()
		os.Exit(1)
	}
	slog.Info("shutting down")
}

// setupLogging configures the default logger from LOG_LEVEL and LOG_FORMAT.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

func run(ctx context.Context, cfg *config.Config) error {
	root := cfg.AppRoot

	// Postgres is optional; without it history lives in per-user files and
	// OAuth tokens only in the .env file.
	var (
		database *sql.DB
		history  conversation.Store = conversation.NewFileStore(filepath.Join(root, "static", "discution"))
		tokens   *db.TokenStore
	)
	if cfg.DBDsn != "" {
		var err error
		database, err = db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			return err
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.Migrate(database); err != nil {
			return err
		}
		enc, err := db.EncryptorFromEnv()
		if err != nil {
			return err
		}
		tokens = &db.TokenStore{DB: database, Enc: enc}
		history = db.NewHistoryStore(database)
	}

	index := rag.NewHandler()
	docDir := filepath.Join(root, "static", "doc")
	if err := index.Initialize(docDir); err != nil {
		slog.Warn("document index not built", slog.String("component", "rag"), slog.String("dir", docDir), slog.Any("err", err))
	}

	ollama, err := ai.NewOllamaProvider(cfg.OllamaHost, nil)
	if err != nil {
		return err
	}
	router := ai.NewRouter(cfg, ai.NewSlots(cfg.MaxConcurrentAI))
	router.Register(ollama, "OLLAMA_MODEL")
	router.Register(ai.NewGeminiProvider(func() string { return cfg.Get("GEMINI_API_KEY") }), "GEMINI_MODEL")

	pipe := pipeline.New(pipeline.Options{
		Chatter:       router,
		History:       history,
		RAG:           index,
		Settings:      cfg,
		ScreenshotDir: filepath.Join(root, "static", "screenshots"),
	})

	hub := socket.NewHub(server.SocketOptions(cfg.Get("SOCKETIO_CORS_ALLOWED")))
	twitch := twitchapi.New(cfg.Get("TWITCH_CLIENT_ID"), cfg.TwitchClientSecret, cfg.TwitchRedirectURI, cfg.TwitchScopes)

	settings := moderation.DefaultSettings()
	if err := settings.Apply(cfg.Snapshot()); err != nil {
		slog.Warn("listener settings partially applied", slog.String("component", "chat"), slog.Any("err", err))
	}
	listener := chat.New(chat.Options{
		Filter:      moderation.NewFilter(settings),
		Sink:        server.NewAvatar(cfg, hub, pipe),
		Token:       func() string { return cfg.Get("TWITCH_TOKEN") },
		BotUsername: cfg.TwitchBotUsername,
		Validator:   twitch,
	})
	defer func() {
		if listener.Running() {
			_ = listener.Stop()
		}
	}()

	deps := server.Deps{
		Config:    cfg,
		Hub:       hub,
		Pipeline:  pipe,
		Router:    router,
		Documents: documents.NewManager(docDir, index),
		History:   history,
		Listener:  listener,
		Twitch:    twitch,
		RAG:       index,
		DB:        database,
	}
	if tokens != nil {
		deps.Tokens = tokens
	}
	h := server.NewHandlers(ctx, deps)

	if tokens != nil && cfg.TwitchClientSecret != "" {
		r := &oauth.Refresher{
			Store:    tokens,
			Provider: "twitch",
			Interval: 5 * time.Minute,
			Window:   15 * time.Minute,
			Refresh: func(rctx context.Context, refreshToken string) (db.Token, error) {
				tok, err := h.TwitchClient().Refresh(rctx, refreshToken)
				if err != nil {
					return db.Token{}, err
				}
				return db.Token{
					AccessToken:  tok.AccessToken,
					RefreshToken: tok.RefreshToken,
					Expiry:       tok.Expiry,
					Scope:        strings.Join(twitchapi.TokenScopes(tok), " "),
				}, nil
			},
			OnRefresh: func(t db.Token) { h.ApplyTwitchToken(ctx, t.AccessToken) },
		}
		go r.Run(ctx)
	}

	if os.Getenv("ENABLE_PPROF") == "1" {
		startPprof()
	}

	if os.Getenv("CHAT_AUTO_START") == "1" {
		if err := listener.Start(ctx); err != nil {
			slog.Warn("chat listener not started", slog.String("component", "chat"), slog.Any("err", err))
		}
	}

	return server.Start(ctx, cfg.HTTPAddr, server.NewMux(ctx, h))
}

func startPprof() {
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
