// Package server exposes the avatar backend over HTTP: the avatar page and
// its assets, the WebSocket event channel, the /api endpoints, Twitch OAuth,
// health and metrics. Requests carry a correlation id for logging and are
// traced when OTEL is enabled.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/live-avatar/socket"
)

// SocketOptions derives the WebSocket origin policy from the CORS settings.
func SocketOptions(socketAllowed string) socket.Options {
	cors := loadCORSConfig(socketAllowed)
	return socket.Options{OriginPatterns: cors.originPatterns(), AnyOrigin: cors.permissive}
}

// NewMux returns the HTTP handler with all routes. ctx bounds the rate
// limiter cleanup goroutine.
func NewMux(ctx context.Context, h *Handlers) http.Handler {
	authCfg := loadAuthConfig()
	limiter := newIPRateLimiter(ctx, loadRateLimiterConfig())
	root := h.Config.AppRoot

	r := chi.NewRouter()
	r.Use(withCORS(loadCORSConfig(h.Config.Get("SOCKETIO_CORS_ALLOWED"))))
	r.Use(withCorrelation)

	r.Get("/", h.HandleAvatarPage)
	r.Handle("/static/*", fileServer("/static/", filepath.Join(root, "static")))
	r.Handle("/models/*", fileServer("/models/", filepath.Join(root, "models")))
	r.Get("/download/document/{category}/{filename}", h.HandleDownloadDocument)

	r.Get("/api/models/{model}", h.HandleModelFiles)
	r.With(rateLimit(limiter)).Post("/api/ask_ai", h.HandleAskAI)

	r.Get("/auth/twitch/start", h.HandleTwitchOAuthStart)
	r.Get("/auth/twitch/callback", h.HandleTwitchOAuthCallback)
	r.With(rateLimit(limiter)).Post("/auth/twitch/store_token", h.HandleStoreToken)

	if h.Hub != nil {
		r.Handle("/ws", h.Hub)
	}

	r.Get("/healthz", h.HandleHealthz)
	r.Get("/readyz", h.HandleReadyz)
	r.Get("/status", h.HandleStatus)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/admin", func(ar chi.Router) {
		ar.Use(adminAuth(authCfg), rateLimit(limiter))
		ar.Get("/listener", h.HandleAdminListener)
		ar.Post("/listener", h.HandleAdminListener)
	})
	return r
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
// There is no write timeout: WebSocket connections and model calls are long-lived.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// WithoutCancel keeps context values but lets shutdown finish
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("component", "http"), slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
