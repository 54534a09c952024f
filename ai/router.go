package ai

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/live-avatar/telemetry"
)

// Settings is the slice of configuration the router reads on every call.
type Settings interface {
	Provider() string
	Get(key string) string
}

type route struct {
	provider Provider
	modelKey string
}

// Router picks the provider named by AI_PROVIDER and serializes calls through Slots.
type Router struct {
	settings Settings
	slots    *Slots

	mu     sync.RWMutex
	routes map[string]route
}

// NewRouter builds an empty router.
func NewRouter(settings Settings, slots *Slots) *Router {
	if slots == nil {
		slots = NewSlots(1)
	}
	return &Router{settings: settings, slots: slots, routes: make(map[string]route)}
}

// Register adds p; modelKey is the config key holding its model name.
func (r *Router) Register(p Provider, modelKey string) {
	r.mu.Lock()
	r.routes[p.Name()] = route{provider: p, modelKey: modelKey}
	r.mu.Unlock()
}

// Current returns the provider selected by configuration.
func (r *Router) Current() (Provider, string, error) {
	name := r.settings.Provider()
	r.mu.RLock()
	rt, ok := r.routes[name]
	r.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return rt.provider, r.settings.Get(rt.modelKey), nil
}

// Provider returns a registered provider by name.
func (r *Router) Provider(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[name]
	return rt.provider, ok
}

// Slots exposes the request limiter for status reporting.
func (r *Router) Slots() *Slots { return r.slots }

// Chat sends req to the configured provider. An empty req.Model is filled
// from the provider's model setting.
func (r *Router) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	p, model, err := r.Current()
	if err != nil {
		return ChatResponse{}, err
	}
	if req.Model == "" {
		req.Model = model
	}

	if err := r.slots.Acquire(ctx); err != nil {
		return ChatResponse{}, fmt.Errorf("wait for ai slot: %w", err)
	}
	defer r.slots.Release()

	ctx, span := telemetry.StartSpan(ctx, "ai", "provider.chat", telemetry.ProviderAttr(p.Name()), telemetry.ModelAttr(req.Model))
	defer span.End()

	start := time.Now()
	resp, err := p.Chat(ctx, req)
	elapsed := time.Since(start)
	telemetry.ObserveProvider(p.Name(), elapsed)

	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "ai"), slog.String("provider", p.Name()), slog.String("model", req.Model))
	if err != nil {
		telemetry.RecordError(span, err)
		telemetry.CountAIRequest(p.Name(), KindOf(err).String())
		logger.Error("provider call failed", slog.Duration("elapsed", elapsed), slog.Any("err", err))
		return ChatResponse{}, err
	}
	telemetry.SetSpanSuccess(span)
	telemetry.CountAIRequest(p.Name(), "ok")
	logger.Info("provider call complete", slog.Duration("elapsed", elapsed), slog.Int("chars", len(resp.Text)))
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return resp, nil
}

// Models lists models from the selected provider; failures yield an empty list.
func (r *Router) Models(ctx context.Context) []string {
	p, _, err := r.Current()
	if err != nil {
		return nil
	}
	models, err := p.Models(ctx)
	if err != nil {
		slog.Debug("model listing unavailable", slog.String("provider", p.Name()), slog.Any("err", err))
		return nil
	}
	return models
}
