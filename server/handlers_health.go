package server

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// HandleHealthz is the liveness probe; the process answering is enough.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type heartbeater interface {
	Heartbeat(ctx context.Context) error
}

// HandleReadyz reports the first failing dependency: the selected AI
// provider, then the database when one is configured.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := []struct {
		name string
		fn   func() error
	}{
		{"ai_provider", func() error {
			if h.Router == nil {
				return errors.New("no AI provider configured")
			}
			p, _, err := h.Router.Current()
			if err != nil {
				return err
			}
			if hb, ok := p.(heartbeater); ok {
				return hb.Heartbeat(ctx)
			}
			return nil
		}},
		{"database", func() error {
			if h.DB == nil {
				return nil
			}
			return h.DB.PingContext(ctx)
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus summarizes runtime state for dashboards.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"listener":       h.listenerStatus(),
		"socket_clients": 0,
		"ai_provider":    h.Config.Provider(),
		"database":       h.DB != nil,
	}
	if h.Hub != nil {
		out["socket_clients"] = h.Hub.Len()
	}
	if h.Router != nil {
		if _, model, err := h.Router.Current(); err == nil {
			out["model"] = model
		}
		slots := h.Router.Slots()
		out["ai_slots"] = map[string]int{"active": slots.Active(), "max": slots.Max()}
	}
	if h.RAG != nil {
		out["rag"] = map[string]any{"ready": h.RAG.Ready(), "passages": h.RAG.Len()}
	}
	writeJSON(w, http.StatusOK, out)
}
