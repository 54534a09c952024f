package server

import (
	"errors"
	"net/http"

	"github.com/onnwee/live-avatar/chat"
)

// HandleAdminListener reports (GET) or changes (POST ?action=start|stop) the
// chat listener state.
func (h *Handlers) HandleAdminListener(w http.ResponseWriter, r *http.Request) {
	if h.Listener == nil {
		http.Error(w, "chat listener not configured", http.StatusServiceUnavailable)
		return
	}
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": h.listenerStatus()})
		return
	}

	var err error
	action := r.URL.Query().Get("action")
	switch action {
	case "start":
		// the session must outlive this request
		err = h.Listener.Start(h.ctx)
	case "stop":
		err = h.Listener.Stop()
	default:
		http.Error(w, "action must be start or stop", http.StatusBadRequest)
		return
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, chat.ErrAlreadyRunning) || errors.Is(err, chat.ErrNotRunning) {
			status = http.StatusConflict
		}
		writeJSON(w, status, listenerPayload{Status: "error", Action: action, Message: err.Error()})
		return
	}
	if h.Hub != nil {
		h.Hub.Broadcast("listener_update", listenerPayload{Status: "success", Action: action})
	}
	writeJSON(w, http.StatusOK, listenerPayload{Status: "success", Action: action})
}
