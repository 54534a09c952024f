package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/onnwee/live-avatar/chat"
	"github.com/onnwee/live-avatar/config"
	"github.com/onnwee/live-avatar/documents"
	"github.com/onnwee/live-avatar/pipeline"
	"github.com/onnwee/live-avatar/socket"
	"github.com/onnwee/live-avatar/telemetry"
)

// Replies to a single request go back to the asking client; everything the
// avatar page must render is broadcast.
func (h *Handlers) registerEvents(hub *socket.Hub) {
	hub.On("speak", h.onSpeak)
	hub.On("ask_ai", h.onAskAI)
	hub.On("trigger_ai_request", h.onTriggerAIRequest)
	hub.On("save_config", h.onSaveConfig)
	hub.On("get_init_cfg", h.onGetInitConfig)
	hub.On("start_listener", h.onStartListener)
	hub.On("stop_listener", h.onStopListener)
	hub.On("get_listener_status", h.onListenerStatus)
	hub.On("trigger_event", h.onTriggerEvent)
	hub.On("display_question", h.onDisplayQuestion)
	hub.On("get_conversation_history", h.onGetHistory)
	hub.On("clear_conversation_history", h.onClearHistory)
	hub.On("list_documents", h.onListDocuments)
	hub.On("upload_document", h.onUploadDocument)
	hub.On("delete_document", h.onDeleteDocument)
}

type statusPayload struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// decode tolerates an empty payload.
func decode(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (h *Handlers) onSpeak(_ context.Context, _ *socket.Client, data json.RawMessage) {
	var in struct {
		Text string `json:"text"`
	}
	if err := decode(data, &in); err != nil {
		return
	}
	if text := strings.TrimSpace(in.Text); text != "" {
		h.avatar.Speak(text)
	}
}

func (h *Handlers) onAskAI(ctx context.Context, _ *socket.Client, data json.RawMessage) {
	var req pipeline.Request
	if err := decode(data, &req); err != nil {
		h.Hub.Broadcast("ai_error", messagePayload{Message: "Invalid request"})
		return
	}
	_, _ = h.avatar.Answer(ctx, req)
}

func (h *Handlers) onTriggerAIRequest(ctx context.Context, _ *socket.Client, data json.RawMessage) {
	var in struct {
		Message  string `json:"message"`
		Username string `json:"username"`
	}
	if err := decode(data, &in); err != nil {
		h.Hub.Broadcast("ai_response_error", messagePayload{Message: err.Error()})
		return
	}
	_ = h.avatar.AskFromChat(ctx, strings.TrimSpace(in.Username), strings.TrimSpace(in.Message))
}

// stringValues flattens a JSON object of settings; booleans and numbers
// arrive unquoted from checkboxes and number inputs.
func stringValues(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = t
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}

func (h *Handlers) onSaveConfig(ctx context.Context, c *socket.Client, data json.RawMessage) {
	var in map[string]any
	if err := decode(data, &in); err != nil {
		c.Emit("save_config_response", statusPayload{Status: "error", Message: err.Error()})
		return
	}
	values := stringValues(in)
	applied, err := h.Config.Update(values)
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "server"))
	if err != nil {
		logger.Error("error saving configuration", slog.Any("err", err))
		c.Emit("save_config_response", statusPayload{Status: "error", Message: err.Error()})
		return
	}
	logger.Info("configuration saved", slog.Int("keys", len(applied)))

	subset := config.ListenerSubset(values)
	if h.Listener != nil && len(subset) > 0 {
		if err := h.Listener.Update(subset); err != nil {
			logger.Warn("listener settings partially applied", slog.Any("err", err))
		}
	}
	h.Hub.Broadcast("update_twitch_config", subset)
	c.Emit("save_config_response", map[string]any{"status": "success", "config": h.Config.Snapshot()})
}

// subdirs lists directory names in dir; files lists regular files, optionally
// filtered by extension. Missing directories give empty lists.
func subdirs(dir string) []string { return listDir(dir, true, "") }
func files(dir, ext string) []string { return listDir(dir, false, ext) }

func listDir(dir string, wantDirs bool, ext string) []string {
	out := []string{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Debug("directory not readable", slog.String("component", "server"), slog.String("dir", dir), slog.Any("err", err))
		return out
	}
	for _, e := range entries {
		if e.IsDir() != wantDirs {
			continue
		}
		if ext != "" && !strings.EqualFold(filepath.Ext(e.Name()), ext) {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out
}

func (h *Handlers) onGetInitConfig(ctx context.Context, c *socket.Client, _ json.RawMessage) {
	root := h.Config.AppRoot
	models := []string{}
	if h.Router != nil && h.Config.Provider() != "gemini" {
		if m := h.Router.Models(ctx); m != nil {
			models = m
		}
	}
	c.Emit("init_cfg", map[string]any{
		"status": "success",
		"data": map[string]any{
			"config":          h.Config.Snapshot(),
			"avatarList":      subdirs(filepath.Join(root, "models")),
			"backgroundList":  files(filepath.Join(root, "static", "images", "background"), ""),
			"ollamaModelList": models,
			"soundsList":      files(filepath.Join(root, "static", "mp3"), ".mp3"),
		},
	})
}

type listenerPayload struct {
	Status  string `json:"status"`
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
}

func (h *Handlers) onStartListener(ctx context.Context, _ *socket.Client, _ json.RawMessage) {
	if h.Listener == nil {
		h.Hub.Broadcast("listener_update", listenerPayload{Status: "error", Action: "start", Message: "Failed to start listener: chat listener is not configured"})
		return
	}
	if err := h.Listener.Start(ctx); err != nil {
		msg := err.Error()
		if !errors.Is(err, chat.ErrAlreadyRunning) {
			msg = "Failed to start listener: " + msg
		}
		telemetry.LoggerWithCorr(ctx).Error("error starting listener", slog.String("component", "server"), slog.Any("err", err))
		h.Hub.Broadcast("listener_update", listenerPayload{Status: "error", Action: "start", Message: msg})
		return
	}
	h.Hub.Broadcast("listener_update", listenerPayload{Status: "success", Action: "start"})
}

func (h *Handlers) onStopListener(_ context.Context, _ *socket.Client, _ json.RawMessage) {
	if h.Listener == nil || h.Listener.Stop() != nil {
		h.Hub.Broadcast("listener_update", listenerPayload{Status: "error", Action: "stop", Message: chat.ErrNotRunning.Error()})
		return
	}
	h.Hub.Broadcast("listener_update", listenerPayload{Status: "success", Action: "stop"})
}

func (h *Handlers) listenerStatus() string {
	if h.Listener != nil && h.Listener.Running() {
		return "running"
	}
	return "stopped"
}

func (h *Handlers) onListenerStatus(_ context.Context, c *socket.Client, _ json.RawMessage) {
	c.Emit("listener_status", map[string]string{"status": h.listenerStatus()})
}

func (h *Handlers) onTriggerEvent(_ context.Context, c *socket.Client, data json.RawMessage) {
	var in struct {
		EventType string `json:"event_type"`
		Username  string `json:"username"`
	}
	_ = decode(data, &in)
	kind, user := strings.TrimSpace(in.EventType), strings.TrimSpace(in.Username)
	if kind == "" || user == "" {
		c.Emit("event_response", statusPayload{Status: "error", Message: "Invalid event data"})
		return
	}
	h.avatar.TriggerEvent(kind, user)
	c.Emit("event_response", statusPayload{Status: "success", Message: fmt.Sprintf("%s event triggered for %s", kind, user)})
}

func (h *Handlers) onDisplayQuestion(_ context.Context, _ *socket.Client, data json.RawMessage) {
	h.Hub.Broadcast("display_question", data)
}

type historyEntry struct {
	Timestamp string `json:"timestamp"`
	User      string `json:"user"`
	Message   string `json:"message"`
	Role      string `json:"role"`
}

func historyUsername(data json.RawMessage) string {
	var in struct {
		Username string `json:"username"`
	}
	_ = decode(data, &in)
	name := strings.ToLower(strings.TrimSpace(in.Username))
	if name == "" {
		name = pipeline.DefaultUsername
	}
	return name
}

func (h *Handlers) onGetHistory(ctx context.Context, c *socket.Client, data json.RawMessage) {
	username := historyUsername(data)
	history := []historyEntry{}
	if h.History != nil {
		turns, err := h.History.All(ctx, username)
		if err != nil {
			telemetry.LoggerWithCorr(ctx).Error("error reading conversation history", slog.String("component", "server"), slog.Any("err", err))
		}
		for _, t := range turns {
			history = append(history, historyEntry{Timestamp: t.Timestamp(), User: t.Username, Message: t.Text, Role: string(t.Role)})
		}
	}
	c.Emit("conversation_history", map[string]any{"status": "success", "history": history, "username": username})
}

func (h *Handlers) onClearHistory(ctx context.Context, c *socket.Client, data json.RawMessage) {
	username := historyUsername(data)
	if h.History != nil {
		if err := h.History.Clear(ctx, username); err != nil {
			telemetry.LoggerWithCorr(ctx).Error("error clearing conversation history", slog.String("component", "server"), slog.Any("err", err))
			c.Emit("conversation_history_cleared", statusPayload{Status: "error", Message: err.Error()})
			return
		}
	}
	c.Emit("conversation_history_cleared", map[string]string{"status": "success", "username": username})
}

// documentMessage renders documents errors the way the file manager UI expects.
func documentMessage(err error) string {
	switch {
	case errors.Is(err, documents.ErrNoFilename):
		return "No filename provided"
	case errors.Is(err, documents.ErrNoFile):
		return "No file provided"
	case errors.Is(err, documents.ErrInvalidType):
		return "Invalid file type"
	case errors.Is(err, documents.ErrNotFound):
		return "File not found"
	case errors.Is(err, documents.ErrTooLarge):
		return "File too large"
	case errors.Is(err, documents.ErrBadEncoding):
		return "File content must be base64 encoded"
	default:
		return err.Error()
	}
}

func (h *Handlers) onListDocuments(ctx context.Context, c *socket.Client, _ json.RawMessage) {
	docs := []documents.Document{}
	if list, err := h.Documents.List(); err != nil {
		telemetry.LoggerWithCorr(ctx).Error("error listing documents", slog.String("component", "server"), slog.Any("err", err))
	} else if list != nil {
		docs = list
	}
	c.Emit("documents_list", map[string]any{"documents": docs})
}

func (h *Handlers) onUploadDocument(ctx context.Context, c *socket.Client, data json.RawMessage) {
	var in struct {
		File *struct {
			Name    string `json:"name"`
			Content string `json:"content"`
		} `json:"file"`
	}
	if err := decode(data, &in); err != nil || in.File == nil {
		c.Emit("document_uploaded", statusPayload{Status: "error", Message: documentMessage(documents.ErrNoFile)})
		return
	}
	doc, err := h.Documents.Upload(in.File.Name, in.File.Content)
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("document upload rejected", slog.String("component", "server"), slog.String("name", in.File.Name), slog.Any("err", err))
		c.Emit("document_uploaded", statusPayload{Status: "error", Message: documentMessage(err)})
		return
	}
	c.Emit("document_uploaded", map[string]any{"status": "success", "message": "Uploaded " + doc.Name, "file": doc})
}

func (h *Handlers) onDeleteDocument(ctx context.Context, c *socket.Client, data json.RawMessage) {
	var in struct {
		Filename string `json:"filename"`
	}
	_ = decode(data, &in)
	if err := h.Documents.Delete(in.Filename); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("document delete failed", slog.String("component", "server"), slog.String("name", in.Filename), slog.Any("err", err))
		c.Emit("document_deleted", statusPayload{Status: "error", Message: documentMessage(err)})
		return
	}
	c.Emit("document_deleted", statusPayload{Status: "success", Message: "Deleted " + in.Filename})
}
