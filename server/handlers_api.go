package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/onnwee/live-avatar/documents"
	"github.com/onnwee/live-avatar/pipeline"
)

// HandleAskAI answers over HTTP and also broadcasts the result to the avatar.
func (h *Handlers) HandleAskAI(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 32<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, statusPayload{Status: "error", Message: "Invalid JSON body"})
		return
	}
	if req.Source == "" {
		req.Source = pipeline.SourceText
	}
	resp, err := h.avatar.Answer(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrNoText) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, statusPayload{Status: "error", Message: pipeline.UserMessage(err)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "success",
		"text":          resp.Text,
		"fixedLanguage": resp.Language,
		"chunks":        resp.Chunks,
	})
}

// HandleModelFiles lists the JSON files of one avatar model.
func (h *Handlers) HandleModelFiles(w http.ResponseWriter, r *http.Request) {
	name := documents.SecureFilename(chi.URLParam(r, "model"))
	out := []string{}
	if name != "" {
		out = files(filepath.Join(h.Config.AppRoot, "models", name), ".json")
	}
	writeJSON(w, http.StatusOK, map[string][]string{"files": out})
}

// HandleDownloadDocument serves a RAG source (category rag) or a generated
// file (category llm) as an attachment.
func (h *Handlers) HandleDownloadDocument(w http.ResponseWriter, r *http.Request) {
	var dir string
	switch chi.URLParam(r, "category") {
	case "rag":
		dir = filepath.Join(h.Config.AppRoot, "static", "doc")
	case "llm":
		dir = filepath.Join(h.Config.AppRoot, "output")
	default:
		http.NotFound(w, r)
		return
	}
	path, ok := documents.NewManager(dir, nil).Path(chi.URLParam(r, "filename"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(path)+`"`)
	http.ServeFile(w, r, path)
}

// HandleAvatarPage serves templates/avatar.html.
func (h *Handlers) HandleAvatarPage(w http.ResponseWriter, r *http.Request) {
	page := filepath.Join(h.Config.AppRoot, "templates", "avatar.html")
	if _, err := os.Stat(page); err != nil {
		http.Error(w, "avatar page not found under "+filepath.Join(h.Config.AppRoot, "templates"), http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, page)
}

// fileServer serves files under dir without directory listings.
func fileServer(prefix, dir string) http.Handler {
	fs := http.StripPrefix(prefix, http.FileServer(http.Dir(dir)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		fs.ServeHTTP(w, r)
	})
}
