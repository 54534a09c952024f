package rag

import (
	"log/slog"
	"strings"
	"sync"
)

// DefaultTopN is how many passages are prefixed to a question.
const DefaultTopN = 2

// Handler owns the current index and swaps it when documents change.
type Handler struct {
	mu  sync.RWMutex
	dir string
	idx *Index
}

// NewHandler returns an uninitialized handler.
func NewHandler() *Handler { return &Handler{} }

// Initialize (re)loads all documents from dir and rebuilds the index.
func (h *Handler) Initialize(dir string) error {
	docs, err := LoadDir(dir)
	if err != nil {
		h.mu.Lock()
		h.idx = nil
		h.mu.Unlock()
		return err
	}
	var idx *Index
	if len(docs) > 0 {
		idx = NewIndex(docs)
	}
	h.mu.Lock()
	h.dir, h.idx = dir, idx
	h.mu.Unlock()
	slog.Info("bm25 index updated", slog.String("component", "rag"), slog.Int("documents", len(docs)))
	return nil
}

// Reload rebuilds the index from the last initialized directory.
func (h *Handler) Reload() error {
	h.mu.RLock()
	dir := h.dir
	h.mu.RUnlock()
	if dir == "" {
		return nil
	}
	return h.Initialize(dir)
}

// Ready reports whether any passages are indexed.
func (h *Handler) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.idx != nil && h.idx.Len() > 0
}

// Len returns the number of indexed passages.
func (h *Handler) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.idx == nil {
		return 0
	}
	return h.idx.Len()
}

// Relevant returns up to n passages for query.
func (h *Handler) Relevant(query string, n int) []string {
	if strings.TrimSpace(query) == "" {
		return nil
	}
	h.mu.RLock()
	idx := h.idx
	h.mu.RUnlock()
	if idx == nil {
		return nil
	}
	docs := idx.TopN(query, n)
	slog.Debug("retrieved documents", slog.String("component", "rag"), slog.String("query", query), slog.Int("hits", len(docs)))
	return docs
}
