// Package documents manages the RAG source files under static/doc.
package documents

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

// MaxUploadBytes bounds a single uploaded document.
const MaxUploadBytes = 20 << 20

var (
	ErrNoFilename   = errors.New("no filename provided")
	ErrNoFile       = errors.New("no file provided")
	ErrInvalidType  = errors.New("invalid file type")
	ErrNotFound     = errors.New("file not found")
	ErrTooLarge     = errors.New("file too large")
	ErrBadEncoding  = errors.New("file content must be base64 encoded")
	allowedExt      = map[string]bool{".pdf": true, ".txt": true}
	unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9_.\-]`)
)

// Document describes a stored file.
type Document struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size string `json:"size"`
}

// Indexer is notified after the document set changes.
type Indexer interface {
	Initialize(dir string) error
}

// Manager lists, stores and removes documents in Dir.
type Manager struct {
	Dir   string
	index Indexer
}

// NewManager manages dir and reindexes through idx (may be nil).
func NewManager(dir string, idx Indexer) *Manager {
	return &Manager{Dir: dir, index: idx}
}

// SecureFilename reduces name to a safe base name: path components are
// dropped, spaces become underscores and anything outside [A-Za-z0-9_.-] is
// removed. Leading dots are stripped.
func SecureFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.Join(strings.Fields(name), "_")
	name = unsafeFileChars.ReplaceAllString(name, "")
	name = strings.TrimLeft(name, "._")
	if name == "." || name == ".." {
		return ""
	}
	return name
}

func describe(name string, size int64) Document {
	return Document{
		Name: name,
		Type: strings.ToUpper(strings.TrimPrefix(filepath.Ext(name), ".")),
		Size: humanize.Bytes(uint64(size)),
	}
}

// List returns every regular file in Dir sorted by name.
func (m *Manager) List() ([]Document, error) {
	entries, err := os.ReadDir(m.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return []Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	docs := make([]Document, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		docs = append(docs, describe(e.Name(), info.Size()))
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })
	return docs, nil
}

// Upload stores base64 content under the sanitized name and reindexes.
func (m *Manager) Upload(name, content string) (Document, error) {
	if strings.TrimSpace(name) == "" {
		return Document{}, ErrNoFile
	}
	filename := SecureFilename(name)
	if !allowedExt[strings.ToLower(filepath.Ext(filename))] {
		return Document{}, ErrInvalidType
	}
	if i := strings.Index(content, ";base64,"); i >= 0 {
		content = content[i+len(";base64,"):]
	}
	if base64.StdEncoding.DecodedLen(len(content)) > MaxUploadBytes {
		return Document{}, ErrTooLarge
	}
	data, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return Document{}, ErrBadEncoding
	}

	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return Document{}, fmt.Errorf("create documents dir: %w", err)
	}
	path := filepath.Join(m.Dir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Document{}, fmt.Errorf("write %s: %w", filename, err)
	}
	m.reindex()
	return describe(filename, int64(len(data))), nil
}

// Delete removes the named document and reindexes.
func (m *Manager) Delete(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrNoFilename
	}
	filename := SecureFilename(name)
	if filename == "" {
		return ErrNotFound
	}
	path := filepath.Join(m.Dir, filename)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("delete %s: %w", filename, err)
	}
	m.reindex()
	return nil
}

// Path resolves a sanitized file name inside Dir; ok is false when the file is missing.
func (m *Manager) Path(name string) (string, bool) {
	filename := SecureFilename(name)
	if filename == "" {
		return "", false
	}
	path := filepath.Join(m.Dir, filename)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return path, true
}

func (m *Manager) reindex() {
	if m.index == nil {
		return
	}
	if err := m.index.Initialize(m.Dir); err != nil {
		slog.Error("reindex documents failed", slog.String("component", "documents"), slog.Any("err", err))
	}
}
