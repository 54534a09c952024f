package rag

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Loader extracts passages from a file.
type Loader func(path string) ([]string, error)

// Loaders maps supported extensions to their loader.
var Loaders = map[string]Loader{
	".pdf": LoadPDF,
	".txt": LoadTXT,
}

// Supported reports whether name has a loadable extension.
func Supported(name string) bool {
	_, ok := Loaders[strings.ToLower(filepath.Ext(name))]
	return ok
}

// LoadTXT splits a text file into paragraphs on blank lines.
func LoadTXT(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	text := strings.ReplaceAll(string(b), "\r\n", "\n")
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// LoadPDF returns the plain text of each non-empty page.
func LoadPDF(path string) ([]string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf %s: %w", filepath.Base(path), err)
	}
	defer func() { _ = f.Close() }()

	var out []string
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return out, fmt.Errorf("pdf %s page %d: %w", filepath.Base(path), i, err)
		}
		if text = strings.TrimSpace(text); text != "" {
			out = append(out, text)
		}
	}
	return out, nil
}

// LoadDir loads every supported file in dir. Unreadable files are logged and
// skipped; a missing directory yields no passages.
func LoadDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		slog.Warn("documents directory does not exist", slog.String("component", "rag"), slog.String("dir", dir))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read documents dir: %w", err)
	}
	var docs []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		load, ok := Loaders[strings.ToLower(filepath.Ext(e.Name()))]
		if !ok {
			slog.Debug("skipping unsupported file", slog.String("component", "rag"), slog.String("file", e.Name()))
			continue
		}
		passages, err := load(filepath.Join(dir, e.Name()))
		if err != nil {
			slog.Error("failed to load document", slog.String("component", "rag"), slog.String("file", e.Name()), slog.Any("err", err))
		}
		docs = append(docs, passages...)
	}
	slog.Info("loaded text segments", slog.String("component", "rag"), slog.Int("segments", len(docs)), slog.String("dir", dir))
	return docs, nil
}
