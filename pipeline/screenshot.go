package pipeline

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/onnwee/live-avatar/ai"
)

var errScreenshotPath = errors.New("screenshot path outside screenshot directory")

// loadScreenshot decodes a data:image URL (and saves it under ScreenshotDir)
// or reads a previously saved file by name.
func (p *Pipeline) loadScreenshot(ref string) (ai.Image, error) {
	if strings.HasPrefix(ref, "data:image") {
		header, encoded, ok := strings.Cut(ref, ",")
		if !ok {
			return ai.Image{}, errors.New("malformed screenshot data url")
		}
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return ai.Image{}, fmt.Errorf("decode screenshot: %w", err)
		}
		mime := strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
		if mime == "" || mime == "image" {
			mime = http.DetectContentType(data)
		}
		p.saveScreenshot(data)
		return ai.Image{Data: data, MIMEType: mime}, nil
	}

	if p.opts.ScreenshotDir == "" {
		return ai.Image{}, errScreenshotPath
	}
	root, err := filepath.Abs(p.opts.ScreenshotDir)
	if err != nil {
		return ai.Image{}, err
	}
	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, filepath.Base(ref))
	}
	path = filepath.Clean(path)
	if rel, err := filepath.Rel(root, path); err != nil || strings.HasPrefix(rel, "..") {
		return ai.Image{}, errScreenshotPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ai.Image{}, fmt.Errorf("read screenshot: %w", err)
	}
	return ai.Image{Data: data, MIMEType: http.DetectContentType(data)}, nil
}

func (p *Pipeline) saveScreenshot(data []byte) {
	if p.opts.ScreenshotDir == "" {
		return
	}
	if err := os.MkdirAll(p.opts.ScreenshotDir, 0o755); err != nil {
		return
	}
	name := fmt.Sprintf("ask_ai_%d.png", p.now().Unix())
	_ = os.WriteFile(filepath.Join(p.opts.ScreenshotDir, name), data, 0o644)
}
