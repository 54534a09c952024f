package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

// OllamaProvider talks to a local Ollama server.
type OllamaProvider struct {
	client *api.Client
}

// NewOllamaProvider creates a provider for the server at host (e.g. http://127.0.0.1:11434).
func NewOllamaProvider(host string, httpClient *http.Client) (*OllamaProvider, error) {
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parse ollama host: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &OllamaProvider{client: api.NewClient(u, httpClient)}, nil
}

// Name implements Provider.
func (p *OllamaProvider) Name() string { return "ollama" }

// Chat sends the whole conversation in one non-streaming call.
func (p *OllamaProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if len(req.Messages) == 0 {
		return ChatResponse{}, ErrNoMessages
	}
	msgs := make([]api.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		am := api.Message{Role: string(m.Role), Content: m.Content}
		for _, img := range m.Images {
			am.Images = append(am.Images, api.ImageData(img.Data))
		}
		msgs = append(msgs, am)
	}

	stream := false
	start := time.Now()
	var out strings.Builder
	model := req.Model
	err := p.client.Chat(ctx, &api.ChatRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   &stream,
	}, func(r api.ChatResponse) error {
		out.WriteString(r.Message.Content)
		if r.Model != "" {
			model = r.Model
		}
		return nil
	})
	if err != nil {
		return ChatResponse{}, p.wrap(err)
	}
	return ChatResponse{Text: out.String(), Model: model, Elapsed: time.Since(start)}, nil
}

// Models lists the models pulled into the local server.
func (p *OllamaProvider) Models(ctx context.Context) ([]string, error) {
	resp, err := p.client.List(ctx)
	if err != nil {
		return nil, p.wrap(err)
	}
	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		name := m.Model
		if name == "" {
			name = m.Name
		}
		names = append(names, name)
	}
	return names, nil
}

// Heartbeat checks that the server answers.
func (p *OllamaProvider) Heartbeat(ctx context.Context) error {
	if err := p.client.Heartbeat(ctx); err != nil {
		return p.wrap(err)
	}
	return nil
}

func (p *OllamaProvider) wrap(err error) error {
	kind := Classify(err)
	var se api.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusNotFound:
			kind = ErrorKindModelNotFound
		case se.StatusCode == http.StatusTooManyRequests:
			kind = ErrorKindRateLimited
		case se.StatusCode >= 500:
			kind = ErrorKindUnavailable
		}
	}
	return &ProviderError{Provider: p.Name(), Kind: kind, Err: err}
}
