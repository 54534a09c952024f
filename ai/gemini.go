package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

const (
	geminiRoleUser  = "user"
	geminiRoleModel = "model"
)

// GeminiMinDelay is the minimum spacing between Gemini calls (15 requests/min on the free tier).
const GeminiMinDelay = 4 * time.Second

type generateFunc func(ctx context.Context, apiKey, model string, contents []*genai.Content) (string, error)

// GeminiProvider calls Google's Gemini API. The key is read on every call so
// edits from the settings page take effect without a restart.
type GeminiProvider struct {
	apiKey  func() string
	limiter *rate.Limiter

	mu        sync.Mutex
	client    *genai.Client
	clientKey string

	generate generateFunc
}

// NewGeminiProvider creates a provider reading its API key from apiKey.
func NewGeminiProvider(apiKey func() string) *GeminiProvider {
	g := &GeminiProvider{
		apiKey:  apiKey,
		limiter: rate.NewLimiter(rate.Every(GeminiMinDelay), 1),
	}
	g.generate = g.generateContent
	return g
}

// Name implements Provider.
func (g *GeminiProvider) Name() string { return "gemini" }

// Models returns nil; the settings page only lists local models.
func (g *GeminiProvider) Models(context.Context) ([]string, error) { return nil, nil }

// Chat converts the conversation to Gemini contents and sends it after the
// fixed-delay limiter admits the call. The token is taken when the call
// returns, so GeminiMinDelay separates the end of one call from the next.
func (g *GeminiProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	key := strings.TrimSpace(g.apiKey())
	if key == "" {
		return ChatResponse{}, &ProviderError{Provider: g.Name(), Kind: ErrorKindNotConfigured, Err: errors.New("missing GEMINI_API_KEY")}
	}
	contents := ToGeminiContents(req.Messages)
	if len(contents) == 0 {
		return ChatResponse{}, ErrNoMessages
	}

	if err := g.waitTurn(ctx); err != nil {
		return ChatResponse{}, err
	}

	start := time.Now()
	text, err := g.generate(ctx, key, req.Model, contents)
	// spacing runs from the end of the call
	g.limiter.Reserve()
	if err != nil {
		return ChatResponse{}, g.wrap(err)
	}
	return ChatResponse{Text: text, Model: req.Model, Elapsed: time.Since(start)}, nil
}

// waitTurn blocks until the limiter holds a full token without taking it.
func (g *GeminiProvider) waitTurn(ctx context.Context) error {
	tokens := g.limiter.Tokens()
	if tokens >= 1 {
		return nil
	}
	wait := time.Duration((1 - tokens) / float64(g.limiter.Limit()) * float64(time.Second))
	slog.Info("rate limiting gemini call", slog.Duration("wait", wait))
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *GeminiProvider) clientFor(ctx context.Context, key string) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil && g.clientKey == key {
		return g.client, nil
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: key})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	g.client, g.clientKey = c, key
	return c, nil
}

func (g *GeminiProvider) generateContent(ctx context.Context, key, model string, contents []*genai.Content) (string, error) {
	c, err := g.clientFor(ctx, key)
	if err != nil {
		return "", err
	}
	resp, err := c.Models.GenerateContent(ctx, model, contents, nil)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part != nil {
				sb.WriteString(part.Text)
			}
		}
	}
	return sb.String(), nil
}

func (g *GeminiProvider) wrap(err error) error {
	kind := Classify(err)
	// Gemini reports everything that is not a quota or key problem as a generic API error.
	if kind != ErrorKindRateLimited && kind != ErrorKindAuth {
		kind = ErrorKindUnknown
	}
	return &ProviderError{Provider: g.Name(), Kind: kind, Err: err}
}

// ToGeminiContents converts chat messages to Gemini contents: the system prompt
// is merged into the first user turn, assistant becomes "model" and images are
// appended to the last user turn.
func ToGeminiContents(msgs []Message) []*genai.Content {
	var (
		out    []*genai.Content
		system string
	)
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			system = m.Content
		case RoleUser:
			text := m.Content
			if system != "" {
				text = system + "\n\n" + text
				system = ""
			}
			out = append(out, &genai.Content{Role: geminiRoleUser, Parts: []*genai.Part{genai.NewPartFromText(text)}})
		case RoleAssistant:
			if len(out) == 0 {
				// Gemini expects the conversation to open with a user turn
				continue
			}
			out = append(out, &genai.Content{Role: geminiRoleModel, Parts: []*genai.Part{genai.NewPartFromText(m.Content)}})
		}
	}

	if i := lastUserIndex(msgs); i >= 0 && len(out) > 0 && out[len(out)-1].Role == geminiRoleUser {
		last := out[len(out)-1]
		for _, img := range msgs[i].Images {
			mime := img.MIMEType
			if mime == "" {
				mime = "image/png"
			}
			last.Parts = append(last.Parts, genai.NewPartFromBytes(img.Data, mime))
		}
	}
	return out
}
