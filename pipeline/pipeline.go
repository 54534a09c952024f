// Package pipeline runs one ask request end to end: clean the input, gather
// history and retrieved context, call the configured model, sanitize the reply
// for speech and record the exchange.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/live-avatar/ai"
	"github.com/onnwee/live-avatar/conversation"
	"github.com/onnwee/live-avatar/rag"
	"github.com/onnwee/live-avatar/speech"
	"github.com/onnwee/live-avatar/telemetry"
)

// Source identifies where a request came from.
type Source string

const (
	SourceTwitch     Source = "twitch"
	SourceMicrophone Source = "microphone"
	SourceText       Source = "text"
)

// DefaultUsername is used when a request carries no user.
const DefaultUsername = "viewer"

var (
	// ErrNoText is returned for requests without text.
	ErrNoText = errors.New("no text provided")
	// ErrEmptyReply is returned when nothing speakable is left after sanitizing.
	ErrEmptyReply = errors.New("model returned an empty reply")
)

// ServiceError wraps a failure of the model call.
type ServiceError struct{ Err error }

func (e *ServiceError) Error() string { return "AI service error: " + e.Err.Error() }
func (e *ServiceError) Unwrap() error { return e.Err }

// UserMessage renders err for the browser.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoText):
		return "No text provided"
	default:
		return err.Error()
	}
}

// Request is a normalized ask from chat, microphone or the text box.
type Request struct {
	Username      string `json:"username"`
	Text          string `json:"text"`
	Source        Source `json:"source"`
	FixedLanguage string `json:"fixedLanguage"`
	// Screenshot is a data:image URL or a file name under the screenshot dir.
	Screenshot string `json:"screenshot"`
}

// Response is the speakable answer.
type Response struct {
	Text     string        `json:"text"`
	Language string        `json:"fixedLanguage"`
	Chunks   []string      `json:"chunks"`
	Model    string        `json:"model"`
	Elapsed  time.Duration `json:"-"`
}

// Chatter sends a chat request to a model.
type Chatter interface {
	Chat(ctx context.Context, req ai.ChatRequest) (ai.ChatResponse, error)
}

// Retriever returns passages relevant to a query.
type Retriever interface {
	Relevant(query string, n int) []string
}

// Settings is the configuration the pipeline reads per request.
type Settings interface {
	Get(key string) string
	Bool(key string) bool
}

// Options configures a Pipeline.
type Options struct {
	Chatter  Chatter
	History  conversation.Store
	RAG      Retriever
	Settings Settings
	// ScreenshotDir receives decoded screenshots; it also bounds path screenshots.
	ScreenshotDir string
	// ChunkSize is the longest speakable chunk; 0 uses speech.DefaultChunkSize.
	ChunkSize int
}

// Pipeline is safe for concurrent use; model calls are serialized by the Chatter.
type Pipeline struct {
	opts Options
	now  func() time.Time
}

// New builds a pipeline.
func New(opts Options) *Pipeline {
	return &Pipeline{opts: opts, now: time.Now}
}

// Ask answers req.
func (p *Pipeline) Ask(ctx context.Context, req Request) (Response, error) {
	start := p.now()
	ctx, span := telemetry.StartSpan(ctx, "pipeline", "pipeline.ask")
	defer span.End()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "pipeline"))

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Response{}, ErrNoText
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		username = DefaultUsername
	}
	if req.Source == "" {
		req.Source = SourceTwitch
	}

	var images []ai.Image
	if req.Screenshot != "" {
		img, err := p.loadScreenshot(req.Screenshot)
		if err != nil {
			logger.Warn("ignoring screenshot", slog.Any("err", err))
		} else {
			images = append(images, img)
		}
	}

	var turns []conversation.Turn
	if p.opts.History != nil {
		var err error
		turns, err = p.opts.History.Recent(ctx, username, conversation.HistoryLimit)
		if err != nil {
			logger.Warn("history unavailable", slog.String("user", username), slog.Any("err", err))
		}
	}

	input := speech.CleanInput(text)
	language := p.requestLanguage(req, input)

	var docs []string
	if p.opts.RAG != nil && p.setting("ASK_RAG") {
		docs = p.opts.RAG.Relevant(input, rag.DefaultTopN)
	}

	persona := p.persona()
	msgs := []ai.Message{{Role: ai.RoleSystem, Content: ai.BuildSystemPrompt(persona, language)}}
	msgs = append(msgs, conversation.BuildHistory(turns, len(images) > 0)...)
	msgs = append(msgs, ai.Message{Role: ai.RoleUser, Content: ai.WithContext(docs, input), Images: images})

	logger.Debug("sending request",
		slog.String("user", username),
		slog.String("source", string(req.Source)),
		slog.String("language", language),
		slog.Int("history", len(msgs)-2),
		slog.Int("docs", len(docs)),
		slog.Bool("screenshot", len(images) > 0))

	out, err := p.opts.Chatter.Chat(ctx, ai.ChatRequest{Messages: msgs})
	if err != nil {
		telemetry.RecordError(span, err)
		logger.Error("ai processing error", slog.Duration("elapsed", p.now().Sub(start)), slog.Any("err", err))
		return Response{}, &ServiceError{Err: err}
	}

	cleaned := speech.Sanitize(out.Text)
	if cleaned == "" {
		telemetry.RecordError(span, ErrEmptyReply)
		return Response{}, &ServiceError{Err: ErrEmptyReply}
	}
	respLang := speech.DetectLanguage(cleaned, language)

	p.record(ctx, username, persona.Name, text, cleaned)

	elapsed := p.now().Sub(start)
	if telemetry.PipelineDuration != nil {
		telemetry.PipelineDuration.Observe(elapsed.Seconds())
	}
	telemetry.SetSpanSuccess(span)
	logger.Info("ai processing complete",
		slog.String("model", out.Model),
		slog.Duration("api", out.Elapsed),
		slog.Duration("total", elapsed))

	return Response{
		Text:     cleaned,
		Language: respLang,
		Chunks:   speech.Chunk(cleaned, p.opts.ChunkSize),
		Model:    out.Model,
		Elapsed:  elapsed,
	}, nil
}

// requestLanguage honors a fixed language only for microphone input.
func (p *Pipeline) requestLanguage(req Request, input string) string {
	if req.Source == SourceMicrophone && strings.TrimSpace(req.FixedLanguage) != "" {
		return strings.TrimSpace(req.FixedLanguage)
	}
	return speech.DetectLanguage(input, "en")
}

func (p *Pipeline) persona() ai.Persona {
	if p.opts.Settings == nil {
		return ai.Persona{Name: "Mira"}
	}
	return ai.Persona{
		Name:      p.opts.Settings.Get("PERSONA_NAME"),
		Role:      p.opts.Settings.Get("PERSONA_ROLE"),
		PrePrompt: p.opts.Settings.Get("PRE_PROMPT"),
	}
}

func (p *Pipeline) setting(key string) bool {
	return p.opts.Settings != nil && p.opts.Settings.Bool(key)
}

func (p *Pipeline) record(ctx context.Context, username, persona, question, answer string) {
	if p.opts.History == nil {
		return
	}
	now := p.now()
	if err := p.opts.History.Append(ctx, username, conversation.Turn{Username: username, Role: ai.RoleUser, Text: question, At: now}); err != nil {
		slog.Warn("failed to record question", slog.String("component", "pipeline"), slog.Any("err", err))
		return
	}
	if persona == "" || strings.EqualFold(persona, username) {
		persona = "assistant"
	}
	if err := p.opts.History.Append(ctx, username, conversation.Turn{Username: persona, Role: ai.RoleAssistant, Text: answer, At: now}); err != nil {
		slog.Warn("failed to record answer", slog.String("component", "pipeline"), slog.Any("err", err))
	}
}
