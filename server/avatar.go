package server

import (
	"context"
	"log/slog"

	"github.com/onnwee/live-avatar/config"
	"github.com/onnwee/live-avatar/pipeline"
	"github.com/onnwee/live-avatar/socket"
	"github.com/onnwee/live-avatar/speech"
	"github.com/onnwee/live-avatar/telemetry"
)

// speakPayload is the body of speak_text and ai_response.
type speakPayload struct {
	Text          string   `json:"text"`
	FixedLanguage string   `json:"fixedLanguage"`
	Chunks        []string `json:"chunks,omitempty"`
}

type messagePayload struct {
	Message string `json:"message"`
}

// Avatar broadcasts what the avatar page should say or show. It is the
// chat listener's sink and backs the matching WebSocket events.
type Avatar struct {
	cfg      *config.Config
	hub      *socket.Hub
	pipeline *pipeline.Pipeline
	logger   *slog.Logger
}

// NewAvatar wires an Avatar.
func NewAvatar(cfg *config.Config, hub *socket.Hub, p *pipeline.Pipeline) *Avatar {
	return &Avatar{cfg: cfg, hub: hub, pipeline: p, logger: slog.Default().With(slog.String("component", "avatar"))}
}

// Speak has the avatar read text aloud in its detected language.
func (a *Avatar) Speak(text string) {
	a.hub.Broadcast("speak_text", speakPayload{
		Text:          text,
		FixedLanguage: speech.DetectLanguage(text, "en"),
		Chunks:        speech.Chunk(text, speech.DefaultChunkSize),
	})
}

// TriggerEvent shows the celebration for kind ("follow" or "sub") when it
// is enabled.
func (a *Avatar) TriggerEvent(kind, username string) {
	a.celebrate(kind, username)
}

// celebrate reports whether fireworks were sent.
func (a *Avatar) celebrate(kind, username string) bool {
	var message string
	switch {
	case kind == "follow" && a.cfg.Bool("CELEBRATE_FOLLOW"):
		message = "New FOLLOW: " + username
	case kind == "sub" && a.cfg.Bool("CELEBRATE_SUB"):
		message = "NEW SUB: " + username
	}
	if message == "" {
		return false
	}
	a.hub.Broadcast("fireworks", messagePayload{Message: message})
	return true
}

// DisplayQuestion shows a viewer's question in the speech bubble.
func (a *Avatar) DisplayQuestion(username, question string) {
	a.hub.Broadcast("display_question", map[string]string{"username": username, "question": question})
}

// AskFromChat answers a Twitch viewer and speaks the reply.
func (a *Avatar) AskFromChat(ctx context.Context, username, question string) error {
	resp, err := a.pipeline.Ask(ctx, pipeline.Request{Username: username, Text: question, Source: pipeline.SourceTwitch})
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Error("AI request error", slog.String("component", "avatar"), slog.String("user", username), slog.Any("err", err))
		a.hub.Broadcast("ai_response_error", messagePayload{Message: pipeline.UserMessage(err)})
		return err
	}
	a.hub.Broadcast("speak_text", speakPayload{Text: resp.Text, FixedLanguage: resp.Language, Chunks: resp.Chunks})
	return nil
}

// Answer runs an ask_ai request and broadcasts ai_response or ai_error.
func (a *Avatar) Answer(ctx context.Context, req pipeline.Request) (pipeline.Response, error) {
	resp, err := a.pipeline.Ask(ctx, req)
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Error("AI processing error", slog.String("component", "avatar"), slog.Any("err", err))
		a.hub.Broadcast("ai_error", messagePayload{Message: pipeline.UserMessage(err)})
		return pipeline.Response{}, err
	}
	a.hub.Broadcast("ai_response", speakPayload{Text: resp.Text, FixedLanguage: resp.Language, Chunks: resp.Chunks})
	return resp, nil
}
