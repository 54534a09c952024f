// Package ai routes chat requests to a local (Ollama) or cloud (Gemini) model.
package ai

import (
	"context"
	"time"
)

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Image is an inline picture attached to a user message.
type Image struct {
	Data     []byte
	MIMEType string
}

// Message is one turn of the conversation sent to a provider.
type Message struct {
	Role    Role
	Content string
	Images  []Image
}

// ChatRequest is a provider-agnostic completion request. The first message may
// be a system prompt; the last one is the current user turn.
type ChatRequest struct {
	Model    string
	Messages []Message
}

// ChatResponse is the raw model output.
type ChatResponse struct {
	Text    string
	Model   string
	Elapsed time.Duration
}

// Provider is an LLM backend.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Models lists locally available models; providers without a listing return nil.
	Models(ctx context.Context) ([]string, error)
}

// lastUserIndex returns the index of the last user message or -1.
func lastUserIndex(msgs []Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return i
		}
	}
	return -1
}
