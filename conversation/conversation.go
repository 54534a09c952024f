// Package conversation keeps the rolling per-user chat history used as LLM context.
package conversation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/onnwee/live-avatar/ai"
)

const (
	// HistoryLimit is how many stored turns are considered for context.
	HistoryLimit = 10
	// ScreenshotHistoryLimit caps history when an image is attached.
	ScreenshotHistoryLimit = 6
)

// ErrNoUsername is returned for operations without an owner.
var ErrNoUsername = errors.New("username is required")

// Turn is one stored line of a conversation.
type Turn struct {
	// Username is the author of the line: the viewer or the avatar persona.
	Username string    `json:"user"`
	Role     ai.Role   `json:"role"`
	Text     string    `json:"message"`
	At       time.Time `json:"-"`
}

// Store persists conversations keyed by the viewer's name (case-insensitive).
type Store interface {
	Append(ctx context.Context, owner string, t Turn) error
	// Recent returns the last n turns in chronological order.
	Recent(ctx context.Context, owner string, n int) ([]Turn, error)
	All(ctx context.Context, owner string) ([]Turn, error)
	Clear(ctx context.Context, owner string) error
}

// Key normalizes an owner name.
func Key(owner string) string { return strings.ToLower(strings.TrimSpace(owner)) }

// BuildHistory turns stored turns into chat messages. Only the last
// HistoryLimit turns are used, consecutive duplicate texts are dropped, and
// with a screenshot the result is trimmed to ScreenshotHistoryLimit. Leading
// assistant turns left by the trimming are dropped.
func BuildHistory(turns []Turn, withScreenshot bool) []ai.Message {
	if len(turns) > HistoryLimit {
		turns = turns[len(turns)-HistoryLimit:]
	}
	msgs := make([]ai.Message, 0, len(turns))
	last := ""
	for i, t := range turns {
		if i > 0 && t.Text == last {
			continue
		}
		last = t.Text
		role := t.Role
		if role != ai.RoleUser && role != ai.RoleAssistant {
			role = ai.RoleUser
		}
		msgs = append(msgs, ai.Message{Role: role, Content: t.Text})
	}
	if withScreenshot && len(msgs) > ScreenshotHistoryLimit {
		msgs = msgs[len(msgs)-ScreenshotHistoryLimit:]
	}
	// the window must open with a viewer turn
	for len(msgs) > 0 && msgs[0].Role == ai.RoleAssistant {
		msgs = msgs[1:]
	}
	return msgs
}

// Timestamp renders At the way history entries show it.
func (t Turn) Timestamp() string { return t.At.Format("2006-01-02 15:04") }
