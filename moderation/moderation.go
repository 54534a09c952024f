// Package moderation decides whether an incoming chat line may reach the LLM.
//
// Three rules apply, in order:
//   - busy gate: after a request is accepted, further requests are dropped
//     until the listener's extra delay elapses (or Release is called);
//   - duplicate window: the same user repeating the same text within the spam
//     window is rejected;
//   - command prefix: only lines starting with "!ai" are AI questions.
//
// Alert-bot lines (follow/sub notifications) are recognized separately by
// DetectAlert and bypass the rules above.
package moderation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CommandPrefix marks a chat line as a question for the avatar.
const CommandPrefix = "!ai"

// Verdict is the outcome of Filter.Check.
type Verdict int

const (
	// Allow lets the message through.
	Allow Verdict = iota
	// Spam means the user repeated the same text inside the spam window.
	Spam
	// Busy means a previous request is still inside its extra delay.
	Busy
)

// String returns the label used in logs and metrics.
func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Spam:
		return "spam"
	case Busy:
		return "busy"
	default:
		return "unknown"
	}
}

// Settings are the listener knobs editable from the UI.
type Settings struct {
	SpamWindow    time.Duration
	ExtraDelay    time.Duration
	AlertBot      string
	FollowKeyword string
	SubKeyword    string
	NameStart     string
	NameEnd       string
	Channel       string
}

// DefaultSettings mirrors the config defaults.
func DefaultSettings() Settings {
	return Settings{
		SpamWindow:    3 * time.Second,
		ExtraDelay:    3 * time.Second,
		AlertBot:      "botwarga",
		FollowKeyword: "New FOLLOW(S)",
		SubKeyword:    "NEW SUB",
		NameStart:     "{",
		NameEnd:       "}",
	}
}

// Apply updates s from config-style keys. Unknown keys are ignored; values that
// fail to parse are skipped and reported in the returned error.
func (s *Settings) Apply(values map[string]string) error {
	var errs []error
	seconds := func(key, v string, dst *time.Duration) {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || f < 0 {
			errs = append(errs, fmt.Errorf("%s: invalid seconds %q", key, v))
			return
		}
		*dst = time.Duration(f * float64(time.Second))
	}
	for k, v := range values {
		switch strings.ToUpper(k) {
		case "EXTRA_DELAY_LISTENER":
			seconds(k, v, &s.ExtraDelay)
		case "NB_SPAM_MESSAGE":
			seconds(k, v, &s.SpamWindow)
		case "BOT_NAME_FOLLOW_SUB":
			s.AlertBot = v
		case "KEY_WORD_FOLLOW":
			s.FollowKeyword = v
		case "KEY_WORD_SUB":
			s.SubKeyword = v
		case "DELIMITER_NAME":
			s.NameStart = v
		case "DELIMITER_NAME_END":
			s.NameEnd = v
		case "CHANNEL_NAME":
			s.Channel = v
		}
	}
	return errors.Join(errs...)
}

type lastMessage struct {
	text string
	at   time.Time
}

// Filter applies the busy gate and the duplicate window. Safe for concurrent use.
type Filter struct {
	mu        sync.Mutex
	settings  Settings
	last      map[string]lastMessage
	busyUntil time.Time
}

// NewFilter creates a filter with the given settings.
func NewFilter(s Settings) *Filter {
	return &Filter{settings: s, last: make(map[string]lastMessage)}
}

// Settings returns a copy of the current settings.
func (f *Filter) Settings() Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

// Update replaces the settings.
func (f *Filter) Update(s Settings) {
	f.mu.Lock()
	f.settings = s
	f.mu.Unlock()
}

// Check evaluates a message from user received at now. Non-spam messages are
// remembered for the duplicate window; busy messages are not remembered.
func (f *Filter) Check(user, text string, now time.Time) Verdict {
	f.mu.Lock()
	defer f.mu.Unlock()

	if now.Before(f.busyUntil) {
		return Busy
	}

	norm := normalize(text)
	if prev, ok := f.last[user]; ok {
		if now.Sub(prev.at) < f.settings.SpamWindow && prev.text == norm {
			return Spam
		}
	}
	f.last[user] = lastMessage{text: norm, at: now}
	if len(f.last)%256 == 0 {
		f.pruneLocked(now)
	}
	return Allow
}

// MarkBusy starts the busy gate at now for the configured extra delay.
func (f *Filter) MarkBusy(now time.Time) {
	f.mu.Lock()
	f.busyUntil = now.Add(f.settings.ExtraDelay)
	f.mu.Unlock()
}

// Release clears the busy gate.
func (f *Filter) Release() {
	f.mu.Lock()
	f.busyUntil = time.Time{}
	f.mu.Unlock()
}

// pruneLocked drops users whose last message is older than two spam windows.
func (f *Filter) pruneLocked(now time.Time) {
	for user, m := range f.last {
		if now.Sub(m.at) > 2*f.settings.SpamWindow {
			delete(f.last, user)
		}
	}
}

func normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// ParseCommand extracts the question from an "!ai ..." line. isCommand is false
// for lines that do not start with the prefix; question may be empty.
func ParseCommand(text string) (question string, isCommand bool) {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, CommandPrefix) {
		return "", false
	}
	rest := t[len(CommandPrefix):]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

// AlertKind distinguishes follow and subscription notifications.
type AlertKind string

const (
	AlertFollow AlertKind = "follow"
	AlertSub    AlertKind = "sub"
)

// Alert is a follow/sub notification posted by the alert bot.
type Alert struct {
	Kind     AlertKind
	Username string
}

// DetectAlert recognizes alert-bot lines such as "New FOLLOW(S) {name}".
func (s Settings) DetectAlert(author, text string) (Alert, bool) {
	if s.AlertBot == "" || !strings.EqualFold(author, s.AlertBot) {
		return Alert{}, false
	}
	var kind AlertKind
	switch {
	case s.FollowKeyword != "" && strings.Contains(text, s.FollowKeyword):
		kind = AlertFollow
	case s.SubKeyword != "" && strings.Contains(text, s.SubKeyword):
		kind = AlertSub
	default:
		return Alert{}, false
	}
	name := extractName(text, s.NameStart, s.NameEnd)
	if name == "" {
		return Alert{}, false
	}
	return Alert{Kind: kind, Username: name}, true
}

func extractName(text, start, end string) string {
	if start == "" {
		return ""
	}
	i := strings.Index(text, start)
	if i < 0 {
		return ""
	}
	rest := text[i+len(start):]
	if end != "" {
		if j := strings.Index(rest, end); j >= 0 {
			rest = rest[:j]
		}
	}
	return strings.TrimSpace(rest)
}
