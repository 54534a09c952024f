package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/live-avatar/moderation"
	"github.com/onnwee/live-avatar/speech"
	"github.com/onnwee/live-avatar/telemetry"
	"github.com/onnwee/live-avatar/twitchapi"
)

var (
	ErrAlreadyRunning = errors.New("Listener already running") //nolint:staticcheck // shown to the UI verbatim
	ErrNotRunning     = errors.New("Listener not running")     //nolint:staticcheck // shown to the UI verbatim
	ErrNoChannel      = errors.New("CHANNEL_NAME is not set")
	ErrNoToken        = errors.New("TWITCH_TOKEN is not set")
)

// Sink receives what the listener decides to do.
type Sink interface {
	Speak(text string)
	TriggerEvent(kind, username string)
	DisplayQuestion(username, question string)
	AskFromChat(ctx context.Context, username, question string) error
}

// Validator resolves the login a token belongs to; *twitchapi.Client implements it.
type Validator interface {
	Validate(ctx context.Context, accessToken string) (*twitchapi.Validation, error)
}

// ircClient is the subset of *twitch.Client the listener drives.
type ircClient interface {
	OnPrivateMessage(func(twitch.PrivateMessage))
	Join(channels ...string)
	Depart(channel string)
	Say(channel, text string)
	Connect() error
	Disconnect() error
}

// Options wires a Listener.
type Options struct {
	Filter *moderation.Filter
	Sink   Sink
	// Token returns the current bot token (TWITCH_TOKEN), read at Start.
	Token       func() string
	BotUsername string
	Validator   Validator
}

// Listener owns one IRC connection at a time.
type Listener struct {
	opts      Options
	newClient func(login, password string) ircClient
	now       func() time.Time
	logger    *slog.Logger

	mu      sync.Mutex
	client  ircClient
	channel string
	cancel  context.CancelFunc
	done    chan struct{}

	inflight atomic.Bool
	asks     sync.WaitGroup
}

// New builds a stopped listener.
func New(opts Options) *Listener {
	if opts.Filter == nil {
		opts.Filter = moderation.NewFilter(moderation.DefaultSettings())
	}
	return &Listener{
		opts: opts,
		newClient: func(login, password string) ircClient {
			return twitch.NewClient(login, password)
		},
		now:    time.Now,
		logger: slog.Default().With(slog.String("component", "chat")),
	}
}

// Running reports whether an IRC session is active.
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.client != nil
}

// Start connects and joins the configured channel. The session outlives ctx
// and ends with Stop.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client != nil {
		return ErrAlreadyRunning
	}
	channel := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(l.opts.Filter.Settings().Channel), "#"))
	if channel == "" {
		return ErrNoChannel
	}
	token := ""
	if l.opts.Token != nil {
		token = twitchapi.StripPrefix(l.opts.Token())
	}
	if token == "" {
		return ErrNoToken
	}
	login, err := l.resolveLogin(ctx, token)
	if err != nil {
		return err
	}

	client := l.newClient(login, "oauth:"+token)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	client.OnPrivateMessage(func(m twitch.PrivateMessage) {
		l.HandleMessage(runCtx, m.User.Name, m.Message)
	})
	client.Join(channel)

	done := make(chan struct{})
	l.client, l.channel, l.cancel, l.done = client, channel, cancel, done
	telemetry.SetListenerRunning(true)
	l.logger.Info("twitch listener starting", slog.String("channel", channel), slog.String("login", login))

	go func() {
		defer close(done)
		err := client.Connect()
		if err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
			l.logger.Error("twitch chat connect error", slog.Any("err", err))
		}
		l.mu.Lock()
		if l.client == client {
			l.client = nil
			l.cancel()
			telemetry.SetListenerRunning(false)
		}
		l.mu.Unlock()
	}()
	return nil
}

func (l *Listener) resolveLogin(ctx context.Context, token string) (string, error) {
	if l.opts.BotUsername != "" {
		return strings.ToLower(l.opts.BotUsername), nil
	}
	if l.opts.Validator == nil {
		return "", errors.New("TWITCH_BOT_USERNAME is not set and the token cannot be validated")
	}
	vctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	v, err := l.opts.Validator.Validate(vctx, token)
	if err != nil {
		return "", fmt.Errorf("validate twitch token: %w", err)
	}
	if v.Login == "" {
		return "", errors.New("twitch token has no user login")
	}
	return v.Login, nil
}

// Stop disconnects and waits briefly for the session to end.
func (l *Listener) Stop() error {
	l.mu.Lock()
	client, cancel, done := l.client, l.cancel, l.done
	if client == nil {
		l.mu.Unlock()
		return ErrNotRunning
	}
	l.client = nil
	l.mu.Unlock()

	cancel()
	if err := client.Disconnect(); err != nil {
		l.logger.Debug("twitch disconnect", slog.Any("err", err))
	}
	telemetry.SetListenerRunning(false)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		l.logger.Warn("twitch listener did not stop in time")
	}
	l.logger.Info("twitch listener stopped")
	return nil
}

// Update applies listener keys (delays, alert bot, delimiters, channel). A
// channel change while running departs the old channel and joins the new one.
func (l *Listener) Update(values map[string]string) error {
	s := l.opts.Filter.Settings()
	err := s.Apply(values)
	l.opts.Filter.Update(s)

	channel := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s.Channel), "#"))
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client != nil && channel != "" && channel != l.channel {
		l.client.Depart(l.channel)
		l.client.Join(channel)
		l.logger.Info("twitch listener switched channel", slog.String("from", l.channel), slog.String("to", channel))
		l.channel = channel
	}
	return err
}

// HandleMessage processes one chat line from user.
func (l *Listener) HandleMessage(ctx context.Context, user, text string) {
	settings := l.opts.Filter.Settings()
	if alert, ok := settings.DetectAlert(user, text); ok {
		switch alert.Kind {
		case moderation.AlertFollow:
			l.opts.Sink.Speak("Wonderful, we have a new follower. Thank you: " + alert.Username)
		case moderation.AlertSub:
			l.opts.Sink.Speak("Incredible, we have a new subscriber. Thank you so much: " + alert.Username)
		}
		l.opts.Sink.TriggerEvent(string(alert.Kind), alert.Username)
		return
	}

	if l.inflight.Load() {
		telemetry.CountVerdict(moderation.Busy.String())
		return
	}
	verdict := l.opts.Filter.Check(user, text, l.now())
	telemetry.CountVerdict(verdict.String())
	if verdict != moderation.Allow {
		l.logger.Debug("chat message filtered", slog.String("user", user), slog.String("verdict", verdict.String()))
		return
	}

	question, isCommand := moderation.ParseCommand(text)
	if !isCommand {
		return
	}
	if question == "" {
		l.say(user + ", please provide a valid question.")
		return
	}
	if !l.inflight.CompareAndSwap(false, true) {
		telemetry.CountVerdict(moderation.Busy.String())
		return
	}
	l.opts.Filter.MarkBusy(l.now())
	question = speech.CleanInput(question)
	l.opts.Sink.DisplayQuestion(user, question)

	l.asks.Add(1)
	go func() {
		defer l.asks.Done()
		defer func() {
			// the extra delay runs from the end of the answer
			l.opts.Filter.MarkBusy(l.now())
			l.inflight.Store(false)
		}()
		if err := l.opts.Sink.AskFromChat(ctx, user, question); err != nil {
			l.logger.Warn("chat question failed", slog.String("user", user), slog.Any("err", err))
		}
	}()
}

func (l *Listener) say(text string) {
	l.mu.Lock()
	client, channel := l.client, l.channel
	l.mu.Unlock()
	if client == nil {
		return
	}
	client.Say(channel, text)
}
