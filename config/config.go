// Package config loads the avatar settings from environment variables (and an
// optional .env file) and keeps them as a mutable, concurrency-safe set that the
// browser UI can edit through save_config. Edits are persisted back to the .env
// file so a restart keeps them.
//
// Process-level knobs (listen address, database, secrets) are read once into
// typed fields and are not editable from the UI.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Fields lists every UI-editable key, in the order they are persisted.
var Fields = []string{
	"PERSONA_NAME", "PERSONA_ROLE", "PRE_PROMPT", "AVATAR_MODEL", "BACKGROUND_IMAGE",
	"CHANNEL_NAME", "TWITCH_TOKEN", "TWITCH_CLIENT_ID", "EXTRA_DELAY_LISTENER", "NB_SPAM_MESSAGE",
	"OLLAMA_MODEL", "BOT_NAME_FOLLOW_SUB", "KEY_WORD_FOLLOW", "KEY_WORD_SUB",
	"DELIMITER_NAME", "DELIMITER_NAME_END", "SOCKETIO_IP", "SOCKETIO_IP_PORT",
	"SOCKETIO_CORS_ALLOWED", "API_URL", "API_URL_PORT", "FIXED_LANGUAGE", "VOICE_GENDER",
	"WAKE_WORD", "WAKE_WORD_ENABLED", "CELEBRATE_FOLLOW", "CELEBRATE_SUB",
	"CELEBRATE_FOLLOW_MESSAGE", "CELEBRATE_SUB_MESSAGE", "CELEBRATE_SOUND",
	"SPEECH_BUBBLE_ENABLED", "ASK_RAG", "AI_PROVIDER", "GEMINI_API_KEY", "GEMINI_MODEL",
}

// ListenerKeys are the keys the Twitch listener reacts to at runtime.
var ListenerKeys = []string{
	"EXTRA_DELAY_LISTENER", "NB_SPAM_MESSAGE", "BOT_NAME_FOLLOW_SUB",
	"KEY_WORD_FOLLOW", "KEY_WORD_SUB", "DELIMITER_NAME", "DELIMITER_NAME_END",
	"CHANNEL_NAME",
}

var defaults = map[string]string{
	"PERSONA_NAME":          "Mira",
	"PERSONA_ROLE":          "a friendly virtual streamer",
	"EXTRA_DELAY_LISTENER":  "3",
	"NB_SPAM_MESSAGE":       "3",
	"BOT_NAME_FOLLOW_SUB":   "botwarga",
	"KEY_WORD_FOLLOW":       "New FOLLOW(S)",
	"KEY_WORD_SUB":          "NEW SUB",
	"DELIMITER_NAME":        "{",
	"DELIMITER_NAME_END":    "}",
	"SOCKETIO_IP":           "0.0.0.0",
	"SOCKETIO_IP_PORT":      "5000",
	"SOCKETIO_CORS_ALLOWED": "*",
	"AI_PROVIDER":           "ollama",
	"GEMINI_MODEL":          "gemini-1.5-flash",
	"OLLAMA_MODEL":          "llama3.2",
}

// ErrNoEnvPath is returned by Save when the config was built without a backing file.
var ErrNoEnvPath = errors.New("config has no env file path")

// Config holds both the editable settings and the process-level knobs.
type Config struct {
	// HTTPAddr is where the HTTP/WebSocket server listens.
	HTTPAddr string
	// AppRoot is the directory holding static/, models/, templates/ and output/.
	AppRoot string
	// DBDsn enables the Postgres history and token store when set.
	DBDsn              string
	OllamaHost         string
	TwitchClientSecret string
	TwitchRedirectURI  string
	TwitchBotUsername  string
	TwitchScopes       string
	// MaxConcurrentAI bounds in-flight LLM calls.
	MaxConcurrentAI int

	envPath string
	// srcPath is the file Load read; it seeds the first Save when envPath is missing.
	srcPath string

	saveMu sync.Mutex
	mu     sync.RWMutex
	values map[string]string
}

// Load reads the .env file (ENV_FILE, else .env, else .env.example) into the
// process environment without overriding real env vars, then builds a Config.
// Missing keys fall back to defaults; nothing here is mandatory.
func Load() (*Config, error) {
	envPath := os.Getenv("ENV_FILE")
	if envPath == "" {
		envPath = ".env"
	}
	loadPath := envPath
	if _, err := os.Stat(loadPath); err != nil && os.Getenv("ENV_FILE") == "" {
		loadPath = ".env.example"
	}
	if err := godotenv.Load(loadPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", loadPath, err)
	}

	cfg := New(envPath)
	cfg.srcPath = loadPath
	for _, k := range Fields {
		if v, ok := os.LookupEnv(k); ok {
			cfg.values[k] = v
		}
	}

	cfg.AppRoot = os.Getenv("APP_ROOT")
	if cfg.AppRoot == "" {
		cfg.AppRoot = "."
	}
	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = net.JoinHostPort(cfg.Get("SOCKETIO_IP"), cfg.Get("SOCKETIO_IP_PORT"))
	}
	cfg.DBDsn = os.Getenv("DB_DSN")
	cfg.OllamaHost = os.Getenv("OLLAMA_HOST")
	if cfg.OllamaHost == "" {
		cfg.OllamaHost = "http://127.0.0.1:11434"
	}
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	cfg.TwitchRedirectURI = os.Getenv("TWITCH_REDIRECT_URI")
	cfg.TwitchBotUsername = os.Getenv("TWITCH_BOT_USERNAME")
	cfg.TwitchScopes = os.Getenv("TWITCH_SCOPES")
	if cfg.TwitchScopes == "" {
		// default scopes for chat bot
		cfg.TwitchScopes = "chat:read chat:edit"
	}
	cfg.MaxConcurrentAI = 1
	if v := os.Getenv("MAX_CONCURRENT_AI_REQUESTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid MAX_CONCURRENT_AI_REQUESTS %q", v)
		}
		cfg.MaxConcurrentAI = n
	}
	return cfg, nil
}

// New returns a Config holding only defaults, persisted to envPath (may be empty).
func New(envPath string) *Config {
	cfg := &Config{envPath: envPath, srcPath: envPath, values: make(map[string]string, len(Fields)), MaxConcurrentAI: 1, AppRoot: "."}
	for k, v := range defaults {
		cfg.values[k] = v
	}
	return cfg
}

// IsField reports whether key is one of the editable settings.
func IsField(key string) bool {
	key = strings.ToUpper(key)
	for _, f := range Fields {
		if f == key {
			return true
		}
	}
	return false
}

// Get returns the current value of key (empty when unset).
func (c *Config) Get(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[strings.ToUpper(key)]
}

// Bool interprets key as a boolean ("true"/"1"/"yes", case-insensitive).
func (c *Config) Bool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(c.Get(key))) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// Seconds interprets key as a float number of seconds, returning def when unset or invalid.
func (c *Config) Seconds(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(c.Get(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		slog.Warn("invalid duration setting, using default", slog.String("key", key), slog.String("value", v))
		return def
	}
	return time.Duration(f * float64(time.Second))
}

// Provider returns the lower-cased AI_PROVIDER, defaulting to ollama.
func (c *Config) Provider() string {
	p := strings.ToLower(strings.TrimSpace(c.Get("AI_PROVIDER")))
	if p == "" {
		return "ollama"
	}
	return p
}

// Set changes a single key in memory without persisting it.
func (c *Config) Set(key, value string) bool {
	key = strings.ToUpper(key)
	if !IsField(key) {
		return false
	}
	c.mu.Lock()
	c.values[key] = value
	c.mu.Unlock()
	return true
}

// Update applies known keys from values and persists the result.
// Unknown keys are ignored. It returns the keys that were applied.
func (c *Config) Update(values map[string]string) ([]string, error) {
	applied := make([]string, 0, len(values))
	for k, v := range values {
		if c.Set(k, v) {
			applied = append(applied, strings.ToUpper(k))
		}
	}
	if err := c.Save(); err != nil {
		return applied, err
	}
	return applied, nil
}

// Save merges the editable settings into the env file. Keys the UI does not
// own (DB_DSN, ENCRYPTION_KEY, secrets, log knobs) are kept as they are; an
// editable key that is now empty is removed.
func (c *Config) Save() error {
	if c.envPath == "" {
		return ErrNoEnvPath
	}
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	out, err := c.readExisting()
	if err != nil {
		return err
	}
	c.mu.RLock()
	for _, k := range Fields {
		if v := c.values[k]; v != "" {
			out[k] = v
		} else {
			delete(out, k)
		}
	}
	c.mu.RUnlock()
	if err := godotenv.Write(out, c.envPath); err != nil {
		return fmt.Errorf("write %s: %w", c.envPath, err)
	}
	return nil
}

func (c *Config) readExisting() (map[string]string, error) {
	for _, path := range []string{c.envPath, c.srcPath} {
		if path == "" {
			continue
		}
		existing, err := godotenv.Read(path)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	return map[string]string{}, nil
}

// Snapshot returns a copy of every editable setting keyed by its upper-case name.
func (c *Config) Snapshot() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(Fields))
	for _, k := range Fields {
		out[k] = c.values[k]
	}
	return out
}

// ListenerSubset filters values down to ListenerKeys.
func ListenerSubset(values map[string]string) map[string]string {
	out := map[string]string{}
	for _, k := range ListenerKeys {
		if v, ok := values[k]; ok {
			out[k] = v
		}
	}
	return out
}

// EnvPath is the file Save writes to.
func (c *Config) EnvPath() string { return c.envPath }
