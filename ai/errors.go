package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies provider failures so callers can pick a user-facing message.
type ErrorKind int

const (
	// ErrorKindUnknown is any failure that matches no known pattern.
	ErrorKindUnknown ErrorKind = iota
	// ErrorKindRateLimited means the provider refused because of quota (429).
	ErrorKindRateLimited
	// ErrorKindAuth means the credentials are missing or rejected.
	ErrorKindAuth
	// ErrorKindNotConfigured means no API key is set.
	ErrorKindNotConfigured
	// ErrorKindUnavailable means the provider could not be reached.
	ErrorKindUnavailable
	// ErrorKindModelNotFound means the requested model does not exist.
	ErrorKindModelNotFound
)

// String returns a label for logs and metrics.
func (k ErrorKind) String() string {
	switch k {
	case ErrorKindRateLimited:
		return "rate_limited"
	case ErrorKindAuth:
		return "auth"
	case ErrorKindNotConfigured:
		return "not_configured"
	case ErrorKindUnavailable:
		return "unavailable"
	case ErrorKindModelNotFound:
		return "model_not_found"
	default:
		return "unknown"
	}
}

var (
	// ErrUnknownProvider is returned by the router for an unregistered AI_PROVIDER.
	ErrUnknownProvider = errors.New("unknown AI provider")
	// ErrNoMessages is returned when a request carries nothing to send.
	ErrNoMessages = errors.New("no messages to send")
)

// ProviderError wraps a provider failure with its classification.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

// Error renders the message shown to the user.
func (e *ProviderError) Error() string {
	if e.Provider == "gemini" {
		switch e.Kind {
		case ErrorKindRateLimited:
			return "Gemini API rate limit exceeded. Please wait a moment before trying again. Free tier has limited requests per minute."
		case ErrorKindAuth:
			return "Invalid Gemini API key. Please check your API key in settings."
		case ErrorKindNotConfigured:
			return "Gemini API key not configured. Please add your API key in settings."
		default:
			return fmt.Sprintf("Gemini API error: %v", e.Err)
		}
	}
	switch e.Kind {
	case ErrorKindUnavailable:
		return fmt.Sprintf("%s is not reachable: %v", e.Provider, e.Err)
	case ErrorKindModelNotFound:
		return fmt.Sprintf("%s model not found: %v", e.Provider, e.Err)
	default:
		return fmt.Sprintf("%s error: %v", e.Provider, e.Err)
	}
}

func (e *ProviderError) Unwrap() error { return e.Err }

// KindOf returns the classification of err, or ErrorKindUnknown.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrorKindUnknown
}

// Classify maps an error message onto an ErrorKind using well-known patterns.
//
// Rate limits: 429, resource exhausted, quota.
// Auth: 401, 403, API_KEY, invalid key/credentials.
// Unavailable: connection refused/reset, no such host, timeouts, 502-504.
// Model not found: 404 or "not found" mentioning a model.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrorKindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindUnavailable
	}
	msg := err.Error()
	lower := strings.ToLower(msg)

	if strings.Contains(msg, "429") ||
		strings.Contains(lower, "resource exhausted") ||
		strings.Contains(lower, "resource_exhausted") ||
		strings.Contains(lower, "quota") ||
		strings.Contains(lower, "rate limit") {
		return ErrorKindRateLimited
	}

	if strings.Contains(msg, "API_KEY") ||
		strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") ||
		strings.Contains(lower, "permission denied") ||
		strings.Contains(lower, "invalid") {
		return ErrorKindAuth
	}

	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"no such host",
		"timeout",
		"deadline exceeded",
		"502",
		"503",
		"504",
		"eof",
	}
	for _, p := range networkPatterns {
		if strings.Contains(lower, p) {
			return ErrorKindUnavailable
		}
	}

	if strings.Contains(msg, "404") ||
		(strings.Contains(lower, "model") && strings.Contains(lower, "not found")) {
		return ErrorKindModelNotFound
	}
	return ErrorKindUnknown
}
