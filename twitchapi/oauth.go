// Package twitchapi wraps the Twitch identity endpoints the bot needs: user
// authorization (code and implicit flows), code exchange, refresh and token
// validation.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
)

// ErrInvalidToken is returned by Validate when Twitch rejects the token.
var ErrInvalidToken = errors.New("twitch token is invalid or expired")

// Client talks to id.twitch.tv for one registered application.
type Client struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	// BaseURL overrides https://id.twitch.tv (tests).
	BaseURL    string
	HTTPClient *http.Client
}

// New builds a client; scopes may be separated by spaces or commas.
func New(clientID, clientSecret, redirectURI, scopes string) *Client {
	return &Client{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURI:  redirectURI,
		Scopes:       SplitScopes(scopes),
	}
}

// SplitScopes turns "chat:read, chat:edit" into its parts.
func SplitScopes(s string) []string {
	return strings.Fields(strings.ReplaceAll(s, ",", " "))
}

func (c *Client) endpoint() oauth2.Endpoint {
	if c.BaseURL == "" {
		return twitch.Endpoint
	}
	base := strings.TrimRight(c.BaseURL, "/")
	return oauth2.Endpoint{
		AuthURL:   base + "/oauth2/authorize",
		TokenURL:  base + "/oauth2/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

func (c *Client) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Scopes:       c.Scopes,
		Endpoint:     c.endpoint(),
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) oauthCtx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient())
}

// AuthorizeURL builds the authorization code grant URL.
func (c *Client) AuthorizeURL(state string) (string, error) {
	if c.ClientID == "" || c.RedirectURI == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	return c.config().AuthCodeURL(state), nil
}

// ImplicitURL builds the implicit grant URL; Twitch returns the token in the
// URL fragment of the redirect, read by the callback page.
func (c *Client) ImplicitURL(state string) (string, error) {
	if c.ClientID == "" || c.RedirectURI == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	v := url.Values{}
	v.Set("response_type", "token")
	v.Set("client_id", c.ClientID)
	v.Set("redirect_uri", c.RedirectURI)
	if len(c.Scopes) > 0 {
		v.Set("scope", strings.Join(c.Scopes, " "))
	}
	if state != "" {
		v.Set("state", state)
	}
	return c.endpoint().AuthURL + "?" + v.Encode(), nil
}

// Exchange trades an authorization code for tokens.
func (c *Client) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if c.ClientID == "" || c.ClientSecret == "" || code == "" || c.RedirectURI == "" {
		return nil, errors.New("missing required parameter for auth code exchange")
	}
	tok, err := c.config().Exchange(c.oauthCtx(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("twitch auth code exchange failed: %w", err)
	}
	return tok, nil
}

// Refresh exchanges a refresh token for a new access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if c.ClientID == "" || c.ClientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	stale := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Now().Add(-time.Minute)}
	tok, err := c.config().TokenSource(c.oauthCtx(ctx), stale).Token()
	if err != nil {
		return nil, fmt.Errorf("twitch refresh failed: %w", err)
	}
	return tok, nil
}

// Validation is the body of GET /oauth2/validate.
type Validation struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// Validate checks an access token (with or without the "oauth:" prefix) and
// returns the login it belongs to.
func (c *Client) Validate(ctx context.Context, accessToken string) (*Validation, error) {
	accessToken = StripPrefix(accessToken)
	if accessToken == "" {
		return nil, ErrInvalidToken
	}
	base := "https://id.twitch.tv"
	if c.BaseURL != "" {
		base = strings.TrimRight(c.BaseURL, "/")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/oauth2/validate", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("twitch validate: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrInvalidToken
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("twitch validate failed: %s: %s", resp.Status, string(b))
	}
	var v Validation
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("decode validate response: %w", err)
	}
	return &v, nil
}

// StripPrefix removes the IRC "oauth:" prefix.
func StripPrefix(token string) string {
	return strings.TrimPrefix(strings.TrimSpace(token), "oauth:")
}

// TokenScopes reads the granted scopes from a token response. Twitch sends
// them as a JSON array.
func TokenScopes(tok *oauth2.Token) []string {
	if tok == nil {
		return nil
	}
	switch v := tok.Extra("scope").(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		return SplitScopes(v)
	}
	return nil
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}
