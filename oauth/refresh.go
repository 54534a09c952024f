// Package oauth keeps a stored OAuth token fresh. A Refresher wakes up on a
// jittered interval and refreshes the token when its expiry falls inside a
// window, then hands the new token to a callback (the Twitch bot token is
// pushed into the live config that way).
package oauth

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/onnwee/live-avatar/db"
)

// TokenStore is the persistence the refresher needs; *db.TokenStore implements it.
type TokenStore interface {
	Get(ctx context.Context, provider string) (db.Token, bool, error)
	Upsert(ctx context.Context, provider string, t db.Token) error
}

// RefreshFunc performs the provider-specific refresh grant.
type RefreshFunc func(ctx context.Context, refreshToken string) (db.Token, error)

// Refresher refreshes one provider's token.
type Refresher struct {
	Store    TokenStore
	Provider string
	// Interval is how often to check (default 5m); Window is how close to
	// expiry a refresh happens (default 15m).
	Interval time.Duration
	Window   time.Duration
	Refresh  RefreshFunc
	// OnRefresh receives every newly stored token.
	OnRefresh func(db.Token)

	now func() time.Time
}

func (r *Refresher) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

func (r *Refresher) defaults() {
	if r.Interval <= 0 {
		r.Interval = 5 * time.Minute
	}
	if r.Window <= 0 {
		r.Window = 15 * time.Minute
	}
}

// Check runs one iteration and reports whether a refresh happened.
func (r *Refresher) Check(ctx context.Context) (bool, error) {
	r.defaults()
	if r.Store == nil || r.Refresh == nil {
		return false, errors.New("refresher needs a store and a refresh func")
	}
	cur, ok, err := r.Store.Get(ctx, r.Provider)
	if err != nil {
		return false, err
	}
	if !ok || cur.RefreshToken == "" {
		return false, nil
	}
	if !cur.Expiry.IsZero() && cur.Expiry.Sub(r.clock()) > r.Window {
		return false, nil
	}

	rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	next, err := r.Refresh(rctx, cur.RefreshToken)
	cancel()
	if err != nil {
		return false, err
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	if next.Scope == "" {
		next.Scope = cur.Scope
	}
	next.Scope = strings.TrimSpace(next.Scope)
	if err := r.Store.Upsert(ctx, r.Provider, next); err != nil {
		return false, err
	}
	if r.OnRefresh != nil {
		r.OnRefresh(next)
	}
	return true, nil
}

// Run checks until ctx is cancelled. The first check is delayed by a random
// fraction of the interval and each sleep varies by +-20%.
func (r *Refresher) Run(ctx context.Context) {
	r.defaults()
	logger := slog.With(slog.String("component", "oauth"), slog.String("provider", r.Provider))
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	wait := time.Duration(rand.Int63n(int64(r.Interval/2) + 1))
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		refreshed, err := r.Check(ctx)
		switch {
		case err != nil:
			logger.Warn("token refresh failed", slog.Any("err", err))
		case refreshed:
			logger.Info("token refreshed")
		}
		jitterRange := int64(r.Interval / 5)
		//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
		wait = r.Interval + time.Duration(rand.Int63n(jitterRange*2+1)-jitterRange)
	}
}
