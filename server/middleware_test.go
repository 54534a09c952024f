package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRateLimiterWindow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := newIPRateLimiter(ctx, &rateLimiterConfig{enabled: true, requestsPerIP: 2, window: time.Minute})
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return clock }

	if !rl.allow("1.2.3.4") || !rl.allow("1.2.3.4") {
		t.Fatal("first two requests rejected")
	}
	if rl.allow("1.2.3.4") {
		t.Error("third request allowed inside the window")
	}
	if !rl.allow("5.6.7.8") {
		t.Error("other ip rejected")
	}

	clock = clock.Add(61 * time.Second)
	if !rl.allow("1.2.3.4") {
		t.Error("request rejected after the window passed")
	}

	clock = clock.Add(3 * time.Minute)
	rl.cleanup()
	rl.mu.Lock()
	n := len(rl.visitors)
	rl.mu.Unlock()
	if n != 0 {
		t.Errorf("visitors after cleanup = %d", n)
	}
}

func TestRateLimiterRetryDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := newIPRateLimiter(ctx, &rateLimiterConfig{enabled: true, requestsPerIP: 2, window: time.Minute})
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return clock }

	rl.allow("9.9.9.9")
	rl.allow("9.9.9.9")
	near := func(got, want time.Duration) bool {
		d := got - want
		return d > -time.Millisecond && d < time.Millisecond
	}
	ok, wait := rl.reserve("9.9.9.9")
	if ok || !near(wait, 30*time.Second) {
		t.Errorf("reserve = %v, %v; want rejected for 30s", ok, wait)
	}
	// a rejected request does not push the next token further out
	clock = clock.Add(10 * time.Second)
	if ok, wait := rl.reserve("9.9.9.9"); ok || !near(wait, 20*time.Second) {
		t.Errorf("reserve after 10s = %v, %v; want rejected for 20s", ok, wait)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := newIPRateLimiter(ctx, &rateLimiterConfig{enabled: true, requestsPerIP: 1, window: 30 * time.Second})
	h := rateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := []int{}
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/ask_ai", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests && rec.Header().Get("Retry-After") != "30" {
			t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
		}
	}
	if codes[0] != http.StatusNoContent || codes[1] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := newIPRateLimiter(ctx, loadRateLimiterConfig())
	for i := 0; i < 100; i++ {
		if !rl.allow("1.1.1.1") {
			t.Fatalf("request %d rejected with limiting disabled", i)
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		fwd    string
		want   string
	}{
		{"remote addr", "192.168.1.5:4000", "", "192.168.1.5"},
		{"forwarded first hop", "10.0.0.1:80", "203.0.113.9, 10.0.0.1", "203.0.113.9"},
		{"no port", "unix", "", "unix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.fwd != "" {
				req.Header.Set("X-Forwarded-For", tt.fwd)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsOriginAllowed(t *testing.T) {
	allowed := []string{"https://overlay.example.com", "*.stream.tv"}
	tests := []struct {
		origin string
		want   bool
	}{
		{"https://overlay.example.com", true},
		{"https://evil.example.com", false},
		{"https://obs.stream.tv", true},
		{"https://stream.tv", true},
		{"https://notstream.tv", false},
	}
	for _, tt := range tests {
		if got := isOriginAllowed(tt.origin, allowed); got != tt.want {
			t.Errorf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestLoadCORSConfig(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("CORS_PERMISSIVE", "")

	t.Setenv("CORS_ALLOWED_ORIGINS", "")
	if cfg := loadCORSConfig("*"); !cfg.permissive {
		t.Error(`socket setting "*" should be permissive`)
	}

	cfg := loadCORSConfig("http://localhost:5000, https://obs.example.com")
	if cfg.permissive {
		t.Error("explicit origins should not be permissive")
	}
	if got := strings.Join(cfg.originPatterns(), ","); got != "localhost:5000,obs.example.com" {
		t.Errorf("originPatterns = %q", got)
	}

	t.Setenv("CORS_ALLOWED_ORIGINS", "https://admin.example.com")
	cfg = loadCORSConfig("https://ignored.example.com")
	if len(cfg.allowedOrigins) != 1 || cfg.allowedOrigins[0] != "https://admin.example.com" {
		t.Errorf("allowedOrigins = %v", cfg.allowedOrigins)
	}

	opts := SocketOptions("*")
	if !opts.AnyOrigin {
		t.Error("SocketOptions should accept any origin")
	}
}

func TestWithCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	h := withCORS(&corsConfig{allowedOrigins: []string{"https://overlay.example.com"}})(next)

	req := httptest.NewRequest(http.MethodOptions, "/api/ask_ai", nil)
	req.Header.Set("Origin", "https://overlay.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://overlay.example.com" {
		t.Errorf("allow origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}

	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("disallowed origin got CORS headers")
	}
}

func TestWithCorrelationKeepsIncomingID(t *testing.T) {
	var seen string
	h := withCorrelation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("X-Correlation-ID")
		w.WriteHeader(http.StatusTeapot)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("X-Correlation-ID") != "abc-123" || seen != "abc-123" {
		t.Errorf("correlation id = %q", rec.Header().Get("X-Correlation-ID"))
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d", rec.Code)
	}
}
