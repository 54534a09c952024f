// Package telemetry provides Prometheus metrics, OpenTelemetry tracing and
// correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	AIRequests         *prometheus.CounterVec // labels: provider, outcome
	ModerationVerdicts *prometheus.CounterVec // labels: verdict
	Broadcasts         *prometheus.CounterVec // labels: event

	// Histograms (seconds)
	ProviderDuration *prometheus.HistogramVec // labels: provider
	PipelineDuration prometheus.Observer

	// Gauges
	SocketClients   prometheus.Gauge
	ListenerRunning prometheus.Gauge // 1=connected to twitch, 0=stopped
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		AIRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "avatar_ai_requests_total", Help: "AI requests by provider and outcome"}, []string{"provider", "outcome"})
		ModerationVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "avatar_moderation_verdicts_total", Help: "Chat moderation decisions"}, []string{"verdict"})
		Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "avatar_socket_broadcasts_total", Help: "WebSocket events broadcast to clients"}, []string{"event"})
		ProviderDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "avatar_provider_duration_seconds", Help: "LLM provider call duration seconds", Buckets: prometheus.DefBuckets}, []string{"provider"})
		PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "avatar_pipeline_duration_seconds", Help: "End-to-end ask pipeline duration seconds", Buckets: prometheus.DefBuckets})
		SocketClients = promauto.NewGauge(prometheus.GaugeOpts{Name: "avatar_socket_clients", Help: "Connected WebSocket clients"})
		ListenerRunning = promauto.NewGauge(prometheus.GaugeOpts{Name: "avatar_listener_running", Help: "Twitch listener running=1 stopped=0"})
	})
}

// CountAIRequest increments the request counter for provider/outcome.
func CountAIRequest(provider, outcome string) {
	if AIRequests != nil {
		AIRequests.WithLabelValues(provider, outcome).Inc()
	}
}

// CountVerdict increments the moderation counter.
func CountVerdict(verdict string) {
	if ModerationVerdicts != nil {
		ModerationVerdicts.WithLabelValues(verdict).Inc()
	}
}

// CountBroadcast increments the broadcast counter for event.
func CountBroadcast(event string) {
	if Broadcasts != nil {
		Broadcasts.WithLabelValues(event).Inc()
	}
}

// ObserveProvider records a provider call duration.
func ObserveProvider(provider string, d time.Duration) {
	if ProviderDuration != nil {
		ProviderDuration.WithLabelValues(provider).Observe(d.Seconds())
	}
}

// SetSocketClients records the current number of WebSocket clients.
func SetSocketClients(n int) {
	if SocketClients != nil {
		SocketClients.Set(float64(n))
	}
}

// SetListenerRunning sets gauge to 1 if running else 0.
func SetListenerRunning(running bool) {
	if ListenerRunning == nil {
		return
	}
	if running {
		ListenerRunning.Set(1)
	} else {
		ListenerRunning.Set(0)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
