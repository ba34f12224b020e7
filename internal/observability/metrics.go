package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the proxy pipeline:
// request flow, token accounting, retries, circuit state, credential
// refresh activity, linker outcomes, and storage latency.
type Metrics struct {
	// RequestCounter counts proxied inference requests.
	// Labels: domain, model, status (completed|partial|error)
	RequestCounter *prometheus.CounterVec

	// RequestDuration measures end-to-end proxy latency in seconds.
	// Labels: domain, model
	RequestDuration *prometheus.HistogramVec

	// TokensUsed tracks token consumption per domain.
	// Labels: domain, model, type (input|output|cache_creation|cache_read)
	TokensUsed *prometheus.CounterVec

	// RetryCounter counts upstream retry attempts by error class.
	// Labels: reason
	RetryCounter *prometheus.CounterVec

	// CircuitState reports breaker state per upstream
	// (0 closed, 1 half-open, 2 open).
	CircuitState *prometheus.GaugeVec

	// RefreshCounter counts credential refresh outcomes.
	// Labels: outcome (success|failure|concurrent_wait)
	RefreshCounter *prometheus.CounterVec

	// RefreshInflight is the number of refreshes currently running.
	RefreshInflight prometheus.Gauge

	// RefreshCooldowns is the number of paths in failure cooldown.
	RefreshCooldowns prometheus.Gauge

	// LinkerResolutions counts conversation link outcomes.
	// Labels: outcome (new|continued|branched|subtask|compact|fallback)
	LinkerResolutions *prometheus.CounterVec

	// NotificationCounter counts dispatched notifications.
	// Labels: channel (slack|telemetry), status (sent|suppressed|error)
	NotificationCounter *prometheus.CounterVec

	// StorageQueryDuration measures store query latency in seconds.
	// Labels: operation
	StorageQueryDuration *prometheus.HistogramVec

	// HTTPRequestDuration measures inbound HTTP latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// Circuit state gauge values.
const (
	CircuitGaugeClosed   = 0
	CircuitGaugeHalfOpen = 1
	CircuitGaugeOpen     = 2
)

// NewMetrics registers the relay collectors. A nil registerer uses the
// default registry; tests pass their own to avoid duplicate
// registration across cases.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_requests_total",
				Help: "Total proxied inference requests by domain, model, and status",
			},
			[]string{"domain", "model", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_request_duration_seconds",
				Help:    "End-to-end proxy request latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"domain", "model"},
		),

		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tokens_total",
				Help: "Token consumption by domain, model, and token type",
			},
			[]string{"domain", "model", "type"},
		),

		RetryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_upstream_retries_total",
				Help: "Upstream retry attempts by error class",
			},
			[]string{"reason"},
		),

		CircuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_circuit_state",
				Help: "Circuit breaker state per upstream (0 closed, 1 half-open, 2 open)",
			},
			[]string{"upstream"},
		),

		RefreshCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_credential_refreshes_total",
				Help: "OAuth credential refresh outcomes",
			},
			[]string{"outcome"},
		),

		RefreshInflight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_credential_refreshes_inflight",
				Help: "Credential refreshes currently in flight",
			},
		),

		RefreshCooldowns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_credential_refresh_cooldowns",
				Help: "Credential paths currently in failure cooldown",
			},
		),

		LinkerResolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_linker_resolutions_total",
				Help: "Conversation linking outcomes",
			},
			[]string{"outcome"},
		),

		NotificationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_notifications_total",
				Help: "Dispatched notifications by channel and status",
			},
			[]string{"channel", "status"},
		),

		StorageQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_storage_query_duration_seconds",
				Help:    "Store query latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "Inbound HTTP request latency in seconds",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordRequest records one completed proxy request with its token
// usage.
func (m *Metrics) RecordRequest(domain, model, status string, durationSeconds float64, input, output, cacheCreation, cacheRead int) {
	m.RequestCounter.WithLabelValues(domain, model, status).Inc()
	m.RequestDuration.WithLabelValues(domain, model).Observe(durationSeconds)
	for _, tokens := range []struct {
		kind  string
		count int
	}{
		{"input", input},
		{"output", output},
		{"cache_creation", cacheCreation},
		{"cache_read", cacheRead},
	} {
		if tokens.count > 0 {
			m.TokensUsed.WithLabelValues(domain, model, tokens.kind).Add(float64(tokens.count))
		}
	}
}

// RecordRetry counts one retried attempt.
func (m *Metrics) RecordRetry(reason string) {
	m.RetryCounter.WithLabelValues(reason).Inc()
}

// SetCircuitState publishes a breaker state change.
func (m *Metrics) SetCircuitState(upstream string, state float64) {
	m.CircuitState.WithLabelValues(upstream).Set(state)
}

// RecordRefresh counts one credential refresh outcome.
func (m *Metrics) RecordRefresh(outcome string) {
	m.RefreshCounter.WithLabelValues(outcome).Inc()
}

// RecordLinkerResolution counts one conversation link outcome.
func (m *Metrics) RecordLinkerResolution(outcome string) {
	m.LinkerResolutions.WithLabelValues(outcome).Inc()
}

// RecordNotification counts one notification dispatch.
func (m *Metrics) RecordNotification(channel, status string) {
	m.NotificationCounter.WithLabelValues(channel, status).Inc()
}

// ObserveStorageQuery records a store query latency.
func (m *Metrics) ObserveStorageQuery(operation string, seconds float64) {
	m.StorageQueryDuration.WithLabelValues(operation).Observe(seconds)
}

// ObserveHTTPRequest records an inbound request latency.
func (m *Metrics) ObserveHTTPRequest(method, path, statusCode string, seconds float64) {
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(seconds)
}
