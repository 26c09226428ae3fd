// Package observability provides Prometheus metrics and OpenTelemetry tracing
// for the invocation engine.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gatewaykit/oagw-go/pkg/breaker"
)

// MetricsConfig configures the metrics provider.
type MetricsConfig struct {
	// Service identification
	ServiceName    string
	ServiceVersion string
	Environment    string

	// MetricsPath is the HTTP path for the metrics endpoint (default: /metrics).
	MetricsPath string
	// MetricsPort is the port for the optional metrics server (default: 9090).
	MetricsPort int

	// Namespace is the Prometheus namespace (default: oagw).
	Namespace string
	// HistogramBuckets are latency buckets in milliseconds.
	HistogramBuckets []float64

	// Registerer receives the collectors. Defaults to the global registry.
	Registerer prometheus.Registerer

	// ConstLabels are added to all metrics.
	ConstLabels prometheus.Labels
}

// Metrics records invocation engine activity.
type Metrics struct {
	config MetricsConfig
	server *http.Server

	invocationDuration *prometheus.HistogramVec
	invocationTotal    *prometheus.CounterVec
	retryTotal         *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	rateLimitRejected  *prometheus.CounterVec
	tokenCacheEvents   *prometheus.CounterVec
	streamChunks       prometheus.Counter
	streamBytes        prometheus.Counter
	streamAborts       *prometheus.CounterVec
	auditDropped       prometheus.Counter
}

// NewMetrics creates and registers the engine's metric collectors.
func NewMetrics(config MetricsConfig) (*Metrics, error) {
	if config.Namespace == "" {
		config.Namespace = "oagw"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.MetricsPort == 0 {
		config.MetricsPort = 9090
	}
	if config.HistogramBuckets == nil {
		config.HistogramBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
	}
	if config.Registerer == nil {
		config.Registerer = prometheus.DefaultRegisterer
	}
	if config.ConstLabels == nil {
		config.ConstLabels = prometheus.Labels{}
	}
	if config.ServiceName != "" {
		config.ConstLabels["service"] = config.ServiceName
	}
	if config.ServiceVersion != "" {
		config.ConstLabels["version"] = config.ServiceVersion
	}
	if config.Environment != "" {
		config.ConstLabels["environment"] = config.Environment
	}

	m := &Metrics{config: config}
	m.initializeMetrics()

	if err := m.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initializeMetrics() {
	ns := m.config.Namespace
	labels := m.config.ConstLabels

	m.invocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Name:        "invocation_duration_milliseconds",
			Help:        "Duration of outbound invocations in milliseconds",
			Buckets:     m.config.HistogramBuckets,
			ConstLabels: labels,
		},
		[]string{"route", "outcome"},
	)

	m.invocationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "invocations_total",
			Help:        "Total number of outbound invocations",
			ConstLabels: labels,
		},
		[]string{"route", "outcome"},
	)

	m.retryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "retry_attempts_total",
			Help:        "Total number of retry attempts",
			ConstLabels: labels,
		},
		[]string{"route", "condition"},
	)

	m.breakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "breaker_transitions_total",
			Help:        "Circuit breaker state transitions",
			ConstLabels: labels,
		},
		[]string{"from", "to"},
	)

	m.rateLimitRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "rate_limit_rejections_total",
			Help:        "Invocations rejected by the local rate limiter",
			ConstLabels: labels,
		},
		[]string{"route"},
	)

	m.tokenCacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "token_cache_events_total",
			Help:        "Token cache hits and misses",
			ConstLabels: labels,
		},
		[]string{"event"},
	)

	m.streamChunks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "stream_chunks_total",
			Help:        "Total streamed chunks delivered",
			ConstLabels: labels,
		},
	)

	m.streamBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "stream_bytes_total",
			Help:        "Total streamed bytes delivered",
			ConstLabels: labels,
		},
	)

	m.streamAborts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "stream_aborts_total",
			Help:        "Streams terminated by an abort",
			ConstLabels: labels,
		},
		[]string{"reason"},
	)

	m.auditDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "audit_records_dropped_total",
			Help:        "Audit records dropped under best-effort delivery",
			ConstLabels: labels,
		},
	)
}

func (m *Metrics) registerMetrics() error {
	collectors := []prometheus.Collector{
		m.invocationDuration,
		m.invocationTotal,
		m.retryTotal,
		m.breakerTransitions,
		m.rateLimitRejected,
		m.tokenCacheEvents,
		m.streamChunks,
		m.streamBytes,
		m.streamAborts,
		m.auditDropped,
	}
	for _, c := range collectors {
		if err := m.config.Registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// RecordInvocation records a completed unary or stream-open invocation.
func (m *Metrics) RecordInvocation(routeID uuid.UUID, outcome string, duration time.Duration) {
	route := routeID.String()
	m.invocationTotal.WithLabelValues(route, outcome).Inc()
	m.invocationDuration.WithLabelValues(route, outcome).Observe(float64(duration.Milliseconds()))
}

// RecordRetry records one retry attempt and the condition that triggered it.
func (m *Metrics) RecordRetry(routeID uuid.UUID, condition string) {
	m.retryTotal.WithLabelValues(routeID.String(), condition).Inc()
}

// RecordRateLimitRejection records a local rate-limit rejection.
func (m *Metrics) RecordRateLimitRejection(routeID uuid.UUID) {
	m.rateLimitRejected.WithLabelValues(routeID.String()).Inc()
}

// RecordTokenCache records a token cache hit or miss.
func (m *Metrics) RecordTokenCache(event string) {
	m.tokenCacheEvents.WithLabelValues(event).Inc()
}

// RecordStreamChunk records one delivered chunk and its size.
func (m *Metrics) RecordStreamChunk(bytes int) {
	m.streamChunks.Inc()
	m.streamBytes.Add(float64(bytes))
}

// RecordStreamAbort records a terminal stream abort.
func (m *Metrics) RecordStreamAbort(reason string) {
	m.streamAborts.WithLabelValues(reason).Inc()
}

// RecordAuditDrop records an audit record lost to backpressure.
func (m *Metrics) RecordAuditDrop() {
	m.auditDropped.Inc()
}

// BreakerHook adapts the metrics recorder to the breaker table's
// transition hook.
func (m *Metrics) BreakerHook() func(routeID, linkID uuid.UUID, from, to breaker.State) {
	return func(_, _ uuid.UUID, from, to breaker.State) {
		m.breakerTransitions.WithLabelValues(from.String(), to.String()).Inc()
	}
}

// Start serves the metrics endpoint on the configured port. It blocks until
// the server stops.
func (m *Metrics) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(m.config.MetricsPath, promhttp.Handler())

	m.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", m.config.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return m.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Shutdown stops the metrics server if one is running.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
