// Package metrics provides Prometheus metrics for attestation sessions.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "ultrablue"

// DurationBuckets covers sessions from a fast loopback run to a slow BLE
// handshake.
var DurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120}

// Metrics holds the session collectors.
type Metrics struct {
	registry *prometheus.Registry

	// Counters
	SessionsStarted *prometheus.CounterVec
	Outcomes        *prometheus.CounterVec
	Failures        *prometheus.CounterVec

	// Gauges
	ActiveSessions prometheus.Gauge

	// Histograms
	SessionDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,

		SessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of attestation sessions started",
		}, []string{"mode"}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "session_outcomes_total",
			Help:      "Total number of sessions by outcome",
		}, []string{"mode", "outcome"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "session_failures_total",
			Help:      "Total number of failed sessions by failure kind",
		}, []string{"kind"}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently holding a radio lease",
		}),

		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of attestation sessions in seconds",
			Buckets:   DurationBuckets,
		}, []string{"mode"}),
	}
	reg.MustRegister(
		m.SessionsStarted,
		m.Outcomes,
		m.Failures,
		m.ActiveSessions,
		m.SessionDuration,
	)
	return m
}

// Registry returns the underlying registry, for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// SessionStarted counts a session and marks it active.
func (m *Metrics) SessionStarted(mode string) {
	if m == nil {
		return
	}
	m.SessionsStarted.WithLabelValues(mode).Inc()
	m.ActiveSessions.Inc()
}

// SessionEnded records the outcome of a session started with
// SessionStarted. kind is empty on success.
func (m *Metrics) SessionEnded(mode, outcome, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.Outcomes.WithLabelValues(mode, outcome).Inc()
	if kind != "" {
		m.Failures.WithLabelValues(kind).Inc()
	}
	m.SessionDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics and any extra routes on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger, routes map[string]http.Handler) error {
	if logger == nil {
		logger = slog.Default().With("component", "metrics")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	for pattern, h := range routes {
		mux.Handle(pattern, h)
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "address", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
