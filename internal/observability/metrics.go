// Package observability exposes Prometheus metrics and the structured
// logger used across the gateway.
package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks gateway activity:
//   - message flow per channel and direction
//   - command dispatches per command and status
//   - agent turns, their duration, and error classes
//   - memory retrieval latency and outcomes
//   - active session counts
type Metrics struct {
	// MessageCounter counts messages by channel and direction.
	// Labels: channel (telegram|discord|email), direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// CommandCounter counts command dispatches.
	// Labels: command, status (ok|error|denied)
	CommandCounter *prometheus.CounterVec

	// TurnDuration measures agent turn wall time in seconds.
	// Labels: agent
	TurnDuration *prometheus.HistogramVec

	// AgentErrorCounter counts agent invocation failures.
	// Labels: agent, error_type (timeout|exit_code|not_found|exec)
	AgentErrorCounter *prometheus.CounterVec

	// RetrievalLatency measures memory retrieval latency in seconds.
	// Labels: method (vector|fts|recency)
	RetrievalLatency *prometheus.HistogramVec

	// ActiveSessions gauges live sessions per agent.
	ActiveSessions *prometheus.GaugeVec
}

// NewMetrics registers all metrics on reg (nil uses the default
// registry). Call once at startup.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		MessageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kapy_messages_total",
				Help: "Total messages processed by channel and direction",
			},
			[]string{"channel", "direction"},
		),
		CommandCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kapy_commands_total",
				Help: "Total command dispatches by command and status",
			},
			[]string{"command", "status"},
		),
		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kapy_agent_turn_duration_seconds",
				Help:    "Wall time of agent turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"agent"},
		),
		AgentErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kapy_agent_errors_total",
				Help: "Total agent invocation failures by agent and error type",
			},
			[]string{"agent", "error_type"},
		),
		RetrievalLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kapy_memory_retrieval_seconds",
				Help:    "Memory retrieval latency in seconds by method",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"method"},
		),
		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kapy_active_sessions",
				Help: "Current number of live sessions by agent",
			},
			[]string{"agent"},
		),
	}
}

// MessageReceived increments the inbound message counter.
func (m *Metrics) MessageReceived(channel string) {
	m.MessageCounter.WithLabelValues(channel, "inbound").Inc()
}

// MessageSent increments the outbound message counter.
func (m *Metrics) MessageSent(channel string) {
	m.MessageCounter.WithLabelValues(channel, "outbound").Inc()
}

// CommandDispatched records one command dispatch outcome.
func (m *Metrics) CommandDispatched(command, status string) {
	m.CommandCounter.WithLabelValues(command, status).Inc()
}

// RecordTurn records a finished agent turn.
func (m *Metrics) RecordTurn(agent string, duration time.Duration) {
	m.TurnDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// RecordAgentError counts one failed invocation.
func (m *Metrics) RecordAgentError(agent, errorType string) {
	m.AgentErrorCounter.WithLabelValues(agent, errorType).Inc()
}

// RecordRetrieval records one memory retrieval.
func (m *Metrics) RecordRetrieval(method string, latency time.Duration) {
	m.RetrievalLatency.WithLabelValues(method).Observe(latency.Seconds())
}

// SessionOpened / SessionClosed move the live-session gauge.
func (m *Metrics) SessionOpened(agent string) { m.ActiveSessions.WithLabelValues(agent).Inc() }
func (m *Metrics) SessionClosed(agent string) { m.ActiveSessions.WithLabelValues(agent).Dec() }

// MetricsServer serves /metrics on its own listener.
type MetricsServer struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewMetricsServer builds the endpoint. Start it with Start; it serves
// the default registry.
func NewMetricsServer(listen string, logger *slog.Logger) *MetricsServer {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &MetricsServer{
		srv:    &http.Server{Addr: listen, Handler: mux},
		logger: logger.With("component", "metrics"),
	}
}

// Start serves in the background until Shutdown.
func (s *MetricsServer) Start() {
	go func() {
		s.logger.Info("metrics endpoint listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server", "error", err)
		}
	}()
}

// Shutdown stops the endpoint.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
