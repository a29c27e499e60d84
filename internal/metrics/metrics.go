// Package metrics exposes Prometheus metrics for the live pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a live recording console.
type Metrics struct {
	registry *prometheus.Registry

	// Session lifecycle
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Audio flow
	AudioBytesTotal *prometheus.CounterVec

	// Transcript
	TurnsSealedTotal    *prometheus.CounterVec
	TurnsDiscardedTotal prometheus.Counter

	// Secondary agents
	AgentDispatchesTotal *prometheus.CounterVec
	AgentCooldownSkips   *prometheus.CounterVec

	// Persistence
	AutosavesTotal *prometheus.CounterVec
}

// New creates a Metrics instance with everything registered on a fresh
// registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voxstage"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of active live sessions",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of live sessions",
		},
		[]string{"status"},
	)

	sessionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Live session duration in seconds",
			Buckets:   []float64{10, 30, 60, 300, 600, 1800, 3600, 7200},
		},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Total audio bytes moved through the live session",
		},
		[]string{"direction"},
	)

	turnsSealedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_sealed_total",
			Help:      "Total sealed transcript turns",
		},
		[]string{"role"},
	)

	turnsDiscardedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_discarded_total",
			Help:      "Total empty agent turns discarded at turn completion",
		},
	)

	agentDispatchesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_dispatches_total",
			Help:      "Total secondary agent dispatches",
		},
		[]string{"agent", "outcome"},
	)

	agentCooldownSkips := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_cooldown_skips_total",
			Help:      "Turns not offered to an agent because its cooldown was active",
		},
		[]string{"agent"},
	)

	autosavesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autosaves_total",
			Help:      "Total autosave attempts",
		},
		[]string{"outcome"},
	)

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		audioBytesTotal,
		turnsSealedTotal,
		turnsDiscardedTotal,
		agentDispatchesTotal,
		agentCooldownSkips,
		autosavesTotal,
	)

	return &Metrics{
		registry:             registry,
		SessionsActive:       sessionsActive,
		SessionsTotal:        sessionsTotal,
		SessionDuration:      sessionDuration,
		AudioBytesTotal:      audioBytesTotal,
		TurnsSealedTotal:     turnsSealedTotal,
		TurnsDiscardedTotal:  turnsDiscardedTotal,
		AgentDispatchesTotal: agentDispatchesTotal,
		AgentCooldownSkips:   agentCooldownSkips,
		AutosavesTotal:       autosavesTotal,
	}
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
}

func (m *Metrics) RecordSessionEnd(status string, duration time.Duration) {
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordAudio(direction string, bytes int) {
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

func (m *Metrics) RecordTurnSealed(role string) {
	m.TurnsSealedTotal.WithLabelValues(role).Inc()
}

func (m *Metrics) RecordTurnDiscarded() {
	m.TurnsDiscardedTotal.Inc()
}

func (m *Metrics) RecordAgentDispatch(agent, outcome string) {
	m.AgentDispatchesTotal.WithLabelValues(agent, outcome).Inc()
}

func (m *Metrics) RecordCooldownSkip(agent string) {
	m.AgentCooldownSkips.WithLabelValues(agent).Inc()
}

func (m *Metrics) RecordAutosave(outcome string) {
	m.AutosavesTotal.WithLabelValues(outcome).Inc()
}
