package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions  prometheus.Gauge
	SessionEvents   *prometheus.CounterVec
	Turns           *prometheus.CounterVec
	DegradedRecalls prometheus.Counter
	MemoryWrites    *prometheus.CounterVec
	RecallLatency   prometheus.Histogram
	ProviderErrors  *prometheus.CounterVec
	ToolInvocations *prometheus.CounterVec
	TokensUsed      *prometheus.CounterVec
	WSMessages      *prometheus.CounterVec

	turnStages *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		turnStages: newTurnStageWindow(256),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active chat sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		Turns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed turns by final state.",
		}, []string{"state"}),
		DegradedRecalls: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_recalls_total",
			Help:      "Turns that ran without long-term memory context.",
		}),
		MemoryWrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_writes_total",
			Help:      "Memory write candidates by outcome.",
		}, []string{"outcome"}),
		RecallLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recall_latency_ms",
			Help:      "Latency of long-term memory recall in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 200, 400, 800},
		}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		ToolInvocations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "Tool invocations by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		TokensUsed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Model tokens consumed by direction.",
		}, []string{"direction"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
	}
}

func (m *Metrics) ObserveRecallLatency(d time.Duration) {
	m.RecallLatency.Observe(float64(d.Milliseconds()))
}

// ObserveTurnStage records one stage latency sample in the rolling window.
func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	m.turnStages.Observe(stage, float64(d.Milliseconds()))
}

// ObserveTurnIndicator bumps a named turn-quality counter in the window.
func (m *Metrics) ObserveTurnIndicator(name string) {
	m.turnStages.ObserveIndicator(name)
}

// SnapshotTurnStages returns per-stage latency percentiles for the ops
// endpoint.
func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	return m.turnStages.Snapshot()
}

// ResetTurnStages clears the rolling window.
func (m *Metrics) ResetTurnStages() {
	m.turnStages.Reset()
}

func (m *Metrics) AddUsage(inputTokens, outputTokens int) {
	m.TokensUsed.WithLabelValues("input").Add(float64(inputTokens))
	m.TokensUsed.WithLabelValues("output").Add(float64(outputTokens))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
