package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveCalls     prometheus.Gauge
	CallStarts      *prometheus.CounterVec
	Events          *prometheus.CounterVec
	AppMessages     *prometheus.CounterVec
	TransportErrors *prometheus.CounterVec
	WSMessages      *prometheus.CounterVec
	StartupLatency  prometheus.Histogram

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of joined voice calls.",
		}),
		CallStarts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_starts_total",
			Help:      "Call start attempts by outcome.",
		}, []string{"outcome"}),
		Events: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call events emitted by name.",
		}, []string{"event"}),
		AppMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "app_messages_total",
			Help:      "App messages by direction and kind.",
		}, []string{"direction", "kind"}),
		TransportErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Transport errors by source.",
		}, []string{"source"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Event stream WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		StartupLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_startup_latency_ms",
			Help:      "Latency from Start to joined call in milliseconds.",
			Buckets:   []float64{100, 250, 500, 750, 1000, 1500, 2500, 5000},
		}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) ObserveCallStart(outcome string) {
	if m == nil {
		return
	}
	m.CallStarts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveEvent(event string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveAppMessage(direction, kind string) {
	if m == nil {
		return
	}
	m.AppMessages.WithLabelValues(direction, kind).Inc()
}

func (m *Metrics) ObserveTransportError(source string) {
	if m == nil {
		return
	}
	m.TransportErrors.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, typ string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, typ).Inc()
}

func (m *Metrics) SetActiveCalls(n int) {
	if m == nil {
		return
	}
	m.ActiveCalls.Set(float64(n))
}

// ObserveStartupStage records one startup stage duration in the rolling
// window. The start_total stage also feeds the latency histogram.
func (m *Metrics) ObserveStartupStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.stages.Observe(stage, ms)
	if stage == StageStartTotal {
		m.StartupLatency.Observe(ms)
	}
}

func (m *Metrics) SnapshotStartupStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.stages.Snapshot()
}

func (m *Metrics) ResetStartupStages() {
	if m == nil {
		return
	}
	m.stages.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
