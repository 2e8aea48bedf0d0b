package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn stage names recorded in the rolling window.
const (
	StageFirstResponse = "first_response"
	StageFirstThought  = "first_thought"
	StageTurnTotal     = "turn_total"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveTurns          prometheus.Gauge
	TurnEvents           *prometheus.CounterVec
	DeliveryErrors       *prometheus.CounterVec
	ThoughtsExtracted    prometheus.Counter
	ResponsesGenerated   prometheus.Counter
	Fragments            prometheus.Counter
	FirstResponseLatency prometheus.Histogram
	FirstResponseSLOMiss prometheus.Counter

	firstResponseSLO time.Duration
	stages           *turnStageWindow
}

// NewMetrics registers on the default Prometheus registry.
func NewMetrics(namespace string, firstResponseSLO time.Duration) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace, firstResponseSLO)
}

func NewMetricsWith(reg prometheus.Registerer, namespace string, firstResponseSLO time.Duration) *Metrics {
	if firstResponseSLO <= 0 {
		firstResponseSLO = 2 * time.Second
	}
	factory := promauto.With(reg)
	return &Metrics{
		ActiveTurns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_turns",
			Help:      "Number of turns currently streaming.",
		}),
		TurnEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_events_total",
			Help:      "Turn lifecycle events by type.",
		}, []string{"event"}),
		DeliveryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_errors_total",
			Help:      "Delivery model failures by kind.",
		}, []string{"kind"}),
		ThoughtsExtracted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "thoughts_extracted_total",
			Help:      "Thought units extracted from reasoning streams.",
		}),
		ResponsesGenerated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_generated_total",
			Help:      "Delivery responses generated from thoughts.",
		}),
		Fragments: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_total",
			Help:      "Outward text fragments emitted.",
		}),
		FirstResponseLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_response_latency_ms",
			Help:      "Latency from turn start to the immediate response in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 5000},
		}),
		FirstResponseSLOMiss: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "first_response_slo_miss_total",
			Help:      "Turns whose immediate response exceeded the latency objective.",
		}),
		firstResponseSLO: firstResponseSLO,
		stages:           newTurnStageWindow(256),
	}
}

func (m *Metrics) ObserveFirstResponse(d time.Duration) {
	m.FirstResponseLatency.Observe(float64(d.Milliseconds()))
	m.ObserveTurnStage(StageFirstResponse, d)
	if d > m.firstResponseSLO {
		m.FirstResponseSLOMiss.Inc()
		m.ObserveTurnIndicator("first_response_slo_miss")
	}
}

func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveTurnIndicator(name string) {
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves a specific gatherer, used when metrics live on a private
// registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
