// internal/metrics/metrics.go
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's Prometheus collectors. All methods are safe
// on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	ReadingsTotal       *prometheus.CounterVec
	AdapterErrorsTotal  *prometheus.CounterVec
	SensorStatusChanges *prometheus.CounterVec
	RuleMatchesTotal    *prometheus.CounterVec
	RuleSkipsTotal      *prometheus.CounterVec
	CapsuleEventsTotal  *prometheus.CounterVec
	ActiveCapsules      prometheus.Gauge
	PendingCapsules     prometheus.Gauge
	ConsensusDecisions  *prometheus.CounterVec
	ConsensusLatency    prometheus.Histogram
	ValidatorErrors     *prometheus.CounterVec
	BroadcastPublished  *prometheus.CounterVec
	BroadcastDropped    *prometheus.CounterVec
	WebsocketClients    prometheus.Gauge
}

// New registers every collector on a fresh registry, so several instances
// can coexist in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ReadingsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capsuleflow_readings_total",
			Help: "Sensor readings received from adapters.",
		}, []string{"sensor_id"}),
		AdapterErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capsuleflow_adapter_errors_total",
			Help: "Errors reported by protocol adapters.",
		}, []string{"sensor_id", "fatal"}),
		SensorStatusChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capsuleflow_sensor_status_changes_total",
			Help: "Sensor status transitions by target status.",
		}, []string{"status"}),
		RuleMatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capsuleflow_rule_matches_total",
			Help: "Readings that satisfied a rule condition.",
		}, []string{"rule_id"}),
		RuleSkipsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capsuleflow_rule_skips_total",
			Help: "Rule evaluations skipped, by reason.",
		}, []string{"reason"}),
		CapsuleEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capsuleflow_capsule_events_total",
			Help: "Capsule lifecycle events emitted.",
		}, []string{"type"}),
		ActiveCapsules: factory.NewGauge(prometheus.GaugeOpts{
			Name: "capsuleflow_active_capsules",
			Help: "Capsules currently active.",
		}),
		PendingCapsules: factory.NewGauge(prometheus.GaugeOpts{
			Name: "capsuleflow_pending_consensus_capsules",
			Help: "Capsules awaiting a consensus decision.",
		}),
		ConsensusDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capsuleflow_consensus_decisions_total",
			Help: "Consensus gate decisions by outcome.",
		}, []string{"outcome"}),
		ConsensusLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "capsuleflow_consensus_latency_seconds",
			Help:    "Time to reach a consensus decision.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		ValidatorErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capsuleflow_validator_errors_total",
			Help: "Validator queries that failed or timed out.",
		}, []string{"validator"}),
		BroadcastPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capsuleflow_broadcast_published_total",
			Help: "Messages handed to a broadcast transport.",
		}, []string{"transport"}),
		BroadcastDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capsuleflow_broadcast_dropped_total",
			Help: "Messages dropped because a transport or subscriber could not take them.",
		}, []string{"transport"}),
		WebsocketClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "capsuleflow_websocket_clients",
			Help: "Connected websocket subscribers.",
		}),
	}
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) IncReading(sensorID string) {
	if m == nil {
		return
	}
	m.ReadingsTotal.WithLabelValues(sensorID).Inc()
}

func (m *Metrics) IncAdapterError(sensorID string, fatal bool) {
	if m == nil {
		return
	}
	m.AdapterErrorsTotal.WithLabelValues(sensorID, strconv.FormatBool(fatal)).Inc()
}

func (m *Metrics) IncSensorStatus(status string) {
	if m == nil {
		return
	}
	m.SensorStatusChanges.WithLabelValues(status).Inc()
}

func (m *Metrics) IncRuleMatch(ruleID string) {
	if m == nil {
		return
	}
	m.RuleMatchesTotal.WithLabelValues(ruleID).Inc()
}

func (m *Metrics) IncRuleSkip(reason string) {
	if m == nil {
		return
	}
	m.RuleSkipsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncCapsuleEvent(eventType string) {
	if m == nil {
		return
	}
	m.CapsuleEventsTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SetCapsuleGauges(active, pending int) {
	if m == nil {
		return
	}
	m.ActiveCapsules.Set(float64(active))
	m.PendingCapsules.Set(float64(pending))
}

func (m *Metrics) ObserveConsensus(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.ConsensusDecisions.WithLabelValues(outcome).Inc()
	m.ConsensusLatency.Observe(took.Seconds())
}

func (m *Metrics) IncValidatorError(validator string) {
	if m == nil {
		return
	}
	m.ValidatorErrors.WithLabelValues(validator).Inc()
}

func (m *Metrics) IncBroadcastPublished(transport string) {
	if m == nil {
		return
	}
	m.BroadcastPublished.WithLabelValues(transport).Inc()
}

func (m *Metrics) IncBroadcastDropped(transport string) {
	if m == nil {
		return
	}
	m.BroadcastDropped.WithLabelValues(transport).Inc()
}

func (m *Metrics) SetWebsocketClients(n int) {
	if m == nil {
		return
	}
	m.WebsocketClients.Set(float64(n))
}
