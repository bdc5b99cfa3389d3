// Package metrics holds the prometheus collectors for every pipeline stage.
//
// All methods are nil-safe: a component built without metrics receives a
// nil *Metrics and the calls become no-ops.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleet"

// Metrics owns a private registry and the fleet collectors.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive   prometheus.Gauge
	framesTotal      *prometheus.CounterVec
	authFailures     *prometheus.CounterVec
	sessionsRevoked  prometheus.Counter
	queueBlocked     prometheus.Counter
	eventsAbandoned  prometheus.Counter
	eventsRouted     prometheus.Counter
	ruleMatches      *prometheus.CounterVec
	ruleErrors       *prometheus.CounterVec
	snapshotVersion  prometheus.Gauge
	deliveries       *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	shadowUpdates    *prometheus.CounterVec
	detectorTransits *prometheus.CounterVec
	detectorGaps     prometheus.Counter
	postureViolation *prometheus.CounterVec
	provisions       *prometheus.CounterVec
}

// New creates and registers all collectors plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "sessions_active",
			Help: "Device sessions currently open",
		}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "frames_total",
			Help: "Device frames by outcome",
		}, []string{"result"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "auth_failures_total",
			Help: "Rejected session attempts by reason",
		}, []string{"reason"}),
		sessionsRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "sessions_revoked_total",
			Help: "Sessions terminated by identity revocation",
		}),
		queueBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "queue_blocked_total",
			Help: "Times a session stopped reading because its queue was full",
		}),
		eventsAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "events_abandoned_total",
			Help: "Accepted events that could not be handed to the router before their session ended",
		}),
		eventsRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "events_total",
			Help: "Events evaluated against the active rule snapshot",
		}),
		ruleMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "rule_matches_total",
			Help: "Rule triggers",
		}, []string{"rule_id"}),
		ruleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "rule_errors_total",
			Help: "Rules skipped because their predicate failed to evaluate",
		}, []string{"rule_id"}),
		snapshotVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "router", Name: "snapshot_version",
			Help: "Version of the active rule set",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "attempts_total",
			Help: "Sink delivery attempts by outcome",
		}, []string{"sink", "result"}),
		deliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "duration_seconds",
			Help:    "Time from first attempt to success or dead letter",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"sink"}),
		shadowUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "shadow", Name: "updates_total",
			Help: "Shadow patches by half and outcome",
		}, []string{"half", "result"}),
		detectorTransits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "detector", Name: "transitions_total",
			Help: "Detector state transitions by target state",
		}, []string{"to"}),
		detectorGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "detector", Name: "data_gaps_total",
			Help: "Entity ticks without a pending sample",
		}),
		postureViolation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "posture", Name: "violations_total",
			Help: "Posture violations by metric and severity",
		}, []string{"metric", "severity"}),
		provisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "provisioning", Name: "requests_total",
			Help: "Provisioning requests by outcome",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsActive, m.framesTotal, m.authFailures, m.sessionsRevoked, m.queueBlocked, m.eventsAbandoned,
		m.eventsRouted, m.ruleMatches, m.ruleErrors, m.snapshotVersion,
		m.deliveries, m.deliveryDuration,
		m.shadowUpdates,
		m.detectorTransits, m.detectorGaps,
		m.postureViolation,
		m.provisions,
	)
	return m
}

// Registry exposes the underlying registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SessionOpened and SessionClosed track the active session gauge.
func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessionsActive.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessionsActive.Dec()
	}
}

// Frame counts a device frame by result (accepted, regressed, invalid, forbidden_topic).
func (m *Metrics) Frame(result string) {
	if m != nil {
		m.framesTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) AuthFailure(reason string) {
	if m != nil {
		m.authFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) SessionRevoked() {
	if m != nil {
		m.sessionsRevoked.Inc()
	}
}

func (m *Metrics) QueueBlocked() {
	if m != nil {
		m.queueBlocked.Inc()
	}
}

// EventsAbandoned counts accepted events a closing session could not hand on.
func (m *Metrics) EventsAbandoned(n int) {
	if m != nil && n > 0 {
		m.eventsAbandoned.Add(float64(n))
	}
}

func (m *Metrics) EventRouted() {
	if m != nil {
		m.eventsRouted.Inc()
	}
}

func (m *Metrics) RuleMatched(ruleID string) {
	if m != nil {
		m.ruleMatches.WithLabelValues(ruleID).Inc()
	}
}

func (m *Metrics) RuleError(ruleID string) {
	if m != nil {
		m.ruleErrors.WithLabelValues(ruleID).Inc()
	}
}

func (m *Metrics) SnapshotVersion(v int64) {
	if m != nil {
		m.snapshotVersion.Set(float64(v))
	}
}

// Delivery counts one attempt outcome (ok, retry, dead_letter, fatal).
func (m *Metrics) Delivery(sink, result string) {
	if m != nil {
		m.deliveries.WithLabelValues(sink, result).Inc()
	}
}

func (m *Metrics) DeliveryDuration(sink string, d time.Duration) {
	if m != nil {
		m.deliveryDuration.WithLabelValues(sink).Observe(d.Seconds())
	}
}

// ShadowUpdate counts a patch outcome (applied, noop, conflict).
func (m *Metrics) ShadowUpdate(half, result string) {
	if m != nil {
		m.shadowUpdates.WithLabelValues(half, result).Inc()
	}
}

func (m *Metrics) DetectorTransition(to string) {
	if m != nil {
		m.detectorTransits.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) DetectorGap() {
	if m != nil {
		m.detectorGaps.Inc()
	}
}

func (m *Metrics) PostureViolation(metric, severity string) {
	if m != nil {
		m.postureViolation.WithLabelValues(metric, severity).Inc()
	}
}

// Provision counts a provisioning outcome (created, replayed, claim_invalid, key_mismatch, error).
func (m *Metrics) Provision(result string) {
	if m != nil {
		m.provisions.WithLabelValues(result).Inc()
	}
}
