package posture

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-fleet/internal/event"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/metrics"
)

// ErrThingNotTracked is returned by Status for Things with no activity.
var ErrThingNotTracked = errors.New("posture: thing not tracked")

// Metric names a tracked behaviour.
type Metric string

const (
	MetricConnect     Metric = "connect"
	MetricPublish     Metric = "publish"
	MetricAuthFailure Metric = "auth_failure"
)

var allMetrics = []Metric{MetricConnect, MetricPublish, MetricAuthFailure}

// Severity grades a violation by how far the score exceeds the threshold.
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// severityFor maps score/threshold multiples to a severity.
func severityFor(score, threshold float64) Severity {
	switch {
	case threshold <= 0:
		return SeverityNone
	case score >= 8*threshold: //nolint:mnd // severity bands
		return SeverityCritical
	case score >= 4*threshold: //nolint:mnd // severity bands
		return SeverityHigh
	case score >= 2*threshold: //nolint:mnd // severity bands
		return SeverityMedium
	case score >= threshold:
		return SeverityLow
	}
	return SeverityNone
}

// Wildcard is the baseline key applied to Things without their own profile.
const Wildcard = "*"

// Baseline is the expected behaviour of a Thing, in events per minute.
type Baseline struct {
	ConnectRate        float64 `json:"connect_rate"`
	PublishRate        float64 `json:"publish_rate"`
	AuthFailureRate    float64 `json:"auth_failure_rate"`
	DeviationThreshold float64 `json:"deviation_threshold"`
}

func (b Baseline) rate(m Metric) float64 {
	switch m {
	case MetricConnect:
		return b.ConnectRate
	case MetricPublish:
		return b.PublishRate
	case MetricAuthFailure:
		return b.AuthFailureRate
	}
	return 0
}

// Violation is emitted when a metric's score crosses the threshold or
// escalates to a higher severity.
type Violation struct {
	ThingID    string    `json:"thing_id"`
	Metric     Metric    `json:"metric"`
	Severity   Severity  `json:"severity"`
	Score      float64   `json:"score"`
	ObservedAt time.Time `json:"observed_at"`
}

// Listener receives violations. It is called outside the monitor's lock.
type Listener func(Violation)

// Logger is the logging interface used by the monitor.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// counter is a ring of per-second buckets.
type counter struct {
	counts []int
	secs   []int64
}

func newCounter(seconds int) *counter {
	return &counter{counts: make([]int, seconds), secs: make([]int64, seconds)}
}

func (c *counter) add(sec int64) {
	i := int(sec % int64(len(c.counts)))
	if c.secs[i] != sec {
		c.secs[i] = sec
		c.counts[i] = 0
	}
	c.counts[i]++
}

// sum counts events in the window ending at sec.
func (c *counter) sum(sec int64) int {
	oldest := sec - int64(len(c.counts)) + 1
	n := 0
	for i, s := range c.secs {
		if s >= oldest && s <= sec {
			n += c.counts[i]
		}
	}
	return n
}

type thingState struct {
	counters map[Metric]*counter
	emitted  map[Metric]Severity
	lastSeen time.Time
}

// Monitor tracks posture per Thing.
type Monitor struct {
	mu        sync.Mutex
	window    int
	baselines map[string]Baseline
	things    map[string]*thingState

	listenersMu sync.RWMutex
	listeners   []Listener

	logger  Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewMonitor creates a monitor with a sliding window of windowSeconds.
func NewMonitor(windowSeconds int, baselines map[string]Baseline) *Monitor {
	if windowSeconds < 1 {
		windowSeconds = 60
	}
	if baselines == nil {
		baselines = map[string]Baseline{}
	}
	return &Monitor{
		window:    windowSeconds,
		baselines: baselines,
		things:    make(map[string]*thingState),
		logger:    noopLogger{},
		now:       time.Now,
	}
}

// BaselinesFrom converts configured profiles, keyed by Thing id or "*".
func BaselinesFrom(profiles []config.PostureProfile) map[string]Baseline {
	out := make(map[string]Baseline, len(profiles))
	for _, p := range profiles {
		out[p.ThingID] = Baseline{
			ConnectRate:        p.ConnectRate,
			PublishRate:        p.PublishRate,
			AuthFailureRate:    p.AuthFailureRate,
			DeviationThreshold: p.DeviationThreshold,
		}
	}
	return out
}

// SetLogger sets the logger.
func (m *Monitor) SetLogger(l Logger) {
	if l != nil {
		m.logger = l
	}
}

// SetMetrics sets the metrics collector.
func (m *Monitor) SetMetrics(mc *metrics.Metrics) { m.metrics = mc }

// OnViolation registers a listener.
func (m *Monitor) OnViolation(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// SetBaseline replaces the baseline for thingID (or "*").
func (m *Monitor) SetBaseline(thingID string, b Baseline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselines[thingID] = b
}

func (m *Monitor) baselineFor(thingID string) (Baseline, bool) {
	if b, ok := m.baselines[thingID]; ok {
		return b, true
	}
	b, ok := m.baselines[Wildcard]
	return b, ok
}

// RecordConnect counts a connection attempt.
func (m *Monitor) RecordConnect(thingID string) { m.Record(thingID, MetricConnect) }

// RecordPublish counts an accepted publish.
func (m *Monitor) RecordPublish(thingID string) { m.Record(thingID, MetricPublish) }

// RecordAuthFailure counts a failed authentication.
func (m *Monitor) RecordAuthFailure(thingID string) { m.Record(thingID, MetricAuthFailure) }

// Observe counts a routed event as a publish by its Thing.
func (m *Monitor) Observe(_ context.Context, ev event.Event) error {
	m.RecordPublish(ev.ThingID)
	return nil
}

// Record counts one occurrence of metric and emits a Violation when the
// score crosses into a new, higher severity.
func (m *Monitor) Record(thingID string, metric Metric) {
	if v, ok := m.record(thingID, metric); ok {
		m.metrics.PostureViolation(string(v.Metric), string(v.Severity))
		m.logger.Warn("posture violation",
			"thing_id", v.ThingID,
			"metric", v.Metric,
			"severity", v.Severity,
			"score", v.Score,
		)
		m.listenersMu.RLock()
		defer m.listenersMu.RUnlock()
		for _, l := range m.listeners {
			l(v)
		}
	}
}

func (m *Monitor) record(thingID string, metric Metric) (Violation, bool) {
	now := m.now()
	sec := now.Unix()

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.things[thingID]
	if !ok {
		st = &thingState{counters: make(map[Metric]*counter), emitted: make(map[Metric]Severity)}
		m.things[thingID] = st
	}
	st.lastSeen = now
	c, ok := st.counters[metric]
	if !ok {
		c = newCounter(m.window)
		st.counters[metric] = c
	}
	c.add(sec)

	b, ok := m.baselineFor(thingID)
	if !ok {
		return Violation{}, false
	}
	score := m.score(c.sum(sec), b.rate(metric))
	sev := severityFor(score, b.DeviationThreshold)
	if sev == SeverityNone {
		st.emitted[metric] = SeverityNone
		return Violation{}, false
	}
	if sev.rank() <= st.emitted[metric].rank() {
		return Violation{}, false
	}
	st.emitted[metric] = sev
	return Violation{ThingID: thingID, Metric: metric, Severity: sev, Score: score, ObservedAt: now}, true
}

// score is the observed per-minute rate over the baseline rate. A zero
// baseline scores the raw count.
func (m *Monitor) score(count int, baseline float64) float64 {
	if baseline <= 0 {
		return float64(count)
	}
	observed := float64(count) * 60 / float64(m.window) //nolint:mnd // per minute
	return observed / baseline
}

// MetricStatus is the current state of one metric.
type MetricStatus struct {
	Count    int      `json:"count"`
	Score    float64  `json:"score"`
	Severity Severity `json:"severity,omitempty"`
}

// Status is the posture of one Thing.
type Status struct {
	ThingID       string                  `json:"thing_id"`
	WindowSeconds int                     `json:"window_seconds"`
	Baseline      *Baseline               `json:"baseline,omitempty"`
	Metrics       map[Metric]MetricStatus `json:"metrics"`
	LastSeen      time.Time               `json:"last_seen"`
}

// Status returns the windowed counts and scores for thingID.
func (m *Monitor) Status(thingID string) (Status, error) {
	sec := m.now().Unix()

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.things[thingID]
	if !ok {
		return Status{}, ErrThingNotTracked
	}
	out := Status{
		ThingID:       thingID,
		WindowSeconds: m.window,
		Metrics:       make(map[Metric]MetricStatus, len(allMetrics)),
		LastSeen:      st.lastSeen,
	}
	b, hasBaseline := m.baselineFor(thingID)
	if hasBaseline {
		out.Baseline = &b
	}
	for _, metric := range allMetrics {
		var n int
		if c, ok := st.counters[metric]; ok {
			n = c.sum(sec)
		}
		ms := MetricStatus{Count: n}
		if hasBaseline {
			ms.Score = m.score(n, b.rate(metric))
			ms.Severity = severityFor(ms.Score, b.DeviationThreshold)
		}
		out.Metrics[metric] = ms
	}
	return out, nil
}

// Things lists tracked Thing ids.
func (m *Monitor) Things() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.things))
	for id := range m.things {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Sweep forgets Things idle for longer than the window. It returns the
// number removed.
func (m *Monitor) Sweep() int {
	cutoff := m.now().Add(-time.Duration(m.window) * time.Second)

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, st := range m.things {
		if st.lastSeen.Before(cutoff) {
			delete(m.things, id)
			n++
		}
	}
	return n
}

// Run sweeps idle Things once per window until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(m.window) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Debug("posture sweep", "removed", n)
			}
		}
	}
}
