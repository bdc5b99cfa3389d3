package detector

import (
	"errors"
	"fmt"
	"time"
)

// ErrDataGap is returned when an entity has no sample in a tick.
var ErrDataGap = errors.New("detector: no sample in tick")

// ErrInvalidConfig is returned for unusable detector configurations.
var ErrInvalidConfig = errors.New("detector: invalid config")

// State is the detector state of one entity.
type State string

const (
	StateNormal  State = "NORMAL"
	StateWarning State = "WARNING"
	StateAlarm   State = "ALARM"
)

// up returns the next state toward ALARM.
func (s State) up() State {
	if s == StateNormal {
		return StateWarning
	}
	return StateAlarm
}

// down returns the next state toward NORMAL.
func (s State) down() State {
	if s == StateAlarm {
		return StateWarning
	}
	return StateNormal
}

// Wildcard matches every Thing in Config.ThingID.
const Wildcard = "*"

// Config describes one monitored entity, or with ThingID "*" one entity
// per Thing reporting Field.
type Config struct {
	EntityID        string  `json:"entity_id" yaml:"entity_id"`
	ThingID         string  `json:"thing_id" yaml:"thing_id"`
	Field           string  `json:"field" yaml:"field"`
	HighThreshold   float64 `json:"high_threshold" yaml:"high_threshold"`
	LowThreshold    float64 `json:"low_threshold" yaml:"low_threshold"`
	ConsecutiveHigh int     `json:"consecutive_high" yaml:"consecutive_high"`
	ConsecutiveLow  int     `json:"consecutive_low" yaml:"consecutive_low"`
	WindowSize      int     `json:"window_size" yaml:"window_size"`
}

const defaultWindowSize = 16

// Validate checks thresholds and counts.
func (c Config) Validate() error {
	switch {
	case c.Field == "":
		return fmt.Errorf("%w: field is required", ErrInvalidConfig)
	case c.ThingID == "":
		return fmt.Errorf("%w: thing_id is required", ErrInvalidConfig)
	case c.LowThreshold > c.HighThreshold:
		return fmt.Errorf("%w: low threshold %v above high threshold %v", ErrInvalidConfig, c.LowThreshold, c.HighThreshold)
	case c.ConsecutiveHigh < 1 || c.ConsecutiveLow < 1:
		return fmt.Errorf("%w: consecutive counts must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// entityFor returns the entity id this config uses for thingID.
func (c Config) entityFor(thingID string) string {
	if c.ThingID == Wildcard || c.EntityID == "" {
		return thingID + ":" + c.Field
	}
	return c.EntityID
}

// Sample is one observed value.
type Sample struct {
	Value float64   `json:"value"`
	At    time.Time `json:"at"`
}

// StateChanged is emitted on every transition and only then.
type StateChanged struct {
	EntityID string    `json:"entity_id"`
	ThingID  string    `json:"thing_id"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	SampleAt time.Time `json:"sample_at"`
}

// Model is the state of one entity.
type Model struct {
	cfg         Config
	entityID    string
	thingID     string
	state       State
	highCount   int
	lowCount    int
	window      *window
	lastSample  time.Time
	transitions int
}

// NewModel creates a model in NORMAL.
func NewModel(entityID, thingID string, cfg Config) *Model {
	size := cfg.WindowSize
	if size < 1 {
		size = defaultWindowSize
	}
	return &Model{
		cfg:      cfg,
		entityID: entityID,
		thingID:  thingID,
		state:    StateNormal,
		window:   newWindow(size),
	}
}

// State returns the current state.
func (m *Model) State() State { return m.state }

// Evaluate applies one sample. It returns the transition, if any.
func (m *Model) Evaluate(s Sample) (StateChanged, bool) {
	m.window.push(s)
	m.lastSample = s.At

	from := m.state
	switch {
	case s.Value > m.cfg.HighThreshold:
		m.lowCount = 0
		if m.state == StateAlarm {
			return StateChanged{}, false
		}
		m.highCount++
		if m.highCount < m.cfg.ConsecutiveHigh {
			return StateChanged{}, false
		}
		m.state = m.state.up()

	case s.Value < m.cfg.LowThreshold:
		m.highCount = 0
		if m.state == StateNormal {
			return StateChanged{}, false
		}
		m.lowCount++
		if m.lowCount < m.cfg.ConsecutiveLow {
			return StateChanged{}, false
		}
		m.state = m.state.down()

	default:
		m.highCount, m.lowCount = 0, 0
		return StateChanged{}, false
	}

	m.highCount, m.lowCount = 0, 0
	m.transitions++
	return StateChanged{EntityID: m.entityID, ThingID: m.thingID, From: from, To: m.state, SampleAt: s.At}, true
}

// Step evaluates the samples collected during one tick in order. With no
// samples it returns ErrDataGap and leaves the model untouched.
func (m *Model) Step(samples []Sample) ([]StateChanged, error) {
	if len(samples) == 0 {
		return nil, ErrDataGap
	}
	var out []StateChanged
	for _, s := range samples {
		if tr, ok := m.Evaluate(s); ok {
			out = append(out, tr)
		}
	}
	return out, nil
}

// View is a read-only copy of a model for the API.
type View struct {
	EntityID     string    `json:"entity_id"`
	ThingID      string    `json:"thing_id"`
	Field        string    `json:"field"`
	State        State     `json:"state"`
	HighCount    int       `json:"consecutive_high_count"`
	LowCount     int       `json:"consecutive_low_count"`
	Window       []Sample  `json:"window"`
	LastSampleAt time.Time `json:"last_sample_at"`
	Transitions  int       `json:"transitions"`
}

func (m *Model) view() View {
	return View{
		EntityID:     m.entityID,
		ThingID:      m.thingID,
		Field:        m.cfg.Field,
		State:        m.state,
		HighCount:    m.highCount,
		LowCount:     m.lowCount,
		Window:       m.window.samples(),
		LastSampleAt: m.lastSample,
		Transitions:  m.transitions,
	}
}

// window is a fixed-size ring buffer of recent samples.
type window struct {
	buf   []Sample
	start int
	n     int
}

func newWindow(size int) *window {
	return &window{buf: make([]Sample, size)}
}

func (w *window) push(s Sample) {
	if w.n < len(w.buf) {
		w.buf[(w.start+w.n)%len(w.buf)] = s
		w.n++
		return
	}
	w.buf[w.start] = s
	w.start = (w.start + 1) % len(w.buf)
}

// samples returns the buffered samples oldest first.
func (w *window) samples() []Sample {
	out := make([]Sample, w.n)
	for i := 0; i < w.n; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}
