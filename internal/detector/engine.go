package detector

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-fleet/internal/event"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/metrics"
)

// ErrEntityNotFound is returned for unknown entity ids.
var ErrEntityNotFound = errors.New("detector: entity not found")

// ErrEngineStopped is returned once Run has returned.
var ErrEngineStopped = errors.New("detector: engine stopped")

// ErrEngineStarted is returned by a second call to Run.
var ErrEngineStarted = errors.New("detector: engine already started")

// Logger is the logging interface used by the engine.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}

// Listener receives transitions. It runs on the shard goroutine and must
// not block.
type Listener func(StateChanged)

// EngineConfig sizes the engine.
type EngineConfig struct {
	Shards       int
	TickInterval time.Duration
	QueueSize    int
}

// EngineConfigFrom converts the detector config section.
func EngineConfigFrom(c config.DetectorConfig) EngineConfig {
	return EngineConfig{
		Shards:       c.Shards,
		TickInterval: time.Duration(c.TickInterval) * time.Millisecond,
		QueueSize:    c.ShardQueue,
	}
}

// ConfigFrom converts a configured entity.
func ConfigFrom(e config.DetectorEntity) Config {
	return Config{
		EntityID:        e.EntityID,
		ThingID:         e.ThingID,
		Field:           e.Field,
		HighThreshold:   e.HighThreshold,
		LowThreshold:    e.LowThreshold,
		ConsecutiveHigh: e.ConsecutiveHigh,
		ConsecutiveLow:  e.ConsecutiveLow,
		WindowSize:      e.WindowSize,
	}
}

// observation is one sample routed to a shard.
type observation struct {
	entityID string
	thingID  string
	cfg      Config
	sample   Sample
}

// request runs fn on the shard goroutine.
type request struct {
	fn   func(s *shard)
	done chan struct{}
}

type shard struct {
	in       chan observation
	requests chan request
	models   map[string]*Model
	pending  map[string][]Sample
}

// Engine routes samples to sharded models and evaluates them every tick.
type Engine struct {
	configs []Config
	shards  []*shard
	tick    time.Duration

	logger  Logger
	metrics *metrics.Metrics

	listenersMu sync.RWMutex
	listeners   []Listener

	started atomic.Bool
	done    chan struct{}
}

// NewEngine validates configs and creates an engine. Call Run to start it.
func NewEngine(cfg EngineConfig, configs []Config) (*Engine, error) {
	for i, c := range configs {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("detector %d: %w", i, err)
		}
	}
	if cfg.Shards < 1 {
		cfg.Shards = 1
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1024
	}
	e := &Engine{
		configs: configs,
		shards:  make([]*shard, cfg.Shards),
		tick:    cfg.TickInterval,
		logger:  noopLogger{},
		done:    make(chan struct{}),
	}
	for i := range e.shards {
		e.shards[i] = &shard{
			in:       make(chan observation, cfg.QueueSize),
			requests: make(chan request),
			models:   make(map[string]*Model),
			pending:  make(map[string][]Sample),
		}
	}
	return e, nil
}

// SetLogger sets the logger.
func (e *Engine) SetLogger(l Logger) {
	if l != nil {
		e.logger = l
	}
}

// SetMetrics sets the metrics collector.
func (e *Engine) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// OnTransition registers a listener for state changes.
func (e *Engine) OnTransition(l Listener) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Configs returns the configured detectors.
func (e *Engine) Configs() []Config { return e.configs }

func (e *Engine) shardFor(entityID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(entityID)) //nolint:errcheck // hash writes never fail
	return e.shards[h.Sum32()%uint32(len(e.shards))]
}

// Observe extracts every configured field from ev and queues it for the
// owning shard. It blocks while the shard queue is full.
func (e *Engine) Observe(ctx context.Context, ev event.Event) error {
	select {
	case <-e.done:
		return ErrEngineStopped
	default:
	}

	var fields map[string]any
	for _, c := range e.configs {
		if c.ThingID != Wildcard && c.ThingID != ev.ThingID {
			continue
		}
		if fields == nil {
			fields = ev.Fields()
		}
		v, ok := numericField(fields, c.Field)
		if !ok {
			continue
		}
		at := ev.Timestamp
		if at.IsZero() {
			at = time.Now().UTC()
		}
		obs := observation{
			entityID: c.entityFor(ev.ThingID),
			thingID:  ev.ThingID,
			cfg:      c,
			sample:   Sample{Value: v, At: at},
		}
		select {
		case e.shardFor(obs.entityID).in <- obs:
		case <-e.done:
			return ErrEngineStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Run starts one goroutine per shard and blocks until ctx is cancelled.
// An engine runs once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrEngineStarted
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range e.shards {
		g.Go(func() error {
			e.runShard(gctx, s)
			return nil
		})
	}
	err := g.Wait()
	close(e.done)
	return err
}

func (e *Engine) runShard(ctx context.Context, s *shard) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case obs := <-s.in:
			s.accept(obs)
		case req := <-s.requests:
			req.fn(s)
			close(req.done)
		case <-ticker.C:
			e.evaluate(s)
		}
	}
}

func (s *shard) accept(obs observation) {
	if _, ok := s.models[obs.entityID]; !ok {
		s.models[obs.entityID] = NewModel(obs.entityID, obs.thingID, obs.cfg)
	}
	s.pending[obs.entityID] = append(s.pending[obs.entityID], obs.sample)
}

// evaluate runs one tick over every model owned by s.
func (e *Engine) evaluate(s *shard) {
	for id, m := range s.models {
		changes, err := m.Step(s.pending[id])
		delete(s.pending, id)
		if errors.Is(err, ErrDataGap) {
			e.metrics.DetectorGap()
			e.logger.Debug("detector data gap", "entity_id", id, "state", m.State())
			continue
		}
		for _, c := range changes {
			e.metrics.DetectorTransition(string(c.To))
			e.logger.Info("detector state changed",
				"entity_id", c.EntityID,
				"from", c.From,
				"to", c.To,
			)
			e.emit(c)
		}
	}
}

func (e *Engine) emit(c StateChanged) {
	e.listenersMu.RLock()
	defer e.listenersMu.RUnlock()
	for _, l := range e.listeners {
		l(c)
	}
}

// do runs fn on the shard owning entityID.
func (e *Engine) do(ctx context.Context, entityID string, fn func(s *shard)) error {
	req := request{fn: fn, done: make(chan struct{})}
	s := e.shardFor(entityID)
	select {
	case s.requests <- req:
	case <-e.done:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-req.done
	return nil
}

// Snapshot returns a copy of the entity's model.
func (e *Engine) Snapshot(ctx context.Context, entityID string) (View, error) {
	var (
		v     View
		found bool
	)
	err := e.do(ctx, entityID, func(s *shard) {
		if m, ok := s.models[entityID]; ok {
			v, found = m.view(), true
		}
	})
	if err != nil {
		return View{}, err
	}
	if !found {
		return View{}, ErrEntityNotFound
	}
	return v, nil
}

// List returns a copy of every model, sorted by entity id.
func (e *Engine) List(ctx context.Context) ([]View, error) {
	var out []View
	for _, s := range e.shards {
		req := request{done: make(chan struct{}), fn: func(sh *shard) {
			for _, m := range sh.models {
				out = append(out, m.view())
			}
		}}
		select {
		case s.requests <- req:
		case <-e.done:
			return nil, ErrEngineStopped
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		<-req.done
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

// RemoveEntity deletes the entity's model and pending samples. A later
// sample for the same entity recreates it in NORMAL.
func (e *Engine) RemoveEntity(ctx context.Context, entityID string) error {
	var found bool
	err := e.do(ctx, entityID, func(s *shard) {
		_, found = s.models[entityID]
		delete(s.models, entityID)
		delete(s.pending, entityID)
	})
	if err != nil {
		return err
	}
	if !found {
		return ErrEntityNotFound
	}
	e.logger.Info("detector entity removed", "entity_id", entityID)
	return nil
}

// numericField resolves a dotted path to a number.
func numericField(fields map[string]any, path string) (float64, bool) {
	var cur any = fields
	start := 0
	for i := 0; i <= len(path); i++ {
		if i < len(path) && path[i] != '.' {
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return 0, false
		}
		if cur, ok = m[path[start:i]]; !ok {
			return 0, false
		}
		start = i + 1
	}
	switch v := cur.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}
