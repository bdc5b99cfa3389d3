package rules

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-fleet/internal/event"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/metrics"
)

// Logger is the logging interface used by the Router.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Deliverer hands one (event, action) pair to a sink. It must not return
// before the pair is acknowledged or dead-lettered.
type Deliverer interface {
	Deliver(ctx context.Context, ruleID, sink string, ev event.Event) error
}

// RouterConfig sizes the shard pool.
type RouterConfig struct {
	Workers   int
	QueueSize int
}

const drainTimeout = 5 * time.Second

// Router evaluates events against the active snapshot and fans matches out
// to the Deliverer.
//
// Events are sharded by Thing id over a fixed worker pool, so one Thing's
// events are processed in arrival order while different Things proceed in
// parallel. The active snapshot is read through an atomic pointer.
type Router struct {
	active    atomic.Pointer[Snapshot]
	deliverer Deliverer
	store     *Store
	logger    Logger
	metrics   *metrics.Metrics

	shards []chan event.Event

	stopMu  sync.RWMutex
	stopped bool
	sealed  chan struct{}
	running chan struct{}
}

// NewRouter creates a Router with an empty snapshot.
func NewRouter(d Deliverer, cfg RouterConfig) *Router {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	r := &Router{
		deliverer: d,
		logger:    noopLogger{},
		shards:    make([]chan event.Event, cfg.Workers),
		sealed:    make(chan struct{}),
		running:   make(chan struct{}),
	}
	for i := range r.shards {
		r.shards[i] = make(chan event.Event, cfg.QueueSize)
	}
	r.active.Store(&Snapshot{})
	return r
}

// SetLogger sets the logger.
func (r *Router) SetLogger(l Logger) { r.logger = l }

// SetMetrics attaches pipeline metrics.
func (r *Router) SetMetrics(m *metrics.Metrics) { r.metrics = m }

// SetStore enables persisted versions for Apply and Load.
func (r *Router) SetStore(s *Store) { r.store = s }

// Snapshot returns the active snapshot.
func (r *Router) Snapshot() *Snapshot {
	return r.active.Load()
}

// Swap installs s as the active snapshot. Evaluations already running keep
// the snapshot they started with.
func (r *Router) Swap(s *Snapshot) {
	r.active.Store(s)
	r.metrics.SnapshotVersion(s.Version())
	for _, p := range s.Problems() {
		r.logger.Warn("rule will be skipped", "version", s.Version(), "error", p)
	}
	r.logger.Info("rule snapshot active", "version", s.Version(), "rules", s.Len())
}

// Apply validates rs, persists it as the next version and swaps it in.
func (r *Router) Apply(ctx context.Context, rs *RuleSet) (*Snapshot, error) {
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	if r.store != nil {
		if err := r.store.Save(ctx, rs); err != nil {
			return nil, err
		}
	} else {
		rs.Version = r.Snapshot().Version() + 1
	}
	snap, err := Compile(rs)
	if err != nil {
		return nil, err
	}
	r.Swap(snap)
	return snap, nil
}

// Load activates the latest stored rule set. When nothing is stored and
// file is set, the file is parsed and applied as the first version.
func (r *Router) Load(ctx context.Context, file string) error {
	if r.store != nil {
		rs, err := r.store.Latest(ctx)
		switch {
		case err == nil:
			snap, err := Compile(rs)
			if err != nil {
				return fmt.Errorf("compiling stored rule set v%d: %w", rs.Version, err)
			}
			r.Swap(snap)
			return nil
		case !errors.Is(err, ErrNoRuleSet):
			return err
		}
	}
	if file == "" {
		r.logger.Warn("no rule set configured; events will match nothing")
		return nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("reading rules file: %w", err)
	}
	rs, err := Parse(data)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", file, err)
	}
	_, err = r.Apply(ctx, rs)
	return err
}

// Handle enqueues ev on its Thing's shard, blocking while the shard is
// full. It is the gateway's event handler.
func (r *Router) Handle(ctx context.Context, ev event.Event) error {
	r.stopMu.RLock()
	defer r.stopMu.RUnlock()
	if r.stopped {
		return ErrRouterStopped
	}

	select {
	case r.shards[r.shardFor(ev.ThingID)] <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.running:
		return ErrRouterStopped
	}
}

func (r *Router) shardFor(thingID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(thingID)) //nolint:errcheck // hash writes never fail
	return int(h.Sum32() % uint32(len(r.shards))) //nolint:gosec // shard count is small
}

// Run processes shards until ctx ends, then drains whatever was queued.
func (r *Router) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range r.shards {
		ch := r.shards[i]
		g.Go(func() error {
			r.worker(gctx, ch)
			return nil
		})
	}

	<-ctx.Done()
	close(r.running)
	r.stopMu.Lock()
	r.stopped = true
	r.stopMu.Unlock()
	close(r.sealed)

	return g.Wait()
}

func (r *Router) worker(ctx context.Context, ch chan event.Event) {
	for {
		select {
		case ev := <-ch:
			r.Route(ctx, ev)
		case <-ctx.Done():
			<-r.sealed
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
			defer cancel()
			for {
				select {
				case ev := <-ch:
					r.Route(drainCtx, ev)
				default:
					return
				}
			}
		}
	}
}

// Route evaluates ev against the active snapshot and delivers every bound
// action of every matching rule. Actions run concurrently; Route returns
// once each has been acknowledged or dead-lettered.
func (r *Router) Route(ctx context.Context, ev event.Event) []Match {
	snap := r.active.Load()
	r.metrics.EventRouted()

	matches, errs := snap.Evaluate(ev)
	for _, err := range errs {
		var ee *EvaluationError
		ruleID := ""
		if errors.As(err, &ee) {
			ruleID = ee.RuleID
		}
		r.metrics.RuleError(ruleID)
		r.logger.Warn("rule skipped", "rule_id", ruleID, "thing_id", ev.ThingID, "topic", ev.Topic, "error", err)
	}

	var wg sync.WaitGroup
	for _, m := range matches {
		r.metrics.RuleMatched(m.RuleID)
		for _, sink := range m.Actions {
			wg.Add(1)
			go func(ruleID, sink string) {
				defer wg.Done()
				if err := r.deliverer.Deliver(ctx, ruleID, sink, ev); err != nil {
					r.logger.Debug("action not delivered", "rule_id", ruleID, "sink", sink, "thing_id", ev.ThingID, "error", err)
				}
			}(m.RuleID, sink)
		}
	}
	wg.Wait()
	return matches
}
