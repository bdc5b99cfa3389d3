package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/nerrad567/gray-logic-fleet/internal/event"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-fleet/internal/notify"
)

// Logger is the logging interface used by the Deliverer.
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

// Alerter receives dead-letter alerts; *notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, alert notify.Alert)
}

// Config bounds the retry schedule.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultConfig returns five attempts from 200ms doubling up to 5s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// ConfigFrom converts the delivery config section.
func ConfigFrom(c config.DeliveryConfig) Config {
	return Config{
		MaxAttempts:  c.MaxAttempts,
		InitialDelay: time.Duration(c.InitialDelay) * time.Millisecond,
		MaxDelay:     time.Duration(c.MaxDelay) * time.Millisecond,
		Multiplier:   c.Multiplier,
		Jitter:       c.Jitter,
	}
}

func (c Config) normalised() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	return c
}

// Deliverer runs the retry loop and owns dead-lettering.
type Deliverer struct {
	sinks   *Registry
	store   *DeadLetterStore
	cfg     Config
	alerter Alerter
	logger  Logger
	metrics *metrics.Metrics
	exports ObjectWriter
}

// NewDeliverer creates a Deliverer. store may be nil in tests that never
// exhaust retries; a dead letter without a store is logged at error level.
func NewDeliverer(sinks *Registry, store *DeadLetterStore, cfg Config) *Deliverer {
	return &Deliverer{
		sinks:  sinks,
		store:  store,
		cfg:    cfg.normalised(),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger.
func (d *Deliverer) SetLogger(l Logger) { d.logger = l }

// SetMetrics attaches pipeline metrics.
func (d *Deliverer) SetMetrics(m *metrics.Metrics) { d.metrics = m }

// SetAlerter attaches the dead-letter alert channel.
func (d *Deliverer) SetAlerter(a Alerter) { d.alerter = a }

// SetExportTarget attaches the object store used by Export.
func (d *Deliverer) SetExportTarget(w ObjectWriter) { d.exports = w }

// Deliver hands ev to the named sink, retrying transient failures. It
// returns nil on ack and an error wrapping ErrDeadLettered once the pair
// has been moved to the dead-letter table.
func (d *Deliverer) Deliver(ctx context.Context, ruleID, sinkName string, ev event.Event) error {
	start := time.Now()
	sink, ok := d.sinks.Get(sinkName)
	if !ok {
		d.metrics.Delivery(sinkName, "unknown_sink")
		return d.deadLetter(ctx, ruleID, sinkName, ev, 0, Fatal(fmt.Errorf("%w: %s", ErrUnknownSink, sinkName)))
	}

	attempts, err := d.attempt(ctx, sink, ev)
	d.metrics.DeliveryDuration(sinkName, time.Since(start))
	if err == nil {
		d.metrics.Delivery(sinkName, "ok")
		return nil
	}
	d.metrics.Delivery(sinkName, "dead_letter")
	return d.deadLetter(ctx, ruleID, sinkName, ev, attempts, err)
}

// attempt runs the exponential backoff loop. It returns the number of
// attempts made and the last error.
func (d *Deliverer) attempt(ctx context.Context, sink Sink, ev event.Event) (int, error) {
	delay := d.cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		err := sink.Deliver(ctx, ev)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if IsFatal(err) {
			return attempt, err
		}
		if ctx.Err() != nil {
			return attempt, fmt.Errorf("delivery cancelled after attempt %d: %w", attempt, errors.Join(err, ctx.Err()))
		}
		if attempt == d.cfg.MaxAttempts {
			break
		}

		d.metrics.Delivery(sink.Name(), "retry")
		d.logger.Debug("delivery retry scheduled",
			"sink", sink.Name(), "thing_id", ev.ThingID, "attempt", attempt, "delay", delay, "error", err)

		sleep := delay
		if d.cfg.Jitter && delay >= 4 {
			sleep += time.Duration(rand.Int64N(int64(delay / 4))) //nolint:gosec // jitter does not need a CSPRNG
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("delivery cancelled during backoff: %w", errors.Join(err, ctx.Err()))
		case <-timer.C:
		}

		next := time.Duration(float64(delay) * d.cfg.Multiplier)
		if next > d.cfg.MaxDelay || next <= 0 {
			next = d.cfg.MaxDelay
		}
		delay = next
	}
	return d.cfg.MaxAttempts, fmt.Errorf("retries exhausted after %d attempts: %w", d.cfg.MaxAttempts, lastErr)
}

func (d *Deliverer) deadLetter(ctx context.Context, ruleID, sinkName string, ev event.Event, attempts int, cause error) error {
	dl := &DeadLetter{
		RuleID:    ruleID,
		Sink:      sinkName,
		Event:     ev,
		Attempts:  attempts,
		LastError: cause.Error(),
		Fatal:     IsFatal(cause),
	}

	// The record must survive a cancelled request context.
	storeCtx := context.WithoutCancel(ctx)
	if d.store == nil {
		d.logger.Error("dead letter without store", "rule_id", ruleID, "sink", sinkName, "thing_id", ev.ThingID, "error", cause)
	} else if err := d.store.Insert(storeCtx, dl); err != nil {
		d.logger.Error("persisting dead letter", "rule_id", ruleID, "sink", sinkName, "thing_id", ev.ThingID, "error", err)
	}

	d.logger.Warn("delivery dead-lettered",
		"id", dl.ID, "rule_id", ruleID, "sink", sinkName, "thing_id", ev.ThingID,
		"attempts", attempts, "fatal", dl.Fatal, "error", cause)

	if d.alerter != nil {
		d.alerter.Notify(storeCtx, notify.Alert{
			Kind:    notify.KindDeadLetter,
			ThingID: ev.ThingID,
			Subject: sinkName,
			Payload: dl,
		})
	}
	return fmt.Errorf("%w: %s via %s: %w", ErrDeadLettered, ruleID, sinkName, cause)
}

// Replay re-delivers a dead letter once through its sink. On success the
// record is removed; on failure its attempt count and error are updated.
func (d *Deliverer) Replay(ctx context.Context, id string) error {
	if d.store == nil {
		return ErrDeadLetterNotFound
	}
	dl, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}

	sink, ok := d.sinks.Get(dl.Sink)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSink, dl.Sink)
	}
	if err := sink.Deliver(ctx, dl.Event); err != nil {
		d.metrics.Delivery(dl.Sink, "replay_failed")
		if uerr := d.store.RecordAttempt(ctx, id, err); uerr != nil {
			d.logger.Error("recording replay failure", "id", id, "error", uerr)
		}
		return fmt.Errorf("replaying %s: %w", id, err)
	}

	d.metrics.Delivery(dl.Sink, "replayed")
	d.logger.Info("dead letter replayed", "id", id, "sink", dl.Sink, "thing_id", dl.Event.ThingID)
	return d.store.Delete(ctx, id)
}
