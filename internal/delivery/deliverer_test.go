package delivery

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-fleet/internal/event"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-fleet/internal/notify"
	_ "github.com/nerrad567/gray-logic-fleet/migrations"
)

// ─── Mock Dependencies ─────────────────────────────────────────────

type scriptedSink struct {
	name  string
	calls atomic.Int32
	fail  func(call int32) error
}

func (s *scriptedSink) Name() string { return s.name }

func (s *scriptedSink) Deliver(_ context.Context, _ event.Event) error {
	n := s.calls.Add(1)
	if s.fail == nil {
		return nil
	}
	return s.fail(n)
}

type captureAlerter struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (a *captureAlerter) Notify(_ context.Context, alert notify.Alert) {
	a.mu.Lock()
	a.alerts = append(a.alerts, alert)
	a.mu.Unlock()
}

type memWriter struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (w *memWriter) Put(_ context.Context, key string, data []byte, _ string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.objects == nil {
		w.objects = map[string][]byte{}
	}
	w.objects[key] = append([]byte(nil), data...)
	return nil
}

func (w *memWriter) ExportKey(time.Time) string { return "fleet/dead-letters/test.ndjson" }

// ─── Helpers ───────────────────────────────────────────────────────

func openStore(t *testing.T) *DeadLetterStore {
	t.Helper()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "dl.db"), WALMode: true, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewDeadLetterStore(db.DB)
}

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2}
}

func testEvent() event.Event {
	return event.Event{
		ThingID:   "thg-1",
		Topic:     "devices/thg-1/telemetry",
		Payload:   json.RawMessage(`{"tempC":40}`),
		Timestamp: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Seq:       9,
	}
}

func newTestDeliverer(t *testing.T, attempts int, sinks ...Sink) (*Deliverer, *DeadLetterStore, *captureAlerter) {
	t.Helper()
	reg := NewRegistry()
	for _, s := range sinks {
		reg.Register(s)
	}
	store := openStore(t)
	alerts := &captureAlerter{}
	d := NewDeliverer(reg, store, fastConfig(attempts))
	d.SetAlerter(alerts)
	return d, store, alerts
}

// ─── Tests ─────────────────────────────────────────────────────────

func TestDeliver_AckOnFirstAttempt(t *testing.T) {
	sink := &scriptedSink{name: "archive"}
	d, store, alerts := newTestDeliverer(t, 5, sink)

	if err := d.Deliver(context.Background(), "r1", "archive", testEvent()); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if got := sink.calls.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if n, _ := store.Count(context.Background()); n != 0 {
		t.Errorf("dead letters = %d, want 0", n)
	}
	if len(alerts.alerts) != 0 {
		t.Errorf("alerts = %v, want none", alerts.alerts)
	}
}

func TestDeliver_RetriesTransientFailures(t *testing.T) {
	sink := &scriptedSink{name: "archive", fail: func(call int32) error {
		if call < 3 {
			return Retryable(errors.New("timeout"))
		}
		return nil
	}}
	d, store, _ := newTestDeliverer(t, 5, sink)

	if err := d.Deliver(context.Background(), "r1", "archive", testEvent()); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if got := sink.calls.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if n, _ := store.Count(context.Background()); n != 0 {
		t.Errorf("dead letters = %d, want 0", n)
	}
}

func TestDeliver_ExhaustionDeadLetters(t *testing.T) {
	sink := &scriptedSink{name: "archive", fail: func(int32) error { return errors.New("connection refused") }}
	d, store, alerts := newTestDeliverer(t, 4, sink)
	ctx := context.Background()

	err := d.Deliver(ctx, "r1", "archive", testEvent())
	if !errors.Is(err, ErrDeadLettered) {
		t.Fatalf("Deliver() error = %v, want ErrDeadLettered", err)
	}
	if got := sink.calls.Load(); got != 4 {
		t.Errorf("attempts = %d, want 4 (bounded)", got)
	}

	items, err := store.List(ctx, ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(items))
	}
	dl := items[0]
	if dl.RuleID != "r1" || dl.Sink != "archive" || dl.Attempts != 4 || dl.Fatal {
		t.Errorf("dead letter = %+v", dl)
	}
	if dl.Event.ThingID != "thg-1" || dl.Event.Seq != 9 || string(dl.Event.Payload) != `{"tempC":40}` {
		t.Errorf("stored event = %+v", dl.Event)
	}
	if len(alerts.alerts) != 1 || alerts.alerts[0].Kind != notify.KindDeadLetter {
		t.Errorf("alerts = %+v, want one dead-letter alert", alerts.alerts)
	}
}

func TestDeliver_FatalSkipsRetries(t *testing.T) {
	sink := &scriptedSink{name: "archive", fail: func(int32) error { return Fatal(errors.New("schema rejected")) }}
	d, store, _ := newTestDeliverer(t, 5, sink)

	if err := d.Deliver(context.Background(), "r1", "archive", testEvent()); !errors.Is(err, ErrDeadLettered) {
		t.Fatalf("Deliver() error = %v", err)
	}
	if got := sink.calls.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	items, _ := store.List(context.Background(), ListFilter{})
	if len(items) != 1 || !items[0].Fatal {
		t.Errorf("dead letters = %+v, want one fatal", items)
	}
}

func TestDeliver_UnknownSink(t *testing.T) {
	d, store, _ := newTestDeliverer(t, 5)

	err := d.Deliver(context.Background(), "r1", "nowhere", testEvent())
	if !errors.Is(err, ErrDeadLettered) || !errors.Is(err, ErrUnknownSink) {
		t.Fatalf("Deliver() error = %v", err)
	}
	items, _ := store.List(context.Background(), ListFilter{Sink: "nowhere"})
	if len(items) != 1 || !items[0].Fatal || items[0].Attempts != 0 {
		t.Errorf("dead letters = %+v", items)
	}
}

func TestDeliver_CancelledContextStillDeadLetters(t *testing.T) {
	sink := &scriptedSink{name: "archive", fail: func(int32) error { return errors.New("down") }}
	reg := NewRegistry()
	reg.Register(sink)
	store := openStore(t)
	d := NewDeliverer(reg, store, Config{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if err := d.Deliver(ctx, "r1", "archive", testEvent()); !errors.Is(err, ErrDeadLettered) {
		t.Fatalf("Deliver() error = %v", err)
	}
	if n, _ := store.Count(context.Background()); n != 1 {
		t.Errorf("dead letters = %d, want 1", n)
	}
}

func TestReplay(t *testing.T) {
	var healthy atomic.Bool
	sink := &scriptedSink{name: "archive", fail: func(int32) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("down")
	}}
	d, store, _ := newTestDeliverer(t, 2, sink)
	ctx := context.Background()

	_ = d.Deliver(ctx, "r1", "archive", testEvent()) //nolint:errcheck // dead-lettered by design of the test
	items, _ := store.List(ctx, ListFilter{})
	if len(items) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(items))
	}
	id := items[0].ID

	if err := d.Replay(ctx, id); err == nil {
		t.Fatal("Replay() against a failing sink succeeded")
	}
	dl, err := store.Get(ctx, id)
	if err != nil || dl.Attempts != 3 {
		t.Errorf("after failed replay: %+v, %v (want attempts 3)", dl, err)
	}

	healthy.Store(true)
	if err := d.Replay(ctx, id); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if _, err := store.Get(ctx, id); !errors.Is(err, ErrDeadLetterNotFound) {
		t.Errorf("Get() after replay error = %v, want not found", err)
	}
	if err := d.Replay(ctx, id); !errors.Is(err, ErrDeadLetterNotFound) {
		t.Errorf("second Replay() error = %v", err)
	}
}

func TestExport(t *testing.T) {
	sink := &scriptedSink{name: "archive", fail: func(int32) error { return Fatal(errors.New("no")) }}
	d, _, _ := newTestDeliverer(t, 1, sink)
	ctx := context.Background()

	if _, _, err := d.Export(ctx); !errors.Is(err, ErrExportDisabled) {
		t.Errorf("Export() without target error = %v", err)
	}

	w := &memWriter{}
	d.SetExportTarget(w)
	for i := 0; i < 3; i++ {
		_ = d.Deliver(ctx, "r1", "archive", testEvent()) //nolint:errcheck // dead-lettered on purpose
	}

	key, n, err := d.Export(ctx)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if n != 3 || key != "fleet/dead-letters/test.ndjson" {
		t.Errorf("Export() = (%q, %d)", key, n)
	}

	lines := 0
	sc := bufio.NewScanner(bytes.NewReader(w.objects[key]))
	for sc.Scan() {
		var dl DeadLetter
		if err := json.Unmarshal(sc.Bytes(), &dl); err != nil {
			t.Fatalf("line %d not JSON: %v", lines, err)
		}
		lines++
	}
	if lines != 3 {
		t.Errorf("NDJSON lines = %d, want 3", lines)
	}
}

func TestConfigNormalised(t *testing.T) {
	c := Config{}.normalised()
	if c.MaxAttempts != 1 || c.InitialDelay <= 0 || c.MaxDelay < c.InitialDelay || c.Multiplier < 1 {
		t.Errorf("normalised zero config = %+v", c)
	}
}
