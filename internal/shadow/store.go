package shadow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/metrics"
)

// Logger is the logging interface used by the Store.
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

// Store persists shadows in the shadow_fields table.
type Store struct {
	db      *sql.DB
	logger  Logger
	metrics *metrics.Metrics
	now     func() time.Time

	listenersMu sync.RWMutex
	listeners   []DesiredListener
}

// NewStore creates a Store on an already migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, logger: noopLogger{}, now: time.Now}
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger Logger) {
	s.logger = logger
}

// SetMetrics attaches pipeline metrics.
func (s *Store) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// OnDesiredChange registers a listener for committed desired updates.
func (s *Store) OnDesiredChange(fn DesiredListener) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenersMu.Unlock()
}

// UpdateDesired applies a controller patch to the desired half.
func (s *Store) UpdateDesired(ctx context.Context, thingID string, patch Patch) (*UpdateResult, error) {
	res, err := s.update(ctx, thingID, HalfDesired, patch)
	if err != nil || len(res.Applied) == 0 {
		return res, err
	}

	delta, err := s.GetDelta(ctx, thingID)
	if err != nil {
		s.logger.Warn("computing delta after desired update", "thing_id", thingID, "error", err)
		return res, nil
	}
	s.notifyDesired(thingID, delta)
	return res, nil
}

// UpdateReported applies a device patch to the reported half.
func (s *Store) UpdateReported(ctx context.Context, thingID string, patch Patch) (*UpdateResult, error) {
	return s.update(ctx, thingID, HalfReported, patch)
}

func (s *Store) update(ctx context.Context, thingID string, half Half, patch Patch) (*UpdateResult, error) {
	if len(patch) == 0 {
		return nil, ErrEmptyPatch
	}

	fields := make([]string, 0, len(patch))
	for f := range patch {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	now := s.now().UTC()
	res := &UpdateResult{State: make(map[string]FieldState, len(fields))}

	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var conflicts []FieldConflict
		writes := make(map[string]FieldState, len(fields))

		for _, field := range fields {
			in := patch[field]
			value, err := compactValue(in.Value)
			if err != nil {
				return fmt.Errorf("field %s: %w", field, err)
			}
			ts := in.Timestamp
			if ts.IsZero() {
				ts = now
			}
			ts = ts.UTC()

			stored, found, err := getField(ctx, tx, thingID, half, field)
			if err != nil {
				return err
			}

			version := in.Version
			if version == 0 {
				if found && sameValue(stored.Value, value) {
					res.Unchanged = append(res.Unchanged, field)
					res.State[field] = stored
					continue
				}
				version = stored.Version + 1
			}

			switch {
			case !found || greater(version, ts, stored.Version, stored.Timestamp):
				writes[field] = FieldState{Value: value, Version: version, Timestamp: ts}
			case version == stored.Version && ts.Equal(stored.Timestamp) && sameValue(stored.Value, value):
				res.Unchanged = append(res.Unchanged, field)
				res.State[field] = stored
			default:
				conflicts = append(conflicts, FieldConflict{
					Field:             field,
					StoredVersion:     stored.Version,
					StoredTimestamp:   stored.Timestamp,
					IncomingVersion:   version,
					IncomingTimestamp: ts,
				})
			}
		}

		if len(conflicts) > 0 {
			return &ConflictError{ThingID: thingID, Half: half, Fields: conflicts}
		}

		for _, field := range fields {
			st, ok := writes[field]
			if !ok {
				continue
			}
			if err := putField(ctx, tx, thingID, half, field, st); err != nil {
				return err
			}
			res.Applied = append(res.Applied, field)
			res.State[field] = st
		}
		return nil
	})

	switch {
	case err == nil && len(res.Applied) == 0:
		s.metrics.ShadowUpdate(string(half), "noop")
	case err == nil:
		s.metrics.ShadowUpdate(string(half), "applied")
		s.logger.Debug("shadow updated", "thing_id", thingID, "half", half, "fields", res.Applied)
	case IsConflict(err):
		s.metrics.ShadowUpdate(string(half), "conflict")
		return nil, err
	default:
		s.metrics.ShadowUpdate(string(half), "error")
		if database.IsForeignKeyViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrThingNotFound, thingID)
		}
		return nil, fmt.Errorf("updating %s shadow of %s: %w", half, thingID, err)
	}
	return res, nil
}

// Get returns the full shadow of a Thing. A Thing without shadow fields
// yields an empty document.
func (s *Store) Get(ctx context.Context, thingID string) (*Document, error) {
	if err := s.thingExists(ctx, thingID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT half, field, value, version, ts FROM shadow_fields WHERE thing_id = ?`, thingID)
	if err != nil {
		return nil, fmt.Errorf("querying shadow of %s: %w", thingID, err)
	}
	defer rows.Close()

	doc := &Document{
		ThingID:  thingID,
		Desired:  map[string]FieldState{},
		Reported: map[string]FieldState{},
	}
	for rows.Next() {
		var half, field, value, ts string
		var version int64
		if err := rows.Scan(&half, &field, &value, &version, &ts); err != nil {
			return nil, fmt.Errorf("scanning shadow row: %w", err)
		}
		st := FieldState{Value: []byte(value), Version: uint64(version), Timestamp: database.ParseTimestamp(ts)} //nolint:gosec // versions are never negative
		if Half(half) == HalfDesired {
			doc.Desired[field] = st
		} else {
			doc.Reported[field] = st
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating shadow rows: %w", err)
	}
	return doc, nil
}

// GetDelta returns the reconciliation patch for a Thing.
func (s *Store) GetDelta(ctx context.Context, thingID string) (Delta, error) {
	doc, err := s.Get(ctx, thingID)
	if err != nil {
		return nil, err
	}
	return doc.Delta(), nil
}

// Delete removes both halves of a Thing's shadow.
func (s *Store) Delete(ctx context.Context, thingID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM shadow_fields WHERE thing_id = ?`, thingID); err != nil {
		return fmt.Errorf("deleting shadow of %s: %w", thingID, err)
	}
	return nil
}

func (s *Store) thingExists(ctx context.Context, thingID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM things WHERE id = ?`, thingID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrThingNotFound, thingID)
	}
	if err != nil {
		return fmt.Errorf("looking up thing %s: %w", thingID, err)
	}
	return nil
}

func (s *Store) notifyDesired(thingID string, delta Delta) {
	s.listenersMu.RLock()
	listeners := append([]DesiredListener(nil), s.listeners...)
	s.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(thingID, delta)
	}
}

func getField(ctx context.Context, tx *sql.Tx, thingID string, half Half, field string) (FieldState, bool, error) {
	var value, ts string
	var version int64
	err := tx.QueryRowContext(ctx,
		`SELECT value, version, ts FROM shadow_fields WHERE thing_id = ? AND half = ? AND field = ?`,
		thingID, string(half), field,
	).Scan(&value, &version, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return FieldState{}, false, nil
	}
	if err != nil {
		return FieldState{}, false, fmt.Errorf("reading field %s: %w", field, err)
	}
	return FieldState{
		Value:     []byte(value),
		Version:   uint64(version), //nolint:gosec // versions are never negative
		Timestamp: database.ParseTimestamp(ts),
	}, true, nil
}

func putField(ctx context.Context, tx *sql.Tx, thingID string, half Half, field string, st FieldState) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO shadow_fields (thing_id, half, field, value, version, ts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (thing_id, half, field) DO UPDATE SET
			value = excluded.value, version = excluded.version, ts = excluded.ts`,
		thingID, string(half), field, string(st.Value), int64(st.Version), database.Timestamp(st.Timestamp), //nolint:gosec // fits in int64
	)
	if err != nil {
		return fmt.Errorf("writing field %s: %w", field, err)
	}
	return nil
}
