package delivery

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-fleet/internal/event"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/objectstore"
)

// DeadLetter is a delivery that exhausted retries or failed fatally.
type DeadLetter struct {
	ID        string      `json:"id"`
	RuleID    string      `json:"rule_id"`
	Sink      string      `json:"sink"`
	Event     event.Event `json:"event"`
	Attempts  int         `json:"attempts"`
	LastError string      `json:"last_error"`
	Fatal     bool        `json:"fatal"`
	CreatedAt time.Time   `json:"created_at"`
}

// DeadLetterStore persists dead letters in SQLite.
type DeadLetterStore struct {
	db *sql.DB
}

// NewDeadLetterStore creates a store on an already migrated database.
func NewDeadLetterStore(db *sql.DB) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

// Insert assigns an id and creation time and stores dl.
func (s *DeadLetterStore) Insert(ctx context.Context, dl *DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(dl.Event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	fatal := 0
	if dl.Fatal {
		fatal = 1
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, rule_id, sink, thing_id, topic, event, attempts, last_error, fatal, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dl.ID, dl.RuleID, dl.Sink, dl.Event.ThingID, dl.Event.Topic, string(body),
		dl.Attempts, dl.LastError, fatal, database.Timestamp(dl.CreatedAt),
	); err != nil {
		return fmt.Errorf("inserting dead letter: %w", err)
	}
	return nil
}

// ListFilter narrows List results. Zero values mean no filter.
type ListFilter struct {
	ThingID string
	Sink    string
	Limit   int
}

const defaultListLimit = 100

// List returns dead letters, oldest first.
func (s *DeadLetterStore) List(ctx context.Context, f ListFilter) ([]DeadLetter, error) {
	query := `SELECT id, rule_id, sink, event, attempts, last_error, fatal, created_at FROM dead_letters WHERE 1=1`
	var args []any
	if f.ThingID != "" {
		query += ` AND thing_id = ?`
		args = append(args, f.ThingID)
	}
	if f.Sink != "" {
		query += ` AND sink = ?`
		args = append(args, f.Sink)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dead letters: %w", err)
	}
	return out, nil
}

// Get returns one dead letter.
func (s *DeadLetterStore) Get(ctx context.Context, id string) (*DeadLetter, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, rule_id, sink, event, attempts, last_error, fatal, created_at FROM dead_letters WHERE id = ?`, id)
	dl, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}
	return dl, err
}

// RecordAttempt bumps the attempt count after a failed replay.
func (s *DeadLetterStore) RecordAttempt(ctx context.Context, id string, cause error) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET attempts = attempts + 1, last_error = ? WHERE id = ?`, cause.Error(), id,
	); err != nil {
		return fmt.Errorf("updating dead letter %s: %w", id, err)
	}
	return nil
}

// Delete removes a dead letter.
func (s *DeadLetterStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting dead letter %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports rows affected
		return fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}
	return nil
}

// Count returns the number of stored dead letters.
func (s *DeadLetterStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting dead letters: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(row scanner) (*DeadLetter, error) {
	var dl DeadLetter
	var body, createdAt string
	var fatal int
	if err := row.Scan(&dl.ID, &dl.RuleID, &dl.Sink, &body, &dl.Attempts, &dl.LastError, &fatal, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning dead letter: %w", err)
	}
	if err := json.Unmarshal([]byte(body), &dl.Event); err != nil {
		return nil, fmt.Errorf("decoding dead letter %s: %w", dl.ID, err)
	}
	dl.Fatal = fatal != 0
	dl.CreatedAt = database.ParseTimestamp(createdAt)
	return &dl, nil
}

// ObjectWriter is the export target; *objectstore.Store satisfies it.
type ObjectWriter interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	ExportKey(at time.Time) string
}

// exportBatch bounds one export object.
const exportBatch = 10000

// Export writes up to exportBatch dead letters as one NDJSON object and
// returns its key and the record count. Records stay in the table; use
// Replay or the API to clear them.
func (d *Deliverer) Export(ctx context.Context) (string, int, error) {
	if d.exports == nil || d.store == nil {
		return "", 0, ErrExportDisabled
	}
	items, err := d.store.List(ctx, ListFilter{Limit: exportBatch})
	if err != nil {
		return "", 0, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range items {
		if err := enc.Encode(&items[i]); err != nil {
			return "", 0, fmt.Errorf("encoding dead letter %s: %w", items[i].ID, err)
		}
	}

	key := d.exports.ExportKey(time.Now())
	if err := d.exports.Put(ctx, key, buf.Bytes(), objectstore.ContentTypeNDJSON); err != nil {
		return "", 0, err
	}
	d.logger.Info("dead letters exported", "key", key, "count", len(items))
	return key, len(items), nil
}
