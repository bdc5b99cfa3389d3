package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/database"
)

// Store keeps every applied rule set in the rule_sets table. Rows are
// never updated, so history doubles as an audit trail.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store on an already migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save assigns the next version to rs and stores it.
func (s *Store) Save(ctx context.Context, rs *RuleSet) error {
	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var current sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(version) FROM rule_sets`).Scan(&current); err != nil {
			return fmt.Errorf("reading current version: %w", err)
		}
		rs.Version = current.Int64 + 1
		rs.CreatedAt = time.Now().UTC()

		doc, err := json.Marshal(rs)
		if err != nil {
			return fmt.Errorf("encoding rule set: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rule_sets (version, document, created_at) VALUES (?, ?, ?)`,
			rs.Version, string(doc), database.Timestamp(rs.CreatedAt),
		); err != nil {
			return fmt.Errorf("inserting rule set v%d: %w", rs.Version, err)
		}
		return nil
	})
}

// Latest returns the newest stored rule set.
func (s *Store) Latest(ctx context.Context) (*RuleSet, error) {
	rs, err := s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT version, document, created_at FROM rule_sets ORDER BY version DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRuleSet
	}
	return rs, err
}

// Get returns a specific version.
func (s *Store) Get(ctx context.Context, version int64) (*RuleSet, error) {
	rs, err := s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT version, document, created_at FROM rule_sets WHERE version = ?`, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: v%d", ErrVersionNotFound, version)
	}
	return rs, err
}

// VersionInfo summarises one stored rule set.
type VersionInfo struct {
	Version   int64     `json:"version"`
	Rules     int       `json:"rules"`
	CreatedAt time.Time `json:"created_at"`
}

// History lists stored versions, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]VersionInfo, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, document, created_at FROM rule_sets ORDER BY version DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying rule sets: %w", err)
	}
	defer rows.Close()

	var out []VersionInfo
	for rows.Next() {
		rs, err := s.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, VersionInfo{Version: rs.Version, Rules: len(rs.Rules), CreatedAt: rs.CreatedAt})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rule sets: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanOne(row scanner) (*RuleSet, error) {
	var version int64
	var doc, createdAt string
	if err := row.Scan(&version, &doc, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning rule set: %w", err)
	}
	var rs RuleSet
	if err := json.Unmarshal([]byte(doc), &rs); err != nil {
		return nil, fmt.Errorf("decoding rule set v%d: %w", version, err)
	}
	rs.Version = version
	rs.CreatedAt = database.ParseTimestamp(createdAt)
	return &rs, nil
}
