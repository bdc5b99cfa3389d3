package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/database"
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

// Store owns Things, Identities and policy bindings in SQLite.
//
// Relations are id-based foreign keys; the partial unique index on
// identities(thing_id) WHERE status='active' enforces one active identity
// per Thing at the storage layer.
type Store struct {
	db     *sql.DB
	logger Logger

	listenersMu sync.RWMutex
	listeners   []RevocationListener
}

// NewStore creates a Store on an already migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, logger: noopLogger{}}
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger Logger) {
	s.logger = logger
}

// OnRevoke registers a listener run after every revocation commits.
func (s *Store) OnRevoke(fn RevocationListener) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenersMu.Unlock()
}

// DB exposes the handle so collaborators can share a transaction.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateThingWithIdentity inserts the Thing, its Identity and the policy
// binding inside tx. The caller commits or rolls back.
func (s *Store) CreateThingWithIdentity(ctx context.Context, tx *sql.Tx, thing *Thing, ident *Identity) error {
	now := time.Now().UTC()
	thing.CreatedAt = now
	ident.ThingID = thing.ID
	ident.Status = StatusActive
	ident.CreatedAt = now

	attrs := "{}"
	if len(thing.Attributes) > 0 {
		b, err := json.Marshal(thing.Attributes)
		if err != nil {
			return fmt.Errorf("encoding attributes: %w", err)
		}
		attrs = string(b)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO things (id, type, policy_id, attributes, created_at) VALUES (?, ?, ?, ?, ?)`,
		thing.ID, thing.Type, thing.PolicyID, attrs, database.Timestamp(now),
	); err != nil {
		return classify(fmt.Errorf("inserting thing %s: %w", thing.ID, err), ErrThingExists, thing.PolicyID)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO identities (fingerprint, thing_id, status, public_key, created_at) VALUES (?, ?, ?, ?, ?)`,
		ident.Fingerprint, ident.ThingID, string(ident.Status), ident.PublicKey, database.Timestamp(now),
	); err != nil {
		return classify(fmt.Errorf("inserting identity for %s: %w", thing.ID, err), ErrIdentityExists, "")
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO thing_policies (thing_id, policy_id, bound_at) VALUES (?, ?, ?)`,
		thing.ID, thing.PolicyID, database.Timestamp(now),
	); err != nil {
		return classify(fmt.Errorf("binding policy %s to %s: %w", thing.PolicyID, thing.ID, err), ErrPolicyNotFound, thing.PolicyID)
	}
	return nil
}

// classify maps constraint violations onto sentinels. A foreign-key failure
// on a thing insert means the policy does not exist.
func classify(err, uniqueErr error, policyID string) error {
	if !database.IsConstraintViolation(err) {
		return err
	}
	if policyID != "" && database.IsForeignKeyViolation(err) {
		return fmt.Errorf("%w: %s: %w", ErrPolicyNotFound, policyID, err)
	}
	return fmt.Errorf("%w: %w", uniqueErr, err)
}

// CreateThing runs CreateThingWithIdentity in its own transaction.
func (s *Store) CreateThing(ctx context.Context, thing *Thing, ident *Identity) error {
	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.CreateThingWithIdentity(ctx, tx, thing, ident)
	})
}

// Authenticate returns the identity for fingerprint if it is active.
func (s *Store) Authenticate(ctx context.Context, fingerprint string) (*Identity, error) {
	ident, err := s.GetIdentity(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if !ident.Active() {
		return nil, fmt.Errorf("%w: %s", ErrIdentityRevoked, fingerprint)
	}
	return ident, nil
}

// GetIdentity returns an identity regardless of status.
func (s *Store) GetIdentity(ctx context.Context, fingerprint string) (*Identity, error) {
	const query = `SELECT fingerprint, thing_id, status, public_key, created_at, revoked_at
		FROM identities WHERE fingerprint = ?`
	return scanIdentity(s.db.QueryRowContext(ctx, query, fingerprint))
}

// ListIdentities returns every identity of a Thing, newest first.
func (s *Store) ListIdentities(ctx context.Context, thingID string) ([]Identity, error) {
	const query = `SELECT fingerprint, thing_id, status, public_key, created_at, revoked_at
		FROM identities WHERE thing_id = ? ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, thingID)
	if err != nil {
		return nil, fmt.Errorf("querying identities: %w", err)
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ident)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating identity rows: %w", err)
	}
	return out, nil
}

// Revoke marks the identity revoked and notifies listeners. Revoking an
// already revoked identity is a no-op and notifies nobody.
func (s *Store) Revoke(ctx context.Context, fingerprint string) (*Identity, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE identities SET status = ?, revoked_at = ? WHERE fingerprint = ? AND status = ?`,
		string(StatusRevoked), database.Timestamp(now), fingerprint, string(StatusActive),
	)
	if err != nil {
		return nil, fmt.Errorf("revoking identity %s: %w", fingerprint, err)
	}
	changed, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("revoking identity %s: %w", fingerprint, err)
	}

	ident, err := s.GetIdentity(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if changed == 1 {
		s.logger.Info("identity revoked", "fingerprint", fingerprint, "thing_id", ident.ThingID)
		s.notifyRevoked(*ident)
	}
	return ident, nil
}

func (s *Store) notifyRevoked(ident Identity) {
	s.listenersMu.RLock()
	listeners := append([]RevocationListener(nil), s.listeners...)
	s.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(ident)
	}
}

// Deregister revokes every active identity of the Thing (listeners fire)
// and deletes the Thing. Identities, bindings and shadow rows cascade.
func (s *Store) Deregister(ctx context.Context, thingID string) error {
	if _, err := s.GetThing(ctx, thingID); err != nil {
		return err
	}

	idents, err := s.ListIdentities(ctx, thingID)
	if err != nil {
		return err
	}
	for _, ident := range idents {
		if ident.Active() {
			if _, err := s.Revoke(ctx, ident.Fingerprint); err != nil {
				return err
			}
		}
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM things WHERE id = ?`, thingID)
	if err != nil {
		return fmt.Errorf("deleting thing %s: %w", thingID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports rows affected
		return ErrThingNotFound
	}
	s.logger.Info("thing deregistered", "thing_id", thingID)
	return nil
}

// TouchLastSeen records device activity.
func (s *Store) TouchLastSeen(ctx context.Context, thingID string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE things SET last_seen_at = ? WHERE id = ?`, database.Timestamp(at), thingID,
	); err != nil {
		return fmt.Errorf("updating last seen for %s: %w", thingID, err)
	}
	return nil
}

// GetThing returns a Thing by id.
func (s *Store) GetThing(ctx context.Context, thingID string) (*Thing, error) {
	const query = `SELECT id, type, policy_id, attributes, created_at, last_seen_at FROM things WHERE id = ?`
	return scanThing(s.db.QueryRowContext(ctx, query, thingID))
}

// ListThings returns all Things ordered by creation time.
func (s *Store) ListThings(ctx context.Context) ([]Thing, error) {
	const query = `SELECT id, type, policy_id, attributes, created_at, last_seen_at FROM things ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying things: %w", err)
	}
	defer rows.Close()

	var things []Thing
	for rows.Next() {
		t, err := scanThing(rows)
		if err != nil {
			return nil, err
		}
		things = append(things, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating thing rows: %w", err)
	}
	return things, nil
}

// ThingPolicies returns the ids of policies bound to a Thing.
func (s *Store) ThingPolicies(ctx context.Context, thingID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT policy_id FROM thing_policies WHERE thing_id = ? ORDER BY policy_id`, thingID)
	if err != nil {
		return nil, fmt.Errorf("querying policies for %s: %w", thingID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning policy id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// EnsurePolicy creates the policy if it does not exist yet.
func (s *Store) EnsurePolicy(ctx context.Context, p Policy) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO policies (id, description, created_at) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		p.ID, p.Description, database.Timestamp(time.Now()),
	); err != nil {
		return fmt.Errorf("ensuring policy %s: %w", p.ID, err)
	}
	return nil
}

// GetPolicy returns a policy by id.
func (s *Store) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	var p Policy
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, description, created_at FROM policies WHERE id = ?`, id,
	).Scan(&p.ID, &p.Description, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning policy: %w", err)
	}
	p.CreatedAt = database.ParseTimestamp(createdAt)
	return &p, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanThing(row scanner) (*Thing, error) {
	var t Thing
	var attrs, createdAt string
	var lastSeen sql.NullString

	if err := row.Scan(&t.ID, &t.Type, &t.PolicyID, &attrs, &createdAt, &lastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrThingNotFound
		}
		return nil, fmt.Errorf("scanning thing: %w", err)
	}
	if attrs != "" && attrs != "{}" {
		if err := json.Unmarshal([]byte(attrs), &t.Attributes); err != nil {
			return nil, fmt.Errorf("decoding attributes of %s: %w", t.ID, err)
		}
	}
	t.CreatedAt = database.ParseTimestamp(createdAt)
	if lastSeen.Valid {
		ts := database.ParseTimestamp(lastSeen.String)
		t.LastSeenAt = &ts
	}
	return &t, nil
}

func scanIdentity(row scanner) (*Identity, error) {
	var i Identity
	var status, createdAt string
	var revokedAt sql.NullString

	if err := row.Scan(&i.Fingerprint, &i.ThingID, &status, &i.PublicKey, &createdAt, &revokedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("scanning identity: %w", err)
	}
	i.Status = Status(status)
	i.CreatedAt = database.ParseTimestamp(createdAt)
	if revokedAt.Valid {
		ts := database.ParseTimestamp(revokedAt.String)
		i.RevokedAt = &ts
	}
	return &i, nil
}
