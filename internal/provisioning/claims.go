package provisioning

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nerrad567/gray-logic-fleet/internal/auth"
	"github.com/nerrad567/gray-logic-fleet/internal/identity"
	"github.com/nerrad567/gray-logic-fleet/internal/idgen"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/database"
)

// ClaimRequest asks for a claim that lets one device with the given public
// key enrol as a Thing of ThingType under PolicyID.
type ClaimRequest struct {
	ThingType    string        `json:"thing_type"`
	PolicyID     string        `json:"policy_id"`
	PublicKeyPEM string        `json:"public_key"`
	TTL          time.Duration `json:"-"`
}

// Claim is an issued claim. Token is handed to the device out of band.
type Claim struct {
	ID             string     `json:"id"`
	Token          string     `json:"token,omitempty"`
	ThingType      string     `json:"thing_type"`
	PolicyID       string     `json:"policy_id"`
	KeyFingerprint string     `json:"key_fingerprint"`
	ExpiresAt      time.Time  `json:"expires_at"`
	CreatedAt      time.Time  `json:"created_at"`
	ConsumedAt     *time.Time `json:"consumed_at,omitempty"`
	ThingID        string     `json:"thing_id,omitempty"`
	Fingerprint    string     `json:"fingerprint,omitempty"`
}

// Consumed reports whether the claim has been used.
func (c *Claim) Consumed() bool { return c.ConsumedAt != nil }

// Issuer creates claim tokens and their single-use records.
type Issuer struct {
	db     *sql.DB
	store  *identity.Store
	secret string
	ttl    time.Duration
}

// NewIssuer creates an Issuer signing with secret. ttl applies when a
// request does not carry its own.
func NewIssuer(store *identity.Store, secret string, ttl time.Duration) *Issuer {
	return &Issuer{db: store.DB(), store: store, secret: secret, ttl: ttl}
}

// CreateClaim validates the request, stores the claim record and returns
// the signed token.
func (i *Issuer) CreateClaim(ctx context.Context, req ClaimRequest) (*Claim, error) {
	if req.ThingType == "" {
		return nil, ErrThingTypeRequired
	}
	if req.PublicKeyPEM == "" {
		return nil, ErrKeyRequired
	}
	if req.PolicyID == "" {
		req.PolicyID = identity.DefaultPolicyID
	}
	if _, err := i.store.GetPolicy(ctx, req.PolicyID); err != nil {
		return nil, err
	}

	fp, err := auth.FingerprintPEM([]byte(req.PublicKeyPEM))
	if err != nil {
		return nil, err
	}

	id, err := idgen.ClaimID()
	if err != nil {
		return nil, err
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = i.ttl
	}
	now := time.Now().UTC()
	claim := &Claim{
		ID:             id,
		ThingType:      req.ThingType,
		PolicyID:       req.PolicyID,
		KeyFingerprint: fp,
		ExpiresAt:      now.Add(ttl),
		CreatedAt:      now,
	}

	claim.Token, err = auth.SignClaimToken(auth.ClaimTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(claim.ExpiresAt),
		},
		ThingType:      req.ThingType,
		PolicyID:       req.PolicyID,
		KeyFingerprint: fp,
	}, i.secret)
	if err != nil {
		return nil, err
	}

	if _, err := i.db.ExecContext(ctx,
		`INSERT INTO claims (id, thing_type, policy_id, key_fingerprint, expires_at, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		claim.ID, claim.ThingType, claim.PolicyID, claim.KeyFingerprint,
		database.Timestamp(claim.ExpiresAt), database.Timestamp(now),
	); err != nil {
		return nil, fmt.Errorf("inserting claim %s: %w", claim.ID, err)
	}
	return claim, nil
}

// GetClaim returns the stored claim record (without token).
func (i *Issuer) GetClaim(ctx context.Context, id string) (*Claim, error) {
	return getClaim(ctx, i.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getClaim(ctx context.Context, q queryRower, id string) (*Claim, error) {
	var c Claim
	var expiresAt, createdAt string
	var consumedAt, thingID, fp sql.NullString

	err := q.QueryRowContext(ctx,
		`SELECT id, thing_type, policy_id, key_fingerprint, expires_at, created_at, consumed_at, thing_id, fingerprint
		FROM claims WHERE id = ?`, id,
	).Scan(&c.ID, &c.ThingType, &c.PolicyID, &c.KeyFingerprint, &expiresAt, &createdAt, &consumedAt, &thingID, &fp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrClaimNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning claim: %w", err)
	}

	c.ExpiresAt = database.ParseTimestamp(expiresAt)
	c.CreatedAt = database.ParseTimestamp(createdAt)
	if consumedAt.Valid {
		ts := database.ParseTimestamp(consumedAt.String)
		c.ConsumedAt = &ts
	}
	c.ThingID = thingID.String
	c.Fingerprint = fp.String
	return &c, nil
}
