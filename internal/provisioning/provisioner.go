package provisioning

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-fleet/internal/auth"
	"github.com/nerrad567/gray-logic-fleet/internal/identity"
	"github.com/nerrad567/gray-logic-fleet/internal/idgen"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/metrics"
)

// Logger is the logging interface used by the Provisioner.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Config holds the secrets and lifetimes the Provisioner needs.
type Config struct {
	ClaimSecret       string
	DeviceTokenSecret string
	DeviceTokenTTL    time.Duration
}

// Request is the device's provisioning call.
type Request struct {
	ClaimToken     string `json:"claim_token"`
	CSROrPublicKey string `json:"csr"`
}

// Credentials let the device open sessions with the gateway.
type Credentials struct {
	SessionToken string    `json:"session_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Result is returned for a successful (or replayed) provisioning.
type Result struct {
	ThingID             string      `json:"thing_id"`
	IdentityFingerprint string      `json:"identity_fingerprint"`
	Credentials         Credentials `json:"credentials"`
	Replayed            bool        `json:"replayed"`
}

// Provisioner turns a claim token plus a device key into a Thing, an
// Identity and a policy binding, atomically and exactly once per claim.
type Provisioner struct {
	db      *sql.DB
	store   *identity.Store
	cfg     Config
	logger  Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewProvisioner creates a Provisioner over the identity store's database.
func NewProvisioner(store *identity.Store, cfg Config) *Provisioner {
	return &Provisioner{
		db:     store.DB(),
		store:  store,
		cfg:    cfg,
		logger: noopLogger{},
		now:    time.Now,
	}
}

// SetLogger sets the logger.
func (p *Provisioner) SetLogger(logger Logger) { p.logger = logger }

// SetMetrics enables outcome counters.
func (p *Provisioner) SetMetrics(m *metrics.Metrics) { p.metrics = m }

// Provision validates the claim and key and creates the Thing. A replay of
// a consumed claim with the same key returns the original pair with
// Replayed set; any other reuse is ClaimInvalid.
func (p *Provisioner) Provision(ctx context.Context, req Request) (*Result, error) {
	res, err := p.provision(ctx, req)
	switch {
	case err == nil && res.Replayed:
		p.metrics.Provision("replayed")
	case err == nil:
		p.metrics.Provision("created")
	case ReasonOf(err) == ReasonClaimInvalid:
		p.metrics.Provision("claim_invalid")
	case ReasonOf(err) == ReasonKeyMismatch:
		p.metrics.Provision("key_mismatch")
	default:
		p.metrics.Provision("error")
	}
	if err != nil {
		p.logger.Warn("provisioning rejected", "reason", ReasonOf(err), "error", err)
	}
	return res, err
}

func (p *Provisioner) provision(ctx context.Context, req Request) (*Result, error) {
	tokenClaims, err := auth.ParseClaimToken(req.ClaimToken, p.cfg.ClaimSecret)
	if err != nil {
		return nil, claimInvalid("claim token rejected", err)
	}

	pub, err := auth.ParseKeyMaterial([]byte(req.CSROrPublicKey))
	if err != nil {
		return nil, keyMismatch("device key unusable", err)
	}
	fp, err := auth.Fingerprint(pub)
	if err != nil {
		return nil, keyMismatch("device key unusable", err)
	}
	pubPEM, err := auth.EncodePublicKey(pub)
	if err != nil {
		return nil, keyMismatch("device key unusable", err)
	}

	claim, err := getClaim(ctx, p.db, tokenClaims.ID)
	if errors.Is(err, ErrClaimNotFound) {
		return nil, claimInvalid("unknown claim "+tokenClaims.ID, nil)
	}
	if err != nil {
		return nil, err
	}

	if claim.Consumed() {
		return p.replay(ctx, claim, fp)
	}
	if !p.now().Before(claim.ExpiresAt) {
		return nil, claimInvalid("claim expired", nil)
	}
	if fp != claim.KeyFingerprint {
		return nil, keyMismatch("key does not match claim", nil)
	}

	thingID, err := idgen.ThingID()
	if err != nil {
		return nil, err
	}

	lostRace := false
	err = database.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE claims SET consumed_at = ?, thing_id = ?, fingerprint = ? WHERE id = ? AND consumed_at IS NULL`,
			database.Timestamp(p.now()), thingID, fp, claim.ID,
		)
		if err != nil {
			return fmt.Errorf("consuming claim %s: %w", claim.ID, err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			lostRace = true
			return errClaimRace
		}

		return p.store.CreateThingWithIdentity(ctx, tx,
			&identity.Thing{ID: thingID, Type: claim.ThingType, PolicyID: claim.PolicyID},
			&identity.Identity{Fingerprint: fp, PublicKey: pubPEM},
		)
	})
	if lostRace {
		// Another request consumed the claim between our read and the CAS.
		claim, err = getClaim(ctx, p.db, claim.ID)
		if err != nil {
			return nil, err
		}
		return p.replay(ctx, claim, fp)
	}
	if err != nil {
		if errors.Is(err, identity.ErrIdentityExists) {
			return nil, keyMismatch("key already enrolled", err)
		}
		return nil, fmt.Errorf("provisioning %s: %w", thingID, err)
	}

	creds, err := p.credentials(thingID, fp)
	if err != nil {
		return nil, err
	}
	p.logger.Info("thing provisioned", "thing_id", thingID, "fingerprint", fp, "claim_id", claim.ID)
	return &Result{ThingID: thingID, IdentityFingerprint: fp, Credentials: creds}, nil
}

var errClaimRace = errors.New("provisioning: claim consumed concurrently")

// replay answers a consumed claim. Only the key that consumed it gets the
// stored pair back, and only while that identity is still active.
func (p *Provisioner) replay(ctx context.Context, claim *Claim, fp string) (*Result, error) {
	if claim.Fingerprint != fp {
		return nil, claimInvalid("claim already used", nil)
	}
	if _, err := p.store.Authenticate(ctx, fp); err != nil {
		return nil, claimInvalid("identity issued for this claim is no longer active", err)
	}

	creds, err := p.credentials(claim.ThingID, fp)
	if err != nil {
		return nil, err
	}
	return &Result{ThingID: claim.ThingID, IdentityFingerprint: fp, Credentials: creds, Replayed: true}, nil
}

func (p *Provisioner) credentials(thingID, fp string) (Credentials, error) {
	token, expires, err := auth.GenerateDeviceToken(thingID, fp, p.cfg.DeviceTokenSecret, p.cfg.DeviceTokenTTL)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{SessionToken: token, ExpiresAt: expires}, nil
}
