package identity

import "time"

// Status is the lifecycle state of an Identity.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// DefaultPolicyID is seeded by the schema migration.
const DefaultPolicyID = "default"

// Thing is the logical device record.
type Thing struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	PolicyID   string            `json:"policy_id"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	LastSeenAt *time.Time        `json:"last_seen_at,omitempty"`
}

// Identity is a device credential: the fingerprint of its public key bound
// to exactly one Thing.
type Identity struct {
	Fingerprint string     `json:"fingerprint"`
	ThingID     string     `json:"thing_id"`
	Status      Status     `json:"status"`
	PublicKey   string     `json:"public_key,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the identity may authenticate.
func (i *Identity) Active() bool {
	return i.Status == StatusActive
}

// Policy is a named permission set bound to Things.
type Policy struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// RevocationListener is called synchronously after an identity is revoked.
type RevocationListener func(Identity)
