// Package idgen generates short, topic-safe ids backed by nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Prefixes identify the record type an id belongs to.
const (
	ThingPrefix = "thg-"
	ClaimPrefix = "clm-"
	AuditPrefix = "aud-"
)

// alphabet avoids '-', '_' and mixed case so ids are valid MQTT levels,
// NATS tokens and S3 key segments without escaping.
const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

const length = 12

// Generate returns prefix followed by a random nanoid.
func Generate(prefix string) (string, error) {
	id, err := nanoid.Generate(alphabet, length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}

// ThingID returns a new "thg-" id.
func ThingID() (string, error) { return Generate(ThingPrefix) }

// ClaimID returns a new "clm-" id.
func ClaimID() (string, error) { return Generate(ClaimPrefix) }
