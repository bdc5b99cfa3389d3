package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DeviceClaims authenticate a device session. Subject is the Thing id and
// Fingerprint names the identity the token was issued to, so revoking that
// identity invalidates the token at the next connect.
type DeviceClaims struct {
	jwt.RegisteredClaims
	Fingerprint string `json:"fp"`
}

// ClaimTokenClaims authorise exactly one provisioning. ID (jti) is the
// claim record id; KeyFingerprint pins the public key that may be enrolled.
type ClaimTokenClaims struct {
	jwt.RegisteredClaims
	ThingType      string `json:"thing_type"`
	PolicyID       string `json:"policy_id"`
	KeyFingerprint string `json:"key_fp"`
}

// GenerateDeviceToken signs a device session token valid for ttl.
func GenerateDeviceToken(thingID, fingerprint, secret string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(ttl)
	claims := DeviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   thingID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
		Fingerprint: fingerprint,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing device token: %w", err)
	}
	return signed, expires, nil
}

// ParseDeviceToken validates signature and expiry and requires both the
// subject and the fingerprint claim.
func ParseDeviceToken(tokenString, secret string) (*DeviceClaims, error) {
	claims := &DeviceClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, keyFunc(secret),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if claims.Fingerprint == "" {
		return nil, fmt.Errorf("%w: missing fingerprint", ErrTokenInvalid)
	}
	return claims, nil
}

// SignClaimToken signs a provisioning claim.
func SignClaimToken(claims ClaimTokenClaims, secret string) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing claim token: %w", err)
	}
	return signed, nil
}

// ParseClaimToken verifies the signature only. Expiry is left to the caller:
// a consumed claim must still replay its result after it has expired.
func ParseClaimToken(tokenString, secret string) (*ClaimTokenClaims, error) {
	claims := &ClaimTokenClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, keyFunc(secret),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if claims.ID == "" || claims.KeyFingerprint == "" || claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: incomplete claim", ErrTokenInvalid)
	}
	return claims, nil
}

// Expired reports whether the claim's exp lies before now.
func (c *ClaimTokenClaims) Expired(now time.Time) bool {
	return c.ExpiresAt == nil || !now.Before(c.ExpiresAt.Time)
}

func keyFunc(secret string) jwt.Keyfunc {
	return func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}
}
