package auth

import "errors"

// Sentinel errors; check with errors.Is.
var (
	ErrTokenInvalid = errors.New("auth: invalid token")
	ErrTokenExpired = errors.New("auth: token has expired")
	ErrInvalidHash  = errors.New("auth: invalid secret hash")
	ErrInvalidKey   = errors.New("auth: invalid public key material")
)
