package identity

import "errors"

// Sentinel errors; check with errors.Is.
var (
	ErrThingNotFound    = errors.New("identity: thing not found")
	ErrThingExists      = errors.New("identity: thing already exists")
	ErrIdentityNotFound = errors.New("identity: identity not found")
	ErrIdentityRevoked  = errors.New("identity: identity revoked")
	ErrIdentityExists   = errors.New("identity: fingerprint already enrolled or thing already has an active identity")
	ErrPolicyNotFound   = errors.New("identity: policy not found")
)
