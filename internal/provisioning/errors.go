package provisioning

import (
	"errors"
	"fmt"
)

// Reason classifies a rejected provisioning request.
type Reason string

const (
	// ReasonClaimInvalid covers bad signatures, unknown, expired and reused claims.
	ReasonClaimInvalid Reason = "ClaimInvalid"

	// ReasonKeyMismatch means the presented key is not the one the claim authorised.
	ReasonKeyMismatch Reason = "KeyMismatch"
)

// Error is returned for every rejected provisioning request. Nothing has
// been persisted when it is returned.
type Error struct {
	Reason Reason
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provisioning: %s: %s: %v", e.Reason, e.Detail, e.Err)
	}
	return fmt.Sprintf("provisioning: %s: %s", e.Reason, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// ReasonOf extracts the reason from err, or "" if err is not an *Error.
func ReasonOf(err error) Reason {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ""
}

func claimInvalid(detail string, err error) error {
	return &Error{Reason: ReasonClaimInvalid, Detail: detail, Err: err}
}

func keyMismatch(detail string, err error) error {
	return &Error{Reason: ReasonKeyMismatch, Detail: detail, Err: err}
}

// Sentinel errors for claim issuance; check with errors.Is.
var (
	ErrThingTypeRequired = errors.New("provisioning: thing type is required")
	ErrKeyRequired       = errors.New("provisioning: authorised public key is required")
	ErrClaimNotFound     = errors.New("provisioning: claim not found")
)
