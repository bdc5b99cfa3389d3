package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-fleet/internal/audit"
	"github.com/nerrad567/gray-logic-fleet/internal/auth"
	"github.com/nerrad567/gray-logic-fleet/internal/identity"
	"github.com/nerrad567/gray-logic-fleet/internal/provisioning"
)

// handleProvision exchanges a claim token and device key for a Thing,
// an Identity and session credentials. The claim token is the credential.
func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req provisioning.Request
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.ClaimToken == "" || req.CSROrPublicKey == "" {
		writeValidationError(w, "claim_token and csr are required")
		return
	}

	res, err := s.provisioner.Provision(r.Context(), req)
	if err != nil {
		s.writeProvisionError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	} else {
		s.recordAudit(r, audit.ActionProvision, audit.EntityThing, res.ThingID, map[string]any{
			"fingerprint": res.IdentityFingerprint,
		})
	}
	writeJSON(w, status, res)
}

func (s *Server) writeProvisionError(w http.ResponseWriter, err error) {
	switch provisioning.ReasonOf(err) {
	case provisioning.ReasonClaimInvalid:
		writeForbidden(w, err.Error())
		return
	case provisioning.ReasonKeyMismatch:
		writeValidationError(w, err.Error())
		return
	}
	if errors.Is(err, identity.ErrPolicyNotFound) || errors.Is(err, identity.ErrIdentityExists) {
		writeConflict(w, err.Error(), nil)
		return
	}
	s.logger.Error("provisioning failed", "error", err)
	writeInternalError(w, "provisioning failed")
}

// createClaimRequest is the body of POST /api/v1/claims.
type createClaimRequest struct {
	ThingType  string `json:"thing_type"`
	PolicyID   string `json:"policy_id"`
	PublicKey  string `json:"public_key"`
	TTLMinutes int    `json:"ttl_minutes"`
}

// handleCreateClaim issues a claim for one device key.
func (s *Server) handleCreateClaim(w http.ResponseWriter, r *http.Request) {
	var req createClaimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.TTLMinutes < 0 {
		writeValidationError(w, "ttl_minutes must not be negative")
		return
	}

	claim, err := s.claims.CreateClaim(r.Context(), provisioning.ClaimRequest{
		ThingType:    req.ThingType,
		PolicyID:     req.PolicyID,
		PublicKeyPEM: req.PublicKey,
		TTL:          time.Duration(req.TTLMinutes) * time.Minute,
	})
	switch {
	case err == nil:
		s.logger.Info("claim issued", "claim_id", claim.ID, "thing_type", claim.ThingType, "policy_id", claim.PolicyID)
		s.recordAudit(r, audit.ActionClaim, audit.EntityClaim, claim.ID, map[string]any{
			"thing_type": claim.ThingType,
			"policy_id":  claim.PolicyID,
		})
		writeJSON(w, http.StatusCreated, claim)
	case errors.Is(err, provisioning.ErrThingTypeRequired),
		errors.Is(err, provisioning.ErrKeyRequired),
		errors.Is(err, auth.ErrInvalidKey):
		writeValidationError(w, err.Error())
	case errors.Is(err, identity.ErrPolicyNotFound):
		writeNotFound(w, err.Error())
	default:
		s.logger.Error("creating claim", "error", err)
		writeInternalError(w, "failed to create claim")
	}
}

// handleGetClaim returns a claim record (without its token).
func (s *Server) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	claim, err := s.claims.GetClaim(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, provisioning.ErrClaimNotFound):
		writeNotFound(w, "claim not found")
	case err != nil:
		s.logger.Error("loading claim", "error", err)
		writeInternalError(w, "failed to load claim")
	default:
		writeJSON(w, http.StatusOK, claim)
	}
}
